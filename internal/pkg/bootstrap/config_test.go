package bootstrap

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, `
app:
  log_level: debug
store:
  driver: gorm
outbox:
  poll_interval: 2s
  batch_size: 10
cart:
  ttl: 30m
infra:
  mysql:
    dsn: "u:p@tcp(db:3306)/orders"
    slow_threshold: 1s
`))
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.App.LogLevel != "debug" || cfg.Store.Driver != DriverGorm {
		t.Errorf("unexpected app/store config %+v %+v", cfg.App, cfg.Store)
	}
	if cfg.Outbox.PollInterval != 2*time.Second || cfg.Outbox.BatchSize != 10 {
		t.Errorf("unexpected outbox config %+v", cfg.Outbox)
	}
	if cfg.Cart.TTL != 30*time.Minute {
		t.Errorf("expected cart ttl 30m, got %s", cfg.Cart.TTL)
	}
	if cfg.Infra.MySQL.DSN != "u:p@tcp(db:3306)/orders" || cfg.Infra.MySQL.SlowThreshold != time.Second {
		t.Errorf("unexpected mysql config %+v", cfg.Infra.MySQL)
	}
	// 文件里没写的部分保留默认值
	if cfg.Saga.Locker != LockerLocal || cfg.Outbox.MaxAttempts != 10 {
		t.Errorf("expected defaults to survive, got %+v %+v", cfg.Saga, cfg.Outbox)
	}
	if GetCurrentConfig() != cfg {
		t.Error("expected GetCurrentConfig to return the loaded config")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, "store:\n  driver: memory\n"))
	t.Setenv("STORE_DRIVER", "gorm")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_ADDRS", "r1:6379")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.Driver != DriverGorm {
		t.Errorf("expected env to override driver, got %s", cfg.Store.Driver)
	}
	if len(cfg.Infra.Kafka.Brokers) != 2 || cfg.Infra.Kafka.Brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers %v", cfg.Infra.Kafka.Brokers)
	}
	if cfg.Infra.Redis.Addrs != "r1:6379" {
		t.Errorf("expected redis addrs r1:6379, got %s", cfg.Infra.Redis.Addrs)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown driver", "store:\n  driver: sqlite\n"},
		{"unknown locker", "saga:\n  locker: etcd\n"},
		{"malformed yaml", "outbox: [\n"},
		{"bad duration", "outbox:\n  poll_interval: soon\n"},
		{"backoff cap below base", "outbox:\n  backoff_base: 10s\n  backoff_max: 1s\n"},
		{"zero consumer backoff", "consumer:\n  backoff_base: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", writeConfig(t, tt.body))
			if _, err := LoadConfig(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestBackoffOptions(t *testing.T) {
	b := OutboxConfig{BackoffBase: time.Second, BackoffMax: 3 * time.Second}.Options().Backoff()
	// 默认带 ±50% 抖动，第一次等待落在 [0.5s, 1.5s]
	if d := b.NextBackOff(); d < 500*time.Millisecond || d > 1500*time.Millisecond {
		t.Errorf("expected first delay around 1s, got %v", d)
	}
	for i := 0; i < 10; i++ {
		if d := b.NextBackOff(); d > 4500*time.Millisecond {
			t.Fatalf("expected delays capped near 3s, got %v", d)
		}
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := LoadConfig(); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestRouterHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
}
