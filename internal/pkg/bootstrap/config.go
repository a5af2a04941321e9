// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/database"
	"fulfillment/internal/pkg/mq"
)

const defaultConfigFile = "configs/config.yaml"

// 存储驱动
const (
	DriverMemory = "memory"
	DriverGorm   = "gorm"
)

// 锁实现
const (
	LockerLocal     = "local"
	LockerZookeeper = "zookeeper"
)

// Config 是所有服务共用的配置文件结构，各服务只读取自己关心的部分
type Config struct {
	App         AppConfig         `yaml:"app"`
	Infra       InfraConfig       `yaml:"infra"`
	Store       StoreConfig       `yaml:"store"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Saga        SagaConfig        `yaml:"saga"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Cart        CartConfig        `yaml:"cart"`
	Payment     PaymentConfig     `yaml:"payment"`
	Shipping    ShippingConfig    `yaml:"shipping"`
}

type AppConfig struct {
	LogLevel string `yaml:"log_level"`
	// Port 非 0 时覆盖服务自带的默认端口
	Port int `yaml:"port"`
}

type InfraConfig struct {
	Kafka struct {
		Brokers []string `yaml:"brokers"`
	} `yaml:"kafka"`
	MySQL database.Config `yaml:"mysql"`
	Redis struct {
		// Addrs 逗号分隔，为空时不启用去重缓存
		Addrs string `yaml:"addrs"`
	} `yaml:"redis"`
	Zookeeper struct {
		Servers        []string      `yaml:"servers"`
		SessionTimeout time.Duration `yaml:"session_timeout"`
	} `yaml:"zookeeper"`
	Jaeger struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"jaeger"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	Retention    time.Duration `yaml:"retention"`
}

// Options 转换为投递器参数
func (c OutboxConfig) Options() outbox.Options {
	return outbox.Options{
		BatchSize:   c.BatchSize,
		MaxAttempts: c.MaxAttempts,
		Backoff:     exponential(c.BackoffBase, c.BackoffMax),
		Retention:   c.Retention,
	}
}

type ConsumerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

func (c ConsumerConfig) Options() mq.ConsumerOptions {
	return mq.ConsumerOptions{
		MaxRetries: c.MaxRetries,
		Backoff:    exponential(c.BackoffBase, c.BackoffMax),
	}
}

// exponential 以 base 起步、max 封顶的指数退避，不设总时长上限
func exponential(base, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(base),
			backoff.WithMaxInterval(max),
			backoff.WithMultiplier(2),
			backoff.WithMaxElapsedTime(0),
		)
	}
}

type SagaConfig struct {
	Locker           string        `yaml:"locker"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
	StepTimeout      time.Duration `yaml:"step_timeout"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	WatchdogBatch    int           `yaml:"watchdog_batch"`
}

type IdempotencyConfig struct {
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type CartConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type PaymentConfig struct {
	// ApprovalRule 授权规则 (CEL 表达式)
	ApprovalRule string `yaml:"approval_rule"`
}

type ShippingConfig struct {
	// Carrier simulated 或 http
	Carrier  string `yaml:"carrier"`
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	MaxUnits int    `yaml:"max_units"`
}

// DefaultConfig 本地开发用的默认值
func DefaultConfig() *Config {
	c := &Config{}
	c.App.LogLevel = "info"
	c.Infra.Kafka.Brokers = []string{"localhost:9092"}
	c.Infra.MySQL = database.Config{
		DSN:             "root:root@tcp(localhost:3306)/fulfillment",
		MaxOpenConns:    20,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		SlowThreshold:   200 * time.Millisecond,
	}
	c.Infra.Zookeeper.Servers = []string{"localhost:2181"}
	c.Infra.Zookeeper.SessionTimeout = 10 * time.Second
	c.Infra.Jaeger.Endpoint = "http://localhost:14268/api/traces"
	c.Store = StoreConfig{Driver: DriverMemory}
	c.Outbox = OutboxConfig{
		PollInterval: 500 * time.Millisecond,
		BatchSize:    100,
		MaxAttempts:  10,
		BackoffBase:  time.Second,
		BackoffMax:   time.Minute,
		Retention:    24 * time.Hour,
	}
	c.Consumer = ConsumerConfig{
		Concurrency: 1,
		MaxRetries:  5,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  10 * time.Second,
	}
	c.Saga = SagaConfig{
		Locker:           LockerLocal,
		LockTimeout:      10 * time.Second,
		StepTimeout:      15 * time.Minute,
		WatchdogInterval: time.Minute,
		WatchdogBatch:    100,
	}
	c.Idempotency = IdempotencyConfig{
		CacheTTL:      time.Hour,
		Retention:     7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
	}
	c.Cart = CartConfig{TTL: 72 * time.Hour, SweepInterval: 10 * time.Minute, BatchSize: 100}
	c.Payment.ApprovalRule = "amount <= 10000.0"
	c.Shipping = ShippingConfig{Carrier: "simulated", Name: "SIM", MaxUnits: 50}
	return c
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置，LoadConfig 之前返回默认值
func GetCurrentConfig() *Config {
	if c := currentConfig.Load(); c != nil {
		return c
	}
	return DefaultConfig()
}

// LoadConfig 读取 CONFIG_FILE (默认 configs/config.yaml)，再叠加环境变量。
// 默认路径的文件不存在时只使用默认值；显式指定的文件不存在视为错误。
func LoadConfig() (*Config, error) {
	path, explicit := os.LookupEnv("CONFIG_FILE")
	if !explicit {
		path = defaultConfigFile
	}
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	currentConfig.Store(cfg)
	return cfg, nil
}

func applyEnv(c *Config) {
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		c.Infra.Kafka.Brokers = splitList(v)
	}
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		c.Infra.Zookeeper.Servers = splitList(v)
	}
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Store.Driver = getEnv("STORE_DRIVER", c.Store.Driver)
	c.Saga.Locker = getEnv("SAGA_LOCKER", c.Saga.Locker)
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverGorm:
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Saga.Locker {
	case LockerLocal, LockerZookeeper:
	default:
		return errors.Errorf("unknown saga locker %q", c.Saga.Locker)
	}
	if len(c.Infra.Kafka.Brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}
	if c.Outbox.BackoffBase <= 0 || c.Outbox.BackoffMax < c.Outbox.BackoffBase {
		return errors.Errorf("invalid outbox backoff %s..%s", c.Outbox.BackoffBase, c.Outbox.BackoffMax)
	}
	if c.Consumer.BackoffBase <= 0 || c.Consumer.BackoffMax < c.Consumer.BackoffBase {
		return errors.Errorf("invalid consumer backoff %s..%s", c.Consumer.BackoffBase, c.Consumer.BackoffMax)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
