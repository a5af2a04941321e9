package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace/noop"

	"fulfillment/internal/event"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/infrastructure"
	"fulfillment/internal/service/cart/port"
)

var (
	sweepAt = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	ttl     = 24 * time.Hour
	tracer  = noop.NewTracerProvider().Tracer("test")
)

// failingStore 对指定购物车的保存返回错误
type failingStore struct {
	inner port.Store
	fail  map[string]bool
}

func failOn(inner port.Store, ids ...string) *failingStore {
	s := &failingStore{inner: inner, fail: make(map[string]bool)}
	for _, id := range ids {
		s.fail[id] = true
	}
	return s
}

func (s *failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return s.inner.WithinTx(ctx, func(ctx context.Context, tx port.Tx) error {
		return fn(ctx, failingTx{Tx: tx, fail: s.fail})
	})
}

type failingTx struct {
	port.Tx
	fail map[string]bool
}

func (t failingTx) Carts() domain.Repository { return failingRepo{Repository: t.Tx.Carts(), fail: t.fail} }

type failingRepo struct {
	domain.Repository
	fail map[string]bool
}

func (r failingRepo) Save(ctx context.Context, c *domain.Cart) error {
	if r.fail[c.ID] && c.Status == domain.StatusExpired {
		return errors.New("disk full")
	}
	return r.Repository.Save(ctx, c)
}

// seed 创建一个在 lastActivity 时最后活动的购物车
func seed(t *testing.T, store port.Store, lastActivity time.Time) *domain.Cart {
	t.Helper()
	svc := NewCartService(store, tracer)
	svc.now = func() time.Time { return lastActivity }
	c, err := svc.Create(context.Background(), "u-1", "USD")
	if err != nil {
		t.Fatal(err)
	}
	c, err = svc.AddItem(context.Background(), c.ID, "X", 2, decimal.RequireFromString("3.00"))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func status(t *testing.T, store port.Store, id string) domain.Status {
	t.Helper()
	c, err := NewCartService(store, tracer).Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return c.Status
}

func TestSweepExpiresOnlyStaleCarts(t *testing.T) {
	ob := outbox.NewMemoryStore()
	store := infrastructure.NewMemoryStore(ob)
	stale := seed(t, store, sweepAt.Add(-25*time.Hour))
	fresh := seed(t, store, sweepAt.Add(-time.Hour))

	report, err := NewSweeper(store, ttl, 10, tracer).Sweep(context.Background(), sweepAt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Expired != 1 || len(report.Failures) != 0 {
		t.Errorf("expected 1 expired, got %+v", report)
	}
	if got := status(t, store, stale.ID); got != domain.StatusExpired {
		t.Errorf("expected stale cart EXPIRED, got %s", got)
	}
	if got := status(t, store, fresh.ID); got != domain.StatusActive {
		t.Errorf("expected fresh cart untouched, got %s", got)
	}

	msgs := ob.Messages()
	if len(msgs) != 1 || msgs[0].Envelope.EventType != event.CartExpired || msgs[0].Envelope.AggregateID != stale.ID {
		t.Fatalf("expected exactly one CartExpired for %s, got %v", stale.ID, msgs)
	}
	var p event.CartExpiredPayload
	msgs[0].Envelope.Decode(&p)
	if p.ItemCount != 2 || !p.LastActivityAt.Equal(sweepAt.Add(-25*time.Hour)) || !p.ExpiredAt.Equal(sweepAt) {
		t.Errorf("unexpected payload %+v", p)
	}

	// 再次清扫不会产生新事件
	report, _ = NewSweeper(store, ttl, 10, tracer).Sweep(context.Background(), sweepAt.Add(time.Minute))
	if report.Expired != 0 || len(ob.Messages()) != 1 {
		t.Errorf("expected a second sweep to be a no-op, got %+v", report)
	}
}

func TestSweepBatches(t *testing.T) {
	ob := outbox.NewMemoryStore()
	store := infrastructure.NewMemoryStore(ob)
	for i := 0; i < 7; i++ {
		seed(t, store, sweepAt.Add(-48*time.Hour+time.Duration(i)*time.Minute))
	}
	report, err := NewSweeper(store, ttl, 3, tracer).Sweep(context.Background(), sweepAt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Expired != 7 || report.Scanned != 7 {
		t.Errorf("expected all 7 carts expired across batches, got %+v", report)
	}
}

func TestSweepCollectsFailures(t *testing.T) {
	ob := outbox.NewMemoryStore()
	mem := infrastructure.NewMemoryStore(ob)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, seed(t, mem, sweepAt.Add(-30*time.Hour+time.Duration(i)*time.Minute)).ID)
	}
	store := failOn(mem, ids[1])

	report, err := NewSweeper(store, ttl, 2, tracer).Sweep(context.Background(), sweepAt)
	if err != nil {
		t.Fatalf("per-cart failures must not fail the sweep, got %v", err)
	}
	if report.Expired != 2 || len(report.Failures) != 1 || report.Failures[0].CartID != ids[1] {
		t.Fatalf("expected 2 expired and 1 failure on %s, got %+v", ids[1], report)
	}
	for i, id := range ids {
		want := domain.StatusExpired
		if i == 1 {
			want = domain.StatusActive
		}
		if got := status(t, mem, id); got != want {
			t.Errorf("cart %d: expected %s, got %s", i, want, got)
		}
	}
	if n := len(ob.Messages()); n != 2 {
		t.Errorf("expected 2 CartExpired events, got %d", n)
	}
}

func TestSweepMovesPastAFullBatchOfFailures(t *testing.T) {
	ob := outbox.NewMemoryStore()
	mem := infrastructure.NewMemoryStore(ob)
	a := seed(t, mem, sweepAt.Add(-30*time.Hour))
	b := seed(t, mem, sweepAt.Add(-29*time.Hour))
	c := seed(t, mem, sweepAt.Add(-25*time.Hour))
	store := failOn(mem, a.ID, b.ID)

	sweeper := NewSweeper(store, ttl, 2, tracer)
	report, err := sweeper.Sweep(context.Background(), sweepAt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 3 || report.Expired != 1 || len(report.Failures) != 2 {
		t.Fatalf("expected 3 scanned, 1 expired, 2 failures, got %+v", report)
	}
	if got := status(t, mem, c.ID); got != domain.StatusExpired {
		t.Errorf("expected cart c EXPIRED, got %s", got)
	}

	// 下一轮仍会重试失败的购物车
	report, _ = sweeper.Sweep(context.Background(), sweepAt.Add(time.Minute))
	if report.Scanned != 2 || len(report.Failures) != 2 {
		t.Errorf("expected the failed carts to be retried, got %+v", report)
	}
}

func TestSweepOrdersTiesByID(t *testing.T) {
	ob := outbox.NewMemoryStore()
	store := infrastructure.NewMemoryStore(ob)
	at := sweepAt.Add(-36 * time.Hour)
	for i := 0; i < 5; i++ {
		seed(t, store, at)
	}
	report, err := NewSweeper(store, ttl, 2, tracer).Sweep(context.Background(), sweepAt)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 5 || report.Expired != 5 {
		t.Errorf("expected carts with equal activity to be paged by id, got %+v", report)
	}
}

func TestSweepStopsOnEmptyStore(t *testing.T) {
	store := infrastructure.NewMemoryStore(outbox.NewMemoryStore())
	report, err := NewSweeper(store, ttl, 0, tracer).Sweep(context.Background(), sweepAt)
	if err != nil || report.Scanned != 0 {
		t.Errorf("expected an empty report, got %+v %v", report, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	store := infrastructure.NewMemoryStore(outbox.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(store, ttl, 10, tracer).Run(ctx, 10*time.Millisecond) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
