package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/payment/domain"
	"fulfillment/internal/service/payment/port"
)

// MemoryStore 是单进程内的 port.Store 实现，事务串行执行
type MemoryStore struct {
	txMu     sync.Mutex
	payments map[string]domain.Attempt

	outbox *outbox.MemoryStore
	ledger *idempotency.MemoryLedger
}

func NewMemoryStore(ob *outbox.MemoryStore, ledger *idempotency.MemoryLedger) *MemoryStore {
	return &MemoryStore{
		payments: make(map[string]domain.Attempt),
		outbox:   ob,
		ledger:   ledger,
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		repo:   &memoryRepo{store: s, staged: make(map[string]domain.Attempt)},
		buf:    &outbox.Buffer{},
		ledger: s.ledger.Stage(),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, env := range tx.buf.Envelopes() {
		if event.TopicFor(env.EventType) == "" {
			return errors.Errorf("outbox: no topic for event type %s", env.EventType)
		}
	}
	if err := tx.ledger.Commit(); err != nil {
		return err
	}
	for id, a := range tx.repo.staged {
		s.payments[id] = a
	}
	return tx.buf.FlushTo(ctx, s.outbox)
}

type memoryTx struct {
	repo   *memoryRepo
	buf    *outbox.Buffer
	ledger *idempotency.StagedLedger
}

func (t *memoryTx) Payments() domain.Repository { return t.repo }
func (t *memoryTx) Outbox() outbox.Recorder     { return t.buf }
func (t *memoryTx) Ledger() idempotency.Ledger  { return t.ledger }

type memoryRepo struct {
	store  *MemoryStore
	staged map[string]domain.Attempt
}

func (r *memoryRepo) FindByOrderID(_ context.Context, orderID string) (*domain.Attempt, error) {
	a, ok := r.staged[orderID]
	if !ok {
		a, ok = r.store.payments[orderID]
	}
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memoryRepo) Save(_ context.Context, a *domain.Attempt) error {
	r.staged[a.OrderID] = *a
	return nil
}
