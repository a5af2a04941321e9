package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/shipping/domain"
	"fulfillment/internal/service/shipping/port"
)

// MemoryStore 是单进程内的 port.Store 实现，事务串行执行
type MemoryStore struct {
	txMu      sync.Mutex
	shipments map[string]domain.Shipment

	outbox *outbox.MemoryStore
	ledger *idempotency.MemoryLedger
}

func NewMemoryStore(ob *outbox.MemoryStore, ledger *idempotency.MemoryLedger) *MemoryStore {
	return &MemoryStore{
		shipments: make(map[string]domain.Shipment),
		outbox:    ob,
		ledger:    ledger,
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		repo:   &memoryRepo{store: s, staged: make(map[string]domain.Shipment)},
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
	for id, sh := range tx.repo.staged {
		s.shipments[id] = sh
	}
	return tx.buf.FlushTo(ctx, s.outbox)
}

type memoryTx struct {
	repo   *memoryRepo
	buf    *outbox.Buffer
	ledger *idempotency.StagedLedger
}

func (t *memoryTx) Shipments() domain.Repository { return t.repo }
func (t *memoryTx) Outbox() outbox.Recorder      { return t.buf }
func (t *memoryTx) Ledger() idempotency.Ledger   { return t.ledger }

type memoryRepo struct {
	store  *MemoryStore
	staged map[string]domain.Shipment
}

func (r *memoryRepo) FindByOrderID(_ context.Context, orderID string) (*domain.Shipment, error) {
	sh, ok := r.staged[orderID]
	if !ok {
		sh, ok = r.store.shipments[orderID]
	}
	if !ok {
		return nil, nil
	}
	return &sh, nil
}

func (r *memoryRepo) Save(_ context.Context, sh *domain.Shipment) error {
	r.staged[sh.OrderID] = *sh
	return nil
}
