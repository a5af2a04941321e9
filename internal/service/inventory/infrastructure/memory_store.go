package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/service/inventory/domain"
	"fulfillment/internal/service/inventory/port"
)

// MemoryStore 是单进程内的 port.Store 实现。事务串行执行，相当于对所有库存行加锁。
type MemoryStore struct {
	txMu         sync.Mutex
	stocks       map[string]domain.Stock
	reservations map[string]domain.Reservation

	outbox *outbox.MemoryStore
	ledger *idempotency.MemoryLedger
}

func NewMemoryStore(ob *outbox.MemoryStore, ledger *idempotency.MemoryLedger) *MemoryStore {
	return &MemoryStore{
		stocks:       make(map[string]domain.Stock),
		reservations: make(map[string]domain.Reservation),
		outbox:       ob,
		ledger:       ledger,
	}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		repo: &memoryRepo{
			store:        s,
			stocks:       make(map[string]domain.Stock),
			reservations: make(map[string]domain.Reservation),
		},
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
	for sku, st := range tx.repo.stocks {
		s.stocks[sku] = st
	}
	for id, r := range tx.repo.reservations {
		s.reservations[id] = r
	}
	return tx.buf.FlushTo(ctx, s.outbox)
}

type memoryTx struct {
	repo   *memoryRepo
	buf    *outbox.Buffer
	ledger *idempotency.StagedLedger
}

func (t *memoryTx) Inventory() domain.Repository { return t.repo }
func (t *memoryTx) Outbox() outbox.Recorder      { return t.buf }
func (t *memoryTx) Ledger() idempotency.Ledger   { return t.ledger }

// memoryRepo 的写入先进入暂存区，提交时才合并。调用方持有 txMu。
type memoryRepo struct {
	store        *MemoryStore
	stocks       map[string]domain.Stock
	reservations map[string]domain.Reservation
}

func (r *memoryRepo) LockStocks(_ context.Context, skus []string) (map[string]*domain.Stock, error) {
	out := make(map[string]*domain.Stock, len(skus))
	for _, sku := range skus {
		if st, ok := r.stock(sku); ok {
			cp := st
			out[sku] = &cp
		}
	}
	return out, nil
}

func (r *memoryRepo) SaveStock(_ context.Context, st *domain.Stock) error {
	r.stocks[st.SKU] = *st
	return nil
}

func (r *memoryRepo) FindStock(_ context.Context, sku string) (*domain.Stock, error) {
	st, ok := r.stock(sku)
	if !ok {
		return nil, errors.Wrapf(domain.ErrUnknownSKU, "sku %s", sku)
	}
	return &st, nil
}

func (r *memoryRepo) FindReservation(_ context.Context, orderID string) (*domain.Reservation, error) {
	res, ok := r.reservations[orderID]
	if !ok {
		res, ok = r.store.reservations[orderID]
	}
	if !ok {
		return nil, nil
	}
	res.Lines = append([]domain.Line(nil), res.Lines...)
	return &res, nil
}

func (r *memoryRepo) SaveReservation(_ context.Context, res *domain.Reservation) error {
	cp := *res
	cp.Lines = append([]domain.Line(nil), res.Lines...)
	r.reservations[res.OrderID] = cp
	return nil
}

func (r *memoryRepo) stock(sku string) (domain.Stock, bool) {
	if st, ok := r.stocks[sku]; ok {
		return st, true
	}
	st, ok := r.store.stocks[sku]
	return st, ok
}
