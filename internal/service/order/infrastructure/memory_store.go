// internal/service/order/infrastructure/memory_store.go
package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/idempotency"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/port"
)

// MemoryStore 是单进程内的 port.Store 实现，事务串行执行，提交时一次性生效
type MemoryStore struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	orders map[string]*domain.Order

	outbox *outbox.MemoryStore
	ledger *idempotency.MemoryLedger
}

func NewMemoryStore(ob *outbox.MemoryStore, ledger *idempotency.MemoryLedger) *MemoryStore {
	return &MemoryStore{orders: make(map[string]*domain.Order), outbox: ob, ledger: ledger}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		repo:   &memoryRepo{store: s, staged: make(map[string]*domain.Order)},
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
	s.mu.Lock()
	for id, o := range tx.repo.staged {
		s.orders[id] = o
	}
	s.mu.Unlock()
	return tx.buf.FlushTo(ctx, s.outbox)
}

func (s *MemoryStore) Orders() domain.OrderRepository {
	return &memoryRepo{store: s}
}

type memoryTx struct {
	repo   *memoryRepo
	buf    *outbox.Buffer
	ledger *idempotency.StagedLedger
}

func (t *memoryTx) Orders() domain.OrderRepository { return t.repo }
func (t *memoryTx) Outbox() outbox.Recorder         { return t.buf }
func (t *memoryTx) Ledger() idempotency.Ledger      { return t.ledger }

// memoryRepo staged 为 nil 时是只读视图
type memoryRepo struct {
	store  *MemoryStore
	staged map[string]*domain.Order
}

func (r *memoryRepo) Save(_ context.Context, order *domain.Order) error {
	if r.staged == nil {
		return errors.New("order: save outside of a transaction")
	}
	current, err := r.lookup(order.ID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return err
	}
	if current != nil && current.Version != order.Version {
		return errs.Transient("order.Save", errors.Errorf("order %s modified concurrently (version %d)", order.ID, order.Version))
	}
	if current == nil && order.Version != 0 {
		return errors.Wrapf(domain.ErrOrderNotFound, "order %s", order.ID)
	}
	order.Version++
	r.staged[order.ID] = clone(order)
	return nil
}

func (r *memoryRepo) FindByID(_ context.Context, id string) (*domain.Order, error) {
	o, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return clone(o), nil
}

func (r *memoryRepo) FindStuck(_ context.Context, statuses []domain.Status, before time.Time, limit int) ([]*domain.Order, error) {
	want := make(map[domain.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	r.store.mu.RLock()
	var out []*domain.Order
	for _, o := range r.store.orders {
		if want[o.Status] && o.UpdatedAt.Before(before) {
			out = append(out, clone(o))
		}
	}
	r.store.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) lookup(id string) (*domain.Order, error) {
	if o, ok := r.staged[id]; ok {
		return o, nil
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if o, ok := r.store.orders[id]; ok {
		return o, nil
	}
	return nil, domain.ErrOrderNotFound
}

func clone(o *domain.Order) *domain.Order {
	cp := *o
	cp.Items = append([]domain.LineItem(nil), o.Items...)
	cp.History = append([]domain.StatusChange(nil), o.History...)
	return &cp
}
