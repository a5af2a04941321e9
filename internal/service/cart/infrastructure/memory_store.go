package infrastructure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/event"
	"fulfillment/internal/outbox"
	"fulfillment/internal/pkg/errs"
	"fulfillment/internal/service/cart/domain"
	"fulfillment/internal/service/cart/port"
)

// MemoryStore 是单进程内的 port.Store 实现，事务串行执行
type MemoryStore struct {
	txMu  sync.Mutex
	carts map[string]*domain.Cart

	outbox *outbox.MemoryStore
}

func NewMemoryStore(ob *outbox.MemoryStore) *MemoryStore {
	return &MemoryStore{carts: make(map[string]*domain.Cart), outbox: ob}
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		repo: &memoryRepo{store: s, staged: make(map[string]*domain.Cart)},
		buf:  &outbox.Buffer{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for _, env := range tx.buf.Envelopes() {
		if event.TopicFor(env.EventType) == "" {
			return errors.Errorf("outbox: no topic for event type %s", env.EventType)
		}
	}
	for id, c := range tx.repo.staged {
		s.carts[id] = c
	}
	return tx.buf.FlushTo(ctx, s.outbox)
}

type memoryTx struct {
	repo *memoryRepo
	buf  *outbox.Buffer
}

func (t *memoryTx) Carts() domain.Repository { return t.repo }
func (t *memoryTx) Outbox() outbox.Recorder  { return t.buf }

type memoryRepo struct {
	store  *MemoryStore
	staged map[string]*domain.Cart
}

func (r *memoryRepo) Save(_ context.Context, c *domain.Cart) error {
	current, ok := r.current(c.ID)
	switch {
	case c.Version == 0 && ok:
		return errs.InvalidInput("cart.Save", errors.Errorf("cart %s already exists", c.ID))
	case c.Version != 0 && (!ok || current.Version != c.Version):
		return errs.Transient("cart.Save", errors.Errorf("cart %s modified concurrently (version %d)", c.ID, c.Version))
	}
	c.Version++
	r.staged[c.ID] = clone(c)
	return nil
}

func (r *memoryRepo) FindByID(_ context.Context, id string) (*domain.Cart, error) {
	c, ok := r.current(id)
	if !ok {
		return nil, errors.Wrapf(domain.ErrCartNotFound, "cart %s", id)
	}
	return clone(c), nil
}

func (r *memoryRepo) FindInactive(_ context.Context, cutoff time.Time, after *domain.Cursor, limit int) ([]*domain.Cart, error) {
	var out []*domain.Cart
	for id := range r.store.carts {
		c, _ := r.current(id)
		if c.Status != domain.StatusActive || !c.LastActivityAt.Before(cutoff) {
			continue
		}
		if after != nil && after.Covers(c) {
			continue
		}
		out = append(out, clone(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) current(id string) (*domain.Cart, bool) {
	if c, ok := r.staged[id]; ok {
		return c, true
	}
	c, ok := r.store.carts[id]
	return c, ok
}

func clone(c *domain.Cart) *domain.Cart {
	cp := *c
	cp.Items = append([]domain.Item(nil), c.Items...)
	cp.Coupons = append([]domain.Coupon(nil), c.Coupons...)
	return &cp
}
