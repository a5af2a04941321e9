// internal/outbox/memory.go
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fulfillment/internal/event"
)

// MemoryStore 是单进程内的发件箱实现，用于本地运行和测试
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	msgs []*Message
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Record(_ context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	topic := event.TopicFor(env.EventType)
	if topic == "" {
		return fmt.Errorf("outbox: no topic for event type %s", env.EventType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.Envelope.EventID == env.EventID {
			return fmt.Errorf("outbox: event %s already recorded", env.EventID)
		}
	}
	s.seq++
	now := s.now()
	s.msgs = append(s.msgs, &Message{
		ID:            s.seq,
		Topic:         topic,
		Envelope:      env,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	})
	return nil
}

func (s *MemoryStore) FetchPending(_ context.Context, afterID int64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.msgs {
		if m.Status != StatusPending || m.ID <= afterID {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, id int64, at time.Time) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusSent
		m.SentAt = &at
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	return s.update(id, func(m *Message) {
		m.Attempts = attempts
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (s *MemoryStore) MarkDead(_ context.Context, id int64, attempts int, lastErr string) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusDead
		m.Attempts = attempts
		m.LastError = lastErr
	})
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, m := range s.msgs {
		switch m.Status {
		case StatusPending:
			st.Pending++
			if st.OldestPendingAt == nil || m.CreatedAt.Before(*st.OldestPendingAt) {
				at := m.CreatedAt
				st.OldestPendingAt = &at
			}
		case StatusDead:
			st.Dead++
		}
	}
	return st, nil
}

func (s *MemoryStore) PurgeSent(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.msgs[:0]
	var n int64
	for _, m := range s.msgs {
		if m.Status == StatusSent && m.SentAt != nil && m.SentAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return n, nil
}

// Messages 返回所有消息的快照 (按创建顺序)
func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, *m)
	}
	return out
}

func (s *MemoryStore) update(id int64, fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			fn(m)
			return nil
		}
	}
	return fmt.Errorf("outbox: message %d not found", id)
}
