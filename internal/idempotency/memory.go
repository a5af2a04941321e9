// internal/idempotency/memory.go
package idempotency

import (
	"context"
	"sync"
	"time"
)

type recordKey struct {
	consumer, eventID string
}

// MemoryLedger 是进程内账本
type MemoryLedger struct {
	mu   sync.Mutex
	recs map[recordKey]Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{recs: make(map[recordKey]Record)}
}

func (l *MemoryLedger) Find(_ context.Context, consumer, eventID string) (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[recordKey{consumer, eventID}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (l *MemoryLedger) Insert(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := recordKey{rec.Consumer, rec.EventID}
	if _, ok := l.recs[k]; ok {
		return ErrDuplicate
	}
	l.recs[k] = rec
	return nil
}

func (l *MemoryLedger) Purge(_ context.Context, consumer string, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for k, rec := range l.recs {
		if k.consumer == consumer && rec.ProcessedAt.Before(before) {
			delete(l.recs, k)
			n++
		}
	}
	return n, nil
}

// Len 返回记录数
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}

// Stage 开启一个暂存视图，配合内存事务使用: Commit 之前插入对账本不可见
func (l *MemoryLedger) Stage() *StagedLedger {
	return &StagedLedger{base: l}
}

// StagedLedger 是 MemoryLedger 上的一次未提交写入
type StagedLedger struct {
	base   *MemoryLedger
	staged []Record
}

func (s *StagedLedger) Find(ctx context.Context, consumer, eventID string) (*Record, error) {
	for i := range s.staged {
		if s.staged[i].Consumer == consumer && s.staged[i].EventID == eventID {
			rec := s.staged[i]
			return &rec, nil
		}
	}
	return s.base.Find(ctx, consumer, eventID)
}

func (s *StagedLedger) Insert(ctx context.Context, rec Record) error {
	existing, err := s.Find(ctx, rec.Consumer, rec.EventID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicate
	}
	s.staged = append(s.staged, rec)
	return nil
}

// Commit 把暂存记录写入底层账本，任一重复则全部不写
func (s *StagedLedger) Commit() error {
	s.base.mu.Lock()
	defer s.base.mu.Unlock()
	for _, rec := range s.staged {
		if _, ok := s.base.recs[recordKey{rec.Consumer, rec.EventID}]; ok {
			return ErrDuplicate
		}
	}
	for _, rec := range s.staged {
		s.base.recs[recordKey{rec.Consumer, rec.EventID}] = rec
	}
	s.staged = nil
	return nil
}
