package bucket

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is the in-process accumulator used for single-node runs and
// tests. A single mutex serializes slot updates so concurrent increments to
// the same key always both apply.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[int64]map[Key]decimal.Decimal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[int64]map[Key]decimal.Decimal)}
}

func (s *MemoryStore) Increment(ctx context.Context, minute time.Time, key Key, qty decimal.Decimal) error {
	_ = ctx
	boundary := Minute(minute).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.buckets[boundary]
	if !ok {
		slots = make(map[Key]decimal.Decimal)
		s.buckets[boundary] = slots
	}
	slots[key] = slots[key].Add(qty)
	return nil
}

func (s *MemoryStore) Drain(ctx context.Context, minute time.Time) (map[Key]decimal.Decimal, error) {
	_ = ctx
	boundary := Minute(minute).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.buckets[boundary]
	if !ok {
		return map[Key]decimal.Decimal{}, nil
	}
	delete(s.buckets, boundary)
	return slots, nil
}
