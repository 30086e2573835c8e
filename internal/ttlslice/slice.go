package ttlslice

import (
	"sync"
	"time"
)

type item[T any] struct {
	value  T
	expiry time.Time
}

func (i item[V]) isExpired(now time.Time) bool {
	return now.After(i.expiry)
}

// New returns a slice whose items disappear once their ttl elapsed. Expired
// items are pruned lazily on Append and List.
func New[T any](ttl time.Duration, limit int) *Slice[T] {
	return &Slice[T]{
		ttl:   ttl,
		limit: limit,
		now:   time.Now,
	}
}

type Slice[T any] struct {
	mu    sync.Mutex
	items []item[T]
	ttl   time.Duration
	limit int
	now   func() time.Time
}

func (m *Slice[T]) Append(t T) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)
	m.items = append(m.items, item[T]{
		value:  t,
		expiry: now.Add(m.ttl),
	})
	if m.limit > 0 && len(m.items) > m.limit {
		m.items = m.items[len(m.items)-m.limit:]
	}
}

// List returns the live items, oldest first.
func (m *Slice[T]) List() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	tt := make([]T, 0, len(m.items))
	for _, t := range m.items {
		tt = append(tt, t.value)
	}
	return tt
}

func (m *Slice[T]) prune(now time.Time) {
	i := 0
	for i < len(m.items) && m.items[i].isExpired(now) {
		i++
	}
	if i > 0 {
		m.items = append(m.items[:0], m.items[i:]...)
	}
}
