package pricesync

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/coinwatch/price-sync/internal/market"
)

// Observer receives the prices of every successful refresh cycle. The slice
// is shared between all observers and must not be modified.
type Observer interface {
	OnPrices(prices []market.Price)
}

type ObserverFunc func(prices []market.Price)

func (f ObserverFunc) OnPrices(prices []market.Price) { f(prices) }

type subscription struct {
	observer Observer
	active   atomic.Bool
}

// Registry is an ordered set of observers.
type Registry struct {
	log *slog.Logger

	mu   sync.Mutex
	subs []*subscription

	// serializes deliveries so observers never see two cycles at once
	deliverMu sync.Mutex
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Subscribe registers o and returns a function removing it again. Subscribing
// an observer that is already registered does not register it twice; this
// only applies to comparable observers, func values never compare equal.
func (r *Registry) Subscribe(o Observer) func() {
	if o == nil {
		return func() {}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reflect.ValueOf(o).Comparable() {
		for _, s := range r.subs {
			if s.observer == o {
				return r.unsubscribeFunc(s)
			}
		}
	}
	s := &subscription{observer: o}
	s.active.Store(true)
	r.subs = append(r.subs, s)
	r.log.Debug("added price observer", "total", len(r.subs))
	return r.unsubscribeFunc(s)
}

func (r *Registry) SubscribeFunc(fn func(prices []market.Price)) func() {
	if fn == nil {
		return func() {}
	}
	return r.Subscribe(ObserverFunc(fn))
}

func (r *Registry) unsubscribeFunc(s *subscription) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !s.active.Load() {
			return
		}
		s.active.Store(false)
		r.subs = slices.DeleteFunc(r.subs, func(other *subscription) bool { return other == s })
		r.log.Debug("removed price observer", "total", len(r.subs))
	}
}

// Clear removes every observer. Observers cleared during a running broadcast
// are not called anymore.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		s.active.Store(false)
	}
	r.subs = nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Broadcast calls every registered observer once, in registration order. A
// panicking observer is logged and skipped. Observers must not call Broadcast
// themselves.
func (r *Registry) Broadcast(prices []market.Price) {
	r.deliver(func() ([]*subscription, bool) { return r.snapshot(), true }, prices)
}

func (r *Registry) snapshot() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.subs)
}

// deliver takes the observer list from recipients once it holds the delivery
// lock. It reports false when recipients declined the delivery.
func (r *Registry) deliver(recipients func() ([]*subscription, bool), prices []market.Price) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	subs, ok := recipients()
	if !ok {
		return false
	}
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		r.notify(s.observer, prices)
	}
	return true
}

func (r *Registry) notify(o Observer, prices []market.Price) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("price observer failed", "err", v)
		}
	}()
	o.OnPrices(prices)
}
