// Package pricesync keeps the prices of a set of tracked coins fresh by
// polling the market data provider and broadcasts every refresh to the
// registered observers.
//
// A Synchronizer is either idle or running. StartUpdates always (re)arms a
// single poll loop for the given coins and fetches immediately; StopUpdates
// cancels the loop and drops every observer. A refresh that fails is logged
// and retried on the next tick, observers only ever see successful cycles.
package pricesync

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/coinwatch/price-sync/internal/avg"
	"github.com/coinwatch/price-sync/internal/market"
	"github.com/coinwatch/price-sync/internal/ttlslice"
)

const DefaultInterval = 30 * time.Second

// Fetcher loads current prices for ids in one call.
type Fetcher interface {
	Prices(ctx context.Context, ids []string) ([]market.Price, error)
}

type Option func(*Synchronizer)

// WithInterval sets the refresh period. It is also the retry delay after a
// failed refresh.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithRegistry(r *Registry) Option {
	return func(s *Synchronizer) {
		s.registry = r
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Synchronizer) {
		s.log = log
	}
}

type Stats struct {
	Running      bool          `json:"running"`
	Tracked      int           `json:"tracked"`
	Observers    int           `json:"observers"`
	Cycles       int64         `json:"cycles"`
	Failures     int64         `json:"failures"`
	Skipped      int64         `json:"skipped"`
	LastSuccess  time.Time     `json:"lastSuccess"`
	AvgLatency   time.Duration `json:"avgLatency"`
	RecentErrors []string      `json:"recentErrors"`
}

// MarshalJSON writes AvgLatency as a duration string such as "120ms".
func (st Stats) MarshalJSON() ([]byte, error) {
	type stats Stats
	return json.Marshal(struct {
		stats
		AvgLatency string `json:"avgLatency"`
	}{stats(st), st.AvgLatency.String()})
}

type Synchronizer struct {
	fetcher  Fetcher
	interval time.Duration
	registry *Registry
	log      *slog.Logger

	mu     sync.Mutex
	ids    []string
	gen    uint64
	cancel context.CancelFunc

	loops       atomic.Int32
	cycles      atomic.Int64
	failures    atomic.Int64
	skipped     atomic.Int64
	lastSuccess atomic.Int64
	latency     *avg.MovingAverage
	errs        *ttlslice.Slice[string]
}

func New(fetcher Fetcher, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		fetcher:  fetcher,
		interval: DefaultInterval,
		latency:  avg.Moving(20),
		errs:     ttlslice.New[string](time.Hour, 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.registry == nil {
		s.registry = NewRegistry(s.log)
	}
	return s
}

// StartUpdates replaces the tracked coins and (re)arms the poll loop. The
// first refresh happens right away. Results of the previous loop that have not
// started delivery yet are dropped.
func (s *Synchronizer) StartUpdates(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = slices.Clone(ids)
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.gen)

	s.log.Info("price updates started", "coins", len(ids), "interval", s.interval)
}

// StopUpdates cancels the poll loop and removes all observers. It is safe to
// call when nothing is running.
func (s *Synchronizer) StopUpdates() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.log.Info("price updates stopped")
	}
	s.ids = nil
	s.registry.Clear()
}

func (s *Synchronizer) Subscribe(o Observer) func() {
	return s.registry.Subscribe(o)
}

func (s *Synchronizer) SubscribeFunc(fn func(prices []market.Price)) func() {
	return s.registry.SubscribeFunc(fn)
}

func (s *Synchronizer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Synchronizer) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running: s.cancel != nil,
		Tracked: len(s.ids),
	}
	s.mu.Unlock()

	st.Observers = s.registry.Len()
	st.Cycles = s.cycles.Load()
	st.Failures = s.failures.Load()
	st.Skipped = s.skipped.Load()
	if ns := s.lastSuccess.Load(); ns != 0 {
		st.LastSuccess = time.Unix(0, ns)
	}
	st.AvgLatency = s.latency.Last()
	st.RecentErrors = s.errs.List()
	return st
}

func (s *Synchronizer) run(ctx context.Context, gen uint64) {
	s.loops.Add(1)
	defer s.loops.Add(-1)

	// one fetch per loop at a time, ticks arriving meanwhile are dropped
	inflight := semaphore.NewWeighted(1)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	go s.refresh(ctx, gen, inflight)
	for {
		select {
		case <-t.C:
			go s.refresh(ctx, gen, inflight)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Synchronizer) refresh(ctx context.Context, gen uint64, inflight *semaphore.Weighted) {
	if !inflight.TryAcquire(1) {
		s.skipped.Add(1)
		s.log.Debug("previous price refresh still running, skipping tick")
		return
	}
	defer inflight.Release(1)

	ids, ok := s.tracked(gen)
	if !ok || len(ids) == 0 {
		return
	}

	start := time.Now()
	prices, err := s.fetcher.Prices(ctx, ids)
	if err != nil {
		if ctx.Err() != nil {
			s.log.Debug("price refresh canceled", "err", err)
			return
		}
		s.failures.Add(1)
		s.errs.Append(err.Error())
		s.log.Error("could not refresh prices", "err", err, "coins", len(ids))
		return
	}
	s.latency.Next(time.Since(start))

	delivered := s.registry.deliver(func() ([]*subscription, bool) {
		subs, ok := s.current(gen)
		if ok {
			s.cycles.Add(1)
			s.lastSuccess.Store(time.Now().UnixNano())
			s.log.Debug("prices refreshed", "requested", len(ids), "received", len(prices), "observers", len(subs))
		}
		return subs, ok
	}, prices)
	if !delivered {
		s.log.Debug("discarding stale price refresh")
	}
}

func (s *Synchronizer) tracked(gen uint64) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return nil, false
	}
	return s.ids, true
}

// current reports whether gen is still the armed loop and, if so, snapshots
// the observers the result goes to. Refreshes call it with the registry's
// delivery lock held, so a result waiting behind another delivery is checked
// again once its turn comes.
func (s *Synchronizer) current(gen uint64) ([]*subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.cancel == nil {
		return nil, false
	}
	return s.registry.snapshot(), true
}
