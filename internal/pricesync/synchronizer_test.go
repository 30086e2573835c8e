package pricesync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coinwatch/price-sync/internal/market"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  [][]string
	prices map[string]market.Price
	err    error

	// when set, calls wait for release; ignoreCancel keeps them waiting
	// even after their context is canceled
	release      chan struct{}
	ignoreCancel bool
}

func newFakeFetcher(prices ...market.Price) *fakeFetcher {
	f := &fakeFetcher{prices: map[string]market.Price{}}
	for _, p := range prices {
		f.prices[p.ID] = p
	}
	return f
}

func (f *fakeFetcher) Prices(ctx context.Context, ids []string) ([]market.Price, error) {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(ids))
	release, ignoreCancel := f.release, f.ignoreCancel
	f.mu.Unlock()

	if release != nil {
		if ignoreCancel {
			<-release
		} else {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []market.Price
	for _, id := range ids {
		if p, ok := f.prices[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeFetcher) callsFrom(i int) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls[i:])
}

func TestStartFetchesImmediately(t *testing.T) {
	f := newFakeFetcher(btc...)
	s := New(f, WithInterval(time.Hour))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	require.Equal(t, btc, rec.last())
	require.True(t, s.Running())
	require.Equal(t, []string{"bitcoin"}, s.Tracked())
}

func TestPeriodicRefresh(t *testing.T) {
	f := newFakeFetcher(btc...)
	s := New(f, WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})

	require.Eventually(t, func() bool { return rec.count() >= 3 }, waitFor, tick)
	st := s.Stats()
	require.GreaterOrEqual(t, st.Cycles, int64(3))
	require.False(t, st.LastSuccess.IsZero())
	require.Equal(t, 1, st.Tracked)
	require.Equal(t, 1, st.Observers)
}

func TestStartUpdatesReplacesTrackedSet(t *testing.T) {
	f := newFakeFetcher()
	s := New(f, WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	s.StartUpdates([]string{"a1", "a2"})
	require.Eventually(t, func() bool { return f.callCount() >= 2 }, waitFor, tick)

	s.StartUpdates([]string{"b1"})
	require.Eventually(t, func() bool { return s.loops.Load() == 1 }, waitFor, tick)
	require.Equal(t, []string{"b1"}, s.Tracked())

	// let anything started by the first loop drain, then only b1 is fetched
	time.Sleep(30 * time.Millisecond)
	mark := f.callCount()
	require.Eventually(t, func() bool { return f.callCount() >= mark+3 }, waitFor, tick)
	for _, ids := range f.callsFrom(mark) {
		require.Equal(t, []string{"b1"}, ids)
	}
	require.EqualValues(t, 1, s.loops.Load())
}

func TestStartUpdatesCopiesIDs(t *testing.T) {
	s := New(newFakeFetcher(), WithInterval(time.Hour))
	t.Cleanup(s.StopUpdates)

	ids := []string{"bitcoin"}
	s.StartUpdates(ids)
	ids[0] = "mutated"
	require.Equal(t, []string{"bitcoin"}, s.Tracked())
}

func TestStopUpdates(t *testing.T) {
	f := newFakeFetcher(btc...)
	s := New(f, WithInterval(10*time.Millisecond))

	first := &recorder{}
	s.Subscribe(first)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return first.count() > 0 }, waitFor, tick)

	s.StopUpdates()
	require.False(t, s.Running())
	require.Empty(t, s.Tracked())
	require.Zero(t, s.registry.Len())
	require.Eventually(t, func() bool { return s.loops.Load() == 0 }, waitFor, tick)

	// a subscriber added after stop hears nothing until the next start
	delivered := first.count()
	late := &recorder{}
	s.Subscribe(late)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, late.count())
	require.Equal(t, delivered, first.count())

	s.StartUpdates([]string{"bitcoin"})
	t.Cleanup(s.StopUpdates)
	require.Eventually(t, func() bool { return late.count() > 0 }, waitFor, tick)
	require.Equal(t, delivered, first.count())
}

func TestStopUpdatesIdempotent(t *testing.T) {
	s := New(newFakeFetcher())
	require.NotPanics(t, func() {
		s.StopUpdates()
		s.StopUpdates()
	})
	require.False(t, s.Running())

	s.StartUpdates(nil)
	s.StopUpdates()
	s.StopUpdates()
	require.False(t, s.Running())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	f := newFakeFetcher(btc...)
	s := New(f, WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	gone, stays := &recorder{}, &recorder{}
	unsubscribe := s.Subscribe(gone)
	s.Subscribe(stays)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return gone.count() > 0 }, waitFor, tick)

	unsubscribe()
	unsubscribe()
	// a delivery that was already running may still complete
	time.Sleep(20 * time.Millisecond)
	n := gone.count()
	seen := stays.count()
	require.Eventually(t, func() bool { return stays.count() >= seen+3 }, waitFor, tick)
	require.Equal(t, n, gone.count())
}

func TestFailedRefreshChangesNothing(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.setErr(errors.New("connection refused"))
	s := New(f, WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin", "ethereum"})

	require.Eventually(t, func() bool { return s.Stats().Failures >= 3 }, waitFor, tick)
	require.Zero(t, rec.count())
	require.True(t, s.Running())
	require.Equal(t, []string{"bitcoin", "ethereum"}, s.Tracked())
	require.Equal(t, 1, s.registry.Len())
	require.EqualValues(t, 1, s.loops.Load())
	require.Contains(t, s.Stats().RecentErrors, "connection refused")

	// the next tick retries on its own
	f.setErr(nil)
	require.Eventually(t, func() bool { return rec.count() > 0 }, waitFor, tick)
	require.Equal(t, btc, rec.last())
}

func TestMalformedResponseIsAFailure(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.setErr(market.ErrMalformedResponse)
	s := New(f, WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return s.Stats().Failures >= 1 }, waitFor, tick)
	require.Zero(t, rec.count())
}

func TestPanickingObserverDoesNotStopUpdates(t *testing.T) {
	s := New(newFakeFetcher(btc...), WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	s.SubscribeFunc(func([]market.Price) { panic("observer bug") })
	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})

	require.Eventually(t, func() bool { return rec.count() >= 2 }, waitFor, tick)
	require.True(t, s.Running())
}

func TestPartialResponse(t *testing.T) {
	f := newFakeFetcher(market.Price{ID: "bitcoin", CurrentPrice: 50000, ChangePercent24h: 2.5})
	s := New(f, WithInterval(time.Hour))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin", "ethereum"})

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	require.Equal(t, []market.Price{{ID: "bitcoin", CurrentPrice: 50000, ChangePercent24h: 2.5}}, rec.last())
}

func TestUnsubscribeWhileFetchInFlight(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.release = make(chan struct{})
	s := New(f, WithInterval(time.Hour))
	t.Cleanup(s.StopUpdates)

	first, second := &recorder{}, &recorder{}
	unsubscribeFirst := s.Subscribe(first)
	s.Subscribe(second)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return f.callCount() == 1 }, waitFor, tick)

	unsubscribeFirst()
	close(f.release)

	require.Eventually(t, func() bool { return second.count() == 1 }, waitFor, tick)
	require.Zero(t, first.count())
}

func TestEmptyTrackedSet(t *testing.T) {
	f := newFakeFetcher(market.Price{ID: "x", CurrentPrice: 1})
	s := New(f, WithInterval(5*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{})
	require.True(t, s.Running())
	require.Eventually(t, func() bool { return s.loops.Load() == 1 }, waitFor, tick)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.callCount())
	require.Zero(t, rec.count())

	s.StartUpdates([]string{"x"})
	require.Eventually(t, func() bool { return rec.count() > 0 }, waitFor, tick)
	require.Eventually(t, func() bool { return s.loops.Load() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, s.loops.Load())
}

func TestSlowFetchSkipsTicks(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.release = make(chan struct{})
	s := New(f, WithInterval(5*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})

	require.Eventually(t, func() bool { return s.Stats().Skipped >= 3 }, waitFor, tick)
	require.Equal(t, 1, f.callCount())

	close(f.release)
	require.Eventually(t, func() bool { return rec.count() >= 2 }, waitFor, tick)
}

func TestStaleFetchAfterStopIsDiscarded(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.release = make(chan struct{})
	f.ignoreCancel = true
	s := New(f, WithInterval(time.Hour))

	before := &recorder{}
	s.Subscribe(before)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return f.callCount() == 1 }, waitFor, tick)

	s.StopUpdates()
	after := &recorder{}
	s.Subscribe(after)
	close(f.release)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, before.count())
	require.Zero(t, after.count())
	require.Zero(t, s.Stats().Cycles)
	require.False(t, s.Running())
}

func TestStaleFetchAfterRestartIsDiscarded(t *testing.T) {
	f := newFakeFetcher(btc...)
	f.release = make(chan struct{})
	f.ignoreCancel = true
	s := New(f, WithInterval(time.Hour))
	t.Cleanup(s.StopUpdates)

	rec := &recorder{}
	s.Subscribe(rec)
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return f.callCount() == 1 }, waitFor, tick)

	// the second loop's first fetch is blocked as well; once released only
	// the current loop may deliver
	s.StartUpdates([]string{"bitcoin"})
	require.Eventually(t, func() bool { return f.callCount() == 2 }, waitFor, tick)
	close(f.release)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, rec.count())
	require.EqualValues(t, 1, s.Stats().Cycles)
}

func TestObserverMayStopUpdates(t *testing.T) {
	s := New(newFakeFetcher(btc...), WithInterval(10*time.Millisecond))
	t.Cleanup(s.StopUpdates)

	done := make(chan struct{})
	var once sync.Once
	s.SubscribeFunc(func([]market.Price) {
		s.StopUpdates()
		once.Do(func() { close(done) })
	})
	s.StartUpdates([]string{"bitcoin"})

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("observer was never called")
	}
	require.False(t, s.Running())
}

func TestRestartDropsResultWaitingForDelivery(t *testing.T) {
	f := newFakeFetcher(market.Price{ID: "a", CurrentPrice: 1}, market.Price{ID: "b", CurrentPrice: 2})
	r := NewRegistry(nil)
	s := New(f, WithInterval(time.Hour), WithRegistry(r))
	t.Cleanup(s.StopUpdates)

	entered := make(chan struct{})
	hold := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	s.SubscribeFunc(func(prices []market.Price) {
		if prices[0].ID == "hold" {
			close(entered)
			<-hold
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, p := range prices {
			seen = append(seen, p.ID)
		}
	})
	received := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(seen)
	}

	// keep the registry busy so refresh results queue up behind it
	go r.Broadcast([]market.Price{{ID: "hold"}})
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("broadcast never started")
	}

	s.StartUpdates([]string{"a"})
	require.Eventually(t, func() bool { return f.callCount() == 1 }, waitFor, tick)
	s.StartUpdates([]string{"b"})
	require.Eventually(t, func() bool { return f.callCount() == 2 }, waitFor, tick)
	close(hold)

	require.Eventually(t, func() bool { return slices.Contains(received(), "b") }, waitFor, tick)
	require.Never(t, func() bool { return slices.Contains(received(), "a") }, 50*time.Millisecond, tick)
	require.Equal(t, []string{"b"}, received())
	require.EqualValues(t, 1, s.Stats().Cycles)
}

func TestStatsJSON(t *testing.T) {
	bts, err := json.Marshal(Stats{
		Running:      true,
		Tracked:      2,
		Cycles:       3,
		AvgLatency:   120 * time.Millisecond,
		RecentErrors: []string{"boom"},
	})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(bts, &got))
	require.Equal(t, true, got["running"])
	require.EqualValues(t, 2, got["tracked"])
	require.EqualValues(t, 3, got["cycles"])
	require.Equal(t, "120ms", got["avgLatency"])
	require.Equal(t, []any{"boom"}, got["recentErrors"])
	require.NotContains(t, got, "AvgLatency")
}
