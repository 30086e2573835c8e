package avg

import (
	"sync"
	"time"
)

// Moving keeps the average of the last window durations.
func Moving(window int) *MovingAverage {
	if window < 1 {
		window = 1
	}
	return &MovingAverage{
		window:  window,
		samples: make([]time.Duration, 0, window),
	}
}

type MovingAverage struct {
	mu      sync.RWMutex
	window  int
	samples []time.Duration
	next    int
	sum     time.Duration
	last    time.Duration
}

func (m *MovingAverage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = m.samples[:0]
	m.next = 0
	m.sum = 0
	m.last = 0
}

func (m *MovingAverage) Last() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *MovingAverage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples)
}

func (m *MovingAverage) Next(d time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) < m.window {
		m.samples = append(m.samples, d)
	} else {
		// ring buffer, oldest sample sits at m.next
		m.sum -= m.samples[m.next]
		m.samples[m.next] = d
		m.next = (m.next + 1) % m.window
	}
	m.sum += d
	m.last = m.sum / time.Duration(len(m.samples))
	return m.last
}
