package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so polling and elapsed-time accounting can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real wraps the time package.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Manual is a clock that only moves when told to. After advances the clock by
// d immediately and returns an already-fired channel, so a loop sleeping on it
// runs at full speed while observing simulated time.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.now = m.now.Add(d)
	fired := m.now
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- fired
	return ch
}
