package util

import "time"

type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// ManualClock feeds ticks by hand. After ignores the duration and returns
// a shared channel, so tests control exactly when a tick fires.
type ManualClock struct {
	C chan time.Time
}

func NewManualClock() *ManualClock {
	return &ManualClock{C: make(chan time.Time)}
}

func (m *ManualClock) After(d time.Duration) <-chan time.Time { return m.C }
func (m *ManualClock) Now() time.Time                         { return time.Now() }

// Tick fires one tick, blocking until the loop receives it.
func (m *ManualClock) Tick() { m.C <- time.Now() }
