// Package retry tracks per-key failure counts and maps them to bounded
// exponential backoff delays.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default backoff schedule. The delay for the n-th consecutive failure is
// min(BaseDelay << (n-1), MaxDelay).
const (
	DefaultBaseDelay = 250 * time.Millisecond
	DefaultMaxDelay  = 60 * time.Second
)

// Manager tracks failed-attempt counters per retry key and computes the
// corresponding backoff delay. Counters live for the lifetime of the
// process and are never persisted.
type Manager struct {
	mu       sync.Mutex
	counters map[string]uint
	base     time.Duration
	max      time.Duration
}

// NewManager creates a retry manager using the default schedule.
func NewManager() *Manager {
	return NewManagerWithSchedule(DefaultBaseDelay, DefaultMaxDelay)
}

// NewManagerWithSchedule creates a retry manager with an explicit base delay
// and cap. A non-positive base or cap falls back to the defaults.
func NewManagerWithSchedule(base, max time.Duration) *Manager {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	return &Manager{
		counters: make(map[string]uint),
		base:     base,
		max:      max,
	}
}

// IncrementAndGetDelay records one more failure for key and returns the
// delay to wait before the next attempt. The returned sequence for a fixed
// key is non-decreasing and capped at the configured maximum.
func (m *Manager) IncrementAndGetDelay(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key]++
	delay := m.delayForCount(m.counters[key])

	logrus.WithFields(logrus.Fields{
		"function": "IncrementAndGetDelay",
		"key":      key,
		"attempt":  m.counters[key],
		"delay":    delay,
	}).Debug("Computed backoff delay")

	return delay
}

// CurrentDelay returns the backoff delay accrued by the recorded failures
// of key, without recording a new one. Zero when no failure is on record.
func (m *Manager) CurrentDelay(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delayForCount(m.counters[key])
}

// Reset clears the failure counter for key. Called on any success.
func (m *Manager) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
}

// WaitForDelay suspends for the given delay. It returns early with the
// context error if ctx is cancelled first.
func (m *Manager) WaitForDelay(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// delayForCount maps a failure count to a delay. Caller holds m.mu or
// operates on values only.
func (m *Manager) delayForCount(count uint) time.Duration {
	if count == 0 {
		return 0
	}
	delay := m.base
	for i := uint(1); i < count; i++ {
		delay *= 2
		if delay >= m.max || delay <= 0 {
			return m.max
		}
	}
	if delay > m.max {
		return m.max
	}
	return delay
}
