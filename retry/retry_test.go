package retry

import (
	"context"
	"testing"
	"time"
)

func TestIncrementAndGetDelayMonotonic(t *testing.T) {
	m := NewManagerWithSchedule(100*time.Millisecond, 2*time.Second)

	var previous time.Duration
	for i := 0; i < 12; i++ {
		delay := m.IncrementAndGetDelay("query-x")
		if delay < previous {
			t.Errorf("Delay decreased at attempt %d: %v < %v", i+1, delay, previous)
		}
		if delay > 2*time.Second {
			t.Errorf("Delay exceeded cap at attempt %d: %v", i+1, delay)
		}
		previous = delay
	}

	if previous != 2*time.Second {
		t.Errorf("Expected delay to saturate at cap, got %v", previous)
	}
}

func TestResetRestoresInitialDelay(t *testing.T) {
	m := NewManagerWithSchedule(100*time.Millisecond, 2*time.Second)

	for i := 0; i < 5; i++ {
		m.IncrementAndGetDelay("key")
	}
	m.Reset("key")

	if delay := m.IncrementAndGetDelay("key"); delay != 100*time.Millisecond {
		t.Errorf("Expected base delay after reset, got %v", delay)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewManager()

	m.IncrementAndGetDelay("a")
	m.IncrementAndGetDelay("a")
	m.IncrementAndGetDelay("a")

	if delay := m.IncrementAndGetDelay("b"); delay != DefaultBaseDelay {
		t.Errorf("Counter for key b contaminated by key a: %v", delay)
	}
}

func TestCurrentDelayTracksRecordedFailures(t *testing.T) {
	m := NewManagerWithSchedule(100*time.Millisecond, time.Second)

	if d := m.CurrentDelay("k"); d != 0 {
		t.Errorf("Expected no delay before any failure, got %v", d)
	}
	m.IncrementAndGetDelay("k")
	if d := m.CurrentDelay("k"); d != 100*time.Millisecond {
		t.Errorf("Expected base delay after one failure, got %v", d)
	}
	// Reading must not have advanced the counter.
	if d := m.IncrementAndGetDelay("k"); d != 200*time.Millisecond {
		t.Errorf("CurrentDelay advanced the counter: got %v", d)
	}
}

func TestWaitForDelayCancellation(t *testing.T) {
	m := NewManager()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := m.WaitForDelay(ctx, 10*time.Second)
	if err != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("WaitForDelay did not return promptly on cancel: %v", elapsed)
	}
}

func TestWaitForDelayCompletes(t *testing.T) {
	m := NewManager()

	if err := m.WaitForDelay(context.Background(), time.Millisecond); err != nil {
		t.Errorf("WaitForDelay failed: %v", err)
	}
}
