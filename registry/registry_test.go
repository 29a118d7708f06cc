package registry

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryBeginRefusesDuplicate(t *testing.T) {
	r := New()
	key := Key{Scope: ScopeToken, ID: "identity-1"}

	h, ok := r.TryBegin(key)
	if !ok || h == nil {
		t.Fatal("First TryBegin should succeed")
	}

	if _, ok := r.TryBegin(key); ok {
		t.Error("Second TryBegin for the same key should fail")
	}

	// Same ID under a different scope is a different key.
	if _, ok := r.TryBegin(Key{Scope: ScopeChallenge, ID: "identity-1"}); !ok {
		t.Error("Same ID in a different scope should be independent")
	}
}

func TestAccumulateAndEnd(t *testing.T) {
	r := New()
	h, ok := r.TryBegin(Key{Scope: ScopeQuery, ID: "q1"})
	if !ok {
		t.Fatal("TryBegin failed")
	}

	r.Accumulate(h, []byte("hello "))
	r.Accumulate(h, []byte("world"))

	got := r.End(h)
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("Expected accumulated buffer, got %q", got)
	}

	if r.InFlight(Key{Scope: ScopeQuery, ID: "q1"}) {
		t.Error("Key still in flight after End")
	}
}

func TestLateAccumulateAfterEndIsNoop(t *testing.T) {
	r := New()
	key := Key{Scope: ScopeMessageList, ID: "id:dev"}

	h, _ := r.TryBegin(key)
	r.End(h)

	// A late callback delivering data must not resurrect the entry.
	r.Accumulate(h, []byte("late"))
	if r.InFlight(key) {
		t.Error("Late Accumulate resurrected a finished task")
	}

	// A new task under the same key must not see the stale handle's data.
	h2, ok := r.TryBegin(key)
	if !ok {
		t.Fatal("TryBegin after End failed")
	}
	r.Accumulate(h, []byte("stale"))
	if got := r.End(h2); got != nil {
		t.Errorf("New task contaminated by stale handle: %q", got)
	}
}

func TestDoubleEndReturnsNil(t *testing.T) {
	r := New()
	h, _ := r.TryBegin(Key{Scope: ScopeUserData, ID: "label"})
	r.Accumulate(h, []byte("data"))

	if got := r.End(h); got == nil {
		t.Fatal("First End returned nil")
	}
	if got := r.End(h); got != nil {
		t.Errorf("Second End should return nil, got %q", got)
	}
}

// TestSingleFlightUnderConcurrency issues N concurrent TryBegin calls for
// the same key and verifies exactly one wins.
func TestSingleFlightUnderConcurrency(t *testing.T) {
	r := New()
	key := Key{Scope: ScopeToken, ID: "contended"}

	const n = 64
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok := r.TryBegin(key); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", winners.Load())
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 in-flight task, got %d", r.Len())
	}
}
