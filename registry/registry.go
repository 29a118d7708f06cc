// Package registry implements the single-flight task registry shared by
// every network coordinator. It guarantees that at most one in-flight
// operation exists per logical key, and accumulates the response bytes of
// that operation until it completes.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Scope partitions the key space so that unrelated coordinators can reuse
// the same identifier without colliding.
type Scope string

const (
	ScopeChallenge       Scope = "challenge"
	ScopeToken           Scope = "token"
	ScopeMessageList     Scope = "message-list"
	ScopeExtendedPayload Scope = "extended-payload"
	ScopeAttachment      Scope = "attachment"
	ScopeQuery           Scope = "query"
	ScopeUserData        Scope = "user-data"
	ScopeTransfer        Scope = "transfer"
)

// Key identifies one logical in-flight operation.
type Key struct {
	Scope Scope
	ID    string
}

// Handle refers to a registered in-flight task. It is returned by TryBegin
// and consumed by End.
type Handle struct {
	key Key
	gen uint64
}

// Key returns the logical key the handle was registered under.
func (h *Handle) Key() Key { return h.key }

type entry struct {
	gen    uint64
	buffer []byte
}

// Registry tracks in-flight tasks by key. All methods serialize through a
// single mutex; none of them block beyond that, so the lock is never held
// across a suspension point.
type Registry struct {
	mu      sync.Mutex
	tasks   map[Key]*entry
	nextGen uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[Key]*entry)}
}

// TryBegin registers a new in-flight task under key. If a task already
// exists for key it returns (nil, false) and the caller must take the
// non-duplicating path.
func (r *Registry) TryBegin(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[key]; exists {
		logrus.WithFields(logrus.Fields{
			"function": "TryBegin",
			"scope":    key.Scope,
			"id":       key.ID,
		}).Debug("Task already in flight, refusing duplicate")
		return nil, false
	}

	r.nextGen++
	r.tasks[key] = &entry{gen: r.nextGen}
	return &Handle{key: key, gen: r.nextGen}, true
}

// Accumulate appends bytes to the task's response buffer. It is a no-op if
// the task was already ended, so late callbacks after cancellation are
// harmless.
func (r *Registry) Accumulate(h *Handle, data []byte) {
	if h == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.tasks[h.key]
	if !exists || e.gen != h.gen {
		return
	}
	e.buffer = append(e.buffer, data...)
}

// End removes the task and returns its accumulated buffer. Ending an
// already-ended handle returns nil. The entry is removed on every outcome
// (success, failure, parse error) so a key can never be left dangling.
func (r *Registry) End(h *Handle) []byte {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.tasks[h.key]
	if !exists || e.gen != h.gen {
		return nil
	}
	delete(r.tasks, h.key)
	return e.buffer
}

// InFlight reports whether a task is currently registered under key.
func (r *Registry) InFlight(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.tasks[key]
	return exists
}

// Len returns the number of registered in-flight tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
