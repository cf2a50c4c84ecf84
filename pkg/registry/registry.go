// Package registry resolves task identifiers to handler factories.
//
// A Registry is an ordinary value built at startup and passed to whoever
// needs it; there is no process-wide instance.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guido-cesarano/taskbridge/pkg/tasks"
)

// ErrDuplicateTask is returned when a TaskID is registered twice.
var ErrDuplicateTask = errors.New("task already registered")

// Factory builds a new handler instance for a single run.
type Factory func() tasks.Handler

type registration struct {
	name    string
	factory Factory
}

// Registry maps TaskIDs to handler factories. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[tasks.TaskID]registration
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[tasks.TaskID]registration)}
}

// Register binds id to factory. name is used in logs and metric labels.
func (r *Registry) Register(id tasks.TaskID, name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("register task %d: nil factory", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[id]; ok {
		return fmt.Errorf("%w: %d (%s)", ErrDuplicateTask, id, existing.name)
	}
	r.entries[id] = registration{name: name, factory: factory}
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(id tasks.TaskID, name string, factory Factory) {
	if err := r.Register(id, name, factory); err != nil {
		panic(err)
	}
}

// Resolve builds a fresh handler for id. It fails with tasks.ErrUnknownTask
// when nothing is registered under id.
func (r *Registry) Resolve(id tasks.TaskID) (tasks.Handler, error) {
	r.mu.RLock()
	reg, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %d", tasks.ErrUnknownTask, id)
	}
	h := reg.factory()
	if h == nil {
		return nil, fmt.Errorf("factory for task %d (%s) returned nil", id, reg.name)
	}
	return h, nil
}

// Name returns the registered name of id, or "unknown".
func (r *Registry) Name(id tasks.TaskID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.entries[id]; ok {
		return reg.name
	}
	return "unknown"
}

// IDs lists every registered TaskID in ascending order.
func (r *Registry) IDs() []tasks.TaskID {
	r.mu.RLock()
	ids := make([]tasks.TaskID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
