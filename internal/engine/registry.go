package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTask is returned when a task name has no registered implementation.
var ErrUnknownTask = errors.New("engine: task not registered")

// Registry maps task names to implementations. It is populated explicitly at
// process start; lookups never fall back to reflection.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Register binds name to t. Registering a name twice is an error.
func (r *Registry) Register(name string, t Task) error {
	if name == "" {
		return fmt.Errorf("engine: empty task name")
	}
	if t == nil {
		return fmt.Errorf("engine: nil task for %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("engine: task %q already registered", name)
	}
	r.tasks[name] = t
	return nil
}

// MustRegister is Register that panics on error, for init-time tables.
func (r *Registry) MustRegister(name string, t Task) {
	if err := r.Register(name, t); err != nil {
		panic(err)
	}
}

// Lookup returns the implementation bound to name.
func (r *Registry) Lookup(name string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownTask)
	}
	return t, nil
}

// Names lists registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
