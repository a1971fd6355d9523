package action

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/automation/internal/schedule"
)

// ErrNoExecutor is returned for a schedule type nothing can execute.
var ErrNoExecutor = errors.New("no executor for schedule type")

// Registry maps schedule types to their executors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[schedule.Type]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schedule.Type]Executor)}
}

// Register adds an executor. Panics on duplicate type to surface misconfiguration early.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Get returns the executor for the given type.
func (r *Registry) Get(t schedule.Type) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrNoExecutor, t)
	}
	return e, nil
}

// Supports reports whether t has an executor.
func (r *Registry) Supports(t schedule.Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// Types returns all registered schedule types, sorted.
func (r *Registry) Types() []schedule.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schedule.Type, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
