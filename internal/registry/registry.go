// Package registry holds the task types a process can run, keyed by their
// fully-qualified name, and checks persisted framework versions against the
// running one.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
)

var (
	// ErrUnknownType is returned by Lookup for names that were never registered.
	ErrUnknownType = errors.New("unknown task type")
	// ErrDuplicateType is returned by Register for names already taken.
	ErrDuplicateType = errors.New("task type already registered")
	// ErrVersionMismatch is returned by CheckVersion in strict mode.
	ErrVersionMismatch = errors.New("version mismatch")
)

// Entry is a registrable task type.
type Entry interface {
	TypeName() string
	Validate() error
}

// Registry maps task-type names to entries. It is safe for concurrent use.
type Registry[T Entry] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// New creates an empty registry.
func New[T Entry]() *Registry[T] {
	return &Registry[T]{
		entries: make(map[string]T),
	}
}

// Register validates e and adds it under its type name.
func (r *Registry[T]) Register(e T) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", e.TypeName(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.TypeName()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, name)
	}
	r.entries[name] = e
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry[T]) MustRegister(e T) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry registered under name.
func (r *Registry[T]) Lookup(name string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return e, nil
}

// List returns every registered entry sorted by name for stable output.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TypeName() < out[j].TypeName()
	})
	return out
}

// CheckVersion compares the version a record was written with against the
// running version. Semantic versions compare by value ("v1.2.0" equals
// "1.2.0"); anything else compares as a plain string. On mismatch it returns
// ErrVersionMismatch when strict, and otherwise logs a warning and returns nil.
func CheckVersion(persisted, running string, strict bool, logger *slog.Logger) error {
	if sameVersion(persisted, running) {
		return nil
	}
	if strict {
		return fmt.Errorf("%w: record has version %q, running version is %q", ErrVersionMismatch, persisted, running)
	}
	if logger != nil {
		logger.Warn("version mismatch", "persisted", persisted, "running", running)
	}
	return nil
}

func sameVersion(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return va.Equal(vb)
}
