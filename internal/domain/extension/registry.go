package extension

import (
	"fmt"
	"slices"
	"sync"
)

type entry struct {
	ext    Extension
	loaded bool
}

// Registry is an explicitly owned, thread-safe Bridge that keeps extensions
// in memory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Ensure Registry implements Bridge.
var _ Bridge = (*Registry)(nil)

// AddExtension builds and registers an extension. An unloaded extension with
// the same name is replaced.
func (r *Registry) AddExtension(build Builder) (err error) {
	if build == nil {
		return ErrNilBuilder
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("extension builder panicked: %v", rec)
		}
	}()

	ext, err := build()
	if err != nil {
		return fmt.Errorf("building extension: %w", err)
	}
	if ext == nil || ext.Name() == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := ext.Name()
	if existing, ok := r.entries[name]; ok && existing.loaded {
		return &ExistsError{Name: name}
	}
	r.entries[name] = &entry{ext: ext, loaded: true}
	return nil
}

// UnloadExtension deactivates an extension. Unloading an unloaded extension
// is a no-op.
func (r *Registry) UnloadExtension(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	return unload(e)
}

// RemoveExtension drops an extension, unloading it first if still loaded.
func (r *Registry) RemoveExtension(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	err := unload(e)
	delete(r.entries, name)
	return err
}

// Get returns a registered extension.
func (r *Registry) Get(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// Loaded reports whether name is registered and loaded.
func (r *Registry) Loaded(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return ok && e.loaded
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered extensions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func unload(e *entry) error {
	if !e.loaded {
		return nil
	}
	e.loaded = false
	if u, ok := e.ext.(Unloader); ok {
		if err := u.Unload(); err != nil {
			return fmt.Errorf("unloading extension %q: %w", e.ext.Name(), err)
		}
	}
	return nil
}
