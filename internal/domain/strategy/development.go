package strategy

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Plugin is an in-process plugin entry point.
type Plugin interface {
	Setup(ctx context.Context, env *Env) ([]extension.Builder, error)
	Teardown(ctx context.Context) error
}

// Factory creates a plugin instance for a manifest.
type Factory func(m *manifest.Manifest) (Plugin, error)

// Env is what an in-process plugin sees of the host.
type Env struct {
	Manifest *manifest.Manifest
	// Shared is the parent context visible to every plugin.
	Shared *Shared
	Logger *logging.Logger
}

// Catalog maps class references to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register adds a factory under a class reference.
func (c *Catalog) Register(classRef string, f Factory) error {
	if classRef == "" || f == nil {
		return fmt.Errorf("class reference and factory are required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[classRef]; ok {
		return fmt.Errorf("class reference %q already registered", classRef)
	}
	c.factories[classRef] = f
	return nil
}

// Lookup returns the factory for a class reference.
func (c *Catalog) Lookup(classRef string) (Factory, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[classRef]
	return f, ok
}

// ClassRefs returns the registered class references, sorted.
func (c *Catalog) ClassRefs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	refs := make([]string, 0, len(c.factories))
	for ref := range c.factories {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// Shared is a symbol table visible across all in-process plugins.
type Shared struct {
	mu      sync.RWMutex
	symbols map[string]any
}

// NewShared creates an empty shared context.
func NewShared() *Shared {
	return &Shared{symbols: make(map[string]any)}
}

// Publish exposes a symbol to other plugins.
func (s *Shared) Publish(name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.symbols[name]; ok {
		return fmt.Errorf("symbol %q already published", name)
	}
	s.symbols[name] = value
	return nil
}

// Lookup returns a published symbol.
func (s *Shared) Lookup(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.symbols[name]
	return v, ok
}

// Withdraw removes a published symbol.
func (s *Shared) Withdraw(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, name)
}

// Development resolves entry points from a Catalog. All plugins share one
// parent context.
type Development struct {
	catalog *Catalog
	shared  *Shared
	logger  *logging.Logger
}

// NewDevelopment creates a development strategy.
func NewDevelopment(catalog *Catalog, shared *Shared, logger *logging.Logger) *Development {
	if catalog == nil {
		catalog = NewCatalog()
	}
	if shared == nil {
		shared = NewShared()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Development{catalog: catalog, shared: shared, logger: logger.Sub("strategy.development")}
}

// Ensure Development implements Strategy.
var _ Strategy = (*Development)(nil)

// Kind implements Strategy.
func (d *Development) Kind() Kind { return KindDevelopment }

// Shared returns the parent context shared by all plugins.
func (d *Development) Shared() *Shared { return d.shared }

// Materialize implements Strategy.
func (d *Development) Materialize(_ context.Context, m *manifest.Manifest) (h Handle, err error) {
	factory, ok := d.catalog.Lookup(m.ClassRef)
	if !ok {
		return nil, &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: ErrClassNotFound}
	}

	defer func() {
		if rec := recover(); rec != nil {
			h = nil
			err = &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: fmt.Errorf("factory panicked: %v", rec)}
		}
	}()

	plugin, err := factory(m)
	if err != nil {
		return nil, &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: err}
	}
	if plugin == nil {
		return nil, &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: fmt.Errorf("factory returned nil plugin")}
	}

	return &devHandle{
		id:     uuid.NewString(),
		plugin: plugin,
		env: &Env{
			Manifest: m,
			Shared:   d.shared,
			Logger:   d.logger.With(m.ID),
		},
	}, nil
}

// Close implements Strategy.
func (d *Development) Close(context.Context) error { return nil }

type devHandle struct {
	id       string
	plugin   Plugin
	env      *Env
	mu       sync.Mutex
	released bool
}

func (h *devHandle) ID() string       { return h.id }
func (h *devHandle) PluginID() string { return h.env.Manifest.ID }

func (h *devHandle) Setup(ctx context.Context) ([]extension.Builder, error) {
	if h.isReleased() {
		return nil, ErrHandleReleased
	}
	return h.plugin.Setup(ctx, h.env)
}

func (h *devHandle) Teardown(ctx context.Context) error {
	if h.isReleased() {
		return ErrHandleReleased
	}
	return h.plugin.Teardown(ctx)
}

func (h *devHandle) Release(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	return nil
}

func (h *devHandle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
