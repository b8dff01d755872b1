package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// HostModuleName is the import module plugins use to reach the host.
const HostModuleName = manifest.HostModuleName

// Exported function names looked up on plugin modules.
const (
	exportSetup    = "setup"
	exportMain     = "main"
	exportTeardown = "teardown"
)

// Packaged runs every plugin as its own WebAssembly module instance inside a
// shared wazero runtime. Plugins cannot see each other's memory or symbols;
// the host module is the only shared boundary.
type Packaged struct {
	runtime    wazero.Runtime
	readModule func(*manifest.Manifest) ([]byte, error)
	logger     *logging.Logger

	mu      sync.Mutex
	pending map[string][]string
	closed  bool
}

// NewPackaged creates the wazero runtime and instantiates the host module.
// readModule defaults to manifest.ReadModule.
func NewPackaged(ctx context.Context, readModule func(*manifest.Manifest) ([]byte, error), logger *logging.Logger) (*Packaged, error) {
	if readModule == nil {
		readModule = manifest.ReadModule
	}
	if logger == nil {
		logger = logging.Nop()
	}

	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true)
	r := wazero.NewRuntimeWithConfig(ctx, cfg)

	// Instantiate WASI for standard I/O
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	p := &Packaged{
		runtime:    r,
		readModule: readModule,
		logger:     logger.Sub("strategy.packaged"),
		pending:    make(map[string][]string),
	}
	if err := p.registerHostFunctions(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}
	return p, nil
}

// Ensure Packaged implements Strategy.
var _ Strategy = (*Packaged)(nil)

// Kind implements Strategy.
func (p *Packaged) Kind() Kind { return KindPackaged }

// Materialize compiles and instantiates the plugin's entry module under the
// plugin id.
func (p *Packaged) Materialize(ctx context.Context, m *manifest.Manifest) (Handle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: ErrStrategyClosed}
	}

	classLoadErr := func(err error) error {
		return &ClassLoadError{PluginID: m.ID, ClassRef: m.ClassRef, Err: err}
	}

	binary, err := p.readModule(m)
	if err != nil {
		return nil, classLoadErr(err)
	}

	compiled, err := p.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, classLoadErr(fmt.Errorf("failed to compile module: %w", err))
	}

	modConfig := wazero.NewModuleConfig().
		WithName(m.ID).
		WithStartFunctions("_start", "_initialize")

	instance, err := p.runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, classLoadErr(fmt.Errorf("failed to instantiate module: %w", err))
	}

	return &wasmHandle{
		id:       uuid.NewString(),
		pluginID: m.ID,
		owner:    p,
		compiled: compiled,
		instance: instance,
	}, nil
}

// Close releases the runtime and every module still instantiated in it.
func (p *Packaged) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.runtime.Close(ctx)
}

// registerHostFunctions adds the host module to the runtime.
func (p *Packaged) registerHostFunctions(ctx context.Context) error {
	builder := p.runtime.NewHostModuleBuilder(HostModuleName)

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			p.logger.With(m.Name()).Info().Msg(readString(m, ptr, length))
		}).
		Export("log_info")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			p.logger.With(m.Name()).Warn().Msg(readString(m, ptr, length))
		}).
		Export("log_warn")

	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			p.logger.With(m.Name()).Error().Msg(readString(m, ptr, length))
		}).
		Export("log_error")

	// register_extension records an extension name contributed during setup.
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, m api.Module, ptr, length uint32) {
			name := readString(m, ptr, length)
			if name == "" {
				return
			}
			p.mu.Lock()
			p.pending[m.Name()] = append(p.pending[m.Name()], name)
			p.mu.Unlock()
		}).
		Export("register_extension")

	_, err := builder.Instantiate(ctx)
	return err
}

func (p *Packaged) takePending(pluginID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.pending[pluginID]
	delete(p.pending, pluginID)
	return names
}

type wasmHandle struct {
	id       string
	pluginID string
	owner    *Packaged
	compiled wazero.CompiledModule
	instance api.Module

	mu       sync.Mutex
	released bool
}

func (h *wasmHandle) ID() string       { return h.id }
func (h *wasmHandle) PluginID() string { return h.pluginID }

// Setup calls the exported setup function, falling back to main. Extension
// names registered during the call become the plugin's contributions.
func (h *wasmHandle) Setup(ctx context.Context) ([]extension.Builder, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrHandleReleased
	}

	h.owner.takePending(h.pluginID)
	fn := h.instance.ExportedFunction(exportSetup)
	if fn == nil {
		fn = h.instance.ExportedFunction(exportMain)
	}
	if fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			h.owner.takePending(h.pluginID)
			return nil, fmt.Errorf("plugin setup failed: %w", err)
		}
	}

	names := h.owner.takePending(h.pluginID)
	builders := make([]extension.Builder, 0, len(names))
	for _, name := range names {
		builders = append(builders, moduleExtensionBuilder(name, h.pluginID))
	}
	return builders, nil
}

// Teardown calls the exported teardown function when present.
func (h *wasmHandle) Teardown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}

	fn := h.instance.ExportedFunction(exportTeardown)
	if fn == nil {
		return nil
	}
	if _, err := fn.Call(ctx); err != nil {
		return fmt.Errorf("plugin teardown failed: %w", err)
	}
	return nil
}

// Release closes the module instance and its compiled code.
func (h *wasmHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return errors.Join(h.instance.Close(ctx), h.compiled.Close(ctx))
}

// ModuleExtension is an extension contributed by a packaged plugin.
type ModuleExtension struct {
	name     string
	pluginID string
}

// Name implements extension.Extension.
func (e *ModuleExtension) Name() string { return e.name }

// PluginID returns the contributing plugin.
func (e *ModuleExtension) PluginID() string { return e.pluginID }

func moduleExtensionBuilder(name, pluginID string) extension.Builder {
	return func() (extension.Extension, error) {
		return &ModuleExtension{name: name, pluginID: pluginID}, nil
	}
}

// readString reads a string from WASM memory.
func readString(m api.Module, ptr, length uint32) string {
	if m == nil {
		return ""
	}
	mem := m.Memory()
	if mem == nil {
		return ""
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}
