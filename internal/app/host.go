// Package app wires discovery, resolution, planning and the lifecycle manager
// into a plugin host.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/felixgeelhaar/pluginhost/internal/domain/config"
	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/lifecycle"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/resolve"
	"github.com/felixgeelhaar/pluginhost/internal/domain/strategy"
	"github.com/felixgeelhaar/pluginhost/internal/domain/watch"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Options configures New.
type Options struct {
	Config *config.HostConfig
	// Catalog supplies in-process entry points for the development strategy.
	Catalog *strategy.Catalog
	// Bridge receives extensions. Defaults to a new extension.Registry.
	Bridge extension.Bridge
	// Registerer enables lifecycle metrics when set.
	Registerer prometheus.Registerer
	Logger     *logging.Logger
}

// Host runs the discover, resolve, plan and load pipeline over the
// configured roots. Passes are serialized; each one works on a fresh
// manifest snapshot.
type Host struct {
	cfg      *config.HostConfig
	loader   *manifest.Loader
	resolver *resolve.Resolver
	planner  *resolve.Planner
	strategy strategy.Strategy
	manager  *lifecycle.Manager
	bridge   extension.Bridge
	logger   *logging.Logger

	mu   sync.Mutex
	last *Pass
}

// New creates a host and its loader strategy.
func New(ctx context.Context, opts Options) (*Host, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	bridge := opts.Bridge
	if bridge == nil {
		bridge = extension.NewRegistry()
	}

	strat, err := strategy.New(ctx, cfg.Kind(), strategy.Options{
		Catalog: opts.Catalog,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create loader strategy: %w", err)
	}

	resolverOpts := []resolve.ResolverOption{
		resolve.WithProvided(cfg.ProvidedVersions()),
		resolve.WithResolverLogger(logger.Sub("resolve")),
	}
	if v, ok := cfg.ParsedHostVersion(); ok {
		resolverOpts = append(resolverOpts, resolve.WithHostVersion(v))
	}

	managerOpts := []lifecycle.Option{
		lifecycle.WithLogger(logger),
		lifecycle.WithWorkers(cfg.Workers),
	}
	if opts.Registerer != nil {
		managerOpts = append(managerOpts, lifecycle.WithMetrics(lifecycle.NewMetrics(opts.Registerer)))
	}

	return &Host{
		cfg:      cfg,
		loader:   manifest.NewLoader(cfg.Roots...).WithLogger(logger.Sub("discovery")),
		resolver: resolve.NewResolver(resolverOpts...),
		planner:  resolve.NewPlanner(logger.Sub("planner")),
		strategy: strat,
		manager:  lifecycle.NewManager(bridge, strat, managerOpts...),
		bridge:   bridge,
		logger:   logger.Sub("host"),
	}, nil
}

// Config returns the host configuration.
func (h *Host) Config() *config.HostConfig { return h.cfg }

// Bridge returns the extension bridge plugins register with.
func (h *Host) Bridge() extension.Bridge { return h.bridge }

// Records snapshots every managed plugin.
func (h *Host) Records() []lifecycle.Snapshot { return h.manager.Records() }

// Last returns the most recent pass, or nil.
func (h *Host) Last() *Pass {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Resolve discovers and plans without loading anything.
func (h *Host) Resolve(ctx context.Context) (*Pass, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolve(ctx)
}

// Start runs a pass and loads its plan. Calling it again reconciles the
// running plugins with the roots' current contents.
func (h *Host) Start(ctx context.Context) (*Pass, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pass, err := h.resolve(ctx)
	if err != nil {
		return nil, err
	}
	result, err := h.manager.Apply(ctx, pass.Plan)
	if err != nil {
		return nil, err
	}
	pass.Result = result
	h.last = pass

	h.logger.Info().
		Str("pass", pass.ID).
		Dur("took", time.Since(pass.StartedAt)).
		Int("started", len(result.Started)).
		Int("failed", len(result.Failed)).
		Msg("plugin pass complete")
	return pass, nil
}

// Rescan is Start under another name, used by the watcher.
func (h *Host) Rescan(ctx context.Context) (*Pass, error) {
	return h.Start(ctx)
}

// Watch rescans whenever the roots change, until ctx is cancelled.
func (h *Host) Watch(ctx context.Context) error {
	w := watch.New(h.cfg.Roots, h.cfg.DebounceDuration(), func(ctx context.Context, paths []string) {
		h.logger.Info().Int("changes", len(paths)).Msg("rescanning plugin roots")
		if _, err := h.Rescan(ctx); err != nil {
			h.logger.Error().Err(err).Msg("rescan failed")
		}
	}, h.logger)
	return w.Run(ctx)
}

// Stop stops a single plugin.
func (h *Host) Stop(ctx context.Context, id string) error {
	return h.manager.Stop(ctx, id)
}

// Shutdown stops and deletes every plugin, then releases the strategy.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.manager.Shutdown(ctx)
	h.manager.Close()
	return errors.Join(err, h.strategy.Close(ctx))
}

func (h *Host) resolve(ctx context.Context) (*Pass, error) {
	pass := &Pass{ID: uuid.NewString(), StartedAt: time.Now()}

	discovery, err := h.loader.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}
	pass.Discovery = discovery

	set, dups := manifest.NewSet(discovery.Manifests)
	pass.Duplicates = dups
	for _, id := range h.cfg.Disabled {
		if set.Has(id) {
			pass.Disabled = append(pass.Disabled, id)
		}
	}
	pass.Set = set.Without(pass.Disabled...)

	reports := h.resolver.Resolve(pass.Set)
	pass.Plan = h.planner.Plan(pass.Set, reports)

	h.logger.Debug().
		Str("pass", pass.ID).
		Int("discovered", len(discovery.Manifests)).
		Int("discovery_errors", len(discovery.Errors)).
		Int("duplicates", len(dups)).
		Int("planned", len(pass.Plan.Order)).
		Msg("plugins resolved")
	return pass, nil
}
