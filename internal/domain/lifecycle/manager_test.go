package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/resolve"
	"github.com/felixgeelhaar/pluginhost/internal/domain/strategy"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakePlugin struct {
	id          string
	log         *eventLog
	extensions  []string
	setupErr    error
	setupPanic  bool
	teardownErr error
	// gate, when set, blocks setup until closed; entered is closed first.
	gate    chan struct{}
	entered chan struct{}
}

func (p *fakePlugin) Setup(_ context.Context, _ *strategy.Env) ([]extension.Builder, error) {
	p.log.add("setup:" + p.id)
	if p.gate != nil {
		close(p.entered)
		<-p.gate
	}
	if p.setupPanic {
		panic("boom")
	}
	if p.setupErr != nil {
		return nil, p.setupErr
	}
	builders := make([]extension.Builder, 0, len(p.extensions))
	for _, name := range p.extensions {
		builders = append(builders, extension.Named(name))
	}
	return builders, nil
}

func (p *fakePlugin) Teardown(context.Context) error {
	p.log.add("teardown:" + p.id)
	return p.teardownErr
}

type fixture struct {
	id      string
	version string
	needs   map[string]string
	wants   map[string]string
}

func (f fixture) manifest() *manifest.Manifest {
	version := f.version
	if version == "" {
		version = "1.0.0"
	}
	m := &manifest.Manifest{
		ID:       f.id,
		ClassRef: "test." + f.id,
		Version:  manifest.MustParseVersion(version),
		Source:   "fixtures/" + f.id,
		Constraints: manifest.Constraints{
			Needs:     map[string]manifest.Constraint{},
			Wants:     map[string]manifest.Constraint{},
			Conflicts: map[string]manifest.Constraint{},
		},
	}
	for id, expr := range f.needs {
		m.Constraints.Needs[id] = manifest.MustParseConstraint(expr)
	}
	for id, expr := range f.wants {
		m.Constraints.Wants[id] = manifest.MustParseConstraint(expr)
	}
	return m
}

type harness struct {
	t        *testing.T
	catalog  *strategy.Catalog
	registry *extension.Registry
	log      *eventLog
	plugins  map[string]*fakePlugin
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:        t,
		catalog:  strategy.NewCatalog(),
		registry: extension.NewRegistry(),
		log:      &eventLog{},
		plugins:  make(map[string]*fakePlugin),
	}
}

// plugin registers an entry point for id and returns it for customization.
func (h *harness) plugin(id string, extensions ...string) *fakePlugin {
	h.t.Helper()
	p := &fakePlugin{id: id, log: h.log, extensions: extensions}
	h.plugins[id] = p
	require.NoError(h.t, h.catalog.Register("test."+id, func(*manifest.Manifest) (strategy.Plugin, error) {
		return p, nil
	}))
	return p
}

func (h *harness) plan(fixtures ...fixture) *resolve.Plan {
	h.t.Helper()
	ms := make([]*manifest.Manifest, 0, len(fixtures))
	for _, f := range fixtures {
		ms = append(ms, f.manifest())
	}
	set, dups := manifest.NewSet(ms)
	require.Empty(h.t, dups)
	reports := resolve.NewResolver().Resolve(set)
	return resolve.NewPlanner(nil).Plan(set, reports)
}

func (h *harness) manager(opts ...Option) *Manager {
	h.t.Helper()
	m := NewManager(h.registry, strategy.NewDevelopment(h.catalog, nil, nil), opts...)
	h.t.Cleanup(m.Close)
	return m
}

func state(t *testing.T, m *Manager, id string) State {
	t.Helper()
	s, ok := m.State(id)
	require.True(t, ok, "plugin %q is not managed", id)
	return s
}

func TestManager_LoadStartsInPlanOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, id := range []string{"alpha", "db", "log", "app", "zeta"} {
		h.plugin(id, id+".ext")
	}
	plan := h.plan(
		fixture{id: "app", needs: map[string]string{"db": ">= 1.0.0", "log": "*"}},
		fixture{id: "zeta"},
		fixture{id: "log"},
		fixture{id: "db"},
		fixture{id: "alpha"},
	)
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "db", "log", "app", "zeta"}, result.Started)
	assert.Empty(t, result.Failed)
	assert.NoError(t, result.Err())
	assert.Equal(t, []string{"setup:alpha", "setup:db", "setup:log", "setup:app", "setup:zeta"}, h.log.list())

	for _, id := range plan.Order {
		assert.Equal(t, StateStarted, state(t, m, id))
		assert.True(t, h.registry.Loaded(id+".ext"))
	}

	rec, ok := m.Record("app")
	require.True(t, ok)
	assert.Equal(t, []string{"app.ext"}, rec.Extensions())
	assert.NotEmpty(t, rec.Snapshot().HandleID)
}

func TestManager_FaultIsolation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		configure func(p *fakePlugin)
		check     func(t *testing.T, err error)
	}{
		{
			name:      "setup error",
			configure: func(p *fakePlugin) { p.setupErr = errors.New("database unreachable") },
			check: func(t *testing.T, err error) {
				assert.True(t, IsLifecycleFault(err))
				assert.ErrorContains(t, err, "database unreachable")
			},
		},
		{
			name:      "setup panic",
			configure: func(p *fakePlugin) { p.setupPanic = true },
			check: func(t *testing.T, err error) {
				assert.True(t, IsLifecycleFault(err))
				assert.ErrorContains(t, err, "panic: boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			tt.configure(h.plugin("broken", "broken.ext"))
			h.plugin("dependent", "dependent.ext")
			h.plugin("unrelated", "unrelated.ext")
			plan := h.plan(
				fixture{id: "broken"},
				fixture{id: "dependent", needs: map[string]string{"broken": "*"}},
				fixture{id: "unrelated"},
			)
			m := h.manager()

			result, err := m.Load(context.Background(), plan)
			require.NoError(t, err)

			assert.Equal(t, []string{"unrelated"}, result.Started)
			assert.Equal(t, []string{"broken", "dependent"}, result.FailedIDs())
			tt.check(t, result.Failed["broken"])
			assert.Equal(t, failure.CodeLifecycleFault, failure.CodeOf(result.Failed["broken"]))

			var depErr *resolve.UnsatisfiedHardDependencyError
			require.ErrorAs(t, result.Failed["dependent"], &depErr)
			assert.Equal(t, "broken", depErr.Dependency)
			assert.True(t, IsLifecycleFault(depErr.Cause))

			assert.Equal(t, StateFailed, state(t, m, "broken"))
			assert.Equal(t, StateFailed, state(t, m, "dependent"))
			assert.Equal(t, StateStarted, state(t, m, "unrelated"))

			assert.False(t, h.registry.Loaded("broken.ext"))
			assert.False(t, h.registry.Loaded("dependent.ext"))
			assert.True(t, h.registry.Loaded("unrelated.ext"))
			assert.NotContains(t, h.log.list(), "setup:dependent")
		})
	}
}

func TestManager_ClassLoadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("ok")
	plan := h.plan(fixture{id: "missing"}, fixture{id: "ok"})
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, result.Started)
	assert.True(t, strategy.IsClassLoad(result.Failed["missing"]))
	assert.ErrorIs(t, result.Failed["missing"], strategy.ErrClassNotFound)

	rec, ok := m.Record("missing")
	require.True(t, ok)
	assert.Equal(t, StateFailed, rec.State())
	assert.True(t, strategy.IsClassLoad(rec.Err()))
}

func TestManager_RegistrationIsAllOrNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("first", "shared")
	h.plugin("second", "second.one", "shared", "second.two")
	plan := h.plan(fixture{id: "first"}, fixture{id: "second"})
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, result.Started)
	require.Contains(t, result.Failed, "second")
	assert.True(t, extension.IsExists(result.Failed["second"]))

	var fault *LifecycleFaultError
	require.ErrorAs(t, result.Failed["second"], &fault)
	assert.Equal(t, PhaseRegister, fault.Phase)

	assert.Equal(t, []string{"shared"}, h.registry.Names())
	assert.Contains(t, h.log.list(), "teardown:second")
}

func TestManager_ExcludedPluginsAreFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one")
	h.plugin("two")
	h.plugin("solo")
	plan := h.plan(
		fixture{id: "one", needs: map[string]string{"two": "*"}},
		fixture{id: "two", needs: map[string]string{"one": "*"}},
		fixture{id: "solo", needs: map[string]string{"ghost": ">= 1.0.0"}},
	)
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Empty(t, result.Started)
	assert.Equal(t, []string{"one", "solo", "two"}, result.FailedIDs())
	assert.True(t, resolve.IsCyclicDependency(result.Failed["one"]))
	assert.True(t, resolve.IsUnsatisfiedHardDependency(result.Failed["solo"]))

	for _, id := range []string{"one", "two", "solo"} {
		assert.Equal(t, StateFailed, state(t, m, id))
	}
	assert.Empty(t, h.log.list())
}

func TestManager_Degraded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one")
	plan := h.plan(fixture{id: "one", wants: map[string]string{"three": "> 0.0.2"}})
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"one"}, result.Started)
	assert.Equal(t, []string{"one"}, result.Degraded)
	rec, _ := m.Record("one")
	assert.True(t, rec.Degraded())
}

func TestManager_StopAndDelete(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one", "one.a", "one.b")
	plan := h.plan(fixture{id: "one"})
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, plan)
	require.NoError(t, err)

	err = m.Delete(ctx, "one")
	assert.True(t, IsTransition(err), "started plugins must be stopped first")

	require.NoError(t, m.Stop(ctx, "one"))
	assert.Equal(t, StateStopped, state(t, m, "one"))
	assert.False(t, h.registry.Loaded("one.a"))
	assert.False(t, h.registry.Loaded("one.b"))
	assert.Equal(t, 2, h.registry.Len())
	assert.Equal(t, []string{"setup:one", "teardown:one"}, h.log.list())

	assert.True(t, IsTransition(m.Stop(ctx, "one")))

	require.NoError(t, m.Delete(ctx, "one"))
	_, ok := m.Record("one")
	assert.False(t, ok)
	assert.Zero(t, h.registry.Len())

	assert.True(t, IsNotFound(m.Stop(ctx, "one")))
	assert.True(t, IsNotFound(m.Delete(ctx, "one")))
}

func TestManager_TeardownFault(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one", "one.ext").teardownErr = errors.New("flush failed")
	plan := h.plan(fixture{id: "one"})
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, plan)
	require.NoError(t, err)

	err = m.Stop(ctx, "one")
	var fault *LifecycleFaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, PhaseTeardown, fault.Phase)
	assert.Equal(t, StateFailed, state(t, m, "one"))

	require.NoError(t, m.Delete(ctx, "one"))
	assert.Zero(t, h.registry.Len())
}

func TestManager_DeleteBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one", "one.ext")
	plan := h.plan(fixture{id: "one"})
	m := h.manager()
	ctx := context.Background()

	man, _ := plan.Manifest("one")
	rec, err := newRecord(man)
	require.NoError(t, err)
	m.addRecord(rec)
	require.NoError(t, m.materialize(ctx, []*Record{rec}))
	require.Equal(t, StateResolved, rec.State())

	require.NoError(t, m.Delete(ctx, "one"))
	assert.Equal(t, StateDeleted, rec.State())

	assert.ErrorIs(t, m.start(ctx, rec), ErrPluginDeleted)
	assert.Empty(t, h.log.list())
	assert.Zero(t, h.registry.Len())
}

func TestManager_StopWaitsForStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	p := h.plugin("slow", "slow.ext")
	p.gate = make(chan struct{})
	p.entered = make(chan struct{})
	plan := h.plan(fixture{id: "slow"})
	m := h.manager()
	ctx := context.Background()

	loaded := make(chan *Result, 1)
	go func() {
		result, _ := m.Load(ctx, plan)
		loaded <- result
	}()
	<-p.entered

	stopped := make(chan error, 1)
	go func() {
		stopped <- m.Stop(ctx, "slow")
	}()

	select {
	case err := <-stopped:
		t.Fatalf("stop returned before start settled: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(p.gate)
	result := <-loaded
	assert.Equal(t, []string{"slow"}, result.Started)
	require.NoError(t, <-stopped)
	assert.Equal(t, StateStopped, state(t, m, "slow"))
	assert.Equal(t, []string{"setup:slow", "teardown:slow"}, h.log.list())
}

func TestManager_Apply(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("base", "base.ext")
	h.plugin("app", "app.ext")
	h.plugin("other", "other.ext")
	m := h.manager()
	ctx := context.Background()

	first := h.plan(
		fixture{id: "base", version: "1.0.0"},
		fixture{id: "app", needs: map[string]string{"base": ">= 1.0.0"}},
		fixture{id: "other"},
	)
	_, err := m.Load(ctx, first)
	require.NoError(t, err)

	t.Run("unchanged plan is a no-op", func(t *testing.T) {
		result, err := m.Apply(ctx, first)
		require.NoError(t, err)
		assert.Empty(t, result.Started)
		assert.Empty(t, result.Failed)
	})

	t.Run("changed dependency reloads dependents", func(t *testing.T) {
		before := len(h.log.list())
		second := h.plan(
			fixture{id: "base", version: "1.1.0"},
			fixture{id: "app", needs: map[string]string{"base": ">= 1.0.0"}},
			fixture{id: "other"},
		)
		result, err := m.Apply(ctx, second)
		require.NoError(t, err)

		assert.Equal(t, []string{"base", "app"}, result.Started)
		assert.Equal(t,
			[]string{"teardown:app", "teardown:base", "setup:base", "setup:app"},
			h.log.list()[before:])

		rec, _ := m.Record("base")
		assert.Equal(t, "1.1.0", rec.Manifest().Version.String())
		assert.Equal(t, StateStarted, state(t, m, "other"))
	})

	t.Run("removed plugin is deleted", func(t *testing.T) {
		third := h.plan(
			fixture{id: "base", version: "1.1.0"},
			fixture{id: "app", needs: map[string]string{"base": ">= 1.0.0"}},
		)
		_, err := m.Apply(ctx, third)
		require.NoError(t, err)

		_, ok := m.Record("other")
		assert.False(t, ok)
		assert.False(t, h.registry.Loaded("other.ext"))
		_, found := h.registry.Get("other.ext")
		assert.False(t, found)
	})
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("a", "a.ext")
	h.plugin("b", "b.ext")
	h.plugin("c", "c.ext")
	plan := h.plan(
		fixture{id: "a"},
		fixture{id: "b", needs: map[string]string{"a": "*"}},
		fixture{id: "c", needs: map[string]string{"b": "*"}},
	)
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, m.Shutdown(ctx))

	assert.Equal(t, []string{
		"setup:a", "setup:b", "setup:c",
		"teardown:c", "teardown:b", "teardown:a",
	}, h.log.list())
	assert.Empty(t, m.Records())
	assert.Zero(t, h.registry.Len())
}

func TestManager_StopAll(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("a")
	h.plugin("b")
	plan := h.plan(fixture{id: "a"}, fixture{id: "b", needs: map[string]string{"a": "*"}})
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, m.StopAll(ctx))

	assert.Equal(t, StateStopped, state(t, m, "a"))
	assert.Equal(t, StateStopped, state(t, m, "b"))
	assert.Equal(t, []string{"setup:a", "setup:b", "teardown:b", "teardown:a"}, h.log.list())
}

func TestManager_Closed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one")
	plan := h.plan(fixture{id: "one"})
	m := h.manager()
	m.Close()

	_, err := m.Load(context.Background(), plan)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_Metrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("good")
	h.plugin("bad").setupErr = errors.New("nope")
	plan := h.plan(fixture{id: "good"}, fixture{id: "bad"}, fixture{id: "orphan", needs: map[string]string{"ghost": "*"}})

	metrics := NewMetrics(prometheus.NewRegistry())
	m := h.manager(WithMetrics(metrics), WithWorkers(1))

	_, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.plugins.WithLabelValues(string(StateStarted))), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.plugins.WithLabelValues(string(StateFailed))), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.plugins.WithLabelValues(string(StateUnresolved))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.failures.WithLabelValues(string(failure.CodeLifecycleFault))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.failures.WithLabelValues(string(failure.CodeUnsatisfiedHardDependency))), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.transitions.WithLabelValues(string(StateUnresolved), string(StateResolved))), 0)
}

func TestManager_DeleteKeepsExtensionsOwnedByOthers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("a", "greeter", "a.only")
	h.plugin("b", "greeter")
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, h.plan(fixture{id: "a"}))
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx, "a"))
	require.False(t, h.registry.Loaded("greeter"))

	result, err := m.Load(ctx, h.plan(fixture{id: "a"}, fixture{id: "b"}))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, result.Started)
	require.True(t, h.registry.Loaded("greeter"))

	require.NoError(t, m.Delete(ctx, "a"))
	assert.Equal(t, StateStarted, state(t, m, "b"))
	assert.True(t, h.registry.Loaded("greeter"), "b still owns greeter")
	assert.Equal(t, []string{"greeter"}, h.registry.Names())

	require.NoError(t, m.Shutdown(ctx))
	assert.Zero(t, h.registry.Len())
}

func TestManager_WantedPluginFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("one")
	h.plugin("two")
	h.plugin("three")
	// lib has no entry point, so it fails to materialize.
	plan := h.plan(
		fixture{id: "lib"},
		fixture{id: "one", wants: map[string]string{"lib": "*"}},
		fixture{id: "three", needs: map[string]string{"missing": "*"}},
		fixture{id: "two", wants: map[string]string{"three": "*"}},
	)
	m := h.manager()

	result, err := m.Load(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two"}, result.Started)
	assert.Equal(t, []string{"one", "two"}, result.Degraded)
	assert.Equal(t, []string{"lib", "three"}, result.FailedIDs())

	var soft *resolve.UnsatisfiedSoftDependencyError
	require.ErrorAs(t, result.Warnings["one"], &soft)
	require.Len(t, soft.Unmet, 1)
	assert.Equal(t, "lib", soft.Unmet[0].ID)
	assert.Equal(t, resolve.ReasonDependencyFailed, soft.Unmet[0].Kind)
	assert.True(t, strategy.IsClassLoad(soft.Unmet[0].Cause))

	// two's want on the excluded three is already in the plan's report.
	assert.NotContains(t, result.Warnings, "two")
	rec, _ := m.Record("two")
	assert.True(t, rec.Degraded())
}

func TestManager_ShutdownOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.plugin("a")
	h.plugin("b")
	plan := h.plan(
		fixture{id: "a"},
		fixture{id: "b", needs: map[string]string{"a": "*"}},
		fixture{id: "late"},
	)
	m := h.manager()
	ctx := context.Background()

	_, err := m.Load(ctx, plan)
	require.NoError(t, err)
	require.Equal(t, StateFailed, state(t, m, "late"))

	assert.Equal(t, []string{"a", "b"}, m.startOrder())
	assert.Equal(t, []string{"late", "a", "b"}, m.shutdownOrder())

	require.NoError(t, m.Stop(ctx, "b"))
	assert.Equal(t, []string{"a", "b"}, m.startOrder(), "stopped plugins keep their place")

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.startOrder())
	assert.Equal(t, []string{"setup:a", "setup:b", "teardown:b", "teardown:a"}, h.log.list())
}
