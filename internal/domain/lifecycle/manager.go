// Package lifecycle drives plugins through their state machine and commits
// every state change and extension registry mutation on a single goroutine.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/pluginhost/internal/domain/extension"
	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/resolve"
	"github.com/felixgeelhaar/pluginhost/internal/domain/strategy"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// Result summarizes one Load or Apply call.
type Result struct {
	// Started lists plugins started by this call, in start order.
	Started []string
	// Degraded lists started plugins running with unmet wants.
	Degraded []string
	// Failed maps plugin id to the error that kept it from starting.
	Failed map[string]error
	// Warnings maps a started plugin to the soft dependency error raised
	// when a plugin it wants had already failed. Wants the plan reports
	// are not repeated here.
	Warnings map[string]error
}

func newResult() *Result {
	return &Result{Failed: make(map[string]error), Warnings: make(map[string]error)}
}

// FailedIDs returns failed plugin ids in ascending order.
func (r *Result) FailedIDs() []string {
	return slices.Sorted(maps.Keys(r.Failed))
}

// Err joins every failure, ordered by plugin id. It is nil when nothing failed.
func (r *Result) Err() error {
	var errs []error
	for _, id := range r.FailedIDs() {
		errs = append(errs, r.Failed[id])
	}
	return errors.Join(errs...)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics enables prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithWorkers bounds concurrent materialization. Values below one are ignored.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Manager owns plugin records. Materialization and plugin callbacks run on
// the caller's goroutines; state transitions and bridge calls are committed
// one at a time on the manager's loop.
type Manager struct {
	bridge   extension.Bridge
	strategy strategy.Strategy
	logger   *logging.Logger
	metrics  *Metrics
	workers  int

	commits   chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	// started lists ids in the order they last reached started.
	started []string

	// owners maps extension name to the plugin that registered it. Only
	// the loop touches it.
	owners map[string]string
}

// NewManager creates a manager and starts its commit loop. Close stops it.
func NewManager(bridge extension.Bridge, strat strategy.Strategy, opts ...Option) *Manager {
	m := &Manager{
		bridge:   bridge,
		strategy: strat,
		logger:   logging.Nop(),
		workers:  runtime.GOMAXPROCS(0),
		commits:  make(chan func()),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		records:  make(map[string]*Record),
		owners:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Sub("lifecycle")
	go m.loop()
	return m
}

// Close stops the commit loop. Records are left as they are; call Shutdown
// first to stop and delete plugins.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	<-m.loopDone
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case job := <-m.commits:
			m.run(job)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) run(job func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("commit panicked")
		}
	}()
	job()
}

// commit runs fn on the loop and waits for it. fn must not call commit.
func (m *Manager) commit(fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.commits <- job:
	case <-m.done:
		return ErrManagerClosed
	}
	<-finished
	return nil
}

// transition fires an event and records metrics. It runs on the loop.
func (m *Manager) transition(rec *Record, event string, cause error) error {
	from, to, err := rec.fire(event, cause)
	if err != nil {
		m.logger.With(rec.ID()).Warn().Err(err).Msg("transition rejected")
		return err
	}
	m.metrics.recordTransition(from, to)

	log := m.logger.With(rec.ID())
	if to == StateFailed {
		m.metrics.recordFailure(cause)
		log.Error().Err(cause).Str("from", string(from)).Msg("plugin failed")
		return nil
	}
	log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("plugin state changed")
	return nil
}

// Record returns the record for id.
func (m *Manager) Record(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok
}

// State returns the state of id, or false when it is not managed.
func (m *Manager) State(id string) (State, bool) {
	rec, ok := m.Record(id)
	if !ok {
		return "", false
	}
	return rec.State(), true
}

// Records snapshots every record in creation order.
func (m *Manager) Records() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		snaps = append(snaps, m.records[id].Snapshot())
	}
	return snaps
}

func (m *Manager) addRecord(rec *Record) {
	m.mu.Lock()
	m.records[rec.ID()] = rec
	m.order = append(m.order, rec.ID())
	m.mu.Unlock()
	m.metrics.recordCreated()
}

func (m *Manager) dropRecord(id string) {
	m.mu.Lock()
	delete(m.records, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	m.started = slices.DeleteFunc(m.started, func(s string) bool { return s == id })
	m.mu.Unlock()
}

func (m *Manager) markStarted(id string) {
	m.mu.Lock()
	m.started = append(slices.DeleteFunc(m.started, func(s string) bool { return s == id }), id)
	m.mu.Unlock()
}

// Load creates records for every plugin in the plan that is not yet managed,
// materializes them concurrently and starts them in plan order. Excluded
// plugins get failed records carrying their exclusion error. Individual
// plugin failures are reported in the result; the returned error is only set
// when the manager is closed.
func (m *Manager) Load(ctx context.Context, plan *resolve.Plan) (*Result, error) {
	result := newResult()

	for _, id := range plan.ExcludedIDs() {
		if err := m.loadExcluded(plan, id, result); err != nil {
			return result, err
		}
	}

	var pending []*Record
	for _, id := range plan.Order {
		if _, ok := m.Record(id); ok {
			continue
		}
		man, _ := plan.Manifest(id)
		rec, err := newRecord(man)
		if err != nil {
			result.Failed[id] = err
			continue
		}
		if report, ok := plan.Reports[id]; ok {
			rec.setDegraded(report.Degraded())
		}
		m.addRecord(rec)
		pending = append(pending, rec)
	}

	if err := m.materialize(ctx, pending); err != nil {
		return result, err
	}

	for _, rec := range pending {
		if err := m.startPlanned(ctx, plan, rec, result); err != nil {
			return result, err
		}
	}

	m.logger.Info().
		Int("started", len(result.Started)).
		Int("degraded", len(result.Degraded)).
		Int("failed", len(result.Failed)).
		Msg("plugins loaded")
	return result, nil
}

func (m *Manager) loadExcluded(plan *resolve.Plan, id string, result *Result) error {
	cause := plan.Excluded[id]
	result.Failed[id] = cause
	if _, ok := m.Record(id); ok {
		return nil
	}
	man, ok := plan.Manifest(id)
	if !ok {
		return nil
	}
	rec, err := newRecord(man)
	if err != nil {
		return nil
	}
	m.addRecord(rec)
	return m.commit(func() {
		_ = m.transition(rec, EventFail, cause)
	})
}

// materialize resolves entry points on a bounded worker pool and commits
// each outcome on the loop.
func (m *Manager) materialize(ctx context.Context, recs []*Record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, rec := range recs {
		g.Go(func() error {
			h, err := m.safeMaterialize(gctx, rec.Manifest())

			var orphan strategy.Handle
			cerr := m.commit(func() {
				if rec.State() != StateUnresolved {
					orphan = h
					return
				}
				if err != nil {
					_ = m.transition(rec, EventFail, err)
					return
				}
				rec.setHandle(h)
				_ = m.transition(rec, EventResolve, nil)
			})
			if cerr != nil {
				orphan = h
			}
			if orphan != nil {
				if relErr := orphan.Release(context.WithoutCancel(ctx)); relErr != nil {
					m.logger.With(rec.ID()).Warn().Err(relErr).Msg("failed to release handle")
				}
			}
			return cerr
		})
	}
	return g.Wait()
}

func (m *Manager) safeMaterialize(ctx context.Context, man *manifest.Manifest) (h strategy.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h = nil
			err = &strategy.ClassLoadError{PluginID: man.ID, ClassRef: man.ClassRef, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, &strategy.ClassLoadError{PluginID: man.ID, ClassRef: man.ClassRef, Err: err}
	}
	return m.strategy.Materialize(ctx, man)
}

// startPlanned starts rec once every planned need has started. A need that
// did not start fails rec with an UnsatisfiedHardDependencyError.
func (m *Manager) startPlanned(ctx context.Context, plan *resolve.Plan, rec *Record, result *Result) error {
	id := rec.ID()

	switch rec.State() {
	case StateDeleted:
		return nil
	case StateFailed:
		result.Failed[id] = rec.Err()
		return nil
	}

	for _, dep := range plan.Needs(id) {
		depRec, ok := m.Record(dep)
		if ok && depRec.State() == StateStarted {
			continue
		}
		depErr := &resolve.UnsatisfiedHardDependencyError{PluginID: id, Dependency: dep}
		if ok {
			depErr.Cause = depRec.Err()
		}
		result.Failed[id] = depErr
		return m.failAndRelease(ctx, rec, depErr)
	}

	if soft := m.failedWants(rec, plan.Reports[id]); soft != nil {
		rec.setDegraded(true)
		result.Warnings[id] = soft
		m.logger.With(id).Warn().Err(soft).Msg("wanted plugin failed")
	}

	err := m.start(ctx, rec)
	switch {
	case errors.Is(err, ErrManagerClosed):
		return err
	case errors.Is(err, ErrPluginDeleted):
		return nil
	case err != nil:
		result.Failed[id] = err
		return nil
	}

	result.Started = append(result.Started, id)
	if rec.Degraded() {
		result.Degraded = append(result.Degraded, id)
	}
	return nil
}

// failedWants returns a soft dependency error for every plugin rec wants
// whose record has failed, skipping wants report already lists.
func (m *Manager) failedWants(rec *Record, report *resolve.Report) error {
	man := rec.Manifest()
	var unmet []resolve.Unmet
	for _, want := range man.WantIDs() {
		if report != nil && report.HasUnmetWant(want) {
			continue
		}
		depRec, ok := m.Record(want)
		if !ok || depRec.State() != StateFailed {
			continue
		}
		found := depRec.Manifest().Version
		unmet = append(unmet, resolve.Unmet{
			ID:         want,
			Constraint: man.Constraints.Wants[want],
			Kind:       resolve.ReasonDependencyFailed,
			Found:      &found,
			Cause:      depRec.Err(),
		})
	}
	if len(unmet) == 0 {
		return nil
	}
	return &resolve.UnsatisfiedSoftDependencyError{PluginID: rec.ID(), Unmet: unmet}
}

// failAndRelease fails a resolved record that will never start.
func (m *Manager) failAndRelease(ctx context.Context, rec *Record, cause error) error {
	rec.transition.Lock()
	defer rec.transition.Unlock()

	if err := m.commit(func() {
		_ = m.transition(rec, EventFail, cause)
	}); err != nil {
		return err
	}
	m.release(ctx, rec)
	return nil
}

// start runs setup and registers the contributed extensions. Registration is
// all-or-nothing: a failing builder rolls back the ones already added.
func (m *Manager) start(ctx context.Context, rec *Record) error {
	rec.transition.Lock()
	defer rec.transition.Unlock()

	switch state := rec.State(); state {
	case StateResolved:
	case StateDeleted:
		return ErrPluginDeleted
	default:
		return &TransitionError{PluginID: rec.ID(), From: state, Event: EventStart}
	}

	done := m.metrics.setupTimer()
	builders, err := safeSetup(ctx, rec.currentHandle())
	done()
	if err != nil {
		fault := &LifecycleFaultError{PluginID: rec.ID(), Phase: PhaseSetup, Err: err}
		if cerr := m.commit(func() { _ = m.transition(rec, EventFail, fault) }); cerr != nil {
			return cerr
		}
		return fault
	}

	var regErr error
	if cerr := m.commit(func() {
		names, err := m.register(rec.ID(), builders)
		if err != nil {
			regErr = &LifecycleFaultError{PluginID: rec.ID(), Phase: PhaseRegister, Err: err}
			_ = m.transition(rec, EventFail, regErr)
			return
		}
		rec.setExtensions(names)
		if m.transition(rec, EventStart, nil) == nil {
			m.markStarted(rec.ID())
		}
	}); cerr != nil {
		return cerr
	}

	if regErr != nil {
		if err := safeTeardown(ctx, rec.currentHandle()); err != nil {
			m.logger.With(rec.ID()).Warn().Err(err).Msg("teardown after failed registration")
		}
		return regErr
	}

	m.logger.With(rec.ID()).Info().
		Strs("extensions", rec.Extensions()).
		Msg("plugin started")
	return nil
}

// register adds every builder through the bridge and records id as the
// owner of each name. It runs on the loop.
func (m *Manager) register(id string, builders []extension.Builder) ([]string, error) {
	names := make([]string, 0, len(builders))
	for _, build := range builders {
		if build == nil {
			m.rollback(names)
			return nil, extension.ErrNilBuilder
		}
		var name string
		err := m.bridge.AddExtension(func() (extension.Extension, error) {
			ext, err := build()
			if err == nil && ext != nil {
				name = ext.Name()
			}
			return ext, err
		})
		if err != nil {
			m.rollback(names)
			return nil, err
		}
		names = append(names, name)
		m.owners[name] = id
	}
	return names, nil
}

func (m *Manager) rollback(names []string) {
	for _, name := range slices.Backward(names) {
		delete(m.owners, name)
		if err := m.bridge.RemoveExtension(name); err != nil {
			m.logger.Warn().Err(err).Str("extension", name).Msg("rollback failed")
		}
	}
}

// Stop unloads the plugin's extensions and runs teardown. A stop issued while
// the plugin is starting waits for the start to settle.
func (m *Manager) Stop(ctx context.Context, id string) error {
	rec, ok := m.Record(id)
	if !ok {
		return &NotFoundError{PluginID: id}
	}
	rec.transition.Lock()
	defer rec.transition.Unlock()
	return m.stop(ctx, rec)
}

func (m *Manager) stop(ctx context.Context, rec *Record) error {
	if state := rec.State(); state != StateStarted {
		return &TransitionError{PluginID: rec.ID(), From: state, Event: EventStop}
	}

	var unloadErr error
	if err := m.commit(func() {
		for _, name := range slices.Backward(rec.Extensions()) {
			if m.owners[name] != rec.ID() {
				continue
			}
			if err := m.bridge.UnloadExtension(name); err != nil {
				unloadErr = errors.Join(unloadErr, err)
			}
		}
	}); err != nil {
		return err
	}

	teardownErr := safeTeardown(ctx, rec.currentHandle())

	var fault error
	switch {
	case teardownErr != nil:
		fault = &LifecycleFaultError{PluginID: rec.ID(), Phase: PhaseTeardown, Err: errors.Join(teardownErr, unloadErr)}
	case unloadErr != nil:
		fault = &LifecycleFaultError{PluginID: rec.ID(), Phase: PhaseUnload, Err: unloadErr}
	}

	if err := m.commit(func() {
		if fault != nil {
			_ = m.transition(rec, EventFail, fault)
			return
		}
		_ = m.transition(rec, EventStop, nil)
	}); err != nil {
		return err
	}

	if fault == nil {
		m.logger.With(rec.ID()).Info().Msg("plugin stopped")
	}
	return fault
}

// Delete removes the plugin's extensions, releases its handle and drops the
// record. A started plugin must be stopped first.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, ok := m.Record(id)
	if !ok {
		return &NotFoundError{PluginID: id}
	}
	rec.transition.Lock()
	defer rec.transition.Unlock()
	return m.delete(ctx, rec)
}

func (m *Manager) delete(ctx context.Context, rec *Record) error {
	if state := rec.State(); state == StateStarted {
		return &TransitionError{PluginID: rec.ID(), From: state, Event: EventDelete}
	}

	var removeErr, fireErr error
	if err := m.commit(func() {
		for _, name := range slices.Backward(rec.Extensions()) {
			// A stopped plugin's name may since belong to another plugin.
			if m.owners[name] != rec.ID() {
				continue
			}
			delete(m.owners, name)
			if err := m.bridge.RemoveExtension(name); err != nil && !extension.IsNotFound(err) {
				removeErr = errors.Join(removeErr, err)
			}
		}
		rec.setExtensions(nil)
		fireErr = m.transition(rec, EventDelete, nil)
	}); err != nil {
		return err
	}
	if fireErr != nil {
		return fireErr
	}

	m.dropRecord(rec.ID())
	relErr := m.release(ctx, rec)

	m.logger.With(rec.ID()).Info().Msg("plugin deleted")
	return errors.Join(removeErr, relErr)
}

func (m *Manager) release(ctx context.Context, rec *Record) error {
	h := rec.takeHandle()
	if h == nil {
		return nil
	}
	if err := h.Release(ctx); err != nil {
		m.logger.With(rec.ID()).Warn().Err(err).Msg("failed to release handle")
		return err
	}
	return nil
}

// StopAll stops every started plugin in reverse start order.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range slices.Backward(m.startOrder()) {
		if state, ok := m.State(id); !ok || state != StateStarted {
			continue
		}
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops and deletes every plugin. Plugins that ever started go
// first, in reverse start order; the rest follow in reverse creation order.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.remove(ctx, m.shutdownOrder())
}

// remove stops and deletes ids, last first.
func (m *Manager) remove(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range slices.Backward(ids) {
		rec, ok := m.Record(id)
		if !ok {
			continue
		}
		if err := m.stopAndDelete(ctx, rec); err != nil {
			if errors.Is(err, ErrManagerClosed) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) stopAndDelete(ctx context.Context, rec *Record) error {
	rec.transition.Lock()
	defer rec.transition.Unlock()

	var stopErr error
	if rec.State() == StateStarted {
		stopErr = m.stop(ctx, rec)
		if errors.Is(stopErr, ErrManagerClosed) {
			return stopErr
		}
	}
	return errors.Join(stopErr, m.delete(ctx, rec))
}

// Apply reconciles the manager with a new plan. Records that are gone from
// the plan, whose manifest changed, or that failed are stopped and deleted
// together with every record that needs them. The plan is then loaded.
func (m *Manager) Apply(ctx context.Context, plan *resolve.Plan) (*Result, error) {
	stale := m.staleIDs(plan)
	if len(stale) > 0 {
		m.logger.Info().Strs("plugins", stale).Msg("reloading changed plugins")
		if err := m.remove(ctx, stale); err != nil {
			if errors.Is(err, ErrManagerClosed) {
				return newResult(), err
			}
			m.logger.Warn().Err(err).Msg("errors while removing plugins")
		}
	}
	return m.Load(ctx, plan)
}

// staleIDs returns, in creation order, the records Apply must remove.
func (m *Manager) staleIDs(plan *resolve.Plan) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stale := make(map[string]bool)
	for id, rec := range m.records {
		next, ok := plan.Manifest(id)
		switch {
		case !ok,
			!plan.Contains(id),
			!rec.Manifest().Equal(next),
			rec.State() == StateFailed:
			stale[id] = true
		}
	}

	for changed := true; changed; {
		changed = false
		for id, rec := range m.records {
			if stale[id] {
				continue
			}
			for _, dep := range rec.Manifest().NeedIDs() {
				if stale[dep] {
					stale[id] = true
					changed = true
					break
				}
			}
		}
	}

	var ids []string
	for _, id := range m.order {
		if stale[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// startOrder returns the ids of records that reached started, oldest first.
func (m *Manager) startOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.started)
}

// shutdownOrder returns never-started ids in creation order followed by the
// start order, so that walking it backwards stops dependents first.
func (m *Manager) shutdownOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if !slices.Contains(m.started, id) {
			ids = append(ids, id)
		}
	}
	return append(ids, m.started...)
}

func safeSetup(ctx context.Context, h strategy.Handle) (builders []extension.Builder, err error) {
	if h == nil {
		return nil, strategy.ErrHandleReleased
	}
	defer func() {
		if r := recover(); r != nil {
			builders = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Setup(ctx)
}

func safeTeardown(ctx context.Context, h strategy.Handle) (err error) {
	if h == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Teardown(ctx)
}
