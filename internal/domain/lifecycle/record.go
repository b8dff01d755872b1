package lifecycle

import (
	"slices"
	"sync"
	"time"

	"github.com/felixgeelhaar/statekit"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/domain/strategy"
)

// Record is the runtime entry for one plugin: its manifest, lifecycle state
// and the handle owned by the loader strategy.
type Record struct {
	manifest *manifest.Manifest

	// transition serializes start, stop and delete for this plugin.
	transition sync.Mutex

	mu         sync.RWMutex
	interp     *statekit.Interpreter[machineContext]
	handle     strategy.Handle
	extensions []string
	err        error
	degraded   bool
	changedAt  time.Time
}

// Snapshot is a point-in-time copy of a record.
type Snapshot struct {
	ID         string
	Name       string
	Version    string
	State      State
	Err        error
	Extensions []string
	Degraded   bool
	HandleID   string
	ChangedAt  time.Time
}

func newRecord(m *manifest.Manifest) (*Record, error) {
	rec := &Record{manifest: m, changedAt: time.Now()}
	interp, err := buildMachine(rec)
	if err != nil {
		return nil, err
	}
	interp.Start()
	rec.interp = interp
	return rec, nil
}

// ID returns the plugin id.
func (r *Record) ID() string { return r.manifest.ID }

// Manifest returns the plugin manifest.
func (r *Record) Manifest() *manifest.Manifest { return r.manifest }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return State(r.interp.State().Value)
}

// Err returns the fault that moved the plugin to failed, if any.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Extensions returns the names of extensions the plugin registered.
func (r *Record) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.extensions)
}

// Degraded reports whether the plugin runs with unmet wants.
func (r *Record) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.degraded
}

// Snapshot copies the record.
func (r *Record) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Snapshot{
		ID:         r.manifest.ID,
		Name:       r.manifest.DisplayName(),
		Version:    r.manifest.Version.String(),
		State:      State(r.interp.State().Value),
		Err:        r.err,
		Extensions: slices.Clone(r.extensions),
		Degraded:   r.degraded,
		ChangedAt:  r.changedAt,
	}
	if r.handle != nil {
		s.HandleID = r.handle.ID()
	}
	return s
}

func (r *Record) currentHandle() strategy.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handle
}

func (r *Record) setHandle(h strategy.Handle) {
	r.mu.Lock()
	r.handle = h
	r.mu.Unlock()
}

// takeHandle clears and returns the handle so it is released exactly once.
func (r *Record) takeHandle() strategy.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handle
	r.handle = nil
	return h
}

func (r *Record) setExtensions(names []string) {
	r.mu.Lock()
	r.extensions = slices.Clone(names)
	r.mu.Unlock()
}

func (r *Record) setDegraded(degraded bool) {
	r.mu.Lock()
	r.degraded = degraded
	r.mu.Unlock()
}

// fire sends an event to the state machine. An event that leaves the state
// unchanged is rejected, except DELETE on an already deleted record.
func (r *Record) fire(event string, cause error) (from, to State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from = State(r.interp.State().Value)
	ev := statekit.Event{Type: statekit.EventType(event)}
	if cause != nil {
		ev.Payload = cause
	}
	r.interp.Send(ev)
	to = State(r.interp.State().Value)

	if from == to && !(from == StateDeleted && event == EventDelete) {
		return from, to, &TransitionError{PluginID: r.manifest.ID, From: from, Event: event}
	}
	r.changedAt = time.Now()
	return from, to, nil
}
