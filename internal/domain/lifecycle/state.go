package lifecycle

import (
	"github.com/felixgeelhaar/statekit"
)

// State is a plugin's lifecycle state.
type State string

// Machine state ids.
const (
	unresolved = "unresolved"
	resolved   = "resolved"
	started    = "started"
	stopped    = "stopped"
	failed     = "failed"
	deleted    = "deleted"
)

const (
	// StateUnresolved means the plugin is known but not materialized.
	StateUnresolved State = unresolved
	// StateResolved means the entry point is materialized and ready to start.
	StateResolved State = resolved
	// StateStarted means setup ran and extensions are registered.
	StateStarted State = started
	// StateStopped means extensions are unloaded and teardown ran.
	StateStopped State = stopped
	// StateFailed means a fault occurred; the plugin is isolated.
	StateFailed State = failed
	// StateDeleted means the plugin was removed from the host.
	StateDeleted State = deleted
)

// States lists every state in lifecycle order.
var States = []State{StateUnresolved, StateResolved, StateStarted, StateStopped, StateFailed, StateDeleted}

// Event types for the plugin state machine.
const (
	EventResolve = "RESOLVE"
	EventStart   = "START"
	EventStop    = "STOP"
	EventFail    = "FAIL"
	EventDelete  = "DELETE"
)

// machineContext is the statekit context type. Records keep their own state
// so the context only identifies the plugin.
type machineContext struct {
	PluginID string
}

// buildMachine constructs the plugin state machine. The record pointer is
// captured so entry actions update the record itself.
func buildMachine(rec *Record) (*statekit.Interpreter[machineContext], error) {
	machine, err := statekit.NewMachine[machineContext]("plugin-"+rec.manifest.ID).
		WithInitial(unresolved).
		WithContext(machineContext{PluginID: rec.manifest.ID}).
		WithAction("recordFailure", func(_ *machineContext, event statekit.Event) {
			if err, ok := event.Payload.(error); ok {
				rec.err = err
			}
		}).
		WithAction("clearFailure", func(_ *machineContext, _ statekit.Event) {
			rec.err = nil
		}).
		State(unresolved).
		On(EventResolve).Target(resolved).
		On(EventFail).Target(failed).
		On(EventDelete).Target(deleted).Done().
		State(resolved).
		On(EventStart).Target(started).
		On(EventFail).Target(failed).
		On(EventDelete).Target(deleted).Done().
		State(started).
		OnEntry("clearFailure").
		On(EventStop).Target(stopped).
		On(EventFail).Target(failed).Done().
		State(stopped).
		On(EventFail).Target(failed).
		On(EventDelete).Target(deleted).Done().
		State(failed).
		OnEntry("recordFailure").
		On(EventDelete).Target(deleted).Done().
		State(deleted).
		On(EventDelete).Target(deleted).Done().
		Build()

	if err != nil {
		return nil, err
	}

	return statekit.NewInterpreter(machine), nil
}
