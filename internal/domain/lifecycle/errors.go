package lifecycle

import (
	"errors"
	"fmt"

	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
)

// Phase names the lifecycle step a fault occurred in.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseRegister Phase = "register"
	PhaseUnload   Phase = "unload"
	PhaseTeardown Phase = "teardown"
)

// Sentinel errors for programmatic error handling.
var (
	// ErrManagerClosed indicates the manager's commit loop has stopped.
	ErrManagerClosed = errors.New("lifecycle manager closed")
	// ErrPluginDeleted indicates the plugin was deleted before the operation ran.
	ErrPluginDeleted = errors.New("plugin deleted")
)

// LifecycleFaultError indicates a plugin's own setup or teardown failed.
type LifecycleFaultError struct {
	PluginID string
	Phase    Phase
	Err      error
}

func (e *LifecycleFaultError) Error() string {
	return fmt.Sprintf("plugin %q: %s failed: %v", e.PluginID, e.Phase, e.Err)
}

func (e *LifecycleFaultError) Unwrap() error {
	return e.Err
}

// Code implements failure.Coded.
func (e *LifecycleFaultError) Code() failure.Code {
	return failure.CodeLifecycleFault
}

// Plugin implements failure.Scoped.
func (e *LifecycleFaultError) Plugin() string {
	return e.PluginID
}

// TransitionError indicates an event is not valid in the plugin's current state.
type TransitionError struct {
	PluginID string
	From     State
	Event    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("plugin %q: cannot %s from state %s", e.PluginID, e.Event, e.From)
}

// Plugin implements failure.Scoped.
func (e *TransitionError) Plugin() string {
	return e.PluginID
}

// NotFoundError indicates no record exists for a plugin id.
type NotFoundError struct {
	PluginID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin %q is not managed", e.PluginID)
}

// IsLifecycleFault returns true if the error is a setup or teardown fault.
func IsLifecycleFault(err error) bool {
	var faultErr *LifecycleFaultError
	return errors.As(err, &faultErr)
}

// IsTransition returns true if the error is an invalid transition.
func IsTransition(err error) bool {
	var transitionErr *TransitionError
	return errors.As(err, &transitionErr)
}

// IsNotFound returns true if the error indicates an unknown plugin.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}
