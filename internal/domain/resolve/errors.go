package resolve

import (
	"errors"
	"fmt"
	"strings"

	"github.com/felixgeelhaar/pluginhost/internal/domain/failure"
)

// UnsatisfiedHardDependencyError indicates a plugin cannot load because a need
// is missing, mismatched, or itself excluded.
type UnsatisfiedHardDependencyError struct {
	PluginID string
	// Unmet lists the needs that failed constraint checking.
	Unmet []Unmet
	// Dependency names a need that was present but could not be loaded.
	Dependency string
	// Cause is the failure of Dependency, when known.
	Cause error
}

func (e *UnsatisfiedHardDependencyError) Error() string {
	if e.Dependency != "" {
		return fmt.Sprintf("plugin %q: hard dependency %q is not loadable", e.PluginID, e.Dependency)
	}
	return fmt.Sprintf("plugin %q: unsatisfied hard dependencies: %s", e.PluginID, joinUnmet(e.Unmet))
}

func (e *UnsatisfiedHardDependencyError) Unwrap() error {
	return e.Cause
}

// Code implements failure.Coded.
func (e *UnsatisfiedHardDependencyError) Code() failure.Code {
	return failure.CodeUnsatisfiedHardDependency
}

// Plugin implements failure.Scoped.
func (e *UnsatisfiedHardDependencyError) Plugin() string {
	return e.PluginID
}

// UnsatisfiedSoftDependencyError reports unmet wants. It never prevents loading.
type UnsatisfiedSoftDependencyError struct {
	PluginID string
	Unmet    []Unmet
}

func (e *UnsatisfiedSoftDependencyError) Error() string {
	return fmt.Sprintf("plugin %q: unsatisfied soft dependencies: %s", e.PluginID, joinUnmet(e.Unmet))
}

// Code implements failure.Coded.
func (e *UnsatisfiedSoftDependencyError) Code() failure.Code {
	return failure.CodeUnsatisfiedSoftDependency
}

// Plugin implements failure.Scoped.
func (e *UnsatisfiedSoftDependencyError) Plugin() string {
	return e.PluginID
}

// ConflictError indicates a declared conflict is present in a matching version.
type ConflictError struct {
	PluginID  string
	Conflicts []Unmet
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("plugin %q: conflicting plugins present: %s", e.PluginID, joinUnmet(e.Conflicts))
}

// Code implements failure.Coded.
func (e *ConflictError) Code() failure.Code {
	return failure.CodeConflict
}

// Plugin implements failure.Scoped.
func (e *ConflictError) Plugin() string {
	return e.PluginID
}

// CyclicDependencyError indicates a plugin participates in a needs cycle.
type CyclicDependencyError struct {
	PluginID string
	Cycle    []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("plugin %q: cyclic dependency detected: %s", e.PluginID, strings.Join(e.Cycle, " -> "))
}

// Code implements failure.Coded.
func (e *CyclicDependencyError) Code() failure.Code {
	return failure.CodeCyclicDependency
}

// Plugin implements failure.Scoped.
func (e *CyclicDependencyError) Plugin() string {
	return e.PluginID
}

// IsUnsatisfiedHardDependency returns true if the error is a hard dependency failure.
func IsUnsatisfiedHardDependency(err error) bool {
	var hardErr *UnsatisfiedHardDependencyError
	return errors.As(err, &hardErr)
}

// IsUnsatisfiedSoftDependency returns true if the error reports unmet wants.
func IsUnsatisfiedSoftDependency(err error) bool {
	var softErr *UnsatisfiedSoftDependencyError
	return errors.As(err, &softErr)
}

// IsConflict returns true if the error is a conflict failure.
func IsConflict(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// IsCyclicDependency returns true if the error is a cyclic dependency error.
func IsCyclicDependency(err error) bool {
	var cyclicErr *CyclicDependencyError
	return errors.As(err, &cyclicErr)
}

func joinUnmet(unmet []Unmet) string {
	parts := make([]string, 0, len(unmet))
	for _, u := range unmet {
		parts = append(parts, u.String())
	}
	return strings.Join(parts, "; ")
}
