package resolve

import (
	"fmt"
	"maps"
	"slices"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
)

// ReasonKind classifies why a constraint is unmet.
type ReasonKind int

const (
	// ReasonMissing means no plugin or provided version has the id.
	ReasonMissing ReasonKind = iota
	// ReasonVersionMismatch means the id exists but its version is out of range.
	ReasonVersionMismatch
	// ReasonConflict means a declared conflict is present in a matching version.
	ReasonConflict
	// ReasonDependencyFailed means the id is present and in range but was
	// excluded from loading or failed to start. Cause holds its error.
	ReasonDependencyFailed
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonMissing:
		return "missing"
	case ReasonVersionMismatch:
		return "version mismatch"
	case ReasonConflict:
		return "conflict"
	case ReasonDependencyFailed:
		return "dependency failed"
	default:
		return "unknown"
	}
}

// Unmet is a single failed constraint check.
type Unmet struct {
	ID         string
	Constraint manifest.Constraint
	Kind       ReasonKind
	// Found is the version that was present, nil when missing.
	Found *manifest.Version
	// Cause is the dependency's own failure for ReasonDependencyFailed.
	Cause error
}

func (u Unmet) String() string {
	if u.Cause != nil {
		return fmt.Sprintf("%s %s (%s: %v)", u.ID, u.Constraint, u.Kind, u.Cause)
	}
	if u.Found == nil {
		return fmt.Sprintf("%s %s (%s)", u.ID, u.Constraint, u.Kind)
	}
	return fmt.Sprintf("%s %s (%s: found %s)", u.ID, u.Constraint, u.Kind, u.Found)
}

// Report is the constraint outcome for one plugin.
type Report struct {
	PluginID   string
	UnmetNeeds []Unmet
	UnmetWants []Unmet
	Conflicts  []Unmet
}

// Loadable reports whether every need is met and no conflict is present.
func (r *Report) Loadable() bool {
	return len(r.UnmetNeeds) == 0 && len(r.Conflicts) == 0
}

// Degraded reports whether the plugin loads with unmet wants.
func (r *Report) Degraded() bool {
	return r.Loadable() && len(r.UnmetWants) > 0
}

// Errors returns the typed errors for this report, fatal ones first.
func (r *Report) Errors() []error {
	var errs []error
	if len(r.UnmetNeeds) > 0 {
		errs = append(errs, &UnsatisfiedHardDependencyError{PluginID: r.PluginID, Unmet: slices.Clone(r.UnmetNeeds)})
	}
	if len(r.Conflicts) > 0 {
		errs = append(errs, &ConflictError{PluginID: r.PluginID, Conflicts: slices.Clone(r.Conflicts)})
	}
	if len(r.UnmetWants) > 0 {
		errs = append(errs, &UnsatisfiedSoftDependencyError{PluginID: r.PluginID, Unmet: slices.Clone(r.UnmetWants)})
	}
	return errs
}

// HasUnmetWant reports whether id is already listed among the unmet wants.
func (r *Report) HasUnmetWant(id string) bool {
	return slices.ContainsFunc(r.UnmetWants, func(u Unmet) bool { return u.ID == id })
}

// Reports maps plugin id to its report.
type Reports map[string]*Report

// IDs returns report ids in ascending order.
func (r Reports) IDs() []string {
	return slices.Sorted(maps.Keys(r))
}

// Loadable reports whether id has a loadable report.
func (r Reports) Loadable(id string) bool {
	report, ok := r[id]
	return ok && report.Loadable()
}

// Errors returns every report error ordered by plugin id.
func (r Reports) Errors() []error {
	var errs []error
	for _, id := range r.IDs() {
		errs = append(errs, r[id].Errors()...)
	}
	return errs
}
