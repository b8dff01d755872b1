// Package resolve checks plugin constraints and plans a load order.
package resolve

import (
	"maps"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
	"github.com/felixgeelhaar/pluginhost/internal/logging"
)

// HostID is the pseudo-plugin id used to report plugin.requires failures.
const HostID = manifest.HostID

// Resolver evaluates needs, wants and conflicts against a manifest set and
// the versions provided by the host. It performs no I/O.
type Resolver struct {
	provided    map[string]manifest.Version
	hostVersion *manifest.Version
	logger      *logging.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithProvided adds host-provided pseudo-plugins that satisfy constraints
// without being loaded.
func WithProvided(provided map[string]manifest.Version) ResolverOption {
	return func(r *Resolver) {
		maps.Copy(r.provided, provided)
	}
}

// WithHostVersion enables checking plugin.requires against the host version.
func WithHostVersion(v manifest.Version) ResolverOption {
	return func(r *Resolver) {
		r.hostVersion = &v
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *logging.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{provided: make(map[string]manifest.Version)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Provided reports whether id is a host-provided pseudo-plugin.
func (r *Resolver) Provided(id string) bool {
	_, ok := r.provided[id]
	return ok
}

// Resolve produces one report per manifest in the set. Iteration follows id
// order so repeated calls yield identical reports.
func (r *Resolver) Resolve(set *manifest.Set) Reports {
	reports := make(Reports, set.Len())
	for _, m := range set.Manifests() {
		report := r.check(set, m)
		reports[m.ID] = report

		if r.logger == nil {
			continue
		}
		switch {
		case !report.Loadable():
			for _, err := range report.Errors() {
				r.logger.Warn().Str("plugin", m.ID).Err(err).Msg("constraint check failed")
			}
		case report.Degraded():
			r.logger.Warn().Str("plugin", m.ID).Int("unmet_wants", len(report.UnmetWants)).Msg("plugin degraded")
		}
	}
	return reports
}

func (r *Resolver) check(set *manifest.Set, m *manifest.Manifest) *Report {
	report := &Report{PluginID: m.ID}

	if r.hostVersion != nil && m.Requires != nil && !m.Requires.SatisfiedBy(*r.hostVersion) {
		found := *r.hostVersion
		report.UnmetNeeds = append(report.UnmetNeeds, Unmet{
			ID:         HostID,
			Constraint: *m.Requires,
			Kind:       ReasonVersionMismatch,
			Found:      &found,
		})
	}

	for _, id := range m.NeedIDs() {
		if unmet, ok := r.evaluate(set, id, m.Constraints.Needs[id]); !ok {
			report.UnmetNeeds = append(report.UnmetNeeds, unmet)
		}
	}
	for _, id := range m.WantIDs() {
		if unmet, ok := r.evaluate(set, id, m.Constraints.Wants[id]); !ok {
			report.UnmetWants = append(report.UnmetWants, unmet)
		}
	}
	for _, id := range m.ConflictIDs() {
		c := m.Constraints.Conflicts[id]
		if v, ok := r.lookup(set, id); ok && c.SatisfiedBy(v) {
			report.Conflicts = append(report.Conflicts, Unmet{ID: id, Constraint: c, Kind: ReasonConflict, Found: &v})
		}
	}

	return report
}

// evaluate returns the unmet record and false when id does not satisfy c.
func (r *Resolver) evaluate(set *manifest.Set, id string, c manifest.Constraint) (Unmet, bool) {
	v, ok := r.lookup(set, id)
	if !ok {
		return Unmet{ID: id, Constraint: c, Kind: ReasonMissing}, false
	}
	if !c.SatisfiedBy(v) {
		return Unmet{ID: id, Constraint: c, Kind: ReasonVersionMismatch, Found: &v}, false
	}
	return Unmet{}, true
}

// lookup finds a version for id. Discovered manifests take precedence over
// provided versions.
func (r *Resolver) lookup(set *manifest.Set, id string) (manifest.Version, bool) {
	if m, ok := set.Get(id); ok {
		return m.Version, true
	}
	v, ok := r.provided[id]
	return v, ok
}
