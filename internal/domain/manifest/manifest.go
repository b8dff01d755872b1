// Package manifest provides the plugin manifest model and its discovery from
// plugin.properties descriptors.
package manifest

import (
	"maps"
	"slices"
	"strings"
)

// Constraints groups the three kinds of inter-plugin requirements.
// Keys are plugin ids.
type Constraints struct {
	// Needs must be satisfied or the plugin cannot load.
	Needs map[string]Constraint
	// Wants are optional; unmet wants only degrade the plugin.
	Wants map[string]Constraint
	// Conflicts must not be present in a matching version.
	Conflicts map[string]Constraint
}

// Manifest is the declarative description of one plugin. Manifests are
// immutable once discovered; use Clone before modifying.
type Manifest struct {
	ClassRef    string
	ID          string
	Name        string
	Description string
	Provider    string
	License     string
	Version     Version
	// Requires constrains the host version; nil means any host.
	Requires    *Constraint
	Constraints Constraints
	// Source is the plugin directory or archive the descriptor came from.
	Source string
	// Packaged is true when Source is an archive.
	Packaged bool
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	if m.Requires != nil {
		r := *m.Requires
		c.Requires = &r
	}
	c.Constraints = Constraints{
		Needs:     maps.Clone(m.Constraints.Needs),
		Wants:     maps.Clone(m.Constraints.Wants),
		Conflicts: maps.Clone(m.Constraints.Conflicts),
	}
	c.Constraints.normalize()
	return &c
}

// NeedIDs returns the ids of hard dependencies in ascending order.
func (m *Manifest) NeedIDs() []string {
	return sortedKeys(m.Constraints.Needs)
}

// WantIDs returns the ids of soft dependencies in ascending order.
func (m *Manifest) WantIDs() []string {
	return sortedKeys(m.Constraints.Wants)
}

// ConflictIDs returns the ids of declared conflicts in ascending order.
func (m *Manifest) ConflictIDs() []string {
	return sortedKeys(m.Constraints.Conflicts)
}

// DisplayName returns Name, falling back to ID.
func (m *Manifest) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// Equal reports whether two manifests describe the same plugin build.
// Used to detect changed plugins across rescans.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	return m.fingerprint() == other.fingerprint()
}

func (m *Manifest) fingerprint() string {
	var b strings.Builder
	b.WriteString(m.ID)
	b.WriteByte('|')
	b.WriteString(m.Version.String())
	b.WriteByte('|')
	b.WriteString(m.ClassRef)
	b.WriteByte('|')
	b.WriteString(m.Source)
	b.WriteByte('|')
	if m.Requires != nil {
		b.WriteString(m.Requires.String())
	}
	for _, group := range []map[string]Constraint{m.Constraints.Needs, m.Constraints.Wants, m.Constraints.Conflicts} {
		b.WriteByte('|')
		for _, id := range sortedKeys(group) {
			b.WriteString(id)
			b.WriteByte('@')
			b.WriteString(group[id].String())
			b.WriteByte(',')
		}
	}
	return b.String()
}

func (c *Constraints) normalize() {
	if c.Needs == nil {
		c.Needs = make(map[string]Constraint)
	}
	if c.Wants == nil {
		c.Wants = make(map[string]Constraint)
	}
	if c.Conflicts == nil {
		c.Conflicts = make(map[string]Constraint)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
