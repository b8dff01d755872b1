package manifest

import (
	"slices"
	"sort"
)

// Set is an immutable snapshot of discovered manifests keyed by id.
// Manifests returned by a Set are shared and must be treated as read-only.
type Set struct {
	byID map[string]*Manifest
	ids  []string
}

// NewSet builds a Set from discovered manifests. Every manifest whose id is
// declared more than once is dropped, and one DuplicateManifestIDError is
// returned per duplicated id.
func NewSet(manifests []*Manifest) (*Set, []*DuplicateManifestIDError) {
	grouped := make(map[string][]*Manifest, len(manifests))
	for _, m := range manifests {
		if m == nil {
			continue
		}
		grouped[m.ID] = append(grouped[m.ID], m)
	}

	s := &Set{byID: make(map[string]*Manifest, len(grouped))}
	var dups []*DuplicateManifestIDError
	for _, id := range sortedKeys(grouped) {
		holders := grouped[id]
		if len(holders) > 1 {
			sources := make([]string, 0, len(holders))
			for _, h := range holders {
				sources = append(sources, h.Source)
			}
			sort.Strings(sources)
			dups = append(dups, &DuplicateManifestIDError{ID: id, Sources: sources})
			continue
		}
		s.byID[id] = holders[0].Clone()
		s.ids = append(s.ids, id)
	}
	return s, dups
}

// Get returns the manifest with the given id.
func (s *Set) Get(id string) (*Manifest, bool) {
	if s == nil {
		return nil, false
	}
	m, ok := s.byID[id]
	return m, ok
}

// Has reports whether the set contains id.
func (s *Set) Has(id string) bool {
	_, ok := s.Get(id)
	return ok
}

// IDs returns all ids in ascending order.
func (s *Set) IDs() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.ids)
}

// Manifests returns all manifests ordered by id.
func (s *Set) Manifests() []*Manifest {
	if s == nil {
		return nil
	}
	out := make([]*Manifest, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

// Len returns the number of manifests.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// Without returns a new Set excluding the given ids.
func (s *Set) Without(ids ...string) *Set {
	out := &Set{byID: make(map[string]*Manifest, s.Len())}
	for _, id := range s.IDs() {
		if slices.Contains(ids, id) {
			continue
		}
		out.byID[id] = s.byID[id]
		out.ids = append(out.ids, id)
	}
	return out
}
