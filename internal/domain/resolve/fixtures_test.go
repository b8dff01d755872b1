package resolve

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/pluginhost/internal/domain/manifest"
)

// fakeVersions are host-provided pseudo-plugins used across tests.
var fakeVersions = map[string]manifest.Version{
	"fake10": manifest.MustParseVersion("1.0.0"),
	"fake15": manifest.MustParseVersion("1.5.0"),
	"fake20": manifest.MustParseVersion("2.0.0"),
	"fake25": manifest.MustParseVersion("2.5.0"),
	"fake30": manifest.MustParseVersion("3.0.0"),
	"fake35": manifest.MustParseVersion("3.5.0"),
}

type fixture struct {
	id        string
	version   string
	needs     map[string]string
	wants     map[string]string
	conflicts map[string]string
	requires  string
}

func build(t *testing.T, fixtures ...fixture) *manifest.Set {
	t.Helper()

	ms := make([]*manifest.Manifest, 0, len(fixtures))
	for _, s := range fixtures {
		m := &manifest.Manifest{
			ID:       s.id,
			ClassRef: s.id + ".wasm",
			Version:  manifest.MustParseVersion(s.version),
			Source:   "fixtures/" + s.id,
			Constraints: manifest.Constraints{
				Needs:     constraints(s.needs),
				Wants:     constraints(s.wants),
				Conflicts: constraints(s.conflicts),
			},
		}
		if s.requires != "" {
			c := manifest.MustParseConstraint(s.requires)
			m.Requires = &c
		}
		ms = append(ms, m)
	}

	set, dups := manifest.NewSet(ms)
	require.Empty(t, dups)
	return set
}

func constraints(in map[string]string) map[string]manifest.Constraint {
	out := make(map[string]manifest.Constraint, len(in))
	for id, expr := range in {
		out[id] = manifest.MustParseConstraint(expr)
	}
	return out
}

// orderings returns fixtures in every rotation, each forwards and backwards,
// plus a few seeded shuffles.
func orderings(fixtures []fixture) [][]fixture {
	var out [][]fixture
	for i := range fixtures {
		rotated := append(slices.Clone(fixtures[i:]), fixtures[:i]...)
		reversed := slices.Clone(rotated)
		slices.Reverse(reversed)
		out = append(out, rotated, reversed)
	}
	r := rand.New(rand.NewPCG(7, 42))
	for range 5 {
		shuffled := slices.Clone(fixtures)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		out = append(out, shuffled)
	}
	return out
}
