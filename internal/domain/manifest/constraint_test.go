package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		op      Operator
		version string
	}{
		{"*", OpAny, ""},
		{"", OpAny, ""},
		{">= 0.0.1", OpGreaterEqual, "0.0.1"},
		{">1.0.0", OpGreater, "1.0.0"},
		{"< 3.0.0", OpLess, "3.0.0"},
		{"<=2.0.0", OpLessEqual, "2.0.0"},
		{"= 1.5.0", OpEqual, "1.5.0"},
		{"1.5.0", OpEqual, "1.5.0"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, err := ParseConstraint(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.op, c.Op)
			assert.Equal(t, tt.version, c.Version.String())
		})
	}
}

func TestParseConstraint_Unsupported(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"^1.0.0", "~1.2.0", ">=1.0.0 <2.0.0", "1.0.0 - 2.0.0", "1.0.0 || 2.0.0"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseConstraint(input)
			require.ErrorIs(t, err, ErrUnsupportedConstraint)
		})
	}

	_, err := ParseConstraint(">= 1.x")
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestConstraint_SatisfiedBy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		constraint string
		version    string
		want       bool
	}{
		{"*", "0.0.1", true},
		{">= 0.0.1", "0.0.1", true},
		{"> 1.0.0", "1.0.0", false},
		{"> 1.0.0", "1.5.0", true},
		{"> 2.5.0", "2.5.0", false},
		{"< 3.0.0", "2.5.0", true},
		{"< 3.0.0", "3.0.0", false},
		{"<= 3.0.0", "3.0.0", true},
		{"= 1.0.0", "1.0.1", false},
		{"> 0.0.4", "0.0.3", false},
	}

	for _, tt := range tests {
		t.Run(tt.constraint+"/"+tt.version, func(t *testing.T) {
			c := MustParseConstraint(tt.constraint)
			assert.Equal(t, tt.want, c.SatisfiedBy(MustParseVersion(tt.version)))
		})
	}

	assert.False(t, MustParseConstraint("> 1.0.0").SatisfiedBy(Version{}))
}

func TestConstraint_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "*", Any.String())
	assert.Equal(t, ">= 0.0.1", MustParseConstraint(">=0.0.1").String())
	assert.True(t, Constraint{}.IsAny())
}
