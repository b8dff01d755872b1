package manifest

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// semverRegex matches strict semantic version strings.
// Matches: 1.0.0, 1.0.0-alpha, 1.0.0-alpha.1, 1.0.0+build.123
var semverRegex = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
	`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)

// Version is a parsed semantic version. The zero value is not a valid version.
type Version struct {
	raw string
}

// ParseVersion parses a MAJOR.MINOR.PATCH[-pre][+build] string.
// An optional leading "v" is accepted.
func ParseVersion(s string) (Version, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return Version{}, fmt.Errorf("%w: version cannot be empty", ErrInvalidVersion)
	}
	if v[0] == 'v' || v[0] == 'V' {
		v = v[1:]
	}
	if !semverRegex.MatchString(v) {
		return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
	}
	return Version{raw: v}, nil
}

// MustParseVersion is like ParseVersion but panics on error. Intended for
// tests and static tables.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the version without a leading "v".
func (v Version) String() string {
	return v.raw
}

// IsZero reports whether v is the zero value.
func (v Version) IsZero() bool {
	return v.raw == ""
}

// Compare returns -1, 0 or +1 following semantic version precedence.
// Build metadata is ignored.
func (v Version) Compare(other Version) int {
	return semver.Compare(v.canonical(), other.canonical())
}

// Major returns the major component, e.g. "v1".
func (v Version) Major() string {
	return semver.Major(v.canonical())
}

// Prerelease reports whether the version carries a pre-release tag.
func (v Version) Prerelease() bool {
	return semver.Prerelease(v.canonical()) != ""
}

func (v Version) canonical() string {
	return "v" + v.raw
}
