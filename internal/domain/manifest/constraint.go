package manifest

import (
	"fmt"
	"strings"
)

// Operator is a version comparison operator.
type Operator string

// Supported operators.
const (
	OpAny          Operator = "*"
	OpEqual        Operator = "="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
)

// Constraint is a single-comparator version range.
type Constraint struct {
	Op      Operator
	Version Version
}

// Any matches every version.
var Any = Constraint{Op: OpAny}

// operators is ordered so that two-character prefixes win.
var operators = []Operator{OpGreaterEqual, OpLessEqual, OpGreater, OpLess, OpEqual}

// ParseConstraint parses "*", "= V", "> V", ">= V", "< V", "<= V" or a bare
// version (exact match). An empty string is treated as "*".
//
// Caret, tilde, hyphen ranges and alternations are rejected with
// ErrUnsupportedConstraint.
func ParseConstraint(s string) (Constraint, error) {
	expr := strings.TrimSpace(s)
	if expr == "" || expr == string(OpAny) {
		return Any, nil
	}
	if strings.ContainsAny(expr, "^~|,") || strings.Contains(expr, " - ") {
		return Constraint{}, fmt.Errorf("%w: %q", ErrUnsupportedConstraint, s)
	}

	op := OpEqual
	for _, candidate := range operators {
		if strings.HasPrefix(expr, string(candidate)) {
			op = candidate
			expr = strings.TrimSpace(strings.TrimPrefix(expr, string(candidate)))
			break
		}
	}
	if strings.ContainsAny(expr, " \t<>=*") {
		return Constraint{}, fmt.Errorf("%w: %q", ErrUnsupportedConstraint, s)
	}

	v, err := ParseVersion(expr)
	if err != nil {
		return Constraint{}, fmt.Errorf("constraint %q: %w", s, err)
	}
	return Constraint{Op: op, Version: v}, nil
}

// MustParseConstraint is like ParseConstraint but panics on error.
func MustParseConstraint(s string) Constraint {
	c, err := ParseConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// SatisfiedBy reports whether v falls inside the constraint.
func (c Constraint) SatisfiedBy(v Version) bool {
	if c.Op == OpAny || c.Op == "" {
		return true
	}
	if v.IsZero() {
		return false
	}

	cmp := v.Compare(c.Version)
	switch c.Op {
	case OpEqual:
		return cmp == 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	default:
		return false
	}
}

// IsAny reports whether the constraint matches every version.
func (c Constraint) IsAny() bool {
	return c.Op == OpAny || c.Op == ""
}

func (c Constraint) String() string {
	if c.IsAny() {
		return string(OpAny)
	}
	return fmt.Sprintf("%s %s", c.Op, c.Version)
}
