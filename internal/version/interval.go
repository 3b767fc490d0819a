package version

import (
	"errors"
	"fmt"
	"strings"
)

// Operator is a relational operator bounding an Interval.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreaterEqual Operator = ">="
	OpGreater      Operator = ">"
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// ErrInvalidOperator is returned for operators outside the supported set.
var ErrInvalidOperator = errors.New("invalid interval operator")

// ParseOperator validates s as an Operator.
func ParseOperator(s string) (Operator, error) {
	switch op := Operator(s); op {
	case OpLess, OpLessEqual, OpGreaterEqual, OpGreater, OpEqual, OpNotEqual:
		return op, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOperator, s)
}

// Interval is the set of versions of one patch that satisfy "v Op Bound".
type Interval struct {
	Op    Operator
	Bound PatchVersion
}

// AtLeast returns the interval ">= bound".
func AtLeast(bound PatchVersion) Interval {
	return Interval{Op: OpGreaterEqual, Bound: bound}
}

// Any returns the interval that every version of name satisfies.
func Any(name string) (Interval, error) {
	bound, err := New(name, Zero)
	if err != nil {
		return Interval{}, err
	}
	return AtLeast(bound), nil
}

// Name returns the patch the interval constrains.
func (i Interval) Name() string { return i.Bound.Name() }

// Includes reports whether v lies inside the interval. v must belong to
// the same patch as the bound.
func (i Interval) Includes(v PatchVersion) (bool, error) {
	c, err := v.Compare(i.Bound)
	if err != nil {
		return false, err
	}
	switch i.Op {
	case OpLess:
		return c < 0, nil
	case OpLessEqual:
		return c <= 0, nil
	case OpGreaterEqual:
		return c >= 0, nil
	case OpGreater:
		return c > 0, nil
	case OpEqual:
		return c == 0, nil
	case OpNotEqual:
		return c != 0, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidOperator, string(i.Op))
}

// Equal reports structural equality.
func (i Interval) Equal(o Interval) bool {
	return i.Op == o.Op && i.Bound.name == o.Bound.name && i.Bound.version == o.Bound.version
}

// String renders "name op version", the form ParseInterval accepts.
func (i Interval) String() string {
	return fmt.Sprintf("%s %s %s", i.Bound.Name(), i.Op, i.Bound.Version())
}

// ParseInterval parses "name", or "name op version". A bare name means any
// version.
func ParseInterval(s string) (Interval, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		return Any(fields[0])
	case 3:
		op, err := ParseOperator(fields[1])
		if err != nil {
			return Interval{}, err
		}
		bound, err := New(fields[0], fields[2])
		if err != nil {
			return Interval{}, err
		}
		return Interval{Op: op, Bound: bound}, nil
	}
	return Interval{}, fmt.Errorf("malformed interval %q", s)
}

// RequirementKind distinguishes prerequisites from conflicts.
type RequirementKind byte

const (
	Requires  RequirementKind = 'R'
	Conflicts RequirementKind = 'C'
)

func (k RequirementKind) String() string {
	switch k {
	case Requires:
		return "requires"
	case Conflicts:
		return "conflicts"
	}
	return fmt.Sprintf("RequirementKind(%c)", byte(k))
}

// Requirement is one dependency line of a manifest.
type Requirement struct {
	Kind     RequirementKind
	Interval Interval
}

// ParseRequirement parses a dependency line of the form
// "R name [op version]" or "C name [op version]".
func ParseRequirement(line string) (Requirement, error) {
	line = strings.TrimSpace(line)
	kind, rest, ok := strings.Cut(line, " ")
	if !ok || len(kind) != 1 {
		return Requirement{}, fmt.Errorf("malformed dependency line %q", line)
	}
	k := RequirementKind(kind[0])
	if k != Requires && k != Conflicts {
		return Requirement{}, fmt.Errorf("malformed dependency line %q: unknown kind %q", line, kind)
	}
	iv, err := ParseInterval(rest)
	if err != nil {
		return Requirement{}, fmt.Errorf("dependency line %q: %w", line, err)
	}
	return Requirement{Kind: k, Interval: iv}, nil
}

// String renders the requirement in the line format ParseRequirement reads.
func (r Requirement) String() string {
	return string(rune(r.Kind)) + " " + r.Interval.String()
}
