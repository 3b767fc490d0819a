package version

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Zero is the lowest version any patch can carry. Requirements without an
// explicit bound are expressed as ">= Zero".
const Zero = "0"

var (
	// ErrInvalidName is returned when a patch name is not a single word.
	ErrInvalidName = errors.New("invalid patch name")

	// ErrInvalidVersion is returned when a version string is malformed.
	ErrInvalidVersion = errors.New("invalid patch version")

	// ErrInvalidComparison is returned when ordering two versions of
	// different patches.
	ErrInvalidComparison = errors.New("cannot order versions of different patches")
)

var (
	nameRe    = regexp.MustCompile(`^\w+$`)
	versionRe = regexp.MustCompile(`^\d+(\.[\w-]+)*$`)
	numericRe = regexp.MustCompile(`^\d+$`)
)

// PatchVersion identifies one release of a named patch.
// The zero value is not valid; use New.
type PatchVersion struct {
	name    string
	version string
}

// New validates name and version and returns the pair.
func New(name, version string) (PatchVersion, error) {
	if !nameRe.MatchString(name) {
		return PatchVersion{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !versionRe.MatchString(version) {
		return PatchVersion{}, fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	return PatchVersion{name: name, version: version}, nil
}

// MustNew is like New but panics on invalid input. Intended for tests and
// literals.
func MustNew(name, version string) PatchVersion {
	pv, err := New(name, version)
	if err != nil {
		panic(err)
	}
	return pv
}

func (p PatchVersion) Name() string    { return p.name }
func (p PatchVersion) Version() string { return p.version }

// IsZero reports whether p is the uninitialised value.
func (p PatchVersion) IsZero() bool { return p.name == "" }

// String renders the pair as "name-version".
func (p PatchVersion) String() string {
	return p.name + "-" + p.version
}

// Equal reports whether p and o name the same patch release. Versions of
// different patches are never equal.
func (p PatchVersion) Equal(o PatchVersion) bool {
	if p.name != o.name {
		return false
	}
	c, _ := p.Compare(o)
	return c == 0
}

// Compare returns -1, 0 or +1 as p is older than, the same as, or newer
// than o. Both must belong to the same patch.
//
// Versions are compared component by component after splitting on '.'.
// The shorter version is padded with empty components. Two numeric
// components compare as integers of arbitrary size, a numeric component
// outranks a non-numeric one, and two non-numeric components compare
// byte-wise.
func (p PatchVersion) Compare(o PatchVersion) (int, error) {
	if p.name != o.name {
		return 0, fmt.Errorf("%w: %s vs %s", ErrInvalidComparison, p.name, o.name)
	}
	a := strings.Split(p.version, ".")
	b := strings.Split(o.version, ".")
	n := max(len(a), len(b))
	for i := range n {
		var x, y string
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := compareComponent(x, y); c != 0 {
			return c, nil
		}
	}
	return 0, nil
}

// Less reports whether p is strictly older than o.
func (p PatchVersion) Less(o PatchVersion) (bool, error) {
	c, err := p.Compare(o)
	if err != nil {
		return false, err
	}
	return c < 0, nil
}

func compareComponent(x, y string) int {
	xn := numericRe.MatchString(x)
	yn := numericRe.MatchString(y)
	switch {
	case xn && yn:
		return compareNumeric(x, y)
	case xn:
		return 1
	case yn:
		return -1
	default:
		return strings.Compare(x, y)
	}
}

// compareNumeric orders two digit strings without converting them, so
// components longer than an int64 still compare correctly.
func compareNumeric(x, y string) int {
	x = strings.TrimLeft(x, "0")
	y = strings.TrimLeft(y, "0")
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}

// Max returns the newest of vs. All entries must share a name.
func Max(vs []PatchVersion) (PatchVersion, error) {
	if len(vs) == 0 {
		return PatchVersion{}, errors.New("max of empty version list")
	}
	best := vs[0]
	for _, v := range vs[1:] {
		c, err := v.Compare(best)
		if err != nil {
			return PatchVersion{}, err
		}
		if c > 0 {
			best = v
		}
	}
	return best, nil
}

// Sort orders vs oldest first in place. Mixed names are rejected before
// any element moves.
func Sort(vs []PatchVersion) error {
	for i := 1; i < len(vs); i++ {
		if vs[i].name != vs[0].name {
			return fmt.Errorf("%w: %s vs %s", ErrInvalidComparison, vs[0].name, vs[i].name)
		}
	}
	slices.SortStableFunc(vs, func(a, b PatchVersion) int {
		c, _ := a.Compare(b)
		return c
	})
	return nil
}
