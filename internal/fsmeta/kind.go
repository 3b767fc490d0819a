package fsmeta

import "fmt"

// Kind is the type of a schema item as declared by a manifest.
type Kind byte

const (
	KindDirectory Kind = 'd'
	KindRegular   Kind = 'f'
	KindPipe      Kind = 'p'
	KindSymlink   Kind = 's'
	KindHardlink  Kind = 'h'
)

// ParseKind converts the single-letter manifest code to a Kind.
func ParseKind(s string) (Kind, error) {
	if len(s) == 1 {
		switch k := Kind(s[0]); k {
		case KindDirectory, KindRegular, KindPipe, KindSymlink, KindHardlink:
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown file type %q", s)
}

func (k Kind) String() string { return string(rune(k)) }

// MarshalText encodes the kind as its letter code.
func (k Kind) MarshalText() ([]byte, error) { return []byte{byte(k)}, nil }

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Observed is a file type as reported by lstat. A hardlink is just a
// regular file once on disk, so there is no observed hardlink.
type Observed byte

const (
	ObservedDirectory Observed = 'd'
	ObservedRegular   Observed = 'f'
	ObservedPipe      Observed = 'p'
	ObservedSymlink   Observed = 's'
	// ObservedOther covers sockets and device nodes, which no manifest
	// can declare.
	ObservedOther Observed = 'o'
)

func (o Observed) String() string { return string(rune(o)) }

func (o Observed) MarshalText() ([]byte, error) { return []byte{byte(o)}, nil }

func (o *Observed) UnmarshalText(b []byte) error {
	if len(b) == 1 {
		switch v := Observed(b[0]); v {
		case ObservedDirectory, ObservedRegular, ObservedPipe, ObservedSymlink, ObservedOther:
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown observed file type %q", string(b))
}

// Matches reports whether an item declared as k would occupy a path that
// currently holds an object of type o without changing its type.
func (k Kind) Matches(o Observed) bool {
	switch k {
	case KindDirectory:
		return o == ObservedDirectory
	case KindRegular, KindHardlink:
		return o == ObservedRegular
	case KindPipe:
		return o == ObservedPipe
	case KindSymlink:
		return o == ObservedSymlink
	}
	return false
}
