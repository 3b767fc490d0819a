package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jjuanino/clame/internal/fsmeta"
)

var (
	// ErrInvalidDigest is returned for object names that are not a SHA-256
	// hex digest.
	ErrInvalidDigest = errors.New("invalid digest")

	// ErrDigestMismatch is returned when content handed to Put does not
	// hash to the digest it was stored under.
	ErrDigestMismatch = errors.New("content does not match digest")

	// ErrObjectNotFound is returned by Open for a digest the store lacks.
	ErrObjectNotFound = errors.New("backup object not found")
)

// Store is a content-addressed directory of saved file contents. Objects
// live at <root>/<digest[0:3]>/<digest> and are never overwritten, so a
// single object may back up the same content for any number of patches.
type Store struct {
	root string
}

// NewStore returns a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup store: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// ObjectPath returns where the object for digest lives.
func (s *Store) ObjectPath(digest string) string {
	return filepath.Join(s.root, digest[:3], digest)
}

// Has reports whether the store holds digest.
func (s *Store) Has(digest string) (bool, error) {
	if !fsmeta.ValidDigest(digest) {
		return false, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	_, err := os.Lstat(s.ObjectPath(digest))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Put stores the content of r under digest. The boolean result reports
// whether a new object was written; an existing object is left alone.
func (s *Store) Put(digest string, r io.Reader) (bool, error) {
	ok, err := s.Has(digest)
	if err != nil || ok {
		return false, err
	}

	dir := filepath.Dir(s.ObjectPath(digest))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), r); err != nil {
		tmp.Close()
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != digest {
		tmp.Close()
		return false, fmt.Errorf("put %s: %w (got %s)", digest, ErrDigestMismatch, got)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("put %s: %w", digest, err)
	}

	// link(2) fails rather than replacing, which makes creation atomic and
	// lets concurrent writers of the same content both succeed.
	if err := os.Link(tmp.Name(), s.ObjectPath(digest)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	return true, nil
}

// PutFile stores the regular file at path under digest.
func (s *Store) PutFile(digest, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("put %s: %w", digest, err)
	}
	defer f.Close()
	return s.Put(digest, f)
}

// Open returns a reader over the object for digest.
func (s *Store) Open(digest string) (*os.File, error) {
	if !fsmeta.ValidDigest(digest) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	f, err := os.Open(s.ObjectPath(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, digest)
	}
	return f, err
}
