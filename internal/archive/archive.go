// Package archive reads and writes patch containers.
//
// A container is a tar stream compressed with zstd. It holds one or more
// patch versions, each described by a CUE manifest, plus the content
// addressed payloads those manifests reference:
//
//	patches/<name>/<version>/core.cue
//	patches/<name>/<version>/contents
//	install/<sha256>
//
// The contents file lists "<entry>\t<sha256>" for the manifest and every
// payload of that patch version, and is what CheckIntegrity verifies.
package archive

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/version"
)

const (
	patchesDir   = "patches"
	installDir   = "install"
	coreFile     = "core.cue"
	contentsFile = "contents"
)

var (
	ErrEntryNotFound   = errors.New("archive entry not found")
	ErrPatchNotFound   = errors.New("patch not found in archive")
	ErrUnsafeEntry     = errors.New("unsafe archive entry name")
	ErrIntegrity       = errors.New("archive integrity check failed")
	ErrContentsMissing = errors.New("archive contents list missing")
)

// BlobEntry returns the entry name holding the payload with digest d.
func BlobEntry(d string) string { return installDir + "/" + d }

// CoreEntry returns the entry name of a patch version's manifest.
func CoreEntry(pv version.PatchVersion) string {
	return path.Join(patchesDir, pv.Name(), pv.Version(), coreFile)
}

// ContentsEntry returns the entry name of a patch version's contents list.
func ContentsEntry(pv version.PatchVersion) string {
	return path.Join(patchesDir, pv.Name(), pv.Version(), contentsFile)
}

// Reader gives access to the entries of a container on disk. The stream
// is compressed and cannot seek, so each read decompresses from the
// start; callers needing several entries use Extract or ReadEntries to
// get them in one pass.
type Reader struct {
	path    string
	sizes   map[string]int64
	patches []version.PatchVersion
}

// Open indexes the container at p.
func Open(p string) (*Reader, error) {
	r := &Reader{path: p, sizes: make(map[string]int64)}
	err := r.scan(func(hdr *tar.Header, _ io.Reader) (bool, error) {
		r.sizes[hdr.Name] = hdr.Size
		if pv, ok := patchFromCoreEntry(hdr.Name); ok {
			r.patches = append(r.patches, pv)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(r.patches, func(i, j int) bool {
		a, b := r.patches[i], r.patches[j]
		if a.Name() != b.Name() {
			return a.Name() < b.Name()
		}
		less, _ := a.Less(b)
		return less
	})
	return r, nil
}

// Path returns the container file the reader was opened on.
func (r *Reader) Path() string { return r.path }

func patchFromCoreEntry(name string) (version.PatchVersion, bool) {
	parts := strings.Split(name, "/")
	if len(parts) != 4 || parts[0] != patchesDir || parts[3] != coreFile {
		return version.PatchVersion{}, false
	}
	pv, err := version.New(parts[1], parts[2])
	if err != nil {
		return version.PatchVersion{}, false
	}
	return pv, true
}

// Patches lists the patch versions in the container, grouped by name and
// oldest first.
func (r *Reader) Patches() []version.PatchVersion {
	return append([]version.PatchVersion(nil), r.patches...)
}

// Has reports whether the container carries pv.
func (r *Reader) Has(pv version.PatchVersion) bool {
	_, ok := r.sizes[CoreEntry(pv)]
	return ok
}

// Size returns the uncompressed size of an entry.
func (r *Reader) Size(name string) (int64, bool) {
	s, ok := r.sizes[name]
	return s, ok
}

// Core parses the manifest of pv.
func (r *Reader) Core(pv version.PatchVersion) (*manifest.Core, error) {
	if !r.Has(pv) {
		return nil, fmt.Errorf("%w: %s", ErrPatchNotFound, pv)
	}
	data, err := r.ReadEntry(CoreEntry(pv))
	if err != nil {
		return nil, err
	}
	c, err := manifest.Parse(CoreEntry(pv), data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest of %s: %w", pv, err)
	}
	got, err := c.PatchVersion()
	if err != nil || !got.Equal(pv) {
		return nil, fmt.Errorf("manifest at %s declares %s", CoreEntry(pv), got)
	}
	return c, nil
}

// ReadEntry returns the full content of one entry.
func (r *Reader) ReadEntry(name string) ([]byte, error) {
	entries, err := r.ReadEntries(name)
	if err != nil {
		return nil, err
	}
	return entries[name], nil
}

// ReadEntries returns the content of every named entry, read in a single
// pass over the container.
func (r *Reader) ReadEntries(names ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(names))
	err := r.Extract(names, func(name string, body io.Reader) error {
		data, err := io.ReadAll(body)
		out[name] = data
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CopyEntry streams one entry into w.
func (r *Reader) CopyEntry(name string, w io.Writer) (int64, error) {
	var n int64
	err := r.Extract([]string{name}, func(_ string, body io.Reader) error {
		var err error
		n, err = io.Copy(w, body)
		return err
	})
	return n, err
}

// Extract calls fn once for each named entry, in container order, during
// a single pass. Duplicate names are visited once. The scan stops as soon
// as every entry was seen; a name the container lacks is reported as
// ErrEntryNotFound after the others were handed to fn.
func (r *Reader) Extract(names []string, fn func(name string, body io.Reader) error) error {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	if len(want) == 0 {
		return nil
	}
	seen := 0
	err := r.scan(func(hdr *tar.Header, body io.Reader) (bool, error) {
		if !want[hdr.Name] {
			return false, nil
		}
		want[hdr.Name] = false
		seen++
		if err := fn(hdr.Name, body); err != nil {
			return true, err
		}
		return seen == len(want), nil
	})
	if err != nil {
		return err
	}
	if seen < len(want) {
		var missing []string
		for n, pending := range want {
			if pending {
				missing = append(missing, n)
			}
		}
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrEntryNotFound, strings.Join(missing, ", "))
	}
	return nil
}

// Contents returns the digest list recorded for pv, keyed by entry name.
func (r *Reader) Contents(pv version.PatchVersion) (map[string]string, error) {
	data, err := r.ReadEntry(ContentsEntry(pv))
	if errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrContentsMissing, pv)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		entry, digest, ok := strings.Cut(line, "\t")
		if !ok || !fsmeta.ValidDigest(digest) {
			return nil, fmt.Errorf("%w: malformed contents line %q", ErrIntegrity, line)
		}
		out[entry] = digest
	}
	return out, sc.Err()
}

// CheckIntegrity hashes every entry listed in pv's contents file and
// compares it to the recorded digest. Entries the manifest needs but the
// contents file omits are reported too.
func (r *Reader) CheckIntegrity(pv version.PatchVersion) error {
	want, err := r.Contents(pv)
	if err != nil {
		return err
	}
	c, err := r.Core(pv)
	if err != nil {
		return err
	}
	if _, ok := want[CoreEntry(pv)]; !ok {
		return fmt.Errorf("%w: %s not listed in contents", ErrIntegrity, CoreEntry(pv))
	}
	for _, d := range c.Blobs() {
		if want[BlobEntry(d)] != d {
			return fmt.Errorf("%w: %s not listed in contents", ErrIntegrity, BlobEntry(d))
		}
	}

	got := make(map[string]string, len(want))
	err = r.scan(func(hdr *tar.Header, body io.Reader) (bool, error) {
		if _, ok := want[hdr.Name]; !ok {
			return false, nil
		}
		d, err := fsmeta.DigestReader(body)
		if err != nil {
			return true, err
		}
		got[hdr.Name] = d
		return len(got) == len(want), nil
	})
	if err != nil {
		return err
	}

	for entry, d := range want {
		g, ok := got[entry]
		if !ok {
			return fmt.Errorf("%w: %s missing", ErrIntegrity, entry)
		}
		if g != d {
			return fmt.Errorf("%w: %s has digest %s, expected %s", ErrIntegrity, entry, g, d)
		}
	}
	return nil
}

// scan walks the container calling fn for each regular entry until fn
// returns stop.
func (r *Reader) scan(fn func(hdr *tar.Header, body io.Reader) (stop bool, err error)) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", r.path, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive %s: %w", r.path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !safeName(hdr.Name) {
			return fmt.Errorf("%w: %q", ErrUnsafeEntry, hdr.Name)
		}
		stop, err := fn(hdr, tr)
		if err != nil {
			return fmt.Errorf("read archive entry %s: %w", hdr.Name, err)
		}
		if stop {
			return nil
		}
	}
}

func safeName(name string) bool {
	if name == "" || path.IsAbs(name) || path.Clean(name) != name {
		return false
	}
	return name != ".." && !strings.HasPrefix(name, "../")
}
