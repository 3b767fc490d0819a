package backup

import (
	"errors"
	"fmt"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/version"
)

// FormatVersion is the serialization version written by Marshal.
const FormatVersion = 1

// ErrUnsupportedFormat is returned when a stored record was written by an
// incompatible release.
var ErrUnsupportedFormat = errors.New("unsupported backup record format")

// Snapshot is what occupied a destination before the install touched it.
type Snapshot struct {
	Stat       fsmeta.Stat `json:"stat"`
	Digest     string      `json:"digest,omitempty"`
	LinkTarget string      `json:"link_target,omitempty"`
}

// Entry pairs a schema item with the object it displaced, if any.
type Entry struct {
	New manifest.Resolved `json:"new"`
	Old *Snapshot         `json:"old,omitempty"`
}

// Record is the pre-install state of every destination a patch version
// touches. It is built before any mutation and never partially updated.
type Record struct {
	FormatVersion int      `json:"format_version"`
	Patch         string   `json:"patch"`
	Version       string   `json:"version"`
	BaseDir       string   `json:"base_dir"`
	Ignored       []string `json:"ignored,omitempty"`
	Entries       []Entry  `json:"entries"`
}

// Build snapshots the destinations of items. Paths listed in ignored,
// relative ones anchored at baseDir, are left out of the record entirely.
func Build(pv version.PatchVersion, baseDir string, items []manifest.Resolved, ignored []string) (*Record, error) {
	rec := &Record{
		FormatVersion: FormatVersion,
		Patch:         pv.Name(),
		Version:       pv.Version(),
		BaseDir:       baseDir,
		Entries:       []Entry{},
	}

	skip := make(map[string]bool, len(ignored))
	for _, p := range ignored {
		abs := manifest.Abs(baseDir, p)
		if !skip[abs] {
			skip[abs] = true
			rec.Ignored = append(rec.Ignored, abs)
		}
	}

	for _, it := range items {
		if skip[it.Path] {
			continue
		}
		snap, err := snapshot(it.Path)
		if err != nil {
			return nil, err
		}
		rec.Entries = append(rec.Entries, Entry{New: it, Old: snap})
	}
	return rec, nil
}

func snapshot(path string) (*Snapshot, error) {
	st, ok, err := fsmeta.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	snap := &Snapshot{Stat: st}
	switch st.Type {
	case fsmeta.ObservedRegular:
		if snap.Digest, err = fsmeta.FileDigest(path); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
	case fsmeta.ObservedSymlink:
		if snap.LinkTarget, err = readlink(path); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", path, err)
		}
	}
	return snap, nil
}

// PatchVersion returns the patch the record belongs to.
func (r *Record) PatchVersion() (version.PatchVersion, error) {
	return version.New(r.Patch, r.Version)
}

// FilesNeedingCopy returns the entries whose previous content must be
// saved: a regular file was there and the install replaces it with
// something else or with different content. No-backup items are skipped.
func (r *Record) FilesNeedingCopy() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Old == nil || e.Old.Stat.Type != fsmeta.ObservedRegular || e.New.NoBackup {
			continue
		}
		if e.New.Type != fsmeta.KindRegular || e.New.Digest != e.Old.Digest {
			out = append(out, e)
		}
	}
	return out
}

// FilesWithAttributeChangeOnly returns the entries whose object keeps its
// type and content but gets a different mode, owner or group. Symlinks
// are never in this class.
func (r *Record) FilesWithAttributeChangeOnly() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Old == nil || e.Old.Stat.Type == fsmeta.ObservedSymlink {
			continue
		}
		if !e.New.Type.Matches(e.Old.Stat.Type) {
			continue
		}
		if e.Old.Stat.Type == fsmeta.ObservedRegular && e.New.Type == fsmeta.KindRegular && e.New.Digest != e.Old.Digest {
			continue
		}
		if attributesDiffer(e) {
			out = append(out, e)
		}
	}
	return out
}

func attributesDiffer(e Entry) bool {
	if e.New.Mode != e.Old.Stat.Mode {
		return true
	}
	uid, err := fsmeta.LookupUID(e.New.Owner)
	if err != nil || uid != e.Old.Stat.UID {
		return true
	}
	gid, err := fsmeta.LookupGID(e.New.Group)
	return err != nil || gid != e.Old.Stat.GID
}

// Marshal serializes the record.
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal backup record: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a record written by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal backup record: %w", err)
	}
	if rec.FormatVersion != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, rec.FormatVersion)
	}
	return &rec, nil
}

func depth(p string) int {
	n := 0
	for p != "/" && p != "." {
		p = filepath.Dir(p)
		n++
	}
	return n
}
