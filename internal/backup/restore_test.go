package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/version"
)

// lay puts items on disk the way an install would, without any of the
// lifecycle around it.
func lay(t *testing.T, items []manifest.Resolved, contents map[string]string) {
	t.Helper()
	for _, it := range items {
		switch it.Type {
		case fsmeta.KindDirectory:
			require.NoError(t, os.MkdirAll(it.Path, 0o755))
			require.NoError(t, fsmeta.Chmod(it.Path, it.Mode))
		case fsmeta.KindRegular:
			_ = os.Remove(it.Path)
			writeFile(t, it.Path, contents[it.Path], os.FileMode(it.Mode))
		case fsmeta.KindSymlink:
			_ = os.Remove(it.Path)
			require.NoError(t, os.Symlink(it.Origin, it.Path))
		case fsmeta.KindPipe:
			_ = os.Remove(it.Path)
			require.NoError(t, fsmeta.Mkfifo(it.Path, it.Mode))
		}
	}
}

func mustStat(t *testing.T, path string) fsmeta.Stat {
	t.Helper()
	st, ok, err := fsmeta.Lstat(path)
	require.NoError(t, err)
	require.True(t, ok, "%s missing", path)
	return st
}

func TestRestore_PutsTreeBack(t *testing.T) {
	proc := testProcess(t)
	base := t.TempDir()
	ctx := context.Background()

	past := time.Date(2020, 5, 6, 7, 8, 9, 0, time.UTC)

	// Pre-existing state.
	require.NoError(t, os.Mkdir(filepath.Join(base, "etc"), 0o755))
	writeFile(t, filepath.Join(base, "etc", "unchanged"), "keep", 0o644)
	writeFile(t, filepath.Join(base, "etc", "overwritten"), "before", 0o600)
	require.NoError(t, fsmeta.SetTimes(filepath.Join(base, "etc", "overwritten"), past, past))
	require.NoError(t, os.Symlink("somewhere", filepath.Join(base, "link")))
	require.NoError(t, fsmeta.Mkfifo(filepath.Join(base, "fifo"), 0o600))

	items := []manifest.Resolved{
		item(proc, base, fsmeta.KindDirectory, "etc", 0o700, ""),
		item(proc, base, fsmeta.KindRegular, "etc/unchanged", 0o640, "keep"),
		item(proc, base, fsmeta.KindRegular, "etc/overwritten", 0o644, "after"),
		item(proc, base, fsmeta.KindDirectory, "var", 0o755, ""),
		item(proc, base, fsmeta.KindDirectory, "var/lib", 0o755, ""),
		item(proc, base, fsmeta.KindRegular, "var/lib/new", 0o644, "fresh"),
		item(proc, base, fsmeta.KindSymlink, "newlink", 0o777, "etc"),
		item(proc, base, fsmeta.KindRegular, "link", 0o644, "replaces link"),
		item(proc, base, fsmeta.KindRegular, "fifo", 0o644, "replaces fifo"),
	}
	contents := map[string]string{}
	for _, it := range items {
		if it.Type == fsmeta.KindRegular {
			contents[it.Path] = map[string]string{
				"etc/unchanged":   "keep",
				"etc/overwritten": "after",
				"var/lib/new":     "fresh",
				"link":            "replaces link",
				"fifo":            "replaces fifo",
			}[it.Destination]
		}
	}

	rec, err := Build(version.MustNew("app", "1.0"), base, items, nil)
	require.NoError(t, err)
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = rec.MakeBackup(ctx, store)
	require.NoError(t, err)

	before := map[string]fsmeta.Stat{}
	for _, p := range []string{"etc", "etc/unchanged", "etc/overwritten", "link", "fifo"} {
		before[p] = mustStat(t, filepath.Join(base, p))
	}

	lay(t, items, contents)

	// The record survives a trip through its serialized form.
	data, err := rec.Marshal()
	require.NoError(t, err)
	rec, err = Unmarshal(data)
	require.NoError(t, err)

	rep, err := Restore(ctx, rec, store, RestoreOptions{})
	require.NoError(t, err)
	require.NoError(t, rep.Err())

	for p, want := range before {
		got := mustStat(t, filepath.Join(base, p))
		assert.Equal(t, want.Type, got.Type, p)
		assert.Equal(t, want.Mode, got.Mode, p)
		assert.Equal(t, want.UID, got.UID, p)
		assert.Equal(t, want.GID, got.GID, p)
		if want.Type != fsmeta.ObservedDirectory {
			assert.True(t, want.Mtime.Equal(got.Mtime), "%s mtime %v != %v", p, got.Mtime, want.Mtime)
		}
	}

	data, err = os.ReadFile(filepath.Join(base, "etc", "overwritten"))
	require.NoError(t, err)
	assert.Equal(t, "before", string(data))

	data, err = os.ReadFile(filepath.Join(base, "etc", "unchanged"))
	require.NoError(t, err)
	assert.Equal(t, "keep", string(data))

	target, err := os.Readlink(filepath.Join(base, "link"))
	require.NoError(t, err)
	assert.Equal(t, "somewhere", target)

	assert.NoFileExists(t, filepath.Join(base, "var", "lib", "new"))
	assert.NoDirExists(t, filepath.Join(base, "var"))
	_, ok, err := fsmeta.Lstat(filepath.Join(base, "newlink"))
	require.NoError(t, err)
	assert.False(t, ok, "new symlink left behind")
}

func TestRestore_RecreatesRemovedDirectory(t *testing.T) {
	proc := testProcess(t)
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "d"), 0o750))

	items := []manifest.Resolved{item(proc, base, fsmeta.KindDirectory, "d", 0o755, "")}
	rec, err := Build(version.MustNew("app", "1"), base, items, nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(base, "d")))

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	rep, err := Restore(context.Background(), rec, store, RestoreOptions{})
	require.NoError(t, err)
	require.Empty(t, rep.Failures)

	st := mustStat(t, filepath.Join(base, "d"))
	assert.Equal(t, fsmeta.ObservedDirectory, st.Type)
	assert.Equal(t, uint32(0o750), st.Mode)
}

func TestRestore_CollectsOrAborts(t *testing.T) {
	proc := testProcess(t)
	base := t.TempDir()
	writeFile(t, filepath.Join(base, "a"), "old a", 0o644)
	writeFile(t, filepath.Join(base, "b"), "old b", 0o644)

	items := []manifest.Resolved{
		item(proc, base, fsmeta.KindRegular, "a", 0o644, "new a"),
		item(proc, base, fsmeta.KindRegular, "b", 0o644, "new b"),
	}
	rec, err := Build(version.MustNew("app", "1"), base, items, nil)
	require.NoError(t, err)

	// Nothing was backed up, so both content restores fail.
	empty, err := NewStore(t.TempDir())
	require.NoError(t, err)

	rep, err := Restore(context.Background(), rec, empty, RestoreOptions{})
	require.NoError(t, err)
	assert.Len(t, rep.Failures, 2)
	assert.ErrorIs(t, rep.Err(), ErrObjectNotFound)

	rep, err = Restore(context.Background(), rec, empty, RestoreOptions{AbortOnError: true})
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Empty(t, rep.Failures)
}

func TestRestore_NoBackupItemSkipsContent(t *testing.T) {
	proc := testProcess(t)
	base := t.TempDir()
	path := filepath.Join(base, "log")
	writeFile(t, path, "old log", 0o600)

	it := item(proc, base, fsmeta.KindRegular, "log", 0o644, "new log")
	it.NoBackup = true
	rec, err := Build(version.MustNew("app", "1"), base, []manifest.Resolved{it}, nil)
	require.NoError(t, err)
	assert.Empty(t, rec.FilesNeedingCopy())

	writeFile(t, path, "new log", 0o644)

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	rep, err := Restore(context.Background(), rec, store, RestoreOptions{AbortOnError: true})
	require.NoError(t, err)
	assert.Empty(t, rep.Failures)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new log", string(data))
}

func TestRestore_WarnsWhenDirectoryBecameFile(t *testing.T) {
	proc := testProcess(t)
	base := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(base, "d"), 0o755))

	rec, err := Build(version.MustNew("app", "1"), base,
		[]manifest.Resolved{item(proc, base, fsmeta.KindDirectory, "d", 0o755, "")}, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(base, "d")))
	writeFile(t, filepath.Join(base, "d"), "squatter", 0o644)

	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	rep, err := Restore(context.Background(), rec, store, RestoreOptions{})
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Contains(t, rep.Failures[0].Error(), "expected a directory")
}
