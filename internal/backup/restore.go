package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/jjuanino/clame/internal/fsmeta"
)

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// AbortOnError stops at the first failure and returns it.
	AbortOnError bool
	Logger       *slog.Logger
}

// RestoreReport lists what Restore could not put back.
type RestoreReport struct {
	Restored int
	Removed  int
	Failures []error
}

// Err joins the collected failures, or returns nil.
func (r RestoreReport) Err() error { return errors.Join(r.Failures...) }

type restorer struct {
	store  *Store
	opts   RestoreOptions
	log    *slog.Logger
	report RestoreReport
}

// Restore puts every destination in rec back the way Build found it, in
// three passes: directories that existed before (shallowest first), then
// every other entry, then directories the install created (deepest
// first). Unless AbortOnError is set, failures are logged and collected
// in the report and Restore returns nil.
func Restore(ctx context.Context, rec *Record, store *Store, opts RestoreOptions) (RestoreReport, error) {
	if err := ctx.Err(); err != nil {
		return RestoreReport{}, err
	}
	rs := &restorer{store: store, opts: opts, log: opts.Logger}
	if rs.log == nil {
		rs.log = slog.New(slog.DiscardHandler)
	}

	var oldDirs, others, newDirs []Entry
	for _, e := range rec.Entries {
		switch {
		case e.Old != nil && e.Old.Stat.Type == fsmeta.ObservedDirectory:
			oldDirs = append(oldDirs, e)
		case e.Old == nil && e.New.Type == fsmeta.KindDirectory:
			newDirs = append(newDirs, e)
		default:
			others = append(others, e)
		}
	}

	slices.SortStableFunc(oldDirs, func(a, b Entry) int { return depth(a.New.Path) - depth(b.New.Path) })
	for _, e := range oldDirs {
		if err := rs.fail(e, rs.restoreDir(e)); err != nil {
			return rs.report, err
		}
	}

	slices.SortStableFunc(others, func(a, b Entry) int { return depth(b.New.Path) - depth(a.New.Path) })
	for _, e := range others {
		if err := rs.fail(e, rs.restoreEntry(e)); err != nil {
			return rs.report, err
		}
	}

	slices.SortStableFunc(newDirs, func(a, b Entry) int { return depth(b.New.Path) - depth(a.New.Path) })
	for _, e := range newDirs {
		err := os.Remove(e.New.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err == nil {
			rs.report.Removed++
		}
		if err := rs.fail(e, err); err != nil {
			return rs.report, err
		}
	}
	return rs.report, nil
}

// fail records err against e. It returns err only when the restore must
// stop.
func (rs *restorer) fail(e Entry, err error) error {
	if err == nil {
		return nil
	}
	rs.log.Warn("restore failed", "path", e.New.Path, "error", err)
	if rs.opts.AbortOnError {
		return fmt.Errorf("restore %s: %w", e.New.Path, err)
	}
	rs.report.Failures = append(rs.report.Failures, fmt.Errorf("restore %s: %w", e.New.Path, err))
	return nil
}

func (rs *restorer) restoreDir(e Entry) error {
	st, ok, err := fsmeta.Lstat(e.New.Path)
	if err != nil {
		return err
	}
	if ok && st.Type != fsmeta.ObservedDirectory {
		return fmt.Errorf("exists as %s, expected a directory", st.Type)
	}
	if !ok {
		if err := os.Mkdir(e.New.Path, 0o700); err != nil {
			return err
		}
	}
	if err := rs.applyAttributes(e.New.Path, e.Old); err != nil {
		return err
	}
	rs.report.Restored++
	return nil
}

func (rs *restorer) restoreEntry(e Entry) error {
	path := e.New.Path
	if e.Old == nil {
		removed, err := removeIfExists(path)
		if removed {
			rs.report.Removed++
		}
		return err
	}

	switch e.Old.Stat.Type {
	case fsmeta.ObservedRegular:
		if err := rs.restoreRegular(e); err != nil {
			return err
		}
	case fsmeta.ObservedPipe:
		if _, err := removeIfExists(path); err != nil {
			return err
		}
		if err := fsmeta.Mkfifo(path, e.Old.Stat.Mode); err != nil {
			return err
		}
		if err := rs.applyAttributes(path, e.Old); err != nil {
			return err
		}
	case fsmeta.ObservedSymlink:
		if _, err := removeIfExists(path); err != nil {
			return err
		}
		if err := os.Symlink(e.Old.LinkTarget, path); err != nil {
			return err
		}
		if err := os.Lchown(path, int(e.Old.Stat.UID), int(e.Old.Stat.GID)); err != nil {
			return err
		}
		if err := fsmeta.SetTimes(path, e.Old.Stat.Atime, e.Old.Stat.Mtime); err != nil {
			return err
		}
	default:
		rs.log.Warn("cannot restore object of this type", "path", path, "type", e.Old.Stat.Type)
		return nil
	}
	rs.report.Restored++
	return nil
}

func (rs *restorer) restoreRegular(e Entry) error {
	path := e.New.Path
	unchanged := e.New.Type == fsmeta.KindRegular && e.New.Digest == e.Old.Digest
	if !unchanged {
		src, err := rs.store.Open(e.Old.Digest)
		if errors.Is(err, ErrObjectNotFound) && e.New.NoBackup {
			rs.log.Warn("no backup kept for path, content not restored", "path", path)
			return nil
		}
		if err != nil {
			return err
		}
		defer src.Close()
		if err := replaceFile(path, src); err != nil {
			return err
		}
	}
	return rs.applyAttributes(path, e.Old)
}

// applyAttributes reapplies owner, mode and times in that order; chown
// clears setuid and setgid bits.
func (rs *restorer) applyAttributes(path string, old *Snapshot) error {
	if err := os.Lchown(path, int(old.Stat.UID), int(old.Stat.GID)); err != nil {
		return err
	}
	if err := fsmeta.Chmod(path, old.Stat.Mode); err != nil {
		return err
	}
	return fsmeta.SetTimes(path, old.Stat.Atime, old.Stat.Mtime)
}

// replaceFile writes src next to path and renames it into place. A
// directory left at path is removed first and must be empty.
func replaceFile(path string, src io.Reader) error {
	if st, ok, err := fsmeta.Lstat(path); err != nil {
		return err
	} else if ok && st.Type == fsmeta.ObservedDirectory {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clame-restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func removeIfExists(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
