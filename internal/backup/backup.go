package backup

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

// ErrInsufficientSpace matches every *InsufficientSpaceError.
var ErrInsufficientSpace = errors.New("insufficient space for backup")

// InsufficientSpaceError reports a backup that does not fit.
type InsufficientSpaceError struct {
	Filesystem  string
	RequiredKiB uint64
	FreeKiB     uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("insufficient space for backup on %s: need %d KiB, %d KiB free",
		e.Filesystem, e.RequiredKiB, e.FreeKiB)
}

// Is makes errors.Is(err, ErrInsufficientSpace) hold.
func (e *InsufficientSpaceError) Is(target error) bool {
	return target == ErrInsufficientSpace
}

// RoomReport is the outcome of a successful CheckRoom.
type RoomReport struct {
	Filesystem  string
	RequiredKiB uint64
	FreeKiB     uint64
}

// CheckRoom verifies that the filesystem holding dir can take a copy of
// every file FilesNeedingCopy names. Usage is measured in allocated
// 512-byte blocks, rounded up to KiB.
func (r *Record) CheckRoom(dir string) (RoomReport, error) {
	var blocks int64
	for _, e := range r.FilesNeedingCopy() {
		blocks += e.Old.Stat.Blocks()
	}
	required := uint64((blocks*512 + 1023) / 1024)

	mount, err := fsmeta.MountPoint(dir)
	if err != nil {
		return RoomReport{}, fmt.Errorf("check backup room: %w", err)
	}
	free, err := fsmeta.FreeKiB(dir)
	if err != nil {
		return RoomReport{}, fmt.Errorf("check backup room: %w", err)
	}
	if required > free {
		return RoomReport{}, &InsufficientSpaceError{Filesystem: mount, RequiredKiB: required, FreeKiB: free}
	}
	return RoomReport{Filesystem: mount, RequiredKiB: required, FreeKiB: free}, nil
}

// Report counts the objects MakeBackup handled.
type Report struct {
	Copied  int
	Skipped int
}

// MakeBackup copies every file FilesNeedingCopy names into store. Objects
// already present are skipped, so rerunning after a partial failure is
// safe.
func (r *Record) MakeBackup(ctx context.Context, store *Store) (Report, error) {
	var rep Report
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	for _, e := range r.FilesNeedingCopy() {
		copied, err := store.PutFile(e.Old.Digest, e.New.Path)
		if err != nil {
			return rep, fmt.Errorf("backup %s: %w", e.New.Path, err)
		}
		if copied {
			rep.Copied++
		} else {
			rep.Skipped++
		}
	}
	return rep, nil
}

// Saver persists a serialized record; *registry.Registry satisfies it.
type Saver interface {
	SaveBackup(ctx context.Context, pv version.PatchVersion, record []byte, files []registry.BackedUpFile) error
}

// Register saves the record and the set of backed up files under its
// patch version in one call.
func (r *Record) Register(ctx context.Context, s Saver) error {
	pv, err := r.PatchVersion()
	if err != nil {
		return fmt.Errorf("register backup: %w", err)
	}
	data, err := r.Marshal()
	if err != nil {
		return err
	}
	files := []registry.BackedUpFile{}
	for _, e := range r.FilesNeedingCopy() {
		files = append(files, registry.BackedUpFile{Path: e.New.Path, Digest: e.Old.Digest})
	}
	if err := s.SaveBackup(ctx, pv, data, files); err != nil {
		return fmt.Errorf("register backup: %w", err)
	}
	return nil
}

// Loader reads a serialized record back; *registry.Registry satisfies it.
type Loader interface {
	BackupRecord(ctx context.Context, pv version.PatchVersion) ([]byte, error)
}

// Load reads the record registered for pv. The boolean is false, with a
// nil error, when the install stopped before a record was saved.
func Load(ctx context.Context, l Loader, pv version.PatchVersion) (*Record, bool, error) {
	data, err := l.BackupRecord(ctx, pv)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	rec, err := Unmarshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("load backup of %s: %w", pv, err)
	}
	return rec, true, nil
}

func readlink(path string) (string, error) {
	return os.Readlink(path)
}
