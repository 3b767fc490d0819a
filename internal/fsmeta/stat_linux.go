//go:build linux

package fsmeta

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Stat is the subset of lstat(2) the installer needs to put a path back
// the way it found it.
type Stat struct {
	Type  Observed  `json:"type"`
	Mode  uint32    `json:"mode"`
	UID   uint32    `json:"uid"`
	GID   uint32    `json:"gid"`
	Atime time.Time `json:"atime"`
	Mtime time.Time `json:"mtime"`
	Ctime time.Time `json:"ctime"`
	Size  int64     `json:"size"`

	blocks int64
	dev    uint64
}

// Blocks returns the number of 512-byte blocks allocated to the file.
func (s Stat) Blocks() int64 { return s.blocks }

// Lstat snapshots path without following a final symlink. The boolean
// result is false, with a nil error, when path does not exist.
func Lstat(path string) (Stat, bool, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			return Stat{}, false, nil
		}
		return Stat{}, false, &fs.PathError{Op: "lstat", Path: path, Err: err}
	}
	return fromStatT(&st), true, nil
}

func fromStatT(st *unix.Stat_t) Stat {
	return Stat{
		Type:   observedFromMode(st.Mode),
		Mode:   st.Mode & 0o7777,
		UID:    st.Uid,
		GID:    st.Gid,
		Atime:  time.Unix(st.Atim.Unix()),
		Mtime:  time.Unix(st.Mtim.Unix()),
		Ctime:  time.Unix(st.Ctim.Unix()),
		Size:   st.Size,
		blocks: st.Blocks,
		dev:    uint64(st.Dev),
	}
}

func observedFromMode(m uint32) Observed {
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		return ObservedDirectory
	case unix.S_IFREG:
		return ObservedRegular
	case unix.S_IFIFO:
		return ObservedPipe
	case unix.S_IFLNK:
		return ObservedSymlink
	}
	return ObservedOther
}

// SetTimes sets access and modification times on path itself, never on
// a symlink target.
func SetTimes(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{unix.NsecToTimespec(atime.UnixNano()), unix.NsecToTimespec(mtime.UnixNano())}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return &fs.PathError{Op: "utimes", Path: path, Err: err}
	}
	return nil
}

// Mkfifo creates a named pipe with the given permission bits.
func Mkfifo(path string, mode uint32) error {
	if err := unix.Mkfifo(path, mode); err != nil {
		return &fs.PathError{Op: "mkfifo", Path: path, Err: err}
	}
	return nil
}

// Chmod sets permission bits, including setuid, setgid and sticky, which
// os.Chmod maps through fs.FileMode.
func Chmod(path string, mode uint32) error {
	if err := unix.Chmod(path, mode&0o7777); err != nil {
		return &fs.PathError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}

// FreeKiB returns the space available to unprivileged users on the
// filesystem holding path, in KiB rounded down. A path that does not exist
// yet is measured at its nearest existing ancestor.
func FreeKiB(path string) (uint64, error) {
	p := path
	if _, ok, err := statExisting(&p); err != nil {
		return 0, err
	} else if !ok {
		return 0, fmt.Errorf("no existing ancestor of %s", path)
	}
	var sfs unix.Statfs_t
	if err := unix.Statfs(p, &sfs); err != nil {
		return 0, &fs.PathError{Op: "statfs", Path: p, Err: err}
	}
	frsize := uint64(sfs.Frsize)
	if frsize == 0 {
		frsize = uint64(sfs.Bsize)
	}
	return sfs.Bavail * frsize / 1024, nil
}

// MountPoint returns the mount point of the filesystem holding path. If
// path does not exist yet, its nearest existing ancestor decides.
func MountPoint(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	st, ok, err := statExisting(&p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no existing ancestor of %s", path)
	}
	for p != "/" {
		parent := filepath.Dir(p)
		var pst unix.Stat_t
		if err := unix.Stat(parent, &pst); err != nil {
			return "", &fs.PathError{Op: "stat", Path: parent, Err: err}
		}
		if uint64(pst.Dev) != st {
			return p, nil
		}
		p = parent
	}
	return "/", nil
}

// statExisting walks *p up to the first existing directory entry and
// returns its device number.
func statExisting(p *string) (uint64, bool, error) {
	for {
		var st unix.Stat_t
		err := unix.Stat(*p, &st)
		if err == nil {
			return uint64(st.Dev), true, nil
		}
		if !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.ENOTDIR) {
			return 0, false, &fs.PathError{Op: "stat", Path: *p, Err: err}
		}
		parent := filepath.Dir(*p)
		if parent == *p {
			return 0, false, nil
		}
		*p = parent
	}
}

// Umask returns the process umask without changing it.
func Umask() uint32 {
	m := unix.Umask(0)
	unix.Umask(m)
	return uint32(m)
}
