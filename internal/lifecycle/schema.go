package lifecycle

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/registry"
)

// schemaOrder is the order item types are laid down in. Hardlinks go
// last so their origin already exists.
var schemaOrder = []fsmeta.Kind{
	fsmeta.KindDirectory,
	fsmeta.KindRegular,
	fsmeta.KindPipe,
	fsmeta.KindSymlink,
	fsmeta.KindHardlink,
}

// installSchema writes every item to disk and returns what it installed.
func installSchema(arc *archive.Reader, items []manifest.Resolved) ([]registry.InstalledFile, error) {
	installed := make([]registry.InstalledFile, 0, len(items))
	for _, kind := range schemaOrder {
		if kind == fsmeta.KindRegular {
			done, err := installRegular(arc, items)
			installed = append(installed, done...)
			if err != nil {
				return installed, err
			}
			continue
		}
		for _, it := range items {
			if it.Type != kind {
				continue
			}
			if err := installItem(it); err != nil {
				return installed, fmt.Errorf("install %s: %w", it.Path, err)
			}
			installed = append(installed, registry.InstalledFile{Path: it.Path, Type: it.Type})
		}
	}
	return installed, nil
}

func installItem(it manifest.Resolved) error {
	switch it.Type {
	case fsmeta.KindDirectory:
		if err := os.MkdirAll(it.Path, 0o755); err != nil {
			return err
		}
		return setOwnerAndMode(it)

	case fsmeta.KindPipe:
		if err := replaceable(it.Path); err != nil {
			return err
		}
		if err := fsmeta.Mkfifo(it.Path, it.Mode); err != nil {
			return err
		}
		return setOwnerAndMode(it)

	case fsmeta.KindSymlink:
		if err := replaceable(it.Path); err != nil {
			return err
		}
		return os.Symlink(it.Origin, it.Path)

	case fsmeta.KindHardlink:
		if err := replaceable(it.Path); err != nil {
			return err
		}
		return os.Link(it.Origin, it.Path)
	}
	return fmt.Errorf("unknown item type %q", it.Type)
}

// replaceable removes a non-directory at path and creates its parent.
func replaceable(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// installRegular lays down every regular file during one pass over the
// archive. Files sharing a payload are written from the same read.
func installRegular(arc *archive.Reader, items []manifest.Resolved) ([]registry.InstalledFile, error) {
	byEntry := map[string][]manifest.Resolved{}
	var names []string
	for _, it := range items {
		if it.Type != fsmeta.KindRegular {
			continue
		}
		name := archive.BlobEntry(it.Digest)
		if _, ok := byEntry[name]; !ok {
			names = append(names, name)
		}
		byEntry[name] = append(byEntry[name], it)
	}

	var installed []registry.InstalledFile
	err := arc.Extract(names, func(name string, body io.Reader) error {
		group := byEntry[name]
		if err := writePayload(body, group); err != nil {
			return err
		}
		for _, it := range group {
			if err := setOwnerAndMode(it); err != nil {
				return fmt.Errorf("install %s: %w", it.Path, err)
			}
			installed = append(installed, registry.InstalledFile{Path: it.Path, Type: it.Type})
		}
		return nil
	})
	return installed, err
}

// writePayload creates every file of group and copies body into all of
// them.
func writePayload(body io.Reader, group []manifest.Resolved) (err error) {
	files := make([]*os.File, 0, len(group))
	defer func() {
		for _, f := range files {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}
	}()
	writers := make([]io.Writer, 0, len(group))
	for _, it := range group {
		if err := replaceable(it.Path); err != nil {
			return fmt.Errorf("install %s: %w", it.Path, err)
		}
		f, err := os.OpenFile(it.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err != nil {
			return fmt.Errorf("install %s: %w", it.Path, err)
		}
		files = append(files, f)
		writers = append(writers, f)
	}
	if _, err := io.Copy(io.MultiWriter(writers...), body); err != nil {
		return fmt.Errorf("install %s: %w", group[0].Path, err)
	}
	return nil
}

func setOwnerAndMode(it manifest.Resolved) error {
	uid, err := fsmeta.LookupUID(it.Owner)
	if err != nil {
		return err
	}
	gid, err := fsmeta.LookupGID(it.Group)
	if err != nil {
		return err
	}
	if err := os.Lchown(it.Path, int(uid), int(gid)); err != nil {
		return err
	}
	return fsmeta.Chmod(it.Path, it.Mode)
}
