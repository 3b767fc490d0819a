package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/version"
)

// Registration is the row written before any install phase runs.
type Registration struct {
	Patch       version.PatchVersion
	Prefix      string
	Description string
	UID         int
	AttemptID   string
}

// Register inserts a new patch version in REGISTERED state. The bare
// patch name row is created on first use and never removed.
func (r *Registry) Register(ctx context.Context, reg Registration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("register %s: %w", reg.Patch, err)
	}
	defer tx.Rollback()

	if _, err := versionID(ctx, tx, reg.Patch); err == nil {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.Patch)
	} else if !errors.Is(err, ErrNotRegistered) {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO patches (name) VALUES (?) ON CONFLICT(name) DO NOTHING`,
		reg.Patch.Name(),
	); err != nil {
		return fmt.Errorf("register %s: %w", reg.Patch, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO patch_versions
		(name, version, status, prefix, description, uid, attempt_id, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		reg.Patch.Name(),
		reg.Patch.Version(),
		string(StatusRegistered),
		reg.Prefix,
		reg.Description,
		reg.UID,
		reg.AttemptID,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("register %s: %w", reg.Patch, err)
	}

	return tx.Commit()
}

// Unregister deletes the version row and everything hanging from it.
func (r *Registry) Unregister(ctx context.Context, pv version.PatchVersion) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM patch_versions WHERE name = ? AND version = ?`,
		pv.Name(), pv.Version(),
	)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", pv, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pv)
	}
	return nil
}

// SetStatus persists the lifecycle state of pv.
func (r *Registry) SetStatus(ctx context.Context, pv version.PatchVersion, s Status) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE patch_versions SET status = ? WHERE name = ? AND version = ?`,
		string(s), pv.Name(), pv.Version(),
	)
	if err != nil {
		return fmt.Errorf("set status of %s to %s: %w", pv, s, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotRegistered, pv)
	}
	return nil
}

// BackedUpFile pairs an absolute path with the digest of the content
// saved for it.
type BackedUpFile struct {
	Path   string
	Digest string
}

// SaveBackup stores the serialized backup record of pv together with the
// set of files copied to the backup store.
func (r *Registry) SaveBackup(ctx context.Context, pv version.PatchVersion, record []byte, files []BackedUpFile) error {
	return r.withTx(ctx, pv, func(tx *sql.Tx, id int64) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE patch_versions SET backup_record = ? WHERE id = ?`,
			compress(record), id,
		); err != nil {
			return fmt.Errorf("save backup record: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM backed_up_files WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("save backed up files: %w", err)
		}
		for _, f := range files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO backed_up_files (version_id, path, digest) VALUES (?, ?, ?)`,
				id, f.Path, f.Digest,
			); err != nil {
				return fmt.Errorf("save backed up file %s: %w", f.Path, err)
			}
		}
		return nil
	})
}

// InstalledFile is one path laid down by a patch.
type InstalledFile struct {
	Path string
	Type fsmeta.Kind
}

// SetInstalledFiles replaces the installed file list of pv.
func (r *Registry) SetInstalledFiles(ctx context.Context, pv version.PatchVersion, files []InstalledFile) error {
	return r.withTx(ctx, pv, func(tx *sql.Tx, id int64) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM installed_files WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("set installed files: %w", err)
		}
		for _, f := range files {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO installed_files (version_id, path, type) VALUES (?, ?, ?)`,
				id, f.Path, f.Type.String(),
			); err != nil {
				return fmt.Errorf("set installed file %s: %w", f.Path, err)
			}
		}
		return nil
	})
}

// SetScripts replaces the hook scripts kept for pv. Scripts are stored
// compressed so removal never needs the original archive.
func (r *Registry) SetScripts(ctx context.Context, pv version.PatchVersion, scripts map[string][]byte) error {
	hooks := make([]string, 0, len(scripts))
	for h := range scripts {
		hooks = append(hooks, h)
	}
	sort.Strings(hooks)

	return r.withTx(ctx, pv, func(tx *sql.Tx, id int64) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM patch_scripts WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("set scripts: %w", err)
		}
		for _, h := range hooks {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO patch_scripts (version_id, hook, content) VALUES (?, ?, ?)`,
				id, h, compress(scripts[h]),
			); err != nil {
				return fmt.Errorf("set script %s: %w", h, err)
			}
		}
		return nil
	})
}

// SetRequisites replaces the requirement intervals declared by pv.
func (r *Registry) SetRequisites(ctx context.Context, pv version.PatchVersion, ivs []version.Interval) error {
	return r.setIntervals(ctx, "requisites", pv, ivs)
}

// SetConflicts replaces the conflict intervals declared by pv.
func (r *Registry) SetConflicts(ctx context.Context, pv version.PatchVersion, ivs []version.Interval) error {
	return r.setIntervals(ctx, "conflicts", pv, ivs)
}

func (r *Registry) setIntervals(ctx context.Context, table string, pv version.PatchVersion, ivs []version.Interval) error {
	return r.withTx(ctx, pv, func(tx *sql.Tx, id int64) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("set %s: %w", table, err)
		}
		for _, iv := range ivs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+` (version_id, name, op, bound) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				id, iv.Name(), string(iv.Op), iv.Bound.Version(),
			); err != nil {
				return fmt.Errorf("set %s %s: %w", table, iv, err)
			}
		}
		return nil
	})
}

// VarKind selects one of the variable tables.
type VarKind string

const (
	InputVars VarKind = "input_vars"
	InfoVars  VarKind = "info_vars"
	HookVars  VarKind = "hook_vars"
)

func (k VarKind) table() (string, error) {
	switch k {
	case InputVars, InfoVars, HookVars:
		return string(k), nil
	}
	return "", fmt.Errorf("unknown variable kind %q", string(k))
}

// SetVars replaces the variables of one kind recorded for pv.
func (r *Registry) SetVars(ctx context.Context, pv version.PatchVersion, kind VarKind, vars map[string]string) error {
	table, err := kind.table()
	if err != nil {
		return err
	}
	return r.withTx(ctx, pv, func(tx *sql.Tx, id int64) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE version_id = ?`, id); err != nil {
			return fmt.Errorf("set %s: %w", table, err)
		}
		for name, value := range vars {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO `+table+` (version_id, name, value) VALUES (?, ?, ?)`,
				id, name, value,
			); err != nil {
				return fmt.Errorf("set %s %s: %w", table, name, err)
			}
		}
		return nil
	})
}
