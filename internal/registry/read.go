package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/version"
)

// Record is the summary row of a registered patch version.
type Record struct {
	Patch        version.PatchVersion
	Status       Status
	Prefix       string
	Description  string
	UID          int
	AttemptID    string
	RegisteredAt time.Time
}

const recordColumns = `name, version, status, prefix, description, uid, attempt_id, registered_at`

func scanRecord(scan func(dest ...any) error) (Record, error) {
	var (
		name, ver, status, registeredAt string
		rec                             Record
	)
	if err := scan(&name, &ver, &status, &rec.Prefix, &rec.Description, &rec.UID, &rec.AttemptID, &registeredAt); err != nil {
		return Record{}, err
	}
	pv, err := version.New(name, ver)
	if err != nil {
		return Record{}, fmt.Errorf("corrupt registry row %s-%s: %w", name, ver, err)
	}
	rec.Patch = pv
	rec.Status = Status(status)
	rec.RegisteredAt, _ = time.Parse(time.RFC3339, registeredAt)
	return rec, nil
}

// Get returns the row of pv.
func (r *Registry) Get(ctx context.Context, pv version.PatchVersion) (Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM patch_versions WHERE name = ? AND version = ?`,
		pv.Name(), pv.Version(),
	)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotRegistered, pv)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", pv, err)
	}
	return rec, nil
}

// IsRegistered reports whether pv has a row, whatever its status.
func (r *Registry) IsRegistered(ctx context.Context, pv version.PatchVersion) (bool, error) {
	_, err := versionID(ctx, r.db, pv)
	if errors.Is(err, ErrNotRegistered) {
		return false, nil
	}
	return err == nil, err
}

// Status returns the persisted lifecycle state of pv.
func (r *Registry) Status(ctx context.Context, pv version.PatchVersion) (Status, error) {
	rec, err := r.Get(ctx, pv)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// List returns every registered patch version ordered by name, then
// oldest version first.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	return r.queryRecords(ctx, `SELECT `+recordColumns+` FROM patch_versions ORDER BY name, id`)
}

// Versions returns every registered version of name, oldest first.
// Rows are counted whatever their status.
func (r *Registry) Versions(ctx context.Context, name string) ([]version.PatchVersion, error) {
	recs, err := r.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM patch_versions WHERE name = ? ORDER BY id`, name)
	if err != nil {
		return nil, err
	}
	out := make([]version.PatchVersion, len(recs))
	for i, rec := range recs {
		out[i] = rec.Patch
	}
	if err := version.Sort(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) queryRecords(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query patch versions: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan patch version: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patch versions: %w", err)
	}

	if recs == nil {
		recs = []Record{}
	}
	sortRecords(recs)
	return recs, nil
}

func sortRecords(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		if c := strings.Compare(a.Patch.Name(), b.Patch.Name()); c != 0 {
			return c
		}
		c, _ := a.Patch.Compare(b.Patch)
		return c
	})
}

// BackupRecord returns the serialized backup record of pv, or nil when
// none was saved.
func (r *Registry) BackupRecord(ctx context.Context, pv version.PatchVersion) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT backup_record FROM patch_versions WHERE name = ? AND version = ?`,
		pv.Name(), pv.Version(),
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, pv)
	}
	if err != nil {
		return nil, fmt.Errorf("read backup record of %s: %w", pv, err)
	}
	return decompress(blob)
}

// BackedUpFiles returns the files saved to the backup store for pv.
func (r *Registry) BackedUpFiles(ctx context.Context, pv version.PatchVersion) ([]BackedUpFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT b.path, b.digest
		FROM backed_up_files b
		JOIN patch_versions v ON v.id = b.version_id
		WHERE v.name = ? AND v.version = ?
		ORDER BY b.path
	`, pv.Name(), pv.Version())
	if err != nil {
		return nil, fmt.Errorf("query backed up files: %w", err)
	}
	defer rows.Close()

	files := []BackedUpFile{}
	for rows.Next() {
		var f BackedUpFile
		if err := rows.Scan(&f.Path, &f.Digest); err != nil {
			return nil, fmt.Errorf("scan backed up file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// InstalledFiles returns the paths laid down by pv.
func (r *Registry) InstalledFiles(ctx context.Context, pv version.PatchVersion) ([]InstalledFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT f.path, f.type
		FROM installed_files f
		JOIN patch_versions v ON v.id = f.version_id
		WHERE v.name = ? AND v.version = ?
		ORDER BY f.path
	`, pv.Name(), pv.Version())
	if err != nil {
		return nil, fmt.Errorf("query installed files: %w", err)
	}
	defer rows.Close()

	files := []InstalledFile{}
	for rows.Next() {
		var (
			f    InstalledFile
			kind string
		)
		if err := rows.Scan(&f.Path, &kind); err != nil {
			return nil, fmt.Errorf("scan installed file: %w", err)
		}
		if f.Type, err = fsmeta.ParseKind(kind); err != nil {
			return nil, fmt.Errorf("installed file %s: %w", f.Path, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Script returns the stored hook script of pv. The boolean is false when
// the patch declared no such hook.
func (r *Registry) Script(ctx context.Context, pv version.PatchVersion, hook string) ([]byte, bool, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT s.content
		FROM patch_scripts s
		JOIN patch_versions v ON v.id = s.version_id
		WHERE v.name = ? AND v.version = ? AND s.hook = ?
	`, pv.Name(), pv.Version(), hook).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read script %s of %s: %w", hook, pv, err)
	}
	data, err := decompress(blob)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Requisites returns the requirement intervals declared by pv.
func (r *Registry) Requisites(ctx context.Context, pv version.PatchVersion) ([]version.Interval, error) {
	return r.intervals(ctx, "requisites", pv)
}

// Conflicts returns the conflict intervals declared by pv.
func (r *Registry) Conflicts(ctx context.Context, pv version.PatchVersion) ([]version.Interval, error) {
	return r.intervals(ctx, "conflicts", pv)
}

func (r *Registry) intervals(ctx context.Context, table string, pv version.PatchVersion) ([]version.Interval, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.name, t.op, t.bound
		FROM `+table+` t
		JOIN patch_versions v ON v.id = t.version_id
		WHERE v.name = ? AND v.version = ?
		ORDER BY t.name, t.op, t.bound
	`, pv.Name(), pv.Version())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := []version.Interval{}
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, iv)
	}
	return out, rows.Err()
}

func scanInterval(rows *sql.Rows) (version.Interval, error) {
	var name, op, bound string
	if err := rows.Scan(&name, &op, &bound); err != nil {
		return version.Interval{}, err
	}
	o, err := version.ParseOperator(op)
	if err != nil {
		return version.Interval{}, err
	}
	b, err := version.New(name, bound)
	if err != nil {
		return version.Interval{}, err
	}
	return version.Interval{Op: o, Bound: b}, nil
}

// Constraint is an interval some registered patch version declares
// against another patch.
type Constraint struct {
	Owner    version.PatchVersion
	Interval version.Interval
}

// Dependents returns the requirement intervals of registered patches that
// name pv's patch and include pv.
func (r *Registry) Dependents(ctx context.Context, pv version.PatchVersion) ([]Constraint, error) {
	return r.constraintsIncluding(ctx, "requisites", pv)
}

// ConflictsAgainst returns the conflict intervals of registered patches
// that include pv.
func (r *Registry) ConflictsAgainst(ctx context.Context, pv version.PatchVersion) ([]Constraint, error) {
	return r.constraintsIncluding(ctx, "conflicts", pv)
}

func (r *Registry) constraintsIncluding(ctx context.Context, table string, pv version.PatchVersion) ([]Constraint, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT v.name, v.version, t.name, t.op, t.bound
		FROM `+table+` t
		JOIN patch_versions v ON v.id = t.version_id
		WHERE t.name = ?
		ORDER BY v.name, v.id, t.op, t.bound
	`, pv.Name())
	if err != nil {
		return nil, fmt.Errorf("query %s against %s: %w", table, pv.Name(), err)
	}
	defer rows.Close()

	out := []Constraint{}
	for rows.Next() {
		var ownerName, ownerVersion, name, op, bound string
		if err := rows.Scan(&ownerName, &ownerVersion, &name, &op, &bound); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		owner, err := version.New(ownerName, ownerVersion)
		if err != nil {
			return nil, err
		}
		o, err := version.ParseOperator(op)
		if err != nil {
			return nil, err
		}
		b, err := version.New(name, bound)
		if err != nil {
			return nil, err
		}
		iv := version.Interval{Op: o, Bound: b}
		ok, err := iv.Includes(pv)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, Constraint{Owner: owner, Interval: iv})
		}
	}
	return out, rows.Err()
}

// Vars returns the variables of one kind recorded for pv.
func (r *Registry) Vars(ctx context.Context, pv version.PatchVersion, kind VarKind) (map[string]string, error) {
	table, err := kind.table()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.name, t.value
		FROM `+table+` t
		JOIN patch_versions v ON v.id = t.version_id
		WHERE v.name = ? AND v.version = ?
	`, pv.Name(), pv.Version())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	vars := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		vars[name] = value
	}
	return vars, rows.Err()
}
