package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/backup"
	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/version"
)

// FilesystemUsage is the space one filesystem must provide.
type FilesystemUsage struct {
	Filesystem  string
	RequiredKiB uint64
	FreeKiB     uint64
}

// Preflight is the outcome of the environment checks.
type Preflight struct {
	BaseDir string
	Install []FilesystemUsage
	Backup  backup.RoomReport
}

// CheckReport is the outcome of Check.
type CheckReport struct {
	Patch      version.PatchVersion
	Overridden []*Error
	Preflight  Preflight
}

// Check runs every install precondition for pv without changing anything.
// Overridable failures the options ignore are returned in the report.
func (e *Env) Check(ctx context.Context, arc *archive.Reader, pv version.PatchVersion, opts Options) (CheckReport, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.check")
	defer span.End()

	rep := CheckReport{Patch: pv}
	core, err := e.loadCore(arc, pv)
	if err != nil {
		return rep, err
	}
	rep.Overridden, err = e.checkInstallable(ctx, pv, core, opts)
	if err != nil {
		return rep, err
	}
	dir := baseDir(opts, core)
	items, err := core.Resolve(dir, e.Process)
	if err != nil {
		return rep, err
	}
	rep.Preflight, err = e.preflight(arc, pv, dir, items, opts)
	return rep, err
}

func (e *Env) loadCore(arc *archive.Reader, pv version.PatchVersion) (*manifest.Core, error) {
	if !arc.Has(pv) {
		return nil, newError(CodePatchNotInArchive, pv, nil, map[string]string{"archive": arc.Path()})
	}
	core, err := arc.Core(pv)
	if err != nil {
		return nil, newError(CodeIntegrity, pv, err, nil)
	}
	if core.NeedSuperuser() && e.EUID != 0 {
		return nil, newError(CodeNeedSuperuser, pv, nil, map[string]string{"euid": strconv.Itoa(e.EUID)})
	}
	return core, nil
}

// checkInstallable runs the registry preconditions in order. The first
// failure that is not overridden is returned.
func (e *Env) checkInstallable(ctx context.Context, pv version.PatchVersion, core *manifest.Core, opts Options) ([]*Error, error) {
	registered, err := e.Registry.IsRegistered(ctx, pv)
	if err != nil {
		return nil, err
	}
	if registered {
		return nil, newError(CodeAlreadyInstalled, pv, nil, nil)
	}

	var overridden []*Error
	check := func(ignore bool, fail *Error) error {
		if fail == nil {
			return nil
		}
		if !ignore {
			return fail
		}
		e.logger().Warn("check failed but ignored", "code", string(fail.Code), "error", fail.Error())
		overridden = append(overridden, fail)
		return nil
	}

	fail, err := e.higherVersions(ctx, pv)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreHigherVersions, fail); err != nil {
		return nil, err
	}

	fail, err = e.unsatisfiedRequirements(ctx, pv, core.Requires)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreRequirements, fail); err != nil {
		return nil, err
	}

	fail, err = e.installedConflicts(ctx, pv, core.Conflicts)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreConflicts, fail); err != nil {
		return nil, err
	}

	fail, err = e.conflictsAgainst(ctx, pv)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreInstalledConflicts, fail); err != nil {
		return nil, err
	}
	return overridden, nil
}

func (e *Env) higherVersions(ctx context.Context, pv version.PatchVersion) (*Error, error) {
	versions, err := e.Registry.Versions(ctx, pv.Name())
	if err != nil {
		return nil, err
	}
	var higher []string
	for _, v := range versions {
		c, err := v.Compare(pv)
		if err != nil {
			return nil, err
		}
		if c >= 0 {
			higher = append(higher, v.String())
		}
	}
	if len(higher) == 0 {
		return nil, nil
	}
	return newError(CodeHigherVersionInstalled, pv, nil, map[string]string{"installed": strings.Join(higher, ", ")}), nil
}

func (e *Env) unsatisfiedRequirements(ctx context.Context, pv version.PatchVersion, reqs []version.Interval) (*Error, error) {
	var missing []string
	for _, iv := range reqs {
		matches, err := e.registeredIn(ctx, iv)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			missing = append(missing, iv.String())
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return newError(CodeRequirementsNotSatisfied, pv, nil, map[string]string{"requires": strings.Join(missing, ", ")}), nil
}

func (e *Env) installedConflicts(ctx context.Context, pv version.PatchVersion, conflicts []version.Interval) (*Error, error) {
	var found []string
	for _, iv := range conflicts {
		matches, err := e.registeredIn(ctx, iv)
		if err != nil {
			return nil, err
		}
		for _, v := range matches {
			found = append(found, fmt.Sprintf("%s (%s)", v, iv))
		}
	}
	if len(found) == 0 {
		return nil, nil
	}
	return newError(CodeInstalledConflicts, pv, nil, map[string]string{"installed": strings.Join(found, ", ")}), nil
}

func (e *Env) conflictsAgainst(ctx context.Context, pv version.PatchVersion) (*Error, error) {
	cs, err := e.Registry.ConflictsAgainst(ctx, pv)
	if err != nil {
		return nil, err
	}
	if len(cs) == 0 {
		return nil, nil
	}
	owners := make([]string, 0, len(cs))
	for _, c := range cs {
		owners = append(owners, fmt.Sprintf("%s (%s)", c.Owner, c.Interval))
	}
	return newError(CodeInstallWouldConflict, pv, nil, map[string]string{"declared_by": strings.Join(owners, ", ")}), nil
}

// registeredIn returns the registered versions included in iv. Versions
// count whatever their status.
func (e *Env) registeredIn(ctx context.Context, iv version.Interval) ([]version.PatchVersion, error) {
	versions, err := e.Registry.Versions(ctx, iv.Name())
	if err != nil {
		return nil, err
	}
	var out []version.PatchVersion
	for _, v := range versions {
		ok, err := iv.Includes(v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

// preflight checks the base directory, the archive payloads and the free
// space needed by the install and by its backups.
func (e *Env) preflight(arc *archive.Reader, pv version.PatchVersion, dir string, items []manifest.Resolved, opts Options) (Preflight, error) {
	pf := Preflight{BaseDir: dir}

	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return pf, newError(CodePrefixNotExists, pv, err, map[string]string{"prefix": dir})
	}

	if err := arc.CheckIntegrity(pv); err != nil {
		return pf, newError(CodeIntegrity, pv, err, nil)
	}

	usage, err := installUsage(arc, items)
	if err != nil {
		return pf, err
	}
	for _, u := range usage {
		if u.RequiredKiB > u.FreeKiB {
			return pf, newError(CodeNoRoomForInstall, pv, nil, map[string]string{
				"filesystem":   u.Filesystem,
				"required_kib": strconv.FormatUint(u.RequiredKiB, 10),
				"free_kib":     strconv.FormatUint(u.FreeKiB, 10),
			})
		}
	}
	pf.Install = usage

	rec, err := backup.Build(pv, dir, items, opts.IgnoredPaths)
	if err != nil {
		return pf, err
	}
	pf.Backup, err = rec.CheckRoom(e.Store.Root())
	if err != nil {
		return pf, backupRoomError(pv, err)
	}
	return pf, nil
}

func backupRoomError(pv version.PatchVersion, err error) error {
	var ise *backup.InsufficientSpaceError
	if errors.As(err, &ise) {
		return newError(CodeNoRoomForBackup, pv, err, map[string]string{
			"filesystem":   ise.Filesystem,
			"required_kib": strconv.FormatUint(ise.RequiredKiB, 10),
			"free_kib":     strconv.FormatUint(ise.FreeKiB, 10),
		})
	}
	return err
}

// installUsage estimates the space each filesystem must provide. A regular
// file costs its payload size rounded up to KiB; any other item costs
// 1 KiB.
func installUsage(arc *archive.Reader, items []manifest.Resolved) ([]FilesystemUsage, error) {
	byMount := map[string]*FilesystemUsage{}
	for _, it := range items {
		mount, err := fsmeta.MountPoint(filepath.Dir(it.Path))
		if err != nil {
			return nil, fmt.Errorf("estimate install size: %w", err)
		}
		u, ok := byMount[mount]
		if !ok {
			free, err := fsmeta.FreeKiB(mount)
			if err != nil {
				return nil, fmt.Errorf("estimate install size: %w", err)
			}
			u = &FilesystemUsage{Filesystem: mount, FreeKiB: free}
			byMount[mount] = u
		}
		cost := uint64(1)
		if it.Type == fsmeta.KindRegular {
			size, ok := arc.Size(archive.BlobEntry(it.Digest))
			if !ok {
				return nil, fmt.Errorf("%w: payload %s of %s", archive.ErrEntryNotFound, it.Digest, it.Destination)
			}
			cost = uint64((size + 1023) / 1024)
		}
		u.RequiredKiB += cost
	}

	out := make([]FilesystemUsage, 0, len(byMount))
	for _, u := range byMount {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filesystem < out[j].Filesystem })
	return out, nil
}

// checkOwners verifies that every owner and group the schema names exists.
// Hooks may create them, so this runs after preinstall.
func checkOwners(pv version.PatchVersion, items []manifest.Resolved) error {
	seenUser := map[string]bool{}
	seenGroup := map[string]bool{}
	for _, it := range items {
		if it.Type == fsmeta.KindSymlink {
			continue
		}
		if it.Owner != "" && !seenUser[it.Owner] {
			seenUser[it.Owner] = true
			if _, err := fsmeta.LookupUID(it.Owner); err != nil {
				return newError(CodeUserNotExists, pv, err, map[string]string{"user": it.Owner})
			}
		}
		if it.Group != "" && !seenGroup[it.Group] {
			seenGroup[it.Group] = true
			if _, err := fsmeta.LookupGID(it.Group); err != nil {
				return newError(CodeGroupNotExists, pv, err, map[string]string{"group": it.Group})
			}
		}
	}
	return nil
}
