package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/backup"
	"github.com/jjuanino/clame/internal/hook"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

// InstallReport summarizes a finished install.
type InstallReport struct {
	Patch      version.PatchVersion
	AttemptID  string
	BaseDir    string
	Overridden []*Error
	Preflight  Preflight
	Backup     backup.Report
	Installed  []registry.InstalledFile
}

// Install lays pv from arc down on disk.
func (e *Env) Install(ctx context.Context, arc *archive.Reader, pv version.PatchVersion, opts Options) (rep InstallReport, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.install",
		trace.WithAttributes(attribute.String("clame.patch", pv.String())),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rep.Patch = pv
	core, err := e.loadCore(arc, pv)
	if err != nil {
		return rep, err
	}
	rep.Overridden, err = e.checkInstallable(ctx, pv, core, opts)
	if err != nil {
		return rep, err
	}

	rep.BaseDir = baseDir(opts, core)
	items, err := core.Resolve(rep.BaseDir, e.Process)
	if err != nil {
		return rep, err
	}
	if !opts.SkipPreflight {
		if rep.Preflight, err = e.preflight(arc, pv, rep.BaseDir, items, opts); err != nil {
			return rep, err
		}
	}

	if err := e.showLegal(ctx, arc, pv, core); err != nil {
		return rep, err
	}
	inputs, err := e.collectInputs(ctx, core)
	if err != nil {
		return rep, err
	}
	scripts, err := packagedScripts(arc, core)
	if err != nil {
		return rep, err
	}

	if err := ctx.Err(); err != nil {
		return rep, err
	}
	rep.AttemptID, err = e.attemptID()
	if err != nil {
		return rep, err
	}
	span.SetAttributes(attribute.String("clame.attempt_id", rep.AttemptID))
	log := e.logger().With("patch", pv.String(), "attempt_id", rep.AttemptID)

	if err := e.Registry.Register(ctx, registry.Registration{
		Patch:       pv,
		Prefix:      rep.BaseDir,
		Description: core.Description(),
		UID:         e.EUID,
		AttemptID:   rep.AttemptID,
	}); err != nil {
		return rep, err
	}
	log.Info("patch registered", "base_dir", rep.BaseDir)

	res, err := e.runHook(ctx, manifest.HookCheckinstall, scripts[manifest.HookCheckinstall], core.Info,
		hook.Env(rep.BaseDir, core.Info, inputs))
	if err != nil {
		if uerr := e.Registry.Unregister(context.WithoutCancel(ctx), pv); uerr != nil {
			err = errors.Join(err, uerr)
		}
		log.Error("checkinstall failed, registration removed", "error", err)
		return rep, newError(CodePhaseFailed, pv, err, map[string]string{"hook": string(manifest.HookCheckinstall)})
	}
	exports := res.Exports
	if len(exports) > 0 {
		if err := e.Registry.SetVars(ctx, pv, registry.HookVars, exports); err != nil {
			if uerr := e.Registry.Unregister(context.WithoutCancel(ctx), pv); uerr != nil {
				err = errors.Join(err, uerr)
			}
			log.Error("saving hook exports failed, registration removed", "error", err)
			return rep, err
		}
	}
	env := hook.Env(rep.BaseDir, exports, core.Info, inputs)

	err = e.phase(ctx, pv, registry.StatusPreinstall, func(ctx context.Context) error {
		if _, err := e.runHook(ctx, manifest.HookPreinstall, scripts[manifest.HookPreinstall], core.Info, env); err != nil {
			return err
		}
		return checkOwners(pv, items)
	})
	if err != nil {
		return rep, err
	}

	err = e.phase(ctx, pv, registry.StatusBackup, func(ctx context.Context) error {
		rec, err := backup.Build(pv, rep.BaseDir, items, opts.IgnoredPaths)
		if err != nil {
			return err
		}
		if _, err := rec.CheckRoom(e.Store.Root()); err != nil {
			return backupRoomError(pv, err)
		}
		if rep.Backup, err = rec.MakeBackup(ctx, e.Store); err != nil {
			return err
		}
		log.Info("backup done", "copied", rep.Backup.Copied, "skipped", rep.Backup.Skipped)
		return rec.Register(ctx, e.Registry)
	})
	if err != nil {
		return rep, err
	}

	err = e.phase(ctx, pv, registry.StatusSchema, func(ctx context.Context) error {
		var err error
		rep.Installed, err = installSchema(arc, items)
		return err
	})
	if err != nil {
		return rep, err
	}

	err = e.phase(ctx, pv, registry.StatusPostinstall, func(ctx context.Context) error {
		_, err := e.runHook(ctx, manifest.HookPostinstall, scripts[manifest.HookPostinstall], core.Info, env)
		return err
	})
	if err != nil {
		return rep, err
	}

	stored := make(map[string][]byte, len(scripts))
	for h, s := range scripts {
		stored[string(h)] = s
	}
	steps := []struct {
		status registry.Status
		run    func(ctx context.Context) error
	}{
		{registry.StatusRegisterInstalledFiles, func(ctx context.Context) error {
			return e.Registry.SetInstalledFiles(ctx, pv, rep.Installed)
		}},
		{registry.StatusRegisterInstallScripts, func(ctx context.Context) error {
			return e.Registry.SetScripts(ctx, pv, stored)
		}},
		{registry.StatusRegisterRequisites, func(ctx context.Context) error {
			return e.Registry.SetRequisites(ctx, pv, core.Requires)
		}},
		{registry.StatusRegisterConflicts, func(ctx context.Context) error {
			return e.Registry.SetConflicts(ctx, pv, core.Conflicts)
		}},
		{registry.StatusRegisterInputVars, func(ctx context.Context) error {
			return e.Registry.SetVars(ctx, pv, registry.InputVars, inputs)
		}},
		{registry.StatusRegisterInfoVars, func(ctx context.Context) error {
			return e.Registry.SetVars(ctx, pv, registry.InfoVars, core.Info)
		}},
	}
	for _, s := range steps {
		if err := e.phase(ctx, pv, s.status, s.run); err != nil {
			return rep, err
		}
	}

	if err := e.Registry.SetStatus(context.WithoutCancel(ctx), pv, registry.StatusInstalled); err != nil {
		return rep, err
	}
	log.Info("patch installed", "files", len(rep.Installed))
	return rep, nil
}

// showLegal prints the legal notice, if the patch has one, and asks for
// acceptance when the patch requires it.
func (e *Env) showLegal(ctx context.Context, arc *archive.Reader, pv version.PatchVersion, core *manifest.Core) error {
	if core.Legal == "" {
		return nil
	}
	text, err := arc.ReadEntry(archive.BlobEntry(core.Legal))
	if err != nil {
		return newError(CodeIntegrity, pv, err, nil)
	}
	ok, err := e.Prompter.ShowLegal(ctx, string(text), core.RequireAcceptLegal())
	if err != nil {
		return fmt.Errorf("show legal notice: %w", err)
	}
	if !ok {
		return newError(CodeLegalNotAccepted, pv, nil, nil)
	}
	return nil
}

// collectInputs asks for every declared input. A false boolean is left
// out so hooks can test for the variable being set.
func (e *Env) collectInputs(ctx context.Context, core *manifest.Core) (map[string]string, error) {
	answers := make(map[string]string, len(core.Inputs))
	for _, in := range core.Inputs {
		var (
			v   string
			err error
		)
		switch in.Kind {
		case manifest.InputPassword:
			v, err = e.Prompter.Password(ctx, in.Name, in.Prompt)
		case manifest.InputBoolean:
			var b bool
			b, err = e.Prompter.Confirm(ctx, in.Name, in.Prompt)
			if err == nil && !b {
				continue
			}
			v = "true"
		default:
			v, err = e.Prompter.Text(ctx, in.Name, in.Prompt)
		}
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.Name, err)
		}
		answers[in.Name] = v
	}
	return answers, nil
}

// packagedScripts reads every hook the patch declares from the archive
// in one pass.
func packagedScripts(arc *archive.Reader, core *manifest.Core) (map[manifest.Hook][]byte, error) {
	var names []string
	for _, h := range manifest.Hooks {
		if d := core.Hooks[h]; d != "" {
			names = append(names, archive.BlobEntry(d))
		}
	}
	entries, err := arc.ReadEntries(names...)
	if err != nil {
		return nil, fmt.Errorf("read hook scripts: %w", err)
	}
	scripts := map[manifest.Hook][]byte{}
	for _, h := range manifest.Hooks {
		if d := core.Hooks[h]; d != "" {
			scripts[h] = entries[archive.BlobEntry(d)]
		}
	}
	return scripts, nil
}
