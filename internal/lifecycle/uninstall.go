package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jjuanino/clame/internal/backup"
	"github.com/jjuanino/clame/internal/hook"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

// UninstallReport summarizes a finished uninstall.
type UninstallReport struct {
	Patch      version.PatchVersion
	Overridden []*Error
	Restore    backup.RestoreReport
}

// Uninstall puts the files pv touched back the way they were and drops
// its registration. Everything it needs comes from the registry.
func (e *Env) Uninstall(ctx context.Context, pv version.PatchVersion, opts Options) (rep UninstallReport, err error) {
	ctx, span := tracer.Start(ctx, "lifecycle.uninstall",
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
	rec, err := e.Registry.Get(ctx, pv)
	if errors.Is(err, registry.ErrNotRegistered) {
		return rep, newError(CodePatchNotRegistered, pv, nil, nil)
	}
	if err != nil {
		return rep, err
	}
	span.SetAttributes(attribute.String("clame.attempt_id", rec.AttemptID))
	log := e.logger().With("patch", pv.String(), "attempt_id", rec.AttemptID)

	rep.Overridden, err = e.checkRemovable(ctx, pv, rec, opts)
	if err != nil {
		return rep, err
	}

	info, err := e.Registry.Vars(ctx, pv, registry.InfoVars)
	if err != nil {
		return rep, err
	}
	inputs, err := e.Registry.Vars(ctx, pv, registry.InputVars)
	if err != nil {
		return rep, err
	}
	exports, err := e.Registry.Vars(ctx, pv, registry.HookVars)
	if err != nil {
		return rep, err
	}
	env := hook.Env(rec.Prefix, exports, info, inputs)

	err = e.phase(ctx, pv, registry.StatusPreremove, func(ctx context.Context) error {
		return e.runStoredHook(ctx, pv, manifest.HookPreremove, info, env)
	})
	if err != nil {
		return rep, err
	}

	err = e.phase(ctx, pv, registry.StatusRestore, func(ctx context.Context) error {
		brec, ok, err := backup.Load(ctx, e.Registry, pv)
		if err != nil {
			return err
		}
		if !ok {
			log.Warn("no backup record saved, nothing to restore")
			return nil
		}
		rep.Restore, err = backup.Restore(ctx, brec, e.Store, backup.RestoreOptions{
			AbortOnError: opts.AbortOnRestoreError,
			Logger:       log,
		})
		if err != nil {
			return err
		}
		if n := len(rep.Restore.Failures); n > 0 {
			log.Warn("restore finished with failures", "failures", n)
		}
		return nil
	})
	if err != nil {
		return rep, err
	}

	err = e.phase(ctx, pv, registry.StatusPostremove, func(ctx context.Context) error {
		return e.runStoredHook(ctx, pv, manifest.HookPostremove, info, env)
	})
	if err != nil {
		return rep, err
	}

	if err := e.Registry.Unregister(context.WithoutCancel(ctx), pv); err != nil {
		return rep, err
	}
	log.Info("patch uninstalled", "restored", rep.Restore.Restored, "removed", rep.Restore.Removed)
	return rep, nil
}

func (e *Env) runStoredHook(ctx context.Context, pv version.PatchVersion, name manifest.Hook, info map[string]string, env []string) error {
	script, ok, err := e.Registry.Script(ctx, pv, string(name))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = e.runHook(ctx, name, script, info, env)
	return err
}

// checkRemovable runs the uninstall preconditions in order.
func (e *Env) checkRemovable(ctx context.Context, pv version.PatchVersion, rec registry.Record, opts Options) ([]*Error, error) {
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

	fail, err := e.notHighest(ctx, pv)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreHigherVersions, fail); err != nil {
		return nil, err
	}

	fail, err = e.brokenDependents(ctx, pv)
	if err != nil {
		return nil, err
	}
	if err := check(opts.IgnoreRequirements, fail); err != nil {
		return nil, err
	}

	if e.EUID != 0 && e.EUID != rec.UID {
		fail = newError(CodeUIDMismatch, pv, nil, map[string]string{
			"installed_by": strconv.Itoa(rec.UID),
			"euid":         strconv.Itoa(e.EUID),
		})
		if err := check(opts.IgnoreUIDMismatch, fail); err != nil {
			return nil, err
		}
	}
	return overridden, nil
}

func (e *Env) notHighest(ctx context.Context, pv version.PatchVersion) (*Error, error) {
	versions, err := e.Registry.Versions(ctx, pv.Name())
	if err != nil {
		return nil, err
	}
	highest, err := version.Max(versions)
	if err != nil {
		return nil, err
	}
	if highest.Equal(pv) {
		return nil, nil
	}
	return newError(CodeHigherVersionInstalled, pv, nil, map[string]string{"installed": highest.String()}), nil
}

// brokenDependents finds requirements that pv is the only registered
// satisfier of.
func (e *Env) brokenDependents(ctx context.Context, pv version.PatchVersion) (*Error, error) {
	deps, err := e.Registry.Dependents(ctx, pv)
	if err != nil {
		return nil, err
	}
	var broken []string
	for _, d := range deps {
		if d.Owner.Equal(pv) {
			continue
		}
		matches, err := e.registeredIn(ctx, d.Interval)
		if err != nil {
			return nil, err
		}
		if len(matches) == 1 {
			broken = append(broken, fmt.Sprintf("%s (%s)", d.Owner, d.Interval))
		}
	}
	if len(broken) == 0 {
		return nil, nil
	}
	return newError(CodeRequirementsWouldBreak, pv, nil, map[string]string{"required_by": strings.Join(broken, ", ")}), nil
}
