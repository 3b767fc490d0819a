package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jjuanino/clame/internal/backup"
	"github.com/jjuanino/clame/internal/hook"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/prompt"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

var tracer = otel.Tracer("clame.lifecycle")

// HookRunner executes one hook script; *hook.Runner satisfies it.
type HookRunner interface {
	Run(ctx context.Context, req hook.Request) (hook.Result, error)
}

// Options are the operator's overrides for one install or uninstall.
type Options struct {
	IgnoreHigherVersions     bool
	IgnoreRequirements       bool
	IgnoreConflicts          bool
	IgnoreInstalledConflicts bool
	IgnoreUIDMismatch        bool

	// IgnoredPaths are overwritten without being backed up. Relative
	// paths are taken under the install base directory.
	IgnoredPaths []string

	// Prefix overrides the PREFIX the patch declares.
	Prefix string

	AbortOnRestoreError bool
	SkipPreflight       bool
}

// Env carries everything a lifecycle operation touches.
type Env struct {
	Registry *registry.Registry
	Store    *backup.Store
	Prompter prompt.Prompter
	Hooks    HookRunner
	Logger   *slog.Logger

	// Process supplies owner, group and umask fallbacks for schema items.
	Process manifest.Process
	EUID    int

	// NewAttemptID defaults to a UUIDv7.
	NewAttemptID func() (string, error)
}

func (e *Env) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) attemptID() (string, error) {
	if e.NewAttemptID != nil {
		return e.NewAttemptID()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate attempt id: %w", err)
	}
	return id.String(), nil
}

// phase persists st, runs fn and, if fn fails, persists the ERROR_
// counterpart of st. The returned error is always a *Error whose Details
// carry the failed status.
func (e *Env) phase(ctx context.Context, pv version.PatchVersion, st registry.Status, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := tracer.Start(ctx, "lifecycle."+strings.ToLower(st.String()),
		trace.WithAttributes(
			attribute.String("clame.patch", pv.String()),
			attribute.String("clame.status", st.String()),
		),
	)
	defer span.End()

	// Past this point the step is committed.
	ctx = context.WithoutCancel(ctx)

	if err := e.Registry.SetStatus(ctx, pv, st); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return newError(CodePhaseFailed, pv, err, map[string]string{"status": st.String()})
	}
	e.logger().Debug("phase started", "patch", pv.String(), "status", st.String())

	err := fn(ctx)
	if err == nil {
		return nil
	}

	failed := st.Failed()
	if serr := e.Registry.SetStatus(ctx, pv, failed); serr != nil {
		err = errors.Join(err, serr)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger().Error("phase failed", "patch", pv.String(), "status", failed.String(), "error", err)

	var le *Error
	if !errors.As(err, &le) {
		le = newError(CodePhaseFailed, pv, err, nil)
	}
	if le.Details == nil {
		le.Details = map[string]string{}
	}
	le.Details["status"] = failed.String()
	return le
}

// baseDir anchors relative destinations: the operator's prefix, then the
// patch's PREFIX, then the filesystem root.
func baseDir(opts Options, core *manifest.Core) string {
	if opts.Prefix != "" {
		return opts.Prefix
	}
	if p := core.Prefix(); p != "" {
		return p
	}
	return "/"
}

// hookRequest builds the invocation of one stored or packaged script.
func hookRequest(name manifest.Hook, script []byte, info map[string]string, env []string) hook.Request {
	prog, flags := (&manifest.Core{Info: info}).Interpreter()
	return hook.Request{
		Hook:        string(name),
		Script:      script,
		Interpreter: prog,
		Flags:       flags,
		Env:         env,
	}
}

// runHook is a no-op when the patch carries no script for the slot.
func (e *Env) runHook(ctx context.Context, name manifest.Hook, script []byte, info map[string]string, env []string) (hook.Result, error) {
	if script == nil {
		return hook.Result{}, nil
	}
	e.logger().Info("running hook", "hook", string(name))
	return e.Hooks.Run(ctx, hookRequest(name, script, info, env))
}
