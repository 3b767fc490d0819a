// Package hook runs patch hook scripts.
//
// A hook sees only the environment it is given: exported variables from
// checkinstall first, then info variables, then input answers, then
// PREFIX, later layers winning. Its stdin is /dev/null. The path of an
// export file is passed as the first argument and as CLAME_EXPORT_FILE;
// KEY=value lines the script appends there are returned to the caller.
//
// SIGINT, SIGTERM and SIGHUP delivered to the installer while a hook runs
// are forwarded to the hook and reported as KindSignalReceived.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
)

// DefaultInterpreter runs hooks whose patch names no INTERPRETER.
const DefaultInterpreter = "/bin/sh"

// ExportFileVar names the variable holding the export file path.
const ExportFileVar = "CLAME_EXPORT_FILE"

// Request is one hook invocation.
type Request struct {
	Hook        string
	Script      []byte
	Interpreter string
	Flags       []string
	Env         []string
}

// Result is what a successful hook left behind.
type Result struct {
	Exports map[string]string
}

// Runner executes hooks.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	// TempDir holds the script and export files; empty means os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

// NewRunner returns a runner wired to the process stdout and stderr.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}
}

// Env merges variable layers, later layers overriding earlier ones, and
// sets PREFIX last. The result is sorted.
func Env(prefix string, layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, l := range layers {
		for k, v := range l {
			merged[k] = v
		}
	}
	merged["PREFIX"] = prefix

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// Run executes req and blocks until the hook exits. There is no timeout;
// cancelling ctx kills the hook.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	script, err := r.tempFile("hook-"+req.Hook+"-*", req.Script, 0o700)
	if err != nil {
		return Result{}, &Error{Kind: KindExecution, Hook: req.Hook, ExitCode: -1, Err: err}
	}
	defer os.Remove(script)

	exportFile, err := r.tempFile("export-*", nil, 0o600)
	if err != nil {
		return Result{}, &Error{Kind: KindExecution, Hook: req.Hook, ExitCode: -1, Err: err}
	}
	defer os.Remove(exportFile)

	interp := req.Interpreter
	if interp == "" {
		interp = DefaultInterpreter
	}
	args := append(append([]string{}, req.Flags...), script, exportFile)

	cmd := exec.CommandContext(ctx, interp, args...)
	cmd.Env = append(append([]string{}, req.Env...), ExportFileVar+"="+exportFile)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	log := r.logger()
	log.Info("executing hook", "hook", req.Hook, "interpreter", interp)
	log.Debug("hook environment", "hook", req.Hook, "env", strings.Join(req.Env, "\t"))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	if err := cmd.Start(); err != nil {
		return Result{}, &Error{Kind: KindExecution, Hook: req.Hook, ExitCode: -1, Err: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var received os.Signal
wait:
	for {
		select {
		case sig := <-sigs:
			if received == nil {
				received = sig
			}
			log.Warn("forwarding signal to hook", "hook", req.Hook, "signal", sig)
			_ = cmd.Process.Signal(sig)
		case err = <-done:
			break wait
		}
	}

	if received != nil {
		log.Error("signal received while running hook", "hook", req.Hook, "signal", received)
		return Result{}, &Error{Kind: KindSignalReceived, Hook: req.Hook, ExitCode: -1, Signal: received}
	}
	if err := exitError(req.Hook, err); err != nil {
		log.Error("hook failed", "hook", req.Hook, "error", err)
		return Result{}, err
	}

	exports, err := readExports(exportFile)
	if err != nil {
		return Result{}, &Error{Kind: KindExecution, Hook: req.Hook, Err: fmt.Errorf("read exports: %w", err)}
	}
	return Result{Exports: exports}, nil
}

func exitError(hookName string, err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return &Error{Kind: KindAbnormalExit, Hook: hookName, ExitCode: -1, Err: err}
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return &Error{Kind: KindAbnormalExit, Hook: hookName, ExitCode: -1, Signal: ws.Signal(), Err: err}
	}
	if ee.Exited() {
		return &Error{Kind: KindExecution, Hook: hookName, ExitCode: ee.ExitCode()}
	}
	return &Error{Kind: KindAbnormalExit, Hook: hookName, ExitCode: -1, Err: err}
}

func (r *Runner) tempFile(pattern string, content []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(r.TempDir, pattern)
	if err != nil {
		return "", err
	}
	_, werr := f.Write(content)
	cerr := f.Close()
	if err := errors.Join(werr, cerr, os.Chmod(f.Name(), mode)); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
