package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/backup"
	"github.com/jjuanino/clame/internal/config"
	"github.com/jjuanino/clame/internal/hook"
	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/manifest"
	"github.com/jjuanino/clame/internal/prompt"
	"github.com/jjuanino/clame/internal/registry"
)

// session is the per-invocation runtime: settings, logging, tracing and
// the opened registry and backup store.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *registry.Registry
	store    *backup.Store

	hookOut io.Writer
	hookErr io.Writer
	closers []func() error
}

// openSession loads the config and opens everything a command needs.
// The caller must Close the session.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*session, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locate home directory: %w", err)
	}

	cfg, err := config.Load(config.Path(opts.Config, home), home, opts.Config != "")
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, hookOut: cmd.OutOrStdout(), hookErr: cmd.ErrOrStderr()}
	if opts.Format == "json" {
		// Keep stdout parseable.
		s.hookOut = cmd.ErrOrStderr()
	}

	if err := s.initLogging(opts, cmd.ErrOrStderr()); err != nil {
		s.Close()
		return nil, err
	}

	if opts.TraceFile != "" {
		shutdown, err := initTracing(opts.TraceFile)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() error { return shutdown(context.WithoutCancel(ctx)) })
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		s.Close()
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	s.registry, err = registry.Open(cfg.DatabasePath, registry.WithBusyTimeout(cfg.BusyTimeout()))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.registry.Close)

	s.store, err = backup.NewStore(cfg.BackupDir)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.logger.Debug("session opened", "database", cfg.DatabasePath, "backup_dir", cfg.BackupDir)
	return s, nil
}

func (s *session) initLogging(opts *RootOptions, stderr io.Writer) error {
	level, err := config.ParseLevel(s.cfg.LogLevel)
	if err != nil {
		return err
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}),
	}

	if s.cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.cfg.LogFile), 0o700); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(s.cfg.LogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		s.closers = append(s.closers, f.Close)
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	s.logger = slog.New(fanout(handlers))
	slog.SetDefault(s.logger)
	return nil
}

// Close releases everything in reverse order of opening.
func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// env builds the lifecycle environment for one operation.
func (s *session) env(p prompt.Prompter) (*lifecycle.Env, error) {
	proc, err := manifest.CurrentProcess()
	if err != nil {
		return nil, err
	}
	runner := hook.NewRunner(s.logger)
	runner.Stdout = s.hookOut
	runner.Stderr = s.hookErr
	return &lifecycle.Env{
		Registry: s.registry,
		Store:    s.store,
		Prompter: p,
		Hooks:    runner,
		Logger:   s.logger,
		Process:  proc,
		EUID:     os.Geteuid(),
	}, nil
}

// prompter picks the answers file when given, the terminal when stdin is
// one, and otherwise a prompter with no answers.
func prompter(answers string) (prompt.Prompter, error) {
	if answers != "" {
		af, err := prompt.LoadAnswers(answers)
		if err != nil {
			return nil, err
		}
		return af, nil
	}
	t, err := prompt.NewTerminal()
	if errors.Is(err, prompt.ErrNotTerminal) {
		return &prompt.AnswersFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// withSession opens a session around fn and maps setup failures to
// ExitCommandError.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := openSession(ctx, opts, cmd)
	if err != nil {
		return newFormatter(opts, cmd).Fail("failed to initialize", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", cerr)
		}
	}()
	return fn(ctx, s)
}
