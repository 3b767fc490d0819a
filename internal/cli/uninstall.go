package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/prompt"
	"github.com/jjuanino/clame/internal/version"
)

// UninstallOptions holds flags for the uninstall command.
type UninstallOptions struct {
	*RootOptions
	lifecycle.Options
}

// UninstallResult is the outcome of an uninstall.
type UninstallResult struct {
	Patch    string   `json:"patch"`
	Restored int      `json:"restored"`
	Removed  int      `json:"removed"`
	Failures []string `json:"failures,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r UninstallResult) writeText(w io.Writer) {
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	if len(r.Failures) > 0 {
		fmt.Fprintf(w, "✗ Uninstalled %s, but %d path(s) could not be restored\n", r.Patch, len(r.Failures))
		for _, f := range r.Failures {
			fmt.Fprintf(w, "  %s\n", f)
		}
	} else {
		fmt.Fprintf(w, "✓ Uninstalled %s\n", r.Patch)
	}
	fmt.Fprintf(w, "  restored: %d\n", r.Restored)
	fmt.Fprintf(w, "  removed:  %d\n", r.Removed)
}

// NewUninstallCommand creates the uninstall command.
func NewUninstallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UninstallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "uninstall <patch> <version>",
		Short: "Remove an installed patch version",
		Long: `Remove an installed patch version and restore what it overwrote.

Only the highest installed version of a patch can be removed, and not
while it is the only version satisfying another patch's requirement.
The archive is not needed: removal scripts are kept in the registry.

Example:
  clame uninstall nfs 2.1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUninstall(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.IgnoreRequirements, "ignore-requirements", false, "remove even if other patches require this version")
	cmd.Flags().BoolVar(&opts.IgnoreHigherVersions, "ignore-higher-versions", false, "remove even if a higher version is installed")
	cmd.Flags().BoolVar(&opts.IgnoreUIDMismatch, "ignore-uid-mismatch", false, "remove even if another user installed it")
	cmd.Flags().BoolVar(&opts.AbortOnRestoreError, "abort-on-restore-error", false, "stop at the first path that cannot be restored")

	return cmd
}

func runUninstall(opts *UninstallOptions, name, ver string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	pv, err := version.New(name, ver)
	if err != nil {
		return formatter.Fail("invalid patch version", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		ctx, stop := signalContext(ctx)
		defer stop()

		// Removal never prompts.
		env, err := s.env(&prompt.AnswersFile{})
		if err != nil {
			return formatter.Fail("failed to initialize", err)
		}

		rep, err := env.Uninstall(ctx, pv, opts.Options)
		if err != nil {
			return formatter.Fail("uninstall failed", err)
		}

		res := UninstallResult{
			Patch:    pv.String(),
			Restored: rep.Restore.Restored,
			Removed:  rep.Restore.Removed,
			Warnings: overriddenMessages(rep.Overridden),
		}
		for _, f := range rep.Restore.Failures {
			res.Failures = append(res.Failures, f.Error())
		}
		if err := formatter.Success(res); err != nil {
			return err
		}
		if len(res.Failures) > 0 {
			return NewExitError(ExitFailure, fmt.Sprintf("%d path(s) could not be restored", len(res.Failures)))
		}
		return nil
	})
}
