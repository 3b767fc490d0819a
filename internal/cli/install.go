package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/lifecycle"
)

// InstallOptions holds flags for the install command.
type InstallOptions struct {
	*RootOptions
	lifecycle.Options
	Answers string
}

// InstallResult is the outcome of a successful install.
type InstallResult struct {
	Patch         string   `json:"patch"`
	AttemptID     string   `json:"attempt_id"`
	BaseDir       string   `json:"base_dir"`
	Installed     int      `json:"installed"`
	BackupCopied  int      `json:"backup_copied"`
	BackupSkipped int      `json:"backup_skipped"`
	Warnings      []string `json:"warnings,omitempty"`
}

func (r InstallResult) writeText(w io.Writer) {
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	fmt.Fprintf(w, "✓ Installed %s under %s\n", r.Patch, r.BaseDir)
	fmt.Fprintf(w, "  files:   %d\n", r.Installed)
	fmt.Fprintf(w, "  backup:  %d copied, %d already saved\n", r.BackupCopied, r.BackupSkipped)
	fmt.Fprintf(w, "  attempt: %s\n", r.AttemptID)
}

// NewInstallCommand creates the install command.
func NewInstallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "install <archive> <patch> [version]",
		Short: "Install a patch from an archive",
		Long: `Install a patch version from a clame archive.

Preconditions are checked first: the version must not be installed yet,
no higher version may be installed, requirements must be met and no
conflicting patch may be installed. Files the patch overwrites are saved
before anything is written.

When version is omitted the highest version in the archive is installed.

Example:
  clame install ./nfs.clame nfs 2.1
  clame install ./nfs.clame nfs --prefix /opt/alt --answers answers.yaml`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(opts, args[0], args[1], optionalArg(args, 2), cmd)
		},
	}

	addInstallOverrideFlags(cmd.Flags(), &opts.Options)
	cmd.Flags().StringVar(&opts.Answers, "answers", "", "YAML file answering legal and input prompts")
	cmd.Flags().BoolVar(&opts.SkipPreflight, "skip-preflight", false, "skip the prefix, integrity and free space checks")

	return cmd
}

func runInstall(opts *InstallOptions, archivePath, name, ver string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	arc, err := archive.Open(archivePath)
	if err != nil {
		return formatter.Fail("failed to open archive", err)
	}
	pv, err := selectPatch(arc, name, ver)
	if err != nil {
		return formatter.Fail("failed to select patch", err)
	}
	p, err := prompter(opts.Answers)
	if err != nil {
		return formatter.Fail("failed to set up prompts", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		ctx, stop := signalContext(ctx)
		defer stop()

		env, err := s.env(p)
		if err != nil {
			return formatter.Fail("failed to initialize", err)
		}
		formatter.VerboseLog("Installing %s from %s", pv, archivePath)

		rep, err := env.Install(ctx, arc, pv, opts.Options)
		if err != nil {
			return formatter.Fail("install failed", err)
		}
		return formatter.SuccessWithTrace(InstallResult{
			Patch:         rep.Patch.String(),
			AttemptID:     rep.AttemptID,
			BaseDir:       rep.BaseDir,
			Installed:     len(rep.Installed),
			BackupCopied:  rep.Backup.Copied,
			BackupSkipped: rep.Backup.Skipped,
			Warnings:      overriddenMessages(rep.Overridden),
		}, rep.AttemptID)
	})
}
