package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/prompt"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	lifecycle.Options
}

// FilesystemResult is the space one filesystem needs and has.
type FilesystemResult struct {
	Filesystem  string `json:"filesystem"`
	RequiredKiB uint64 `json:"required_kib"`
	FreeKiB     uint64 `json:"free_kib"`
}

// CheckResult is the outcome of a successful check.
type CheckResult struct {
	Patch    string             `json:"patch"`
	BaseDir  string             `json:"base_dir"`
	Install  []FilesystemResult `json:"install"`
	Backup   FilesystemResult   `json:"backup"`
	Warnings []string           `json:"warnings,omitempty"`
}

func (r CheckResult) writeText(w io.Writer) {
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	fmt.Fprintf(w, "✓ %s can be installed under %s\n", r.Patch, r.BaseDir)
	for _, fs := range r.Install {
		fmt.Fprintf(w, "  install %-20s %8d KiB required, %8d KiB free\n", fs.Filesystem, fs.RequiredKiB, fs.FreeKiB)
	}
	fmt.Fprintf(w, "  backup  %-20s %8d KiB required, %8d KiB free\n", r.Backup.Filesystem, r.Backup.RequiredKiB, r.Backup.FreeKiB)
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <archive> <patch> [version]",
		Short: "Check whether a patch can be installed",
		Long: `Run every install precondition without changing anything.

Checks the registry (already installed, higher versions, requirements,
conflicts), the install prefix, the archive integrity and the free space
needed for the files and for the backups.

Example:
  clame check ./nfs.clame nfs 2.1 --prefix /opt/alt`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(opts, args[0], args[1], optionalArg(args, 2), cmd)
		},
	}

	addInstallOverrideFlags(cmd.Flags(), &opts.Options)

	return cmd
}

func runCheck(opts *CheckOptions, archivePath, name, ver string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	arc, err := archive.Open(archivePath)
	if err != nil {
		return formatter.Fail("failed to open archive", err)
	}
	pv, err := selectPatch(arc, name, ver)
	if err != nil {
		return formatter.Fail("failed to select patch", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		env, err := s.env(&prompt.AnswersFile{})
		if err != nil {
			return formatter.Fail("failed to initialize", err)
		}
		rep, err := env.Check(ctx, arc, pv, opts.Options)
		if err != nil {
			return formatter.Fail("check failed", err)
		}

		res := CheckResult{
			Patch:   pv.String(),
			BaseDir: rep.Preflight.BaseDir,
			Install: []FilesystemResult{},
			Backup: FilesystemResult{
				Filesystem:  rep.Preflight.Backup.Filesystem,
				RequiredKiB: rep.Preflight.Backup.RequiredKiB,
				FreeKiB:     rep.Preflight.Backup.FreeKiB,
			},
			Warnings: overriddenMessages(rep.Overridden),
		}
		for _, u := range rep.Preflight.Install {
			res.Install = append(res.Install, FilesystemResult(u))
		}
		return formatter.Success(res)
	})
}
