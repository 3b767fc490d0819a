package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

// PatchRow is one registered patch version.
type PatchRow struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Status       string `json:"status"`
	Prefix       string `json:"prefix"`
	Description  string `json:"description,omitempty"`
	UID          int    `json:"uid"`
	AttemptID    string `json:"attempt_id,omitempty"`
	RegisteredAt string `json:"registered_at,omitempty"`
}

func rowOf(rec registry.Record) PatchRow {
	row := PatchRow{
		Name:        rec.Patch.Name(),
		Version:     rec.Patch.Version(),
		Status:      rec.Status.String(),
		Prefix:      rec.Prefix,
		Description: rec.Description,
		UID:         rec.UID,
		AttemptID:   rec.AttemptID,
	}
	if !rec.RegisteredAt.IsZero() {
		row.RegisteredAt = rec.RegisteredAt.UTC().Format(time.RFC3339)
	}
	return row
}

// PatchList is the result of list and status.
type PatchList struct {
	Patches []PatchRow `json:"patches"`
}

func (l PatchList) writeText(w io.Writer) {
	if len(l.Patches) == 0 {
		fmt.Fprintln(w, "No patches registered")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tSTATUS\tPREFIX")
	for _, p := range l.Patches {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Status, p.Prefix)
	}
	tw.Flush()
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List registered patch versions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, "", cmd)
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <patch> [version]",
		Short: "Show the lifecycle state of a patch",
		Long: `Show the persisted lifecycle state of every registered version of a
patch, or of one version.

A state starting with ERROR_ names the step that failed. Nothing is
rolled back automatically.`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 2 {
				return runStatus(rootOpts, args[0], args[1], cmd)
			}
			return runList(rootOpts, args[0], cmd)
		},
	}
}

func runList(opts *RootOptions, name string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	return withSession(opts, cmd, func(ctx context.Context, s *session) error {
		recs, err := s.registry.List(ctx)
		if err != nil {
			return formatter.Fail("failed to list patches", err)
		}
		out := PatchList{Patches: []PatchRow{}}
		for _, rec := range recs {
			if name == "" || rec.Patch.Name() == name {
				out.Patches = append(out.Patches, rowOf(rec))
			}
		}
		return formatter.Success(out)
	})
}

func runStatus(opts *RootOptions, name, ver string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	pv, err := version.New(name, ver)
	if err != nil {
		return formatter.Fail("invalid patch version", err)
	}
	return withSession(opts, cmd, func(ctx context.Context, s *session) error {
		rec, err := s.registry.Get(ctx, pv)
		if err != nil {
			return formatter.Fail("failed to read status", notRegistered(pv, err))
		}
		return formatter.Success(PatchList{Patches: []PatchRow{rowOf(rec)}})
	})
}

// PatchInfo is everything the registry keeps about one patch version.
type PatchInfo struct {
	PatchRow
	Requires       []string          `json:"requires"`
	Conflicts      []string          `json:"conflicts"`
	Info           map[string]string `json:"info"`
	InstalledFiles []string          `json:"installed_files"`
	BackedUpFiles  []string          `json:"backed_up_files"`
}

func (p PatchInfo) writeText(w io.Writer) {
	fmt.Fprintf(w, "%s-%s\n", p.Name, p.Version)
	fmt.Fprintf(w, "  status:      %s\n", p.Status)
	fmt.Fprintf(w, "  prefix:      %s\n", p.Prefix)
	if p.Description != "" {
		fmt.Fprintf(w, "  description: %s\n", p.Description)
	}
	fmt.Fprintf(w, "  uid:         %d\n", p.UID)
	list := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(w, "  %s:\n", title)
		for _, it := range items {
			fmt.Fprintf(w, "    %s\n", it)
		}
	}
	list("requires", p.Requires)
	list("conflicts", p.Conflicts)
	if len(p.Info) > 0 {
		keys := make([]string, 0, len(p.Info))
		for k := range p.Info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "  info:")
		for _, k := range keys {
			fmt.Fprintf(w, "    %s=%s\n", k, p.Info[k])
		}
	}
	list("installed files", p.InstalledFiles)
	list("backed up files", p.BackedUpFiles)
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "info <patch> <version>",
		Short:         "Show what the registry knows about a patch version",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, args[0], args[1], cmd)
		},
	}
}

func runInfo(opts *RootOptions, name, ver string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	pv, err := version.New(name, ver)
	if err != nil {
		return formatter.Fail("invalid patch version", err)
	}
	return withSession(opts, cmd, func(ctx context.Context, s *session) error {
		info, err := collectInfo(ctx, s.registry, pv)
		if err != nil {
			return formatter.Fail("failed to read patch", notRegistered(pv, err))
		}
		return formatter.Success(info)
	})
}

func collectInfo(ctx context.Context, reg *registry.Registry, pv version.PatchVersion) (PatchInfo, error) {
	rec, err := reg.Get(ctx, pv)
	if err != nil {
		return PatchInfo{}, err
	}
	out := PatchInfo{
		PatchRow:       rowOf(rec),
		Requires:       []string{},
		Conflicts:      []string{},
		InstalledFiles: []string{},
		BackedUpFiles:  []string{},
	}

	reqs, err := reg.Requisites(ctx, pv)
	if err != nil {
		return PatchInfo{}, err
	}
	for _, iv := range reqs {
		out.Requires = append(out.Requires, iv.String())
	}
	confs, err := reg.Conflicts(ctx, pv)
	if err != nil {
		return PatchInfo{}, err
	}
	for _, iv := range confs {
		out.Conflicts = append(out.Conflicts, iv.String())
	}
	if out.Info, err = reg.Vars(ctx, pv, registry.InfoVars); err != nil {
		return PatchInfo{}, err
	}
	files, err := reg.InstalledFiles(ctx, pv)
	if err != nil {
		return PatchInfo{}, err
	}
	for _, f := range files {
		out.InstalledFiles = append(out.InstalledFiles, fmt.Sprintf("%s %s", f.Type, f.Path))
	}
	saved, err := reg.BackedUpFiles(ctx, pv)
	if err != nil {
		return PatchInfo{}, err
	}
	for _, f := range saved {
		out.BackedUpFiles = append(out.BackedUpFiles, f.Path)
	}
	return out, nil
}

// notRegistered reports a missing registry row with the lifecycle code.
func notRegistered(pv version.PatchVersion, err error) error {
	if errors.Is(err, registry.ErrNotRegistered) {
		return &lifecycle.Error{Code: lifecycle.CodePatchNotRegistered, Patch: pv, Message: "patch version not registered", Err: err}
	}
	return err
}
