package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/archive"
)

// PackOptions holds flags for the pack command.
type PackOptions struct {
	*RootOptions
	Output string
}

// PackResult describes a written archive.
type PackResult struct {
	Archive string   `json:"archive"`
	Patches []string `json:"patches"`
	Blobs   int      `json:"blobs"`
}

func (r PackResult) writeText(w io.Writer) {
	fmt.Fprintf(w, "✓ Packed %d patch(es) into %s\n", len(r.Patches), r.Archive)
	for _, p := range r.Patches {
		fmt.Fprintf(w, "  %s\n", p)
	}
	fmt.Fprintf(w, "  payloads: %d\n", r.Blobs)
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pack -o <archive> <patch-dir>...",
		Short: "Build an archive from patch directories",
		Long: `Build a clame archive from one or more patch directories.

Each directory holds a core.cue manifest and the payload files it
references by digest, anywhere below the directory. Payloads shared by
several patches are stored once.

Example:
  clame pack -o nfs.clame ./nfs-2.0 ./nfs-2.1`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "archive file to write (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runPack(opts *PackOptions, dirs []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	var patches []*patchDir
	var errs []ValidationError
	for _, dir := range dirs {
		pd, verrs, err := validatePath(dir)
		if err != nil {
			return formatter.Fail("failed to read patch", err)
		}
		if pd != nil && pd.dir == "" {
			return formatter.Fail("failed to read patch", fmt.Errorf("%s is not a patch directory", dir))
		}
		errs = append(errs, verrs...)
		if len(verrs) == 0 {
			patches = append(patches, pd)
		}
	}
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}

	res, err := writeArchive(opts.Output, patches, formatter)
	if err != nil {
		return formatter.Fail("failed to write archive", err)
	}
	return formatter.Success(res)
}

// writeArchive writes the archive to a temporary file next to out and
// renames it into place once complete.
func writeArchive(out string, patches []*patchDir, formatter *OutputFormatter) (PackResult, error) {
	res := PackResult{Archive: out, Patches: []string{}}

	tmp, err := os.CreateTemp(filepath.Dir(out), ".clame-pack-*")
	if err != nil {
		return res, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w, err := archive.NewWriter(tmp)
	if err != nil {
		return res, err
	}
	added := make(map[string]bool)
	for _, pd := range patches {
		for _, d := range pd.core.Blobs() {
			if added[d] {
				continue
			}
			data, err := os.ReadFile(pd.payloads[d])
			if err != nil {
				return res, err
			}
			if _, err := w.AddBlob(data); err != nil {
				return res, err
			}
			added[d] = true
		}
		if err := w.AddPatch(pd.src); err != nil {
			return res, fmt.Errorf("%s: %w", pd.dir, err)
		}
		formatter.VerboseLog("Added %s from %s", pd.pv, pd.dir)
		res.Patches = append(res.Patches, pd.pv)
	}
	if err := w.Close(); err != nil {
		return res, err
	}
	if err := tmp.Close(); err != nil {
		return res, err
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return res, err
	}
	res.Blobs = len(added)
	return res, nil
}
