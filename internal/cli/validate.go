package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/manifest"
)

// ManifestFile is the name of the manifest inside a patch directory.
const ManifestFile = "core.cue"

// ValidationError is one problem found in a patch directory.
type ValidationError struct {
	File    string `json:"file"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid   bool              `json:"valid"`
	Patches []string          `json:"patches,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <patch-dir>...",
		Short: "Validate patch directories without packing them",
		Long: `Validate the core.cue manifest of each patch directory.

Checks the manifest against the schema and the cross-field rules, and
that every payload it references by digest is present in the directory.
A path to a core.cue file checks the manifest alone.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, paths []string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	var (
		result = ValidationResult{Valid: true}
		errs   []ValidationError
	)
	for _, p := range paths {
		formatter.VerboseLog("Validating %s", p)
		pd, verrs, err := validatePath(p)
		if err != nil {
			return formatter.Fail("failed to read patch", err)
		}
		errs = append(errs, verrs...)
		if pd != nil && len(verrs) == 0 {
			result.Patches = append(result.Patches, pd.pv)
		}
	}

	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	for _, pv := range result.Patches {
		fmt.Fprintf(formatter.Writer, "✓ %s valid\n", pv)
	}
	return nil
}

// patchDir is a parsed patch source directory.
type patchDir struct {
	dir      string
	src      []byte
	core     *manifest.Core
	pv       string
	payloads map[string]string // digest -> file
}

// validatePath checks a patch directory or a lone manifest. I/O failures
// are returned as err; manifest problems as ValidationErrors.
func validatePath(p string) (*patchDir, []ValidationError, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	manifestPath, dir := p, ""
	if info.IsDir() {
		dir = p
		manifestPath = filepath.Join(p, ManifestFile)
	}

	pd, err := loadManifest(manifestPath)
	if err != nil {
		var me *manifest.Error
		if errors.As(err, &me) {
			return nil, []ValidationError{fromManifestError(manifestPath, me)}, nil
		}
		return nil, nil, err
	}
	if dir == "" {
		return pd, nil, nil
	}

	pd.dir = dir
	if pd.payloads, err = scanPayloads(dir); err != nil {
		return nil, nil, err
	}
	var errs []ValidationError
	for _, d := range pd.core.Blobs() {
		if _, ok := pd.payloads[d]; !ok {
			errs = append(errs, ValidationError{
				File:    manifestPath,
				Field:   "payload",
				Message: fmt.Sprintf("no file in %s has digest %s", dir, d),
			})
		}
	}
	return pd, errs, nil
}

func loadManifest(path string) (*patchDir, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	core, err := manifest.Parse(path, src)
	if err != nil {
		return nil, err
	}
	pv, err := core.PatchVersion()
	if err != nil {
		return nil, &manifest.Error{Field: "info", Message: err.Error()}
	}
	return &patchDir{src: src, core: core, pv: pv.String()}, nil
}

// scanPayloads digests every regular file under dir except the manifest.
func scanPayloads(dir string) (map[string]string, error) {
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || path == filepath.Join(dir, ManifestFile) {
			return nil
		}
		digest, err := fsmeta.FileDigest(path)
		if err != nil {
			return err
		}
		if _, dup := out[digest]; !dup {
			out[digest] = path
		}
		return nil
	})
	return out, err
}

func fromManifestError(file string, me *manifest.Error) ValidationError {
	return ValidationError{
		File:    file,
		Field:   me.Field,
		Message: me.Message,
		Line:    lineOf(me),
	}
}

func lineOf(me *manifest.Error) int {
	if me.Pos.IsValid() {
		return me.Pos.Line()
	}
	return 0
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    "INVALID_MANIFEST",
				Message: errs[0].Message,
			},
		}
		if err := json.NewEncoder(formatter.Writer).Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	writeValidationErrors(formatter.Writer, errs)

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}

func writeValidationErrors(w io.Writer, errs []ValidationError) {
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(w, "%s:%d\n", err.File, err.Line)
		} else {
			fmt.Fprintf(w, "%s\n", err.File)
		}
		fmt.Fprintf(w, "  %s: %s\n\n", err.Field, err.Message)
	}
}
