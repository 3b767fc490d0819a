package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/version"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.TraceID)
}

func TestOutputFormatter_JSONSuccessWithTrace(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.SuccessWithTrace(map[string]int{"installed": 3}, "attempt-1"))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "attempt-1", resp.TraceID)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("ALREADY_INSTALLED", "patch version already installed", nil)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ALREADY_INSTALLED", resp.Error.Code)
	assert.Equal(t, "patch version already installed", resp.Error.Message)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("All patches valid")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "All patches valid")
}

type fakeReport struct{ lines int }

func (r fakeReport) writeText(w io.Writer) {
	for i := 0; i < r.lines; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}
}

func TestOutputFormatter_TextReport(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(fakeReport{lines: 2}))
	assert.Equal(t, "line 0\nline 1\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("UID_MISMATCH", "installed by a different user", map[string]string{"uid": "0"})
	require.NoError(t, err)
	assert.Equal(t, "Error [UID_MISMATCH]: installed by a different user\n", buf.String())
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	details := map[string]string{"status": "ERROR_POSTINSTALL", "hook": "postinstall"}
	err := formatter.Error("PHASE_FAILED", "lifecycle phase failed", details)
	require.NoError(t, err)
	assert.Equal(t,
		"Error [PHASE_FAILED]: lifecycle phase failed\n  hook: postinstall\n  status: ERROR_POSTINSTALL\n",
		buf.String())
}

func TestOutputFormatter_Fail(t *testing.T) {
	pv := version.MustNew("app", "1.0")

	t.Run("lifecycle_error", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "json", Writer: buf}

		lerr := &lifecycle.Error{
			Code:    lifecycle.CodeRequirementsNotSatisfied,
			Patch:   pv,
			Message: "requirements not satisfied",
			Details: map[string]string{"requires": "base >= 1"},
		}
		err := formatter.Fail("install failed", fmt.Errorf("wrapped: %w", lerr))
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.ErrorIs(t, err, lifecycle.ErrRequirementsNotSatisfied)

		var resp CLIResponse
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
		require.NotNil(t, resp.Error)
		assert.Equal(t, "REQUIREMENTS_NOT_SATISFIED", resp.Error.Code)
		assert.Equal(t, map[string]any{"requires": "base >= 1"}, resp.Error.Details)
	})

	t.Run("other_error", func(t *testing.T) {
		buf := &bytes.Buffer{}
		formatter := &OutputFormatter{Format: "text", Writer: buf}

		err := formatter.Fail("failed to open archive", errors.New("no such file"))
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.Contains(t, buf.String(), "Error [ERROR]: no such file")
	})
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Installing %s", "app-1.0")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Installing app-1.0")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("outer: %w", WrapExitError(ExitFailure, "x", errors.New("y")))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}
