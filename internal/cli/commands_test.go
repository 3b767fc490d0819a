package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jjuanino/clame/internal/fsmeta"
	"github.com/jjuanino/clame/internal/registry"
	"github.com/jjuanino/clame/internal/version"
)

// workspace is a throwaway installer home: a config file whose registry,
// backup store and log live next to it.
type workspace struct {
	dir    string
	config string
	base   string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{
		dir:    dir,
		config: filepath.Join(dir, "config.yaml"),
		base:   filepath.Join(dir, "root"),
	}
	require.NoError(t, os.MkdirAll(ws.base, 0o755))
	require.NoError(t, os.WriteFile(ws.config, []byte(
		"database_path: clame.db\nbackup_dir: save\nlog_file: clame.log\nlog_level: warn\n",
	), 0o644))
	return ws
}

// run executes the root command with the workspace config.
func (ws *workspace) run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func (ws *workspace) openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(ws.dir, "clame.db"))
	require.NoError(t, err)
	return reg
}

// writePatchDir lays out a patch source directory with one config file.
func writePatchDir(t *testing.T, root, name, ver, content string) string {
	t.Helper()
	dir := filepath.Join(root, name+"-"+ver)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "payload"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "payload", "app.conf"), []byte(content), 0o644))

	core := fmt.Sprintf(`info: {
	PATCH_NAME:  %q
	VERSION:     %q
	DESCRIPTION: "demo patch"
}
defaults: {dir: {mode: "0755"}, notdir: {mode: "0644"}}
schema: [
	{type: "d", destination: "etc"},
	{type: "f", destination: "etc/app.conf", digest: %q},
]
`, name, ver, fsmeta.Digest([]byte(content)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(core), 0o644))
	return dir
}

func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func TestPackInstallListUninstall(t *testing.T) {
	ws := newWorkspace(t)
	src := t.TempDir()
	dir := writePatchDir(t, src, "app", "1.0", "new=1\n")
	arc := filepath.Join(ws.dir, "app.clame")

	// Existing file the patch overwrites.
	require.NoError(t, os.MkdirAll(filepath.Join(ws.base, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws.base, "etc", "app.conf"), []byte("old=1\n"), 0o600))

	out, _, err := ws.run(t, "pack", "-o", arc, dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Packed 1 patch(es)")
	assert.Contains(t, out, "app-1.0")

	out, _, err = ws.run(t, "--format", "json", "install", arc, "app", "--prefix", ws.base)
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.TraceID)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "app-1.0", data["patch"])
	assert.EqualValues(t, 2, data["installed"])
	assert.EqualValues(t, 1, data["backup_copied"])

	got, err := os.ReadFile(filepath.Join(ws.base, "etc", "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "new=1\n", string(got))

	out, _, err = ws.run(t, "--format", "json", "list")
	require.NoError(t, err)
	rows := decodeResponse(t, out).Data.(map[string]any)["patches"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "INSTALLED", rows[0].(map[string]any)["status"])
	assert.Equal(t, ws.base, rows[0].(map[string]any)["prefix"])

	out, _, err = ws.run(t, "uninstall", "app", "1.0")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Uninstalled app-1.0")

	got, err = os.ReadFile(filepath.Join(ws.base, "etc", "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "old=1\n", string(got))

	out, _, err = ws.run(t, "list")
	require.NoError(t, err)
	assert.Equal(t, "No patches registered\n", out)
}

func TestInstallTwiceReportsLifecycleCode(t *testing.T) {
	ws := newWorkspace(t)
	arc := filepath.Join(ws.dir, "app.clame")
	_, _, err := ws.run(t, "pack", "-o", arc, writePatchDir(t, t.TempDir(), "app", "1.0", "x\n"))
	require.NoError(t, err)

	_, _, err = ws.run(t, "install", arc, "app", "1.0", "--prefix", ws.base)
	require.NoError(t, err)

	out, _, err := ws.run(t, "--format", "json", "install", arc, "app", "1.0", "--prefix", ws.base)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, "ALREADY_INSTALLED", resp.Error.Code)
}

func TestInstallPicksHighestArchiveVersion(t *testing.T) {
	ws := newWorkspace(t)
	src := t.TempDir()
	arc := filepath.Join(ws.dir, "app.clame")
	_, _, err := ws.run(t, "pack", "-o", arc,
		writePatchDir(t, src, "app", "1.9", "a\n"),
		writePatchDir(t, src, "app", "1.10", "b\n"))
	require.NoError(t, err)

	out, _, err := ws.run(t, "--format", "json", "install", arc, "app", "--prefix", ws.base)
	require.NoError(t, err)
	assert.Equal(t, "app-1.10", decodeResponse(t, out).Data.(map[string]any)["patch"])
}

func TestCheckDoesNotRegister(t *testing.T) {
	ws := newWorkspace(t)
	arc := filepath.Join(ws.dir, "app.clame")
	_, _, err := ws.run(t, "pack", "-o", arc, writePatchDir(t, t.TempDir(), "app", "1.0", "x\n"))
	require.NoError(t, err)

	out, _, err := ws.run(t, "check", arc, "app", "1.0", "--prefix", ws.base)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ app-1.0 can be installed under "+ws.base)

	out, _, err = ws.run(t, "--format", "json", "status", "app")
	require.NoError(t, err)
	assert.Empty(t, decodeResponse(t, out).Data.(map[string]any)["patches"])

	_, _, err = ws.run(t, "check", arc, "app", "1.0", "--prefix", filepath.Join(ws.dir, "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestStatusNotRegistered(t *testing.T) {
	ws := newWorkspace(t)

	out, _, err := ws.run(t, "status", "ghost", "1.0")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [PATCH_NOT_REGISTERED]")
}

func TestValidate(t *testing.T) {
	src := t.TempDir()
	good := writePatchDir(t, src, "app", "1.0", "x\n")

	t.Run("valid", func(t *testing.T) {
		ws := newWorkspace(t)
		out, _, err := ws.run(t, "validate", good)
		require.NoError(t, err)
		assert.Equal(t, "✓ app-1.0 valid\n", out)
	})

	t.Run("missing_payload", func(t *testing.T) {
		ws := newWorkspace(t)
		dir := writePatchDir(t, t.TempDir(), "app", "2.0", "y\n")
		require.NoError(t, os.Remove(filepath.Join(dir, "payload", "app.conf")))

		out, _, err := ws.run(t, "validate", dir)
		require.Error(t, err)
		assert.Equal(t, ExitFailure, GetExitCode(err))
		assert.Contains(t, out, "✗ Validation failed")
		assert.Contains(t, out, "payload: no file in "+dir)
	})

	t.Run("bad_manifest", func(t *testing.T) {
		ws := newWorkspace(t)
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(
			"info: {\n\tPATCH_NAME: \"bad name\"\n\tVERSION: \"1\"\n\tDESCRIPTION: \"x\"\n}\n",
		), 0o644))

		out, _, err := ws.run(t, "--format", "json", "validate", dir)
		require.Error(t, err)
		resp := decodeResponse(t, out)
		assert.Equal(t, "INVALID_MANIFEST", resp.Error.Code)
		errs := resp.Data.(map[string]any)["errors"].([]any)
		require.Len(t, errs, 1)
		assert.Equal(t, filepath.Join(dir, ManifestFile), errs[0].(map[string]any)["file"])
	})
}

func TestPackRefusesInvalidDir(t *testing.T) {
	ws := newWorkspace(t)
	dir := writePatchDir(t, t.TempDir(), "app", "1.0", "x\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "payload", "app.conf")))
	arc := filepath.Join(ws.dir, "app.clame")

	_, _, err := ws.run(t, "pack", "-o", arc, dir)
	require.Error(t, err)
	assert.NoFileExists(t, arc)
}

// seedRegistry registers a patch version directly so text output is
// stable across machines.
func seedRegistry(t *testing.T, ws *workspace) {
	t.Helper()
	ctx := context.Background()
	reg := ws.openRegistry(t)
	defer reg.Close()

	pv := version.MustNew("app", "1.0")
	require.NoError(t, reg.Register(ctx, registry.Registration{
		Patch:       pv,
		Prefix:      "/opt/app",
		Description: "demo app",
		UID:         1000,
		AttemptID:   "attempt-1",
	}))

	requires, err := version.ParseInterval("base >= 1")
	require.NoError(t, err)
	conflicts, err := version.ParseInterval("old > 2")
	require.NoError(t, err)
	require.NoError(t, reg.SetRequisites(ctx, pv, []version.Interval{requires}))
	require.NoError(t, reg.SetConflicts(ctx, pv, []version.Interval{conflicts}))
	require.NoError(t, reg.SetVars(ctx, pv, registry.InfoVars, map[string]string{
		"PATCH_NAME": "app",
		"VERSION":    "1.0",
	}))
	require.NoError(t, reg.SetInstalledFiles(ctx, pv, []registry.InstalledFile{
		{Path: "/opt/app/etc/app.conf", Type: fsmeta.KindRegular},
		{Path: "/opt/app/etc", Type: fsmeta.KindDirectory},
	}))
	require.NoError(t, reg.SaveBackup(ctx, pv, []byte("{}"), []registry.BackedUpFile{
		{Path: "/opt/app/etc/app.conf", Digest: fsmeta.Digest([]byte("old"))},
	}))
	require.NoError(t, reg.SetStatus(ctx, pv, registry.StatusInstalled))

	broken := version.MustNew("tool", "2.3")
	require.NoError(t, reg.Register(ctx, registry.Registration{Patch: broken, Prefix: "/", UID: 1000}))
	require.NoError(t, reg.SetStatus(ctx, broken, registry.StatusPostinstall.Failed()))
}

func TestTextOutputGolden(t *testing.T) {
	ws := newWorkspace(t)
	seedRegistry(t, ws)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	tests := []struct {
		name string
		args []string
	}{
		{"list", []string{"list"}},
		{"status_app", []string{"status", "app"}},
		{"info_app", []string{"info", "app", "1.0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := ws.run(t, tt.args...)
			require.NoError(t, err)
			g.Assert(t, tt.name, []byte(out))
		})
	}
}
