package hook

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRunner(t *testing.T) (*Runner, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	return &Runner{Stdout: &out, Stderr: &out, TempDir: t.TempDir()}, &out
}

func TestEnv_Precedence(t *testing.T) {
	env := Env("/opt/app",
		map[string]string{"PATCH_NAME": "from-hook", "EXTRA": "1"},
		map[string]string{"PATCH_NAME": "app", "VERSION": "1.0", "PREFIX": "/ignored"},
		map[string]string{"VERSION": "answer"},
	)
	assert.Equal(t, []string{
		"EXTRA=1",
		"PATCH_NAME=app",
		"PREFIX=/opt/app",
		"VERSION=answer",
	}, env)
}

func TestRun_SeesOnlyGivenEnvironment(t *testing.T) {
	r, out := testRunner(t)
	t.Setenv("CLAME_LEAK", "leaked")

	script := `echo "name=$PATCH_NAME prefix=$PREFIX leak=${CLAME_LEAK:-none}"
read line && echo "stdin=$line" || echo "stdin=eof"
`
	_, err := r.Run(context.Background(), Request{
		Hook:   "postinstall",
		Script: []byte(script),
		Env:    Env("/opt/app", map[string]string{"PATCH_NAME": "app"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "name=app prefix=/opt/app leak=none\nstdin=eof\n", out.String())
}

func TestRun_CollectsExports(t *testing.T) {
	r, _ := testRunner(t)

	script := `echo "DB_HOST=localhost" >> "$1"
echo "lower=skipped" >> "$CLAME_EXPORT_FILE"
echo "DB_PORT=5432" >> "$CLAME_EXPORT_FILE"
echo "DB_PORT=5433" >> "$1"
`
	res, err := r.Run(context.Background(), Request{Hook: "checkinstall", Script: []byte(script)})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DB_HOST": "localhost", "DB_PORT": "5433"}, res.Exports)
}

func TestRun_InterpreterFlags(t *testing.T) {
	r, out := testRunner(t)
	_, err := r.Run(context.Background(), Request{
		Hook:        "preinstall",
		Script:      []byte("echo $-\n"),
		Interpreter: "/bin/sh",
		Flags:       []string{"-e", "-u"},
	})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "e")
	assert.Contains(t, out.String(), "u")
}

func TestRun_NonZeroExit(t *testing.T) {
	r, _ := testRunner(t)
	_, err := r.Run(context.Background(), Request{Hook: "preinstall", Script: []byte("exit 3\n")})

	require.ErrorIs(t, err, ErrHookExecution)
	var he *Error
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 3, he.ExitCode)
	assert.Equal(t, "preinstall", he.Hook)
	assert.Equal(t, "error executing preinstall: exit status 3", err.Error())
}

func TestRun_KilledBySignal(t *testing.T) {
	r, _ := testRunner(t)
	_, err := r.Run(context.Background(), Request{Hook: "postremove", Script: []byte("kill -KILL $$\n")})

	require.ErrorIs(t, err, ErrHookAbnormalExit)
	var he *Error
	require.True(t, errors.As(err, &he))
	assert.Equal(t, syscall.SIGKILL, he.Signal)
}

func TestRun_MissingInterpreter(t *testing.T) {
	r, _ := testRunner(t)
	_, err := r.Run(context.Background(), Request{
		Hook:        "preinstall",
		Script:      []byte("true\n"),
		Interpreter: "/nonexistent/interpreter",
	})
	assert.ErrorIs(t, err, ErrHookExecution)
}

func TestError_KindsAreDistinct(t *testing.T) {
	err := &Error{Kind: KindSignalReceived, Hook: "preremove", Signal: syscall.SIGTERM}
	assert.ErrorIs(t, err, ErrHookSignalReceived)
	assert.NotErrorIs(t, err, ErrHookExecution)
	assert.NotErrorIs(t, err, ErrHookAbnormalExit)
	assert.Equal(t, "preremove ended with signal terminated received", err.Error())
}

func TestParseExports(t *testing.T) {
	in := "A=1\n=bad\n9X=bad\nB_2=two=parts\nnot a var\nA=3\n"
	got, err := parseExports(bufio.NewScanner(strings.NewReader(in)))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "3", "B_2": "two=parts"}, got)
}
