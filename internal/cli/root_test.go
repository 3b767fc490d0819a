package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "clame", cmd.Use)
	assert.Contains(t, cmd.Long, "registry")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"install", "uninstall", "check", "status", "list", "info", "pack", "validate"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("config"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("trace-file"))
}

func TestInstallCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	installCmd, _, err := cmd.Find([]string{"install"})
	require.NoError(t, err)

	for _, name := range []string{
		"ignore-requirements", "ignore-conflicts", "ignore-installed-conflicts",
		"ignore-higher-versions", "skip-preflight",
	} {
		f := installCmd.Flags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "false", f.DefValue, name)
	}

	ignorePath := installCmd.Flags().Lookup("ignore-path")
	require.NotNil(t, ignorePath)
	assert.Equal(t, "stringArray", ignorePath.Value.Type())

	require.NotNil(t, installCmd.Flags().Lookup("prefix"))
	require.NotNil(t, installCmd.Flags().Lookup("answers"))
}

func TestUninstallCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	uninstallCmd, _, err := cmd.Find([]string{"uninstall"})
	require.NoError(t, err)

	for _, name := range []string{"ignore-requirements", "ignore-higher-versions", "ignore-uid-mismatch", "abort-on-restore-error"} {
		require.NotNil(t, uninstallCmd.Flags().Lookup(name), name)
	}
	assert.Nil(t, uninstallCmd.Flags().Lookup("prefix"))
}

func TestPackCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	packCmd, _, err := cmd.Find([]string{"pack"})
	require.NoError(t, err)

	outputFlag := packCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
