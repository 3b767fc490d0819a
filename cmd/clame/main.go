// Command clame installs and removes file based patches.
package main

import (
	"fmt"
	"os"

	"github.com/jjuanino/clame/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
