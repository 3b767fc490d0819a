package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jjuanino/clame/internal/archive"
	"github.com/jjuanino/clame/internal/lifecycle"
	"github.com/jjuanino/clame/internal/version"
)

// signalContext cancels the returned context on SIGINT or SIGTERM. The
// lifecycle only looks at it between phases.
func signalContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Warn("received signal, stopping after the current phase", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}

func addInstallOverrideFlags(fs *pflag.FlagSet, o *lifecycle.Options) {
	fs.BoolVar(&o.IgnoreRequirements, "ignore-requirements", false, "install even if required patches are missing")
	fs.BoolVar(&o.IgnoreConflicts, "ignore-conflicts", false, "install even if a patch this one conflicts with is installed")
	fs.BoolVar(&o.IgnoreInstalledConflicts, "ignore-installed-conflicts", false, "install even if an installed patch conflicts with this one")
	fs.BoolVar(&o.IgnoreHigherVersions, "ignore-higher-versions", false, "install even if a higher version is installed")
	fs.StringArrayVar(&o.IgnoredPaths, "ignore-path", nil, "overwrite this path without backing it up (repeatable)")
	fs.StringVar(&o.Prefix, "prefix", "", "install under this directory instead of the patch PREFIX")
}

// selectPatch finds name in the archive. An empty ver picks the highest
// version the archive carries.
func selectPatch(arc *archive.Reader, name, ver string) (version.PatchVersion, error) {
	if ver != "" {
		pv, err := version.New(name, ver)
		if err != nil {
			return version.PatchVersion{}, err
		}
		return pv, nil
	}
	var candidates []version.PatchVersion
	for _, pv := range arc.Patches() {
		if pv.Name() == name {
			candidates = append(candidates, pv)
		}
	}
	if len(candidates) == 0 {
		return version.PatchVersion{}, fmt.Errorf("%w: no version of %s in %s", archive.ErrPatchNotFound, name, arc.Path())
	}
	return version.Max(candidates)
}

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func overriddenMessages(errs []*lifecycle.Error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}
