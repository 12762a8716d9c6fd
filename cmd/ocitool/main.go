// Command ocitool builds, pushes, pulls, and garbage-collects OCI images.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/ocitool/ocitool/pkg/blobcache"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

var (
	flagUsername string
	flagPassword string
	flagNoCache  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ocitool",
		Short:         "Build, push, pull, and garbage-collect OCI images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagUsername, "username", "", "registry username, overrides DOCKER_USERNAME")
	root.PersistentFlags().StringVar(&flagPassword, "password", "", "registry password, overrides DOCKER_PASSWORD")
	root.PersistentFlags().BoolVar(&flagNoCache, "no-cache", false, "bypass the local blob cache (upload always uses it)")

	root.AddCommand(newUploadCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newComposeCmd())
	root.AddCommand(newCleanupCmd())

	return root
}

// newLogger builds the *zap.SugaredLogger every subcommand threads through
// its collaborators, matching the teacher's one-logger-per-process style.
func newLogger() (*zap.SugaredLogger, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, nil, fmt.Errorf("ocitool: building logger: %w", err)
	}
	return logger.Sugar(), func() { _ = logger.Sync() }, nil
}

// isInteractive reports whether stdout is a terminal, deciding whether
// compose pull also logs a line per queued image or only per-image
// completions and failures.
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// openBlobCache opens the local blob cache at its default location, unless
// --no-cache was passed. A cache that fails to open just disables caching
// for the run rather than failing it.
func openBlobCache(log *zap.SugaredLogger) *blobcache.Cache {
	if flagNoCache {
		return nil
	}
	root, err := blobcache.DefaultRoot()
	if err != nil {
		log.Debugw("resolving blob cache root", "error", err)
		return nil
	}
	cache, err := blobcache.New(root)
	if err != nil {
		log.Debugw("opening blob cache", "error", err)
		return nil
	}
	return cache
}

// newCredentialSource chains, in priority order, the --username/--password
// flags, DOCKER_USERNAME/DOCKER_PASSWORD, the kernel command line's
// dockerlogin= entries, and ~/.docker/config.json.
func newCredentialSource() registryclient.CredentialSource {
	return registryclient.Chain(
		registryclient.FromFlags(flagUsername, flagPassword),
		registryclient.FromEnv(),
		registryclient.NewKernelCmdlineSource(registryclient.SystemLoginFromProc()),
		registryclient.FromDockerConfig(),
	)
}
