package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/composefile"
	"github.com/ocitool/ocitool/pkg/config"
	"github.com/ocitool/ocitool/pkg/contentsink"
	"github.com/ocitool/ocitool/pkg/downloader"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/platform"
	"github.com/ocitool/ocitool/pkg/pull"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

func newComposeCmd() *cobra.Command {
	var (
		dir      string
		maxDepth int
	)

	cmd := &cobra.Command{
		Use:   "compose {pull|up}",
		Short: "Discover docker-compose files and pull their images or create their networks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, flush, err := newLogger()
			if err != nil {
				return err
			}
			defer flush()

			cfg, err := config.LoadOptional(config.Path(""))
			if err != nil {
				return fmt.Errorf("ocitool: loading config: %w", err)
			}
			if dir == "" {
				dir = cfg.ComposeDir
			}
			if maxDepth == 0 {
				maxDepth = cfg.ComposeMaxDepth
			}

			projects, err := composefile.Discover(dir, maxDepth, func(path string, err error) {
				log.Warnw("skipping unparsable compose file", "path", path, "error", err)
			})
			if err != nil {
				return fmt.Errorf("ocitool: discovering compose files: %w", err)
			}

			switch args[0] {
			case "pull":
				return composePull(cmd.Context(), log, projects)
			case "up":
				return composeUp(log, projects)
			default:
				return fmt.Errorf("ocitool: unknown compose subcommand %q, want pull or up", args[0])
			}
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory to start compose discovery from")
	cmd.Flags().IntVarP(&maxDepth, "max-depth", "m", 0, "maximum directory depth to search")

	return cmd
}

// composePull drives every discovered project's service images through the
// same concurrent pull pipeline run uses, into the default containerd
// content store.
func composePull(ctx context.Context, log *zap.SugaredLogger, projects []composefile.Project) error {
	images := composefile.Images(projects)
	if len(images) == 0 {
		log.Infow("no images found across discovered compose projects")
		return nil
	}

	refs := make([]ociref.Reference, 0, len(images))
	for _, image := range images {
		ref, err := ociref.Parse(image)
		if err != nil {
			return fmt.Errorf("ocitool: parsing compose image %q: %w", image, err)
		}
		refs = append(refs, ref)
	}

	cfg, err := config.LoadOptional(config.Path(""))
	if err != nil {
		return fmt.Errorf("ocitool: loading config: %w", err)
	}

	sink, err := contentsink.DialContainerd(ctx, cfg.ContainerdSocket, cfg.ContainerdNamespace)
	if err != nil {
		return fmt.Errorf("ocitool: connecting to containerd: %w", err)
	}
	defer sink.Close(ctx)

	client := registryclient.New(log, newCredentialSource())
	dl := downloader.New(client, log, openBlobCache(log))

	verbose := isInteractive()
	pipeline := pull.New(dl, sink, platform.New(), log, func(ev pull.Event) {
		switch ev.Kind {
		case pull.EventQueued:
			if verbose {
				log.Infow("queued image", "image", ev.Image.FullName, "tag", ev.Image.Tag)
			}
		case pull.EventComplete:
			log.Infow("pulled image", "image", ev.Image.FullName, "tag", ev.Image.Tag)
		case pull.EventFailed:
			log.Errorw("pull failed", "image", ev.Image.FullName, "tag", ev.Image.Tag, "error", ev.Err)
		}
	})

	return pipeline.Run(ctx, refs)
}

// composeUp creates every non-external network a discovered project declares
// that nerdctl doesn't already know about.
func composeUp(log *zap.SugaredLogger, projects []composefile.Project) error {
	existing, err := composefile.ListNetworks()
	if err != nil {
		return fmt.Errorf("ocitool: listing nerdctl networks: %w", err)
	}

	toCreate := composefile.NetworksToCreate(projects, existing)
	for name, network := range toCreate {
		log.Infow("creating network", "name", name, "driver", network.Driver)
		if err := composefile.CreateNetwork(name, network); err != nil {
			return fmt.Errorf("ocitool: creating network %s: %w", name, err)
		}
	}
	return nil
}
