package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/codec"
	"github.com/ocitool/ocitool/pkg/downloader"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/platform"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

// rootfsLauncher is the external proot-style chroot tool run hands off to
// once an image is extracted. A rootfs-chroot launcher's internals are out
// of this toolkit's scope; only the handoff is implemented.
const rootfsLauncher = "proot"

func newRunCmd() *cobra.Command {
	var (
		image         string
		volumes       []string
		entrypoint    string
		command       string
		workdir       string
		noMountSystem bool
		noEnsureDNS   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Pull an image, extract it, and launch it in a rootfs-chroot sandbox",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, flush, err := newLogger()
			if err != nil {
				return err
			}
			defer flush()

			rootDir, runCfg, err := pullAndExtract(cmd.Context(), log, image)
			if err != nil {
				return err
			}

			if !noMountSystem {
				if err := bindSystemDirs(rootDir); err != nil {
					return err
				}
				volumes = append(volumes, "/proc", "/sys", "/dev")
			}
			if !noEnsureDNS {
				if err := copyResolvConf(rootDir); err != nil {
					log.Warnw("copying resolv.conf into sandbox", "error", err)
				}
			}

			wd := workdir
			if wd == "" {
				wd = runCfg.WorkingDir
			}

			exe, cmdArgs := launchCommand(runCfg, entrypoint, command)
			return execLauncher(rootDir, wd, volumes, runCfg.Env, exe, cmdArgs)
		},
	}

	cmd.Flags().StringVarP(&image, "image", "i", "", "image to pull and run")
	cmd.Flags().StringArrayVarP(&volumes, "volume", "v", nil, "host:guest bind mount, may be repeated")
	cmd.Flags().StringVarP(&entrypoint, "entrypoint", "e", "", "override the image's entrypoint")
	cmd.Flags().StringVarP(&command, "command", "c", "", "override the image's command")
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "override the image's working directory")
	cmd.Flags().BoolVar(&noMountSystem, "no-mount-system", false, "do not bind /proc, /sys, /dev into the sandbox")
	cmd.Flags().BoolVar(&noEnsureDNS, "no-ensure-dns", false, "do not copy the host's resolv.conf into the sandbox")
	cmd.MarkFlagRequired("image")

	return cmd
}

// pullAndExtract downloads image's matching-platform manifest, config, and
// layers and extracts them in declared order into a fresh temp directory.
func pullAndExtract(ctx context.Context, log *zap.SugaredLogger, image string) (string, ocispec.RunConfig, error) {
	ref, err := ociref.Parse(image)
	if err != nil {
		return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: parsing image %q: %w", image, err)
	}

	client := registryclient.New(log, newCredentialSource())
	dl := downloader.New(client, log, openBlobCache(log))

	manifest, err := resolveManifest(ctx, dl, ref)
	if err != nil {
		return "", ocispec.RunConfig{}, err
	}

	cfgBytes, err := dl.DownloadConfig(ctx, ref, manifest.Config.Digest)
	if err != nil {
		return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: downloading config: %w", err)
	}
	cfg, err := ocispec.UnmarshalConfig(cfgBytes)
	if err != nil {
		return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: parsing config: %w", err)
	}

	rootDir, err := os.MkdirTemp("", "ocitool-run-*")
	if err != nil {
		return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: creating rootfs dir: %w", err)
	}

	for _, layer := range manifest.Layers {
		data, err := dl.DownloadLayerBytes(ctx, ref, layer.Digest)
		if err != nil {
			return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: downloading layer %s: %w", layer.Digest, err)
		}
		format, err := codec.DetectMediaType(data)
		if err != nil {
			return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: detecting layer %s format: %w", layer.Digest, err)
		}
		raw, err := codec.Decompress(data, format)
		if err != nil {
			return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: decompressing layer %s: %w", layer.Digest, err)
		}
		if err := codec.ExtractTar(raw, rootDir); err != nil {
			return "", ocispec.RunConfig{}, fmt.Errorf("ocitool: extracting layer %s: %w", layer.Digest, err)
		}
	}

	var runCfg ocispec.RunConfig
	if cfg.Config != nil {
		runCfg = *cfg.Config
	}
	return rootDir, runCfg, nil
}

// resolveManifest fetches ref's tagged index or manifest and, if it names an
// index, resolves it down to the single manifest matching the host
// platform.
func resolveManifest(ctx context.Context, dl *downloader.Downloader, ref ociref.Reference) (ocispec.Manifest, error) {
	body, contentType, err := dl.DownloadIndexOrManifest(ctx, ref, ref.Tag)
	if err != nil {
		return ocispec.Manifest{}, fmt.Errorf("ocitool: downloading %s: %w", ref.Tag, err)
	}

	if ocispec.IsIndex(ocispec.MediaType(contentType)) {
		idx, err := ocispec.UnmarshalIndex(body)
		if err != nil {
			return ocispec.Manifest{}, fmt.Errorf("ocitool: parsing index: %w", err)
		}
		matched := platform.New().FindManifest(idx.Manifests)
		if matched == nil {
			return ocispec.Manifest{}, fmt.Errorf("ocitool: no manifest in index matches the host platform")
		}
		body, _, err = dl.DownloadIndexOrManifest(ctx, ref, matched.Digest.String())
		if err != nil {
			return ocispec.Manifest{}, fmt.Errorf("ocitool: downloading matched manifest: %w", err)
		}
	}

	return ocispec.UnmarshalManifest(body)
}

// launchCommand resolves the effective entrypoint+cmd, CLI overrides taking
// precedence over the baked-in image config.
func launchCommand(runCfg ocispec.RunConfig, entrypoint, command string) (string, []string) {
	entry := runCfg.Entrypoint
	if entrypoint != "" {
		entry = []string{entrypoint}
	}
	cmd := runCfg.Cmd
	if command != "" {
		cmd = []string{command}
	}
	full := append(append([]string{}, entry...), cmd...)
	if len(full) == 0 {
		return "/bin/sh", nil
	}
	return full[0], full[1:]
}

// bindSystemDirs creates the mount points proot expects to bind /proc,
// /sys, and /dev onto inside rootDir; proot performs the actual binding.
func bindSystemDirs(rootDir string) error {
	for _, dir := range []string{"proc", "sys", "dev"} {
		if err := os.MkdirAll(filepath.Join(rootDir, dir), 0755); err != nil {
			return fmt.Errorf("ocitool: preparing %s mount point: %w", dir, err)
		}
	}
	return nil
}

// copyResolvConf copies the host's /etc/resolv.conf into rootDir so DNS
// resolution works inside the sandbox without a real mount namespace.
func copyResolvConf(rootDir string) error {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return fmt.Errorf("ocitool: reading host resolv.conf: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(rootDir, "etc"), 0755); err != nil {
		return fmt.Errorf("ocitool: preparing etc dir: %w", err)
	}
	return os.WriteFile(filepath.Join(rootDir, "etc", "resolv.conf"), data, 0644)
}

// execLauncher hands the extracted rootfs off to the external proot-style
// launcher. Building a real sandbox runtime is out of this toolkit's scope;
// this only assembles the handoff.
func execLauncher(rootDir, workdir string, volumes []string, env []string, exe string, args []string) error {
	launcherArgs := []string{"-r", rootDir}
	if workdir != "" {
		launcherArgs = append(launcherArgs, "-w", workdir)
	}
	for _, v := range volumes {
		launcherArgs = append(launcherArgs, "-b", v)
	}
	launcherArgs = append(launcherArgs, exe)
	launcherArgs = append(launcherArgs, args...)

	c := exec.Command(rootfsLauncher, launcherArgs...)
	c.Env = append(os.Environ(), env...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
