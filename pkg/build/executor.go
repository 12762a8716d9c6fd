// Package build implements the plan executor: turning a declarative
// ImagePlan into pushed blobs, per-platform manifests, and a top-level
// index, one platform built concurrently per worker.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ocitool/ocitool/pkg/blobcache"
	"github.com/ocitool/ocitool/pkg/codec"
	"github.com/ocitool/ocitool/pkg/downloader"
	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/platform"
	"github.com/ocitool/ocitool/pkg/registryclient"
	"github.com/ocitool/ocitool/pkg/uploader"
)

// DefaultCompressionLevel is the zstd level used for dir-type layers absent
// an explicit override.
const DefaultCompressionLevel = 19

// CompressionLevelFromEnv reads COMPRESSION_LEVEL, falling back to
// DefaultCompressionLevel when unset or unparsable.
func CompressionLevelFromEnv() int {
	v := os.Getenv("COMPRESSION_LEVEL")
	if v == "" {
		return DefaultCompressionLevel
	}
	level, err := strconv.Atoi(v)
	if err != nil {
		return DefaultCompressionLevel
	}
	return level
}

// Executor builds and pushes every platform of a Plan.
type Executor struct {
	client           *registryclient.Client
	downloader       *downloader.Downloader
	uploader         *uploader.Uploader
	log              *zap.SugaredLogger
	compressionLevel int
}

// New builds an Executor using client for authentication and transport, at
// the given zstd compression level. Image-layer sources are fetched through
// the local blob cache at its default location; a cache that fails to open
// just leaves caching disabled for the run.
func New(client *registryclient.Client, log *zap.SugaredLogger, compressionLevel int) *Executor {
	var cache *blobcache.Cache
	if root, err := blobcache.DefaultRoot(); err == nil {
		cache, _ = blobcache.New(root)
	}

	return &Executor{
		client:           client,
		downloader:       downloader.New(client, log, cache),
		uploader:         uploader.New(client, log),
		log:              log,
		compressionLevel: compressionLevel,
	}
}

// Build executes plan, resolving relative layer sources against planDir
// (the plan file's own directory), pushes every platform's manifest
// addressed by its own digest, and pushes a top-level index under every tag.
func (e *Executor) Build(ctx context.Context, plan ocispec.Plan, planDir string) error {
	target, err := ociref.Parse(plan.Name)
	if err != nil {
		return fmt.Errorf("build: parsing plan name %q: %w", plan.Name, err)
	}

	if err := e.loginAll(ctx, plan, target); err != nil {
		return err
	}

	descriptors := make([]ocispec.Descriptor, len(plan.Platforms))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(plan.Platforms))

	for i, pl := range plan.Platforms {
		i, pl := i, pl
		g.Go(func() error {
			d, err := e.buildPlatform(gctx, plan, pl, target, planDir)
			if err != nil {
				return fmt.Errorf("build: platform %s/%s: %w", pl.Architecture, pl.Variant, err)
			}
			descriptors[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	index := ocispec.NewIndex(descriptors)
	indexBytes, err := index.Marshal()
	if err != nil {
		return fmt.Errorf("build: marshaling index: %w", err)
	}

	for _, tag := range plan.Tags {
		if err := e.uploader.PushManifest(ctx, target, tag, string(index.MediaType), indexBytes); err != nil {
			return fmt.Errorf("build: pushing index under tag %q: %w", tag, err)
		}
	}
	return nil
}

// loginAll collects every permission this build needs — Push on the target
// repository, Pull on every image-type layer source — and logs in for each
// up front, so a credential failure surfaces before any bytes move.
func (e *Executor) loginAll(ctx context.Context, plan ocispec.Plan, target ociref.Reference) error {
	if _, err := e.client.Login(target, registryclient.Push); err != nil {
		return fmt.Errorf("build: logging in to push %s: %w", target.FullName, err)
	}

	seen := make(map[string]struct{})
	for _, pl := range plan.Platforms {
		for _, layer := range pl.Layers {
			if layer.Type != ocispec.PlanLayerImage {
				continue
			}
			if _, ok := seen[layer.Source]; ok {
				continue
			}
			seen[layer.Source] = struct{}{}

			srcRef, err := ociref.Parse(layer.Source)
			if err != nil {
				return fmt.Errorf("build: parsing image layer source %q: %w", layer.Source, err)
			}
			if _, err := e.client.Login(srcRef, registryclient.Pull); err != nil {
				return fmt.Errorf("build: logging in to pull %s: %w", srcRef.FullName, err)
			}
		}
	}
	return nil
}

// platformBuild accumulates the layer descriptors, diff IDs, and history
// entries a single platform's build produces, in layer order.
type platformBuild struct {
	layers   []ocispec.Descriptor
	diffIDs  []string
	history  []ocispec.History
}

func (e *Executor) buildPlatform(ctx context.Context, plan ocispec.Plan, pl ocispec.PlanPlatform, target ociref.Reference, planDir string) (ocispec.Descriptor, error) {
	var b platformBuild

	for _, layer := range pl.Layers {
		var err error
		switch layer.Type {
		case ocispec.PlanLayerDirectory:
			err = e.buildDirLayer(ctx, target, planDir, layer, &b)
		case ocispec.PlanLayerTar:
			err = e.buildTarLayer(ctx, target, planDir, layer, &b)
		case ocispec.PlanLayerImage:
			err = e.buildImageLayer(ctx, target, pl, layer, &b)
		default:
			err = fmt.Errorf("unknown layer type %q", layer.Type)
		}
		if err != nil {
			return ocispec.Descriptor{}, err
		}
	}

	mergedPlanConfig := ocispec.MergePlanConfigs(plan.Config, pl.Config)
	runConfig := mergedPlanConfig.ToRunConfig()

	now := time.Now().UTC()
	imgConfig := ocispec.Config{
		Created:      &now,
		Architecture: pl.Architecture,
		OS:           "linux",
		Variant:      pl.Variant,
		Config:       runConfig,
		RootFS:       ocispec.RootFS{Type: "layers", DiffIDs: b.diffIDs},
		History:      b.history,
	}
	configBytes, err := imgConfig.Marshal()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshaling config: %w", err)
	}
	configDigest := ocidigest.FromBytes(configBytes)
	if err := e.uploader.PushBlob(ctx, target, configDigest, configBytes); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pushing config: %w", err)
	}

	manifest := ocispec.NewManifest(
		ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(configBytes))},
		b.layers,
	)
	manifestBytes, err := manifest.Marshal()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("marshaling manifest: %w", err)
	}
	manifestDigest := ocidigest.FromBytes(manifestBytes)
	if err := e.uploader.PushManifest(ctx, target, manifestDigest.String(), string(manifest.MediaType), manifestBytes); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("pushing manifest: %w", err)
	}

	return ocispec.Descriptor{
		MediaType: manifest.MediaType,
		Digest:    manifestDigest,
		Size:      int64(len(manifestBytes)),
		Platform: &ocispec.Platform{
			Architecture: pl.Architecture,
			OS:           "linux",
			Variant:      pl.Variant,
		},
	}, nil
}

// buildDirLayer walks a source directory, tars it in filepath.Walk order,
// zstd-compresses, and pushes the result.
func (e *Executor) buildDirLayer(ctx context.Context, target ociref.Reference, planDir string, layer ocispec.PlanLayer, b *platformBuild) error {
	whitelist, err := codec.CompileFilters(layer.Whitelist)
	if err != nil {
		return fmt.Errorf("compiling whitelist: %w", err)
	}
	blacklist, err := codec.CompileFilters(layer.Blacklist)
	if err != nil {
		return fmt.Errorf("compiling blacklist: %w", err)
	}

	rawTar, err := codec.BuildDirectoryTar(filepath.Join(planDir, layer.Source), whitelist, blacklist)
	if err != nil {
		return fmt.Errorf("building tar for %q: %w", layer.Source, err)
	}
	uncompressedDigest := ocidigest.FromBytes(rawTar)

	compressed, err := codec.CompressZstd(rawTar, e.compressionLevel)
	if err != nil {
		return fmt.Errorf("zstd-compressing %q: %w", layer.Source, err)
	}
	compressedDigest := ocidigest.FromBytes(compressed)

	if err := e.uploader.PushBlob(ctx, target, compressedDigest, compressed); err != nil {
		return fmt.Errorf("pushing layer %q: %w", layer.Source, err)
	}

	b.diffIDs = append(b.diffIDs, uncompressedDigest.String())
	b.layers = append(b.layers, ocispec.Descriptor{
		MediaType: ocispec.MediaTypeLayerTarZstd,
		Digest:    compressedDigest,
		Size:      int64(len(compressed)),
	})
	b.history = append(b.history, ocispec.History{Created: time.Now().UTC(), CreatedBy: layer.Comment, Comment: layer.Comment})
	return nil
}

// buildTarLayer uploads an already-built tar archive unchanged: no
// recompression, so the layer's on-wire digest and its rootfs diff ID are
// the same value.
func (e *Executor) buildTarLayer(ctx context.Context, target ociref.Reference, planDir string, layer ocispec.PlanLayer, b *platformBuild) error {
	data, err := os.ReadFile(filepath.Join(planDir, layer.Source))
	if err != nil {
		return fmt.Errorf("reading %q: %w", layer.Source, err)
	}
	d := ocidigest.FromBytes(data)

	if err := e.uploader.PushBlob(ctx, target, d, data); err != nil {
		return fmt.Errorf("pushing layer %q: %w", layer.Source, err)
	}

	b.diffIDs = append(b.diffIDs, d.String())
	b.layers = append(b.layers, ocispec.Descriptor{
		MediaType: ocispec.MediaTypeLayerTar,
		Digest:    d,
		Size:      int64(len(data)),
	})
	b.history = append(b.history, ocispec.History{Created: time.Now().UTC(), CreatedBy: layer.Comment, Comment: layer.Comment})
	return nil
}

// buildImageLayer pulls an existing image's platform-matched manifest and
// config, re-pushes every one of its layer blobs into the target
// repository, and carries its history and diff IDs forward.
func (e *Executor) buildImageLayer(ctx context.Context, target ociref.Reference, pl ocispec.PlanPlatform, layer ocispec.PlanLayer, b *platformBuild) error {
	srcRef, err := ociref.Parse(layer.Source)
	if err != nil {
		return fmt.Errorf("parsing image source %q: %w", layer.Source, err)
	}

	body, _, err := e.downloader.DownloadIndexOrManifest(ctx, srcRef, srcRef.Tag)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", layer.Source, err)
	}

	manifest, err := e.resolveManifest(ctx, srcRef, pl, body)
	if err != nil {
		return fmt.Errorf("resolving manifest for %s: %w", layer.Source, err)
	}

	configBytes, err := e.downloader.DownloadConfig(ctx, srcRef, manifest.Config.Digest)
	if err != nil {
		return fmt.Errorf("fetching config for %s: %w", layer.Source, err)
	}
	baseConfig, err := ocispec.UnmarshalConfig(configBytes)
	if err != nil {
		return fmt.Errorf("parsing config for %s: %w", layer.Source, err)
	}

	for i, l := range manifest.Layers {
		data, err := e.downloader.DownloadLayerBytes(ctx, srcRef, l.Digest)
		if err != nil {
			return fmt.Errorf("fetching layer %s from %s: %w", l.Digest, layer.Source, err)
		}

		if err := e.uploader.PushBlob(ctx, target, l.Digest, data); err != nil {
			return fmt.Errorf("re-pushing layer %s from %s: %w", l.Digest, layer.Source, err)
		}

		diffID := l.Digest.String()
		if i < len(baseConfig.RootFS.DiffIDs) {
			diffID = baseConfig.RootFS.DiffIDs[i]
		}
		b.diffIDs = append(b.diffIDs, diffID)
		b.layers = append(b.layers, l)
	}

	b.history = append(b.history, baseConfig.History...)
	return nil
}

// resolveManifest follows an index-or-manifest response down to a single
// platform-matched manifest, re-fetching by digest if the tag resolved to an
// index rather than a manifest directly.
func (e *Executor) resolveManifest(ctx context.Context, srcRef ociref.Reference, pl ocispec.PlanPlatform, body []byte) (ocispec.Manifest, error) {
	idx, idxErr := ocispec.UnmarshalIndex(body)
	if idxErr == nil && ocispec.IsIndex(idx.MediaType) && len(idx.Manifests) > 0 {
		matcher := platform.NewWithVariant(pl.Architecture, "linux", pl.Variant)
		found := matcher.FindManifest(idx.Manifests)
		if found == nil {
			return ocispec.Manifest{}, fmt.Errorf("no manifest in %s matches the requested platform", srcRef.FullName)
		}
		manifestBody, _, err := e.downloader.DownloadIndexOrManifest(ctx, srcRef, found.Digest.String())
		if err != nil {
			return ocispec.Manifest{}, err
		}
		return ocispec.UnmarshalManifest(manifestBody)
	}
	return ocispec.UnmarshalManifest(body)
}
