package pull

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ocitool/ocitool/pkg/contentsink"
	"github.com/ocitool/ocitool/pkg/downloader"
	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/platform"
)

// Workers is the fixed size of the pull pipeline's worker pool.
const Workers = 8

// EventKind classifies a progress Event.
type EventKind int

const (
	EventQueued EventKind = iota
	EventComplete
	EventUnchanged
	EventFailed
	EventNoMatchingPlatform
)

// Event is emitted as the pipeline makes progress, for a caller (typically
// the CLI) to render as per-image status lines.
type Event struct {
	Kind  EventKind
	Image FullImage
	Err   error
}

// Pipeline runs the concurrent pull: one shared LIFO queue of Downloadable
// work items drained by a fixed pool of workers, deduplicating by digest,
// committing every blob into a Sink.
type Pipeline struct {
	downloader *downloader.Downloader
	sink       contentsink.Sink
	matcher    platform.Matcher
	log        *zap.SugaredLogger

	onEvent func(Event)
}

// New builds a Pipeline. onEvent may be nil if the caller doesn't need
// progress notifications.
func New(dl *downloader.Downloader, sink contentsink.Sink, matcher platform.Matcher, log *zap.SugaredLogger, onEvent func(Event)) *Pipeline {
	return &Pipeline{downloader: dl, sink: sink, matcher: matcher, log: log, onEvent: onEvent}
}

func (p *Pipeline) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

// Run pulls every image in images, seeding the dedup set from whatever the
// sink already holds, fanning work out across Workers goroutines, and
// blocking until every reachable digest has been downloaded or every
// in-flight image has failed.
func (p *Pipeline) Run(ctx context.Context, images []ociref.Reference) error {
	existing, err := p.sink.ListExistingDigests(ctx)
	if err != nil {
		return fmt.Errorf("pull: listing existing digests: %w", err)
	}

	st := newState(existing)

	for _, img := range images {
		st.pending[img] = 1
		st.push(Downloadable{Kind: KindIndex, Image: img})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers)

	for i := 0; i < Workers; i++ {
		g.Go(func() error {
			return p.worker(gctx, st)
		})
	}

	return g.Wait()
}

// worker drains the shared queue until it's empty. A worker that empties the
// queue exits; any item it pushes itself is picked up by looping back to pop
// before returning, so no work is lost to a race between "queue looked
// empty" and "a sibling worker is about to push".
func (p *Pipeline) worker(ctx context.Context, st *state) error {
	for {
		item, ok := st.pop()
		if !ok {
			return nil
		}
		p.handle(ctx, st, item)
	}
}

func (p *Pipeline) handle(ctx context.Context, st *state, item Downloadable) {
	switch item.Kind {
	case KindIndex:
		p.handleIndex(ctx, st, item)
	case KindManifest:
		p.handleManifest(ctx, st, item)
	case KindConfig:
		p.handleConfig(ctx, st, item)
	case KindLayer:
		p.handleLayer(ctx, st, item)
	}
}

func (p *Pipeline) handleIndex(ctx context.Context, st *state, item Downloadable) {
	img := item.Image

	body, _, err := p.downloader.DownloadIndexOrManifest(ctx, img, img.Tag)
	if err != nil {
		p.fail(st, img, err)
		return
	}

	digest := ocidigest.FromBytes(body)
	st.addTotal(int64(len(body)))
	st.addDownloaded(int64(len(body)))

	alreadyHad := st.alreadyKnown(digest)
	if !alreadyHad {
		st.markKnown(digest)
	}

	// An image's own index/manifest blob is always committed and the name
	// binding always refreshed, even if the digest was already present —
	// pulling the same tag again must still point the name at the latest
	// digest it resolves to.
	idx, idxErr := ocispec.UnmarshalIndex(body)
	isIndex := idxErr == nil && ocispec.IsIndex(idx.MediaType) && len(idx.Manifests) > 0

	var mediaType string
	labels := map[string]string{contentsink.LabelDistributionSource: img.FullName}

	var directManifest ocispec.Manifest
	var haveDirectManifest bool
	if isIndex {
		mediaType = string(idx.MediaType)
		for i := range idx.Manifests {
			labels[contentsink.GCLabelForIndexManifest(i)] = idx.Manifests[i].Digest.String()
		}
	} else {
		mediaType = string(ocispec.MediaTypeImageManifest)
		if m, mErr := ocispec.UnmarshalManifest(body); mErr == nil {
			directManifest = m
			haveDirectManifest = true
			labels[contentsink.GCLabelForConfig] = m.Config.Digest.String()
			for i, l := range m.Layers {
				labels[contentsink.GCLabelForLayer(i)] = l.Digest.String()
			}
		}
	}

	if err := p.sink.PutContent(ctx, digest, body, labels); err != nil {
		p.fail(st, img, err)
		return
	}

	name := fmt.Sprintf("docker.io/%s:%s", img.FullName, img.Tag)
	if err := p.sink.CreateOrUpdateName(ctx, name, contentsink.Descriptor{MediaType: mediaType, Digest: digest, Size: int64(len(body))}); err != nil {
		p.fail(st, img, err)
		return
	}

	// Every call to handleIndex accounts for exactly one pending slot: the
	// index/manifest item itself. Whatever it discovers underneath (a
	// matched platform manifest, or a config when the tag resolved straight
	// to a manifest) is queued as additional pending work for the same
	// image before this slot is released, so the image is never reported
	// done while a child download is still outstanding.
	var queued bool
	if isIndex {
		found := p.matcher.FindManifest(idx.Manifests)
		if found == nil {
			p.emit(Event{Kind: EventNoMatchingPlatform, Image: img})
		} else if !alreadyHad {
			queued = st.queueIfNotDownloaded(found.Digest, Downloadable{Kind: KindManifest, Image: img, Digest: found.Digest}, img, 0)
		}
	} else if haveDirectManifest && !alreadyHad {
		queued = st.queueIfNotDownloaded(directManifest.Config.Digest, Downloadable{Kind: KindConfig, Image: img, Digest: directManifest.Config.Digest, Layers: layerRefs(directManifest.Layers)}, img, 0)
	}

	// When something was queued, completing this slot nets to zero against
	// the increment queueIfNotDownloaded just made, so done is never true
	// here; the eventual leaf download reports EventComplete instead.
	if done := st.complete(img); !queued && done {
		p.emit(Event{Kind: EventUnchanged, Image: img})
	}
}

func (p *Pipeline) handleManifest(ctx context.Context, st *state, item Downloadable) {
	img := item.Image

	body, _, err := p.downloader.DownloadIndexOrManifest(ctx, img, item.Digest.String())
	if err != nil {
		p.fail(st, img, err)
		return
	}

	st.addTotal(int64(len(body)))
	st.addDownloaded(int64(len(body)))

	m, err := ocispec.UnmarshalManifest(body)
	if err != nil {
		p.fail(st, img, fmt.Errorf("pull: parsing manifest %s: %w", item.Digest, err))
		return
	}

	labels := map[string]string{
		contentsink.LabelDistributionSource: img.FullName,
		contentsink.GCLabelForConfig:         m.Config.Digest.String(),
	}
	for i, l := range m.Layers {
		labels[contentsink.GCLabelForLayer(i)] = l.Digest.String()
	}

	if err := p.sink.PutContent(ctx, item.Digest, body, labels); err != nil {
		p.fail(st, img, err)
		return
	}

	st.queueIfNotDownloaded(m.Config.Digest, Downloadable{Kind: KindConfig, Image: img, Digest: m.Config.Digest, Layers: layerRefs(m.Layers)}, img, 0)

	if done := st.complete(img); done {
		p.emit(Event{Kind: EventComplete, Image: img})
	}
}

func (p *Pipeline) handleConfig(ctx context.Context, st *state, item Downloadable) {
	img := item.Image

	body, err := p.downloader.DownloadConfig(ctx, img, item.Digest)
	if err != nil {
		p.fail(st, img, err)
		return
	}

	st.addTotal(int64(len(body)))
	st.addDownloaded(int64(len(body)))

	cfg, err := ocispec.UnmarshalConfig(body)
	if err != nil {
		p.fail(st, img, fmt.Errorf("pull: parsing config %s: %w", item.Digest, err))
		return
	}

	labels := map[string]string{contentsink.LabelDistributionSource: img.FullName}
	if err := p.sink.PutContent(ctx, item.Digest, body, labels); err != nil {
		p.fail(st, img, err)
		return
	}

	for _, ref := range item.Layers {
		if ref.Index >= len(cfg.RootFS.DiffIDs) {
			continue
		}
		uncompressed, err := ocidigest.Parse(cfg.RootFS.DiffIDs[ref.Index])
		if err != nil {
			continue
		}
		st.queueIfNotDownloaded(ref.Digest, Downloadable{
			Kind:               KindLayer,
			Image:              img,
			Digest:             ref.Digest,
			UncompressedDigest: uncompressed,
		}, img, 0)
	}

	if done := st.complete(img); done {
		p.emit(Event{Kind: EventComplete, Image: img})
	}
}

func (p *Pipeline) handleLayer(ctx context.Context, st *state, item Downloadable) {
	img := item.Image

	labels := map[string]string{contentsink.LabelDistributionSource: img.FullName}
	if item.UncompressedDigest != "" {
		labels[contentsink.LabelUncompressed] = item.UncompressedDigest.String()
	}

	err := p.downloader.DownloadLayerStreaming(ctx, img, item.Digest, func(r io.Reader, size int64) error {
		return p.sink.WriteStreaming(ctx, item.Digest, size, r, labels, func(written int64) {
			st.addDownloaded(written)
		})
	})
	if err != nil {
		p.fail(st, img, err)
		return
	}

	if done := st.complete(img); done {
		p.emit(Event{Kind: EventComplete, Image: img})
	}
}

func (p *Pipeline) fail(st *state, img FullImage, err error) {
	st.complete(img)
	p.emit(Event{Kind: EventFailed, Image: img, Err: err})
}

func layerRefs(layers []ocispec.Descriptor) []LayerRef {
	refs := make([]LayerRef, len(layers))
	for i, l := range layers {
		refs[i] = LayerRef{Digest: l.Digest, Index: i}
	}
	return refs
}
