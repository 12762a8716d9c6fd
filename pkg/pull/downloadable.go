// Package pull implements the concurrent image-pull pipeline: an 8-worker
// pool draining a shared LIFO queue of work items, deduplicating by digest,
// and committing everything into a content sink.
package pull

import (
	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
)

// Kind discriminates the four Downloadable variants.
type Kind int

const (
	KindIndex Kind = iota
	KindManifest
	KindConfig
	KindLayer
)

// FullImage identifies an image by its parsed reference (registry, full
// repository name, and resolved tag) — the unit a download queue entry,
// completion event, and progress indicator are all reported against.
type FullImage = ociref.Reference

// Downloadable is one unit of pull work. Exactly the fields relevant to
// Kind are populated.
type Downloadable struct {
	Kind  Kind
	Image FullImage

	// Digest is the content digest this item fetches: the resolved
	// manifest/config/layer digest for Manifest/Config/Layer kinds. Index
	// kind entries have no digest yet — the tag is the resolved identity
	// until the index is fetched, because the manifest endpoint accepts
	// digests and tags interchangeably.
	Digest ocidigest.Digest

	// UncompressedDigest is set only for Layer kind: the digest the layer
	// decompresses to, i.e. its entry in config.rootfs.diff_ids. It is
	// used to verify the extracted layer, never to address the download.
	UncompressedDigest ocidigest.Digest

	// Layers carries the manifest's layer descriptor list forward from a
	// Config download to its child Layer downloads, since a Layer
	// downloadable alone cannot recover which diff_id index it corresponds
	// to without it.
	Layers []LayerRef
}

// LayerRef pairs a layer's on-the-wire digest with its position in the
// owning manifest's layer list, used to look up the matching diff_id in the
// manifest's config once the config itself has been downloaded.
type LayerRef struct {
	Digest ocidigest.Digest
	Index  int
}
