// Package contentsink abstracts the destination the pull pipeline commits
// downloaded content into. The production implementation talks to a
// containerd content store over its gRPC API; tests use an in-memory
// implementation of the same interface.
package contentsink

import (
	"context"
	"fmt"
	"io"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// Sink is the storage backend the pull pipeline writes into. Every method
// must be safe for concurrent use: the pull pipeline's worker pool calls
// these from multiple goroutines at once.
type Sink interface {
	// ListExistingDigests returns every content digest the sink already
	// holds, used to seed the pull pipeline's dedup set so already-present
	// blobs are never re-downloaded.
	ListExistingDigests(ctx context.Context) (map[ocidigest.Digest]struct{}, error)

	// PutContent commits a small blob (index/manifest/config JSON) in one
	// shot, tagging it with the given GC-reference labels. Returns nil
	// (treated as success) if the content already exists.
	PutContent(ctx context.Context, d ocidigest.Digest, data []byte, labels map[string]string) error

	// WriteStreaming commits a large blob (a layer) by reading it from r in
	// chunks, reporting cumulative bytes written via onProgress after each
	// chunk. Returns nil (treated as success) if the content already
	// exists.
	WriteStreaming(ctx context.Context, d ocidigest.Digest, size int64, r io.Reader, labels map[string]string, onProgress func(written int64)) error

	// CreateOrUpdateName binds a human-readable image name (e.g.
	// "docker.io/library/alpine:3.19") to a target descriptor, creating the
	// binding if absent or updating it in place if the name already exists.
	CreateOrUpdateName(ctx context.Context, name string, target Descriptor) error
}

// Descriptor is the minimal descriptor shape a Sink needs to create or
// update a name binding.
type Descriptor struct {
	MediaType string
	Digest    ocidigest.Digest
	Size      int64
}

// GC reference label conventions, matching the containerd content-store
// convention this toolkit commits against: a label prefixed "containerd.io/gc.ref.content"
// on a blob keeps whatever it points at alive across garbage collection.
const (
	// LabelDistributionSource records which registry a blob was pulled
	// from, for provenance.
	LabelDistributionSource = "containerd.io/distribution.source.docker.io"

	// LabelUncompressed records a layer's uncompressed diff_id, keeping the
	// layer reachable by snapshotters that unpack against that digest rather
	// than the compressed blob digest.
	LabelUncompressed = "containerd.io/uncompressed"

	gcRefPrefix = "containerd.io/gc.ref.content"
)

// GCLabelForIndexManifest returns the GC-reference label key for the i-th
// manifest referenced by an index.
func GCLabelForIndexManifest(i int) string {
	return fmt.Sprintf(gcRefPrefix+".m.%d", i)
}

// GCLabelForLayer returns the GC-reference label key for the i-th layer
// referenced by a manifest.
func GCLabelForLayer(i int) string {
	return fmt.Sprintf(gcRefPrefix+".l.%d", i)
}

// GCLabelForConfig is the GC-reference label key for a manifest's config
// blob.
const GCLabelForConfig = gcRefPrefix + ".config"
