package pull

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/contentsink"
	"github.com/ocitool/ocitool/pkg/downloader"
	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/platform"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	return l.Sugar()
}

// fakeRegistry serves manifests keyed by "repo:ref" and blobs keyed by
// digest alone (so the same digest resolves under any repo, matching how
// two images can share a layer).
type fakeRegistry struct {
	mu          sync.Mutex
	manifests   map[string][]byte
	blobs       map[string][]byte
	blobHits    map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		manifests: make(map[string][]byte),
		blobs:     make(map[string][]byte),
		blobHits:  make(map[string]int),
	}
}

func (f *fakeRegistry) putManifest(repo, ref string, data []byte) {
	f.manifests[repo+":"+ref] = data
}

func (f *fakeRegistry) putBlob(digest string, data []byte) {
	f.blobs[digest] = data
}

func (f *fakeRegistry) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.Contains(path, "/manifests/"):
			parts := strings.SplitN(strings.TrimPrefix(path, "/v2/"), "/manifests/", 2)
			data, ok := f.manifests[parts[0]+":"+parts[1]]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case strings.Contains(path, "/blobs/"):
			idx := strings.LastIndex(path, "/blobs/")
			digest := path[idx+len("/blobs/"):]
			data, ok := f.blobs[digest]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			f.mu.Lock()
			f.blobHits[digest]++
			f.mu.Unlock()
			w.Write(data)
		default:
			w.Write([]byte(`{"token":"test"}`))
		}
	}))
}

func (f *fakeRegistry) hits(digest string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blobHits[digest]
}

func buildImage(t *testing.T, reg *fakeRegistry, repo, tag string, sharedLayer, ownLayer []byte) {
	t.Helper()

	layerShared := ocidigest.FromBytes(sharedLayer)
	layerOwn := ocidigest.FromBytes(ownLayer)
	reg.putBlob(layerShared.String(), sharedLayer)
	reg.putBlob(layerOwn.String(), ownLayer)

	cfg := ocispec.Config{
		Architecture: "amd64",
		OS:           "linux",
		RootFS:       ocispec.RootFS{Type: "layers", DiffIDs: []string{layerShared.String(), layerOwn.String()}},
	}
	cfgBytes, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	cfgDigest := ocidigest.FromBytes(cfgBytes)
	reg.putBlob(cfgDigest.String(), cfgBytes)

	manifest := ocispec.NewManifest(
		ocispec.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: cfgDigest, Size: int64(len(cfgBytes))},
		[]ocispec.Descriptor{
			{MediaType: ocispec.MediaTypeLayerTar, Digest: layerShared, Size: int64(len(sharedLayer))},
			{MediaType: ocispec.MediaTypeLayerTar, Digest: layerOwn, Size: int64(len(ownLayer))},
		},
	)
	manifestBytes, err := manifest.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	reg.putManifest(repo, tag, manifestBytes)
}

func TestPipelineDedupsSharedLayerAcrossImages(t *testing.T) {
	reg := newFakeRegistry()
	shared := []byte("shared layer contents")
	buildImage(t, reg, "owner/app", "latest", shared, []byte("app-only layer"))
	buildImage(t, reg, "owner/other", "latest", shared, []byte("other-only layer"))

	server := reg.server(t)
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	dl := downloader.New(client, testLogger(t), nil)
	sink := contentsink.NewMemSink()
	matcher := platform.New()

	pipeline := New(dl, sink, matcher, testLogger(t), nil)

	images := []ociref.Reference{
		{RegistryURL: server.URL, FullName: "owner/app", Service: "svc", Tag: "latest"},
		{RegistryURL: server.URL, FullName: "owner/other", Service: "svc", Tag: "latest"},
	}

	if err := pipeline.Run(context.Background(), images); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	sharedDigest := ocidigest.FromBytes(shared)
	if hits := reg.hits(sharedDigest.String()); hits != 1 {
		t.Errorf("expected the shared layer to be fetched once, got %d fetches", hits)
	}

	if data, ok := sink.Get(sharedDigest); !ok || string(data) != string(shared) {
		t.Error("expected shared layer to be committed to the sink")
	}
}

func TestPipelineCommitsIndexManifestConfigAndLayers(t *testing.T) {
	reg := newFakeRegistry()
	buildImage(t, reg, "owner/app", "latest", []byte("layer one"), []byte("layer two"))

	server := reg.server(t)
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	dl := downloader.New(client, testLogger(t), nil)
	sink := contentsink.NewMemSink()
	matcher := platform.New()

	var events []Event
	var mu sync.Mutex
	pipeline := New(dl, sink, matcher, testLogger(t), func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc", Tag: "latest"}
	if err := pipeline.Run(context.Background(), []ociref.Reference{ref}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := sink.Name(fmt.Sprintf("docker.io/%s:%s", ref.FullName, ref.Tag)); !ok {
		t.Error("expected the image name binding to be created")
	}

	layerOneDigest := ocidigest.FromBytes([]byte("layer one"))
	wantUncompressed := layerOneDigest
	if got := sink.Labels(layerOneDigest)[contentsink.LabelUncompressed]; got != wantUncompressed.String() {
		t.Errorf("layer uncompressed label = %q, want %q", got, wantUncompressed.String())
	}

	var sawComplete bool
	for _, ev := range events {
		if ev.Kind == EventComplete {
			sawComplete = true
		}
		if ev.Kind == EventFailed {
			t.Errorf("unexpected failure event: %v", ev.Err)
		}
	}
	if !sawComplete {
		t.Error("expected at least one completion event")
	}
}

func TestPipelineSkipsAlreadyKnownDigest(t *testing.T) {
	reg := newFakeRegistry()
	buildImage(t, reg, "owner/app", "latest", []byte("layer one"), []byte("layer two"))

	server := reg.server(t)
	defer server.Close()

	client := registryclient.New(testLogger(t), nil)
	dl := downloader.New(client, testLogger(t), nil)
	sink := contentsink.NewMemSink()
	matcher := platform.New()

	ref := ociref.Reference{RegistryURL: server.URL, FullName: "owner/app", Service: "svc", Tag: "latest"}

	pipeline := New(dl, sink, matcher, testLogger(t), nil)
	if err := pipeline.Run(context.Background(), []ociref.Reference{ref}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}

	var events []Event
	pipeline2 := New(dl, sink, matcher, testLogger(t), func(ev Event) {
		events = append(events, ev)
	})
	if err := pipeline2.Run(context.Background(), []ociref.Reference{ref}); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	var sawUnchanged bool
	for _, ev := range events {
		if ev.Kind == EventUnchanged {
			sawUnchanged = true
		}
	}
	if !sawUnchanged {
		t.Error("expected the second pull of an already-present image to report unchanged")
	}
}
