// Package downloader performs the read side of the OCI Distribution v2
// protocol: fetching indexes, manifests, configs, and layers, including the
// chunked streaming path layers use when committed directly into a content
// sink.
package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/blobcache"
	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/ocispec"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

// Downloader fetches blobs from one registry client's auth domain, serving
// manifest/config/layer reads through a local blob cache when one is
// configured.
type Downloader struct {
	client *registryclient.Client
	log    *zap.SugaredLogger
	cache  *blobcache.Cache
}

// New builds a Downloader using client for authentication and transport. A
// nil cache disables cache-through reads and writes entirely.
func New(client *registryclient.Client, log *zap.SugaredLogger, cache *blobcache.Cache) *Downloader {
	return &Downloader{client: client, log: log, cache: cache}
}

// cacheGet returns the cached bytes for d, or ok=false if caching is
// disabled or the blob isn't present.
func (d *Downloader) cacheGet(digest ocidigest.Digest) (data []byte, ok bool) {
	if d.cache == nil {
		return nil, false
	}
	exists, _ := d.cache.Has(digest)
	if !exists {
		return nil, false
	}
	data, err := d.cache.Get(digest)
	if err != nil {
		return nil, false
	}
	return data, true
}

// cachePut writes data into the cache keyed by digest. Failures are
// best-effort and never surfaced: a cache-write failure must not abort the
// download it's shadowing.
func (d *Downloader) cachePut(digest ocidigest.Digest, data []byte) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Put(digest, data); err != nil {
		d.log.Debugw("caching blob", "digest", digest, "error", err)
	}
}

// DownloadIndexOrManifest fetches the manifest endpoint for a tag or digest
// and returns the raw body along with the reported Content-Type, since the
// response may be either an Index or a directly-returned single-platform
// Manifest (a registry is free to serve either for an ambiguous tag). Only a
// digest-qualified fetch is cache-through: a tag is mutable, so its response
// is never cached or served from cache.
func (d *Downloader) DownloadIndexOrManifest(ctx context.Context, ref ociref.Reference, tagOrDigest string) (body []byte, contentType string, err error) {
	url := fmt.Sprintf("%s/manifests/%s", ref.ImageURL(), tagOrDigest)

	digest, digestErr := ocidigest.Parse(tagOrDigest)
	if digestErr != nil {
		return d.get(ctx, ref, url, ocispec.AcceptHeader)
	}

	if cached, ok := d.cacheGet(digest); ok {
		return cached, "", nil
	}

	body, contentType, err = d.get(ctx, ref, url, ocispec.AcceptHeader)
	if err != nil {
		return nil, "", err
	}
	d.cachePut(digest, body)
	return body, contentType, nil
}

// DownloadConfig fetches a config blob by digest, cache-through.
func (d *Downloader) DownloadConfig(ctx context.Context, ref ociref.Reference, digest ocidigest.Digest) ([]byte, error) {
	if cached, ok := d.cacheGet(digest); ok {
		return cached, nil
	}

	url := fmt.Sprintf("%s/blobs/%s", ref.ImageURL(), digest)
	body, _, err := d.get(ctx, ref, url, string(ocispec.MediaTypeImageConfig))
	if err != nil {
		return nil, err
	}
	d.cachePut(digest, body)
	return body, nil
}

// get performs one authenticated GET and returns the body and Content-Type.
// A non-2xx status is returned as an error; there is no retry.
func (d *Downloader) get(ctx context.Context, ref ociref.Reference, url, accept string) ([]byte, string, error) {
	resp, err := d.doGet(ctx, ref, url, accept, registryclient.Pull)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("downloader: reading response from %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("downloader: GET %s: %s", url, resp.Status)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func (d *Downloader) doGet(ctx context.Context, ref ociref.Reference, url, accept string, permission registryclient.Permission) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("downloader: building request for %s: %w", url, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	headers, err := d.client.AuthHeaders(ref, permission)
	if err == nil {
		for k, v := range headers {
			req.Header[k] = v
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: GET %s: %w", url, err)
	}
	return resp, nil
}

// DownloadLayerStreaming fetches a layer blob and hands the response body and
// its Content-Length to write, which does the reading (and any chunking or
// progress reporting). The blob cache is not consulted.
func (d *Downloader) DownloadLayerStreaming(ctx context.Context, ref ociref.Reference, digest ocidigest.Digest, write func(r io.Reader, size int64) error) error {
	url := fmt.Sprintf("%s/blobs/%s", ref.ImageURL(), digest)

	resp, err := d.doGet(ctx, ref, url, "", registryclient.Pull)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("downloader: GET %s: %s", url, resp.Status)
	}

	return write(resp.Body, resp.ContentLength)
}

// DownloadLayerBytes fetches a whole layer blob into memory, cache-through.
// Callers that stream a layer straight into a content sink use
// DownloadLayerStreaming instead; this is for callers (the build executor's
// image-layer re-push, and run's rootfs extraction) that need the full blob
// in hand.
func (d *Downloader) DownloadLayerBytes(ctx context.Context, ref ociref.Reference, digest ocidigest.Digest) ([]byte, error) {
	if cached, ok := d.cacheGet(digest); ok {
		return cached, nil
	}

	var data []byte
	err := d.DownloadLayerStreaming(ctx, ref, digest, func(r io.Reader, size int64) error {
		read, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		data = read
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.cachePut(digest, data)
	return data, nil
}
