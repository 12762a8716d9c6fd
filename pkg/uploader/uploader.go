// Package uploader performs the write side of the OCI Distribution v2
// protocol: blob-exists dedup, the two-phase blob upload (POST for a
// location, PUT the bytes), and manifest/index PUT.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/ocitool/ocitool/pkg/ocidigest"
	"github.com/ocitool/ocitool/pkg/ociref"
	"github.com/ocitool/ocitool/pkg/registryclient"
)

// Uploader pushes blobs and manifests to one repository.
type Uploader struct {
	client *registryclient.Client
	log    *zap.SugaredLogger

	mu       sync.Mutex
	uploaded map[ocidigest.Digest]struct{}
}

// New builds an Uploader using client for authentication and transport.
func New(client *registryclient.Client, log *zap.SugaredLogger) *Uploader {
	return &Uploader{client: client, log: log, uploaded: make(map[ocidigest.Digest]struct{})}
}

// BlobExists reports whether a blob is already present in the repository,
// checking the in-process record of blobs this Uploader has already
// confirmed or pushed before making a network call.
func (u *Uploader) BlobExists(ctx context.Context, ref ociref.Reference, digest ocidigest.Digest) (bool, error) {
	u.mu.Lock()
	if _, ok := u.uploaded[digest]; ok {
		u.mu.Unlock()
		return true, nil
	}
	u.mu.Unlock()

	url := fmt.Sprintf("%s/blobs/%s", ref.ImageURL(), digest)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("uploader: building HEAD request: %w", err)
	}

	headers, err := u.client.AuthHeaders(ref, registryclient.Push)
	if err != nil {
		return false, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("uploader: HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("uploader: HEAD %s: %s", url, resp.Status)
	}

	exists := resp.StatusCode == http.StatusOK
	if exists {
		u.markUploaded(digest)
	}
	return exists, nil
}

// PushBlob uploads a blob unless it's already present. Dedup is checked
// first via BlobExists; the two-phase upload is POST {repo}/blobs/uploads/
// to obtain a Location, then PUT the blob bytes with ?digest={digest}
// appended.
func (u *Uploader) PushBlob(ctx context.Context, ref ociref.Reference, digest ocidigest.Digest, data []byte) error {
	exists, err := u.BlobExists(ctx, ref, digest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	headers, err := u.client.AuthHeaders(ref, registryclient.Push)
	if err != nil {
		return err
	}

	postURL := fmt.Sprintf("%s/blobs/uploads/", ref.ImageURL())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, nil)
	if err != nil {
		return fmt.Errorf("uploader: building upload-init request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: POST %s: %w", postURL, err)
	}
	location := resp.Header.Get("Location")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || location == "" {
		return fmt.Errorf("uploader: POST %s: unexpected response %s", postURL, resp.Status)
	}

	putURL, err := resolveLocation(ref, location, digest)
	if err != nil {
		return err
	}

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("uploader: building PUT request: %w", err)
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	putReq.ContentLength = int64(len(data))
	for k, v := range headers {
		putReq.Header[k] = v
	}

	putResp, err := u.client.Do(putReq)
	if err != nil {
		return fmt.Errorf("uploader: PUT %s: %w", putURL, err)
	}
	defer putResp.Body.Close()

	if putResp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(putResp.Body)
		return fmt.Errorf("uploader: PUT %s: %s: %s", putURL, putResp.Status, string(body))
	}

	u.markUploaded(digest)
	return nil
}

// resolveLocation appends the digest query parameter to a (possibly
// relative) Location header value, resolving it against the registry root
// if it's a path rather than an absolute URL.
func resolveLocation(ref ociref.Reference, location string, digest ocidigest.Digest) (string, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("uploader: parsing Location header %q: %w", location, err)
	}
	if !loc.IsAbs() {
		base, err := url.Parse(ref.RegistryURL)
		if err != nil {
			return "", fmt.Errorf("uploader: parsing registry URL %q: %w", ref.RegistryURL, err)
		}
		loc = base.ResolveReference(loc)
	}
	q := loc.Query()
	q.Set("digest", digest.String())
	loc.RawQuery = q.Encode()
	return loc.String(), nil
}

// PushManifest PUTs manifest data (an Index or a Manifest, serialized by the
// caller) as the given tag, with the given content type.
func (u *Uploader) PushManifest(ctx context.Context, ref ociref.Reference, tag, contentType string, data []byte) error {
	putURL := fmt.Sprintf("%s/manifests/%s", ref.ImageURL(), tag)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, putURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("uploader: building manifest PUT request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	headers, err := u.client.AuthHeaders(ref, registryclient.Push)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: PUT %s: %w", putURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("uploader: PUT %s: %s: %s", putURL, resp.Status, string(body))
	}
	return nil
}

func (u *Uploader) markUploaded(digest ocidigest.Digest) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploaded[digest] = struct{}{}
}
