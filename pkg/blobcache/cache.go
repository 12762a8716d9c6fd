// Package blobcache implements a local, content-addressed cache of blobs on
// disk, adapted from the teacher's on-disk registry BlobStore into a
// client-side cache for the pull and build pipelines.
package blobcache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// Cache is an on-disk, content-addressed blob store:
//
//	<root>/blobs/<digest-with-colon-replaced-by-dash>
type Cache struct {
	root string
	mu   sync.RWMutex
}

// DefaultRoot returns "~/.cache/ocitool", expanding the user's home
// directory.
func DefaultRoot() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("blobcache: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".cache", "ocitool"), nil
}

// New opens (creating if necessary) a Cache rooted at root.
func New(root string) (*Cache, error) {
	dir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("blobcache: creating %s: %w", dir, err)
	}
	return &Cache{root: root}, nil
}

func (c *Cache) path(d ocidigest.Digest) string {
	return filepath.Join(c.root, "blobs", ocidigest.Path(d))
}

// Has reports whether a blob is present, and its size if so.
func (c *Cache) Has(d ocidigest.Digest) (exists bool, size int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, err := os.Stat(c.path(d))
	if err != nil {
		return false, 0
	}
	return true, info.Size()
}

// Get returns the raw bytes of a cached blob.
func (c *Cache) Get(d ocidigest.Digest) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path(d))
	if err != nil {
		return nil, fmt.Errorf("blobcache: reading %s: %w", d, err)
	}
	return data, nil
}

// Put stores data under its own digest, verifying it matches d.
func (c *Cache) Put(d ocidigest.Digest, data []byte) error {
	if computed := ocidigest.FromBytes(data); computed != d {
		return fmt.Errorf("blobcache: digest mismatch storing %s: got %s", d, computed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.path(d)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("blobcache: creating directory for %s: %w", d, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("blobcache: writing %s: %w", d, err)
	}
	return nil
}

// PutStream stores a blob read from r, computing its digest as it goes and
// verifying it against expected.
func (c *Cache) PutStream(expected ocidigest.Digest, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("blobcache: reading stream for %s: %w", expected, err)
	}
	return c.Put(expected, data)
}

// Open returns a reader for a cached blob.
func (c *Cache) Open(d ocidigest.Digest) (io.ReadCloser, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.path(d))
	if err != nil {
		return nil, fmt.Errorf("blobcache: opening %s: %w", d, err)
	}
	return f, nil
}
