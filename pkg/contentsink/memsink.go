package contentsink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// MemSink is an in-memory Sink implementation, used by tests and by any
// caller that wants to exercise the pull pipeline without a real containerd
// socket.
type MemSink struct {
	mu      sync.Mutex
	blobs   map[ocidigest.Digest][]byte
	labels  map[ocidigest.Digest]map[string]string
	names   map[string]Descriptor
}

// NewMemSink builds an empty MemSink.
func NewMemSink() *MemSink {
	return &MemSink{
		blobs:  make(map[ocidigest.Digest][]byte),
		labels: make(map[ocidigest.Digest]map[string]string),
		names:  make(map[string]Descriptor),
	}
}

func (s *MemSink) ListExistingDigests(ctx context.Context) (map[ocidigest.Digest]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[ocidigest.Digest]struct{}, len(s.blobs))
	for d := range s.blobs {
		out[d] = struct{}{}
	}
	return out, nil
}

func (s *MemSink) PutContent(ctx context.Context, d ocidigest.Digest, data []byte, labels map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.blobs[d]; exists {
		return nil
	}
	if computed := ocidigest.FromBytes(data); computed != d {
		return fmt.Errorf("contentsink: digest mismatch: expected %s, got %s", d, computed)
	}
	s.blobs[d] = data
	s.labels[d] = labels
	return nil
}

func (s *MemSink) WriteStreaming(ctx context.Context, d ocidigest.Digest, size int64, r io.Reader, labels map[string]string, onProgress func(written int64)) error {
	s.mu.Lock()
	if _, exists := s.blobs[d]; exists {
		s.mu.Unlock()
		io.Copy(io.Discard, r)
		return nil
	}
	s.mu.Unlock()

	const chunkSize = 16 << 20
	buf := make([]byte, 0, size)
	chunk := make([]byte, chunkSize)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			total += int64(n)
			if onProgress != nil {
				onProgress(total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("contentsink: reading stream for %s: %w", d, err)
		}
	}

	if computed := ocidigest.FromBytes(buf); computed != d {
		return fmt.Errorf("contentsink: digest mismatch: expected %s, got %s", d, computed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[d] = buf
	s.labels[d] = labels
	return nil
}

func (s *MemSink) CreateOrUpdateName(ctx context.Context, name string, target Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = target
	return nil
}

// Get returns a previously committed blob, for test assertions.
func (s *MemSink) Get(d ocidigest.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[d]
	return data, ok
}

// Labels returns the labels a blob was committed with, for test assertions.
func (s *MemSink) Labels(d ocidigest.Digest) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.labels[d]
}

// Name returns a previously bound name's target descriptor, for test
// assertions.
func (s *MemSink) Name(name string) (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.names[name]
	return d, ok
}
