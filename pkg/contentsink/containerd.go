package contentsink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/content"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/leases"
	"github.com/google/uuid"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// ContainerdSink commits content into a real containerd content store,
// under a namespace and an active lease acquired for the lifetime of one
// pull run.
type ContainerdSink struct {
	client    *containerd.Client
	namespace string
	lease     leases.Lease
}

// DialContainerd connects to a containerd socket and acquires a lease under
// namespace, returning a ContainerdSink bound to that lease for the
// lifetime of the run. Call Close to delete the lease when the run ends,
// whether it succeeded or failed — an abandoned lease otherwise pins
// content in containerd's garbage collector forever.
func DialContainerd(ctx context.Context, socketPath, namespace string) (*ContainerdSink, error) {
	client, err := containerd.New(socketPath, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("contentsink: dialing containerd at %s: %w", socketPath, err)
	}

	lease, err := client.LeasesService().Create(ctx,
		leases.WithID(uuid.NewString()),
		leases.WithExpiration(0),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("contentsink: creating lease: %w", err)
	}

	return &ContainerdSink{client: client, namespace: namespace, lease: lease}, nil
}

// Close deletes the sink's lease and disconnects from containerd. Lease
// deletion errors are logged by the caller's choice, not fatal here — a
// best-effort cleanup, matching the "always delete the lease" semantics on
// both success and failure paths.
func (s *ContainerdSink) Close(ctx context.Context) error {
	defer s.client.Close()
	if err := s.client.LeasesService().Delete(ctx, s.lease); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("contentsink: deleting lease %s: %w", s.lease.ID, err)
	}
	return nil
}

func (s *ContainerdSink) ListExistingDigests(ctx context.Context) (map[ocidigest.Digest]struct{}, error) {
	ctx = leases.WithLease(ctx, s.lease.ID)

	out := make(map[ocidigest.Digest]struct{})
	err := s.client.ContentStore().Walk(ctx, func(info content.Info) error {
		d, err := ocidigest.Parse(info.Digest.String())
		if err != nil {
			return nil
		}
		out[d] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("contentsink: listing content: %w", err)
	}
	return out, nil
}

func (s *ContainerdSink) PutContent(ctx context.Context, d ocidigest.Digest, data []byte, labels map[string]string) error {
	ctx = leases.WithLease(ctx, s.lease.ID)

	w, err := s.client.ContentStore().Writer(ctx,
		content.WithRef(d.String()),
		content.WithDescriptor(ociDescriptor(d, int64(len(data)))),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("contentsink: opening writer for %s: %w", d, err)
	}
	defer w.Close()

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("contentsink: writing %s: %w", d, err)
	}

	err = w.Commit(ctx, int64(len(data)), d, content.WithLabels(labels))
	if err != nil && !errdefs.IsAlreadyExists(err) {
		return fmt.Errorf("contentsink: committing %s: %w", d, err)
	}
	return nil
}

func (s *ContainerdSink) WriteStreaming(ctx context.Context, d ocidigest.Digest, size int64, r io.Reader, labels map[string]string, onProgress func(written int64)) error {
	ctx = leases.WithLease(ctx, s.lease.ID)

	w, err := s.client.ContentStore().Writer(ctx,
		content.WithRef(d.String()),
		content.WithDescriptor(ociDescriptor(d, size)),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			io.Copy(io.Discard, r)
			return nil
		}
		return fmt.Errorf("contentsink: opening writer for %s: %w", d, err)
	}
	defer w.Close()

	const chunkSize = 16 << 20
	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("contentsink: streaming write for %s: %w", d, err)
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("contentsink: reading layer stream for %s: %w", d, readErr)
		}
	}

	err = w.Commit(ctx, size, d, content.WithLabels(labels))
	if err != nil && !errdefs.IsAlreadyExists(err) {
		return fmt.Errorf("contentsink: committing %s: %w", d, err)
	}
	return nil
}

func (s *ContainerdSink) CreateOrUpdateName(ctx context.Context, name string, target Descriptor) error {
	ctx = leases.WithLease(ctx, s.lease.ID)

	img := images.Image{
		Name: name,
		Target: ociDescriptorFrom(target),
		CreatedAt: time.Now(),
	}

	_, err := s.client.ImageService().Create(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsAlreadyExists(err) {
		return fmt.Errorf("contentsink: creating image %s: %w", name, err)
	}

	_, err = s.client.ImageService().Update(ctx, img)
	if err != nil {
		return fmt.Errorf("contentsink: updating image %s: %w", name, err)
	}
	return nil
}
