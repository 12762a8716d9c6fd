package contentsink

import (
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/ocitool/ocitool/pkg/ocidigest"
)

// ociDescriptor builds the minimal OCI descriptor containerd's content and
// image services want as call parameters.
func ociDescriptor(d ocidigest.Digest, size int64) v1.Descriptor {
	return v1.Descriptor{
		Digest: d,
		Size:   size,
	}
}

// ociDescriptorFrom converts our own minimal Descriptor into the OCI
// image-spec shape containerd's image service stores as an Image's Target.
func ociDescriptorFrom(d Descriptor) v1.Descriptor {
	return v1.Descriptor{
		MediaType: d.MediaType,
		Digest:    d.Digest,
		Size:      d.Size,
	}
}
