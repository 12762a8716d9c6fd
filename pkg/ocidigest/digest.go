// Package ocidigest wraps content digests used throughout the toolkit.
//
// Every digest this toolkit produces or consumes is a sha256 digest in the
// "sha256:<hex>" form used by the OCI distribution and image specs.
package ocidigest

import (
	"fmt"
	"io"

	"github.com/opencontainers/go-digest"
)

// Digest is a validated content digest, always algorithm sha256.
type Digest = digest.Digest

// ErrUnsupportedAlgorithm is returned when a digest string names an
// algorithm other than sha256.
var ErrUnsupportedAlgorithm = fmt.Errorf("ocidigest: only sha256 digests are supported")

// FromBytes computes the sha256 digest of data.
func FromBytes(data []byte) Digest {
	return digest.FromBytes(data)
}

// FromReader computes the sha256 digest of everything read from r.
func FromReader(r io.Reader) (Digest, error) {
	return digest.SHA256.FromReader(r)
}

// Parse validates s as a "sha256:<hex>" digest string.
func Parse(s string) (Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("ocidigest: parsing %q: %w", s, err)
	}
	if d.Algorithm() != digest.SHA256 {
		return "", fmt.Errorf("ocidigest: %q: %w", s, ErrUnsupportedAlgorithm)
	}
	return d, nil
}

// Path returns the digest rendered for use as a filesystem path component,
// replacing the algorithm separator so the result contains no colon.
func Path(d Digest) string {
	return fmt.Sprintf("%s-%s", d.Algorithm(), d.Encoded())
}
