// Package codec builds and extracts OCI layer blobs: tar archives,
// optionally gzip- or zstd-compressed, with whiteout-file reconciliation.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/containerd/stargz-snapshotter/estargz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	tarMagic  = []byte("ustar")
)

// ErrUnknownFormat is returned by DetectMediaType when the buffer matches
// none of the recognized layer formats.
var ErrUnknownFormat = fmt.Errorf("codec: unrecognized layer format")

// Format names the compression applied to a layer's tar stream.
type Format int

const (
	// FormatTar is an uncompressed tar stream.
	FormatTar Format = iota
	// FormatTarGzip is a gzip-compressed tar stream.
	FormatTarGzip
	// FormatTarZstd is a zstd-compressed tar stream.
	FormatTarZstd
)

// DetectMediaType inspects the leading bytes of buf and reports which layer
// format it is: gzip's 0x1F 0x8B magic, zstd's 0x28 B5 2F FD magic, or a
// plain tar stream's "ustar" marker at byte offset 257. Returns
// ErrUnknownFormat if none match.
func DetectMediaType(buf []byte) (Format, error) {
	if bytes.HasPrefix(buf, gzipMagic) {
		return FormatTarGzip, nil
	}
	if bytes.HasPrefix(buf, zstdMagic) {
		return FormatTarZstd, nil
	}
	if len(buf) >= 257+5 && bytes.Equal(buf[257:257+5], tarMagic) {
		return FormatTar, nil
	}
	return 0, ErrUnknownFormat
}

// IsEStargz reports whether a gzip-compressed buffer carries an eStargz
// table of contents, informationally flagging layers that support lazy
// pulling. It never returns an error for non-eStargz gzip layers — those
// are simply ordinary gzip layers.
func IsEStargz(buf []byte) bool {
	r := bytes.NewReader(buf)
	_, err := estargz.Open(io.NewSectionReader(r, 0, int64(len(buf))))
	return err == nil
}
