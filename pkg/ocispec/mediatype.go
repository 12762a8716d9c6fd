package ocispec

import (
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
)

// MediaType is the closed set of content types this toolkit reads and
// writes. Both the OCI image-spec media types and their older
// docker-distribution schema2 equivalents are included, since registries in
// the wild serve either family. The Docker-variant constants are taken
// directly from docker/distribution rather than retyped as string literals,
// so this package can never drift from what that library's own schema2/
// manifestlist types serialize.
type MediaType string

const (
	MediaTypeImageIndex    MediaType = "application/vnd.oci.image.index.v1+json"
	MediaTypeImageManifest MediaType = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeImageConfig   MediaType = "application/vnd.oci.image.config.v1+json"
	MediaTypeLayerTarZstd  MediaType = "application/vnd.oci.image.layer.v1.tar+zstd"
	MediaTypeLayerTarGzip  MediaType = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeLayerTar      MediaType = "application/vnd.oci.image.layer.v1.tar"

	MediaTypeDockerManifest     MediaType = MediaType(schema2.MediaTypeManifest)
	MediaTypeDockerManifestList MediaType = MediaType(manifestlist.MediaTypeManifestList)
	MediaTypeDockerConfig       MediaType = MediaType(schema2.MediaTypeImageConfig)
	MediaTypeDockerLayer        MediaType = MediaType(schema2.MediaTypeLayer)
	MediaTypeDockerLayerTar     MediaType = "application/vnd.docker.image.rootfs.diff.tar"
	MediaTypeDockerLayerZstd    MediaType = "application/vnd.docker.image.rootfs.diff.tar.zstd"
)

// IsIndex reports whether mt names an image index / manifest list.
func IsIndex(mt MediaType) bool {
	return mt == MediaTypeImageIndex || mt == MediaTypeDockerManifestList
}

// IsManifest reports whether mt names a single-platform image manifest.
func IsManifest(mt MediaType) bool {
	return mt == MediaTypeImageManifest || mt == MediaTypeDockerManifest
}

// IsLayer reports whether mt names a filesystem layer blob.
func IsLayer(mt MediaType) bool {
	switch mt {
	case MediaTypeLayerTarZstd, MediaTypeLayerTarGzip, MediaTypeLayerTar,
		MediaTypeDockerLayer, MediaTypeDockerLayerTar, MediaTypeDockerLayerZstd:
		return true
	}
	return false
}

// AcceptHeader is the Accept header value sent when requesting a manifest or
// index, naming every media type this toolkit can parse.
const AcceptHeader = string(MediaTypeImageIndex) + "," +
	string(MediaTypeImageManifest) + "," +
	string(MediaTypeDockerManifestList) + "," +
	string(MediaTypeDockerManifest)
