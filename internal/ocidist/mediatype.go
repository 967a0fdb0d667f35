package ocidist

import (
	"mime"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType is a MIME-style string identifying which manifest or config
// schema a document follows.
type MediaType string

const (
	MediaTypeOCIImageIndex   MediaType = ocispec.MediaTypeImageIndex
	MediaTypeOCIManifest     MediaType = ocispec.MediaTypeImageManifest
	MediaTypeOCIImageConfig  MediaType = ocispec.MediaTypeImageConfig
	MediaTypeOCILayer        MediaType = ocispec.MediaTypeImageLayer
	MediaTypeDockerManifest  MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerList      MediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig    MediaType = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip MediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// manifestAcceptOrder is the order in which we advertise the manifest
// formats we understand. The server is free to choose any of them, so the
// response is always decoded according to what the server declared.
var manifestAcceptOrder = []MediaType{
	MediaTypeOCIImageIndex,
	MediaTypeOCIManifest,
	MediaTypeDockerManifest,
	MediaTypeDockerList,
}

func manifestAcceptHeader() string {
	parts := make([]string, len(manifestAcceptOrder))
	for i, mt := range manifestAcceptOrder {
		parts[i] = mt.String()
	}
	return strings.Join(parts, ", ")
}

// parseContentType extracts the media type from a Content-Type header
// value, discarding any parameters such as charset.
func parseContentType(v string) MediaType {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return MediaType(mt)
}

func (mt MediaType) String() string {
	return string(mt)
}

// IsIndex returns true if the media type is one of the multi-platform
// formats, whose body lists other manifests.
func (mt MediaType) IsIndex() bool {
	return mt == MediaTypeOCIImageIndex || mt == MediaTypeDockerList
}

// IsImageManifest returns true if the media type is one of the
// single-platform formats, whose body refers to a config blob and layers.
func (mt MediaType) IsImageManifest() bool {
	return mt == MediaTypeOCIManifest || mt == MediaTypeDockerManifest
}
