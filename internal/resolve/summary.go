package resolve

import (
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ImageSummary describes one platform-specific image reachable from a tag.
type ImageSummary struct {
	// Digest is the digest of the platform-specific manifest, not of its
	// config blob.
	Digest       digest.Digest `json:"digest"`
	Author       string        `json:"author"`
	OS           string        `json:"os"`
	Architecture string        `json:"architecture"`

	// TotalSize is the sum of the layer sizes declared in the manifest.
	TotalSize uint64 `json:"total_size"`
}

// Origin records which manifest a config blob was reached through.
type Origin struct {
	ManifestDigest digest.Digest
	TotalSize      uint64
}

// Summarize combines a config blob with the manifest it was reached through.
func Summarize(origin Origin, config *ocispec.Image) ImageSummary {
	return ImageSummary{
		Digest:       origin.ManifestDigest,
		Author:       config.Author,
		OS:           config.OS,
		Architecture: config.Architecture,
		TotalSize:    origin.TotalSize,
	}
}
