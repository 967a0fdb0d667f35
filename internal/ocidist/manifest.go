package ocidist

import (
	"encoding/json"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Manifest is a manifest document as returned by a registry.
//
// The set of implementations is closed: a Manifest is always exactly one of
// *Index, *ImageManifest, or *UnknownManifest. Callers should use a type
// switch covering all three.
type Manifest interface {
	// ManifestMediaType returns the media type the document was decoded as.
	ManifestMediaType() MediaType

	manifestSigil()
}

// Index is a multi-platform manifest: either an OCI image index or a
// Docker manifest list. The two wire formats share the same shape.
type Index ocispec.Index

// ImageManifest is a single-platform manifest: either an OCI image
// manifest or a Docker image manifest (schema 2). The two wire formats share
// the same shape.
type ImageManifest ocispec.Manifest

// UnknownManifest is a manifest in a format we don't know how to interpret.
// The raw document is retained so that it can be shown to a user, but it is
// never resolved any further.
type UnknownManifest struct {
	MediaType MediaType
	Raw       json.RawMessage
}

// ManifestResponse is a manifest along with the digest the registry reported
// for it.
//
// The digest is the canonical identity of the manifest; the reference used to
// request it might instead have been a mutable tag.
type ManifestResponse struct {
	Manifest  Manifest
	Digest    digest.Digest
	Reference Reference
}

func (m *Index) ManifestMediaType() MediaType         { return MediaType(m.MediaType) }
func (m *ImageManifest) ManifestMediaType() MediaType { return MediaType(m.MediaType) }
func (m *UnknownManifest) ManifestMediaType() MediaType {
	return m.MediaType
}

func (m *Index) manifestSigil()           {}
func (m *ImageManifest) manifestSigil()   {}
func (m *UnknownManifest) manifestSigil() {}

// TotalLayerSize returns the sum of the sizes of all of the manifest's
// layers, as declared by the manifest itself. The config blob is not counted.
func (m *ImageManifest) TotalLayerSize() uint64 {
	var total uint64
	for _, layer := range m.Layers {
		if layer.Size > 0 {
			total += uint64(layer.Size)
		}
	}
	return total
}

// decodeManifest decodes a manifest body based on the media type it declares
// about itself. OCI manifests are allowed to omit the mediaType property, in
// which case we fall back on the media type from the response headers.
func decodeManifest(src []byte, contentType MediaType) (Manifest, error) {
	var head struct {
		SchemaVersion int       `json:"schemaVersion"`
		MediaType     MediaType `json:"mediaType"`
	}
	if err := json.Unmarshal(src, &head); err != nil {
		return nil, err
	}
	mt := head.MediaType
	if mt == "" {
		mt = contentType
	}

	switch {
	case mt.IsIndex():
		if head.SchemaVersion != 2 {
			return nil, fmt.Errorf("unsupported manifest schema version %#v", head.SchemaVersion)
		}
		ret := &Index{}
		if err := json.Unmarshal(src, ret); err != nil {
			return nil, err
		}
		ret.MediaType = mt.String()
		for i, desc := range ret.Manifests {
			if err := desc.Digest.Validate(); err != nil {
				return nil, fmt.Errorf("manifests[%d] has invalid digest: %w", i, err)
			}
		}
		return ret, nil

	case mt.IsImageManifest():
		if head.SchemaVersion != 2 {
			return nil, fmt.Errorf("unsupported manifest schema version %#v", head.SchemaVersion)
		}
		ret := &ImageManifest{}
		if err := json.Unmarshal(src, ret); err != nil {
			return nil, err
		}
		ret.MediaType = mt.String()
		if err := ret.Config.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("config has invalid digest: %w", err)
		}
		return ret, nil

	default:
		raw := make(json.RawMessage, len(src))
		copy(raw, src)
		return &UnknownManifest{
			MediaType: mt,
			Raw:       raw,
		}, nil
	}
}
