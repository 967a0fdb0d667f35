// Package resolve turns a tag or digest in a registry into a flat list of
// summaries of the platform-specific images it refers to.
package resolve

import (
	"context"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mediclab/harbui/internal/logging"
	"github.com/mediclab/harbui/internal/ocidist"
)

// Transport is the subset of [ocidist.Client] that the resolver needs.
type Transport interface {
	GetManifest(ctx context.Context, ns ocidist.Namespace, ref ocidist.Reference) (*ocidist.ManifestResponse, error)
	GetConfig(ctx context.Context, ns ocidist.Namespace, dgst digest.Digest) (*ocispec.Image, error)
}

// unknownPlatformOS is the OS that build tools declare for index entries
// that aren't images at all, such as build attestations.
const unknownPlatformOS = "unknown"

// Resolver resolves references into image summaries.
//
// A Resolver holds no state of its own between calls, so it's safe to call
// Resolve concurrently.
type Resolver struct {
	transport Transport
}

func NewResolver(transport Transport) *Resolver {
	return &Resolver{transport: transport}
}

// Resolution is the result of resolving a reference.
type Resolution struct {
	// Digest is the digest of the manifest the reference refers to, which
	// might be an index rather than any of the images summarized.
	Digest    digest.Digest
	MediaType ocidist.MediaType
	Images    []ImageSummary
}

// Resolve fetches the manifest that the given reference refers to and
// returns a summary of each distinct image it leads to.
//
// Only a failure to fetch the top-level manifest is returned as an error.
// Failures fetching the platform-specific manifests or config blobs below it
// cause those images to be left out of the result instead.
//
// The result is sorted by manifest digest. If several platform-specific
// manifests share the same config blob then they produce only one summary,
// attributed to whichever manifest has the lowest digest.
func (r *Resolver) Resolve(ctx context.Context, ns ocidist.Namespace, ref ocidist.Reference) ([]ImageSummary, error) {
	resolution, err := r.ResolveManifest(ctx, ns, ref)
	if err != nil {
		return nil, err
	}
	return resolution.Images, nil
}

// ResolveManifest is like [Resolver.Resolve] but also returns details of the
// top-level manifest.
func (r *Resolver) ResolveManifest(ctx context.Context, ns ocidist.Namespace, ref ocidist.Reference) (*Resolution, error) {
	logger, done := logging.ContextLoggerRequest(ctx, "resolve %s:%s", ns, ref)
	defer done()

	top, err := r.transport.GetManifest(ctx, ns, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest for %s:%s: %w", ns, ref, err)
	}

	origins := make(map[digest.Digest]Origin)
	switch m := top.Manifest.(type) {
	case *ocidist.Index:
		for _, resp := range r.fetchPlatformManifests(ctx, ns, m) {
			image, ok := resp.Manifest.(*ocidist.ImageManifest)
			if !ok {
				logger.Warnf("ignoring %s: expected an image manifest, but got %s", resp.Digest, resp.Manifest.ManifestMediaType())
				continue
			}
			addOrigin(origins, image, resp.Digest)
		}
	case *ocidist.ImageManifest:
		addOrigin(origins, m, top.Digest)
	case *ocidist.UnknownManifest:
		logger.Warnf("cannot resolve %s:%s: unsupported manifest media type %q", ns, ref, m.MediaType)
	default:
		return nil, fmt.Errorf("unsupported manifest type %T", m)
	}

	return &Resolution{
		Digest:    top.Digest,
		MediaType: top.Manifest.ManifestMediaType(),
		Images:    r.fetchSummaries(ctx, ns, origins),
	}, nil
}

// PlatformEntries returns the entries of the given index that refer to
// images, excluding entries such as build attestations that merely share
// the same shape.
func PlatformEntries(idx *ocidist.Index) []ocispec.Descriptor {
	ret := make([]ocispec.Descriptor, 0, len(idx.Manifests))
	for _, desc := range idx.Manifests {
		if desc.Platform != nil && desc.Platform.OS == unknownPlatformOS {
			continue
		}
		ret = append(ret, desc)
	}
	return ret
}

func (r *Resolver) fetchPlatformManifests(ctx context.Context, ns ocidist.Namespace, idx *ocidist.Index) []*ocidist.ManifestResponse {
	return fanOut(ctx, PlatformEntries(idx),
		func(ctx context.Context, desc ocispec.Descriptor) (*ocidist.ManifestResponse, error) {
			return r.transport.GetManifest(ctx, ns, ocidist.DigestReference(desc.Digest))
		},
		func(desc ocispec.Descriptor) string {
			return fmt.Sprintf("manifest %s@%s", ns, desc.Digest)
		},
	)
}

type fetchedConfig struct {
	digest digest.Digest
	config *ocispec.Image
}

func (r *Resolver) fetchSummaries(ctx context.Context, ns ocidist.Namespace, origins map[digest.Digest]Origin) []ImageSummary {
	keys := make([]digest.Digest, 0, len(origins))
	for k := range origins {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	configs := fanOut(ctx, keys,
		func(ctx context.Context, dgst digest.Digest) (fetchedConfig, error) {
			config, err := r.transport.GetConfig(ctx, ns, dgst)
			if err != nil {
				return fetchedConfig{}, err
			}
			return fetchedConfig{digest: dgst, config: config}, nil
		},
		func(dgst digest.Digest) string {
			return fmt.Sprintf("config blob %s@%s", ns, dgst)
		},
	)

	ret := make([]ImageSummary, 0, len(configs))
	for _, fc := range configs {
		ret = append(ret, Summarize(origins[fc.digest], fc.config))
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Digest != ret[j].Digest {
			return ret[i].Digest < ret[j].Digest
		}
		if ret[i].OS != ret[j].OS {
			return ret[i].OS < ret[j].OS
		}
		return ret[i].Architecture < ret[j].Architecture
	})
	return ret
}

// addOrigin records that the given manifest leads to its config blob. When
// two manifests lead to the same config blob, the one with the lower digest
// wins so that the result doesn't depend on the order fetches completed in.
func addOrigin(origins map[digest.Digest]Origin, m *ocidist.ImageManifest, manifestDigest digest.Digest) {
	key := m.Config.Digest
	if existing, exists := origins[key]; exists && existing.ManifestDigest <= manifestDigest {
		return
	}
	origins[key] = Origin{
		ManifestDigest: manifestDigest,
		TotalSize:      m.TotalLayerSize(),
	}
}
