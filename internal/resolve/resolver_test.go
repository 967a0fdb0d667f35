package resolve

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mediclab/harbui/internal/ocidist"
)

type fakeTransport struct {
	manifests map[ocidist.Reference]*ocidist.ManifestResponse
	configs   map[digest.Digest]*ocispec.Image

	mu              sync.Mutex
	manifestFetches []ocidist.Reference
	configFetches   []digest.Digest
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		manifests: make(map[ocidist.Reference]*ocidist.ManifestResponse),
		configs:   make(map[digest.Digest]*ocispec.Image),
	}
}

func (t *fakeTransport) GetManifest(ctx context.Context, ns ocidist.Namespace, ref ocidist.Reference) (*ocidist.ManifestResponse, error) {
	t.mu.Lock()
	t.manifestFetches = append(t.manifestFetches, ref)
	t.mu.Unlock()

	resp, ok := t.manifests[ref]
	if !ok {
		return nil, &ocidist.RegistryError{
			StatusCode: http.StatusNotFound,
			Errors:     []ocidist.ErrorDescriptor{{Code: ocidist.ErrCodeManifestUnknown, Message: "manifest unknown"}},
		}
	}
	return resp, nil
}

func (t *fakeTransport) GetConfig(ctx context.Context, ns ocidist.Namespace, dgst digest.Digest) (*ocispec.Image, error) {
	t.mu.Lock()
	t.configFetches = append(t.configFetches, dgst)
	t.mu.Unlock()

	config, ok := t.configs[dgst]
	if !ok {
		return nil, &ocidist.RegistryError{StatusCode: http.StatusNotFound}
	}
	return config, nil
}

// addImage registers a platform-specific manifest under both its digest and,
// if given, a tag.
func (t *fakeTransport) addImage(name string, tag ocidist.Reference, config digest.Digest, layerSizes ...int64) digest.Digest {
	dgst := digest.FromString(name)
	m := &ocidist.ImageManifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config: ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    config,
			Size:      1234,
		},
	}
	for i, size := range layerSizes {
		m.Layers = append(m.Layers, ocispec.Descriptor{
			MediaType: ocispec.MediaTypeImageLayerGzip,
			Digest:    digest.FromString(name + "-layer-" + string(rune('a'+i))),
			Size:      size,
		})
	}
	resp := &ocidist.ManifestResponse{Manifest: m, Digest: dgst, Reference: ocidist.DigestReference(dgst)}
	t.manifests[ocidist.DigestReference(dgst)] = resp
	if tag != "" {
		t.manifests[tag] = &ocidist.ManifestResponse{Manifest: m, Digest: dgst, Reference: tag}
	}
	return dgst
}

func (t *fakeTransport) addIndex(tag ocidist.Reference, mediaType ocidist.MediaType, entries ...ocispec.Descriptor) {
	idx := &ocidist.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: mediaType.String(),
		Manifests: entries,
	}
	t.manifests[tag] = &ocidist.ManifestResponse{
		Manifest:  idx,
		Digest:    digest.FromString("index-" + tag.String()),
		Reference: tag,
	}
}

func (t *fakeTransport) addConfig(name, os, arch, author string) digest.Digest {
	dgst := digest.FromString("config-" + name)
	t.configs[dgst] = &ocispec.Image{
		Author:   author,
		Platform: ocispec.Platform{OS: os, Architecture: arch},
	}
	return dgst
}

func platformEntry(dgst digest.Digest, os, arch string) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageManifest,
		Digest:    dgst,
		Size:      500,
		Platform:  &ocispec.Platform{OS: os, Architecture: arch},
	}
}

var testNamespace = ocidist.MustParseNamespace("library/example")

func TestResolveSinglePlatform(t *testing.T) {
	transport := newFakeTransport()
	config := transport.addConfig("amd64", "linux", "amd64", "Jane Doe")
	manifestDigest := transport.addImage("amd64", "latest", config, 10, 20, 30)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "latest")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	want := []ImageSummary{
		{
			Digest:       manifestDigest,
			Author:       "Jane Doe",
			OS:           "linux",
			Architecture: "amd64",
			TotalSize:    60,
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong result\n%s", diff)
	}
	if got, want := len(transport.manifestFetches), 1; got != want {
		t.Errorf("wrong number of manifest fetches %d; want %d", got, want)
	}
}

func TestResolveDockerManifestVariant(t *testing.T) {
	transport := newFakeTransport()
	config := transport.addConfig("arm64", "linux", "arm64", "")
	manifestDigest := transport.addImage("arm64", "", config, 7)
	m := transport.manifests[ocidist.DigestReference(manifestDigest)].Manifest.(*ocidist.ImageManifest)
	m.MediaType = ocidist.MediaTypeDockerManifest.String()

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, ocidist.DigestReference(manifestDigest))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	want := []ImageSummary{
		{Digest: manifestDigest, OS: "linux", Architecture: "arm64", TotalSize: 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong result\n%s", diff)
	}
}

func TestResolveSkipsUnknownPlatform(t *testing.T) {
	transport := newFakeTransport()
	amd64 := transport.addImage("amd64", "", transport.addConfig("amd64", "linux", "amd64", ""), 100)
	arm64 := transport.addImage("arm64", "", transport.addConfig("arm64", "linux", "arm64", ""), 200)
	attestation := transport.addImage("attestation", "", transport.addConfig("attestation", "unknown", "unknown", ""), 1)
	transport.addIndex("v1", ocidist.MediaTypeOCIImageIndex,
		platformEntry(amd64, "linux", "amd64"),
		platformEntry(arm64, "linux", "arm64"),
		platformEntry(attestation, "unknown", "unknown"),
	)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	// One fetch for the index itself and one for each real platform.
	if got, want := len(transport.manifestFetches), 3; got != want {
		t.Errorf("wrong number of manifest fetches %d; want %d", got, want)
	}
	for _, ref := range transport.manifestFetches {
		if ref == ocidist.DigestReference(attestation) {
			t.Errorf("attestation manifest was fetched")
		}
	}
	if len(got) != 2 {
		t.Fatalf("wrong number of summaries %d; want 2\n%#v", len(got), got)
	}
	for _, summary := range got {
		if summary.OS == "unknown" {
			t.Errorf("attestation included in result: %#v", summary)
		}
	}
}

func TestResolveSharedConfig(t *testing.T) {
	transport := newFakeTransport()
	config := transport.addConfig("shared", "linux", "amd64", "")
	first := transport.addImage("first", "", config, 5)
	second := transport.addImage("second", "", config, 5)
	transport.addIndex("v1", ocidist.MediaTypeDockerList,
		platformEntry(first, "linux", "amd64"),
		platformEntry(second, "linux", "amd64"),
	)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(got) != 1 {
		t.Fatalf("wrong number of summaries %d; want 1\n%#v", len(got), got)
	}

	wantDigest := first
	if second < first {
		wantDigest = second
	}
	if got[0].Digest != wantDigest {
		t.Errorf("wrong digest %s; want %s", got[0].Digest, wantDigest)
	}
	if got, want := len(transport.configFetches), 1; got != want {
		t.Errorf("wrong number of config fetches %d; want %d", got, want)
	}
}

func TestResolveSiblingFailure(t *testing.T) {
	transport := newFakeTransport()
	amd64 := transport.addImage("amd64", "", transport.addConfig("amd64", "linux", "amd64", ""), 100)
	missing := digest.FromString("missing")
	transport.addIndex("v1", ocidist.MediaTypeOCIImageIndex,
		platformEntry(amd64, "linux", "amd64"),
		platformEntry(missing, "linux", "arm64"),
	)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	want := []ImageSummary{
		{Digest: amd64, OS: "linux", Architecture: "amd64", TotalSize: 100},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong result\n%s", diff)
	}
}

func TestResolveConfigFailure(t *testing.T) {
	transport := newFakeTransport()
	amd64 := transport.addImage("amd64", "", transport.addConfig("amd64", "linux", "amd64", ""), 100)
	broken := transport.addImage("broken", "", digest.FromString("config-that-does-not-exist"), 100)
	transport.addIndex("v1", ocidist.MediaTypeOCIImageIndex,
		platformEntry(amd64, "linux", "amd64"),
		platformEntry(broken, "linux", "arm64"),
	)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(got) != 1 || got[0].Digest != amd64 {
		t.Errorf("wrong result %#v; want only %s", got, amd64)
	}
}

func TestResolveTopLevelFailure(t *testing.T) {
	transport := newFakeTransport()

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "nope")
	if err == nil {
		t.Fatalf("unexpected success: %#v", got)
	}
	if !errors.Is(err, ocidist.ErrNotFound) {
		t.Errorf("error does not match ErrNotFound: %s", err)
	}
	if got != nil {
		t.Errorf("unexpected result alongside error: %#v", got)
	}
}

func TestResolveUnknownMediaType(t *testing.T) {
	transport := newFakeTransport()
	transport.manifests["weird"] = &ocidist.ManifestResponse{
		Manifest: &ocidist.UnknownManifest{
			MediaType: "application/vnd.example.thing+json",
			Raw:       []byte(`{}`),
		},
		Digest:    digest.FromString("weird"),
		Reference: "weird",
	}

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "weird")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(got) != 0 {
		t.Errorf("unexpected summaries: %#v", got)
	}
	if len(transport.configFetches) != 0 {
		t.Errorf("unexpected config fetches: %#v", transport.configFetches)
	}
}

func TestResolveNestedIndexIgnored(t *testing.T) {
	transport := newFakeTransport()
	amd64 := transport.addImage("amd64", "", transport.addConfig("amd64", "linux", "amd64", ""), 100)
	transport.addIndex("nested", ocidist.MediaTypeOCIImageIndex, platformEntry(amd64, "linux", "amd64"))
	nestedDigest := transport.manifests["nested"].Digest
	transport.manifests[ocidist.DigestReference(nestedDigest)] = transport.manifests["nested"]
	transport.addIndex("v1", ocidist.MediaTypeOCIImageIndex,
		platformEntry(amd64, "linux", "amd64"),
		platformEntry(nestedDigest, "linux", "s390x"),
	)

	got, err := NewResolver(transport).Resolve(context.Background(), testNamespace, "v1")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if len(got) != 1 || got[0].Digest != amd64 {
		t.Errorf("wrong result %#v; want only %s", got, amd64)
	}
}

func TestPlatformEntries(t *testing.T) {
	a := digest.FromString("a")
	b := digest.FromString("b")
	c := digest.FromString("c")
	idx := &ocidist.Index{
		Manifests: []ocispec.Descriptor{
			platformEntry(a, "linux", "amd64"),
			platformEntry(b, "unknown", "unknown"),
			{MediaType: ocispec.MediaTypeImageManifest, Digest: c},
		},
	}

	var got []digest.Digest
	for _, desc := range PlatformEntries(idx) {
		got = append(got, desc.Digest)
	}
	want := []digest.Digest{a, c}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong entries\n%s", diff)
	}
}

func TestSummarize(t *testing.T) {
	origin := Origin{ManifestDigest: digest.FromString("m"), TotalSize: 42}
	got := Summarize(origin, &ocispec.Image{
		Platform: ocispec.Platform{OS: "windows", Architecture: "amd64"},
	})
	want := ImageSummary{
		Digest:       origin.ManifestDigest,
		Author:       "",
		OS:           "windows",
		Architecture: "amd64",
		TotalSize:    42,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wrong summary\n%s", diff)
	}
}

func TestResolveManifestReportsIndex(t *testing.T) {
	transport := newFakeTransport()
	amd64 := transport.addImage("amd64", "", transport.addConfig("amd64", "linux", "amd64", ""), 5)
	noPlatform := transport.addImage("no-platform", "", transport.addConfig("no-platform", "linux", "s390x", ""), 9)
	entry := platformEntry(noPlatform, "", "")
	entry.Platform = nil
	transport.addIndex("v2", ocidist.MediaTypeDockerList, platformEntry(amd64, "linux", "amd64"), entry)

	got, err := NewResolver(transport).ResolveManifest(context.Background(), testNamespace, "v2")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if want := digest.FromString("index-v2"); got.Digest != want {
		t.Errorf("wrong digest %s; want %s", got.Digest, want)
	}
	if got.MediaType != ocidist.MediaTypeDockerList {
		t.Errorf("wrong media type %s", got.MediaType)
	}
	// Entries without any platform are still images.
	if len(got.Images) != 2 {
		t.Fatalf("wrong number of summaries %d; want 2\n%#v", len(got.Images), got.Images)
	}
}
