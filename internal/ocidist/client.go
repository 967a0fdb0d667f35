package ocidist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/mediclab/harbui/internal/logging"
)

// maxManifestSize is the largest manifest body we're willing to read. This
// matches the limit that the reference registry implementation enforces
// when manifests are pushed.
const maxManifestSize = 4 << 20

// Client is a client for the subset of the OCI distribution protocol that's
// needed to browse the content of a registry: listing repositories and tags,
// fetching manifests and image config blobs, and deleting manifests.
//
// This is not a general-purpose client for that protocol. In particular it
// doesn't support pushing content, and it doesn't follow pagination links in
// catalog and tag listings.
type Client struct {
	baseURL    *url.URL
	prepareReq []func(req *http.Request) error
	rawClient  *http.Client
}

// Catalog is the response from the registry's catalog endpoint.
type Catalog struct {
	Repositories []string `json:"repositories"`
}

// TagList is the list of tags available in a particular namespace.
//
// Tags is nil if the registry didn't report any tags at all, which some
// registries do for a repository whose tags have all been deleted.
type TagList struct {
	Name string
	Tags []Reference
}

// NewClient constructs and returns a new [Client] that will talk to an OCI
// distribution registry at the given base URL.
//
// The given URL must use either the "http" or "https" scheme, or this function
// will panic. The URL must not include a user info portion, because we handle
// authentication separately; this function will panic if the given URL has
// user information. Use [AssertValidRegistryURL] to test whether a
// user-provided URL would be accepted by this function without panicking.
func NewClient(baseURL *url.URL) *Client {
	return NewClientWithHTTPClient(baseURL, http.DefaultClient)
}

// NewClientWithRoundTripper constructs and returns a new [Client], with the
// same rules as [NewClient] but with a custom HTTP round-tripper
// implementation.
func NewClientWithRoundTripper(baseURL *url.URL, rt http.RoundTripper) *Client {
	return NewClientWithHTTPClient(baseURL, &http.Client{
		Transport: rt,
	})
}

// NewClientWithHTTPClient is like [NewClient] but uses the given HTTP client
// for all requests, which allows the caller to set a timeout.
func NewClientWithHTTPClient(baseURL *url.URL, httpClient *http.Client) *Client {
	if err := AssertValidRegistryURL(baseURL); err != nil {
		panic(err.Error())
	}
	return &Client{
		baseURL:   baseURL,
		rawClient: httpClient,
	}
}

// AssertValidRegistryURL checks whether the given URL is acceptable to pass
// to [NewClient], return an error describing a problem if not.
//
// If the result is nil then [NewClient] is guaranteed to accept the same URL
// without panicking, although that doesn't guarantee that the URL will actually
// work when it comes to making real API requests.
func AssertValidRegistryURL(baseURL *url.URL) error {
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return fmt.Errorf("must use scheme \"https\" or \"http\", not %q", baseURL.Scheme)
	}
	if baseURL.User != nil {
		return fmt.Errorf("must not include a user information portion")
	}
	return nil
}

// AddPrepareRequest provides a function that the client will call just before
// making any HTTP request, giving an opportunity to add authentication
// credentials or other context.
//
// The request-preparation function must not modify the request in any way that
// would change the meaning of what is being requested or what format the
// response would be in. For example, it would be acceptable to set the
// Authorization header or the User-Agent header, but it would not be acceptable
// to modify the Accept header or other similar content-negotiation-related
// headers.
//
// This must not be called concurrently with any other method of the same
// client object. Typically it would be called only during the initial setup of
// the client.
func (c *Client) AddPrepareRequest(cb func(req *http.Request) error) {
	c.prepareReq = append(c.prepareReq, cb)
}

// UseBasicAuth arranges for every request to carry the given HTTP basic
// authentication credentials.
func (c *Client) UseBasicAuth(username, password string) {
	c.AddPrepareRequest(func(req *http.Request) error {
		req.SetBasicAuth(username, password)
		return nil
	})
}

// CheckAPISupport attempts to detect whether the client's configured base
// URL is an implementation of the OCI Distribution specification.
//
// This is just a heuristic to help the system fail early if given an invalid
// URL. If the error is not nil then this is either not an OCI Distribution
// server or the provided authentication credentials are invalid.
func (c *Client) CheckAPISupport(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "v2/")
	if err != nil {
		return fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// GetCatalog returns the names of all of the repositories in the registry.
func (c *Client) GetCatalog(ctx context.Context) (*Catalog, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "v2", "_catalog")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	ret := &Catalog{}
	err = c.doRequestJSONResp(req, ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// GetNamespaceTags returns all of the tags that are available for the
// given namespace in the target registry.
//
// If the server returns any tag names that aren't valid reference strings per
// the OCI Distribution specification then this function will silently discard
// them and return only the valid subset.
func (c *Client) GetNamespaceTags(ctx context.Context, ns Namespace) (*TagList, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "v2", ns.String(), "tags", "list")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}

	type RespBody struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	var respBody RespBody
	err = c.doRequestJSONResp(req, &respBody)
	if err != nil {
		return nil, err
	}

	ret := &TagList{Name: respBody.Name}
	if ret.Name == "" {
		ret.Name = ns.String()
	}
	if respBody.Tags == nil {
		return ret, nil
	}
	ret.Tags = make([]Reference, 0, len(respBody.Tags))
	for _, rawTag := range respBody.Tags {
		ref, err := ParseReference(rawTag)
		if err != nil {
			continue
		}
		ret.Tags = append(ret.Tags, ref)
	}
	return ret, nil
}

// GetManifest returns the manifest for the given reference associated with
// the given namespace, along with its digest.
//
// The request accepts all of the manifest formats we understand, and the
// result is decoded according to whichever format the server chose. A
// format we don't understand is returned as an [UnknownManifest] rather
// than as an error.
func (c *Client) GetManifest(ctx context.Context, ns Namespace, ref Reference) (*ManifestResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "v2", ns.String(), "manifests", ref.String())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	req.Header.Set("Accept", manifestAcceptHeader())

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	src, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		return nil, RequestError{Wrapped: err}
	}
	if len(src) > maxManifestSize {
		return nil, ResponseFormatError{Wrapped: fmt.Errorf("manifest is larger than %d bytes", maxManifestSize)}
	}

	manifest, err := decodeManifest(src, parseContentType(resp.Header.Get("Content-Type")))
	if err != nil {
		return nil, ResponseFormatError{Wrapped: err}
	}

	return &ManifestResponse{
		Manifest:  manifest,
		Digest:    manifestDigest(resp.Header, ref, src),
		Reference: ref,
	}, nil
}

// manifestDigest decides the canonical digest of a manifest we've just
// fetched. The registry normally tells us in a response header, but if not
// then a digest reference is already canonical, and otherwise we compute
// the digest of the content we received.
func manifestDigest(header http.Header, ref Reference, src []byte) digest.Digest {
	if raw := header.Get("Docker-Content-Digest"); raw != "" {
		if d, err := ParseDigest(raw); err == nil {
			return d
		}
	}
	if d, ok := ref.Digest(); ok {
		return d
	}
	return digest.FromBytes(src)
}

// GetConfig returns the image configuration blob with the given digest.
func (c *Client) GetConfig(ctx context.Context, ns Namespace, dgst digest.Digest) (*ocispec.Image, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "v2", ns.String(), "blobs", dgst.String())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %s", err)
	}
	ret := &ocispec.Image{}
	err = c.doRequestJSONResp(req, ret)
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// DeleteManifest asks the registry to delete the manifest with the given
// digest.
//
// The result is true only if the registry accepted the deletion. A registry
// that refuses, for example because deletion is disabled in its
// configuration, causes a false result rather than an error. An error is
// returned only if the request failed or the registry itself failed.
func (c *Client) DeleteManifest(ctx context.Context, ns Namespace, dgst digest.Digest) (bool, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "v2", ns.String(), "manifests", dgst.String())
	if err != nil {
		return false, fmt.Errorf("failed to prepare request: %s", err)
	}
	resp, err := c.do(req)
	if err != nil {
		var regErr *RegistryError
		if errors.As(err, &regErr) {
			logging.ContextLogger(ctx).WithError(err).Warnf("registry refused to delete %s@%s", ns, dgst)
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusAccepted, nil
}

func (c *Client) newRequest(ctx context.Context, method string, urlParts ...string) (*http.Request, error) {
	u := c.baseURL.JoinPath(urlParts...)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	for _, cb := range c.prepareReq {
		err := cb(req)
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// do performs the given request and classifies the outcome. If the result
// is not an error then the caller must close the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.rawClient.Do(req)
	if err != nil {
		return nil, RequestError{Wrapped: err}
	}
	if err := classifyResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *Client) doRequestJSONResp(req *http.Request, into any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	err = dec.Decode(into)
	if err != nil {
		return ResponseFormatError{Wrapped: err}
	}
	// NOTE: If there's anything trailing after the JSON object then we'll
	// just ignore it. That would not be valid per the OCI Distribution spec
	// but we'll tolerate it anyway because it doesn't hurt and is easier.
	return nil
}
