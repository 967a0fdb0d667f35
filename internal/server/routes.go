package server

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/mediclab/harbui/internal/config"
	"github.com/mediclab/harbui/internal/logging"
	"github.com/mediclab/harbui/internal/ocidist"
	"github.com/mediclab/harbui/internal/querysecret"
	"github.com/mediclab/harbui/internal/resolve"
)

// Registry is the subset of [ocidist.Client] that the server uses.
type Registry interface {
	resolve.Transport
	GetCatalog(ctx context.Context) (*ocidist.Catalog, error)
	GetNamespaceTags(ctx context.Context, ns ocidist.Namespace) (*ocidist.TagList, error)
	DeleteManifest(ctx context.Context, ns ocidist.Namespace, dgst digest.Digest) (bool, error)
}

// Server serves the browsing API for a single registry.
type Server struct {
	registry Registry
	resolver *resolve.Resolver
	secreter *querysecret.Secreter
	ui       *config.UI
	version  string
}

func New(registry Registry, secreter *querysecret.Secreter, ui *config.UI, version string) *Server {
	return &Server{
		registry: registry,
		resolver: resolve.NewResolver(registry),
		secreter: secreter,
		ui:       ui,
		version:  version,
	}
}

type ImageTags struct {
	Image string   `json:"image"`
	Tags  []string `json:"tags"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ConfigResponse struct {
	RegistryDomain  string `json:"registry_domain"`
	Version         string `json:"version"`
	DeletingAllowed bool   `json:"deleting_allowed"`
}

type ImageManifestResponse struct {
	Image     string                 `json:"image"`
	Tag       string                 `json:"tag"`
	Digest    digest.Digest          `json:"digest"`
	Manifests []resolve.ImageSummary `json:"manifests"`

	// DeleteToken must be passed back when deleting this image. It's only
	// present when deleting is allowed.
	DeleteToken string `json:"delete_token,omitempty"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) GenerateRoutes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/", s.IndexHandler)

	api := r.Group("/api")
	api.GET("/config", s.ConfigHandler)
	api.GET("/repositories", s.RepositoriesHandler)
	api.GET("/count/repositories", s.CountRepositoriesHandler)
	api.GET("/count/users", s.CountUsersHandler)
	api.GET("/images/*path", s.ImageHandler)
	api.DELETE("/images/*path", s.DeleteImageHandler)

	r.NoRoute(func(c *gin.Context) {
		abortWithError(c, http.StatusNotFound, "UNKNOWN", "Unknown error occurred")
	})

	return r
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

// abortWithRegistryError responds to a failed registry request. Unknown
// repositories and manifests become 404, operations the registry doesn't
// support become 405, and anything else is treated as a request the registry
// couldn't process.
func abortWithRegistryError(c *gin.Context, err error) {
	logging.ContextLogger(c.Request.Context()).WithError(err).Warn("registry request failed")

	var regErr *ocidist.RegistryError
	isRegErr := errors.As(err, &regErr)
	switch {
	case errors.Is(err, ocidist.ErrNotFound),
		isRegErr && (regErr.HasCode(ocidist.ErrCodeManifestUnknown) || regErr.HasCode(ocidist.ErrCodeNameUnknown)):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case isRegErr && regErr.HasCode(ocidist.ErrCodeUnsupported):
		abortWithError(c, http.StatusMethodNotAllowed, "UNSUPPORTED", err.Error())
	default:
		abortWithError(c, http.StatusUnprocessableEntity, "REGISTRY_ERROR", err.Error())
	}
}

func (s *Server) ConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.ConfigResponse())
}

// RepositoriesHandler lists every repository in the catalog along with its
// tags. Repositories whose tags can't be listed are left out.
func (s *Server) RepositoriesHandler(c *gin.Context) {
	ctx := c.Request.Context()
	catalog, err := s.registry.GetCatalog(ctx)
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}

	var mu sync.Mutex
	ret := make([]ImageTags, 0, len(catalog.Repositories))
	var g errgroup.Group
	for _, name := range catalog.Repositories {
		name := name
		ns, err := ocidist.ParseNamespace(name)
		if err != nil {
			logging.ContextLogger(ctx).Warnf("ignoring invalid repository name %q: %s", name, err)
			continue
		}
		g.Go(func() error {
			tagList, err := s.registry.GetNamespaceTags(ctx, ns)
			if err != nil {
				logging.ContextLogger(ctx).WithError(err).Warnf("skipping tags of %s", ns)
				return nil
			}
			tags := make([]string, len(tagList.Tags))
			for i, tag := range tagList.Tags {
				tags[i] = tag.String()
			}
			mu.Lock()
			ret = append(ret, ImageTags{Image: tagList.Name, Tags: tags})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(ret, func(i, j int) bool { return ret[i].Image < ret[j].Image })
	c.JSON(http.StatusOK, ret)
}

func (s *Server) CountRepositoriesHandler(c *gin.Context) {
	catalog, err := s.registry.GetCatalog(c.Request.Context())
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: len(catalog.Repositories)})
}

// CountUsersHandler counts the distinct owners in the catalog, where the
// owner of a repository is the first part of its name.
func (s *Server) CountUsersHandler(c *gin.Context) {
	catalog, err := s.registry.GetCatalog(c.Request.Context())
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}
	owners := make(map[ocidist.NamespacePart]struct{})
	for _, name := range catalog.Repositories {
		ns, err := ocidist.ParseNamespace(name)
		if err != nil {
			logging.ContextLogger(c.Request.Context()).Warnf("ignoring invalid repository name %q: %s", name, err)
			continue
		}
		owners[ns.Owner()] = struct{}{}
	}
	c.JSON(http.StatusOK, CountResponse{Count: len(owners)})
}

// parseImagePath splits a path like "/library/alpine/latest" into the
// repository name and the reference at the end of it.
func parseImagePath(path string) (ocidist.Namespace, ocidist.Reference, error) {
	path = strings.Trim(path, "/")
	slash := strings.LastIndexByte(path, '/')
	if slash < 0 {
		return nil, "", fmt.Errorf("path must be a repository name followed by a tag or digest")
	}
	ns, err := ocidist.ParseNamespace(path[:slash])
	if err != nil {
		return nil, "", fmt.Errorf("invalid repository name: %s", err)
	}
	ref, err := ocidist.ParseReference(path[slash+1:])
	if err != nil {
		return nil, "", fmt.Errorf("invalid tag or digest: %s", err)
	}
	return ns, ref, nil
}

func (s *Server) ImageHandler(c *gin.Context) {
	ns, ref, err := parseImagePath(c.Param("path"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_PATH", err.Error())
		return
	}

	resolution, err := s.resolver.ResolveManifest(c.Request.Context(), ns, ref)
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}

	resp := ImageManifestResponse{
		Image:     ns.String(),
		Tag:       ref.String(),
		Digest:    resolution.Digest,
		Manifests: resolution.Images,
	}
	if s.ui.DeletingAllowed {
		resp.DeleteToken, err = s.secreter.WrapDigest(ns.String(), resolution.Digest)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// DeleteImageHandler deletes the manifest that a tag or digest refers to.
//
// The request must carry the delete token from an earlier response of
// [Server.ImageHandler], and the reference must still refer to the manifest
// that token was issued for.
func (s *Server) DeleteImageHandler(c *gin.Context) {
	if !s.ui.DeletingAllowed {
		abortWithError(c, http.StatusMethodNotAllowed, "DELETING_DISABLED", "Deleting images is not allowed")
		return
	}

	ns, ref, err := parseImagePath(c.Param("path"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_PATH", err.Error())
		return
	}

	want, err := s.secreter.UnwrapDigest(ns.String(), c.Query("token"))
	if err != nil {
		abortWithError(c, http.StatusForbidden, "INVALID_TOKEN", fmt.Sprintf("Invalid delete token: %s", err))
		return
	}

	ctx := c.Request.Context()
	current, err := s.registry.GetManifest(ctx, ns, ref)
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}
	if current.Digest != want {
		abortWithError(c, http.StatusConflict, "DIGEST_CHANGED", fmt.Sprintf("%s:%s now refers to %s", ns, ref, current.Digest))
		return
	}

	deleted, err := s.registry.DeleteManifest(ctx, ns, current.Digest)
	if err != nil {
		abortWithRegistryError(c, err)
		return
	}
	if !deleted {
		abortWithError(c, http.StatusMethodNotAllowed, "DELETE_REFUSED", "The registry did not accept the deletion")
		return
	}
	logging.ContextLogger(ctx).Infof("deleted %s@%s", ns, current.Digest)
	c.Status(http.StatusAccepted)
}

func (s *Server) IndexHandler(c *gin.Context) {
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(c.Writer, s.ConfigResponse()); err != nil {
		logging.ContextLogger(c.Request.Context()).WithError(err).Error("failed to render index page")
	}
}

func (s *Server) ConfigResponse() ConfigResponse {
	return ConfigResponse{
		RegistryDomain:  s.ui.RegistryDomain,
		Version:         s.version,
		DeletingAllowed: s.ui.DeletingAllowed,
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>HarbUI - Docker Registry UI</title></head>
<body>
<h1>{{ .RegistryDomain }}</h1>
<ul>
<li><a href="/api/repositories">Repositories</a></li>
<li><a href="/api/count/repositories">Repository count</a></li>
<li><a href="/api/count/users">User count</a></li>
</ul>
<footer>HarbUI {{ .Version }}</footer>
</body>
</html>
`))
