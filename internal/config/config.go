package config

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	hcl "github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/sirupsen/logrus"
	"github.com/zclconf/go-cty/cty"

	"github.com/mediclab/harbui/internal/ocidist"
)

const (
	DefaultListenAddr      = ":8080"
	DefaultRegistryTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)

type Config struct {
	Registry *Registry
	Server   *Server
	UI       *UI
	Logging  *Logging

	Filename string
}

// Registry describes the registry whose content we're browsing.
type Registry struct {
	URL      *url.URL
	Username string
	Password string
	Timeout  time.Duration

	DeclRange hcl.Range
}

type Server struct {
	ListenAddr string

	// QueryStringSecret is the key used to protect the delete tokens we
	// hand out. If nil, the server generates a random key at startup.
	QueryStringSecret *[32]byte
	TLS               *TLSConfig

	DeclRange hcl.Range
}

type TLSConfig struct {
	Certificate tls.Certificate
}

type UI struct {
	DeletingAllowed bool
	RegistryDomain  string

	DeclRange hcl.Range
}

type Logging struct {
	Level  string
	Format string

	DeclRange hcl.Range
}

// HasBasicAuth returns true if the configuration includes credentials to
// send to the registry.
func (r *Registry) HasBasicAuth() bool {
	return r.Username != ""
}

func LoadConfigFile(filename string) (*Config, hcl.Diagnostics) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, hcl.Diagnostics{
			{
				Severity: hcl.DiagError,
				Summary:  "Cannot read configuration file",
				Detail:   fmt.Sprintf("Failed to read %s: %s.", filename, err),
			},
		}
	}
	return LoadConfig(src, filename)
}

// LoadConfig parses and validates configuration from the given source code.
//
// Expressions in the configuration can refer to environment variables as
// attributes of the "env" object, such as env.REGISTRY_PASSWORD.
func LoadConfig(src []byte, filename string) (*Config, hcl.Diagnostics) {
	f, diags := hclsyntax.ParseConfig(src, filename, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}

	content, moreDiags := f.Body.Content(rootSchema)
	diags = append(diags, moreDiags...)
	if moreDiags.HasErrors() {
		return nil, diags
	}

	evalCtx := evalContext(os.Environ())
	ret := &Config{
		Filename: filename,
	}
	declared := make(map[string]hcl.Range)

	for _, block := range content.Blocks {
		if existingRng, exists := declared[block.Type]; exists {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  fmt.Sprintf("Duplicate %s configuration", block.Type),
				Detail:   fmt.Sprintf("A %s block was already declared at %s.", block.Type, existingRng),
				Subject:  block.DefRange.Ptr(),
			})
			continue
		}
		declared[block.Type] = block.DefRange

		switch block.Type {
		case "registry":
			registry, moreDiags := decodeRegistryConfig(block, evalCtx)
			diags = append(diags, moreDiags...)
			ret.Registry = registry

		case "server":
			serverConfig, moreDiags := decodeServerConfig(block, evalCtx)
			diags = append(diags, moreDiags...)
			ret.Server = serverConfig

		case "ui":
			ui, moreDiags := decodeUIConfig(block, evalCtx)
			diags = append(diags, moreDiags...)
			ret.UI = ui

		case "logging":
			logging, moreDiags := decodeLoggingConfig(block, evalCtx)
			diags = append(diags, moreDiags...)
			ret.Logging = logging

		default:
			// Should not get here because only the cases above are in our schema.
			panic(fmt.Sprintf("unexpected block type %q", block.Type))
		}
	}

	if ret.Registry == nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing registry configuration",
			Detail:   "A registry block is required, specifying the registry to browse.",
			Subject:  f.Body.MissingItemRange().Ptr(),
		})
		return ret, diags
	}
	if ret.Server == nil {
		ret.Server = &Server{ListenAddr: DefaultListenAddr}
	}
	if ret.UI == nil {
		ret.UI = &UI{}
	}
	if ret.UI.RegistryDomain == "" && ret.Registry.URL != nil {
		ret.UI.RegistryDomain = ret.Registry.URL.Host
	}
	if ret.Logging == nil {
		ret.Logging = &Logging{Level: DefaultLogLevel, Format: DefaultLogFormat}
	}

	return ret, diags
}

func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func decodeRegistryConfig(block *hcl.Block, evalCtx *hcl.EvalContext) (*Registry, hcl.Diagnostics) {
	ret := &Registry{
		Timeout:   DefaultRegistryTimeout,
		DeclRange: block.DefRange,
	}

	type Config struct {
		URL      gohcl.WithRange[string]  `hcl:"url"`
		Username gohcl.WithRange[*string] `hcl:"username,optional"`
		Password gohcl.WithRange[*string] `hcl:"password,optional"`
		Timeout  gohcl.WithRange[*string] `hcl:"timeout,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	u, err := url.Parse(config.URL.Value)
	if err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid registry URL",
			Detail:   fmt.Sprintf("Invalid URL syntax: %s.", err),
			Subject:  config.URL.Range.Ptr(),
		})
	} else {
		if u.Path == "" {
			u.Path = "/"
		}
		if err := ocidist.AssertValidRegistryURL(u); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry URL",
				Detail:   fmt.Sprintf("The registry URL %s. Use the username and password arguments for credentials.", err),
				Subject:  config.URL.Range.Ptr(),
			})
		} else if !strings.HasSuffix(u.Path, "/") {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry URL",
				Detail:   "The registry URL must have a path ending with a slash '/'.",
				Subject:  config.URL.Range.Ptr(),
			})
		} else {
			ret.URL = u
		}
	}

	switch {
	case config.Username.Value != nil && config.Password.Value != nil:
		ret.Username = *config.Username.Value
		ret.Password = *config.Password.Value
	case config.Username.Value != nil:
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing registry password",
			Detail:   "A password is required when a username is set.",
			Subject:  config.Username.Range.Ptr(),
		})
	case config.Password.Value != nil:
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Missing registry username",
			Detail:   "A username is required when a password is set.",
			Subject:  config.Password.Range.Ptr(),
		})
	}

	if config.Timeout.Value != nil {
		timeout, err := time.ParseDuration(*config.Timeout.Value)
		if err != nil || timeout <= 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid registry timeout",
				Detail:   "Timeout must be a positive duration, such as \"30s\" or \"2m\".",
				Subject:  config.Timeout.Range.Ptr(),
			})
		} else {
			ret.Timeout = timeout
		}
	}

	return ret, diags
}

func decodeServerConfig(block *hcl.Block, evalCtx *hcl.EvalContext) (*Server, hcl.Diagnostics) {
	ret := &Server{
		ListenAddr: DefaultListenAddr,
		DeclRange:  block.DefRange,
	}

	type TLSConfigHCL struct {
		CertificateFile gohcl.WithRange[string] `hcl:"certificate_file"`
		PrivateKeyFile  gohcl.WithRange[string] `hcl:"private_key_file"`
	}
	type Config struct {
		ListenAddr        gohcl.WithRange[*string] `hcl:"listen_addr,optional"`
		QueryStringSecret gohcl.WithRange[*string] `hcl:"query_string_secret,optional"`
		TLS               *TLSConfigHCL            `hcl:"tls,block"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.ListenAddr.Value != nil {
		_, _, err := net.SplitHostPort(*config.ListenAddr.Value)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid listen address",
				Detail:   "Listen address must be an IP address followed by a colon and then a port number.",
				Subject:  config.ListenAddr.Range.Ptr(),
			})
		} else {
			ret.ListenAddr = *config.ListenAddr.Value
		}
	}

	if config.QueryStringSecret.Value != nil {
		raw, err := hex.DecodeString(*config.QueryStringSecret.Value)
		if err != nil || len(raw) != 32 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid query string secret",
				Detail:   "The query string secret must be 32 bytes written as 64 hexadecimal digits.",
				Subject:  config.QueryStringSecret.Range.Ptr(),
			})
		} else {
			var secret [32]byte
			copy(secret[:], raw)
			ret.QueryStringSecret = &secret
		}
	}

	if config.TLS != nil {
		certFilename := config.TLS.CertificateFile.Value
		keyFilename := config.TLS.PrivateKeyFile.Value
		basePath := filepath.Dir(block.DefRange.Filename)
		if !filepath.IsAbs(certFilename) {
			certFilename = filepath.Join(basePath, certFilename)
		}
		if !filepath.IsAbs(keyFilename) {
			keyFilename = filepath.Join(basePath, keyFilename)
		}

		cert, err := tls.LoadX509KeyPair(certFilename, keyFilename)
		if err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Failed to parse TLS keypair",
				Detail:   fmt.Sprintf("Cannot build a valid TLS configuration from the specified certificate and private key: %s.", err),
				Subject:  config.TLS.CertificateFile.Range.Ptr(),
			})
		} else {
			ret.TLS = &TLSConfig{
				Certificate: cert,
			}
		}
	}

	return ret, diags
}

func decodeUIConfig(block *hcl.Block, evalCtx *hcl.EvalContext) (*UI, hcl.Diagnostics) {
	ret := &UI{
		DeclRange: block.DefRange,
	}

	type Config struct {
		DeletingAllowed *bool   `hcl:"deleting_allowed,optional"`
		RegistryDomain  *string `hcl:"registry_domain,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.DeletingAllowed != nil {
		ret.DeletingAllowed = *config.DeletingAllowed
	}
	if config.RegistryDomain != nil {
		ret.RegistryDomain = *config.RegistryDomain
	}
	return ret, diags
}

func decodeLoggingConfig(block *hcl.Block, evalCtx *hcl.EvalContext) (*Logging, hcl.Diagnostics) {
	ret := &Logging{
		Level:     DefaultLogLevel,
		Format:    DefaultLogFormat,
		DeclRange: block.DefRange,
	}

	type Config struct {
		Level  gohcl.WithRange[*string] `hcl:"level,optional"`
		Format gohcl.WithRange[*string] `hcl:"format,optional"`
	}
	var config Config
	diags := gohcl.DecodeBody(block.Body, evalCtx, &config)
	if diags.HasErrors() {
		return ret, diags
	}

	if config.Level.Value != nil {
		if _, err := logrus.ParseLevel(*config.Level.Value); err != nil {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid log level",
				Detail:   "The log level must be one of \"trace\", \"debug\", \"info\", \"warn\", or \"error\".",
				Subject:  config.Level.Range.Ptr(),
			})
		} else {
			ret.Level = *config.Level.Value
		}
	}
	if config.Format.Value != nil {
		switch *config.Format.Value {
		case "text", "json":
			ret.Format = *config.Format.Value
		default:
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid log format",
				Detail:   "The log format must be either \"text\" or \"json\".",
				Subject:  config.Format.Range.Ptr(),
			})
		}
	}

	return ret, diags
}

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "registry"},
		{Type: "server"},
		{Type: "ui"},
		{Type: "logging"},
	},
}
