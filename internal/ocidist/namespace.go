package ocidist

import (
	_ "crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Namespace represents a sequence of slash-separated parts used as the name
// of a repository in an OCI distribution registry, such as "library/alpine".
//
// A valid Namespace value always has at least one part, and all of the parts
// are themselves valid per [ParseNamespacePart]. Use [ParseNamespace] to
// guarantee a valid Namespace value.
type Namespace []NamespacePart

// NamespacePart is one of the slash-separated parts of a [Namespace],
// matching the following pattern from the OCI Distribution specification:
//
//	[a-z0-9]+([._-][a-z0-9]+)*
type NamespacePart string

// Reference identifies a manifest within a namespace. It is either a tag
// name or a content digest.
//
// Use [ParseReference] to guarantee a valid value.
type Reference string

func ParseNamespace(s string) (Namespace, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("must include at least one namespace part")
	}
	parts := strings.Split(s, "/")
	ret := make(Namespace, len(parts))
	for i, raw := range parts {
		var err error
		ret[i], err = ParseNamespacePart(raw)
		if err != nil {
			return nil, fmt.Errorf("part %d is invalid: %s", i+1, err)
		}
	}
	return ret, nil
}

func MustParseNamespace(s string) Namespace {
	ns, err := ParseNamespace(s)
	if err != nil {
		panic(err)
	}
	return ns
}

func ParseNamespacePart(s string) (NamespacePart, error) {
	if !namespacePartRe.MatchString(s) {
		return "", fmt.Errorf("must consist of one or more sequences of lowercase latin letters and digits separated by individual periods, underscores, or dashes")
	}
	return NamespacePart(s), nil
}

// ParseReference accepts either a tag name or a digest string.
//
// Anything containing a colon is treated as a digest, because a colon is
// never valid in a tag name.
func ParseReference(s string) (Reference, error) {
	if strings.ContainsRune(s, ':') {
		if _, err := ParseDigest(s); err != nil {
			return "", err
		}
		return Reference(s), nil
	}
	if !tagRe.MatchString(s) {
		return "", fmt.Errorf("must consist of a latin letter, digit, or underscore, followed by up to 127 more latin letters, digits, underscores, dashes, or dots")
	}
	return Reference(s), nil
}

func MustParseReference(s string) Reference {
	r, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseDigest parses a digest string such as "sha256:abc...", checking both
// the algorithm and the length and alphabet of the encoded portion.
func ParseDigest(s string) (digest.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}

// DigestReference returns a [Reference] that refers to a manifest by its
// digest.
func DigestReference(d digest.Digest) Reference {
	return Reference(d.String())
}

func (ns Namespace) String() string {
	var buf strings.Builder
	for i, part := range ns {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(string(part))
	}
	return buf.String()
}

// Owner returns the first part of the namespace, which registries such as
// Docker Hub treat as the owning user or organization.
func (ns Namespace) Owner() NamespacePart {
	if len(ns) == 0 {
		return ""
	}
	return ns[0]
}

func (np NamespacePart) String() string {
	return string(np)
}

func (r Reference) String() string {
	return string(r)
}

// Digest returns the digest the reference refers to, and true, if the
// reference is a digest rather than a tag.
func (r Reference) Digest() (digest.Digest, bool) {
	if !strings.ContainsRune(string(r), ':') {
		return "", false
	}
	return digest.Digest(r), true
}

var namespacePartRe = regexp.MustCompile(`^[a-z0-9]+([._-][a-z0-9]+)*$`)
var tagRe = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)
