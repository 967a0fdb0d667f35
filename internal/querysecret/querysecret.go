// Package querysecret packs a short-lived secret message into a string that
// can travel through a URL query string.
//
// The server uses it to hand out delete tokens: a token names the exact
// manifest digest the operator was looking at, so that a subsequent delete
// request can't remove some other manifest that a tag was moved to in the
// meantime.
package querysecret

import (
	"bytes"
	"crypto/rand"
	_ "crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceLength = 24

// DefaultLifetime is how long a wrapped message remains valid.
const DefaultLifetime = 3 * time.Minute

// Secreter is an object that can encrypt and decrypt query string secrets.
type Secreter struct {
	// randReader is a reader from a cryptographically secure random number
	// generator.
	randReader io.Reader

	// secretKey is the secret key used to protect the messages.
	secretKey [32]byte

	lifetime time.Duration
	now      func() time.Time
}

// NewSecreter constructs and returns a new [Secreter] using the default
// random reader from the crypto/rand package.
func NewSecreter(secretKey [32]byte) *Secreter {
	return NewSecreterWithRand(secretKey, rand.Reader)
}

// NewSecreterWithRand is like [NewSecreter] but additionally allows providing
// your own random byte reader.
//
// The reader must represent a random number generator suitable for
// cryptographic use.
func NewSecreterWithRand(secretKey [32]byte, randReader io.Reader) *Secreter {
	return &Secreter{
		randReader: randReader,
		secretKey:  secretKey,
		lifetime:   DefaultLifetime,
		now:        time.Now,
	}
}

// NewRandomSecreter returns a [Secreter] with a freshly generated key, for
// when no key was configured. Messages it wraps can't be unwrapped by any
// other process.
func NewRandomSecreter() (*Secreter, error) {
	var key [32]byte
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewSecreter(key), nil
}

// Wrap encrypts the given message and returns a string that uses the
// URL-oriented base64 alphabet to represent both the message and some
// additional overhead used to authenticate it.
func (s *Secreter) Wrap(msg []byte) (string, error) {
	var nonce [nonceLength]byte
	if _, err := io.ReadFull(s.randReader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	wrapped := make([]byte, nonceLength, nonceLength+len(msg)+8+secretbox.Overhead)
	copy(wrapped, nonce[:])

	expiration := s.now().Add(s.lifetime).Unix()
	var buf bytes.Buffer
	buf.Grow(8 + len(msg))
	binary.Write(&buf, binary.BigEndian, expiration)
	buf.Write(msg)

	wrapped = secretbox.Seal(wrapped, buf.Bytes(), &nonce, &s.secretKey)
	return base64.URLEncoding.EncodeToString(wrapped), nil
}

// Unwrap takes a result from an earlier call to [Secreter.Wrap] on a Secreter
// with the same key as the receiver and returns the message wrapped inside.
func (s *Secreter) Unwrap(wrapped string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding")
	}
	if len(raw) < nonceLength+secretbox.Overhead+8 {
		return nil, fmt.Errorf("message too short")
	}
	var nonce [nonceLength]byte
	copy(nonce[:], raw)
	raw = raw[nonceLength:]

	ret, ok := secretbox.Open(nil, raw, &nonce, &s.secretKey)
	if !ok {
		return nil, fmt.Errorf("decryption error")
	}

	expirationUnix := int64(binary.BigEndian.Uint64(ret[:8]))
	if s.now().After(time.Unix(expirationUnix, 0)) {
		return nil, fmt.Errorf("message has expired")
	}
	return ret[8:], nil
}

// WrapDigest produces a token naming the given manifest digest within the
// given repository.
func (s *Secreter) WrapDigest(repository string, dgst digest.Digest) (string, error) {
	return s.Wrap([]byte(repository + "@" + dgst.String()))
}

// UnwrapDigest returns the digest wrapped by [Secreter.WrapDigest], or an
// error if the token is invalid, has expired, or was issued for a different
// repository.
func (s *Secreter) UnwrapDigest(repository string, token string) (digest.Digest, error) {
	msg, err := s.Unwrap(token)
	if err != nil {
		return "", err
	}
	prefix := []byte(repository + "@")
	if !bytes.HasPrefix(msg, prefix) {
		return "", fmt.Errorf("token was issued for a different repository")
	}
	dgst, err := digest.Parse(string(msg[len(prefix):]))
	if err != nil {
		return "", fmt.Errorf("token contains an invalid digest: %w", err)
	}
	return dgst, nil
}
