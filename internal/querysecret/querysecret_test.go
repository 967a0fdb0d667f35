package querysecret

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func testSecreter(t *testing.T) *Secreter {
	t.Helper()
	var key [32]byte
	n, err := rand.Read(key[:])
	if err != nil || n != 32 {
		t.Fatal("failed to generate key")
	}
	return NewSecreter(key)
}

func TestSecreter(t *testing.T) {
	s := testSecreter(t)

	msg := []byte("hello!")
	qsArg, err := s.Wrap(msg)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("query string argument is %q", qsArg)

	got, err := s.Unwrap(qsArg)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, msg) {
		t.Error("result does not match input")
	}
}

func TestSecreterExpired(t *testing.T) {
	s := testSecreter(t)
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return issued }

	qsArg, err := s.Wrap([]byte("hello!"))
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return issued.Add(DefaultLifetime - time.Second) }
	if _, err := s.Unwrap(qsArg); err != nil {
		t.Errorf("unexpected error before expiry: %s", err)
	}

	s.now = func() time.Time { return issued.Add(DefaultLifetime + time.Second) }
	if _, err := s.Unwrap(qsArg); err == nil {
		t.Error("unexpected success after expiry")
	}
}

func TestSecreterWrongKey(t *testing.T) {
	qsArg, err := testSecreter(t).Wrap([]byte("hello!"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := testSecreter(t).Unwrap(qsArg); err == nil {
		t.Error("unexpected success with a different key")
	}
}

func TestSecreterGarbage(t *testing.T) {
	s := testSecreter(t)
	for _, input := range []string{"", "!!!", "aGVsbG8=", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"} {
		if _, err := s.Unwrap(input); err == nil {
			t.Errorf("unexpected success for %q", input)
		}
	}
}

func TestSecreterDigest(t *testing.T) {
	s := testSecreter(t)
	dgst := digest.FromString("manifest")

	token, err := s.WrapDigest("library/alpine", dgst)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.UnwrapDigest("library/alpine", token)
	if err != nil {
		t.Fatal(err)
	}
	if got != dgst {
		t.Errorf("wrong digest %s; want %s", got, dgst)
	}

	if _, err := s.UnwrapDigest("library/alpine-other", token); err == nil {
		t.Error("unexpected success for a different repository")
	}
	if _, err := s.UnwrapDigest("library", token); err == nil {
		t.Error("unexpected success for a prefix of the repository")
	}
}
