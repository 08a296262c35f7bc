package password

import (
	"errors"
	"strings"
	"testing"
)

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

func TestHashAndMatch(t *testing.T) {
	v := newTestVerifier(t)
	digest, err := v.Hash("correct horse battery")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if !strings.HasPrefix(digest, "$argon2id$") {
		t.Fatalf("unexpected digest form: %s", digest)
	}

	ok, err := v.Match("correct horse battery", digest)
	if err != nil || !ok {
		t.Fatalf("expected match, got ok=%v err=%v", ok, err)
	}
	ok, err = v.Match("wrong", digest)
	if err != nil || ok {
		t.Fatalf("expected mismatch, got ok=%v err=%v", ok, err)
	}
}

func TestHashIsSalted(t *testing.T) {
	v := newTestVerifier(t)
	a, _ := v.Hash("secret-value")
	b, _ := v.Hash("secret-value")
	if a == b {
		t.Fatal("two digests of the same secret should differ by salt")
	}
}

func TestMatchRejectsMalformedDigest(t *testing.T) {
	v := newTestVerifier(t)
	for _, digest := range []string{
		"",
		"not a digest",
		"$argon2i$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
		"$argon2id$v=19$m=8192,t=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaA",
	} {
		if _, err := v.Match("x", digest); !errors.Is(err, ErrInvalidDigest) {
			t.Fatalf("digest %q: got %v, want ErrInvalidDigest", digest, err)
		}
	}
}

func TestConfigFloor(t *testing.T) {
	if _, err := NewVerifier(Config{Memory: 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 16}); err == nil {
		t.Fatal("expected memory floor rejection")
	}
	if _, err := NewVerifier(Config{Memory: 8192, Time: 1, Parallelism: 1, SaltLength: 8, KeyLength: 16}); err == nil {
		t.Fatal("expected salt floor rejection")
	}
}
