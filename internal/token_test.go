package internal

import (
	"errors"
	"strings"
	"testing"
)

func TestNewIDIsHex(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewID()
		if !ValidID(id) {
			t.Fatalf("invalid id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestRandomAlphanumeric(t *testing.T) {
	s, err := RandomAlphanumeric(SecretLength)
	if err != nil {
		t.Fatalf("RandomAlphanumeric: %v", err)
	}
	if len(s) != SecretLength {
		t.Fatalf("expected %d chars, got %d", SecretLength, len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune(alphanumeric, c) {
			t.Fatalf("unexpected character %q", c)
		}
	}
	if _, err := RandomAlphanumeric(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestJoinSplitToken(t *testing.T) {
	id := NewID()
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}

	token := JoinToken(id, secret)
	if len(token) != TokenLength {
		t.Fatalf("token length = %d", len(token))
	}

	gotID, gotSecret, err := SplitToken(token)
	if err != nil {
		t.Fatalf("SplitToken: %v", err)
	}
	if gotID != id || gotSecret != secret {
		t.Fatalf("split mismatch: %q %q", gotID, gotSecret)
	}
}

func TestSplitTokenRejectsMalformed(t *testing.T) {
	secret := strings.Repeat("a", SecretLength)
	cases := map[string]string{
		"empty":        "",
		"short":        NewID() + "abc",
		"long":         NewID() + secret + "x",
		"upper hex id": strings.ToUpper(NewID()) + secret,
		"non hex id":   strings.Repeat("z", IDLength) + secret,
		"bad secret":   NewID() + strings.Repeat("-", SecretLength),
	}
	for name, token := range cases {
		if _, _, err := SplitToken(token); !errors.Is(err, ErrMalformedToken) {
			t.Fatalf("%s: expected ErrMalformedToken, got %v", name, err)
		}
	}
}
