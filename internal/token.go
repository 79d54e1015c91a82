package internal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	// IDLength is the length of the lookup half of an opaque token.
	IDLength = 24
	// SecretLength is the length of the secret half of an opaque token.
	SecretLength = 64
	// TokenLength is the full transport length of an opaque token.
	TokenLength = IDLength + SecretLength

	alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrMalformedToken is returned by SplitToken for any input that is not
// exactly id||secret.
var ErrMalformedToken = errors.New("malformed token")

// NewID returns a fresh 24 character hex identifier. Identifiers share the
// ObjectID layout so that Mongo-backed deployments can use them as _id.
func NewID() string {
	return primitive.NewObjectID().Hex()
}

// ValidID reports whether id is a 24 character lowercase hex identifier.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// RandomAlphanumeric returns n characters drawn uniformly from [A-Za-z0-9]
// using crypto/rand.
func RandomAlphanumeric(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("invalid random length %d", n)
	}

	var b strings.Builder
	b.Grow(n)

	max := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphanumeric[idx.Int64()])
	}

	return b.String(), nil
}

// NewSecret returns a SecretLength alphanumeric secret.
func NewSecret() (string, error) {
	return RandomAlphanumeric(SecretLength)
}

// JoinToken builds the transport form of an opaque credential.
func JoinToken(id, secret string) string {
	return id + secret
}

// SplitToken validates and splits the transport form into its id and secret
// halves.
func SplitToken(token string) (string, string, error) {
	if len(token) != TokenLength {
		return "", "", ErrMalformedToken
	}

	id, secret := token[:IDLength], token[IDLength:]
	if !ValidID(id) {
		return "", "", ErrMalformedToken
	}
	for i := 0; i < len(secret); i++ {
		if strings.IndexByte(alphanumeric, secret[i]) < 0 {
			return "", "", ErrMalformedToken
		}
	}

	return id, secret, nil
}
