package tunnel

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// MinKeyBits is the smallest accepted client key.
	MinKeyBits = 2048
	// WeakKeyBits is the smallest client key accepted when weak keys are allowed.
	WeakKeyBits = 1024
)

var (
	ErrInvalidPublicKey = errors.New("tunnel: invalid public key")
	ErrWeakKey          = errors.New("tunnel: public key too small")
	ErrDecrypt          = errors.New("tunnel: decryption failed")
)

// GenerateKey creates an ephemeral RSA key pair.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits < WeakKeyBits {
		return nil, fmt.Errorf("tunnel: key size %d below %d", bits, WeakKeyBits)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}

// EncodePublicKey returns base64(PKIX DER) of pub.
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParsePublicKey decodes base64(PKIX DER) and requires an RSA key of at
// least minBits.
func ParsePublicKey(encoded string, minBits int) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidPublicKey
	}
	if pub.N.BitLen() < minBits {
		return nil, ErrWeakKey
	}
	return pub, nil
}

// MaxPlaintext is the largest message EncryptOAEP accepts for pub.
func MaxPlaintext(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptOAEP encrypts msg with RSA-OAEP(SHA-256) and an empty label.
func EncryptOAEP(pub *rsa.PublicKey, msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, msg, nil)
}

// DecryptOAEP reverses EncryptOAEP.
func DecryptOAEP(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	out, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return out, nil
}
