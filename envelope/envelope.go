package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every derived user key (AES-256).
const KeySize = 32

const keyLabel = "phazeid/envelope/v1"

var (
	// ErrInvalidBlob is returned by Open when the blob is truncated or fails
	// authentication.
	ErrInvalidBlob = errors.New("envelope: invalid blob")
	// ErrInvalidKey is returned when a key is not KeySize bytes.
	ErrInvalidKey = errors.New("envelope: invalid key size")
	// ErrMissingRoot is returned by DeriveUserKey and NewVault without a root secret.
	ErrMissingRoot = errors.New("envelope: root secret required")
)

// DeriveUserKey derives the per-user AES-256 key from the deployment root
// secret, the global salt and the user identifier. Identical inputs always
// produce the same key.
func DeriveUserKey(rootSecret, salt []byte, userID string) ([]byte, error) {
	if len(rootSecret) == 0 {
		return nil, ErrMissingRoot
	}
	if userID == "" {
		return nil, errors.New("envelope: user id required")
	}

	info := make([]byte, 0, len(keyLabel)+1+len(userID))
	info = append(info, keyLabel...)
	info = append(info, 0)
	info = append(info, userID...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootSecret, salt, info), key); err != nil {
		return nil, fmt.Errorf("envelope: derive key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under key. The returned blob is
// nonce||ciphertext||tag with a fresh random nonce.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(key, blob []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidBlob
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidBlob
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
