package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SecretLength is the required size of the client-held master secret.
	SecretLength = 96

	// KeySize is the AES-256 key size.
	KeySize = 32
)

// storageKeyInfo keeps the local at-rest key out of the per-blob key space.
const storageKeyInfo = "local-storage"

// DeriveBlobKey derives the per-blob AES-256 key from the master secret and
// the blob id. The derivation is deterministic, so both ends of the wire
// arrive at the same key without exchanging it.
func DeriveBlobKey(secret []byte, docID string) ([]byte, error) {
	return derive(secret, []byte(docID))
}

// DeriveStorageKey derives the key the local store uses to encrypt row
// payloads at rest.
func DeriveStorageKey(secret []byte) ([]byte, error) {
	return derive(secret, []byte(storageKeyInfo))
}

func derive(secret, info []byte) ([]byte, error) {
	if len(secret) != SecretLength {
		return nil, fmt.Errorf("master secret must be %d bytes, got %d", SecretLength, len(secret))
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
