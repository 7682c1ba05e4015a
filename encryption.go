package dicomindex

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"
)

// EncryptionBackend wraps any backend with AES-256-GCM encryption at rest.
// Instance metadata carries patient identifiers, so deployments that cannot
// rely on bucket-level encryption wrap their backend with this.
//
// Example:
//
//	key := loadFromSecretsManager() // 32-byte key
//	backend, err := dicomindex.NewEncryptionBackend(s3Backend, key)
//	metadata := dicomindex.NewMetadataStore(backend)
type EncryptionBackend struct {
	Backend
	key []byte // 32 bytes for AES-256
}

// NewEncryptionBackend wraps a backend with AES-256-GCM encryption.
// Key must be exactly 32 bytes for AES-256.
func NewEncryptionBackend(backend Backend, key []byte) (*EncryptionBackend, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}

	return &EncryptionBackend{
		Backend: backend,
		key:     key,
	}, nil
}

// Put encrypts data before storing
func (e *EncryptionBackend) Put(ctx context.Context, key string, data []byte) error {
	encrypted, err := e.encrypt(data)
	if err != nil {
		return err
	}
	return e.Backend.Put(ctx, key, encrypted)
}

// Get decrypts data after retrieving
func (e *EncryptionBackend) Get(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.decrypt(encrypted)
}

// encrypt uses AES-256-GCM with a random nonce prepended to the ciphertext
func (e *EncryptionBackend) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, storeFailure("create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, storeFailure("create gcm", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, storeFailure("generate nonce", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt reverses encryption
func (e *EncryptionBackend) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, storeFailure("create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, storeFailure("create gcm", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(ciphertext),
		})
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"reason": "decryption failed",
		})
	}

	return plaintext, nil
}
