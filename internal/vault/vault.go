// Package vault seals backup archives with a passphrase.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Sealed data is magic | salt | nonce | AES-256-GCM ciphertext.
const (
	magic    = "SWVAULT1"
	saltSize = 16
)

var (
	ErrNotSealed = errors.New("data is not sealed")
	ErrDecrypt   = errors.New("wrong passphrase or corrupted data")
)

// deriveKey stretches the passphrase into an AES-256 key with Argon2id.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext under a key derived from passphrase and a fresh
// random salt.
func Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	header := make([]byte, 0, len(magic)+saltSize+len(nonce))
	header = append(header, magic...)
	header = append(header, salt...)
	header = append(header, nonce...)

	// The header is authenticated along with the ciphertext.
	out := make([]byte, len(header), len(header)+len(plaintext)+gcm.Overhead())
	copy(out, header)
	return gcm.Seal(out, nonce, plaintext, header), nil
}

// IsSealed reports whether data starts with the vault header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(magic))
}

// Open decrypts data produced by Seal.
func Open(passphrase string, data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, ErrNotSealed
	}
	rest := data[len(magic):]
	if len(rest) < saltSize {
		return nil, ErrDecrypt
	}
	salt := rest[:saltSize]

	gcm, err := newGCM(deriveKey(passphrase, salt))
	if err != nil {
		return nil, err
	}
	headerLen := len(magic) + saltSize + gcm.NonceSize()
	if len(data) < headerLen+gcm.Overhead() {
		return nil, ErrDecrypt
	}
	nonce := data[len(magic)+saltSize : headerLen]

	plaintext, err := gcm.Open(nil, nonce, data[headerLen:], data[:headerLen])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
