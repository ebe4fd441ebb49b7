// Package crypto provides encryption utilities for securing sensitive data
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrKeyNotSet is returned when ENCRYPTION_KEY is missing
var ErrKeyNotSet = errors.New("ENCRYPTION_KEY environment variable not set")

// EnvKey reads the AES-256 key from the ENCRYPTION_KEY environment variable
func EnvKey() ([]byte, error) {
	key := []byte(os.Getenv("ENCRYPTION_KEY"))
	if len(key) == 0 {
		return nil, ErrKeyNotSet
	}
	return key, nil
}

// EncryptAES256GCM encrypts plaintext using AES-256-GCM and returns base64-encoded ciphertext
// The encryption key is read from ENCRYPTION_KEY environment variable (must be 32 bytes)
func EncryptAES256GCM(plaintext string) (string, error) {
	key, err := EnvKey()
	if err != nil {
		return "", err
	}
	return Encrypt(key, plaintext)
}

// DecryptAES256GCM decrypts base64-encoded ciphertext using AES-256-GCM
// The encryption key is read from ENCRYPTION_KEY environment variable (must be 32 bytes)
func DecryptAES256GCM(ciphertext string) (string, error) {
	key, err := EnvKey()
	if err != nil {
		return "", err
	}
	return Decrypt(key, ciphertext)
}

// Encrypt seals plaintext with the given 32 byte key. The nonce is prepended
// to the ciphertext before base64 encoding.
func Encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt
func Decrypt(key []byte, ciphertext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64 ciphertext: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize, len(data))
	}

	nonce, encryptedData := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, encryptedData, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
