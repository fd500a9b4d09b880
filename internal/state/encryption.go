package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	// EncryptionKeyEnvVar names the passphrase used to encrypt state.
	EncryptionKeyEnvVar = "PRIVACYDAM_STATE_ENCRYPTION_KEY"

	encryptedHeader = "# PRIVACYDAM_ENCRYPTED_STATE v1\n"
	keyInfo         = "privacydam state"
)

// EncryptState seals content with AES-256-GCM under a key derived from the
// environment passphrase. Content passes through unchanged when no
// passphrase is set.
func EncryptState(content []byte) ([]byte, error) {
	key, err := encryptionKey()
	if err != nil || key == nil {
		return content, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, content, []byte(encryptedHeader))
	encoded := base64.StdEncoding.EncodeToString(sealed)
	return []byte(encryptedHeader + encoded + "\n"), nil
}

// DecryptState opens content sealed by EncryptState. Plain content is
// returned as is.
func DecryptState(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	key, err := encryptionKey()
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := bytes.TrimSpace(bytes.TrimPrefix(content, []byte(encryptedHeader)))
	sealed, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(encryptedHeader))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted checks if state content is encrypted.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, []byte(encryptedHeader))
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

// encryptionKey derives a 32-byte key from the passphrase, or returns nil
// when none is set.
func encryptionKey() ([]byte, error) {
	passphrase := os.Getenv(EncryptionKeyEnvVar)
	if passphrase == "" {
		return nil, nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive state key: %w", err)
	}
	return key, nil
}
