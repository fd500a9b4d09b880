package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_NoKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")

	content := []byte(`{"version": 1}`)
	encrypted, err := EncryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, encrypted)

	decrypted, err := DecryptState(content)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestEncryptDecrypt_WithKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "short passphrase")

	content := []byte(`{"version": 1, "serial": 42, "lineage": "test-uuid"}`)

	encrypted, err := EncryptState(content)
	require.NoError(t, err)
	assert.NotEqual(t, content, encrypted)
	assert.True(t, IsEncrypted(encrypted))
	assert.NotContains(t, string(encrypted), "test-uuid")

	again, err := EncryptState(content)
	require.NoError(t, err)
	assert.NotEqual(t, encrypted, again, "nonce must differ per write")

	decrypted, err := DecryptState(encrypted)
	require.NoError(t, err)
	assert.Equal(t, content, decrypted)
}

func TestIsEncrypted(t *testing.T) {
	assert.True(t, IsEncrypted([]byte(encryptedHeader+"base64data")))
	assert.False(t, IsEncrypted([]byte(`{"version": 1}`)))
	assert.False(t, IsEncrypted(nil))
}

func TestDecryptState_WrongKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse")

	encrypted, err := EncryptState([]byte("test data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "battery staple")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong key")
}

func TestDecryptState_NoKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some key")

	encrypted, err := EncryptState([]byte("test data"))
	require.NoError(t, err)

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err = DecryptState(encrypted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not set")
}
