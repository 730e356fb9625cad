package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretKey_EncryptDecrypt(t *testing.T) {
	t.Setenv("CALLPIPE_SECRET_KEY", "test-secret-key-for-unit-tests")

	sk, err := NewSecretKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api_key", "dg-abc123def456xyz"},
		{"empty", ""},
		{"long_key", "dg-proj-very-long-api-key-that-might-be-used-by-some-providers-1234567890"},
		{"special_chars", "dg-+/=!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := sk.Encrypt(tt.plaintext)
			require.NoError(t, err)

			if tt.plaintext == "" {
				assert.Empty(t, encrypted)
				return
			}
			assert.True(t, IsEncrypted(encrypted))
			assert.NotEqual(t, tt.plaintext, encrypted)

			decrypted, err := sk.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestSecretKey_DecryptPlaintext(t *testing.T) {
	sk := NewSecretKeyFromPassphrase("test-key")

	result, err := sk.Decrypt("plain-text-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-text-value", result)
}

func TestSecretKey_WrongKey(t *testing.T) {
	enc, err := NewSecretKeyFromPassphrase("one").Encrypt("secret")
	require.NoError(t, err)

	_, err = NewSecretKeyFromPassphrase("two").Decrypt(enc)
	assert.Error(t, err)

	_, err = NewSecretKeyFromPassphrase("one").Decrypt("enc:@@not-base64@@")
	assert.Error(t, err)
}

func TestLoadSecretKeyFile_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")

	first, err := LoadSecretKeyFile(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	enc, err := first.Encrypt("value")
	require.NoError(t, err)

	second, err := LoadSecretKeyFile(path)
	require.NoError(t, err)
	plain, err := second.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"dg-abc123def", "****3def"},
		{"dg-proj-very-long-key-12345", "****2345"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MaskSecret(tt.input), "MaskSecret(%q)", tt.input)
	}
}
