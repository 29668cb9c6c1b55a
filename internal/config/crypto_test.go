package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretKey_EncryptDecrypt(t *testing.T) {
	t.Setenv(EnvSecretKey, "test-secret-key-for-unit-tests")

	sk, err := NewSecretKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api_token", "tl-abc123def456xyz"},
		{"empty", ""},
		{"long_token", "tl-proj-very-long-api-token-that-a-training-service-might-issue-1234567890"},
		{"special_chars", "tl-+/=!@#$%^&*()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := sk.Encrypt(tt.plaintext)
			require.NoError(t, err)

			if tt.plaintext == "" {
				assert.Empty(t, encrypted)
				return
			}

			assert.True(t, strings.HasPrefix(encrypted, "enc:"))
			assert.NotEqual(t, tt.plaintext, encrypted)

			decrypted, err := sk.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestSecretKey_DecryptPlaintext(t *testing.T) {
	t.Setenv(EnvSecretKey, "test-key")

	sk, err := NewSecretKey()
	require.NoError(t, err)

	result, err := sk.Decrypt("plain-text-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-text-value", result)
}

func TestSecretKey_WrongKeyFails(t *testing.T) {
	t.Setenv(EnvSecretKey, "key-one")
	one, err := NewSecretKey()
	require.NoError(t, err)
	encrypted, err := one.Encrypt("token")
	require.NoError(t, err)

	t.Setenv(EnvSecretKey, "key-two")
	two, err := NewSecretKey()
	require.NoError(t, err)

	_, err = two.Decrypt(encrypted)
	assert.Error(t, err)

	_, err = two.Decrypt("enc:AAAA")
	assert.Error(t, err, "truncated ciphertext")
}

func TestSecretKey_GeneratedKeyIsPersisted(t *testing.T) {
	t.Setenv(EnvSecretKey, "")
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := NewSecretKeyIn(dir)
	require.NoError(t, err)
	encrypted, err := first.Encrypt("token")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := NewSecretKeyIn(dir)
	require.NoError(t, err)
	decrypted, err := second.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "token", decrypted)
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"ab", "****"},
		{"abcd", "****"},
		{"tl-abc123def", "****3def"},
		{"tl-proj-very-long-key-12345", "****2345"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, MaskSecret(tt.input), "MaskSecret(%q)", tt.input)
	}
}
