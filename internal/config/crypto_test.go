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
	t.Setenv("SCOUT_SECRET_KEY", "test-secret-key-for-unit-tests")

	sk, err := NewSecretKey()
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"api_key", "sk-abc123def456xyz"},
		{"empty", ""},
		{"long_key", "sk-proj-very-long-api-key-that-might-be-used-by-some-providers-1234567890"},
		{"special_chars", "sk-+/=!@#$%^&*()"},
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

			again, err := sk.Encrypt(tt.plaintext)
			require.NoError(t, err)
			assert.NotEqual(t, encrypted, again, "nonce must differ per call")

			decrypted, err := sk.Decrypt(encrypted)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, decrypted)
		})
	}
}

func TestSecretKey_WrongKeyFails(t *testing.T) {
	enc, err := SecretKeyFromPassphrase("one").Encrypt("sk-secret")
	require.NoError(t, err)

	_, err = SecretKeyFromPassphrase("two").Decrypt(enc)
	assert.ErrorContains(t, err, "decryption failed")

	_, err = SecretKeyFromPassphrase("one").Decrypt("enc:!!not-base64")
	assert.Error(t, err)
}

func TestSecretKey_PlainPassthrough(t *testing.T) {
	out, err := SecretKeyFromPassphrase("k").Decrypt("sk-plain")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain", out)
}

func TestLoadOrCreateSecretKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "secret.key")

	first, err := LoadOrCreateSecretKey(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	enc, err := first.Encrypt("sk-persisted")
	require.NoError(t, err)

	second, err := LoadOrCreateSecretKey(path)
	require.NoError(t, err)
	dec, err := second.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "sk-persisted", dec)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "", MaskSecret(""))
	assert.Equal(t, "****", MaskSecret("abc"))
	assert.Equal(t, "****5678", MaskSecret("sk-12345678"))
	assert.True(t, isMasked(MaskSecret("sk-12345678")))
	assert.False(t, isMasked("sk-12345678"))
}
