package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurity_AESEncryption(t *testing.T) {
	t.Run("success - text is encrypted and decrypted", func(t *testing.T) {
		// arrange
		enc := NewAESEncrypter([]byte(GenerateRandomKey(32)))
		expectedText := "this is some text"

		// act
		encrypted, err := enc.EncryptAES(expectedText)
		require.NoError(t, err)
		decrypted, err := enc.DecryptAES(encrypted)

		// assert
		assert.NoError(t, err)
		assert.NotContains(t, encrypted, expectedText)
		assert.Equal(t, expectedText, string(decrypted))
	})
	t.Run("failure - wrong key", func(t *testing.T) {
		// arrange
		encrypted, err := NewAESEncrypter([]byte(GenerateRandomKey(32))).EncryptAES("text")
		require.NoError(t, err)

		// act
		_, err = NewAESEncrypter([]byte(GenerateRandomKey(32))).DecryptAES(encrypted)

		// assert
		assert.Error(t, err)
	})
	t.Run("failure - truncated cipher text", func(t *testing.T) {
		// act
		_, err := NewAESEncrypter([]byte(GenerateRandomKey(32))).DecryptAES("abcd")

		// assert
		assert.ErrorIs(t, err, ErrCipherTextTooShort)
	})
}

func TestSecurity_EnsureKey(t *testing.T) {
	t.Run("success - existing key is used", func(t *testing.T) {
		// arrange
		key := GenerateRandomKey(32)

		// act
		got, err := EnsureKey(key, "RUNFLOW_ENCRYPTION_KEY", filepath.Join(t.TempDir(), ".env"))

		// assert
		assert.NoError(t, err)
		assert.Equal(t, key, string(got))
	})
	t.Run("success - key is generated and stored", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), ".env")

		// act
		got, err := EnsureKey("", "RUNFLOW_ENCRYPTION_KEY", path)

		// assert
		require.NoError(t, err)
		assert.Len(t, got, 32)
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "RUNFLOW_ENCRYPTION_KEY="+string(got)+"\n", string(b))
	})
	t.Run("failure - invalid key length", func(t *testing.T) {
		// act
		_, err := EnsureKey("short", "RUNFLOW_ENCRYPTION_KEY", filepath.Join(t.TempDir(), ".env"))

		// assert
		assert.Error(t, err)
	})
}
