package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	c, err := NewCipher(key)
	require.NoError(t, err)

	plaintext := []byte("smtp password")
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestNewCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher("abcd")
	assert.Error(t, err)
}

func TestCipherDecryptRejectsGarbage(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	_, err = c.Decrypt([]byte("too short"))
	assert.Error(t, err)
}

func TestSecretRefHelpers(t *testing.T) {
	assert.True(t, IsSecretRef("$SECRET:smtp_password"))
	assert.False(t, IsSecretRef("plain value"))
	assert.Equal(t, "smtp_password", ExtractSecretName("$SECRET:smtp_password"))
	assert.Equal(t, "", ExtractSecretName("plain value"))
}

func TestCryptFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.crypt")
	f, err := NewCryptFile(path, "hunter2")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Set(ctx, "mail1.smtp_password", []byte("s3cret")))

	got, err := f.Get(ctx, "mail1.smtp_password")
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), got)

	_, err = f.Get(ctx, "absent")
	assert.Error(t, err)

	// A keyring opened with the wrong password cannot decrypt.
	wrong, err := NewCryptFile(path, "not-hunter2")
	require.NoError(t, err)
	_, err = wrong.Get(ctx, "mail1.smtp_password")
	assert.Error(t, err)
}

func TestNewCryptFileRejectsEmptyPassword(t *testing.T) {
	_, err := NewCryptFile(filepath.Join(t.TempDir(), "k"), "")
	assert.Error(t, err)
}

func TestResolveConfigPassesPlainValuesThrough(t *testing.T) {
	r := NewResolver(nil)
	in := map[string]any{
		"smtp_host": "mail.example.com",
		"smtp_port": 587,
		"enabled":   true,
	}
	out, err := r.ResolveConfig(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
