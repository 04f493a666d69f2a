package secrets

import (
	"testing"

	"martingale-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("master-secret")
	require.NoError(t, err)

	enc, err := c.Encrypt("my-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, "my-api-key", enc)

	again, err := c.Encrypt("my-api-key")
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce must differ per encryption")

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "my-api-key", dec)
}

func TestCipher_SameSecretSameKey(t *testing.T) {
	a, err := NewCipher("master-secret")
	require.NoError(t, err)
	b, err := NewCipher("master-secret")
	require.NoError(t, err)

	enc, err := a.Encrypt("value")
	require.NoError(t, err)
	dec, err := b.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "value", dec)
}

func TestCipher_Errors(t *testing.T) {
	_, err := NewCipher("")
	assert.ErrorIs(t, err, ErrEmptySecret)

	c, err := NewCipher("master-secret")
	require.NoError(t, err)
	other, err := NewCipher("another-secret")
	require.NoError(t, err)

	enc, err := c.Encrypt("value")
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Decrypt("not base64 !!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = c.Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	empty, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecryptCredentials(t *testing.T) {
	c, err := NewCipher("master-secret")
	require.NoError(t, err)
	key, _ := c.Encrypt("key")
	secret, _ := c.Encrypt("secret")

	creds, err := c.DecryptCredentials(models.EncryptedCredentials{APIKey: key, SecretKey: secret, Sandbox: true})
	require.NoError(t, err)
	assert.Equal(t, "key", creds.APIKey)
	assert.Equal(t, "secret", creds.SecretKey)
	assert.Empty(t, creds.Passphrase)
	assert.True(t, creds.Sandbox)

	_, err = c.DecryptCredentials(models.EncryptedCredentials{APIKey: key, SecretKey: "garbage"})
	assert.ErrorContains(t, err, "secret key")
}

func TestToken(t *testing.T) {
	hash, err := HashToken("s3cret", bcrypt.MinCost)
	require.NoError(t, err)

	assert.NoError(t, CheckToken(hash, "s3cret"))
	assert.ErrorIs(t, CheckToken(hash, "wrong"), ErrTokenMismatch)

	_, err = HashToken("", bcrypt.MinCost)
	assert.ErrorIs(t, err, ErrEmptySecret)
}
