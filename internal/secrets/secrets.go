// Package secrets decrypts the exchange credentials stored in the bot config
// and checks the bearer token of the control API.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"martingale-bot-go/internal/models"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	keyLength     = 32 // AES-256
)

// 固定 salt, 同一个主密钥总是派生出同一个 key
var kdfSalt = []byte("martingale_salt_v1")

var (
	ErrEmptySecret       = errors.New("master secret is empty")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
	ErrTokenMismatch     = errors.New("token does not match hash")
)

// Cipher encrypts short strings with AES-256-GCM under a key derived from a
// master secret.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the key from secret with PBKDF2-SHA256.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: gcm}, nil
}

// Encrypt returns base64(nonce || ciphertext). Empty input stays empty.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// DecryptCredentials turns the encrypted key material of a bot into Credentials.
func (c *Cipher) DecryptCredentials(enc models.EncryptedCredentials) (models.Credentials, error) {
	var creds models.Credentials
	var err error
	if creds.APIKey, err = c.Decrypt(enc.APIKey); err != nil {
		return models.Credentials{}, fmt.Errorf("api key: %w", err)
	}
	if creds.SecretKey, err = c.Decrypt(enc.SecretKey); err != nil {
		return models.Credentials{}, fmt.Errorf("secret key: %w", err)
	}
	if creds.Passphrase, err = c.Decrypt(enc.Passphrase); err != nil {
		return models.Credentials{}, fmt.Errorf("passphrase: %w", err)
	}
	creds.Sandbox = enc.Sandbox
	return creds, nil
}

// HashToken bcrypt-hashes an API token for the config file.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptySecret
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckToken compares a presented token with its stored hash.
func CheckToken(hash, token string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrTokenMismatch
		}
		return err
	}
	return nil
}
