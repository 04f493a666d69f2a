package models

import (
	"github.com/google/uuid"
)

// Credentials are the already decrypted exchange keys of one bot owner.
type Credentials struct {
	APIKey     string `json:"-"`
	SecretKey  string `json:"-"`
	Passphrase string `json:"-"`
	Sandbox    bool   `json:"sandbox"`
}

// Empty reports whether the key pair is missing.
func (c Credentials) Empty() bool {
	return c.APIKey == "" || c.SecretKey == ""
}

// BotSpec is everything the supervisor needs to run one bot. It is resolved
// by the caller (config file, service layer) before Start is called.
type BotSpec struct {
	ID          uuid.UUID
	UserID      string
	Name        string
	Symbols     []string
	Config      MartingaleConfig
	Credentials Credentials
}

// BotStatus is the externally persisted lifecycle status of a bot.
type BotStatus string

const (
	BotStatusCreated BotStatus = "created"
	BotStatusRunning BotStatus = "running"
	BotStatusStopped BotStatus = "stopped"
	BotStatusError   BotStatus = "error"
)

// EncryptedCredentials is the at-rest form of Credentials: every field is
// base64 AES-GCM ciphertext.
type EncryptedCredentials struct {
	APIKey     string `json:"api_key_enc"`
	SecretKey  string `json:"secret_key_enc"`
	Passphrase string `json:"passphrase_enc,omitempty"`
	Sandbox    bool   `json:"sandbox"`
}
