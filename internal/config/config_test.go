package config

import (
	"os"
	"path/filepath"
	"testing"

	"martingale-bot-go/internal/models"
	"martingale-bot-go/internal/secrets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const botID = "6f1c1b0e-6a3e-4b8a-9d7e-3f2d8c4a1b2c"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `{
		"is_testnet": true,
		"bots": [{"id": "`+botID+`", "name": "alpha", "symbols": ["btcusdt", " ethusdt "]}]
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, defaultTestnetAPIURL, cfg.BaseURL)
	assert.Equal(t, defaultTestnetWSURL, cfg.WSBaseURL)
	assert.Equal(t, "info", cfg.LogConfig.Level)
	assert.Equal(t, 1000.0, cfg.Paper.InitialBalance)

	require.Len(t, cfg.Bots, 1)
	b := cfg.Bots[0]
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, b.Symbols)
	assert.Equal(t, models.DefaultMartingaleConfig(), b.Martingale)
	assert.True(t, AutoStart(b))
}

func TestLoadConfig_LiveEndpoints(t *testing.T) {
	path := writeConfig(t, `{"live_api_url": "https://example.test", "bots": []}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://example.test", cfg.BaseURL)
	assert.Equal(t, defaultLiveWSURL, cfg.WSBaseURL)
}

func TestLoadConfig_SingleSymbolCapsMaxPositions(t *testing.T) {
	path := writeConfig(t, `{"bots": [{"id": "`+botID+`", "symbols": ["BTCUSDT"]}]}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Bots[0].Martingale.MaxPositions)
}

func TestLoadConfig_CollectsErrors(t *testing.T) {
	path := writeConfig(t, `{
		"engine": {"interval_sec": -1},
		"bots": [
			{"id": "not-a-uuid", "symbols": ["BTCUSDT"]},
			{"id": "`+botID+`", "symbols": ["BTCUSDT"], "martingale": {"max_positions": 3}},
			{"id": "`+botID+`", "symbols": []}
		]
	}`)

	_, err := LoadConfig(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "interval_sec")
	assert.Contains(t, msg, "invalid id")
	assert.Contains(t, msg, "exceeds symbol count")
	assert.Contains(t, msg, "duplicate id")
	assert.Contains(t, msg, "no symbols")
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestBotSpec_EncryptedCredentials(t *testing.T) {
	c, err := secrets.NewCipher("master")
	require.NoError(t, err)
	key, _ := c.Encrypt("k")
	secret, _ := c.Encrypt("s")

	b := models.BotConfig{
		ID:          botID,
		UserID:      "u1",
		Name:        "alpha",
		Symbols:     []string{"BTCUSDT"},
		Martingale:  models.DefaultMartingaleConfig(),
		Credentials: models.EncryptedCredentials{APIKey: key, SecretKey: secret},
	}
	spec, err := BotSpec(b, c)
	require.NoError(t, err)
	assert.Equal(t, botID, spec.ID.String())
	assert.Equal(t, "k", spec.Credentials.APIKey)
	assert.Equal(t, "s", spec.Credentials.SecretKey)

	spec.Config.MarginSequence[0] = 99
	assert.NotEqual(t, 99.0, b.Martingale.MarginSequence[0])

	_, err = BotSpec(b, nil)
	assert.ErrorContains(t, err, "no master secret")
}

func TestBotSpec_EnvCredentials(t *testing.T) {
	t.Setenv("TEST_BOT_KEY", "env-key")
	t.Setenv("TEST_BOT_SECRET", "env-secret")

	spec, err := BotSpec(models.BotConfig{
		ID:           botID,
		Symbols:      []string{"BTCUSDT"},
		APIKeyEnv:    "TEST_BOT_KEY",
		SecretKeyEnv: "TEST_BOT_SECRET",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "env-key", spec.Credentials.APIKey)
	assert.Equal(t, "env-secret", spec.Credentials.SecretKey)
}

func TestBotSpec_NoCredentials(t *testing.T) {
	spec, err := BotSpec(models.BotConfig{ID: botID, Symbols: []string{"BTCUSDT"}}, nil)
	require.NoError(t, err)
	assert.True(t, spec.Credentials.Empty())

	_, err = BotSpec(models.BotConfig{ID: "bad"}, nil)
	assert.Error(t, err)
}

func TestAutoStart(t *testing.T) {
	off := false
	assert.False(t, AutoStart(models.BotConfig{AutoStart: &off}))
}
