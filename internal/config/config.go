package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"martingale-bot-go/internal/models"
	"martingale-bot-go/internal/secrets"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultLiveAPIURL    = "https://fapi.binance.com"
	defaultLiveWSURL     = "wss://fstream.binance.com"
	defaultTestnetAPIURL = "https://testnet.binancefuture.com"
	defaultTestnetWSURL  = "wss://stream.binancefuture.com"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中,
// fills defaults and resolves the endpoints for the selected network.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	ApplyDefaults(config)
	if err := Validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyDefaults fills zero values and sets BaseURL/WSBaseURL from IsTestnet.
func ApplyDefaults(cfg *models.Config) {
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = defaultLiveAPIURL
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = defaultLiveWSURL
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = defaultTestnetAPIURL
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = defaultTestnetWSURL
	}
	if cfg.IsTestnet {
		cfg.BaseURL, cfg.WSBaseURL = cfg.TestnetAPIURL, cfg.TestnetWSURL
	} else {
		cfg.BaseURL, cfg.WSBaseURL = cfg.LiveAPIURL, cfg.LiveWSURL
	}

	if cfg.JournalPath == "" {
		cfg.JournalPath = "data/journal"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "data/martingale.db"
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.LogConfig.Output == "" {
		cfg.LogConfig.Output = "console"
	}
	if cfg.Paper.InitialBalance <= 0 {
		cfg.Paper.InitialBalance = 1000
	}

	defaults := models.DefaultMartingaleConfig()
	for i := range cfg.Bots {
		b := &cfg.Bots[i]
		for k, s := range b.Symbols {
			b.Symbols[k] = strings.ToUpper(strings.TrimSpace(s))
		}
		m := &b.Martingale
		if m.Leverage == 0 {
			m.Leverage = defaults.Leverage
		}
		if m.TakeProfitPct == 0 {
			m.TakeProfitPct = defaults.TakeProfitPct
		}
		if len(m.MarginSequence) == 0 {
			m.MarginSequence = defaults.MarginSequence
		}
		if m.MartingaleTriggerPct == 0 {
			m.MartingaleTriggerPct = defaults.MartingaleTriggerPct
		}
		if m.MaxPositions == 0 {
			m.MaxPositions = min(defaults.MaxPositions, max(len(b.Symbols), 1))
		}
	}
}

// Validate collects every problem of the config instead of stopping at the first.
func Validate(cfg *models.Config) error {
	var errs []error
	if cfg.Engine.IntervalSec < 0 {
		errs = append(errs, fmt.Errorf("engine.interval_sec must not be negative, got %v", cfg.Engine.IntervalSec))
	}
	if cfg.Engine.MinBalance < 0 {
		errs = append(errs, fmt.Errorf("engine.min_balance must not be negative, got %v", cfg.Engine.MinBalance))
	}
	if cfg.Paper.TakerFeeRate < 0 || cfg.Paper.SlippageRate < 0 {
		errs = append(errs, errors.New("paper fee and slippage rates must not be negative"))
	}

	seen := make(map[uuid.UUID]bool, len(cfg.Bots))
	for i, b := range cfg.Bots {
		id, err := uuid.Parse(b.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("bots[%d]: invalid id %q: %w", i, b.ID, err))
		} else if seen[id] {
			errs = append(errs, fmt.Errorf("bots[%d]: duplicate id %s", i, id))
		} else {
			seen[id] = true
		}
		if len(b.Symbols) == 0 {
			errs = append(errs, fmt.Errorf("bots[%d]: no symbols", i))
			continue
		}
		if err := b.Martingale.Validate(len(b.Symbols)); err != nil {
			errs = append(errs, fmt.Errorf("bots[%d] (%s): %w", i, b.Name, err))
		}
	}
	return errors.Join(errs...)
}

// AutoStart reports whether the bot is started with the process.
func AutoStart(b models.BotConfig) bool {
	return b.AutoStart == nil || *b.AutoStart
}

// BotSpec resolves one bot entry into what the supervisor runs. cipher may
// be nil when no encrypted credentials are configured.
func BotSpec(b models.BotConfig, cipher *secrets.Cipher) (models.BotSpec, error) {
	id, err := uuid.Parse(b.ID)
	if err != nil {
		return models.BotSpec{}, fmt.Errorf("invalid bot id %q: %w", b.ID, err)
	}

	var creds models.Credentials
	switch {
	case b.Credentials.APIKey != "" || b.Credentials.SecretKey != "":
		if cipher == nil {
			return models.BotSpec{}, fmt.Errorf("bot %s has encrypted credentials but no master secret is set", id)
		}
		creds, err = cipher.DecryptCredentials(b.Credentials)
		if err != nil {
			return models.BotSpec{}, fmt.Errorf("decrypt credentials of bot %s: %w", id, err)
		}
	case b.APIKeyEnv != "" || b.SecretKeyEnv != "":
		creds = models.Credentials{
			APIKey:    os.Getenv(b.APIKeyEnv),
			SecretKey: os.Getenv(b.SecretKeyEnv),
			Sandbox:   b.Credentials.Sandbox,
		}
	}

	return models.BotSpec{
		ID:          id,
		UserID:      b.UserID,
		Name:        b.Name,
		Symbols:     append([]string(nil), b.Symbols...),
		Config:      b.Martingale.Clone(),
		Credentials: creds,
	}, nil
}
