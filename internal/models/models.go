package models

import (
	"errors"
	"fmt"
	"time"
)

// Config holds every setting of the engine process.
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	JournalPath  string `json:"journal_path"`   // badger directory for the event journal
	StorePath    string `json:"store_path"`     // sqlite file for bot status and closed positions
	HTTPAddr     string `json:"http_addr"`      // empty disables the HTTP surface
	APITokenHash string `json:"api_token_hash"` // bcrypt hash of the control API bearer token

	LogConfig LogConfig    `json:"log"`
	Engine    EngineConfig `json:"engine"`
	Paper     PaperConfig  `json:"paper"`
	Bots      []BotConfig  `json:"bots"`

	BaseURL   string `json:"base_url"`    // set at runtime from IsTestnet
	WSBaseURL string `json:"ws_base_url"` // set at runtime from IsTestnet
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // console, file, both
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

// EngineConfig tunes every bot run loop.
type EngineConfig struct {
	IntervalSec         float64 `json:"interval_sec"`          // pause between iterations
	MinBalance          float64 `json:"min_balance"`           // below this the bot aborts
	BalanceFailureLimit int     `json:"balance_failure_limit"` // consecutive balance fetch failures tolerated
	EventBuffer         int     `json:"event_buffer"`          // dispatcher queue size
}

// Interval returns the loop interval, defaulting to five seconds.
func (c EngineConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalSec * float64(time.Second))
}

// PaperConfig configures the simulated exchange used in paper mode.
type PaperConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	TakerFeeRate   float64 `json:"taker_fee_rate"`
	SlippageRate   float64 `json:"slippage_rate"`
}

// BotConfig is one bot entry of the config file.
type BotConfig struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Name       string           `json:"name"`
	Symbols    []string         `json:"symbols"`
	Martingale MartingaleConfig `json:"martingale"`
	AutoStart  *bool            `json:"auto_start,omitempty"` // nil means true

	// Credentials are decrypted with the master secret. When they are
	// absent, APIKeyEnv/SecretKeyEnv name environment variables to read.
	Credentials  EncryptedCredentials `json:"credentials"`
	APIKeyEnv    string               `json:"api_key_env"`
	SecretKeyEnv string               `json:"secret_key_env"`
}

// MartingaleConfig is the immutable strategy snapshot a bot runs with.
type MartingaleConfig struct {
	Leverage             int       `json:"leverage"`
	TakeProfitPct        float64   `json:"take_profit_pct"`
	MarginSequence       []float64 `json:"martingale_sequence"`
	MartingaleTriggerPct float64   `json:"martingale_trigger_pct"`
	MaxPositions         int       `json:"max_positions"`
}

// DefaultMartingaleConfig mirrors the defaults a freshly created bot gets.
func DefaultMartingaleConfig() MartingaleConfig {
	return MartingaleConfig{
		Leverage:             25,
		TakeProfitPct:        0.56,
		MarginSequence:       []float64{0.20, 0.27, 0.36, 0.47, 0.63, 0.83, 1.08, 1.43, 1.88, 2.47, 3.25},
		MartingaleTriggerPct: 1.1,
		MaxPositions:         2,
	}
}

// MaxStep is the deepest step index a position can reach.
func (c MartingaleConfig) MaxStep() int {
	return len(c.MarginSequence) - 1
}

// Clone returns a copy that shares no memory with c.
func (c MartingaleConfig) Clone() MartingaleConfig {
	out := c
	out.MarginSequence = append([]float64(nil), c.MarginSequence...)
	return out
}

// Validate checks the config against the number of symbols the bot trades.
func (c MartingaleConfig) Validate(symbolCount int) error {
	var errs []error
	if c.Leverage <= 0 {
		errs = append(errs, fmt.Errorf("leverage must be positive, got %d", c.Leverage))
	}
	if c.TakeProfitPct <= 0 {
		errs = append(errs, fmt.Errorf("take_profit_pct must be positive, got %v", c.TakeProfitPct))
	}
	if len(c.MarginSequence) == 0 {
		errs = append(errs, errors.New("martingale_sequence must not be empty"))
	}
	for i, m := range c.MarginSequence {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("martingale_sequence[%d] must be positive, got %v", i, m))
		}
	}
	if c.MartingaleTriggerPct <= 0 {
		errs = append(errs, fmt.Errorf("martingale_trigger_pct must be positive, got %v", c.MartingaleTriggerPct))
	}
	if c.MaxPositions <= 0 {
		errs = append(errs, fmt.Errorf("max_positions must be positive, got %d", c.MaxPositions))
	} else if c.MaxPositions > symbolCount {
		errs = append(errs, fmt.Errorf("max_positions (%d) exceeds symbol count (%d)", c.MaxPositions, symbolCount))
	}
	return errors.Join(errs...)
}

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderResult is what an exchange returns for a market order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Filled        bool
	ExecutedQty   float64
	AvgPrice      float64
	Status        string
}
