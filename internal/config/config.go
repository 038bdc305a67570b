// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Persistence
	DatabaseURL    string // PostgreSQL connection string (optional, falls back to CheckpointFile)
	CheckpointFile string

	// Ledger
	ChainURL            string
	ChainID             int64 // 0 = ask the node
	OperatorPrivateKey  string
	RelayerPrivateKey   string
	PoolAddress         string
	SubmitTimeout       time.Duration
	ConfirmationTimeout time.Duration

	// Reconciliation
	CheckpointStartBlock uint64
	ConfirmationDepth    uint64
	TokenDecimals        int32
	LedgerTimeout        time.Duration
	PayoutInterval       time.Duration // 0 disables the background timer

	// PayPal
	PayPalAuthURL     string
	PayPalPayoutURL   string
	PayPalClientID    string
	PayPalSecret      string
	PayoutCurrency    string
	PayoutSubject     string
	PayoutMessage     string
	PayoutNote        string
	TokenSafetyMargin time.Duration
	GatewayTimeout    time.Duration

	// Rate limiting (0 RPM disables)
	RateLimitRPM      int
	RateLimitWriteRPM int
	RateLimitBurst    int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultCheckpointFile = "data/checkpoint.json"
	DefaultStartBlock     = 1978
	DefaultTokenDecimals  = 6
	DefaultCurrency       = "USD"
	DefaultSubject        = "You have a payout from zkMarket Finance!"
	DefaultMessage        = "Thanks for using zkMarket Finance!"
	DefaultNote           = "For selling coins!"
	DefaultAuthURL        = "https://api-m.sandbox.paypal.com/v1/oauth2/token"
	DefaultPayoutURL      = "https://api-m.sandbox.paypal.com/v1/payments/payouts"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		CheckpointFile:       getEnv("CHECKPOINT_FILE", DefaultCheckpointFile),
		ChainURL:             os.Getenv("CHAIN_URL"),
		ChainID:              getEnvInt64("CHAIN_ID", 0),
		OperatorPrivateKey:   os.Getenv("OPERATOR_PRIVATE_KEY"),
		RelayerPrivateKey:    os.Getenv("RELAYER_PRIVATE_KEY"),
		PoolAddress:          os.Getenv("PAYPAL_USDC_ASSET_POOL_ADDRESS"),
		SubmitTimeout:        getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		ConfirmationTimeout:  getEnvDuration("CONFIRMATION_TIMEOUT", 2*time.Minute),
		CheckpointStartBlock: uint64(getEnvInt64("CHECKPOINT_START_BLOCK", DefaultStartBlock)),
		ConfirmationDepth:    uint64(getEnvInt64("CONFIRMATION_DEPTH", 0)),
		TokenDecimals:        int32(getEnvInt64("PAYOUT_TOKEN_DECIMALS", DefaultTokenDecimals)),
		LedgerTimeout:        getEnvDuration("LEDGER_TIMEOUT", 2*time.Minute),
		PayoutInterval:       getEnvDuration("PAYOUT_INTERVAL", 0),
		PayPalAuthURL:        getEnv("PAYPAL_AUTH_URL", DefaultAuthURL),
		PayPalPayoutURL:      getEnv("PAYPAL_PAYOUT_URL", DefaultPayoutURL),
		PayPalClientID:       os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:         os.Getenv("PAYPAL_SECRET"),
		PayoutCurrency:       getEnv("PAYOUT_CURRENCY", DefaultCurrency),
		PayoutSubject:        getEnv("PAYOUT_EMAIL_SUBJECT", DefaultSubject),
		PayoutMessage:        getEnv("PAYOUT_EMAIL_MESSAGE", DefaultMessage),
		PayoutNote:           getEnv("PAYOUT_NOTE", DefaultNote),
		TokenSafetyMargin:    getEnvDuration("TOKEN_SAFETY_MARGIN", 60*time.Second),
		GatewayTimeout:       getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", 60)),
		RateLimitWriteRPM:    int(getEnvInt64("RATE_LIMIT_WRITE_RPM", 12)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", 10)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ChainURL == "" {
		return fmt.Errorf("CHAIN_URL is required")
	}
	if c.PoolAddress == "" {
		return fmt.Errorf("PAYPAL_USDC_ASSET_POOL_ADDRESS is required")
	}
	if !common.IsHexAddress(c.PoolAddress) {
		return fmt.Errorf("PAYPAL_USDC_ASSET_POOL_ADDRESS must be a 20-byte hex address")
	}

	operator, err := normalizeKey("OPERATOR_PRIVATE_KEY", c.OperatorPrivateKey)
	if err != nil {
		return err
	}
	relayer, err := normalizeKey("RELAYER_PRIVATE_KEY", c.RelayerPrivateKey)
	if err != nil {
		return err
	}
	// Registration and proving must be attributable to different parties.
	if operator == relayer {
		return fmt.Errorf("OPERATOR_PRIVATE_KEY and RELAYER_PRIVATE_KEY must differ")
	}

	if c.PayPalClientID == "" || c.PayPalSecret == "" {
		return fmt.Errorf("PAYPAL_CLIENT_ID and PAYPAL_SECRET are required")
	}
	if c.TokenDecimals < 2 || c.TokenDecimals > 36 {
		return fmt.Errorf("PAYOUT_TOKEN_DECIMALS must be between 2 and 36")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	if c.RateLimitRPM < 0 || c.RateLimitWriteRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

// normalizeKey accepts a key with or without 0x prefix and returns it lowercased without.
func normalizeKey(name, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	if len(key) == 66 && (key[:2] == "0x" || key[:2] == "0X") {
		key = key[2:]
	}
	if len(key) != 64 {
		return "", fmt.Errorf("%s must be 64 hex characters (with or without 0x prefix)", name)
	}
	if _, err := hex.DecodeString(key); err != nil {
		return "", fmt.Errorf("%s is not valid hex", name)
	}
	if _, err := crypto.HexToECDSA(key); err != nil {
		return "", fmt.Errorf("%s is not a usable secp256k1 key: %w", name, err)
	}
	return strings.ToLower(key), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
