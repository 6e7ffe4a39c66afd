// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Ledger settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Optional; without it every ledger write fails with NoSigningAccount
	EscrowContract string
	TokenContract  string
	TokenDecimals  uint8

	// Confirmation polling
	ConfirmationTimeout     time.Duration
	ConfirmationPoll        time.Duration
	ConfirmationMaxPoll     time.Duration
	ApprovalStrategy        string // "exact" or "unlimited"
	AllowanceRecheckRetries int

	// Rewards
	TestnetMode          bool
	RewardAntiSpamWindow time.Duration

	// Background work
	ReconcileInterval time.Duration

	// Tracing
	OTLPEndpoint string
}

// Defaults target a local development chain.
const (
	DefaultRPCURL              = "http://127.0.0.1:8545"
	DefaultChainID             = 31337
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultTokenDecimals       = 6
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultConfirmationPoll    = 500 * time.Millisecond
	DefaultConfirmationMaxPoll = 8 * time.Second
	DefaultApprovalStrategy    = "exact"
	DefaultAllowanceRechecks   = 5
	DefaultAntiSpamWindow      = 24 * time.Hour
	DefaultReconcileInterval   = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RPCURL:                  getEnv("RPC_URL", DefaultRPCURL),
		ChainID:                 getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:              os.Getenv("PRIVATE_KEY"),
		EscrowContract:          os.Getenv("ESCROW_CONTRACT"),
		TokenContract:           os.Getenv("TOKEN_CONTRACT"),
		TokenDecimals:           uint8(getEnvInt64("TOKEN_DECIMALS", DefaultTokenDecimals)), //nolint:gosec // validated below
		ConfirmationTimeout:     getEnvDuration("CONFIRMATION_TIMEOUT", DefaultConfirmationTimeout),
		ConfirmationPoll:        getEnvDuration("CONFIRMATION_POLL_INTERVAL", DefaultConfirmationPoll),
		ConfirmationMaxPoll:     getEnvDuration("CONFIRMATION_MAX_POLL_INTERVAL", DefaultConfirmationMaxPoll),
		ApprovalStrategy:        getEnv("APPROVAL_STRATEGY", DefaultApprovalStrategy),
		AllowanceRecheckRetries: int(getEnvInt64("ALLOWANCE_RECHECK_RETRIES", DefaultAllowanceRechecks)),
		TestnetMode:             getEnvBool("TESTNET_MODE", false),
		RewardAntiSpamWindow:    getEnvDuration("REWARD_ANTISPAM_WINDOW", DefaultAntiSpamWindow),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	if !common.IsHexAddress(c.EscrowContract) {
		return fmt.Errorf("ESCROW_CONTRACT must be a hex address")
	}
	if !common.IsHexAddress(c.TokenContract) {
		return fmt.Errorf("TOKEN_CONTRACT must be a hex address")
	}

	// The signing key is optional, but a malformed one is a misconfiguration.
	if c.PrivateKey != "" {
		if len(strings.TrimPrefix(c.PrivateKey, "0x")) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.TokenDecimals > 36 {
		return fmt.Errorf("TOKEN_DECIMALS out of range")
	}
	if c.ConfirmationTimeout <= 0 || c.ConfirmationPoll <= 0 {
		return fmt.Errorf("confirmation timeout and poll interval must be positive")
	}
	switch c.ApprovalStrategy {
	case "exact", "unlimited":
	default:
		return fmt.Errorf("APPROVAL_STRATEGY must be exact or unlimited")
	}
	if c.RewardAntiSpamWindow <= 0 {
		return fmt.Errorf("REWARD_ANTISPAM_WINDOW must be positive")
	}

	return nil
}

// HasSigner reports whether a signing key is configured.
func (c *Config) HasSigner() bool {
	return c.PrivateKey != ""
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
