package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testEscrow = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testToken  = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	testKey    = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ESCROW_CONTRACT", testEscrow)
	t.Setenv("TOKEN_CONTRACT", testToken)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PRIVATE_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultRPCURL, cfg.RPCURL)
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)
	assert.Equal(t, uint8(DefaultTokenDecimals), cfg.TokenDecimals)
	assert.Equal(t, DefaultAntiSpamWindow, cfg.RewardAntiSpamWindow)
	assert.Equal(t, "exact", cfg.ApprovalStrategy)
	assert.False(t, cfg.HasSigner(), "signer is optional")
	assert.False(t, cfg.TestnetMode)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PRIVATE_KEY", "0x"+testKey)
	t.Setenv("PORT", "9090")
	t.Setenv("TESTNET_MODE", "true")
	t.Setenv("CONFIRMATION_TIMEOUT", "45s")
	t.Setenv("REWARD_ANTISPAM_WINDOW", "1h")
	t.Setenv("APPROVAL_STRATEGY", "unlimited")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.HasSigner())
	assert.True(t, cfg.TestnetMode)
	assert.Equal(t, 45*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, time.Hour, cfg.RewardAntiSpamWindow)
	assert.Equal(t, "unlimited", cfg.ApprovalStrategy)
}

func TestLoad_MissingContracts(t *testing.T) {
	t.Setenv("ESCROW_CONTRACT", "")
	t.Setenv("TOKEN_CONTRACT", testToken)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ESCROW_CONTRACT")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			RPCURL:               DefaultRPCURL,
			ChainID:              DefaultChainID,
			EscrowContract:       testEscrow,
			TokenContract:        testToken,
			TokenDecimals:        6,
			ConfirmationTimeout:  time.Minute,
			ConfirmationPoll:     time.Second,
			ApprovalStrategy:     "exact",
			RewardAntiSpamWindow: time.Hour,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid without key", func(*Config) {}, ""},
		{"valid with key", func(c *Config) { c.PrivateKey = testKey }, ""},
		{"short key", func(c *Config) { c.PrivateKey = "abc" }, "64 hex characters"},
		{"no rpc", func(c *Config) { c.RPCURL = "" }, "RPC_URL"},
		{"bad token", func(c *Config) { c.TokenContract = "nope" }, "TOKEN_CONTRACT"},
		{"bad strategy", func(c *Config) { c.ApprovalStrategy = "yolo" }, "APPROVAL_STRATEGY"},
		{"zero timeout", func(c *Config) { c.ConfirmationTimeout = 0 }, "confirmation"},
		{"zero window", func(c *Config) { c.RewardAntiSpamWindow = 0 }, "REWARD_ANTISPAM_WINDOW"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
