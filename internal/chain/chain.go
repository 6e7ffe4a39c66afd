// Package chain is the settlement core's only gateway to the escrow
// contract and its ERC20 payment token.
//
// Reads are plain eth_calls guarded by a circuit breaker. Writes are signed
// locally with the configured account, serialized per signer so nonces stay
// contiguous, and confirmed by polling for a receipt with backoff.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/marketsettle/internal/circuitbreaker"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/syncutil"
)

var (
	ErrInvalidPrivateKey    = faults.New(faults.Validation, "chain: invalid private key")
	ErrInvalidAddress       = faults.New(faults.Validation, "chain: invalid address")
	ErrInvalidArguments     = faults.New(faults.Validation, "chain: invalid call arguments")
	ErrNoSigningAccount     = faults.New(faults.Authorization, "chain: no signing account configured")
	ErrLedgerUnavailable    = faults.New(faults.LedgerUnavailable, "chain: ledger unavailable")
	ErrLedgerRevert         = faults.New(faults.LedgerRevert, "chain: call reverted")
	ErrTransactionReverted  = faults.New(faults.TransactionReverted, "chain: transaction reverted")
	ErrConfirmationTimeout  = faults.New(faults.ConfirmationTimeout, "chain: confirmation timed out")
	ErrSignerBusy           = faults.New(faults.LedgerUnavailable, "chain: signer has an unconfirmed transaction")
	ErrMissingExpectedEvent = faults.New(faults.MissingExpectedEvent, "chain: expected event not found in receipt")
)

// CallError wraps ledger failures with the failing step and, once known,
// the transaction hash.
type CallError struct {
	Op     string
	Method string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s %s failed (tx: %s): %v", e.Op, e.Method, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s %s failed: %v", e.Op, e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(500000)

	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultPollInterval        = 500 * time.Millisecond
	DefaultMaxPollInterval     = 8 * time.Second

	breakerKey = "rpc"
)

// TxHash identifies a submitted transaction.
type TxHash common.Hash

func (h TxHash) Hex() string    { return common.Hash(h).Hex() }
func (h TxHash) String() string { return h.Hex() }

// IsZero reports whether h is unset.
func (h TxHash) IsZero() bool { return common.Hash(h) == (common.Hash{}) }

// HexToTxHash parses a 0x-prefixed transaction hash.
func HexToTxHash(s string) TxHash { return TxHash(common.HexToHash(s)) }

// Config for creating a new client.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, optional; without it the client is read-only
	ChainID        int64
	EscrowContract string
	TokenContract  string

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
}

// Option configures the client.
type Option func(*Client)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(c *Client) { c.client = client }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBreaker replaces the default RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithConfirmation overrides the receipt polling schedule.
func WithConfirmation(timeout, poll, maxPoll time.Duration) Option {
	return func(c *Client) {
		c.confirmTimeout = orDuration(timeout, c.confirmTimeout)
		c.pollInterval = orDuration(poll, c.pollInterval)
		c.maxPoll = orDuration(maxPoll, c.maxPoll)
	}
}

// WithSignerLocks shares signer serialization with other clients that use
// the same account against the same node.
func WithSignerLocks(m *syncutil.KeyedMutex) Option {
	return func(c *Client) { c.locks = m }
}

// Client talks to the escrow and token contracts.
type Client struct {
	client  EthClient
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker
	locks   *syncutil.KeyedMutex

	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	signer     types.Signer

	escrow common.Address
	token  common.Address

	confirmTimeout time.Duration
	pollInterval   time.Duration
	maxPoll        time.Duration

	mu       sync.Mutex
	inflight map[common.Address]common.Hash
}

// New creates a client. With no private key the client can read but every
// write fails with ErrNoSigningAccount.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	c := &Client{
		chainID:        big.NewInt(cfg.ChainID),
		escrow:         common.HexToAddress(cfg.EscrowContract),
		token:          common.HexToAddress(cfg.TokenContract),
		confirmTimeout: orDuration(cfg.ConfirmationTimeout, DefaultConfirmationTimeout),
		pollInterval:   orDuration(cfg.PollInterval, DefaultPollInterval),
		maxPoll:        orDuration(cfg.MaxPollInterval, DefaultMaxPollInterval),
		inflight:       make(map[common.Address]common.Hash),
	}
	c.signer = types.LatestSignerForChainID(c.chainID)

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
		}
		c.privateKey = key
		c.address = crypto.PubkeyToAddress(key.PublicKey)
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.breaker == nil {
		c.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if c.locks == nil {
		c.locks = syncutil.NewKeyedMutex()
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		c.client = client
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.ChainID == 0 {
		return errors.New("chain: chain ID required")
	}
	if !common.IsHexAddress(cfg.EscrowContract) {
		return fmt.Errorf("%w: escrow contract %q", ErrInvalidAddress, cfg.EscrowContract)
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return fmt.Errorf("%w: token contract %q", ErrInvalidAddress, cfg.TokenContract)
	}
	if cfg.PrivateKey != "" && len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	return nil
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Address returns the signing account, or the zero address when read-only.
func (c *Client) Address() common.Address { return c.address }

// CanSign reports whether a signing key is configured.
func (c *Client) CanSign() bool { return c.privateKey != nil }

// EscrowAddress returns the escrow contract address.
func (c *Client) EscrowAddress() common.Address { return c.escrow }

// TokenAddress returns the payment token address.
func (c *Client) TokenAddress() common.Address { return c.token }

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
