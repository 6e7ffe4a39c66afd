// Package chaintest provides an in-memory ledger that executes the escrow
// and token contracts closely enough to drive settlement flows in tests.
package chaintest

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/logging"
)

const (
	ChainID = 31337

	// FeeBasisPoints is the escrow fee charged per unit of product cost.
	FeeBasisPoints = 250
)

var (
	EscrowAddress = common.HexToAddress("0x00000000000000000000000000000000000e5c40")
	TokenAddress  = common.HexToAddress("0x000000000000000000000000000000000000c0de")
)

// RevertError mimics the error a node returns for a reverted eth_call or
// gas estimate.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string          { return "execution reverted: " + e.Reason }
func (e *RevertError) ErrorData() interface{} { return e.Reason }

func revert(format string, args ...any) error {
	return &RevertError{Reason: fmt.Sprintf(format, args...)}
}

type trade struct {
	seller    common.Address
	providers []common.Address
	costs     []*big.Int
	cost      *big.Int
	fee       *big.Int
	total     uint64
	remaining uint64
	active    bool
	purchases []uint64
}

type purchase struct {
	tradeID   uint64
	buyer     common.Address
	quantity  uint64
	amount    *big.Int
	provider  common.Address
	delivered bool
	confirmed bool
	cancelled bool
	disputed  bool
	initiator common.Address
}

type pendingTx struct {
	receipt *types.Receipt
	polls   int
}

type staleRead struct {
	value     *big.Int
	remaining int
}

// Backend implements chain.EthClient.
type Backend struct {
	mu     sync.Mutex
	signer types.Signer
	escrow abi.ABI
	token  abi.ABI

	// Owner may withdraw escrow fees and resolve any dispute.
	Owner common.Address

	// MineAfterPolls hides a receipt for that many lookups.
	MineAfterPolls int
	// NeverMine hides every receipt.
	NeverMine bool
	// CallErr fails every eth_call.
	CallErr error
	// SendErr fails the next SendTransaction.
	SendErr error
	// EstimateErr fails every gas estimate.
	EstimateErr error
	// StaleAllowanceReads serves the pre-approval allowance for that many
	// reads after each approve.
	StaleAllowanceReads int

	block    uint64
	nonces   map[common.Address]uint64
	pending  map[common.Hash]*pendingTx
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
	stale      map[common.Address]*staleRead

	sellers      map[common.Address]bool
	buyers       map[common.Address]bool
	providers    map[common.Address]bool
	providerList []common.Address

	trades       map[uint64]*trade
	purchases    map[uint64]*purchase
	nextTrade    uint64
	nextPurchase uint64
	fees         *big.Int
}

var _ chain.EthClient = (*Backend)(nil)

// NewBackend returns an empty ledger.
func NewBackend() *Backend {
	return &Backend{
		signer:       types.LatestSignerForChainID(big.NewInt(ChainID)),
		escrow:       chain.ParsedEscrowABI(),
		token:        chain.ParsedTokenABI(),
		nonces:       make(map[common.Address]uint64),
		pending:      make(map[common.Hash]*pendingTx),
		receipts:     make(map[common.Hash]*types.Receipt),
		balances:     make(map[common.Address]*big.Int),
		allowances:   make(map[common.Address]map[common.Address]*big.Int),
		stale:        make(map[common.Address]*staleRead),
		sellers:      make(map[common.Address]bool),
		buyers:       make(map[common.Address]bool),
		providers:    make(map[common.Address]bool),
		trades:       make(map[uint64]*trade),
		purchases:    make(map[uint64]*purchase),
		nextTrade:    1,
		nextPurchase: 1,
		fees:         new(big.Int),
	}
}

// Account is a funded test identity.
type Account struct {
	Key     string
	Address common.Address
}

// NewAccount generates a fresh key.
func NewAccount(t testing.TB) Account {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Account{Key: hex.EncodeToString(crypto.FromECDSA(key)), Address: addressOf(key)}
}

func addressOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

// Client returns a chain client signing as acct against b with fast polling.
func (b *Backend) Client(t testing.TB, acct Account, opts ...chain.Option) *chain.Client {
	t.Helper()
	opts = append([]chain.Option{chain.WithClient(b), chain.WithLogger(logging.Discard())}, opts...)
	c, err := chain.New(chain.Config{
		PrivateKey:          acct.Key,
		ChainID:             ChainID,
		EscrowContract:      EscrowAddress.Hex(),
		TokenContract:       TokenAddress.Hex(),
		ConfirmationTimeout: 2 * time.Second,
		PollInterval:        time.Millisecond,
		MaxPollInterval:     5 * time.Millisecond,
	}, opts...)
	if err != nil {
		t.Fatalf("chain client: %v", err)
	}
	return c
}

// Mint credits amount tokens to addr.
func (b *Backend) Mint(addr common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
}

// Balance returns addr's token balance.
func (b *Backend) Balance(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.balanceOf(addr))
}

// AllowanceOf returns the live allowance, ignoring staleness.
func (b *Backend) AllowanceOf(owner, spender common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.allowance(owner, spender))
}

// SetAllowance overrides an allowance directly.
func (b *Backend) SetAllowance(owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setAllowance(owner, spender, amount)
}

// TradeQuantities returns total and remaining quantity for a trade and the
// summed quantity of its non-cancelled purchases.
func (b *Backend) TradeQuantities(id uint64) (total, remaining, purchased uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.trades[id]
	if !ok {
		return 0, 0, 0
	}
	for _, pid := range tr.purchases {
		if p := b.purchases[pid]; !p.cancelled {
			purchased += p.quantity
		}
	}
	return tr.total, tr.remaining, purchased
}

// Sent returns every accepted transaction in submission order.
func (b *Backend) Sent() []*types.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.Transaction(nil), b.sent...)
}

// SentTo counts accepted transactions calling method on the escrow or token.
func (b *Backend) SentTo(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tx := range b.sent {
		if m := b.methodOf(*tx.To(), tx.Data()); m != nil && m.Name == method {
			n++
		}
	}
	return n
}

// MineAll makes every pending receipt visible.
func (b *Backend) MineAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, p := range b.pending {
		b.receipts[h] = p.receipt
		delete(b.pending, h)
	}
}

// ---- chain.EthClient ----

func (b *Backend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) EstimateGas(_ context.Context, call ethereum.CallMsg) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.EstimateErr != nil {
		return 0, b.EstimateErr
	}
	if call.To == nil {
		return 0, errors.New("contract creation not supported")
	}
	if _, err := b.execute(call.From, *call.To, call.Data, false); err != nil {
		return 0, err
	}
	return 150_000, nil
}

func (b *Backend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.SendErr != nil {
		err := b.SendErr
		b.SendErr = nil
		return err
	}
	from, err := types.Sender(b.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if want := b.nonces[from]; tx.Nonce() != want {
		return fmt.Errorf("invalid nonce: have %d, want %d", tx.Nonce(), want)
	}
	if tx.To() == nil {
		return errors.New("contract creation not supported")
	}
	b.nonces[from]++
	b.sent = append(b.sent, tx)
	b.block++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
		GasUsed:     21_000,
	}
	logs, execErr := b.execute(from, *tx.To(), tx.Data(), true)
	if execErr != nil {
		receipt.Status = types.ReceiptStatusFailed
		logs = nil
	}
	for i, l := range logs {
		l.TxHash = tx.Hash()
		l.BlockNumber = b.block
		l.Index = uint(i)
	}
	receipt.Logs = logs
	b.pending[tx.Hash()] = &pendingTx{receipt: receipt}
	return nil
}

func (b *Backend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	p, ok := b.pending[hash]
	if !ok || b.NeverMine {
		return nil, ethereum.NotFound
	}
	p.polls++
	if p.polls <= b.MineAfterPolls {
		return nil, ethereum.NotFound
	}
	b.receipts[hash] = p.receipt
	delete(b.pending, hash)
	return p.receipt, nil
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.CallErr != nil {
		return nil, b.CallErr
	}
	if call.To == nil {
		return nil, errors.New("missing call target")
	}
	return b.view(*call.To, call.Data)
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.block, nil
}

func (b *Backend) Close() {}
