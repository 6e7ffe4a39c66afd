// Package settlement sequences the multi-step ledger protocols for creating
// and buying trades. Each call is a linear pipeline with no persisted state:
// it either completes or fails as a unit and reports a typed error.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/retry"
	"github.com/mbd888/marketsettle/internal/syncutil"
	"github.com/mbd888/marketsettle/internal/traces"
)

var (
	ErrInvalidRequest       = faults.New(faults.Validation, "settlement: invalid request")
	ErrUnknownProvider      = faults.New(faults.Validation, "settlement: logistics provider not offered by trade")
	ErrTradeNotFound        = faults.New(faults.NotFound, "settlement: trade not found")
	ErrTradeInactive        = faults.New(faults.BusinessRule, "settlement: trade is not active")
	ErrInsufficientQuantity = faults.New(faults.BusinessRule, "settlement: insufficient trade quantity")
	ErrAllowanceNotVisible  = faults.New(faults.LedgerUnavailable, "settlement: approved allowance not yet visible")
)

// PendingError reports a transaction that was submitted but whose outcome
// is not yet known. Callers should keep polling TxHash, not resubmit.
type PendingError struct {
	Op     string
	TxHash chain.TxHash
	Err    error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("settlement: %s pending (tx: %s): %v", e.Op, e.TxHash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

// ApprovalStrategy decides how much allowance to grant when it is short.
type ApprovalStrategy string

const (
	// ApproveExact grants exactly the purchase total.
	ApproveExact ApprovalStrategy = "exact"
	// ApproveUnlimited grants the maximum once so later purchases skip approval.
	ApproveUnlimited ApprovalStrategy = "unlimited"
)

// Ledger is the subset of the chain client the orchestrator drives.
type Ledger interface {
	Address() common.Address
	EscrowAddress() common.Address

	GetTrade(ctx context.Context, id chain.TradeID) (*chain.Trade, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int) (chain.TxHash, error)

	RegisterSeller(ctx context.Context) (chain.TxHash, error)
	RegisterBuyer(ctx context.Context) (chain.TxHash, error)
	RegisterLogisticsProvider(ctx context.Context) (chain.TxHash, error)
	CreateTrade(ctx context.Context, productCost *big.Int, providers []common.Address, costs []*big.Int, totalQuantity uint64) (chain.TxHash, error)
	BuyTrade(ctx context.Context, id chain.TradeID, quantity uint64, provider common.Address) (chain.TxHash, error)
	ConfirmDelivery(ctx context.Context, id chain.PurchaseID) (chain.TxHash, error)
	ConfirmPurchase(ctx context.Context, id chain.PurchaseID) (chain.TxHash, error)
	CancelPurchase(ctx context.Context, id chain.PurchaseID) (chain.TxHash, error)
	RaiseDispute(ctx context.Context, id chain.PurchaseID) (chain.TxHash, error)
	ResolveDispute(ctx context.Context, id chain.PurchaseID, winner common.Address) (chain.TxHash, error)
	WithdrawEscrowFees(ctx context.Context) (chain.TxHash, error)

	AwaitConfirmation(ctx context.Context, hash chain.TxHash) (*types.Receipt, error)
	TradeIDFromReceipt(receipt *types.Receipt) (chain.TradeID, error)
	PurchaseIDFromReceipt(receipt *types.Receipt) (chain.PurchaseID, error)
}

var _ Ledger = (*chain.Client)(nil)

// Config tunes the orchestrator.
type Config struct {
	ApprovalStrategy ApprovalStrategy
	// AllowanceRecheck bounds how long to wait for an approval to become
	// visible to reads.
	AllowanceRecheck retry.Backoff
}

// DefaultConfig returns exact approvals and a five-attempt recheck.
func DefaultConfig() Config {
	return Config{
		ApprovalStrategy: ApproveExact,
		AllowanceRecheck: retry.Backoff{Initial: 250 * time.Millisecond, Max: 4 * time.Second, MaxAttempts: 5},
	}
}

// CreateTradeRequest describes a new trade. Providers and Costs are parallel.
type CreateTradeRequest struct {
	ProductCost *big.Int
	Providers   []common.Address
	Costs       []*big.Int
	Quantity    uint64
}

// BuyTradeRequest describes a purchase against an existing trade.
type BuyTradeRequest struct {
	TradeID  chain.TradeID
	Quantity uint64
	Provider common.Address
}

// TradeReceipt is the outcome of CreateTrade.
type TradeReceipt struct {
	TxHash  chain.TxHash
	TradeID chain.TradeID
}

// PurchaseReceipt is the outcome of BuyTrade.
type PurchaseReceipt struct {
	TxHash     chain.TxHash
	PurchaseID chain.PurchaseID
	TotalCost  *big.Int
	Approval   *chain.TxHash // set when an approval was submitted
}

// TxReceipt is the outcome of a confirmed write with no generated id.
type TxReceipt struct {
	TxHash      chain.TxHash
	BlockNumber uint64
}

// Service orchestrates settlement pipelines.
type Service struct {
	ledger   Ledger
	cfg      Config
	payLocks *syncutil.KeyedMutex
	logger   *slog.Logger
}

// NewService creates an orchestrator over ledger.
func NewService(ledger Ledger, cfg Config, logger *slog.Logger) *Service {
	if cfg.ApprovalStrategy == "" {
		cfg.ApprovalStrategy = ApproveExact
	}
	if cfg.AllowanceRecheck.MaxAttempts == 0 && cfg.AllowanceRecheck.MaxElapsed == 0 {
		cfg.AllowanceRecheck = DefaultConfig().AllowanceRecheck
	}
	return &Service{
		ledger:   ledger,
		cfg:      cfg,
		payLocks: syncutil.NewKeyedMutex(),
		logger:   logging.OrDefault(logger),
	}
}

// TotalCost is (productCost + logisticsCost) * quantity.
func TotalCost(productCost, logisticsCost *big.Int, quantity uint64) *big.Int {
	total := new(big.Int).Add(productCost, logisticsCost)
	return total.Mul(total, new(big.Int).SetUint64(quantity))
}

// CreateTrade submits a trade, waits for it to be mined and returns the
// ledger-assigned trade id.
func (s *Service) CreateTrade(ctx context.Context, req CreateTradeRequest) (*TradeReceipt, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	ctx = logging.Seed(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "settlement.CreateTrade")
	defer span.End()

	hash, err := s.ledger.CreateTrade(ctx, req.ProductCost, req.Providers, req.Costs, req.Quantity)
	if err != nil {
		return nil, s.failed(span, "create_trade", err)
	}
	ctx = logging.WithTxHash(ctx, hash.Hex())

	receipt, err := s.confirm(ctx, "create_trade", hash)
	if err != nil {
		return nil, s.failed(span, "create_trade", err)
	}
	id, err := s.ledger.TradeIDFromReceipt(receipt)
	if err != nil {
		return nil, s.failed(span, "create_trade", err)
	}

	span.SetAttributes(traces.TradeID(id.String()))
	metrics.SettlementsTotal.WithLabelValues("create_trade", "ok").Inc()
	logging.L(ctx).Info("trade created", "trade_id", id.String(), "quantity", req.Quantity)
	return &TradeReceipt{TxHash: hash, TradeID: id}, nil
}

func (r CreateTradeRequest) validate() error {
	switch {
	case r.ProductCost == nil || r.ProductCost.Sign() <= 0:
		return fmt.Errorf("%w: product cost must be positive", ErrInvalidRequest)
	case r.Quantity == 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case len(r.Providers) == 0:
		return fmt.Errorf("%w: at least one logistics provider required", ErrInvalidRequest)
	case len(r.Providers) != len(r.Costs):
		return fmt.Errorf("%w: %d providers but %d costs", ErrInvalidRequest, len(r.Providers), len(r.Costs))
	}
	for i, p := range r.Providers {
		if p == (common.Address{}) {
			return fmt.Errorf("%w: provider %d is the zero address", ErrInvalidRequest, i)
		}
		if r.Costs[i] == nil || r.Costs[i].Sign() < 0 {
			return fmt.Errorf("%w: cost for provider %d must be non-negative", ErrInvalidRequest, i)
		}
	}
	return nil
}

// BuyTrade pays for quantity units of a trade, approving the escrow contract
// to pull the payment token first when the current allowance is short.
// Quantity and provider are checked before any approval is submitted; the
// contract remains the final arbiter of both.
func (s *Service) BuyTrade(ctx context.Context, req BuyTradeRequest) (*PurchaseReceipt, error) {
	if req.Quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}

	ctx = logging.Seed(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "settlement.BuyTrade", traces.TradeID(req.TradeID.String()))
	defer span.End()

	trade, err := s.ledger.GetTrade(ctx, req.TradeID)
	if err != nil {
		if errors.Is(err, chain.ErrLedgerRevert) {
			err = fmt.Errorf("%w: %s: %w", ErrTradeNotFound, req.TradeID, err)
		}
		return nil, s.failed(span, "buy_trade", err)
	}
	if !trade.Active {
		return nil, s.failed(span, "buy_trade", fmt.Errorf("%w: %s", ErrTradeInactive, req.TradeID))
	}
	if trade.RemainingQuantity < req.Quantity {
		return nil, s.failed(span, "buy_trade", fmt.Errorf("%w: requested %d, remaining %d",
			ErrInsufficientQuantity, req.Quantity, trade.RemainingQuantity))
	}
	logistics, ok := trade.LogisticsCost(req.Provider)
	if !ok {
		return nil, s.failed(span, "buy_trade", fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider.Hex()))
	}
	total := TotalCost(trade.ProductCost, logistics, req.Quantity)

	// Allowance, approval and payment form one unit per signer so a
	// concurrent purchase cannot consume an approval sized for this one.
	unlock, err := s.payLocks.LockContext(ctx, s.ledger.Address().Hex())
	if err != nil {
		return nil, s.failed(span, "buy_trade", err)
	}
	defer unlock()

	approval, err := s.ensureAllowance(ctx, total)
	if err != nil {
		return nil, s.failed(span, "buy_trade", err)
	}

	hash, err := s.ledger.BuyTrade(ctx, req.TradeID, req.Quantity, req.Provider)
	if err != nil {
		return nil, s.failed(span, "buy_trade", err)
	}
	ctx = logging.WithTxHash(ctx, hash.Hex())

	receipt, err := s.confirm(ctx, "buy_trade", hash)
	if err != nil {
		return nil, s.failed(span, "buy_trade", err)
	}
	id, err := s.ledger.PurchaseIDFromReceipt(receipt)
	if err != nil {
		return nil, s.failed(span, "buy_trade", err)
	}

	span.SetAttributes(traces.PurchaseID(id.String()))
	metrics.SettlementsTotal.WithLabelValues("buy_trade", "ok").Inc()
	logging.L(ctx).Info("trade purchased",
		"trade_id", req.TradeID.String(), "purchase_id", id.String(), "quantity", req.Quantity, "total", total.String())
	return &PurchaseReceipt{TxHash: hash, PurchaseID: id, TotalCost: total, Approval: approval}, nil
}

// ensureAllowance approves the escrow contract for amount when the current
// allowance is short and waits until reads reflect the approval.
func (s *Service) ensureAllowance(ctx context.Context, amount *big.Int) (*chain.TxHash, error) {
	owner, spender := s.ledger.Address(), s.ledger.EscrowAddress()

	current, err := s.ledger.Allowance(ctx, owner, spender)
	if err != nil {
		return nil, err
	}
	if current.Cmp(amount) >= 0 {
		return nil, nil
	}

	grant := amount
	if s.cfg.ApprovalStrategy == ApproveUnlimited {
		grant = chain.MaxAllowance()
	}
	hash, err := s.ledger.Approve(ctx, spender, grant)
	if err != nil {
		return nil, err
	}
	metrics.ApprovalsTotal.WithLabelValues(string(s.cfg.ApprovalStrategy)).Inc()
	logging.L(ctx).Info("allowance approved", "tx", hash.Hex(), "amount", grant.String(), "needed", amount.String())

	if _, err := s.confirm(ctx, "approve", hash); err != nil {
		return &hash, err
	}

	// A load-balanced node may still answer with the pre-approval value.
	err = retry.Poll(ctx, s.cfg.AllowanceRecheck, func() (bool, error) {
		current, err := s.ledger.Allowance(ctx, owner, spender)
		if err != nil {
			if faults.Is(err, faults.LedgerUnavailable) {
				return false, err
			}
			return false, retry.Permanent(err)
		}
		return current.Cmp(amount) >= 0, nil
	})
	if errors.Is(err, retry.ErrExhausted) {
		return &hash, fmt.Errorf("%w (approval tx %s): %w", ErrAllowanceNotVisible, hash.Hex(), err)
	}
	return &hash, err
}

func (s *Service) RegisterSeller(ctx context.Context) (*TxReceipt, error) {
	return s.submit(ctx, "register_seller", s.ledger.RegisterSeller)
}

func (s *Service) RegisterBuyer(ctx context.Context) (*TxReceipt, error) {
	return s.submit(ctx, "register_buyer", s.ledger.RegisterBuyer)
}

func (s *Service) RegisterLogisticsProvider(ctx context.Context) (*TxReceipt, error) {
	return s.submit(ctx, "register_logistics_provider", s.ledger.RegisterLogisticsProvider)
}

// ConfirmDelivery is signed by the purchase's logistics provider.
func (s *Service) ConfirmDelivery(ctx context.Context, id chain.PurchaseID) (*TxReceipt, error) {
	return s.submit(ctx, "confirm_delivery", func(ctx context.Context) (chain.TxHash, error) {
		return s.ledger.ConfirmDelivery(ctx, id)
	})
}

// ConfirmPurchase is signed by the buyer and releases escrowed funds.
func (s *Service) ConfirmPurchase(ctx context.Context, id chain.PurchaseID) (*TxReceipt, error) {
	return s.submit(ctx, "confirm_purchase", func(ctx context.Context) (chain.TxHash, error) {
		return s.ledger.ConfirmPurchase(ctx, id)
	})
}

// CancelPurchase refunds an undelivered purchase and restores trade quantity.
func (s *Service) CancelPurchase(ctx context.Context, id chain.PurchaseID) (*TxReceipt, error) {
	return s.submit(ctx, "cancel_purchase", func(ctx context.Context) (chain.TxHash, error) {
		return s.ledger.CancelPurchase(ctx, id)
	})
}

func (s *Service) RaiseDispute(ctx context.Context, id chain.PurchaseID) (*TxReceipt, error) {
	return s.submit(ctx, "raise_dispute", func(ctx context.Context) (chain.TxHash, error) {
		return s.ledger.RaiseDispute(ctx, id)
	})
}

func (s *Service) ResolveDispute(ctx context.Context, id chain.PurchaseID, winner common.Address) (*TxReceipt, error) {
	return s.submit(ctx, "resolve_dispute", func(ctx context.Context) (chain.TxHash, error) {
		return s.ledger.ResolveDispute(ctx, id, winner)
	})
}

func (s *Service) WithdrawEscrowFees(ctx context.Context) (*TxReceipt, error) {
	return s.submit(ctx, "withdraw_escrow_fees", s.ledger.WithdrawEscrowFees)
}

func (s *Service) submit(ctx context.Context, op string, write func(context.Context) (chain.TxHash, error)) (*TxReceipt, error) {
	ctx, span := traces.StartSpan(ctx, "settlement."+op)
	defer span.End()

	hash, err := write(ctx)
	if err != nil {
		return nil, s.failed(span, op, err)
	}
	receipt, err := s.confirm(ctx, op, hash)
	if err != nil {
		return nil, s.failed(span, op, err)
	}
	metrics.SettlementsTotal.WithLabelValues(op, "ok").Inc()
	return &TxReceipt{TxHash: hash, BlockNumber: receipt.BlockNumber.Uint64()}, nil
}

// confirm waits for hash and turns a timeout into a PendingError that
// carries the hash.
func (s *Service) confirm(ctx context.Context, op string, hash chain.TxHash) (*types.Receipt, error) {
	receipt, err := s.ledger.AwaitConfirmation(ctx, hash)
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		return nil, &PendingError{Op: op, TxHash: hash, Err: err}
	}
	return receipt, err
}

func (s *Service) failed(span trace.Span, op string, err error) error {
	metrics.SettlementsTotal.WithLabelValues(op, string(faults.KindOf(err))).Inc()
	var pending *PendingError
	if errors.As(err, &pending) {
		s.logger.Warn("settlement outcome pending", "op", op, "tx", pending.TxHash.Hex(), "error", err)
	}
	return traces.Fail(span, err)
}
