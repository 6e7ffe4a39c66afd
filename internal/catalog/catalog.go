// Package catalog owns product listings and their stock.
//
// A listing is created ledger-first: the trade is created on the escrow
// contract and only then is the product written locally, keyed by the
// returned trade id. If that local write fails the trade is recorded as an
// orphan for reconciliation and the caller receives a
// *faults.ReconciliationError.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/rewards"
	"github.com/mbd888/marketsettle/internal/settlement"
	"github.com/mbd888/marketsettle/internal/validation"
)

var (
	ErrProductNotFound      = faults.New(faults.NotFound, "catalog: product not found")
	ErrInsufficientStock    = faults.New(faults.BusinessRule, "catalog: insufficient stock")
	ErrInvalidListing       = faults.New(faults.Validation, "catalog: invalid listing")
	ErrInvalidQuantity      = faults.New(faults.Validation, "catalog: quantity must be positive")
	ErrTradeAlreadyAttached = faults.New(faults.BusinessRule, "catalog: trade already attached to a product")
)

// Product is a seller's listing. Price is in token base units.
type Product struct {
	ID           string         `json:"id"`
	SellerID     string         `json:"sellerId"`
	SellerWallet string         `json:"sellerWallet"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Price        *big.Int       `json:"price"`
	Stock        int64          `json:"stock"`
	TradeID      *chain.TradeID `json:"tradeId,omitempty"`
	TxHash       string         `json:"txHash,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Store persists products.
type Store interface {
	// Create fails with ErrTradeAlreadyAttached when another product holds
	// the same trade id.
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id string) (*Product, error)
	GetByTradeID(ctx context.Context, tradeID chain.TradeID) (*Product, error)
	ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Product, error)
	// ReserveStock decrements stock by qty only if stock >= qty, as one
	// conditional write. It reports false when nothing was updated.
	ReserveStock(ctx context.Context, id string, qty int64) (bool, error)
	ReleaseStock(ctx context.Context, id string, qty int64) error
}

// Orphan is a trade that exists on the ledger with no local product.
type Orphan struct {
	TradeID   chain.TradeID
	TxHash    string
	Listing   ListingRequest
	Error     string
	CreatedAt time.Time
}

// OrphanRecorder keeps orphans for later reconciliation.
type OrphanRecorder interface {
	Record(ctx context.Context, o *Orphan) error
}

// TradeCreator is the ledger half of a listing.
type TradeCreator interface {
	CreateTrade(ctx context.Context, req settlement.CreateTradeRequest) (*settlement.TradeReceipt, error)
}

// PointsAwarder grants listing rewards.
type PointsAwarder interface {
	OpenAccount(ctx context.Context, userID string) (*rewards.Account, error)
	AwardPoints(ctx context.Context, userID string, action rewards.Action, referenceID string, metadata map[string]any) (*rewards.Reward, error)
}

// ListingRequest describes a new listing. Providers and LogisticsCosts are
// parallel; Stock becomes the trade's total quantity.
type ListingRequest struct {
	SellerID       string           `json:"sellerId"`
	SellerWallet   string           `json:"sellerWallet"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Price          *big.Int         `json:"price"`
	Stock          int64            `json:"stock"`
	Providers      []common.Address `json:"providers"`
	LogisticsCosts []*big.Int       `json:"logisticsCosts"`
}

const maxNameLength = 200

func (r ListingRequest) validate() error {
	if err := validation.Validate(
		validation.Required("sellerId", r.SellerID),
		validation.Required("sellerWallet", r.SellerWallet),
		validation.Address("sellerWallet", r.SellerWallet),
		validation.Required("name", r.Name),
		validation.MaxLength("name", r.Name, maxNameLength),
		validation.PositiveAmount("price", r.Price),
		validation.Positive("stock", r.Stock),
	); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidListing, err)
	}
	return nil
}

// Service implements listing and stock operations.
type Service struct {
	store   Store
	trades  TradeCreator
	orphans OrphanRecorder
	points  PointsAwarder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a catalog service.
func NewService(store Store, trades TradeCreator, orphans OrphanRecorder, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		trades:  trades,
		orphans: orphans,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// WithPoints grants PRODUCT_LISTED rewards after each listing.
func (s *Service) WithPoints(p PointsAwarder) *Service {
	s.points = p
	return s
}

// CreateListing creates the trade on the ledger, then the product locally.
func (s *Service) CreateListing(ctx context.Context, req ListingRequest) (*Product, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	receipt, err := s.trades.CreateTrade(ctx, settlement.CreateTradeRequest{
		ProductCost: req.Price,
		Providers:   req.Providers,
		Costs:       req.LogisticsCosts,
		Quantity:    uint64(req.Stock),
	})
	if err != nil {
		return nil, err
	}

	p := s.newProduct(req, receipt.TradeID, receipt.TxHash.Hex())
	if err := s.store.Create(ctx, p); err != nil {
		s.recordOrphan(ctx, req, receipt, err)
		return nil, &faults.ReconciliationError{
			Op:     "create_listing",
			Ref:    receipt.TradeID.String(),
			TxHash: receipt.TxHash.Hex(),
			Err:    err,
		}
	}

	s.logger.Info("listing created", "product_id", p.ID, "trade_id", receipt.TradeID.String(), "seller_id", p.SellerID)
	s.awardListing(ctx, p)
	return p, nil
}

func (s *Service) recordOrphan(ctx context.Context, req ListingRequest, receipt *settlement.TradeReceipt, cause error) {
	metrics.OrphanTrades.Inc()
	s.logger.Warn("trade created on ledger but listing not stored",
		"trade_id", receipt.TradeID.String(), "tx", receipt.TxHash.Hex(), "error", cause)
	if s.orphans == nil {
		return
	}
	err := s.orphans.Record(ctx, &Orphan{
		TradeID:   receipt.TradeID,
		TxHash:    receipt.TxHash.Hex(),
		Listing:   req,
		Error:     cause.Error(),
		CreatedAt: s.now(),
	})
	if err != nil {
		s.logger.Error("failed to record orphan trade", "trade_id", receipt.TradeID.String(), "error", err)
	}
}

func (s *Service) awardListing(ctx context.Context, p *Product) {
	if s.points == nil {
		return
	}
	if _, err := s.points.OpenAccount(ctx, p.SellerID); err != nil {
		s.logger.Warn("listing reward not granted", "product_id", p.ID, "error", err)
		return
	}
	_, err := s.points.AwardPoints(ctx, p.SellerID, rewards.ActionProductListed, p.ID, map[string]any{"tradeId": p.TradeID.String()})
	if err != nil {
		s.logger.Warn("listing reward not granted", "product_id", p.ID, "error", err)
	}
}

// AttachTrade writes the product for a trade that already exists on the
// ledger. Attaching the same trade id again returns the existing product.
func (s *Service) AttachTrade(ctx context.Context, req ListingRequest, tradeID chain.TradeID, txHash string) (*Product, error) {
	existing, err := s.store.GetByTradeID(ctx, tradeID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrProductNotFound) {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	p := s.newProduct(req, tradeID, txHash)
	if err := s.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrTradeAlreadyAttached) {
			return s.store.GetByTradeID(ctx, tradeID)
		}
		return nil, err
	}
	s.logger.Info("trade attached", "product_id", p.ID, "trade_id", tradeID.String())
	return p, nil
}

func (s *Service) newProduct(req ListingRequest, tradeID chain.TradeID, txHash string) *Product {
	now := s.now()
	id := tradeID
	return &Product{
		ID:           idgen.WithPrefix("prod_"),
		SellerID:     req.SellerID,
		SellerWallet: strings.ToLower(req.SellerWallet),
		Name:         req.Name,
		Description:  req.Description,
		Price:        new(big.Int).Set(req.Price),
		Stock:        req.Stock,
		TradeID:      &id,
		TxHash:       txHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// ReserveStock takes qty units out of stock, failing with
// ErrInsufficientStock or ErrProductNotFound.
func (s *Service) ReserveStock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	ok, err := s.store.ReserveStock(ctx, productID, qty)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	// The conditional update cannot say why it matched nothing.
	p, err := s.store.Get(ctx, productID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, productID, p.Stock, qty)
}

// ReleaseStock returns qty units to stock.
func (s *Service) ReleaseStock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	return s.store.ReleaseStock(ctx, productID, qty)
}

func (s *Service) Get(ctx context.Context, id string) (*Product, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Product, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListBySeller(ctx, sellerID, limit)
}
