// Package reconciliation recovers listings whose ledger trade committed but
// whose local product write did not.
//
// Each run walks the open orphans, confirms the trade on the escrow contract
// still matches what the seller asked for, and re-attaches it to the catalog.
// A run can also sweep orders whose reward fan-out failed after the order
// itself committed.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/traces"
)

var (
	ErrOrphanNotFound   = faults.New(faults.NotFound, "reconciliation: orphan not found")
	ErrTradeNotOnLedger = faults.New(faults.ReconciliationRequired, "reconciliation: trade not found on ledger")
	ErrTradeMismatch    = faults.New(faults.ReconciliationRequired, "reconciliation: ledger trade does not match listing")
)

// Orphan is a recorded orphan with its recovery state.
type Orphan struct {
	catalog.Orphan
	Attempts   int        `json:"attempts"`
	ProductID  string     `json:"productId,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists orphans. Record is idempotent per trade id.
type Store interface {
	catalog.OrphanRecorder
	Get(ctx context.Context, tradeID chain.TradeID) (*Orphan, error)
	ListOpen(ctx context.Context, limit int) ([]*Orphan, error)
	CountOpen(ctx context.Context) (int, error)
	RecordAttempt(ctx context.Context, tradeID chain.TradeID, lastError string) error
	MarkResolved(ctx context.Context, tradeID chain.TradeID, productID string, at time.Time) error
}

// TradeReader reads trades from the escrow contract.
type TradeReader interface {
	GetTrade(ctx context.Context, id chain.TradeID) (*chain.Trade, error)
}

// TradeAttacher writes the local product for an existing trade.
type TradeAttacher interface {
	AttachTrade(ctx context.Context, req catalog.ListingRequest, tradeID chain.TradeID, txHash string) (*catalog.Product, error)
}

// RewardRetrier re-runs reward fan-outs that failed after their order
// committed.
type RewardRetrier interface {
	RetryPendingRewards(ctx context.Context, limit int) (int, error)
}

// Report summarises one run.
type Report struct {
	OpenOrphans    int           `json:"openOrphans"`
	Recovered      int           `json:"recovered"`
	Failed         int           `json:"failed"`
	RewardsRetried int           `json:"rewardsRetried"`
	Duration       time.Duration `json:"duration"`
}

const defaultBatchSize = 100

// Runner performs reconciliation runs.
type Runner struct {
	orphans Store
	ledger  TradeReader
	catalog TradeAttacher
	rewards RewardRetrier
	batch   int
	logger  *slog.Logger
	now     func() time.Time
}

// NewRunner creates a runner. ledger may be nil when no chain is
// configured, in which case orphans are counted but not recovered.
func NewRunner(orphans Store, ledger TradeReader, attacher TradeAttacher, logger *slog.Logger) *Runner {
	return &Runner{
		orphans: orphans,
		ledger:  ledger,
		catalog: attacher,
		batch:   defaultBatchSize,
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
}

// WithRewardRetry makes each run also sweep pending reward fan-outs.
func (r *Runner) WithRewardRetry(rr RewardRetrier) *Runner {
	r.rewards = rr
	return r
}

// RunAll runs every reconciliation check once.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.RunAll")
	defer span.End()

	start := time.Now()
	report := &Report{}
	defer func() {
		report.Duration = time.Since(start)
		runDuration.Observe(report.Duration.Seconds())
	}()

	if err := r.recoverOrphans(ctx, report); err != nil {
		runErrors.Inc()
		return report, traces.Fail(span, err)
	}

	if r.rewards != nil {
		n, err := r.rewards.RetryPendingRewards(ctx, r.batch)
		report.RewardsRetried = n
		if err != nil {
			runErrors.Inc()
			return report, traces.Fail(span, fmt.Errorf("retry rewards: %w", err))
		}
	}

	if report.Recovered > 0 || report.Failed > 0 || report.RewardsRetried > 0 {
		r.logger.Info("reconciliation run finished",
			"open_orphans", report.OpenOrphans,
			"recovered", report.Recovered,
			"failed", report.Failed,
			"rewards_retried", report.RewardsRetried,
		)
	}
	return report, nil
}

func (r *Runner) recoverOrphans(ctx context.Context, report *Report) error {
	open, err := r.orphans.ListOpen(ctx, r.batch)
	if err != nil {
		return fmt.Errorf("list orphans: %w", err)
	}

	if r.ledger != nil {
		for _, o := range open {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.recoverOne(ctx, o); err != nil {
				report.Failed++
				orphanRecoveries.WithLabelValues("failed").Inc()
				r.logger.Warn("orphan trade not recovered",
					"trade_id", o.TradeID.String(), "attempts", o.Attempts+1, "error", err)
				if aerr := r.orphans.RecordAttempt(ctx, o.TradeID, err.Error()); aerr != nil {
					return fmt.Errorf("record attempt for trade %s: %w", o.TradeID, aerr)
				}
				continue
			}
			report.Recovered++
			orphanRecoveries.WithLabelValues("recovered").Inc()
		}
	}

	remaining, err := r.orphans.CountOpen(ctx)
	if err != nil {
		return fmt.Errorf("count orphans: %w", err)
	}
	report.OpenOrphans = remaining
	metrics.OrphanTrades.Set(float64(remaining))
	return nil
}

// recoverOne verifies one orphan against the ledger and attaches it.
func (r *Runner) recoverOne(ctx context.Context, o *Orphan) error {
	trade, err := r.ledger.GetTrade(ctx, o.TradeID)
	if err != nil {
		if faults.Is(err, faults.LedgerRevert) {
			return fmt.Errorf("%w: trade %s: %w", ErrTradeNotOnLedger, o.TradeID, err)
		}
		return fmt.Errorf("read trade %s: %w", o.TradeID, err)
	}
	if err := matches(trade, o.Listing); err != nil {
		return err
	}

	p, err := r.catalog.AttachTrade(ctx, o.Listing, o.TradeID, o.TxHash)
	if err != nil {
		return fmt.Errorf("attach trade %s: %w", o.TradeID, err)
	}
	if err := r.orphans.MarkResolved(ctx, o.TradeID, p.ID, r.now()); err != nil {
		return fmt.Errorf("mark trade %s resolved: %w", o.TradeID, err)
	}
	r.logger.Info("orphan trade recovered", "trade_id", o.TradeID.String(), "product_id", p.ID, "tx_hash", o.TxHash)
	return nil
}

func matches(trade *chain.Trade, listing catalog.ListingRequest) error {
	want := common.HexToAddress(listing.SellerWallet)
	switch {
	case trade.Seller != want:
		return fmt.Errorf("%w: seller %s, listing wallet %s", ErrTradeMismatch, trade.Seller.Hex(), strings.ToLower(want.Hex()))
	case listing.Price != nil && trade.ProductCost != nil && trade.ProductCost.Cmp(listing.Price) != 0:
		return fmt.Errorf("%w: cost %s, listing price %s", ErrTradeMismatch, trade.ProductCost, listing.Price)
	case trade.TotalQuantity != uint64(listing.Stock):
		return fmt.Errorf("%w: quantity %d, listing stock %d", ErrTradeMismatch, trade.TotalQuantity, listing.Stock)
	}
	return nil
}
