// Package rewards is the point-accrual ledger.
//
// Every grant is an append-only Reward row plus an increment of the user's
// account balance, written in one store transaction. Event fan-outs (order
// completion, delivery confirmation, reviews) also write a claim row keyed
// by (event, reference) in the same transaction, so replaying an event is a
// no-op rather than a double grant.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/notify"
	"github.com/mbd888/marketsettle/internal/traces"
)

var (
	ErrUnknownActionType       = faults.New(faults.Validation, "rewards: unknown action type")
	ErrUserNotFound            = faults.New(faults.NotFound, "rewards: user not found")
	ErrInvalidUser             = faults.New(faults.Validation, "rewards: user id required")
	ErrMilestoneAlreadyClaimed = faults.New(faults.SoftRejection, "rewards: milestone already claimed in window")
	ErrNotFiveStar             = faults.New(faults.BusinessRule, "rewards: review is not five stars")
)

// errAlreadyClaimed aborts a fan-out transaction whose event was processed
// before. It never leaves the package.
var errAlreadyClaimed = errors.New("rewards: event already claimed")

// Action is a kind of reward.
type Action string

const (
	ActionProductSold       Action = "PRODUCT_SOLD"
	ActionSalesMilestone    Action = "SALES_MILESTONE"
	ActionFirstPurchase     Action = "FIRST_PURCHASE"
	ActionPurchaseMilestone Action = "PURCHASE_MILESTONE"
	ActionDeliveryConfirmed Action = "DELIVERY_CONFIRMED"
	ActionFiveStarReview    Action = "FIVE_STAR_REVIEW"
	ActionReviewSubmitted   Action = "REVIEW_SUBMITTED"
	ActionProductListed     Action = "PRODUCT_LISTED"
	ActionTestnetBonus      Action = "TESTNET_BONUS"
)

// rateLimited actions go through the anti-spam window before being granted
// as part of a fan-out.
func (a Action) rateLimited() bool {
	switch a {
	case ActionSalesMilestone, ActionPurchaseMilestone, ActionFirstPurchase, ActionTestnetBonus:
		return true
	}
	return false
}

// Claim events.
const (
	EventOrderCompleted    = "order_completed"
	EventDeliveryConfirmed = "delivery_confirmed"
	EventReviewSubmitted   = "review_submitted"
	EventFiveStarReview    = "five_star_review"
)

// Reward is one immutable grant.
type Reward struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Action      Action         `json:"action"`
	Points      int64          `json:"points"`
	ReferenceID string         `json:"referenceId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Account is a user's point balance. TotalPoints always equals the sum of
// the user's Reward points.
type Account struct {
	UserID          string    `json:"userId"`
	TotalPoints     int64     `json:"totalPoints"`
	AvailablePoints int64     `json:"availablePoints"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Config is the immutable reward policy.
type Config struct {
	Points            map[Action]int64
	AntiSpamWindow    time.Duration
	MilestoneInterval int
	TestnetMode       bool
}

// DefaultConfig returns the production point table.
func DefaultConfig() Config {
	return Config{
		Points: map[Action]int64{
			ActionProductSold:       50,
			ActionSalesMilestone:    250,
			ActionFirstPurchase:     100,
			ActionPurchaseMilestone: 200,
			ActionDeliveryConfirmed: 20,
			ActionFiveStarReview:    30,
			ActionReviewSubmitted:   10,
			ActionProductListed:     10,
			ActionTestnetBonus:      25,
		},
		AntiSpamWindow:    24 * time.Hour,
		MilestoneInterval: 10,
	}
}

func (c Config) clone() Config {
	points := make(map[Action]int64, len(c.Points))
	for a, p := range c.Points {
		points[a] = p
	}
	c.Points = points
	if c.MilestoneInterval <= 0 {
		c.MilestoneInterval = 10
	}
	if c.AntiSpamWindow <= 0 {
		c.AntiSpamWindow = 24 * time.Hour
	}
	return c
}

// OrderFacts is what order rewards are computed from. The completed counts
// include the order itself.
type OrderFacts struct {
	OrderID                 string
	BuyerID                 string
	SellerID                string
	SellerCompletedSales    int
	BuyerCompletedPurchases int
}

// ReviewFacts is what review rewards are computed from.
type ReviewFacts struct {
	ReviewID string
	OrderID  string
	BuyerID  string
	SellerID string
	Rating   int
}

// OrderSource looks up completed orders.
type OrderSource interface {
	OrderFacts(ctx context.Context, orderID string) (*OrderFacts, error)
}

// ReviewSource looks up reviews.
type ReviewSource interface {
	ReviewFacts(ctx context.Context, reviewID string) (*ReviewFacts, error)
}

// Notifier receives a best-effort notice for every grant.
type Notifier interface {
	Notify(ctx context.Context, userID string, n notify.Notification) (*notify.Notification, error)
}

// Ledger grants and reports reward points.
type Ledger struct {
	store    Store
	cfg      Config
	antiSpam *AntiSpam
	orders   OrderSource
	reviews  ReviewSource
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates a reward ledger. cfg is copied.
func NewLedger(store Store, cfg Config, logger *slog.Logger) *Ledger {
	cfg = cfg.clone()
	l := &Ledger{
		store:  store,
		cfg:    cfg,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
	l.antiSpam = &AntiSpam{store: store, window: cfg.AntiSpamWindow, now: func() time.Time { return l.now() }}
	return l
}

// WithOrders sets the source used by ProcessOrderRewards and
// ProcessDeliveryConfirmation.
func (l *Ledger) WithOrders(src OrderSource) *Ledger {
	l.orders = src
	return l
}

// WithReviews sets the source used by the review fan-outs.
func (l *Ledger) WithReviews(src ReviewSource) *Ledger {
	l.reviews = src
	return l
}

// WithNotifier enables grant notifications.
func (l *Ledger) WithNotifier(n Notifier) *Ledger {
	l.notifier = n
	return l
}

// AntiSpam returns the ledger's milestone rate limiter.
func (l *Ledger) AntiSpam() *AntiSpam {
	return l.antiSpam
}

// PointsFor returns the configured value of action.
func (l *Ledger) PointsFor(action Action) (int64, bool) {
	p, ok := l.cfg.Points[action]
	return p, ok && p > 0
}

// OpenAccount creates userID's account if it does not exist yet.
func (l *Ledger) OpenAccount(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	return l.store.OpenAccount(ctx, userID, l.now())
}

// Balance returns userID's account.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Account, error) {
	return l.store.GetAccount(ctx, userID)
}

// History returns userID's most recent rewards, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Reward, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return l.store.ListRewards(ctx, userID, limit)
}

// AwardPoints grants action's points to userID in one transaction.
func (l *Ledger) AwardPoints(ctx context.Context, userID string, action Action, referenceID string, metadata map[string]any) (*Reward, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.AwardPoints", traces.UserID(userID))
	defer span.End()

	var granted *Reward
	err := l.store.WithTx(ctx, func(tx Tx) error {
		r, err := l.grant(ctx, tx, userID, action, referenceID, metadata)
		granted = r
		return err
	})
	if err != nil {
		return nil, traces.Fail(span, fmt.Errorf("award %s to %s: %w", action, userID, err))
	}

	l.committed(ctx, granted)
	return granted, nil
}

// grant writes the reward row, then the balance increment.
func (l *Ledger) grant(ctx context.Context, tx Tx, userID string, action Action, referenceID string, metadata map[string]any) (*Reward, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrInvalidUser
	}
	points, ok := l.PointsFor(action)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, action)
	}

	r := &Reward{
		ID:          idgen.WithPrefix("rwd_"),
		UserID:      userID,
		Action:      action,
		Points:      points,
		ReferenceID: referenceID,
		Metadata:    metadata,
		CreatedAt:   l.now(),
	}
	if err := tx.InsertReward(ctx, r); err != nil {
		return nil, err
	}
	if err := tx.IncrementBalance(ctx, userID, points); err != nil {
		return nil, err
	}
	return r, nil
}

// committed runs the after-commit side effects of a grant.
func (l *Ledger) committed(ctx context.Context, r *Reward) {
	metrics.RewardPointsAwarded.WithLabelValues(string(r.Action)).Add(float64(r.Points))
	l.logger.Info("points awarded", "user_id", r.UserID, "action", r.Action, "points", r.Points, "reference_id", r.ReferenceID)

	if l.notifier == nil {
		return
	}
	_, err := l.notifier.Notify(ctx, r.UserID, notify.Notification{
		Type:  notify.TypeRewardGranted,
		Title: fmt.Sprintf("You earned %d points", r.Points),
		Body:  string(r.Action),
		Data: map[string]any{
			"rewardId":    r.ID,
			"action":      string(r.Action),
			"points":      r.Points,
			"referenceId": r.ReferenceID,
		},
	})
	if err != nil {
		l.logger.Warn("reward notification failed", "user_id", r.UserID, "reward_id", r.ID, "error", err)
	}
}

type plannedGrant struct {
	userID   string
	action   Action
	metadata map[string]any
}

// fanOut claims (event, ref) and applies every planned grant in one
// transaction. Rate-limited grants refused by AntiSpam are skipped. A
// previously claimed event returns no rewards and no error.
func (l *Ledger) fanOut(ctx context.Context, event, ref string, plan []plannedGrant) ([]*Reward, error) {
	var granted []*Reward
	err := l.store.WithTx(ctx, func(tx Tx) error {
		granted = granted[:0]
		claimed, err := tx.Claim(ctx, event, ref, l.now())
		if err != nil {
			return err
		}
		if !claimed {
			return errAlreadyClaimed
		}

		for _, g := range plan {
			if g.action.rateLimited() {
				err := l.antiSpam.validate(ctx, tx, g.userID, g.action)
				if errors.Is(err, ErrMilestoneAlreadyClaimed) {
					metrics.RewardRejectionsTotal.WithLabelValues(string(g.action)).Inc()
					l.logger.Warn("rate-limited grant skipped", "user_id", g.userID, "action", g.action, "event", event, "reference_id", ref)
					continue
				}
				if err != nil {
					return err
				}
			}
			r, err := l.grant(ctx, tx, g.userID, g.action, ref, g.metadata)
			if err != nil {
				return err
			}
			granted = append(granted, r)
		}
		return nil
	})
	if errors.Is(err, errAlreadyClaimed) {
		l.logger.Debug("reward event already processed", "event", event, "reference_id", ref)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, r := range granted {
		l.committed(ctx, r)
	}
	return granted, nil
}

// ProcessOrderRewards grants everything an order completion earns: the
// seller's sale and sales milestone, the buyer's first purchase and
// purchase milestone, and testnet bonuses. All grants commit together or
// not at all, and a completion is processed at most once.
func (l *Ledger) ProcessOrderRewards(ctx context.Context, orderID string) ([]*Reward, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.ProcessOrderRewards", traces.OrderID(orderID))
	defer span.End()

	if l.orders == nil {
		return nil, traces.Fail(span, errors.New("rewards: no order source configured"))
	}
	facts, err := l.orders.OrderFacts(ctx, orderID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}

	meta := map[string]any{"orderId": facts.OrderID}
	interval := l.cfg.MilestoneInterval
	plan := []plannedGrant{{userID: facts.SellerID, action: ActionProductSold, metadata: meta}}
	if n := facts.SellerCompletedSales; n > 0 && n%interval == 0 {
		plan = append(plan, plannedGrant{facts.SellerID, ActionSalesMilestone, map[string]any{"orderId": facts.OrderID, "sales": n}})
	}
	if facts.BuyerCompletedPurchases == 1 {
		plan = append(plan, plannedGrant{userID: facts.BuyerID, action: ActionFirstPurchase, metadata: meta})
	}
	if n := facts.BuyerCompletedPurchases; n > 0 && n%interval == 0 {
		plan = append(plan, plannedGrant{facts.BuyerID, ActionPurchaseMilestone, map[string]any{"orderId": facts.OrderID, "purchases": n}})
	}
	if l.cfg.TestnetMode {
		plan = append(plan,
			plannedGrant{userID: facts.SellerID, action: ActionTestnetBonus, metadata: meta},
			plannedGrant{userID: facts.BuyerID, action: ActionTestnetBonus, metadata: meta},
		)
	}

	granted, err := l.fanOut(ctx, EventOrderCompleted, orderID, plan)
	if err != nil {
		return nil, traces.Fail(span, fmt.Errorf("order %s rewards: %w", orderID, err))
	}
	return granted, nil
}

// ProcessDeliveryConfirmation grants DELIVERY_CONFIRMED to both parties of
// an order, at most once per order.
func (l *Ledger) ProcessDeliveryConfirmation(ctx context.Context, orderID string) ([]*Reward, error) {
	ctx, span := traces.StartSpan(ctx, "rewards.ProcessDeliveryConfirmation", traces.OrderID(orderID))
	defer span.End()

	if l.orders == nil {
		return nil, traces.Fail(span, errors.New("rewards: no order source configured"))
	}
	facts, err := l.orders.OrderFacts(ctx, orderID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}

	meta := map[string]any{"orderId": facts.OrderID}
	granted, err := l.fanOut(ctx, EventDeliveryConfirmed, orderID, []plannedGrant{
		{userID: facts.BuyerID, action: ActionDeliveryConfirmed, metadata: meta},
		{userID: facts.SellerID, action: ActionDeliveryConfirmed, metadata: meta},
	})
	if err != nil {
		return nil, traces.Fail(span, fmt.Errorf("order %s delivery rewards: %w", orderID, err))
	}
	return granted, nil
}

// ProcessReviewSubmitted grants REVIEW_SUBMITTED to the reviewer.
func (l *Ledger) ProcessReviewSubmitted(ctx context.Context, reviewID string) ([]*Reward, error) {
	facts, err := l.reviewFacts(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return l.fanOut(ctx, EventReviewSubmitted, reviewID, []plannedGrant{
		{userID: facts.BuyerID, action: ActionReviewSubmitted, metadata: map[string]any{"orderId": facts.OrderID, "rating": facts.Rating}},
	})
}

// ProcessFiveStarReview grants FIVE_STAR_REVIEW to both parties of a five
// star review.
func (l *Ledger) ProcessFiveStarReview(ctx context.Context, reviewID string) ([]*Reward, error) {
	facts, err := l.reviewFacts(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if facts.Rating != 5 {
		return nil, fmt.Errorf("%w: review %s has %d", ErrNotFiveStar, reviewID, facts.Rating)
	}
	meta := map[string]any{"orderId": facts.OrderID, "reviewId": facts.ReviewID}
	return l.fanOut(ctx, EventFiveStarReview, reviewID, []plannedGrant{
		{userID: facts.SellerID, action: ActionFiveStarReview, metadata: meta},
		{userID: facts.BuyerID, action: ActionFiveStarReview, metadata: meta},
	})
}

func (l *Ledger) reviewFacts(ctx context.Context, reviewID string) (*ReviewFacts, error) {
	if l.reviews == nil {
		return nil, errors.New("rewards: no review source configured")
	}
	return l.reviews.ReviewFacts(ctx, reviewID)
}
