// Package orders implements the off-chain order lifecycle.
//
// An order reserves stock when it is created and then moves through a fixed
// transition table driven by its buyer and seller. Completion and delivery
// confirmation fan out into reward grants; each fan-out runs at most once
// per order, gated by a persisted flag on the order and by the reward
// ledger's own claim rows.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/notify"
	"github.com/mbd888/marketsettle/internal/rewards"
	"github.com/mbd888/marketsettle/internal/syncutil"
	"github.com/mbd888/marketsettle/internal/traces"
	"github.com/mbd888/marketsettle/internal/units"
	"github.com/mbd888/marketsettle/internal/validation"
)

var (
	ErrOrderNotFound     = faults.New(faults.NotFound, "orders: order not found")
	ErrReviewNotFound    = faults.New(faults.NotFound, "orders: review not found")
	ErrUnauthorized      = faults.New(faults.Authorization, "orders: not a party to this order")
	ErrInvalidTransition = faults.New(faults.BusinessRule, "orders: invalid status transition")
	ErrInvalidOrder      = faults.New(faults.Validation, "orders: invalid order")
	ErrInvalidUpdate     = faults.New(faults.Validation, "orders: invalid update")
	ErrConflict          = faults.New(faults.BusinessRule, "orders: order changed concurrently")
	ErrAlreadyReviewed   = faults.New(faults.BusinessRule, "orders: order already reviewed")
	ErrReviewNotAllowed  = faults.New(faults.BusinessRule, "orders: only completed orders can be reviewed")
	ErrInvalidRating     = faults.New(faults.Validation, "orders: rating must be between 1 and 5")
)

// Status is an order state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAccepted          Status = "accepted"
	StatusRejected          Status = "rejected"
	StatusDeliveryConfirmed Status = "delivery_confirmed"
	StatusCompleted         Status = "completed"
	StatusDisputed          Status = "disputed"
	StatusRefunded          Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusAccepted, StatusRejected},
	StatusAccepted:          {StatusDeliveryConfirmed, StatusCompleted, StatusDisputed},
	StatusDeliveryConfirmed: {StatusCompleted, StatusDisputed},
	StatusDisputed:          {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusDeliveryConfirmed,
		StatusCompleted, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// Role is a user's side of an order.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Dispute is the snapshot taken when a party disputes an order.
type Dispute struct {
	RaisedBy   string     `json:"raisedBy"`
	Reason     string     `json:"reason"`
	RaisedAt   time.Time  `json:"raisedAt"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Order is a buyer's reservation of product stock.
type Order struct {
	ID                       string            `json:"id"`
	ProductID                string            `json:"productId"`
	BuyerID                  string            `json:"buyerId"`
	SellerID                 string            `json:"sellerId"`
	Quantity                 int64             `json:"quantity"`
	Amount                   *big.Int          `json:"amount"`
	LogisticsAddr            string            `json:"logisticsAddr,omitempty"`
	TradeID                  *chain.TradeID    `json:"tradeId,omitempty"`
	PurchaseID               *chain.PurchaseID `json:"purchaseId,omitempty"`
	Status                   Status            `json:"status"`
	Dispute                  *Dispute          `json:"dispute,omitempty"`
	RewardsProcessed         bool              `json:"rewardsProcessed"`
	DeliveryRewardsProcessed bool              `json:"deliveryRewardsProcessed"`
	CompletedAt              *time.Time        `json:"completedAt,omitempty"`
	CreatedAt                time.Time         `json:"createdAt"`
	UpdatedAt                time.Time         `json:"updatedAt"`
}

// RoleOf returns userID's role in o.
func (o *Order) RoleOf(userID string) (Role, bool) {
	switch userID {
	case o.BuyerID:
		return RoleBuyer, true
	case o.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Counterparty returns the other party of userID.
func (o *Order) Counterparty(userID string) string {
	if userID == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// Review is a buyer's rating of a completed order.
type Review struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"orderId"`
	ReviewerID string    `json:"reviewerId"`
	SellerID   string    `json:"sellerId"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// RewardFlag names one of an order's persisted fan-out flags.
type RewardFlag string

const (
	FlagOrderRewards    RewardFlag = "rewards_processed"
	FlagDeliveryRewards RewardFlag = "delivery_rewards_processed"
)

// ListFilter selects orders of one user.
type ListFilter struct {
	UserID string
	Role   Role   // empty matches both sides
	Status Status // empty matches all
	Limit  int
}

// Store persists orders and reviews.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// Update writes o only if the stored status still equals expected,
	// failing with ErrConflict otherwise.
	Update(ctx context.Context, o *Order, expected Status) error
	List(ctx context.Context, f ListFilter) ([]*Order, error)
	// CompletedRank counts the completed orders of o's party in role that
	// completed no later than o, o included. Ties on completion time break
	// on order id.
	CompletedRank(ctx context.Context, o *Order, role Role) (int, error)
	// SetRewardFlag sets flag, reporting false if it was already set.
	SetRewardFlag(ctx context.Context, id string, flag RewardFlag) (bool, error)
	// ListRewardsPending returns orders whose fan-out for flag is still due.
	ListRewardsPending(ctx context.Context, flag RewardFlag, limit int) ([]*Order, error)
	CreateReview(ctx context.Context, r *Review) error
	GetReview(ctx context.Context, id string) (*Review, error)
}

// Inventory is the catalog side of an order.
type Inventory interface {
	Get(ctx context.Context, id string) (*catalog.Product, error)
	ReserveStock(ctx context.Context, productID string, qty int64) error
	ReleaseStock(ctx context.Context, productID string, qty int64) error
}

// RewardProcessor runs the reward fan-outs an order triggers.
type RewardProcessor interface {
	OpenAccount(ctx context.Context, userID string) (*rewards.Account, error)
	ProcessOrderRewards(ctx context.Context, orderID string) ([]*rewards.Reward, error)
	ProcessDeliveryConfirmation(ctx context.Context, orderID string) ([]*rewards.Reward, error)
	ProcessReviewSubmitted(ctx context.Context, reviewID string) ([]*rewards.Reward, error)
	ProcessFiveStarReview(ctx context.Context, reviewID string) ([]*rewards.Reward, error)
}

// Notifier delivers order notifications.
type Notifier interface {
	Notify(ctx context.Context, userID string, n notify.Notification) (*notify.Notification, error)
}

// CreateOrderRequest reserves Quantity units of ProductID for BuyerID.
type CreateOrderRequest struct {
	ProductID     string `json:"productId"`
	BuyerID       string `json:"buyerId"`
	Quantity      int64  `json:"quantity"`
	LogisticsAddr string `json:"logisticsAddr,omitempty"`
}

// UpdateRequest changes an order. Nil fields are left alone. Reason is
// required when Status is disputed.
type UpdateRequest struct {
	Status     *Status           `json:"status,omitempty"`
	TradeID    *chain.TradeID    `json:"tradeId,omitempty"`
	PurchaseID *chain.PurchaseID `json:"purchaseId,omitempty"`
	Reason     string            `json:"reason,omitempty"`
}

const (
	maxReasonLength  = 1000
	maxCommentLength = 2000
)

// Service implements the order lifecycle.
type Service struct {
	store     Store
	inventory Inventory
	rewards   RewardProcessor
	notifier  Notifier
	locks     *syncutil.KeyedMutex
	decimals  uint8
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an order service. rewards and notifier may be nil.
func NewService(store Store, inventory Inventory, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		inventory: inventory,
		locks:     syncutil.NewKeyedMutex(),
		decimals:  units.DefaultDecimals,
		logger:    logging.OrDefault(logger),
		now:       time.Now,
	}
}

// WithRewards enables reward fan-outs.
func (s *Service) WithRewards(r RewardProcessor) *Service {
	s.rewards = r
	return s
}

// WithNotifier enables party notifications.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithTokenDecimals sets the token precision used to render amounts in
// notifications.
func (s *Service) WithTokenDecimals(d uint8) *Service {
	s.decimals = d
	return s
}

// CreateOrder reserves stock and records a pending order.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	ctx = logging.Seed(ctx, s.logger)
	ctx, span := traces.StartSpan(ctx, "orders.CreateOrder", traces.UserID(req.BuyerID))
	defer span.End()

	if err := validation.Validate(
		validation.Required("productId", req.ProductID),
		validation.Required("buyerId", req.BuyerID),
		validation.Positive("quantity", req.Quantity),
		validation.Address("logisticsAddr", req.LogisticsAddr),
	); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}

	product, err := s.inventory.Get(ctx, req.ProductID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	if product.SellerID == req.BuyerID {
		return nil, fmt.Errorf("%w: sellers cannot order their own product", ErrInvalidOrder)
	}

	if err := s.inventory.ReserveStock(ctx, req.ProductID, req.Quantity); err != nil {
		return nil, traces.Fail(span, err)
	}

	now := s.now()
	o := &Order{
		ID:            idgen.WithPrefix("ord_"),
		ProductID:     product.ID,
		BuyerID:       req.BuyerID,
		SellerID:      product.SellerID,
		Quantity:      req.Quantity,
		Amount:        new(big.Int).Mul(product.Price, big.NewInt(req.Quantity)),
		LogisticsAddr: strings.ToLower(req.LogisticsAddr),
		TradeID:       product.TradeID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, o); err != nil {
		if rerr := s.inventory.ReleaseStock(ctx, req.ProductID, req.Quantity); rerr != nil {
			s.logger.Error("failed to release stock after order insert failed",
				"product_id", req.ProductID, "quantity", req.Quantity, "error", rerr)
		}
		return nil, traces.Fail(span, err)
	}

	ctx = logging.WithOrderID(ctx, o.ID)
	logging.L(ctx).Info("order created", "product_id", o.ProductID, "buyer_id", o.BuyerID, "quantity", o.Quantity)
	metrics.OrderTransitionsTotal.WithLabelValues("", string(StatusPending)).Inc()

	s.openAccounts(ctx, o)
	s.notify(ctx, o.SellerID, notify.Notification{
		Type:  notify.TypeOrderCreated,
		Title: "New order received",
		Body:  fmt.Sprintf("%d x %s for %s", o.Quantity, product.Name, units.Format(o.Amount, s.decimals)),
		Data:  map[string]any{"orderId": o.ID, "productId": o.ProductID, "quantity": o.Quantity, "amount": o.Amount.String()},
	})
	return o, nil
}

// openAccounts makes sure both parties can receive reward points.
func (s *Service) openAccounts(ctx context.Context, o *Order) {
	if s.rewards == nil {
		return
	}
	for _, userID := range []string{o.BuyerID, o.SellerID} {
		if _, err := s.rewards.OpenAccount(ctx, userID); err != nil {
			logging.L(ctx).Warn("failed to open reward account", "user_id", userID, "error", err)
		}
	}
}

// Get returns an order to one of its parties.
func (s *Service) Get(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.RoleOf(userID); !ok {
		return nil, ErrUnauthorized
	}
	return o, nil
}

// ListForUser returns userID's orders, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string, role Role, status Status, limit int) ([]*Order, error) {
	if status != "" && !status.valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidUpdate, status)
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.List(ctx, ListFilter{UserID: userID, Role: role, Status: status, Limit: limit})
}

// UpdateOrder applies req on behalf of actingUserID.
func (s *Service) UpdateOrder(ctx context.Context, orderID string, req UpdateRequest, actingUserID string) (*Order, error) {
	ctx = logging.WithOrderID(logging.Seed(ctx, s.logger), orderID)
	ctx, span := traces.StartSpan(ctx, "orders.UpdateOrder", traces.OrderID(orderID), traces.UserID(actingUserID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, orderID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	role, ok := o.RoleOf(actingUserID)
	if !ok {
		return nil, ErrUnauthorized
	}

	prev := o.Status
	changed, err := s.apply(o, req, actingUserID, role)
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	if !changed {
		return o, nil
	}

	o.UpdatedAt = s.now()
	if err := s.store.Update(ctx, o, prev); err != nil {
		return nil, traces.Fail(span, err)
	}

	if o.Status != prev {
		metrics.OrderTransitionsTotal.WithLabelValues(string(prev), string(o.Status)).Inc()
		logging.L(ctx).Info("order status changed", "from", prev, "to", o.Status, "by", actingUserID)
		s.afterTransition(ctx, o, prev, actingUserID)
	}
	return o, nil
}

// apply mutates o in memory. It reports whether anything changed.
func (s *Service) apply(o *Order, req UpdateRequest, actor string, role Role) (bool, error) {
	changed := false

	if req.TradeID != nil {
		if o.TradeID != nil && *o.TradeID != *req.TradeID {
			return false, fmt.Errorf("%w: trade id already set", ErrInvalidUpdate)
		}
		if o.TradeID == nil {
			id := *req.TradeID
			o.TradeID = &id
			changed = true
		}
	}
	if req.PurchaseID != nil {
		if o.PurchaseID != nil && *o.PurchaseID != *req.PurchaseID {
			return false, fmt.Errorf("%w: purchase id already set", ErrInvalidUpdate)
		}
		if o.PurchaseID == nil {
			id := *req.PurchaseID
			o.PurchaseID = &id
			changed = true
		}
	}

	if req.Status == nil || *req.Status == o.Status {
		return changed, nil
	}
	next := *req.Status
	if !next.valid() || !CanTransition(o.Status, next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}

	switch {
	case o.Status == StatusPending && role != RoleSeller:
		return false, fmt.Errorf("%w: only the seller accepts or rejects", ErrUnauthorized)
	case next == StatusDisputed:
		reason := validation.SanitizeString(req.Reason, maxReasonLength)
		if reason == "" {
			return false, fmt.Errorf("%w: a dispute needs a reason", ErrInvalidUpdate)
		}
		o.Dispute = &Dispute{RaisedBy: actor, Reason: reason, RaisedAt: s.now()}
	case o.Status == StatusDisputed:
		if o.Dispute == nil || o.Dispute.RaisedBy == actor {
			return false, fmt.Errorf("%w: only the counterparty resolves a dispute", ErrUnauthorized)
		}
		now := s.now()
		o.Dispute.Resolved = true
		o.Dispute.ResolvedAt = &now
	}

	o.Status = next
	if next == StatusCompleted {
		now := s.now()
		o.CompletedAt = &now
	}
	return true, nil
}

// afterTransition runs the notifications and reward fan-outs of a committed
// status change. None of it can fail the update.
func (s *Service) afterTransition(ctx context.Context, o *Order, prev Status, actor string) {
	title := fmt.Sprintf("Order %s", strings.ReplaceAll(string(o.Status), "_", " "))
	typ := notify.TypeOrderUpdated
	body := ""
	if o.Status == StatusDisputed {
		typ = notify.TypeDisputeRaised
		title = "Order disputed"
		body = o.Dispute.Reason
	}
	s.notify(ctx, o.Counterparty(actor), notify.Notification{
		Type:  typ,
		Title: title,
		Body:  body,
		Data:  map[string]any{"orderId": o.ID, "from": string(prev), "to": string(o.Status)},
	})

	switch o.Status {
	case StatusDeliveryConfirmed:
		s.runRewards(ctx, o, FlagDeliveryRewards)
	case StatusCompleted:
		s.runRewards(ctx, o, FlagDeliveryRewards)
		s.runRewards(ctx, o, FlagOrderRewards)
	}
}

// runRewards runs the fan-out behind flag unless the order already records
// it. On failure the flag stays clear and RetryPendingRewards picks it up.
func (s *Service) runRewards(ctx context.Context, o *Order, flag RewardFlag) {
	if s.rewards == nil {
		return
	}
	if (flag == FlagOrderRewards && o.RewardsProcessed) || (flag == FlagDeliveryRewards && o.DeliveryRewardsProcessed) {
		return
	}

	var err error
	switch flag {
	case FlagOrderRewards:
		_, err = s.rewards.ProcessOrderRewards(ctx, o.ID)
	case FlagDeliveryRewards:
		_, err = s.rewards.ProcessDeliveryConfirmation(ctx, o.ID)
	}
	if err != nil {
		logging.L(ctx).Error("reward processing failed", "flag", flag, "error", err)
		return
	}

	if _, err := s.store.SetRewardFlag(ctx, o.ID, flag); err != nil {
		logging.L(ctx).Error("failed to persist reward flag", "flag", flag, "error", err)
		return
	}
	switch flag {
	case FlagOrderRewards:
		o.RewardsProcessed = true
	case FlagDeliveryRewards:
		o.DeliveryRewardsProcessed = true
	}
}

// RaiseDispute moves an accepted or delivered order to disputed.
func (s *Service) RaiseDispute(ctx context.Context, orderID, userID, reason string) (*Order, error) {
	disputed := StatusDisputed
	return s.UpdateOrder(ctx, orderID, UpdateRequest{Status: &disputed, Reason: reason}, userID)
}

// RetryPendingRewards re-runs reward fan-outs whose flag is still clear on
// orders that reached the triggering status. It returns how many orders it
// processed successfully.
func (s *Service) RetryPendingRewards(ctx context.Context, limit int) (int, error) {
	if s.rewards == nil {
		return 0, nil
	}
	ctx = logging.Seed(ctx, s.logger)
	done := 0
	for _, flag := range []RewardFlag{FlagDeliveryRewards, FlagOrderRewards} {
		pending, err := s.store.ListRewardsPending(ctx, flag, limit)
		if err != nil {
			return done, err
		}
		for _, o := range pending {
			octx := logging.WithOrderID(ctx, o.ID)
			s.runRewards(octx, o, flag)
			if (flag == FlagOrderRewards && o.RewardsProcessed) || (flag == FlagDeliveryRewards && o.DeliveryRewardsProcessed) {
				done++
			}
		}
	}
	return done, nil
}

func (s *Service) notify(ctx context.Context, userID string, n notify.Notification) {
	if s.notifier == nil || userID == "" {
		return
	}
	if _, err := s.notifier.Notify(ctx, userID, n); err != nil {
		logging.L(ctx).Warn("order notification failed", "user_id", userID, "type", n.Type, "error", err)
	}
}

// OrderFacts lets the reward ledger compute completion grants. The counts
// are the order's rank among its parties' completions, so a fan-out retried
// after later completions sees the same numbers as the first attempt.
func (s *Service) OrderFacts(ctx context.Context, orderID string) (*rewards.OrderFacts, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	sales, err := s.store.CompletedRank(ctx, o, RoleSeller)
	if err != nil {
		return nil, err
	}
	purchases, err := s.store.CompletedRank(ctx, o, RoleBuyer)
	if err != nil {
		return nil, err
	}
	return &rewards.OrderFacts{
		OrderID:                 o.ID,
		BuyerID:                 o.BuyerID,
		SellerID:                o.SellerID,
		SellerCompletedSales:    sales,
		BuyerCompletedPurchases: purchases,
	}, nil
}

// SubmitReview records the buyer's rating of a completed order and runs
// the review reward fan-outs.
func (s *Service) SubmitReview(ctx context.Context, orderID, reviewerID string, rating int, comment string) (*Review, error) {
	ctx = logging.WithOrderID(logging.Seed(ctx, s.logger), orderID)
	ctx, span := traces.StartSpan(ctx, "orders.SubmitReview", traces.OrderID(orderID), traces.UserID(reviewerID))
	defer span.End()

	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	if role, ok := o.RoleOf(reviewerID); !ok || role != RoleBuyer {
		return nil, fmt.Errorf("%w: only the buyer reviews an order", ErrUnauthorized)
	}
	if o.Status != StatusCompleted {
		return nil, ErrReviewNotAllowed
	}

	r := &Review{
		ID:         idgen.WithPrefix("rev_"),
		OrderID:    o.ID,
		ReviewerID: reviewerID,
		SellerID:   o.SellerID,
		Rating:     rating,
		Comment:    validation.SanitizeString(comment, maxCommentLength),
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateReview(ctx, r); err != nil {
		return nil, traces.Fail(span, err)
	}
	logging.L(ctx).Info("review submitted", "review_id", r.ID, "rating", rating)

	if s.rewards != nil {
		if _, err := s.rewards.ProcessReviewSubmitted(ctx, r.ID); err != nil {
			logging.L(ctx).Error("review reward failed", "review_id", r.ID, "error", err)
		}
		if rating == 5 {
			if _, err := s.rewards.ProcessFiveStarReview(ctx, r.ID); err != nil {
				logging.L(ctx).Error("five star reward failed", "review_id", r.ID, "error", err)
			}
		}
	}
	s.notify(ctx, o.SellerID, notify.Notification{
		Type:  notify.TypeReviewReceived,
		Title: fmt.Sprintf("New %d-star review", rating),
		Body:  r.Comment,
		Data:  map[string]any{"orderId": o.ID, "reviewId": r.ID, "rating": rating},
	})
	return r, nil
}

// ReviewFacts lets the reward ledger compute review grants.
func (s *Service) ReviewFacts(ctx context.Context, reviewID string) (*rewards.ReviewFacts, error) {
	r, err := s.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	return &rewards.ReviewFacts{
		ReviewID: r.ID,
		OrderID:  r.OrderID,
		BuyerID:  r.ReviewerID,
		SellerID: r.SellerID,
		Rating:   r.Rating,
	}, nil
}

var (
	_ rewards.OrderSource  = (*Service)(nil)
	_ rewards.ReviewSource = (*Service)(nil)
)
