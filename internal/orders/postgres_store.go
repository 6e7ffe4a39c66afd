package orders

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/marketsettle/internal/chain"
)

// PostgresStore persists orders and reviews in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, product_id, buyer_id, seller_id, quantity, amount, logistics_addr,
		       trade_id, purchase_id, status, dispute_raised_by, dispute_reason,
		       dispute_resolved, dispute_raised_at, dispute_resolved_at,
		       rewards_processed, delivery_rewards_processed, completed_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	d := disputeColumns(o.Dispute)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, product_id, buyer_id, seller_id, quantity, amount, logistics_addr,
			trade_id, purchase_id, status, dispute_raised_by, dispute_reason,
			dispute_resolved, dispute_raised_at, dispute_resolved_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.ProductID, o.BuyerID, o.SellerID, o.Quantity, o.Amount.String(), o.LogisticsAddr,
		nullTradeID(o.TradeID), nullPurchaseID(o.PurchaseID), string(o.Status),
		d.raisedBy, d.reason, d.resolved, d.raisedAt, d.resolvedAt,
		o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order, expected Status) error {
	d := disputeColumns(o.Dispute)
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			trade_id = $3, purchase_id = $4, status = $5,
			dispute_raised_by = $6, dispute_reason = $7, dispute_resolved = $8,
			dispute_raised_at = $9, dispute_resolved_at = $10, updated_at = $11,
			completed_at = $12
		WHERE id = $1 AND status = $2`,
		o.ID, string(expected),
		nullTradeID(o.TradeID), nullPurchaseID(o.PurchaseID), string(o.Status),
		d.raisedBy, d.reason, d.resolved, d.raisedAt, d.resolvedAt, o.UpdatedAt,
		nullTime(o.CompletedAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	var (
		where []string
		args  []interface{}
	)
	args = append(args, f.UserID)
	switch f.Role {
	case RoleBuyer:
		where = append(where, "buyer_id = $1")
	case RoleSeller:
		where = append(where, "seller_id = $1")
	default:
		where = append(where, "(buyer_id = $1 OR seller_id = $1)")
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return p.queryOrders(ctx, query, args...)
}

func (p *PostgresStore) CompletedRank(ctx context.Context, o *Order, role Role) (int, error) {
	column, userID := "buyer_id", o.BuyerID
	if role == RoleSeller {
		column, userID = "seller_id", o.SellerID
	}
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE `+column+` = $1 AND status = $2
		  AND ($3::TIMESTAMPTZ IS NULL OR (completed_at, id) <= ($3::TIMESTAMPTZ, $4))`,
		userID, string(StatusCompleted), nullTime(o.CompletedAt), o.ID,
	).Scan(&n)
	return n, err
}

func (p *PostgresStore) SetRewardFlag(ctx context.Context, id string, flag RewardFlag) (bool, error) {
	column, err := flagColumn(flag)
	if err != nil {
		return false, err
	}
	result, err := p.db.ExecContext(ctx,
		`UPDATE orders SET `+column+` = TRUE WHERE id = $1 AND `+column+` = FALSE`, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ListRewardsPending(ctx context.Context, flag RewardFlag, limit int) ([]*Order, error) {
	column, err := flagColumn(flag)
	if err != nil {
		return nil, err
	}
	statuses := []string{string(StatusCompleted)}
	if flag == FlagDeliveryRewards {
		statuses = append(statuses, string(StatusDeliveryConfirmed))
	}
	if limit <= 0 {
		limit = 100
	}
	return p.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = ANY($1) AND `+column+` = FALSE
		ORDER BY updated_at ASC
		LIMIT $2`, pq.Array(statuses), limit)
}

func (p *PostgresStore) CreateReview(ctx context.Context, r *Review) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviews (id, order_id, reviewer_id, seller_id, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.OrderID, r.ReviewerID, r.SellerID, r.Rating, nullString(r.Comment), r.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			switch pqErr.Code {
			case "23505":
				return ErrAlreadyReviewed
			case "23503":
				return ErrOrderNotFound
			}
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetReview(ctx context.Context, id string) (*Review, error) {
	r := &Review{}
	var comment sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, reviewer_id, seller_id, rating, comment, created_at
		FROM reviews WHERE id = $1`, id,
	).Scan(&r.ID, &r.OrderID, &r.ReviewerID, &r.SellerID, &r.Rating, &comment, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Comment = comment.String
	return r, nil
}

func (p *PostgresStore) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func flagColumn(flag RewardFlag) (string, error) {
	switch flag {
	case FlagOrderRewards, FlagDeliveryRewards:
		return string(flag), nil
	}
	return "", fmt.Errorf("orders: unknown reward flag %q", flag)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var (
		amount     string
		status     string
		tradeID    sql.NullInt64
		purchaseID sql.NullInt64
		raisedBy   sql.NullString
		reason     sql.NullString
		resolved   bool
		raisedAt   sql.NullTime
		resolvedAt sql.NullTime
		completed  sql.NullTime
	)
	err := s.Scan(
		&o.ID, &o.ProductID, &o.BuyerID, &o.SellerID, &o.Quantity, &amount, &o.LogisticsAddr,
		&tradeID, &purchaseID, &status, &raisedBy, &reason,
		&resolved, &raisedAt, &resolvedAt,
		&o.RewardsProcessed, &o.DeliveryRewardsProcessed, &completed, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if o.Amount, ok = new(big.Int).SetString(amount, 10); !ok {
		return nil, fmt.Errorf("orders: invalid amount %q for order %s", amount, o.ID)
	}
	o.Status = Status(status)
	if completed.Valid {
		at := completed.Time
		o.CompletedAt = &at
	}
	if tradeID.Valid {
		id := chain.TradeID(tradeID.Int64)
		o.TradeID = &id
	}
	if purchaseID.Valid {
		id := chain.PurchaseID(purchaseID.Int64)
		o.PurchaseID = &id
	}
	if raisedBy.Valid {
		o.Dispute = &Dispute{
			RaisedBy: raisedBy.String,
			Reason:   reason.String,
			RaisedAt: raisedAt.Time,
			Resolved: resolved,
		}
		if resolvedAt.Valid {
			at := resolvedAt.Time
			o.Dispute.ResolvedAt = &at
		}
	}
	return o, nil
}

type disputeRow struct {
	raisedBy   sql.NullString
	reason     sql.NullString
	resolved   bool
	raisedAt   sql.NullTime
	resolvedAt sql.NullTime
}

func disputeColumns(d *Dispute) disputeRow {
	if d == nil {
		return disputeRow{}
	}
	row := disputeRow{
		raisedBy: sql.NullString{String: d.RaisedBy, Valid: true},
		reason:   sql.NullString{String: d.Reason, Valid: true},
		resolved: d.Resolved,
		raisedAt: sql.NullTime{Time: d.RaisedAt, Valid: true},
	}
	if d.ResolvedAt != nil {
		row.resolvedAt = sql.NullTime{Time: *d.ResolvedAt, Valid: true}
	}
	return row
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTradeID(id *chain.TradeID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullPurchaseID(id *chain.PurchaseID) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
