package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/marketsettle/internal/catalog"
	"github.com/mbd888/marketsettle/internal/chain"
)

// PostgresStore persists orphans in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed orphan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orphanColumns = `trade_id, tx_hash, listing, last_error, attempts, product_id, created_at, resolved_at`

func (p *PostgresStore) Record(ctx context.Context, o *catalog.Orphan) error {
	listing, err := json.Marshal(o.Listing)
	if err != nil {
		return fmt.Errorf("reconciliation: encode listing: %w", err)
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orphan_trades (trade_id, tx_hash, listing, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trade_id) DO UPDATE SET last_error = EXCLUDED.last_error`,
		int64(o.TradeID), o.TxHash, listing, o.Error, createdAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tradeID chain.TradeID) (*Orphan, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orphanColumns+` FROM orphan_trades WHERE trade_id = $1`, int64(tradeID))
	o, err := scanOrphan(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrphanNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Orphan, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orphanColumns+`
		FROM orphan_trades
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Orphan
	for rows.Next() {
		o, err := scanOrphan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphan_trades WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}

func (p *PostgresStore) RecordAttempt(ctx context.Context, tradeID chain.TradeID, lastError string) error {
	return p.exec(ctx, `
		UPDATE orphan_trades SET attempts = attempts + 1, last_error = $2
		WHERE trade_id = $1`, int64(tradeID), lastError)
}

func (p *PostgresStore) MarkResolved(ctx context.Context, tradeID chain.TradeID, productID string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE orphan_trades SET attempts = attempts + 1, product_id = $2, resolved_at = $3
		WHERE trade_id = $1`, int64(tradeID), productID, at)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...interface{}) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrphanNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrphan(s scanner) (*Orphan, error) {
	o := &Orphan{}
	var (
		tradeID    int64
		listing    []byte
		productID  sql.NullString
		resolvedAt sql.NullTime
	)
	err := s.Scan(&tradeID, &o.TxHash, &listing, &o.Error, &o.Attempts, &productID, &o.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(listing, &o.Listing); err != nil {
		return nil, fmt.Errorf("reconciliation: decode listing for trade %d: %w", tradeID, err)
	}
	o.TradeID = chain.TradeID(tradeID)
	o.ProductID = productID.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		o.ResolvedAt = &at
	}
	return o, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
