package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/lib/pq"

	"github.com/mbd888/marketsettle/internal/chain"
)

// PostgresStore persists products in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed product store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `id, seller_id, seller_wallet, name, description, price,
		       stock, trade_id, tx_hash, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, pr *Product) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO products (
			id, seller_id, seller_wallet, name, description, price,
			stock, trade_id, tx_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(78,0), $7, $8, $9, $10, $11)`,
		pr.ID, pr.SellerID, pr.SellerWallet, pr.Name, nullString(pr.Description), pr.Price.String(),
		pr.Stock, nullTradeID(pr.TradeID), nullString(pr.TxHash), pr.CreatedAt, pr.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrTradeAlreadyAttached
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	pr, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	return pr, err
}

func (p *PostgresStore) GetByTradeID(ctx context.Context, tradeID chain.TradeID) (*Product, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE trade_id = $1`, int64(tradeID))
	pr, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	return pr, err
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Product
	for rows.Next() {
		pr, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ReserveStock(ctx context.Context, id string, qty int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2`, id, qty)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) ReleaseStock(ctx context.Context, id string, qty int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1`, id, qty)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrProductNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProduct(s scanner) (*Product, error) {
	pr := &Product{}
	var (
		description sql.NullString
		price       string
		tradeID     sql.NullInt64
		txHash      sql.NullString
	)
	err := s.Scan(
		&pr.ID, &pr.SellerID, &pr.SellerWallet, &pr.Name, &description, &price,
		&pr.Stock, &tradeID, &txHash, &pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if pr.Price, ok = new(big.Int).SetString(price, 10); !ok {
		return nil, fmt.Errorf("catalog: invalid price %q for product %s", price, pr.ID)
	}
	pr.Description = description.String
	pr.TxHash = txHash.String
	if tradeID.Valid {
		id := chain.TradeID(tradeID.Int64)
		pr.TradeID = &id
	}
	return pr, nil
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

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
