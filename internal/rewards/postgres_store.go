package rewards

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rewards in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed reward store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// querier is the subset of *sql.DB and *sql.Tx the reads need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) OpenAccount(ctx context.Context, userID string, at time.Time) (*Account, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reward_accounts (user_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, at)
	if err != nil {
		return nil, err
	}
	return p.GetAccount(ctx, userID)
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID string) (*Account, error) {
	a := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, total_points, available_points, created_at, updated_at
		FROM reward_accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.TotalPoints, &a.AvailablePoints, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresStore) ListRewards(ctx context.Context, userID string, limit int) ([]*Reward, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, action, points, reference_id, metadata, created_at
		FROM rewards
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Reward
	for rows.Next() {
		r := &Reward{}
		var (
			action string
			ref    sql.NullString
			meta   []byte
		)
		if err := rows.Scan(&r.ID, &r.UserID, &action, &r.Points, &ref, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Action = Action(action)
		r.ReferenceID = ref.String
		if len(meta) > 0 && string(meta) != "{}" {
			if err := json.Unmarshal(meta, &r.Metadata); err != nil {
				return nil, fmt.Errorf("rewards: decode metadata of %s: %w", r.ID, err)
			}
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasRecentReward(ctx context.Context, userID string, action Action, since time.Time) (bool, error) {
	return hasRecent(ctx, p.db, userID, action, since)
}

func hasRecent(ctx context.Context, q querier, userID string, action Action, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rewards
			WHERE user_id = $1 AND action = $2 AND created_at >= $3
		)`, userID, string(action), since,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) HasRecentReward(ctx context.Context, userID string, action Action, since time.Time) (bool, error) {
	return hasRecent(ctx, t.tx, userID, action, since)
}

func (t *postgresTx) InsertReward(ctx context.Context, r *Reward) error {
	meta := r.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("rewards: encode metadata: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO rewards (id, user_id, action, points, reference_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.UserID, string(r.Action), r.Points, nullString(r.ReferenceID), data, r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return ErrUserNotFound
	}
	return err
}

func (t *postgresTx) IncrementBalance(ctx context.Context, userID string, points int64) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE reward_accounts
		SET total_points = total_points + $2,
		    available_points = available_points + $2,
		    updated_at = NOW()
		WHERE user_id = $1`, userID, points)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *postgresTx) Claim(ctx context.Context, event, referenceID string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO reward_claims (event, reference_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event, reference_id) DO NOTHING`, event, referenceID, at)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
