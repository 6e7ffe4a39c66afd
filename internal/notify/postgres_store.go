package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `id, user_id, type, title, body, data, read_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(orEmpty(n.Data))
	if err != nil {
		return fmt.Errorf("notify: encode data: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Body, data, n.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	args := []any{userID}
	if opts.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	if opts.After != nil {
		args = append(args, opts.After.CreatedAt, opts.After.ID)
		query += fmt.Sprintf(` AND (created_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, userID, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND user_id = $2`, id, userID, at)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL`, userID, at)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read_at IS NULL`, userID,
	).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(s scanner) (*Notification, error) {
	n := &Notification{}
	var (
		typ    string
		data   []byte
		readAt sql.NullTime
	)
	if err := s.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Body, &data, &readAt, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = Type(typ)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("notify: decode data of %s: %w", n.ID, err)
		}
	}
	if readAt.Valid {
		t := readAt.Time
		n.ReadAt = &t
	}
	return n, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
