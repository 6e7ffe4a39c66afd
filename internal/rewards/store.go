package rewards

import (
	"context"
	"time"
)

// Store persists accounts, rewards and event claims.
type Store interface {
	RecentChecker
	// OpenAccount creates the account if missing and returns it.
	OpenAccount(ctx context.Context, userID string, at time.Time) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)
	ListRewards(ctx context.Context, userID string, limit int) ([]*Reward, error)
	// WithTx runs fn in one transaction, committing only if fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side of a store transaction.
type Tx interface {
	RecentChecker
	InsertReward(ctx context.Context, r *Reward) error
	// IncrementBalance adds points to both balances, failing with
	// ErrUserNotFound when the account does not exist.
	IncrementBalance(ctx context.Context, userID string, points int64) error
	// Claim records (event, referenceID), reporting false when it already
	// exists.
	Claim(ctx context.Context, event, referenceID string, at time.Time) (bool, error)
}
