package rewards

import (
	"context"
	"fmt"
	"time"
)

// RecentChecker answers whether a user received an action since a point in
// time. Both Store and Tx implement it.
type RecentChecker interface {
	HasRecentReward(ctx context.Context, userID string, action Action, since time.Time) (bool, error)
}

// AntiSpam refuses a grant when the same (user, action) was granted within
// a trailing window. It rate-limits; idempotency comes from claim rows.
type AntiSpam struct {
	store  RecentChecker
	window time.Duration
	now    func() time.Time
}

// Window returns the trailing window length.
func (a *AntiSpam) Window() time.Duration {
	return a.window
}

// ValidateMilestone returns ErrMilestoneAlreadyClaimed if userID received
// action within the window.
func (a *AntiSpam) ValidateMilestone(ctx context.Context, userID string, action Action) error {
	return a.validate(ctx, a.store, userID, action)
}

func (a *AntiSpam) validate(ctx context.Context, rc RecentChecker, userID string, action Action) error {
	since := a.now().Add(-a.window)
	recent, err := rc.HasRecentReward(ctx, userID, action, since)
	if err != nil {
		return err
	}
	if recent {
		return fmt.Errorf("%w: %s for %s since %s", ErrMilestoneAlreadyClaimed, action, userID, since.Format(time.RFC3339))
	}
	return nil
}
