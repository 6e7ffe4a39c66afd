// Package notify records user notifications and pushes them to live
// connections.
//
// The stored record is the source of truth. Push is at-most-once and its
// failures are only logged; a client that missed a push recovers by listing.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/marketsettle/internal/faults"
	"github.com/mbd888/marketsettle/internal/idgen"
	"github.com/mbd888/marketsettle/internal/logging"
	"github.com/mbd888/marketsettle/internal/metrics"
	"github.com/mbd888/marketsettle/internal/pagination"
)

var (
	ErrNotFound     = faults.New(faults.NotFound, "notify: notification not found")
	ErrInvalidInput = faults.New(faults.Validation, "notify: user id and title are required")
)

// Type classifies a notification.
type Type string

const (
	TypeOrderCreated   Type = "order_created"
	TypeOrderUpdated   Type = "order_updated"
	TypeDisputeRaised  Type = "dispute_raised"
	TypeRewardGranted  Type = "reward_granted"
	TypeReviewReceived Type = "review_received"
)

// Notification is the durable record of something a user should see.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      Type           `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	ReadAt    *time.Time     `json:"readAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Pusher delivers a notification to a user's live connections. It must not
// block on slow consumers.
type Pusher interface {
	Push(userID string, eventType string, payload any) error
}

// ListOptions selects a page of a user's notifications, newest first.
type ListOptions struct {
	After      *pagination.Cursor
	Limit      int
	UnreadOnly bool
}

// Store persists notifications.
type Store interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, userID string, opts ListOptions) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) error
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Page is one page of notifications.
type Page struct {
	Items      []*Notification `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
	HasMore    bool            `json:"hasMore"`
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Service implements the notification port.
type Service struct {
	store  Store
	pusher Pusher
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a notification service. pusher may be nil, in which
// case notifications are only stored.
func NewService(store Store, pusher Pusher, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		pusher: pusher,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
}

// Notify stores n for userID and then pushes it.
func (s *Service) Notify(ctx context.Context, userID string, n Notification) (*Notification, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(n.Title) == "" {
		return nil, ErrInvalidInput
	}

	n.ID = idgen.WithPrefix("ntf_")
	n.UserID = userID
	n.ReadAt = nil
	n.CreatedAt = s.now()
	if err := s.store.Create(ctx, &n); err != nil {
		return nil, err
	}

	s.push(&n)
	return &n, nil
}

func (s *Service) push(n *Notification) {
	if s.pusher == nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "disabled").Inc()
		return
	}
	if err := s.pusher.Push(n.UserID, string(n.Type), n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Type), "failed").Inc()
		s.logger.Warn("notification push failed", "user_id", n.UserID, "notification_id", n.ID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Type), "pushed").Inc()
}

// List returns a page of userID's notifications. cursor is the NextCursor of
// the previous page, or empty for the first.
func (s *Service) List(ctx context.Context, userID, cursor string, limit int, unreadOnly bool) (*Page, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}
	limit = pagination.ClampLimit(limit, defaultPageSize, maxPageSize)

	items, err := s.store.List(ctx, userID, ListOptions{After: after, Limit: limit + 1, UnreadOnly: unreadOnly})
	if err != nil {
		return nil, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(n *Notification) (time.Time, string) {
		return n.CreatedAt, n.ID
	})
	return &Page{Items: items, NextCursor: next, HasMore: more}, nil
}

// MarkRead marks one of userID's notifications read. Marking an already
// read notification is not an error.
func (s *Service) MarkRead(ctx context.Context, userID, id string) error {
	return s.store.MarkRead(ctx, userID, id, s.now())
}

// MarkAllRead marks every unread notification of userID and returns how
// many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID, s.now())
}

func (s *Service) CountUnread(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}
