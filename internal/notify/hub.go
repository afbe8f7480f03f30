// Package notify persists user notifications and forwards them live.
package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/previewd/internal/foundation/errors"
	"git.home.luguber.info/inful/previewd/internal/logfields"
	"git.home.luguber.info/inful/previewd/internal/push"
	"git.home.luguber.info/inful/previewd/internal/store"
)

// DefaultRetention is how long read notifications are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrUnauthorized is returned when a user acts on another user's notification.
var ErrUnauthorized = errors.UnauthorizedError("notification belongs to another user").Build()

// Pusher delivers a notification to a live connection.
type Pusher interface {
	SendNotification(userID string, n push.Notification)
}

// Hub creates and manages notifications.
type Hub struct {
	store     *store.Store
	pusher    Pusher
	retention time.Duration
	now       func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithRetention sets how long read notifications are kept.
func WithRetention(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

// WithClock overrides the time source used by CleanupOld.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// NewHub creates a hub. pusher may be nil.
func NewHub(st *store.Store, pusher Pusher, opts ...Option) *Hub {
	h := &Hub{store: st, pusher: pusher, retention: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Create persists a notification and forwards it to the user's live connection.
func (h *Hub) Create(ctx context.Context, userID, jobID string, typ store.NotificationType, title, message, actionURL string) (*store.Notification, error) {
	if userID == "" {
		return nil, errors.ValidationError("user id is required").Build()
	}
	n := &store.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		JobID:     jobID,
		Type:      typ,
		Title:     title,
		Message:   message,
		ActionURL: actionURL,
	}
	if err := h.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	slog.Debug("Notification created", logfields.UserID(userID), logfields.JobID(jobID), slog.String("type", string(typ)))
	if h.pusher != nil {
		h.pusher.SendNotification(userID, toPush(n))
	}
	return n, nil
}

func toPush(n *store.Notification) push.Notification {
	return push.Notification{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Message:   n.Message,
		ActionURL: n.ActionURL,
		CreatedAt: n.CreatedAt,
	}
}

// List returns the user's notifications, newest first.
func (h *Hub) List(ctx context.Context, userID string, limit int) ([]*store.Notification, error) {
	return h.store.ListNotifications(ctx, userID, false, limit)
}

// ListUnread returns the user's unread notifications, newest first.
func (h *Hub) ListUnread(ctx context.Context, userID string, limit int) ([]*store.Notification, error) {
	return h.store.ListNotifications(ctx, userID, true, limit)
}

// UnreadCount returns how many unread notifications the user has.
func (h *Hub) UnreadCount(ctx context.Context, userID string) (int, error) {
	return h.store.CountUnread(ctx, userID)
}

func (h *Hub) owned(ctx context.Context, id, userID string) error {
	n, err := h.store.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != userID {
		return ErrUnauthorized.WithContext("notification_id", id)
	}
	return nil
}

// MarkRead marks one of the user's notifications as read.
func (h *Hub) MarkRead(ctx context.Context, id, userID string) error {
	if err := h.owned(ctx, id, userID); err != nil {
		return err
	}
	return h.store.MarkNotificationRead(ctx, id)
}

// MarkAllRead marks every notification of the user as read and returns how many changed.
func (h *Hub) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return h.store.MarkAllNotificationsRead(ctx, userID)
}

// Delete removes one of the user's notifications.
func (h *Hub) Delete(ctx context.Context, id, userID string) error {
	if err := h.owned(ctx, id, userID); err != nil {
		return err
	}
	return h.store.DeleteNotification(ctx, id)
}

// CleanupOld deletes read notifications older than the retention window.
func (h *Hub) CleanupOld(ctx context.Context) (int, error) {
	cutoff := h.now().Add(-h.retention)
	n, err := h.store.DeleteReadNotificationsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	if n > 0 {
		slog.Info("Removed old notifications", logfields.Count(n))
	}
	return n, nil
}

// IsNotFound reports whether err means the notification does not exist.
func IsNotFound(err error) bool {
	return stderrors.Is(err, store.ErrNotificationNotFound)
}
