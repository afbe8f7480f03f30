package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"
)

const notificationColumns = `id, user_id, job_id, type, title, message, action_url, read, created_at`

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var read int
	var createdAt int64
	if err := row.Scan(&n.ID, &n.UserID, &n.JobID, &n.Type, &n.Title, &n.Message, &n.ActionURL, &read, &createdAt); err != nil {
		return nil, err
	}
	n.Read = read != 0
	n.CreatedAt = fromUnix(createdAt)
	return &n, nil
}

// CreateNotification inserts n. CreatedAt is stamped when zero.
func (s *Store) CreateNotification(ctx context.Context, n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.JobID, n.Type, n.Title, n.Message, n.ActionURL, boolInt(n.Read), toUnix(n.CreatedAt))
	if err != nil {
		return storageErr(err, "insert notification")
	}
	return nil
}

// GetNotification returns the notification or ErrNotificationNotFound.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound.WithContext("notification_id", id)
	}
	if err != nil {
		return nil, storageErr(err, "get notification")
	}
	return n, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY created_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, storageErr(err, "list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr(err, "scan notification")
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "iterate notifications")
	}
	return out, nil
}

// CountUnread returns the user's unread notification count.
func (s *Store) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read = 0`, userID).Scan(&n); err != nil {
		return 0, storageErr(err, "count unread notifications")
	}
	return n, nil
}

// MarkNotificationRead sets the read flag.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return storageErr(err, "mark notification read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound.WithContext("notification_id", id)
	}
	return nil
}

// MarkAllNotificationsRead marks every notification of userID as read and returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE user_id = ? AND read = 0`, userID)
	if err != nil {
		return 0, storageErr(err, "mark all notifications read")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteNotification removes a notification.
func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return storageErr(err, "delete notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotificationNotFound.WithContext("notification_id", id)
	}
	return nil
}

// DeleteReadNotificationsBefore removes read notifications created before cutoff.
func (s *Store) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE read = 1 AND created_at < ?`, toUnix(cutoff))
	if err != nil {
		return 0, storageErr(err, "delete old notifications")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
