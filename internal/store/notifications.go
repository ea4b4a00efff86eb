package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// NotificationStatus is the outbox state of a notification.
type NotificationStatus string

const (
	NotifQueued   NotificationStatus = "queued"
	NotifSending  NotificationStatus = "sending"
	NotifSent     NotificationStatus = "sent"
	NotifFailed   NotificationStatus = "failed"
	NotifCanceled NotificationStatus = "canceled"
)

// Notification is one queued delivery about a finished run. The channel
// names a transport; the secret name resolves its credentials at send time.
type Notification struct {
	ID            string
	RunID         string
	Channel       string // wecom_bot | email
	SecretName    string
	Status        NotificationStatus
	Attempts      int
	CreatedAt     int64
	UpdatedAt     int64
	NextAttemptAt int64
	LastError     string
}

// EnqueueNotification inserts a queued notification.
func (s *Store) EnqueueNotification(n *Notification) error {
	_, err := s.conn.Exec(`INSERT INTO notifications
		(id, run_id, channel, secret_name, status, attempts, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		n.ID, n.RunID, n.Channel, n.SecretName, string(NotifQueued),
		n.CreatedAt, n.UpdatedAt, n.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// ClaimDueNotification atomically flips the earliest due notification to
// sending and increments attempts. Returns nil when nothing is due.
func (s *Store) ClaimDueNotification(now int64) (*Notification, error) {
	row := s.conn.QueryRow(`UPDATE notifications
		SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE id = (SELECT id FROM notifications
			WHERE status = 'queued' AND next_attempt_at <= ?
			ORDER BY next_attempt_at ASC LIMIT 1)
		RETURNING id, run_id, channel, secret_name, status, attempts, created_at, updated_at, next_attempt_at, last_error`,
		now, now)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim notification: %w", err)
	}
	return n, nil
}

// MarkNotificationSent finishes a sending notification.
func (s *Store) MarkNotificationSent(id string, now int64) error {
	return s.setNotificationStatus(id, NotifSent, "", 0, now)
}

// MarkNotificationRetry requeues a sending notification after a transient
// send failure, recording the error and the next attempt time.
func (s *Store) MarkNotificationRetry(id, errMsg string, nextAttemptAt, now int64) error {
	return s.setNotificationStatus(id, NotifQueued, errMsg, nextAttemptAt, now)
}

// MarkNotificationFailed gives up on a notification.
func (s *Store) MarkNotificationFailed(id, errMsg string, now int64) error {
	return s.setNotificationStatus(id, NotifFailed, errMsg, 0, now)
}

// CancelNotification cancels a queued notification. Sending and terminal
// rows are left alone.
func (s *Store) CancelNotification(id string, now int64) error {
	res, err := s.conn.Exec(`UPDATE notifications SET status = 'canceled', updated_at = ?
		WHERE id = ? AND status = 'queued'`, now, id)
	if err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel notification rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cancel notification %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) setNotificationStatus(id string, status NotificationStatus, errMsg string, nextAttemptAt, now int64) error {
	res, err := s.conn.Exec(`UPDATE notifications
		SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?`,
		string(status), nullString(errMsg), nextAttemptAt, now, id)
	if err != nil {
		return fmt.Errorf("set notification status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set notification status rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set notification status %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListNotificationsForRun returns a run's notifications, oldest first.
func (s *Store) ListNotificationsForRun(runID string) ([]*Notification, error) {
	rows, err := s.conn.Query(`SELECT id, run_id, channel, secret_name, status, attempts,
		created_at, updated_at, next_attempt_at, last_error
		FROM notifications WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var list []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return list, nil
}

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var status string
	var lastError sql.NullString
	if err := row.Scan(&n.ID, &n.RunID, &n.Channel, &n.SecretName, &status, &n.Attempts,
		&n.CreatedAt, &n.UpdatedAt, &n.NextAttemptAt, &lastError); err != nil {
		return nil, err
	}
	n.Status = NotificationStatus(status)
	n.LastError = lastError.String
	return &n, nil
}
