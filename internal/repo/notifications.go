package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"readyline/internal/db"
	"readyline/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, q db.DBTX, n domain.Notification) error {
	var meta any
	if len(n.Metadata) > 0 {
		data, err := json.Marshal(n.Metadata)
		if err != nil {
			return err
		}
		meta = string(data)
	}
	_, err := q.ExecContext(ctx, `INSERT INTO notifications(id,org_id,escalation_id,recipient,channel,subject,body,priority,metadata_json,status,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, n.ID, n.OrgID, nullable(n.EscalationID), n.Recipient, n.Channel, n.Subject, n.Body, n.Priority,
		meta, string(n.Status), n.Attempts, n.CreatedAt, n.UpdatedAt)
	return err
}

const notificationColumns = `id,org_id,COALESCE(escalation_id,''),recipient,channel,subject,body,priority,COALESCE(metadata_json,''),
status,attempts,COALESCE(last_error,''),created_at,updated_at`

func scanNotification(s interface{ Scan(...any) error }) (domain.Notification, error) {
	var n domain.Notification
	var meta, st string
	if err := s.Scan(&n.ID, &n.OrgID, &n.EscalationID, &n.Recipient, &n.Channel, &n.Subject, &n.Body, &n.Priority, &meta,
		&st, &n.Attempts, &n.LastError, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return n, err
	}
	n.Status = domain.NotificationStatus(st)
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &n.Metadata); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	n, err := scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

// PendingNotifications returns the oldest undelivered rows.
func (r Repo) PendingNotifications(ctx context.Context, limit int) ([]domain.Notification, error) {
	return r.ListNotifications(ctx, "", domain.NotificationPending, limit)
}

func (r Repo) ListNotifications(ctx context.Context, escalationID string, st domain.NotificationStatus, limit int) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE 1=1`
	var args []any
	if escalationID != "" {
		query += " AND escalation_id=?"
		args = append(args, escalationID)
	}
	if st != "" {
		query += " AND status=?"
		args = append(args, string(st))
	}
	query += " ORDER BY created_at, id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// RecordDelivery stores the outcome of one delivery attempt. The row stays
// pending on error until maxAttempts is reached.
func (r Repo) RecordDelivery(ctx context.Context, id string, deliveryErr error, maxAttempts int, now string) (domain.NotificationStatus, error) {
	if deliveryErr == nil {
		return domain.NotificationSent, exec1(ctx, r.DB, `UPDATE notifications SET status='sent', attempts=attempts+1, last_error=NULL, updated_at=? WHERE id=? AND status='pending'`,
			now, id)
	}
	var attempts int
	if err := r.DB.QueryRowContext(ctx, `SELECT attempts FROM notifications WHERE id=?`, id).Scan(&attempts); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}
	attempts++
	next := domain.NotificationPending
	if attempts >= maxAttempts {
		next = domain.NotificationFailed
	}
	return next, exec1(ctx, r.DB, `UPDATE notifications SET status=?, attempts=?, last_error=?, updated_at=? WHERE id=? AND status='pending'`,
		string(next), attempts, deliveryErr.Error(), now, id)
}
