package storage

import (
	"context"
	"fmt"
)

const notificationColumns = `notification_id, message, type, title, source,
	severity, recovery, stage, alert_id, created_at`

// InsertNotification records an entry on the notification side-channel and
// returns it with its assigned id.
func (s *Store) InsertNotification(ctx context.Context, n Notification) (*Notification, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notifications
			(message, type, title, source, severity, recovery, stage, alert_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+notificationColumns,
		n.Message, string(n.Type), n.Title, nullableStr(n.Source),
		nullableStr(n.Severity), n.Recovery, nullableStr(n.Stage),
		nullableID(n.AlertID))

	out, err := scanNotification(row)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return out, nil
}

// ListNotifications returns the most recent notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// DeleteNotification removes a single notification. Returns false when the
// id does not exist.
func (s *Store) DeleteNotification(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notifications WHERE notification_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete notification %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateNotificationRecovery syncs the recovery percentage and stage label on
// every notification referencing the given alert, keeping the side-channel
// consistent with the alert's checklist.
func (s *Store) UpdateNotificationRecovery(ctx context.Context, alertID int64, recovery int, stage string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET recovery = $1, stage = $2
		WHERE alert_id = $3`, recovery, nullableStr(stage), alertID)
	if err != nil {
		return fmt.Errorf("update notification recovery for alert %d: %w", alertID, err)
	}
	return nil
}

func scanNotification(sc scanner) (*Notification, error) {
	var n Notification
	var source, severity, stage *string
	var alertID *int64
	var typ string
	err := sc.Scan(
		&n.ID, &n.Message, &typ, &n.Title, &source, &severity,
		&n.Recovery, &stage, &alertID, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.Type = NotificationType(typ)
	if source != nil {
		n.Source = *source
	}
	if severity != nil {
		n.Severity = *severity
	}
	if stage != nil {
		n.Stage = *stage
	}
	if alertID != nil {
		n.AlertID = *alertID
	}
	return &n, nil
}
