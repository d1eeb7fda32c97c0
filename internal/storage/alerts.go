package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const alertColumns = `alert_id, ts, severity, status, title, description,
	source, event_id, detection_id, stage_checks, review_notes,
	last_escalated_at`

// CreateAlert persists a new alert and returns it with its assigned id.
// Severity is clamped into the 1-4 range; status defaults to active.
func (s *Store) CreateAlert(ctx context.Context, a Alert) (*Alert, error) {
	if a.Severity < 1 {
		a.Severity = 1
	}
	if a.Severity > 4 {
		a.Severity = 4
	}
	if a.Status == "" {
		a.Status = AlertStatusActive
	}
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	checks := a.StageChecks
	if checks == nil {
		checks = []string{}
	}
	checksJSON, err := json.Marshal(checks)
	if err != nil {
		return nil, fmt.Errorf("create alert: marshal stage checks: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO alerts
			(ts, severity, status, title, description, source, event_id,
			 detection_id, stage_checks, review_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+alertColumns,
		ts, a.Severity, string(a.Status), a.Title, nullableStr(a.Description),
		nullableStr(a.Source), nullableID(a.EventID), nullableID(a.DetectionID),
		checksJSON, nullableStr(a.ReviewNotes))

	out, err := scanAlert(row)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return out, nil
}

// QueryAlerts returns alerts filtered by status (empty means all), newest
// first.
func (s *Store) QueryAlerts(ctx context.Context, status AlertStatus) ([]Alert, error) {
	sql := `SELECT ` + alertColumns + ` FROM alerts`
	var args []any
	if status != "" {
		sql += ` WHERE status = $1`
		args = append(args, string(status))
	}
	sql += ` ORDER BY ts DESC`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ActiveAlerts returns all open alerts, newest first. The escalation monitor
// sweeps over this set.
func (s *Store) ActiveAlerts(ctx context.Context) ([]Alert, error) {
	return s.QueryAlerts(ctx, AlertStatusActive)
}

// GetAlert returns the alert with the given id, or nil when no such row
// exists.
func (s *Store) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get alert %d: %w", id, err)
	}
	return a, nil
}

// ResolveAlert closes an alert: the row is copied into resolved_incidents
// and deleted from alerts in one transaction, so an alert can never be both
// open and resolved. Returns the resolved incident id, or 0 with a nil error
// when the alert does not exist.
func (s *Store) ResolveAlert(ctx context.Context, id int64, notes, resolvedBy string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve alert %d: begin: %w", id, err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve alert %d: fetch: %w", id, err)
	}

	if resolvedBy == "" {
		resolvedBy = SystemResolver
	}
	meta, err := json.Marshal(map[string]any{
		"alert_id":     a.ID,
		"stage_checks": a.StageChecks,
		"review_notes": a.ReviewNotes,
	})
	if err != nil {
		return 0, fmt.Errorf("resolve alert %d: marshal metadata: %w", id, err)
	}

	eventIDs := []int64{}
	if a.EventID != 0 {
		eventIDs = append(eventIDs, a.EventID)
	}

	var resolvedID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO resolved_incidents
			(original_detection_id, rule_name, rule_category, severity,
			 description, event_ids, src_ip, username, detection_ts, metadata,
			 resolution_notes, resolved_by)
		VALUES ($1, $2, 'alert', $3, $4, $5, NULL, NULL, $6, $7, $8, $9)
		RETURNING resolved_id`,
		nullableID(a.DetectionID), a.Title, alertSeverityText(a.Severity),
		a.Description, eventIDs, a.Timestamp, meta, nullableStr(notes),
		resolvedBy,
	).Scan(&resolvedID)
	if err != nil {
		return 0, fmt.Errorf("resolve alert %d: insert resolved: %w", id, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM alerts WHERE alert_id = $1`, id); err != nil {
		return 0, fmt.Errorf("resolve alert %d: delete: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("resolve alert %d: commit: %w", id, err)
	}
	return resolvedID, nil
}

// UpdateAlertStatus sets an alert's lifecycle status in place. Resolution
// with archival goes through ResolveAlert instead.
func (s *Store) UpdateAlertStatus(ctx context.Context, id int64, status AlertStatus) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE alerts SET status = $1 WHERE alert_id = $2
		RETURNING `+alertColumns, string(status), id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update alert %d status: %w", id, err)
	}
	return a, nil
}

// UpdateAlertDetails replaces an alert's stage checklist and review notes.
func (s *Store) UpdateAlertDetails(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*Alert, error) {
	if stageChecks == nil {
		stageChecks = []string{}
	}
	checksJSON, err := json.Marshal(stageChecks)
	if err != nil {
		return nil, fmt.Errorf("update alert %d details: marshal: %w", id, err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE alerts SET stage_checks = $1, review_notes = $2
		WHERE alert_id = $3
		RETURNING `+alertColumns, checksJSON, nullableStr(reviewNotes), id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update alert %d details: %w", id, err)
	}
	return a, nil
}

// MarkEscalated stamps last_escalated_at on an alert, starting the
// re-escalation cooldown.
func (s *Store) MarkEscalated(ctx context.Context, id int64) (*Alert, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE alerts SET last_escalated_at = NOW()
		WHERE alert_id = $1
		RETURNING `+alertColumns, id)
	a, err := scanAlert(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mark alert %d escalated: %w", id, err)
	}
	return a, nil
}

// DeleteAlert removes a single alert without archiving it. Returns false
// when the id does not exist.
func (s *Store) DeleteAlert(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM alerts WHERE alert_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete alert %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAlertsByStatus bulk-removes alerts in the given status (empty means
// all) without archiving them. Returns the number of rows removed.
func (s *Store) DeleteAlertsByStatus(ctx context.Context, status AlertStatus) (int64, error) {
	sql := `DELETE FROM alerts`
	var args []any
	if status != "" {
		sql += ` WHERE status = $1`
		args = append(args, string(status))
	}
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// alertSeverityText maps the numeric 1-4 alert severity to its label.
func alertSeverityText(sev int16) string {
	switch sev {
	case 4:
		return "CRITICAL"
	case 3:
		return "HIGH"
	case 2:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

func scanAlert(sc scanner) (*Alert, error) {
	var a Alert
	var description, source, reviewNotes *string
	var eventID, detectionID *int64
	var checksJSON []byte
	var status string
	err := sc.Scan(
		&a.ID, &a.Timestamp, &a.Severity, &status, &a.Title, &description,
		&source, &eventID, &detectionID, &checksJSON, &reviewNotes,
		&a.LastEscalatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AlertStatus(status)
	if description != nil {
		a.Description = *description
	}
	if source != nil {
		a.Source = *source
	}
	if reviewNotes != nil {
		a.ReviewNotes = *reviewNotes
	}
	if eventID != nil {
		a.EventID = *eventID
	}
	if detectionID != nil {
		a.DetectionID = *detectionID
	}
	if len(checksJSON) > 0 {
		if err := json.Unmarshal(checksJSON, &a.StageChecks); err != nil {
			return nil, fmt.Errorf("unmarshal stage checks: %w", err)
		}
	}
	if a.StageChecks == nil {
		a.StageChecks = []string{}
	}
	return &a, nil
}
