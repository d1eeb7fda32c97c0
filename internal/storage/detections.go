package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const detectionColumns = `detection_id, rule_name, rule_category, severity,
	description, event_ids, src_ip::text, username, ts, metadata, status, created_at`

// InsertDetection persists a detection and returns its assigned id.
func (s *Store) InsertDetection(ctx context.Context, d Detection) (int64, error) {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	status := d.Status
	if status == "" {
		status = DetectionStatusNew
	}
	metadata := d.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}
	eventIDs := d.EventIDs
	if eventIDs == nil {
		eventIDs = []int64{}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO detections
			(rule_name, rule_category, severity, description, event_ids,
			 src_ip, username, ts, metadata, status)
		VALUES ($1, $2, $3, $4, $5, $6::inet, $7, $8, $9, $10)
		RETURNING detection_id`,
		d.RuleName, d.RuleCategory, d.Severity, d.Description, eventIDs,
		nullableStr(d.SrcIP), nullableStr(d.Username), ts, metadata, string(status),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert detection: %w", err)
	}
	return id, nil
}

// QueryDetections returns detections matching q, ordered by detection time
// descending.
func (s *Store) QueryDetections(ctx context.Context, q DetectionQuery) ([]Detection, error) {
	sql := `SELECT ` + detectionColumns + ` FROM detections WHERE 1=1`
	var args []any

	if q.Severity != "" {
		sql += fmt.Sprintf(` AND severity = $%d`, len(args)+1)
		args = append(args, q.Severity)
	}
	if q.Category != "" {
		sql += fmt.Sprintf(` AND rule_category = $%d`, len(args)+1)
		args = append(args, q.Category)
	}
	if q.Status != "" {
		sql += fmt.Sprintf(` AND status = $%d`, len(args)+1)
		args = append(args, string(q.Status))
	}
	if q.SrcIP != "" {
		sql += fmt.Sprintf(` AND src_ip = $%d::inet`, len(args)+1)
		args = append(args, q.SrcIP)
	}
	if !q.Start.IsZero() {
		sql += fmt.Sprintf(` AND ts >= $%d`, len(args)+1)
		args = append(args, q.Start)
	}
	if !q.End.IsZero() {
		sql += fmt.Sprintf(` AND ts <= $%d`, len(args)+1)
		args = append(args, q.End)
	}

	sql += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		sql += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, q.Limit)
	}
	if q.Offset > 0 {
		sql += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, q.Offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetDetection returns the detection with the given id, or nil when no such
// row exists.
func (s *Store) GetDetection(ctx context.Context, id int64) (*Detection, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+detectionColumns+` FROM detections WHERE detection_id = $1`, id)
	d, err := scanDetection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get detection %d: %w", id, err)
	}
	return d, nil
}

// UpdateDetectionStatus sets the triage status of a detection and returns
// the updated row, or nil when the detection does not exist.
//
// When the new status is "resolved", the detection is first copied into
// resolved_incidents. If that copy fails the status update still proceeds:
// the detection ends up resolved without a resolved-incident twin. This is a
// deliberate availability-over-consistency choice; the copy failure is
// logged, never swallowed silently.
func (s *Store) UpdateDetectionStatus(ctx context.Context, id int64, status DetectionStatus) (*Detection, error) {
	if status == DetectionStatusResolved {
		if err := s.copyDetectionToResolved(ctx, id); err != nil {
			s.logger.Error("failed to copy detection to resolved incidents",
				slog.Int64("detection_id", id), slog.Any("error", err))
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE detections SET status = $1 WHERE detection_id = $2
		RETURNING `+detectionColumns, string(status), id)
	d, err := scanDetection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("update detection %d status: %w", id, err)
	}
	return d, nil
}

// copyDetectionToResolved copies detection id into resolved_incidents with
// lineage back to the original detection.
func (s *Store) copyDetectionToResolved(ctx context.Context, id int64) error {
	d, err := s.GetDetection(ctx, id)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("detection %d not found", id)
	}

	_, err = s.InsertResolved(ctx, ResolvedIncident{
		OriginalDetectionID: d.ID,
		RuleName:            d.RuleName,
		RuleCategory:        d.RuleCategory,
		Severity:            d.Severity,
		Description:         d.Description,
		EventIDs:            d.EventIDs,
		SrcIP:               d.SrcIP,
		Username:            d.Username,
		DetectionTimestamp:  d.Timestamp,
		Metadata:            d.Metadata,
		ResolutionNotes:     "Resolved via Dashboard",
		ResolvedBy:          "Admin",
	})
	return err
}

// DetectionStats returns aggregate counts over detections newer than the
// given trailing window in hours.
func (s *Store) DetectionStats(ctx context.Context, hours int) (*DetectionStats, error) {
	if hours <= 0 {
		hours = 24
	}

	stats := &DetectionStats{ByCategory: map[string]int64{}}

	rows, err := s.pool.Query(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE severity = 'CRITICAL'),
		       COUNT(*) FILTER (WHERE severity = 'HIGH'),
		       COUNT(*) FILTER (WHERE severity = 'MEDIUM'),
		       COUNT(*) FILTER (WHERE severity = 'LOW'),
		       COUNT(*) FILTER (WHERE status = 'new'),
		       COUNT(*) FILTER (WHERE status = 'investigating'),
		       COUNT(*) FILTER (WHERE status = 'resolved'),
		       rule_category
		FROM detections
		WHERE ts >= NOW() - ($1 * INTERVAL '1 hour')
		GROUP BY rule_category`, hours)
	if err != nil {
		return nil, fmt.Errorf("detection stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var total, critical, high, medium, low, newCnt, investigating, resolved int64
		var category string
		err := rows.Scan(&total, &critical, &high, &medium, &low,
			&newCnt, &investigating, &resolved, &category)
		if err != nil {
			return nil, fmt.Errorf("detection stats: scan: %w", err)
		}
		stats.Total += total
		stats.Critical += critical
		stats.High += high
		stats.Medium += medium
		stats.Low += low
		stats.New += newCnt
		stats.Investigating += investigating
		stats.Resolved += resolved
		stats.ByCategory[category] = total
	}
	return stats, rows.Err()
}

// DeleteOldDetections removes resolved detections older than daysOld days.
// Unresolved work is never deleted. Returns the number of rows removed.
func (s *Store) DeleteOldDetections(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = 90
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM detections
		WHERE ts < NOW() - ($1 * INTERVAL '1 day') AND status = 'resolved'`, daysOld)
	if err != nil {
		return 0, fmt.Errorf("delete old detections: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanDetection reads one detection row. The src_ip column must be projected
// as ::text by the caller.
func scanDetection(sc scanner) (*Detection, error) {
	var d Detection
	var srcIP, username *string
	var metadata []byte
	var status string
	err := sc.Scan(
		&d.ID, &d.RuleName, &d.RuleCategory, &d.Severity, &d.Description,
		&d.EventIDs, &srcIP, &username, &d.Timestamp, &metadata, &status,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DetectionStatus(status)
	d.Metadata = metadata
	if srcIP != nil {
		d.SrcIP = *srcIP
	}
	if username != nil {
		d.Username = *username
	}
	return &d, nil
}
