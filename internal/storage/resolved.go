package storage

import (
	"context"
	"fmt"
	"time"
)

const resolvedColumns = `resolved_id, original_detection_id, rule_name,
	rule_category, severity, description, event_ids, src_ip::text, username,
	detection_ts, metadata, resolution_notes, resolved_by, resolved_at`

// InsertResolved records a closed incident. ResolvedBy defaults to the
// System sentinel when empty; ResolvedAt defaults to now.
func (s *Store) InsertResolved(ctx context.Context, r ResolvedIncident) (int64, error) {
	resolvedBy := r.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = SystemResolver
	}
	resolvedAt := r.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}
	detectionTS := r.DetectionTimestamp
	if detectionTS.IsZero() {
		detectionTS = time.Now()
	}
	eventIDs := r.EventIDs
	if eventIDs == nil {
		eventIDs = []int64{}
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = []byte("{}")
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO resolved_incidents
			(original_detection_id, rule_name, rule_category, severity,
			 description, event_ids, src_ip, username, detection_ts, metadata,
			 resolution_notes, resolved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::inet, $8, $9, $10, $11, $12, $13)
		RETURNING resolved_id`,
		nullableID(r.OriginalDetectionID), r.RuleName, r.RuleCategory,
		r.Severity, r.Description, eventIDs, nullableStr(r.SrcIP),
		nullableStr(r.Username), detectionTS, metadata,
		nullableStr(r.ResolutionNotes), resolvedBy, resolvedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert resolved incident: %w", err)
	}
	return id, nil
}

// QueryResolved returns closed incidents matching q, newest first.
func (s *Store) QueryResolved(ctx context.Context, q ResolvedQuery) ([]ResolvedIncident, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	sql := `SELECT ` + resolvedColumns + ` FROM resolved_incidents WHERE 1=1`
	var args []any

	if q.Severity != "" {
		sql += fmt.Sprintf(` AND severity = $%d`, len(args)+1)
		args = append(args, q.Severity)
	}
	if q.SrcIP != "" {
		sql += fmt.Sprintf(` AND src_ip = $%d::inet`, len(args)+1)
		args = append(args, q.SrcIP)
	}

	sql += ` ORDER BY resolved_at DESC`
	sql += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query resolved incidents: %w", err)
	}
	defer rows.Close()

	var out []ResolvedIncident
	for rows.Next() {
		var r ResolvedIncident
		var origID *int64
		var srcIP, username, notes *string
		var metadata []byte
		err := rows.Scan(
			&r.ID, &origID, &r.RuleName, &r.RuleCategory, &r.Severity,
			&r.Description, &r.EventIDs, &srcIP, &username,
			&r.DetectionTimestamp, &metadata, &notes, &r.ResolvedBy,
			&r.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan resolved incident: %w", err)
		}
		r.Metadata = metadata
		if origID != nil {
			r.OriginalDetectionID = *origID
		}
		if srcIP != nil {
			r.SrcIP = *srcIP
		}
		if username != nil {
			r.Username = *username
		}
		if notes != nil {
			r.ResolutionNotes = *notes
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteResolved removes a single closed incident. Returns false when the id
// does not exist.
func (s *Store) DeleteResolved(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM resolved_incidents WHERE resolved_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete resolved incident %d: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeResolved removes every closed incident and returns the number of rows
// removed.
func (s *Store) PurgeResolved(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM resolved_incidents`)
	if err != nil {
		return 0, fmt.Errorf("purge resolved incidents: %w", err)
	}
	return tag.RowsAffected(), nil
}
