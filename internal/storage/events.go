package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `event_id, ts, ingested_at, severity, message, event_type,
	src_ip::text, dest_ip::text, hostname, source_service, source_process,
	source_pid, source_module, device_id, log_id`

const insertEventSQL = `
	INSERT INTO events
		(event_id, ts, ingested_at, severity, message, event_type, src_ip,
		 dest_ip, hostname, source_service, source_process, source_pid,
		 source_module, device_id, log_id)
	VALUES ($1, $2, $3, $4, $5, $6, $7::inet, $8::inet, $9, $10, $11, $12, $13, $14, $15)`

// ReplaceEvents atomically truncates the events table and bulk-inserts the
// given batch, assigning sequential ids starting at 1. The whole batch is
// one transaction: any insert failure rolls everything back.
func (s *Store) ReplaceEvents(ctx context.Context, events []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("replace events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE events`); err != nil {
		return fmt.Errorf("replace events: truncate: %w", err)
	}
	if err := insertEventsTx(ctx, tx, events, 1); err != nil {
		return fmt.Errorf("replace events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("replace events: commit: %w", err)
	}
	return nil
}

// AppendEvents atomically inserts the given batch with ids continuing from
// the current maximum. Used by the alternate ingestion path.
func (s *Store) AppendEvents(ctx context.Context, events []Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append events: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxID int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(event_id), 0) FROM events`).Scan(&maxID); err != nil {
		return fmt.Errorf("append events: max id: %w", err)
	}
	if err := insertEventsTx(ctx, tx, events, maxID+1); err != nil {
		return fmt.Errorf("append events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append events: commit: %w", err)
	}
	return nil
}

// insertEventsTx queues one insert per event on a pgx.Batch and executes it
// inside tx. Ids are assigned sequentially starting at firstID.
func insertEventsTx(ctx context.Context, tx pgx.Tx, events []Event, firstID int64) error {
	if len(events) == 0 {
		return nil
	}

	b := &pgx.Batch{}
	id := firstID
	for i := range events {
		e := &events[i]

		srcIP := e.SrcIP
		if srcIP == "" {
			srcIP = DefaultSrcIP
		}
		ingested := e.IngestedAt
		if ingested.IsZero() {
			ingested = time.Now()
		}

		b.Queue(insertEventSQL,
			id, e.Timestamp, ingested,
			SeverityCode(e.Severity),
			e.Message, string(e.EventType),
			srcIP, nullableStr(e.DestIP), nullableStr(e.Hostname),
			e.Service, e.Process, e.PID, e.Module,
			nullableStr(e.DeviceID), nullableID(e.LogID),
		)
		id++
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec event: %w", err)
		}
	}
	return br.Close()
}

// QueryEvents returns events matching q, ordered by ingestion time
// descending. See EventQuery for filter semantics.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	sql := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any

	if q.IP != "" {
		// The inet equality branches only apply to complete address literals;
		// a partial filter like "10.0" would make the ::inet cast blow up the
		// whole statement, so it falls through to the substring match alone.
		if net.ParseIP(q.IP) != nil {
			n := len(args)
			sql += fmt.Sprintf(` AND (src_ip = $%d::inet OR dest_ip = $%d::inet OR message LIKE $%d)`,
				n+1, n+2, n+3)
			args = append(args, q.IP, q.IP, "%"+q.IP+"%")
		} else {
			sql += fmt.Sprintf(` AND message LIKE $%d`, len(args)+1)
			args = append(args, "%"+q.IP+"%")
		}
	}
	if q.Severity != "" {
		sql += fmt.Sprintf(` AND severity = $%d`, len(args)+1)
		args = append(args, SeverityCode(q.Severity))
	}
	if q.Hostname != "" {
		sql += fmt.Sprintf(` AND hostname = $%d`, len(args)+1)
		args = append(args, q.Hostname)
	}
	if q.EventType != "" {
		sql += fmt.Sprintf(` AND event_type = $%d`, len(args)+1)
		args = append(args, string(q.EventType))
	}
	if q.Within > 0 {
		sql += fmt.Sprintf(` AND ts >= NOW() - ($%d * INTERVAL '1 second')`, len(args)+1)
		args = append(args, q.Within.Seconds())
	}
	if !q.Start.IsZero() {
		sql += fmt.Sprintf(` AND ts >= $%d`, len(args)+1)
		args = append(args, q.Start)
	}
	if !q.End.IsZero() {
		sql += fmt.Sprintf(` AND ts <= $%d`, len(args)+1)
		args = append(args, q.End)
	}

	sql += ` ORDER BY ingested_at DESC`
	sql += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventsWithin returns all events whose event timestamp falls inside the
// trailing window, ordered by event time ascending. The correlation rules
// use this as their per-rule snapshot.
func (s *Store) EventsWithin(ctx context.Context, window time.Duration) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE ts >= NOW() - ($1 * INTERVAL '1 second') ORDER BY ts`,
		window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("events within %s: %w", window, err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventStats returns aggregate counts over the current event snapshot.
func (s *Store) EventStats(ctx context.Context) (*EventStats, error) {
	stats := &EventStats{
		BySeverity: map[string]int64{},
		ByType:     map[string]int64{},
		BySrcIP:    map[string]int64{},
	}

	rows, err := s.pool.Query(ctx, `SELECT severity, COUNT(*) FROM events GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("event stats: severity: %w", err)
	}
	for rows.Next() {
		var code int16
		var n int64
		if err := rows.Scan(&code, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("event stats: scan severity: %w", err)
		}
		stats.BySeverity[string(SeverityFromCode(code))] += n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("event stats: type: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("event stats: scan type: %w", err)
		}
		stats.ByType[typ] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx,
		`SELECT src_ip::text, COUNT(*) FROM events WHERE src_ip <> '0.0.0.0' GROUP BY src_ip`)
	if err != nil {
		return nil, fmt.Errorf("event stats: src ip: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ip string
		var n int64
		if err := rows.Scan(&ip, &n); err != nil {
			return nil, fmt.Errorf("event stats: scan src ip: %w", err)
		}
		stats.BySrcIP[ip] = n
	}
	return stats, rows.Err()
}

// EventFilterOptions lists the distinct hostnames and event types present in
// the current snapshot, for populating dashboard filter dropdowns.
func (s *Store) EventFilterOptions(ctx context.Context) (hostnames, eventTypes []string, err error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT hostname FROM events WHERE hostname IS NOT NULL AND hostname <> '' ORDER BY hostname`)
	if err != nil {
		return nil, nil, fmt.Errorf("filter options: hostnames: %w", err)
	}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("filter options: scan hostname: %w", err)
		}
		hostnames = append(hostnames, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT DISTINCT event_type FROM events ORDER BY event_type`)
	if err != nil {
		return nil, nil, fmt.Errorf("filter options: types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, nil, fmt.Errorf("filter options: scan type: %w", err)
		}
		eventTypes = append(eventTypes, t)
	}
	return hostnames, eventTypes, rows.Err()
}

// scanEvent reads one event row. The src_ip and dest_ip columns must be
// projected as ::text by the caller.
func scanEvent(sc scanner) (*Event, error) {
	var e Event
	var code int16
	var destIP, hostname, deviceID *string
	var logID *int64
	err := sc.Scan(
		&e.ID, &e.Timestamp, &e.IngestedAt,
		&code, &e.Message, (*string)(&e.EventType),
		&e.SrcIP, &destIP, &hostname,
		&e.Service, &e.Process, &e.PID, &e.Module,
		&deviceID, &logID,
	)
	if err != nil {
		return nil, err
	}
	e.Severity = SeverityFromCode(code)
	if destIP != nil {
		e.DestIP = *destIP
	}
	if hostname != nil {
		e.Hostname = *hostname
	}
	if deviceID != nil {
		e.DeviceID = *deviceID
	}
	if logID != nil {
		e.LogID = *logID
	}
	return &e, nil
}
