// Package collector pulls raw log files from monitored hosts over SFTP and
// spools them locally before delivery into the raw-log store. The spool is a
// WAL-mode SQLite database giving at-least-once delivery: a collected file
// survives a process crash between collection and delivery.
package collector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Item is one collected raw log blob moving through the spool. Payload is
// the base64-encoded file content.
type Item struct {
	ID          int64
	DeviceID    string
	DeviceType  string
	IPAddress   string
	LogType     string
	Payload     string
	CollectedAt time.Time
}

// Spool is the WAL-mode SQLite buffer between collection and delivery. Safe
// for concurrent use; rows are removed from the pending set only on Ack.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

const spoolDDL = `
CREATE TABLE IF NOT EXISTS log_spool (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id    TEXT    NOT NULL,
    device_type  TEXT    NOT NULL,
    ip_address   TEXT    NOT NULL DEFAULT '',
    log_type     TEXT    NOT NULL,
    payload      TEXT    NOT NULL,
    collected_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_log_spool_pending
    ON log_spool (delivered, id);
`

// OpenSpool opens (or creates) the spool database at path and applies the
// schema. ":memory:" is accepted for tests. The depth counter is seeded from
// rows still pending, so Depth is accurate right after a crash-recovery
// restart.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection keeps
	// concurrent Enqueue/Ack callers from hitting "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("spool: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(spoolDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}
	var pending int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM log_spool WHERE delivered = 0`).Scan(&pending); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending: %w", err)
	}
	s.depth.Store(pending)
	return s, nil
}

// Enqueue persists one collected blob with delivered = 0.
func (s *Spool) Enqueue(ctx context.Context, it Item) error {
	collectedAt := it.CollectedAt
	if collectedAt.IsZero() {
		collectedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_spool (device_id, device_type, ip_address, log_type, payload, collected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		it.DeviceID, it.DeviceType, it.IPAddress, it.LogType, it.Payload,
		collectedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	s.depth.Add(1)
	return nil
}

// Dequeue returns up to n pending items, oldest first, without marking them
// delivered. Call Ack with the returned ids once they reach the raw-log
// store.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]Item, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, device_type, ip_address, log_type, payload, collected_at
		FROM log_spool WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var ts string
		if err := rows.Scan(&it.ID, &it.DeviceID, &it.DeviceType, &it.IPAddress,
			&it.LogType, &it.Payload, &ts); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		it.CollectedAt, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			it.CollectedAt, _ = time.Parse(time.RFC3339, ts)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return items, nil
}

// Ack marks the given ids delivered. Idempotent: already-acked ids are
// skipped and do not affect the depth counter.
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE log_spool SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	n, _ := result.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending items without touching the database.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database. The spool must not be used after.
func (s *Spool) Close() error {
	return s.db.Close()
}
