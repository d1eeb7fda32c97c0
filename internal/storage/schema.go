package storage

import (
	"context"
	"fmt"
)

// schemaDDL creates every pipeline table and index. All statements are
// idempotent (CREATE ... IF NOT EXISTS) so EnsureSchema is safe to call on
// every startup and from the rule engine's init path.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id   TEXT PRIMARY KEY,
		device_type TEXT NOT NULL,
		ip_address  TEXT,
		status      TEXT NOT NULL DEFAULT 'active',
		last_seen   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS raw_logs (
		log_id       BIGSERIAL PRIMARY KEY,
		log_type     TEXT NOT NULL,
		device_id    TEXT NOT NULL REFERENCES devices (device_id),
		payload      TEXT NOT NULL,
		collected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (device_id, log_type)
	)`,

	// One manifest row per raw log processed by the sync orchestrator.
	`CREATE TABLE IF NOT EXISTS log_manifest (
		log_id    BIGINT PRIMARY KEY,
		log_type  TEXT NOT NULL,
		status    TEXT,
		synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// The events table is a snapshot of the most recently ingested batch,
	// not an append-only log. Ids are assigned by the store, starting at 1
	// after every Replace.
	`CREATE TABLE IF NOT EXISTS events (
		event_id       BIGINT PRIMARY KEY,
		ts             TIMESTAMPTZ NOT NULL,
		ingested_at    TIMESTAMPTZ NOT NULL,
		severity       SMALLINT NOT NULL,
		message        TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		src_ip         INET NOT NULL DEFAULT '0.0.0.0',
		dest_ip        INET,
		hostname       TEXT,
		source_service TEXT NOT NULL DEFAULT '',
		source_process TEXT NOT NULL DEFAULT '',
		source_pid     INTEGER NOT NULL DEFAULT 0,
		source_module  TEXT NOT NULL DEFAULT '',
		device_id      TEXT,
		log_id         BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ingested ON events (ingested_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type)`,

	`CREATE TABLE IF NOT EXISTS detections (
		detection_id  BIGSERIAL PRIMARY KEY,
		rule_name     TEXT NOT NULL,
		rule_category TEXT NOT NULL,
		severity      TEXT NOT NULL,
		description   TEXT NOT NULL,
		event_ids     BIGINT[] NOT NULL,
		src_ip        INET,
		username      TEXT,
		ts            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		metadata      JSONB,
		status        TEXT NOT NULL DEFAULT 'new',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_ts ON detections (ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_severity ON detections (severity)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_status ON detections (status)`,

	`CREATE TABLE IF NOT EXISTS resolved_incidents (
		resolved_id           BIGSERIAL PRIMARY KEY,
		original_detection_id BIGINT,
		rule_name             TEXT NOT NULL,
		rule_category         TEXT NOT NULL,
		severity              TEXT NOT NULL,
		description           TEXT NOT NULL,
		event_ids             BIGINT[] NOT NULL,
		src_ip                INET,
		username              TEXT,
		detection_ts          TIMESTAMPTZ NOT NULL,
		metadata              JSONB,
		resolution_notes      TEXT,
		resolved_by           TEXT NOT NULL DEFAULT 'System',
		resolved_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_resolved_at ON resolved_incidents (resolved_at DESC)`,

	`CREATE TABLE IF NOT EXISTS alerts (
		alert_id          BIGSERIAL PRIMARY KEY,
		ts                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		severity          SMALLINT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'active',
		title             TEXT NOT NULL,
		description       TEXT,
		source            TEXT,
		event_id          BIGINT,
		detection_id      BIGINT,
		stage_checks      JSONB NOT NULL DEFAULT '[]',
		review_notes      TEXT,
		last_escalated_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (status)`,

	`CREATE TABLE IF NOT EXISTS notifications (
		notification_id BIGSERIAL PRIMARY KEY,
		message         TEXT NOT NULL,
		type            TEXT NOT NULL,
		title           TEXT NOT NULL,
		source          TEXT,
		severity        TEXT,
		recovery        INTEGER NOT NULL DEFAULT 0,
		stage           TEXT,
		alert_id        BIGINT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications (created_at DESC)`,
}

// EnsureSchema creates all pipeline tables and indexes. It is idempotent and
// safe to call multiple times from multiple components.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
