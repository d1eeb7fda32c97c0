package storage

import (
	"context"
	"fmt"
)

// EnsureDevice registers a log source host or refreshes its last-seen stamp.
func (s *Store) EnsureDevice(ctx context.Context, d Device) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, device_type, ip_address, status, last_seen)
		VALUES ($1, $2, $3, 'active', NOW())
		ON CONFLICT (device_id) DO UPDATE
		SET device_type = EXCLUDED.device_type,
		    ip_address = EXCLUDED.ip_address,
		    status = 'active',
		    last_seen = NOW()`,
		d.ID, d.Type, nullableStr(d.IPAddress))
	if err != nil {
		return fmt.Errorf("ensure device %s: %w", d.ID, err)
	}
	return nil
}

// ListDevices returns all registered log source hosts.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, device_type, ip_address, status, last_seen
		FROM devices ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		var ip *string
		if err := rows.Scan(&d.ID, &d.Type, &ip, &d.Status, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if ip != nil {
			d.IPAddress = *ip
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertRawLog stores one collected log blob. One row exists per
// (device, log type): a repeat collection overwrites the payload and bumps
// collected_at. Returns the row's log id.
func (s *Store) UpsertRawLog(ctx context.Context, deviceID, logType, payload string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO raw_logs (log_type, device_id, payload, collected_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (device_id, log_type) DO UPDATE
		SET payload = EXCLUDED.payload, collected_at = NOW()
		RETURNING log_id`,
		logType, deviceID, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert raw log %s/%s: %w", deviceID, logType, err)
	}
	return id, nil
}

// AllRawLogs returns every collected log blob joined with its device type,
// which the normalizer registry keys on.
func (s *Store) AllRawLogs(ctx context.Context) ([]RawLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.log_id, r.log_type, r.device_id, d.device_type, r.payload,
		       r.collected_at
		FROM raw_logs r
		JOIN devices d ON d.device_id = r.device_id
		ORDER BY r.log_id`)
	if err != nil {
		return nil, fmt.Errorf("all raw logs: %w", err)
	}
	defer rows.Close()

	var out []RawLog
	for rows.Next() {
		var r RawLog
		err := rows.Scan(&r.LogID, &r.LogType, &r.DeviceID, &r.DeviceType,
			&r.Payload, &r.CollectedAt)
		if err != nil {
			return nil, fmt.Errorf("scan raw log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnsureManifest records that a raw log was processed by a sync cycle.
func (s *Store) EnsureManifest(ctx context.Context, logID int64, logType, status string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO log_manifest (log_id, log_type, status, synced_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (log_id) DO UPDATE
		SET log_type = EXCLUDED.log_type,
		    status = EXCLUDED.status,
		    synced_at = NOW()`,
		logID, logType, nullableStr(status))
	if err != nil {
		return fmt.Errorf("ensure manifest %d: %w", logID, err)
	}
	return nil
}
