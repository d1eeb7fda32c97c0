package rest

import (
	"context"

	"github.com/nexus-siem/backend/internal/alerting"
	"github.com/nexus-siem/backend/internal/storage"
	"github.com/nexus-siem/backend/internal/syncer"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// QueryEvents returns events matching the given filter and pagination
	// params, newest first.
	QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.Event, error)

	// EventStats summarises the current event snapshot.
	EventStats(ctx context.Context) (*storage.EventStats, error)

	// EventFilterOptions returns the distinct hostnames and event types
	// present in the snapshot, for populating dashboard filter dropdowns.
	EventFilterOptions(ctx context.Context) (hostnames, eventTypes []string, err error)

	// QueryDetections returns detections matching the given filters.
	QueryDetections(ctx context.Context, q storage.DetectionQuery) ([]storage.Detection, error)

	// GetDetection returns one detection, or nil when it does not exist.
	GetDetection(ctx context.Context, id int64) (*storage.Detection, error)

	// DetectionStats aggregates detections over the trailing window in hours.
	DetectionStats(ctx context.Context, hours int) (*storage.DetectionStats, error)

	// UpdateDetectionStatus transitions a detection's triage state. Returns
	// nil when the detection does not exist.
	UpdateDetectionStatus(ctx context.Context, id int64, status storage.DetectionStatus) (*storage.Detection, error)

	// QueryResolved returns archived incidents matching the given filters.
	QueryResolved(ctx context.Context, q storage.ResolvedQuery) ([]storage.ResolvedIncident, error)

	// DeleteResolved removes one archived incident.
	DeleteResolved(ctx context.Context, id int64) (bool, error)

	// PurgeResolved removes every archived incident and returns the count.
	PurgeResolved(ctx context.Context) (int64, error)

	// ListNotifications returns the newest notifications up to limit.
	ListNotifications(ctx context.Context, limit int) ([]storage.Notification, error)

	// DeleteNotification removes one notification.
	DeleteNotification(ctx context.Context, id int64) (bool, error)

	// ListDevices returns all registered log source hosts.
	ListDevices(ctx context.Context) ([]storage.Device, error)
}

// AlertManager is the slice of the alerting manager the handlers drive.
type AlertManager interface {
	Create(ctx context.Context, p alerting.CreateParams) (*storage.Alert, error)
	Get(ctx context.Context, id int64) (*storage.Alert, error)
	List(ctx context.Context, status storage.AlertStatus) ([]storage.Alert, error)
	UpdateStatus(ctx context.Context, id int64, status storage.AlertStatus, resolvedBy string) (*storage.Alert, error)
	UpdateDetails(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error)
	Delete(ctx context.Context, id int64) (bool, error)
	DeleteByStatus(ctx context.Context, status storage.AlertStatus) (int64, error)
}

// Syncer exposes the manual trigger and progress snapshot of the sync
// orchestrator.
type Syncer interface {
	SyncNow(ctx context.Context) error
	Status() syncer.Status
}
