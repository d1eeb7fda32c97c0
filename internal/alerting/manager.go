package alerting

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nexus-siem/backend/internal/storage"
)

// AlertStore is the slice of the storage layer the manager mutates.
type AlertStore interface {
	CreateAlert(ctx context.Context, a storage.Alert) (*storage.Alert, error)
	GetAlert(ctx context.Context, id int64) (*storage.Alert, error)
	QueryAlerts(ctx context.Context, status storage.AlertStatus) ([]storage.Alert, error)
	UpdateAlertStatus(ctx context.Context, id int64, status storage.AlertStatus) (*storage.Alert, error)
	UpdateAlertDetails(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error)
	ResolveAlert(ctx context.Context, id int64, notes, resolvedBy string) (int64, error)
	DeleteAlert(ctx context.Context, id int64) (bool, error)
	DeleteAlertsByStatus(ctx context.Context, status storage.AlertStatus) (int64, error)
}

// NotificationStore is the notification side-channel the manager feeds.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n storage.Notification) (*storage.Notification, error)
	UpdateNotificationRecovery(ctx context.Context, alertID int64, recovery int, stage string) error
}

// Publisher pushes a notification to live subscribers (the WebSocket feed).
// Publishing never blocks alert mutations.
type Publisher interface {
	Publish(n storage.Notification)
}

// Recorder appends an entry to the tamper-evident audit trail. Failures are
// logged, never propagated into the alert mutation.
type Recorder interface {
	Record(action string, alertID int64, detail string) error
}

// Manager drives the alert lifecycle. All mutations are synchronous against
// the store; notification, publish, and audit are side effects that degrade
// independently.
type Manager struct {
	alerts        AlertStore
	notifications NotificationStore
	publisher     Publisher
	audit         Recorder
	logger        *slog.Logger
}

// NewManager builds a manager. publisher and audit may be nil.
func NewManager(alerts AlertStore, notifications NotificationStore, publisher Publisher, audit Recorder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		alerts:        alerts,
		notifications: notifications,
		publisher:     publisher,
		audit:         audit,
		logger:        logger,
	}
}

// CreateParams carries the fields for a manual or admin alert creation.
type CreateParams struct {
	Title       string
	Description string
	Severity    string // LOW / MEDIUM / HIGH / CRITICAL
	Source      string
	EventID     int64
	DetectionID int64
}

// Create opens a new alert and emits an incident-report notification.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*storage.Alert, error) {
	source := p.Source
	if source == "" {
		source = "Unknown"
	}

	alert, err := m.alerts.CreateAlert(ctx, storage.Alert{
		Severity:    severityCode(p.Severity),
		Title:       p.Title,
		Description: p.Description,
		Source:      source,
		EventID:     p.EventID,
		DetectionID: p.DetectionID,
	})
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	m.notify(ctx, storage.Notification{
		Message:  p.Description,
		Type:     storage.NotificationIncidentReport,
		Title:    p.Title,
		Source:   source,
		Severity: p.Severity,
		AlertID:  alert.ID,
	})
	m.record("alert_created", alert.ID, fmt.Sprintf("%s (%s)", p.Title, p.Severity))
	return alert, nil
}

// CreateFromDetection promotes a rule engine finding into an alert. The rule
// engine calls this best-effort for HIGH/CRITICAL detections.
func (m *Manager) CreateFromDetection(ctx context.Context, d storage.Detection) error {
	source := d.SrcIP
	if source == "" {
		source = "Unknown"
	}
	var eventID int64
	if len(d.EventIDs) > 0 {
		eventID = d.EventIDs[0]
	}

	_, err := m.Create(ctx, CreateParams{
		Title:       d.RuleName,
		Description: d.Description,
		Severity:    d.Severity,
		Source:      source,
		EventID:     eventID,
		DetectionID: d.ID,
	})
	return err
}

// Get returns one alert, or nil when it does not exist.
func (m *Manager) Get(ctx context.Context, id int64) (*storage.Alert, error) {
	return m.alerts.GetAlert(ctx, id)
}

// List returns alerts filtered by status (empty means all).
func (m *Manager) List(ctx context.Context, status storage.AlertStatus) ([]storage.Alert, error) {
	return m.alerts.QueryAlerts(ctx, status)
}

// UpdateStatus transitions an alert's lifecycle state. The resolved
// transition is terminal: the alert row migrates into the resolved-incident
// archive and no longer exists as an alert. Returns nil when the alert does
// not exist.
func (m *Manager) UpdateStatus(ctx context.Context, id int64, status storage.AlertStatus, resolvedBy string) (*storage.Alert, error) {
	if status == storage.AlertStatusResolved {
		alert, err := m.alerts.GetAlert(ctx, id)
		if err != nil {
			return nil, err
		}
		if alert == nil {
			return nil, nil
		}

		resolvedID, err := m.alerts.ResolveAlert(ctx, id, alert.ReviewNotes, resolvedBy)
		if err != nil {
			return nil, fmt.Errorf("resolve alert %d: %w", id, err)
		}
		if resolvedID == 0 {
			return nil, nil
		}

		m.notify(ctx, storage.Notification{
			Message:  fmt.Sprintf("Incident %q resolved", alert.Title),
			Type:     storage.NotificationSuccess,
			Title:    "Incident Resolved",
			Source:   alert.Source,
			Severity: severityText(alert.Severity),
			AlertID:  alert.ID,
		})
		m.record("alert_resolved", id, fmt.Sprintf("archived as resolved incident %d", resolvedID))

		alert.Status = storage.AlertStatusResolved
		return alert, nil
	}

	alert, err := m.alerts.UpdateAlertStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		m.record("alert_status_changed", id, string(status))
	}
	return alert, nil
}

// UpdateDetails replaces an alert's stage checklist and review notes, then
// recomputes the derived recovery percentage and forwards it to every
// notification referencing the alert. Returns nil when the alert does not
// exist.
func (m *Manager) UpdateDetails(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error) {
	alert, err := m.alerts.UpdateAlertDetails(ctx, id, stageChecks, reviewNotes)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, nil
	}

	recovery := Recovery(alert.StageChecks)
	stage := CurrentStage(alert.StageChecks)
	if err := m.notifications.UpdateNotificationRecovery(ctx, id, recovery, stage); err != nil {
		m.logger.Error("failed to sync notification recovery",
			slog.Int64("alert_id", id), slog.Any("error", err))
	} else {
		m.logger.Info("synced recovery to notifications",
			slog.Int64("alert_id", id), slog.Int("recovery", recovery))
	}
	m.record("alert_details_updated", id, fmt.Sprintf("recovery %d%%", recovery))
	return alert, nil
}

// Delete removes a single alert without archiving it.
func (m *Manager) Delete(ctx context.Context, id int64) (bool, error) {
	ok, err := m.alerts.DeleteAlert(ctx, id)
	if err == nil && ok {
		m.record("alert_deleted", id, "")
	}
	return ok, err
}

// DeleteByStatus bulk-removes alerts without archiving them.
func (m *Manager) DeleteByStatus(ctx context.Context, status storage.AlertStatus) (int64, error) {
	n, err := m.alerts.DeleteAlertsByStatus(ctx, status)
	if err == nil && n > 0 {
		m.record("alerts_bulk_deleted", 0, fmt.Sprintf("status=%s count=%d", status, n))
	}
	return n, err
}

// Broadcast emits an admin notification not tied to any alert.
func (m *Manager) Broadcast(ctx context.Context, title, message string) error {
	n, err := m.notifications.InsertNotification(ctx, storage.Notification{
		Message: message,
		Type:    storage.NotificationAdminAlert,
		Title:   title,
		Source:  "Admin",
	})
	if err != nil {
		return fmt.Errorf("broadcast notification: %w", err)
	}
	if m.publisher != nil {
		m.publisher.Publish(*n)
	}
	return nil
}

// notify persists a notification and pushes it to live subscribers. Failure
// is logged; the alert mutation that triggered it stands.
func (m *Manager) notify(ctx context.Context, n storage.Notification) {
	stored, err := m.notifications.InsertNotification(ctx, n)
	if err != nil {
		m.logger.Error("failed to create notification",
			slog.Int64("alert_id", n.AlertID), slog.Any("error", err))
		return
	}
	if m.publisher != nil {
		m.publisher.Publish(*stored)
	}
}

// record appends to the audit trail, logging failures without propagating.
func (m *Manager) record(action string, alertID int64, detail string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(action, alertID, detail); err != nil {
		m.logger.Error("audit record failed",
			slog.String("action", action), slog.Any("error", err))
	}
}
