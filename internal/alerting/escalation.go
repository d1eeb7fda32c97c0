package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

// Escalation age thresholds by numeric severity. Severities with no entry
// are skipped, not errored.
var escalationThresholds = map[int16]time.Duration{
	4: 30 * time.Minute,
	3: time.Hour,
	2: 5 * time.Hour,
	1: 24 * time.Hour,
}

// reEscalationCooldown is the minimum gap between two escalation
// notifications for the same alert. An alert that stays open re-notifies at
// most once per cooldown window, not on every tick.
const reEscalationCooldown = time.Hour

// EscalationStore is the slice of the storage layer the monitor sweeps.
type EscalationStore interface {
	ActiveAlerts(ctx context.Context) ([]storage.Alert, error)
	MarkEscalated(ctx context.Context, id int64) (*storage.Alert, error)
}

// Monitor periodically scans open alerts and emits escalation notifications
// for those that outlived their severity's attention threshold.
type Monitor struct {
	store         EscalationStore
	notifications NotificationStore
	publisher     Publisher
	interval      time.Duration
	logger        *slog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor builds a monitor ticking at the given interval (default 60s).
// publisher may be nil.
func NewMonitor(store EscalationStore, notifications NotificationStore, publisher Publisher, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:         store,
		notifications: notifications,
		publisher:     publisher,
		interval:      interval,
		logger:        logger,
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called or ctx is cancelled. The
// first sweep runs immediately. Tick failures are logged and do not stop the
// timer.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)

		m.logger.Info("escalation monitor started", slog.Duration("interval", m.interval))
		m.sweep(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for any in-flight sweep to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
	m.logger.Info("escalation monitor stopped")
}

// sweep runs one escalation check over every open alert.
func (m *Monitor) sweep(ctx context.Context) {
	alerts, err := m.store.ActiveAlerts(ctx)
	if err != nil {
		m.logger.Error("escalation check failed", slog.Any("error", err))
		return
	}

	now := m.now()
	for i := range alerts {
		alert := &alerts[i]
		threshold, ok := escalationThresholds[alert.Severity]
		if !ok {
			continue
		}

		age := now.Sub(alert.Timestamp)
		if age <= threshold {
			continue
		}
		if alert.LastEscalatedAt != nil && now.Sub(*alert.LastEscalatedAt) <= reEscalationCooldown {
			continue
		}
		m.escalate(ctx, alert, age)
	}
}

// escalate emits one escalation notification and stamps the cooldown.
func (m *Monitor) escalate(ctx context.Context, alert *storage.Alert, age time.Duration) {
	durationStr := fmt.Sprintf("%dh %dm", int(age.Hours()), int(age.Minutes())%60)
	m.logger.Info("escalating incident",
		slog.Int64("alert_id", alert.ID), slog.String("open_for", durationStr))

	n, err := m.notifications.InsertNotification(ctx, storage.Notification{
		Message: fmt.Sprintf("Incident %q has been active for %s. Immediate attention required.",
			alert.Title, durationStr),
		Type:     storage.NotificationEscalation,
		Title:    "Escalation: " + alert.Title,
		Source:   "System Monitor",
		Severity: "critical",
		Stage:    "Escalated",
		AlertID:  alert.ID,
	})
	if err != nil {
		m.logger.Error("failed to create escalation notification",
			slog.Int64("alert_id", alert.ID), slog.Any("error", err))
		return
	}
	if m.publisher != nil {
		m.publisher.Publish(*n)
	}

	if _, err := m.store.MarkEscalated(ctx, alert.ID); err != nil {
		m.logger.Error("failed to stamp escalation",
			slog.Int64("alert_id", alert.ID), slog.Any("error", err))
	}
}
