package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/nexus-siem/backend/internal/storage"
)

type fakeEscalationStore struct {
	alerts  []storage.Alert
	stamped []int64
}

func (f *fakeEscalationStore) ActiveAlerts(context.Context) ([]storage.Alert, error) {
	out := make([]storage.Alert, len(f.alerts))
	copy(out, f.alerts)
	return out, nil
}

func (f *fakeEscalationStore) MarkEscalated(_ context.Context, id int64) (*storage.Alert, error) {
	f.stamped = append(f.stamped, id)
	for i := range f.alerts {
		if f.alerts[i].ID == id {
			now := time.Now()
			f.alerts[i].LastEscalatedAt = &now
			cp := f.alerts[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func newTestMonitor(store *fakeEscalationStore, notifs *fakeNotifStore, now time.Time) *Monitor {
	m := NewMonitor(store, notifs, nil, time.Minute, quietLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestSweepEscalatesOverdueAlert(t *testing.T) {
	now := time.Now()
	store := &fakeEscalationStore{alerts: []storage.Alert{
		// critical (4): threshold 30m, open for 45m, never escalated.
		{ID: 1, Severity: 4, Title: "Root compromise", Timestamp: now.Add(-45 * time.Minute)},
	}}
	notifs := newFakeNotifStore()

	newTestMonitor(store, notifs, now).sweep(context.Background())

	if len(notifs.inserted) != 1 {
		t.Fatalf("want 1 escalation notification, got %d", len(notifs.inserted))
	}
	n := notifs.inserted[0]
	if n.Type != storage.NotificationEscalation {
		t.Errorf("type: want escalation, got %q", n.Type)
	}
	if n.AlertID != 1 {
		t.Errorf("alert_id: want 1, got %d", n.AlertID)
	}
	if n.Stage != "Escalated" {
		t.Errorf("stage: want Escalated, got %q", n.Stage)
	}
	if len(store.stamped) != 1 || store.stamped[0] != 1 {
		t.Errorf("want last_escalated_at stamped on alert 1, got %v", store.stamped)
	}
}

func TestSweepSkipsAlertWithinThreshold(t *testing.T) {
	now := time.Now()
	store := &fakeEscalationStore{alerts: []storage.Alert{
		// critical (4): open for 20m, under the 30m threshold.
		{ID: 1, Severity: 4, Title: "t", Timestamp: now.Add(-20 * time.Minute)},
		// low (1): open for 2h, far under the 24h threshold.
		{ID: 2, Severity: 1, Title: "t", Timestamp: now.Add(-2 * time.Hour)},
	}}
	notifs := newFakeNotifStore()

	newTestMonitor(store, notifs, now).sweep(context.Background())

	if len(notifs.inserted) != 0 {
		t.Errorf("want no escalations, got %d", len(notifs.inserted))
	}
}

func TestSweepHonorsCooldown(t *testing.T) {
	now := time.Now()
	recent := now.Add(-10 * time.Minute)
	stale := now.Add(-2 * time.Hour)
	store := &fakeEscalationStore{alerts: []storage.Alert{
		// escalated 10m ago: inside the 60m cooldown, skip.
		{ID: 1, Severity: 4, Title: "t", Timestamp: now.Add(-3 * time.Hour), LastEscalatedAt: &recent},
		// escalated 2h ago: cooldown elapsed, re-escalate.
		{ID: 2, Severity: 4, Title: "t", Timestamp: now.Add(-3 * time.Hour), LastEscalatedAt: &stale},
	}}
	notifs := newFakeNotifStore()

	newTestMonitor(store, notifs, now).sweep(context.Background())

	if len(notifs.inserted) != 1 {
		t.Fatalf("want 1 escalation, got %d", len(notifs.inserted))
	}
	if notifs.inserted[0].AlertID != 2 {
		t.Errorf("want alert 2 escalated, got %d", notifs.inserted[0].AlertID)
	}
}

func TestSweepSkipsUnknownSeverity(t *testing.T) {
	now := time.Now()
	store := &fakeEscalationStore{alerts: []storage.Alert{
		{ID: 1, Severity: 9, Title: "t", Timestamp: now.Add(-48 * time.Hour)},
	}}
	notifs := newFakeNotifStore()

	newTestMonitor(store, notifs, now).sweep(context.Background())

	if len(notifs.inserted) != 0 {
		t.Errorf("unknown severity must be skipped, got %d escalations", len(notifs.inserted))
	}
}

func TestMonitorStartStop(t *testing.T) {
	store := &fakeEscalationStore{}
	notifs := newFakeNotifStore()
	m := NewMonitor(store, notifs, nil, 10*time.Millisecond, quietLogger())

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	// Stop blocks until the loop exits; reaching here without deadlock is the
	// assertion.
}

func TestRecoveryDerivation(t *testing.T) {
	tests := []struct {
		checks []string
		want   int
	}{
		{nil, 0},
		{[]string{"a"}, 25},
		{[]string{"a", "b"}, 50},
		{[]string{"a", "b", "c", "d"}, 100},
		{[]string{"a", "b", "c", "d", "e"}, 100}, // clamped
		// Duplicates count once: distinct stages drive the percentage.
		{[]string{"a", "a"}, 25},
		{[]string{"a", "a", "b", "b"}, 50},
		{[]string{"a", "b", "c", "d", "a", "b"}, 100},
	}
	for _, tt := range tests {
		if got := Recovery(tt.checks); got != tt.want {
			t.Errorf("Recovery(%v): want %d, got %d", tt.checks, tt.want, got)
		}
	}
}

func TestValidStage(t *testing.T) {
	for _, s := range Stages {
		if !ValidStage(string(s)) {
			t.Errorf("ValidStage(%q): want true", s)
		}
	}
	if ValidStage("Containment") {
		t.Error("ValidStage(Containment): want false")
	}
}
