//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/storage/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package storage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nexus-siem/backend/internal/storage"
)

// setupDB starts a PostgreSQL container, applies the schema, and returns a
// ready Store.
func setupDB(t *testing.T) *storage.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("nexus_test"),
		tcpostgres.WithUsername("nexus"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := storage.New(ctx, connStr, logger)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store
}

func testEvent(msg string, sev storage.Severity, srcIP string, ts time.Time) storage.Event {
	return storage.Event{
		Timestamp: ts,
		Severity:  sev,
		Message:   msg,
		EventType: storage.EventTypeAuthentication,
		SrcIP:     srcIP,
		Hostname:  "web-01",
		Service:   "sshd",
		Process:   "sshd",
		PID:       4242,
		Module:    "linux_auth",
	}
}

// ── Event snapshot ────────────────────────────────────────────────────────────

func TestReplaceEventsAssignsSequentialIDs(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []storage.Event{
		testEvent("Failed password for root", storage.SeverityWarning, "10.0.0.5", now.Add(-2*time.Minute)),
		testEvent("Accepted password for alice", storage.SeverityInfo, "10.0.0.6", now.Add(-time.Minute)),
	}
	if err := store.ReplaceEvents(ctx, batch); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	got, err := store.QueryEvents(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 events, got %d", len(got))
	}

	// A second replace truncates and restarts ids at 1.
	if err := store.ReplaceEvents(ctx, batch[:1]); err != nil {
		t.Fatalf("second ReplaceEvents: %v", err)
	}
	got, err = store.QueryEvents(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("QueryEvents after replace: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 event after replace, got %d", len(got))
	}
	if got[0].ID != 1 {
		t.Errorf("id after replace: want 1, got %d", got[0].ID)
	}
}

func TestReplaceEventsDefaultsSrcIP(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	e := testEvent("session opened for user root", storage.SeverityInfo, "", time.Now().UTC())
	if err := store.ReplaceEvents(ctx, []storage.Event{e}); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	got, err := store.QueryEvents(ctx, storage.EventQuery{})
	if err != nil {
		t.Fatalf("QueryEvents: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 event, got %d", len(got))
	}
	if got[0].SrcIP != storage.DefaultSrcIP {
		t.Errorf("src_ip: want sentinel %q, got %q", storage.DefaultSrcIP, got[0].SrcIP)
	}
}

func TestQueryEventsFilters(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []storage.Event{
		testEvent("Failed password for root from 10.0.0.5", storage.SeverityWarning, "10.0.0.5", now.Add(-time.Minute)),
		testEvent("Accepted password for alice", storage.SeverityInfo, "10.0.0.6", now.Add(-30*time.Second)),
		testEvent("segfault in libfoo", storage.SeverityError, "", now.Add(-2*time.Hour)),
	}
	if err := store.ReplaceEvents(ctx, batch); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	bySev, err := store.QueryEvents(ctx, storage.EventQuery{Severity: storage.SeverityWarning})
	if err != nil {
		t.Fatalf("QueryEvents(severity): %v", err)
	}
	if len(bySev) != 1 {
		t.Errorf("severity filter: want 1 event, got %d", len(bySev))
	}

	byIP, err := store.QueryEvents(ctx, storage.EventQuery{IP: "10.0.0.5"})
	if err != nil {
		t.Fatalf("QueryEvents(ip): %v", err)
	}
	if len(byIP) != 1 {
		t.Errorf("ip filter: want 1 event, got %d", len(byIP))
	}

	// A partial address is not a valid inet literal; the filter must still
	// work as a plain substring match instead of erroring on the cast.
	byPrefix, err := store.QueryEvents(ctx, storage.EventQuery{IP: "10.0"})
	if err != nil {
		t.Fatalf("QueryEvents(partial ip): %v", err)
	}
	if len(byPrefix) != 1 {
		t.Errorf("partial ip filter: want 1 event, got %d", len(byPrefix))
	}
	if len(byPrefix) == 1 && byPrefix[0].Message != "Failed password for root from 10.0.0.5" {
		t.Errorf("partial ip filter: matched %q", byPrefix[0].Message)
	}

	recent, err := store.QueryEvents(ctx, storage.EventQuery{Within: 10 * time.Minute})
	if err != nil {
		t.Fatalf("QueryEvents(within): %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("within filter: want 2 events, got %d", len(recent))
	}
}

func TestEventsWithinOrdering(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []storage.Event{
		testEvent("second", storage.SeverityInfo, "10.0.0.5", now.Add(-time.Minute)),
		testEvent("first", storage.SeverityInfo, "10.0.0.5", now.Add(-2*time.Minute)),
	}
	if err := store.ReplaceEvents(ctx, batch); err != nil {
		t.Fatalf("ReplaceEvents: %v", err)
	}

	events, err := store.EventsWithin(ctx, time.Hour)
	if err != nil {
		t.Fatalf("EventsWithin: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Message != "first" || events[1].Message != "second" {
		t.Errorf("want ascending ts order, got %q then %q", events[0].Message, events[1].Message)
	}
}

// ── Detections ────────────────────────────────────────────────────────────────

func testDetection(rule, severity, srcIP string) storage.Detection {
	return storage.Detection{
		RuleName:     rule,
		RuleCategory: "authentication",
		Severity:     severity,
		Description:  "test finding",
		EventIDs:     []int64{1, 2},
		SrcIP:        srcIP,
		Username:     "root",
		Timestamp:    time.Now().UTC(),
	}
}

func TestDetectionInsertAndQuery(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id, err := store.InsertDetection(ctx, testDetection("brute_force", "HIGH", "10.0.0.5"))
	if err != nil {
		t.Fatalf("InsertDetection: %v", err)
	}
	if id == 0 {
		t.Fatal("want non-zero detection id")
	}

	got, err := store.GetDetection(ctx, id)
	if err != nil {
		t.Fatalf("GetDetection: %v", err)
	}
	if got == nil {
		t.Fatal("detection not found")
	}
	if got.Status != storage.DetectionStatusNew {
		t.Errorf("status: want new, got %q", got.Status)
	}
	if len(got.EventIDs) != 2 {
		t.Errorf("event_ids: want 2, got %d", len(got.EventIDs))
	}

	bySev, err := store.QueryDetections(ctx, storage.DetectionQuery{Severity: "HIGH"})
	if err != nil {
		t.Fatalf("QueryDetections: %v", err)
	}
	if len(bySev) != 1 {
		t.Errorf("severity filter: want 1 detection, got %d", len(bySev))
	}
}

func TestResolveDetectionCopiesToResolved(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id, err := store.InsertDetection(ctx, testDetection("brute_force", "HIGH", "10.0.0.5"))
	if err != nil {
		t.Fatalf("InsertDetection: %v", err)
	}

	updated, err := store.UpdateDetectionStatus(ctx, id, storage.DetectionStatusResolved)
	if err != nil {
		t.Fatalf("UpdateDetectionStatus: %v", err)
	}
	if updated == nil || updated.Status != storage.DetectionStatusResolved {
		t.Fatalf("want resolved detection, got %+v", updated)
	}

	resolved, err := store.QueryResolved(ctx, storage.ResolvedQuery{})
	if err != nil {
		t.Fatalf("QueryResolved: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("want 1 resolved incident, got %d", len(resolved))
	}
	if resolved[0].OriginalDetectionID != id {
		t.Errorf("lineage: want detection id %d, got %d", id, resolved[0].OriginalDetectionID)
	}
}

func TestDeleteOldDetectionsSkipsUnresolved(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	d := testDetection("brute_force", "HIGH", "10.0.0.5")
	d.Timestamp = time.Now().UTC().Add(-200 * 24 * time.Hour)
	id, err := store.InsertDetection(ctx, d)
	if err != nil {
		t.Fatalf("InsertDetection: %v", err)
	}

	// Still "new": must survive the purge.
	n, err := store.DeleteOldDetections(ctx, 90)
	if err != nil {
		t.Fatalf("DeleteOldDetections: %v", err)
	}
	if n != 0 {
		t.Errorf("want 0 deleted, got %d", n)
	}

	if _, err := store.UpdateDetectionStatus(ctx, id, storage.DetectionStatusResolved); err != nil {
		t.Fatalf("UpdateDetectionStatus: %v", err)
	}
	n, err = store.DeleteOldDetections(ctx, 90)
	if err != nil {
		t.Fatalf("DeleteOldDetections after resolve: %v", err)
	}
	if n != 1 {
		t.Errorf("want 1 deleted, got %d", n)
	}
}

// ── Alerts ────────────────────────────────────────────────────────────────────

func TestAlertLifecycle(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	created, err := store.CreateAlert(ctx, storage.Alert{
		Severity:    3,
		Title:       "Brute Force Attack",
		Description: "12 failed logins from 10.0.0.5",
		Source:      "rule_engine",
	})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if created.Status != storage.AlertStatusActive {
		t.Errorf("status: want active, got %q", created.Status)
	}
	if len(created.StageChecks) != 0 {
		t.Errorf("stage_checks: want empty, got %v", created.StageChecks)
	}

	updated, err := store.UpdateAlertDetails(ctx, created.ID,
		[]string{"Preparation", "Detection & Analysis"}, "containment under way")
	if err != nil {
		t.Fatalf("UpdateAlertDetails: %v", err)
	}
	if len(updated.StageChecks) != 2 {
		t.Errorf("stage_checks: want 2, got %d", len(updated.StageChecks))
	}

	resolvedID, err := store.ResolveAlert(ctx, created.ID, "handled", "Admin")
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if resolvedID == 0 {
		t.Fatal("want non-zero resolved id")
	}

	// The alert row is gone; the resolved incident exists.
	gone, err := store.GetAlert(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAlert after resolve: %v", err)
	}
	if gone != nil {
		t.Error("alert should be deleted after resolve")
	}
	resolved, err := store.QueryResolved(ctx, storage.ResolvedQuery{})
	if err != nil {
		t.Fatalf("QueryResolved: %v", err)
	}
	if len(resolved) != 1 {
		t.Fatalf("want 1 resolved incident, got %d", len(resolved))
	}
	if resolved[0].ResolvedBy != "Admin" {
		t.Errorf("resolved_by: want Admin, got %q", resolved[0].ResolvedBy)
	}
}

func TestResolveAlertMissingID(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	id, err := store.ResolveAlert(ctx, 9999, "", "")
	if err != nil {
		t.Fatalf("ResolveAlert: %v", err)
	}
	if id != 0 {
		t.Errorf("want 0 for missing alert, got %d", id)
	}
}

func TestMarkEscalatedStampsCooldown(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	created, err := store.CreateAlert(ctx, storage.Alert{Severity: 4, Title: "Critical"})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if created.LastEscalatedAt != nil {
		t.Error("new alert should not carry an escalation stamp")
	}

	escalated, err := store.MarkEscalated(ctx, created.ID)
	if err != nil {
		t.Fatalf("MarkEscalated: %v", err)
	}
	if escalated.LastEscalatedAt == nil {
		t.Error("last_escalated_at should be set")
	}
}

// ── Raw logs & devices ────────────────────────────────────────────────────────

func TestRawLogUpsertOverwrites(t *testing.T) {
	store := setupDB(t)
	ctx := context.Background()

	dev := storage.Device{ID: "dev-1", Type: "linux", IPAddress: "10.0.0.2"}
	if err := store.EnsureDevice(ctx, dev); err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}

	id1, err := store.UpsertRawLog(ctx, "dev-1", "auth", "cGF5bG9hZDE=")
	if err != nil {
		t.Fatalf("first UpsertRawLog: %v", err)
	}
	id2, err := store.UpsertRawLog(ctx, "dev-1", "auth", "cGF5bG9hZDI=")
	if err != nil {
		t.Fatalf("second UpsertRawLog: %v", err)
	}
	if id1 != id2 {
		t.Errorf("want same log id on overwrite, got %d then %d", id1, id2)
	}

	logs, err := store.AllRawLogs(ctx)
	if err != nil {
		t.Fatalf("AllRawLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("want 1 raw log, got %d", len(logs))
	}
	if logs[0].Payload != "cGF5bG9hZDI=" {
		t.Errorf("payload not overwritten: got %q", logs[0].Payload)
	}
	if logs[0].DeviceType != "linux" {
		t.Errorf("device_type join: want linux, got %q", logs[0].DeviceType)
	}
}
