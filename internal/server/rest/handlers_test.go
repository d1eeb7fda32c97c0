package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexus-siem/backend/internal/alerting"
	"github.com/nexus-siem/backend/internal/storage"
	"github.com/nexus-siem/backend/internal/syncer"
)

// mockStore implements Store with overridable function fields. Unset fields
// return empty results.
type mockStore struct {
	queryEvents           func(ctx context.Context, q storage.EventQuery) ([]storage.Event, error)
	eventStats            func(ctx context.Context) (*storage.EventStats, error)
	eventFilterOptions    func(ctx context.Context) ([]string, []string, error)
	queryDetections       func(ctx context.Context, q storage.DetectionQuery) ([]storage.Detection, error)
	getDetection          func(ctx context.Context, id int64) (*storage.Detection, error)
	detectionStats        func(ctx context.Context, hours int) (*storage.DetectionStats, error)
	updateDetectionStatus func(ctx context.Context, id int64, status storage.DetectionStatus) (*storage.Detection, error)
	queryResolved         func(ctx context.Context, q storage.ResolvedQuery) ([]storage.ResolvedIncident, error)
	deleteResolved        func(ctx context.Context, id int64) (bool, error)
	purgeResolved         func(ctx context.Context) (int64, error)
	listNotifications     func(ctx context.Context, limit int) ([]storage.Notification, error)
	deleteNotification    func(ctx context.Context, id int64) (bool, error)
	listDevices           func(ctx context.Context) ([]storage.Device, error)
}

func (m *mockStore) QueryEvents(ctx context.Context, q storage.EventQuery) ([]storage.Event, error) {
	if m.queryEvents != nil {
		return m.queryEvents(ctx, q)
	}
	return nil, nil
}

func (m *mockStore) EventStats(ctx context.Context) (*storage.EventStats, error) {
	if m.eventStats != nil {
		return m.eventStats(ctx)
	}
	return &storage.EventStats{}, nil
}

func (m *mockStore) EventFilterOptions(ctx context.Context) ([]string, []string, error) {
	if m.eventFilterOptions != nil {
		return m.eventFilterOptions(ctx)
	}
	return nil, nil, nil
}

func (m *mockStore) QueryDetections(ctx context.Context, q storage.DetectionQuery) ([]storage.Detection, error) {
	if m.queryDetections != nil {
		return m.queryDetections(ctx, q)
	}
	return nil, nil
}

func (m *mockStore) GetDetection(ctx context.Context, id int64) (*storage.Detection, error) {
	if m.getDetection != nil {
		return m.getDetection(ctx, id)
	}
	return nil, nil
}

func (m *mockStore) DetectionStats(ctx context.Context, hours int) (*storage.DetectionStats, error) {
	if m.detectionStats != nil {
		return m.detectionStats(ctx, hours)
	}
	return &storage.DetectionStats{}, nil
}

func (m *mockStore) UpdateDetectionStatus(ctx context.Context, id int64, status storage.DetectionStatus) (*storage.Detection, error) {
	if m.updateDetectionStatus != nil {
		return m.updateDetectionStatus(ctx, id, status)
	}
	return nil, nil
}

func (m *mockStore) QueryResolved(ctx context.Context, q storage.ResolvedQuery) ([]storage.ResolvedIncident, error) {
	if m.queryResolved != nil {
		return m.queryResolved(ctx, q)
	}
	return nil, nil
}

func (m *mockStore) DeleteResolved(ctx context.Context, id int64) (bool, error) {
	if m.deleteResolved != nil {
		return m.deleteResolved(ctx, id)
	}
	return false, nil
}

func (m *mockStore) PurgeResolved(ctx context.Context) (int64, error) {
	if m.purgeResolved != nil {
		return m.purgeResolved(ctx)
	}
	return 0, nil
}

func (m *mockStore) ListNotifications(ctx context.Context, limit int) ([]storage.Notification, error) {
	if m.listNotifications != nil {
		return m.listNotifications(ctx, limit)
	}
	return nil, nil
}

func (m *mockStore) DeleteNotification(ctx context.Context, id int64) (bool, error) {
	if m.deleteNotification != nil {
		return m.deleteNotification(ctx, id)
	}
	return false, nil
}

func (m *mockStore) ListDevices(ctx context.Context) ([]storage.Device, error) {
	if m.listDevices != nil {
		return m.listDevices(ctx)
	}
	return nil, nil
}

// mockAlerts implements AlertManager.
type mockAlerts struct {
	create         func(ctx context.Context, p alerting.CreateParams) (*storage.Alert, error)
	get            func(ctx context.Context, id int64) (*storage.Alert, error)
	list           func(ctx context.Context, status storage.AlertStatus) ([]storage.Alert, error)
	updateStatus   func(ctx context.Context, id int64, status storage.AlertStatus, resolvedBy string) (*storage.Alert, error)
	updateDetails  func(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error)
	deleteOne      func(ctx context.Context, id int64) (bool, error)
	deleteByStatus func(ctx context.Context, status storage.AlertStatus) (int64, error)
}

func (m *mockAlerts) Create(ctx context.Context, p alerting.CreateParams) (*storage.Alert, error) {
	if m.create != nil {
		return m.create(ctx, p)
	}
	return &storage.Alert{ID: 1}, nil
}

func (m *mockAlerts) Get(ctx context.Context, id int64) (*storage.Alert, error) {
	if m.get != nil {
		return m.get(ctx, id)
	}
	return nil, nil
}

func (m *mockAlerts) List(ctx context.Context, status storage.AlertStatus) ([]storage.Alert, error) {
	if m.list != nil {
		return m.list(ctx, status)
	}
	return nil, nil
}

func (m *mockAlerts) UpdateStatus(ctx context.Context, id int64, status storage.AlertStatus, resolvedBy string) (*storage.Alert, error) {
	if m.updateStatus != nil {
		return m.updateStatus(ctx, id, status, resolvedBy)
	}
	return nil, nil
}

func (m *mockAlerts) UpdateDetails(ctx context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error) {
	if m.updateDetails != nil {
		return m.updateDetails(ctx, id, stageChecks, reviewNotes)
	}
	return nil, nil
}

func (m *mockAlerts) Delete(ctx context.Context, id int64) (bool, error) {
	if m.deleteOne != nil {
		return m.deleteOne(ctx, id)
	}
	return false, nil
}

func (m *mockAlerts) DeleteByStatus(ctx context.Context, status storage.AlertStatus) (int64, error) {
	if m.deleteByStatus != nil {
		return m.deleteByStatus(ctx, status)
	}
	return 0, nil
}

// mockSync implements Syncer.
type mockSync struct {
	syncNow func(ctx context.Context) error
	status  syncer.Status
}

func (m *mockSync) SyncNow(ctx context.Context) error {
	if m.syncNow != nil {
		return m.syncNow(ctx)
	}
	return nil
}

func (m *mockSync) Status() syncer.Status { return m.status }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve builds an unauthenticated router over the mocks and executes req.
func serve(t *testing.T, store Store, alerts AlertManager, sync Syncer, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	if store == nil {
		store = &mockStore{}
	}
	if alerts == nil {
		alerts = &mockAlerts{}
	}
	if sync == nil {
		sync = &mockSync{}
	}
	h := NewRouter(NewServer(store, alerts, sync, quietLogger()), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestGetEvents_FiltersForwarded(t *testing.T) {
	var got storage.EventQuery
	store := &mockStore{queryEvents: func(_ context.Context, q storage.EventQuery) ([]storage.Event, error) {
		got = q
		return []storage.Event{{ID: 1, Message: "hello"}}, nil
	}}

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?ip=10.0.0.5&severity=ERROR&within=1h&limit=10&offset=5", nil)
	rec := serve(t, store, nil, nil, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.IP != "10.0.0.5" || got.Severity != storage.SeverityError {
		t.Errorf("forwarded query: %+v", got)
	}
	if got.Within != time.Hour || got.Limit != 10 || got.Offset != 5 {
		t.Errorf("forwarded query: %+v", got)
	}

	var events []storage.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(events) != 1 || events[0].Message != "hello" {
		t.Errorf("response events: %+v", events)
	}
}

func TestGetEvents_InvalidSeverity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events?severity=BOGUS", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetEvents_InvalidTimeRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/events?start=2026-01-02T00:00:00Z&end=2026-01-01T00:00:00Z", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetEvents_EmptyResultIsArray(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("expected empty JSON array, got %q", body)
	}
}

func TestGetEventFilterOptions(t *testing.T) {
	store := &mockStore{eventFilterOptions: func(context.Context) ([]string, []string, error) {
		return []string{"web-01"}, []string{"authentication"}, nil
	}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events/filter-options", nil)
	rec := serve(t, store, nil, nil, req)

	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(body["hostnames"]) != 1 || body["hostnames"][0] != "web-01" {
		t.Errorf("hostnames: %v", body["hostnames"])
	}
	if len(body["event_types"]) != 1 || body["event_types"][0] != "authentication" {
		t.Errorf("event_types: %v", body["event_types"])
	}
}

// ── Detections ────────────────────────────────────────────────────────────────

func TestGetDetection_NotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/detections/42", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetDetection_BadID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/detections/abc", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateDetectionStatus(t *testing.T) {
	var gotStatus storage.DetectionStatus
	store := &mockStore{updateDetectionStatus: func(_ context.Context, id int64, status storage.DetectionStatus) (*storage.Detection, error) {
		gotStatus = status
		return &storage.Detection{ID: id, Status: status}, nil
	}}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/detections/7/status",
		jsonBody(t, map[string]string{"status": "resolved"}))
	rec := serve(t, store, nil, nil, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotStatus != storage.DetectionStatusResolved {
		t.Errorf("forwarded status: %q", gotStatus)
	}
}

func TestUpdateDetectionStatus_InvalidStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/detections/7/status",
		jsonBody(t, map[string]string{"status": "closed"}))
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetDetectionStats_HoursForwarded(t *testing.T) {
	var gotHours int
	store := &mockStore{detectionStats: func(_ context.Context, hours int) (*storage.DetectionStats, error) {
		gotHours = hours
		return &storage.DetectionStats{Total: 3}, nil
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/detections/stats?hours=48", nil)
	rec := serve(t, store, nil, nil, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotHours != 48 {
		t.Errorf("hours: want 48, got %d", gotHours)
	}
}

// ── Alerts ────────────────────────────────────────────────────────────────────

func TestCreateAlert(t *testing.T) {
	var got alerting.CreateParams
	alerts := &mockAlerts{create: func(_ context.Context, p alerting.CreateParams) (*storage.Alert, error) {
		got = p
		return &storage.Alert{ID: 9, Title: p.Title, Severity: 3}, nil
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", jsonBody(t, map[string]any{
		"title":       "Brute Force Attack",
		"description": "6 failed logins",
		"severity":    "HIGH",
		"source":      "10.0.0.5",
		"event_id":    11,
	}))
	rec := serve(t, nil, alerts, nil, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Title != "Brute Force Attack" || got.Severity != "HIGH" || got.EventID != 11 {
		t.Errorf("forwarded params: %+v", got)
	}
}

func TestCreateAlert_MissingFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts",
		jsonBody(t, map[string]string{"title": "no description"}))
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateAlert_InvalidSeverity(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", jsonBody(t, map[string]string{
		"title": "t", "description": "d", "severity": "SEVERE", "source": "s",
	}))
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateAlertStatus_Resolved(t *testing.T) {
	var gotStatus storage.AlertStatus
	var gotResolvedBy string
	alerts := &mockAlerts{updateStatus: func(_ context.Context, id int64, status storage.AlertStatus, resolvedBy string) (*storage.Alert, error) {
		gotStatus, gotResolvedBy = status, resolvedBy
		return &storage.Alert{ID: id, Status: status}, nil
	}}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/alerts/3/status",
		jsonBody(t, map[string]string{"status": "resolved", "resolved_by": "Admin"}))
	rec := serve(t, nil, alerts, nil, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotStatus != storage.AlertStatusResolved || gotResolvedBy != "Admin" {
		t.Errorf("forwarded: status %q by %q", gotStatus, gotResolvedBy)
	}
}

func TestUpdateAlertStatus_NotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/alerts/3/status",
		jsonBody(t, map[string]string{"status": "active"}))
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestUpdateAlertDetails_RejectsUnknownStage(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/alerts/3/details",
		jsonBody(t, map[string]any{"stage_checks": []string{"Teleportation"}}))
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUpdateAlertDetails(t *testing.T) {
	var gotChecks []string
	alerts := &mockAlerts{updateDetails: func(_ context.Context, id int64, stageChecks []string, reviewNotes string) (*storage.Alert, error) {
		gotChecks = stageChecks
		return &storage.Alert{ID: id, StageChecks: stageChecks, ReviewNotes: reviewNotes}, nil
	}}

	req := httptest.NewRequest(http.MethodPut, "/api/v1/alerts/3/details", jsonBody(t, map[string]any{
		"stage_checks": []string{"Preparation", "Detection & Analysis"},
		"review_notes": "containment underway",
	}))
	rec := serve(t, nil, alerts, nil, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(gotChecks) != 2 {
		t.Errorf("forwarded checks: %v", gotChecks)
	}
}

func TestDeleteAlerts_BulkByStatus(t *testing.T) {
	var gotStatus storage.AlertStatus
	alerts := &mockAlerts{deleteByStatus: func(_ context.Context, status storage.AlertStatus) (int64, error) {
		gotStatus = status
		return 4, nil
	}}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/alerts?status=active", nil)
	rec := serve(t, nil, alerts, nil, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotStatus != storage.AlertStatusActive {
		t.Errorf("forwarded status: %q", gotStatus)
	}
	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["deleted"] != 4 {
		t.Errorf("deleted count: %d", body["deleted"])
	}
}

// ── Resolved incidents & notifications ────────────────────────────────────────

func TestDeleteResolved_NotFound(t *testing.T) {
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/resolved-incidents/5", nil)
	rec := serve(t, nil, nil, nil, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPurgeResolved(t *testing.T) {
	store := &mockStore{purgeResolved: func(context.Context) (int64, error) { return 12, nil }}
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/resolved-incidents", nil)
	rec := serve(t, store, nil, nil, req)

	var body map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["deleted"] != 12 {
		t.Errorf("deleted count: %d", body["deleted"])
	}
}

func TestDeleteNotification(t *testing.T) {
	store := &mockStore{deleteNotification: func(_ context.Context, id int64) (bool, error) {
		return id == 8, nil
	}}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/8", nil)
	if rec := serve(t, store, nil, nil, req); rec.Code != http.StatusOK {
		t.Errorf("existing notification: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/notifications/9", nil)
	if rec := serve(t, store, nil, nil, req); rec.Code != http.StatusNotFound {
		t.Errorf("missing notification: expected 404, got %d", rec.Code)
	}
}

// ── Sync ──────────────────────────────────────────────────────────────────────

func TestSyncTrigger(t *testing.T) {
	now := time.Now()
	sync := &mockSync{status: syncer.Status{LastSyncedID: 7, LastSyncTime: &now, EventCount: 42}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/trigger", nil)
	rec := serve(t, nil, nil, sync, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st syncer.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.LastSyncedID != 7 || st.EventCount != 42 {
		t.Errorf("status: %+v", st)
	}
}

func TestSyncTrigger_Conflict(t *testing.T) {
	sync := &mockSync{syncNow: func(context.Context) error { return syncer.ErrSyncInProgress }}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/trigger", nil)
	rec := serve(t, nil, nil, sync, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestSyncTrigger_Failure(t *testing.T) {
	sync := &mockSync{syncNow: func(context.Context) error { return errors.New("db down") }}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/trigger", nil)
	rec := serve(t, nil, nil, sync, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("db down")) {
		t.Error("internal error detail must not leak to the client")
	}
}

// ── Store failure ─────────────────────────────────────────────────────────────

func TestStoreFailureReturns500(t *testing.T) {
	store := &mockStore{queryEvents: func(context.Context, storage.EventQuery) ([]storage.Event, error) {
		return nil, errors.New("connection refused")
	}}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := serve(t, store, nil, nil, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("connection refused")) {
		t.Error("internal error detail must not leak to the client")
	}
}
