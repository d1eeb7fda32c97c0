package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-siem/backend/internal/alerting"
	"github.com/nexus-siem/backend/internal/storage"
	"github.com/nexus-siem/backend/internal/syncer"
)

// writeJSON writes an HTTP response with a JSON body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store  Store
	alerts AlertManager
	sync   Syncer
	logger *slog.Logger
}

// NewServer creates a new Server with the provided storage layer, alert
// manager, and sync orchestrator.
func NewServer(store Store, alerts AlertManager, sync Syncer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, alerts: alerts, sync: sync, logger: logger}
}

// parseID parses the {id} URL parameter as a positive integer.
func parseID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("'id' must be a positive integer")
	}
	return id, nil
}

// parsePagination reads limit and offset query parameters. limit defaults to
// 0 (the store applies its own default) and is capped at 1000.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			return 0, 0, errors.New("'limit' must be a positive integer")
		}
		if limit > 1000 {
			limit = 1000
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("'offset' must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// parseTimeRange reads optional RFC3339 start and end query parameters.
func parseTimeRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	if s := q.Get("start"); s != "" {
		start, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("'start' must be a valid RFC3339 timestamp")
		}
	}
	if e := q.Get("end"); e != "" {
		end, err = time.Parse(time.RFC3339, e)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("'end' must be a valid RFC3339 timestamp")
		}
	}
	if !start.IsZero() && !end.IsZero() && !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("'end' must be after 'start'")
	}
	return start, end, nil
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	ip        – exact src/dest address, or message substring (optional)
//	severity  – one of INFO, WARNING, ERROR (optional)
//	hostname  – exact hostname filter (optional)
//	type      – one of the five event type categories (optional)
//	within    – trailing window as a Go duration, e.g. "1h" (optional)
//	start/end – absolute RFC3339 bounds (optional)
//	limit     – maximum number of results (default 100, max 1000)
//	offset    – pagination offset (default 0)
//
// Results are always ordered by ingestion time descending.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	eq := storage.EventQuery{
		IP:       q.Get("ip"),
		Hostname: q.Get("hostname"),
	}

	if sev := q.Get("severity"); sev != "" {
		switch storage.Severity(sev) {
		case storage.SeverityInfo, storage.SeverityWarning, storage.SeverityError:
			eq.Severity = storage.Severity(sev)
		default:
			writeError(w, http.StatusBadRequest, "'severity' must be one of INFO, WARNING, ERROR")
			return
		}
	}
	if et := q.Get("type"); et != "" {
		eq.EventType = storage.EventType(et)
	}
	if within := q.Get("within"); within != "" {
		d, err := time.ParseDuration(within)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "'within' must be a positive duration such as 30m or 1h")
			return
		}
		eq.Within = d
	}

	var err error
	if eq.Start, eq.End, err = parseTimeRange(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if eq.Limit, eq.Offset, err = parsePagination(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.store.QueryEvents(r.Context(), eq)
	if err != nil {
		s.logger.Error("query events failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []storage.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetEventStats responds to GET /api/v1/events/stats.
func (s *Server) handleGetEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.EventStats(r.Context())
	if err != nil {
		s.logger.Error("event stats failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to compute event stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetEventFilterOptions responds to GET /api/v1/events/filter-options
// with the distinct values the dashboard offers in its filter dropdowns.
func (s *Server) handleGetEventFilterOptions(w http.ResponseWriter, r *http.Request) {
	hostnames, eventTypes, err := s.store.EventFilterOptions(r.Context())
	if err != nil {
		s.logger.Error("event filter options failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list filter options")
		return
	}
	if hostnames == nil {
		hostnames = []string{}
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{
		"hostnames":   hostnames,
		"event_types": eventTypes,
	})
}

// handleGetDetections responds to GET /api/v1/detections.
//
// Supported query parameters: severity, category, status, src_ip, start,
// end, limit, offset. Results are ordered by detection time descending.
func (s *Server) handleGetDetections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	dq := storage.DetectionQuery{
		Severity: q.Get("severity"),
		Category: q.Get("category"),
		SrcIP:    q.Get("src_ip"),
	}
	if st := q.Get("status"); st != "" {
		status := storage.DetectionStatus(st)
		if !storage.ValidDetectionStatus(status) {
			writeError(w, http.StatusBadRequest, "'status' must be one of new, investigating, resolved, false_positive")
			return
		}
		dq.Status = status
	}

	var err error
	if dq.Start, dq.End, err = parseTimeRange(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dq.Limit, dq.Offset, err = parsePagination(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	detections, err := s.store.QueryDetections(r.Context(), dq)
	if err != nil {
		s.logger.Error("query detections failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query detections")
		return
	}
	if detections == nil {
		detections = []storage.Detection{}
	}
	writeJSON(w, http.StatusOK, detections)
}

// handleGetDetectionStats responds to GET /api/v1/detections/stats.
// The optional hours parameter bounds the trailing window (default 24).
func (s *Server) handleGetDetectionStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		var err error
		hours, err = strconv.Atoi(h)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "'hours' must be a positive integer")
			return
		}
	}

	stats, err := s.store.DetectionStats(r.Context(), hours)
	if err != nil {
		s.logger.Error("detection stats failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to compute detection stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetDetection responds to GET /api/v1/detections/{id}.
func (s *Server) handleGetDetection(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := s.store.GetDetection(r.Context(), id)
	if err != nil {
		s.logger.Error("get detection failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load detection")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleUpdateDetectionStatus responds to PUT /api/v1/detections/{id}/status.
// The body is {"status": "<new|investigating|resolved|false_positive>"}.
// Transitioning to resolved archives a copy into the resolved-incident table.
func (s *Server) handleUpdateDetectionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Status storage.DetectionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if !storage.ValidDetectionStatus(body.Status) {
		writeError(w, http.StatusBadRequest, "'status' must be one of new, investigating, resolved, false_positive")
		return
	}

	d, err := s.store.UpdateDetectionStatus(r.Context(), id, body.Status)
	if err != nil {
		s.logger.Error("update detection status failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update detection status")
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleCreateAlert responds to POST /api/v1/alerts.
//
// The body requires title, description, severity (LOW/MEDIUM/HIGH/CRITICAL),
// and source; event_id and detection_id are optional lineage references.
func (s *Server) handleCreateAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
		Source      string `json:"source"`
		EventID     int64  `json:"event_id"`
		DetectionID int64  `json:"detection_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if body.Title == "" || body.Description == "" || body.Severity == "" || body.Source == "" {
		writeError(w, http.StatusBadRequest, "title, description, severity, and source are required")
		return
	}
	switch body.Severity {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		writeError(w, http.StatusBadRequest, "'severity' must be one of LOW, MEDIUM, HIGH, CRITICAL")
		return
	}

	alert, err := s.alerts.Create(r.Context(), alerting.CreateParams{
		Title:       body.Title,
		Description: body.Description,
		Severity:    body.Severity,
		Source:      body.Source,
		EventID:     body.EventID,
		DetectionID: body.DetectionID,
	})
	if err != nil {
		s.logger.Error("create alert failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to create alert")
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

// handleGetAlerts responds to GET /api/v1/alerts. The optional status query
// parameter filters by lifecycle state.
func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	status := storage.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && status != storage.AlertStatusActive && status != storage.AlertStatusResolved {
		writeError(w, http.StatusBadRequest, "'status' must be one of active, resolved")
		return
	}

	alerts, err := s.alerts.List(r.Context(), status)
	if err != nil {
		s.logger.Error("list alerts failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleGetAlert responds to GET /api/v1/alerts/{id}.
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := s.alerts.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get alert failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load alert")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleUpdateAlertStatus responds to PUT /api/v1/alerts/{id}/status.
// The body is {"status": "<active|resolved>", "resolved_by": "..."}. The
// resolved transition is terminal: the alert migrates into the
// resolved-incident archive.
func (s *Server) handleUpdateAlertStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Status     storage.AlertStatus `json:"status"`
		ResolvedBy string              `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	if body.Status != storage.AlertStatusActive && body.Status != storage.AlertStatusResolved {
		writeError(w, http.StatusBadRequest, "'status' must be one of active, resolved")
		return
	}

	alert, err := s.alerts.UpdateStatus(r.Context(), id, body.Status, body.ResolvedBy)
	if err != nil {
		s.logger.Error("update alert status failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update alert status")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleUpdateAlertDetails responds to PUT /api/v1/alerts/{id}/details.
// The body is {"stage_checks": [...], "review_notes": "..."}; every stage
// must be one of the four incident-response stages.
func (s *Server) handleUpdateAlertDetails(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		StageChecks []string `json:"stage_checks"`
		ReviewNotes string   `json:"review_notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	for _, stage := range body.StageChecks {
		if !alerting.ValidStage(stage) {
			writeError(w, http.StatusBadRequest, "'stage_checks' contains an unknown incident-response stage")
			return
		}
	}

	alert, err := s.alerts.UpdateDetails(r.Context(), id, body.StageChecks, body.ReviewNotes)
	if err != nil {
		s.logger.Error("update alert details failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to update alert details")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// handleDeleteAlert responds to DELETE /api/v1/alerts/{id}.
func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.alerts.Delete(r.Context(), id)
	if err != nil {
		s.logger.Error("delete alert failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete alert")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleDeleteAlerts responds to DELETE /api/v1/alerts. The optional status
// query parameter restricts the bulk delete; without it every alert goes.
func (s *Server) handleDeleteAlerts(w http.ResponseWriter, r *http.Request) {
	status := storage.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && status != storage.AlertStatusActive && status != storage.AlertStatusResolved {
		writeError(w, http.StatusBadRequest, "'status' must be one of active, resolved")
		return
	}

	n, err := s.alerts.DeleteByStatus(r.Context(), status)
	if err != nil {
		s.logger.Error("bulk delete alerts failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleGetResolved responds to GET /api/v1/resolved-incidents.
func (s *Server) handleGetResolved(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := storage.ResolvedQuery{
		Severity: q.Get("severity"),
		SrcIP:    q.Get("src_ip"),
	}

	var err error
	if rq.Limit, rq.Offset, err = parsePagination(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	incidents, err := s.store.QueryResolved(r.Context(), rq)
	if err != nil {
		s.logger.Error("query resolved incidents failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query resolved incidents")
		return
	}
	if incidents == nil {
		incidents = []storage.ResolvedIncident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// handleDeleteResolved responds to DELETE /api/v1/resolved-incidents/{id}.
func (s *Server) handleDeleteResolved(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.store.DeleteResolved(r.Context(), id)
	if err != nil {
		s.logger.Error("delete resolved incident failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete resolved incident")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "resolved incident not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handlePurgeResolved responds to DELETE /api/v1/resolved-incidents.
func (s *Server) handlePurgeResolved(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.PurgeResolved(r.Context())
	if err != nil {
		s.logger.Error("purge resolved incidents failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to purge resolved incidents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// handleGetNotifications responds to GET /api/v1/notifications.
func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	notifications, err := s.store.ListNotifications(r.Context(), limit)
	if err != nil {
		s.logger.Error("list notifications failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if notifications == nil {
		notifications = []storage.Notification{}
	}
	writeJSON(w, http.StatusOK, notifications)
}

// handleDeleteNotification responds to DELETE /api/v1/notifications/{id}.
func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.store.DeleteNotification(r.Context(), id)
	if err != nil {
		s.logger.Error("delete notification failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to delete notification")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// handleSyncTrigger responds to POST /api/v1/sync/trigger by running one
// ingestion cycle synchronously. Returns HTTP 409 when a cycle is already
// running.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.SyncNow(r.Context()); err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			writeError(w, http.StatusConflict, "sync already in progress")
			return
		}
		s.logger.Error("manual sync failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "sync cycle failed")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.Status())
}

// handleSyncStatus responds to GET /api/v1/sync/status.
func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.Status())
}

// handleGetDevices responds to GET /api/v1/devices.
func (s *Server) handleGetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.logger.Error("list devices failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []storage.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}
