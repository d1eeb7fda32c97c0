package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the Nexus SIEM dashboard API.
//
// Route layout:
//
//	GET    /healthz                              – liveness probe (no authentication required)
//	GET    /api/v1/events                        – event snapshot query
//	GET    /api/v1/events/stats                  – event aggregates
//	GET    /api/v1/events/filter-options         – distinct filter values
//	GET    /api/v1/detections                    – detection query
//	GET    /api/v1/detections/stats              – detection aggregates
//	GET    /api/v1/detections/{id}               – single detection
//	PUT    /api/v1/detections/{id}/status        – triage transition
//	POST   /api/v1/alerts                        – manual alert creation
//	GET    /api/v1/alerts                        – alert listing
//	GET    /api/v1/alerts/{id}                   – single alert
//	PUT    /api/v1/alerts/{id}/status            – lifecycle transition
//	PUT    /api/v1/alerts/{id}/details           – stage checklist / notes
//	DELETE /api/v1/alerts/{id}                   – single delete
//	DELETE /api/v1/alerts                        – bulk delete (optional ?status=)
//	GET    /api/v1/resolved-incidents            – archive query
//	DELETE /api/v1/resolved-incidents/{id}       – archive delete
//	DELETE /api/v1/resolved-incidents            – archive purge
//	GET    /api/v1/notifications                 – notification feed
//	DELETE /api/v1/notifications/{id}            – notification delete
//	POST   /api/v1/sync/trigger                  – manual ingestion cycle
//	GET    /api/v1/sync/status                   – orchestrator progress
//	GET    /api/v1/devices                       – registered log sources
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/events", srv.handleGetEvents)
		r.Get("/events/stats", srv.handleGetEventStats)
		r.Get("/events/filter-options", srv.handleGetEventFilterOptions)

		r.Get("/detections", srv.handleGetDetections)
		r.Get("/detections/stats", srv.handleGetDetectionStats)
		r.Get("/detections/{id}", srv.handleGetDetection)
		r.Put("/detections/{id}/status", srv.handleUpdateDetectionStatus)

		r.Post("/alerts", srv.handleCreateAlert)
		r.Get("/alerts", srv.handleGetAlerts)
		r.Get("/alerts/{id}", srv.handleGetAlert)
		r.Put("/alerts/{id}/status", srv.handleUpdateAlertStatus)
		r.Put("/alerts/{id}/details", srv.handleUpdateAlertDetails)
		r.Delete("/alerts/{id}", srv.handleDeleteAlert)
		r.Delete("/alerts", srv.handleDeleteAlerts)

		r.Get("/resolved-incidents", srv.handleGetResolved)
		r.Delete("/resolved-incidents/{id}", srv.handleDeleteResolved)
		r.Delete("/resolved-incidents", srv.handlePurgeResolved)

		r.Get("/notifications", srv.handleGetNotifications)
		r.Delete("/notifications/{id}", srv.handleDeleteNotification)

		r.Post("/sync/trigger", srv.handleSyncTrigger)
		r.Get("/sync/status", srv.handleSyncStatus)

		r.Get("/devices", srv.handleGetDevices)
	})

	return r
}
