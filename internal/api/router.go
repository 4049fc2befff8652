package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/meter", s.handleGetMeter)
		r.Get("/readings", s.handleListReadings)
		r.Get("/audit", s.handleListAudit)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/meter/control", s.handleControl)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// handleHealth reports liveness plus the MQTT connection state. The status
// is "degraded" while the transport is down; the HTTP code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := s.mqtt != nil && s.mqtt.IsConnected()
	status := "ok"
	if !connected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"mqtt_connected": connected,
		"recovery":       s.meter.Status().Recovery.String(),
	})
}
