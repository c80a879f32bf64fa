package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and metrics (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.requirePermission(auth.PermDeviceRead)).Get("/count", s.handleDeviceCount)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.requirePermission(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/connect", s.handleConnectDevice)
					r.With(s.requirePermission(auth.PermDeviceOperate)).Post("/disconnect", s.handleDisconnectDevice)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requirePermission(auth.PermDriverRead))
				r.Get("/drivers", s.handleListDrivers)
				r.Get("/bindings", s.handleListBindings)
				r.Get("/processes", s.handleListProcesses)
			})

			r.With(s.requirePermission(auth.PermHistoryRead)).Get("/events", s.handleListEvents)
		})
	})

	return r
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Devices           int    `json:"devices"`
	IdleUnloadPending bool   `json:"idle_unload_pending"`
	MQTTConnected     *bool  `json:"mqtt_connected,omitempty"`
	Time              string `json:"time"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:            "ok",
		Version:           s.version,
		Devices:           s.registry.GetTotalDeviceNum(),
		IdleUnloadPending: s.registry.IdleUnloadPending(),
		Time:              time.Now().UTC().Format(time.RFC3339),
	}
	if s.mqtt != nil {
		connected := s.mqtt.IsConnected()
		resp.MQTTConnected = &connected
		if !connected {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
