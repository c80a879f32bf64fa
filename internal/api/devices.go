package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/audit"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
)

// connectTimeout bounds how long a connect request waits for the driver
// host. The connect itself keeps going if the wait gives up.
const connectTimeout = 30 * time.Second

// handleListDevices returns registered devices.
//
// Query parameters:
//   - bus: restrict to one bus type (usb); all buses when absent
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	types := bus.AllTypes()
	if name := r.URL.Query().Get("bus"); name != "" {
		t, err := bus.ParseType(name)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		types = []bus.Type{t}
	}

	devices := []device.Device{}
	for _, t := range types {
		ds, err := s.registry.QueryDevice(t)
		if err != nil {
			writeRegistryError(w, err)
			return
		}
		devices = append(devices, ds...)
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleDeviceCount returns the number of registered devices.
func (s *Server) handleDeviceCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": s.registry.GetTotalDeviceNum()})
}

// deviceID parses the {id} URL parameter, writing a 400 on failure.
func deviceID(w http.ResponseWriter, r *http.Request) (bus.DeviceID, bool) {
	id, err := bus.ParseDeviceID(chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return 0, false
	}
	return id, true
}

// handleGetDevice returns one device.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}

	d, err := s.registry.QueryDeviceByDeviceID(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleConnectDevice starts the device's bound driver, or returns the
// existing connection when it is already running.
func (s *Server) handleConnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	type outcome struct {
		conn *device.Connection
		err  error
	}
	done := make(chan outcome, 1)
	err := s.registry.ConnectDevice(ctx, id, func(conn *device.Connection, err error) {
		done <- outcome{conn: conn, err: err}
	})
	if err != nil {
		writeRegistryError(w, err)
		return
	}

	select {
	case res := <-done:
		if res.err != nil {
			writeRegistryError(w, res.err)
			return
		}
		s.logger.Info("driver connected via api",
			"device_id", id.String(),
			"connection_id", res.conn.ID,
			"subject", subject(r),
		)
		writeJSON(w, http.StatusOK, res.conn)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, ErrCodeCollaborator, "timed out waiting for driver host")
	}
}

// handleDisconnectDevice stops the device's driver host. The binding is
// kept, so a later connect restarts it.
func (s *Server) handleDisconnectDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := deviceID(w, r)
	if !ok {
		return
	}

	if err := s.registry.DisconnectDevice(r.Context(), id); err != nil {
		writeRegistryError(w, err)
		return
	}
	s.logger.Info("driver disconnected via api", "device_id", id.String(), "subject", subject(r))
	w.WriteHeader(http.StatusNoContent)
}

// handleListDrivers returns the installed driver catalogue.
func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	if s.drivers == nil {
		writeUnavailable(w, "driver catalogue not available")
		return
	}
	drivers, err := s.drivers.List(r.Context())
	if err != nil {
		s.logger.Error("listing drivers", "error", err)
		writeInternalError(w, "failed to list drivers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

// handleListBindings returns the current driver bindings.
func (s *Server) handleListBindings(w http.ResponseWriter, _ *http.Request) {
	bindings := s.registry.Bindings()
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings, "count": len(bindings)})
}

// handleListProcesses returns the supervised driver host processes.
func (s *Server) handleListProcesses(w http.ResponseWriter, _ *http.Request) {
	if s.processes == nil {
		writeUnavailable(w, "driver host not available")
		return
	}
	procs := s.processes.Processes()
	writeJSON(w, http.StatusOK, map[string]any{"processes": procs, "count": len(procs)})
}

// handleListEvents returns lifecycle history, newest first.
//
// Query parameters:
//   - kind, device_id, package: exact-match filters
//   - since: RFC3339 lower bound on the event time
//   - limit (default 50, max 500), offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "lifecycle history not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Kind:     q.Get("kind"),
		DeviceID: q.Get("device_id"),
		Package:  q.Get("package"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "since must be an RFC3339 time")
			return
		}
		filter.Since = t
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	res, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing lifecycle events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// subject returns the caller's token subject for logging.
func subject(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
