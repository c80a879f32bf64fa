package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Devices       DeviceMetrics    `json:"devices"`
	DriverHosts   *DriverHostStats `json:"driver_hosts,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	DroppedMessages  int64 `json:"dropped_messages"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics contains device registry statistics.
type DeviceMetrics struct {
	Total             int            `json:"total"`
	ByBus             map[string]int `json:"by_bus"`
	Bound             int            `json:"bound"`
	Bindings          int            `json:"bindings"`
	Connected         int            `json:"connected"`
	IdleUnloadPending bool           `json:"idle_unload_pending"`
}

// DriverHostStats counts supervised processes by status.
type DriverHostStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	Restarts int            `json:"restarts"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedMessages:  s.hub.Dropped(),
		},
		Devices: s.deviceMetrics(),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}

	if s.processes != nil {
		stats := &DriverHostStats{ByStatus: make(map[string]int)}
		for _, p := range s.processes.Processes() {
			stats.Total++
			stats.ByStatus[string(p.Stats.Status)]++
			stats.Restarts += p.Stats.Restarts
		}
		metrics.DriverHosts = stats
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) deviceMetrics() DeviceMetrics {
	m := DeviceMetrics{
		Total:             s.registry.GetTotalDeviceNum(),
		ByBus:             make(map[string]int),
		IdleUnloadPending: s.registry.IdleUnloadPending(),
	}
	for _, t := range bus.AllTypes() {
		devices, err := s.registry.QueryDevice(t)
		if err != nil {
			continue
		}
		m.ByBus[t.String()] = len(devices)
		for _, d := range devices {
			if d.Bound() {
				m.Bound++
			}
		}
	}
	for _, b := range s.registry.Bindings() {
		m.Bindings++
		if b.Connection != nil {
			m.Connected++
		}
	}
	return m
}
