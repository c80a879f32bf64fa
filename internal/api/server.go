package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/audit"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverhost"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Registry is the part of the device registry the API uses.
// *device.Registry implements it.
type Registry interface {
	QueryDevice(busType bus.Type) ([]device.Device, error)
	QueryDeviceByDeviceID(id bus.DeviceID) (device.Device, error)
	GetTotalDeviceNum() int
	Bindings() []device.Binding
	IdleUnloadPending() bool
	ConnectDevice(ctx context.Context, id bus.DeviceID, cb device.ConnectCallback) error
	DisconnectDevice(ctx context.Context, id bus.DeviceID) error
}

// DriverLister lists the installed driver catalogue. *driverpkg.Index
// implements it.
type DriverLister interface {
	List(ctx context.Context) ([]driverpkg.Driver, error)
}

// ProcessLister lists supervised driver hosts. *driverhost.Controller
// implements it.
type ProcessLister interface {
	Processes() []driverhost.Process
}

// ConnectionStatus reports broker connectivity. *mqtt.Client implements it.
type ConnectionStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry Registry

	// The rest are optional; their endpoints answer 503 when unset.
	Drivers   DriverLister
	Processes ProcessLister
	History   audit.Repository
	MQTT      ConnectionStatus
	DB        *sql.DB
	Hub       *Hub // If set, the server uses this hub instead of creating its own
	Version   string
}

// Server is the HTTP API server of the device manager.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	registry  Registry
	drivers   DriverLister
	processes ProcessLister
	history   audit.Repository
	mqtt      ConnectionStatus
	db        *sql.DB
	version   string
	startTime time.Time
	tickets   *ticketStore

	server      *http.Server
	listener    net.Listener
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
	wg          sync.WaitGroup
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		registry:  deps.Registry,
		drivers:   deps.Drivers,
		processes: deps.Processes,
		history:   deps.History,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}

	return s, nil
}

// Hub returns the WebSocket hub. Register it as a registry observer to
// stream lifecycle events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background. Binding happens
// synchronously so a port conflict is reported here.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.hub.Run(srvCtx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanTicketsLoop(srvCtx)
	}()

	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port)),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
