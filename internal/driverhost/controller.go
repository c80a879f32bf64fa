package driverhost

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/process"
)

// ErrAlreadyConnected is returned by Connect for a key whose process is
// still supervised.
var ErrAlreadyConnected = errors.New("driverhost: driver already connected")

// Options configures a Controller.
type Options struct {
	// Binary is the driver-host executable. It is resolved through PATH
	// when it has no slash.
	Binary string

	// Args are passed before the identity flags.
	Args    []string
	WorkDir string

	RestartOnFailure   bool
	RestartDelay       time.Duration
	MaxRestartAttempts int
	StopTimeout        time.Duration
}

// LossHandler is told when a driver process exited for good. conn is the
// handle Connect returned for that process.
type LossHandler func(conn device.Connection, cause error)

// Logger defines the logging interface used by the Controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// supervisor is the part of process.Supervisor the controller uses.
type supervisor interface {
	Start(ctx context.Context) (int, error)
	Stop(ctx context.Context) error
	Stats() process.Stats
	SetLogger(logger process.Logger)
}

type hosted struct {
	sup  supervisor // nil while starting
	conn device.Connection

	// startErr is set when the process was given up on before Connect
	// returned.
	startErr error
}

// Controller runs one driver-host process per binding key.
type Controller struct {
	opts   Options
	logger Logger
	onLost LossHandler

	newSupervisor func(process.Spec) supervisor
	now           func() time.Time

	mu    sync.Mutex
	procs map[string]*hosted
}

// New creates a Controller. It fails if the driver-host binary cannot be
// found.
func New(opts Options) (*Controller, error) {
	path, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("locating driver host %q: %w", opts.Binary, err)
	}
	opts.Binary = path

	return &Controller{
		opts:   opts,
		logger: noopLogger{},
		newSupervisor: func(spec process.Spec) supervisor {
			return process.NewSupervisor(spec)
		},
		now:   time.Now,
		procs: make(map[string]*hosted),
	}, nil
}

// SetLogger sets the logger for the controller and its supervisors.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetLossHandler sets the function told about processes that exited for
// good. Set it before the first Connect.
func (c *Controller) SetLossHandler(h LossHandler) {
	c.onLost = h
}

// Connect starts the driver-host process for id.
func (c *Controller) Connect(ctx context.Context, id driverpkg.Identity) (device.Connection, error) {
	key := id.Key()

	c.mu.Lock()
	if _, ok := c.procs[key]; ok {
		c.mu.Unlock()
		return device.Connection{}, fmt.Errorf("%w: %s", ErrAlreadyConnected, key)
	}
	// Reserve the key so a concurrent Connect fails instead of racing.
	h := &hosted{}
	c.procs[key] = h
	c.mu.Unlock()

	sup := c.newSupervisor(c.spec(id, h))
	sup.SetLogger(c.logger)

	pid, err := sup.Start(ctx)
	if err != nil {
		c.mu.Lock()
		delete(c.procs, key)
		c.mu.Unlock()
		return device.Connection{}, fmt.Errorf("starting driver host for %s: %w", key, err)
	}

	conn := device.Connection{
		ID:        uuid.NewString(),
		Identity:  id,
		PID:       pid,
		StartedAt: c.now().UTC(),
	}
	c.mu.Lock()
	if h.startErr != nil {
		delete(c.procs, key)
		c.mu.Unlock()
		return device.Connection{}, fmt.Errorf("driver host for %s exited during startup: %w", key, h.startErr)
	}
	h.sup = sup
	h.conn = conn
	c.mu.Unlock()

	c.logger.Info("driver host started", "binding", key, "pid", pid, "connection_id", conn.ID)
	return conn, nil
}

func (c *Controller) spec(id driverpkg.Identity, h *hosted) process.Spec {
	args := slices.Clone(c.opts.Args)
	args = append(args, "--package", id.Package, "--component", id.Component)

	key := id.Key()
	return process.Spec{
		Name:    key,
		Binary:  c.opts.Binary,
		Args:    args,
		Env:     []string{"EXTDEV_PACKAGE=" + id.Package, "EXTDEV_COMPONENT=" + id.Component},
		WorkDir: c.opts.WorkDir,

		RestartOnFailure:   c.opts.RestartOnFailure,
		RestartDelay:       c.opts.RestartDelay,
		MaxRestartAttempts: c.opts.MaxRestartAttempts,
		StopTimeout:        c.opts.StopTimeout,

		OnRestart: func(attempt, pid int) {
			c.mu.Lock()
			h.conn.PID = pid
			c.mu.Unlock()
			c.logger.Warn("driver host restarted", "binding", key, "attempt", attempt, "pid", pid)
		},
		OnGiveUp: func(err error) { c.lost(id, h, err) },
	}
}

// lost drops a process whose supervisor gave up and reports it.
func (c *Controller) lost(id driverpkg.Identity, h *hosted, cause error) {
	key := id.Key()

	c.mu.Lock()
	if h.sup == nil {
		// Connect has not returned yet and reports the failure itself.
		h.startErr = cause
		c.mu.Unlock()
		return
	}
	current := c.procs[key] == h
	if current {
		delete(c.procs, key)
	}
	conn := h.conn
	c.mu.Unlock()

	if !current {
		return
	}
	c.logger.Error("driver host lost", "binding", key, "connection_id", conn.ID, "error", cause)
	if c.onLost != nil {
		c.onLost(conn, cause)
	}
}

// Disconnect stops the driver-host process for id. A key with no process
// is not an error: it may have been lost already.
func (c *Controller) Disconnect(ctx context.Context, id driverpkg.Identity) error {
	key := id.Key()

	c.mu.Lock()
	h, ok := c.procs[key]
	if ok && h.sup != nil {
		delete(c.procs, key)
	}
	c.mu.Unlock()

	if !ok || h.sup == nil {
		c.logger.Debug("no driver host to stop", "binding", key)
		return nil
	}

	if err := h.sup.Stop(ctx); err != nil {
		return fmt.Errorf("stopping driver host for %s: %w", key, err)
	}
	c.logger.Info("driver host stopped", "binding", key)
	return nil
}

// Process describes one running driver host.
type Process struct {
	Connection device.Connection `json:"connection"`
	Stats      process.Stats     `json:"stats"`
}

// Processes returns the supervised processes ordered by binding key.
func (c *Controller) Processes() []Process {
	c.mu.Lock()
	out := make([]Process, 0, len(c.procs))
	sups := make([]supervisor, 0, len(c.procs))
	for _, h := range c.procs {
		if h.sup == nil {
			continue
		}
		out = append(out, Process{Connection: h.conn})
		sups = append(sups, h.sup)
	}
	c.mu.Unlock()

	for i, s := range sups {
		out[i].Stats = s.Stats()
	}
	slices.SortFunc(out, func(a, b Process) int {
		return strings.Compare(a.Connection.Identity.Key(), b.Connection.Identity.Key())
	})
	return out
}

// Close stops every driver-host process.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	all := make(map[string]supervisor, len(c.procs))
	for key, h := range c.procs {
		if h.sup != nil {
			all[key] = h.sup
			delete(c.procs, key)
		}
	}
	c.mu.Unlock()

	var g errgroup.Group
	for key, sup := range all {
		g.Go(func() error {
			if err := sup.Stop(ctx); err != nil {
				return fmt.Errorf("stopping driver host for %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}
