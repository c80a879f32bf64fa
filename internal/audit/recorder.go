package audit

import (
	"context"
	"sync"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/device"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/influxdb"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
)

// Logger is the logging interface used by the recorder.
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

// Telemetry receives lifecycle points. *influxdb.Client implements it.
type Telemetry interface {
	WriteLifecycle(p influxdb.LifecyclePoint)
}

type queued struct {
	entry Entry
	pid   int
}

// Recorder is a device.Observer that persists every registry event and
// mirrors it to telemetry. OnEvent only queues; Run does the writing.
type Recorder struct {
	repo      Repository
	telemetry Telemetry
	logger    Logger

	queue chan queued

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder creates a Recorder. telemetry may be nil.
func NewRecorder(repo Repository, telemetry Telemetry, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		repo:      repo,
		telemetry: telemetry,
		logger:    noopLogger{},
		queue:     make(chan queued, queueSize),
	}
}

// SetLogger sets the logger.
func (r *Recorder) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// OnEvent queues ev. Events arriving while the queue is full are dropped
// and counted.
func (r *Recorder) OnEvent(ev device.Event) {
	e, pid := entryFromEvent(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- queued{entry: e, pid: pid}:
	default:
		r.dropped++
		r.logger.Warn("lifecycle event dropped, queue full", "kind", e.Kind, "dropped", r.dropped)
	}
}

// Dropped returns how many events were lost to a full queue.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run writes queued events until ctx is cancelled, then drains what is
// left and returns. Events arriving after Run returns are ignored.
func (r *Recorder) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.mu.Unlock()

	for {
		select {
		case q := <-r.queue:
			r.write(q.entry, q.pid)
		case <-ctx.Done():
			r.mu.Lock()
			r.closed = true
			r.mu.Unlock()
			for {
				select {
				case q := <-r.queue:
					r.write(q.entry, q.pid)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(e Entry, pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.repo.Create(ctx, &e); err != nil {
		r.logger.Error("recording lifecycle event", "kind", e.Kind, "error", err)
	}

	if r.telemetry != nil {
		r.telemetry.WriteLifecycle(influxdb.LifecyclePoint{
			Kind:         e.Kind,
			Bus:          e.Bus,
			DeviceID:     e.DeviceID,
			Package:      e.Package,
			Component:    e.Component,
			ConnectionID: e.ConnectionID,
			PID:          pid,
			Error:        e.Detail,
			Time:         e.CreatedAt,
		})
	}
}

func entryFromEvent(ev device.Event) (Entry, int) {
	e := Entry{
		Kind:      string(ev.Kind),
		Package:   ev.Identity.Package,
		Component: ev.Identity.Component,
		Detail:    ev.Error,
		CreatedAt: ev.Time,
	}
	if ev.DeviceID != 0 {
		e.DeviceID = ev.DeviceID.String()
	}
	if ev.Bus.Valid() {
		e.Bus = ev.Bus.String()
	}
	pid := 0
	if ev.Connection != nil {
		e.ConnectionID = ev.Connection.ID
		pid = ev.Connection.PID
	}
	return e, pid
}
