package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusStopped    Status = "stopped"
	StatusRunning    Status = "running"
	StatusRestarting Status = "restarting"
	StatusFailed     Status = "failed"
)

// maxLogLine bounds one captured line of child output.
const maxLogLine = 64 * 1024

// Spec describes a child process and how to supervise it.
type Spec struct {
	// Name identifies the child in logs.
	Name string

	Binary string
	Args   []string

	// Env is appended to the parent environment. Nil inherits it unchanged.
	Env []string

	// WorkDir defaults to the parent's working directory.
	WorkDir string

	// RestartOnFailure restarts the child when it exits without Stop.
	RestartOnFailure bool

	// RestartDelay is the first backoff step; each further attempt doubles
	// it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// StableThreshold is how long a child must stay up for the restart
	// counter to reset.
	StableThreshold time.Duration

	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration

	// OnExit is called after every unexpected exit, before any restart.
	OnExit func(err error)

	// OnRestart is called after a successful restart with the new pid.
	OnRestart func(attempt, pid int)

	// OnGiveUp is called once when the child exited and will not be
	// restarted, either because restarts are disabled, the cause was not
	// recoverable or the attempt limit was reached.
	OnGiveUp func(err error)
}

func (s *Spec) applyDefaults() {
	if s.RestartDelay <= 0 {
		s.RestartDelay = 2 * time.Second
	}
	if s.MaxRestartDelay <= 0 {
		s.MaxRestartDelay = time.Minute
	}
	if s.StableThreshold <= 0 {
		s.StableThreshold = 2 * time.Minute
	}
	if s.StopTimeout <= 0 {
		s.StopTimeout = 10 * time.Second
	}
}

// Logger defines the logging interface for the supervisor.
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

// Supervisor runs one child process, restarting it on failure.
//
// A Supervisor can be started again after Stop or after it gave up.
type Supervisor struct {
	spec   Spec
	logger Logger

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	cmd      *exec.Cmd
	status   Status
	restarts int
	lastErr  error
	started  time.Time
	stopping bool
	stopCh   chan struct{} // closed by Stop
	done     chan struct{} // closed when the monitor exits
	exited   chan struct{} // closed when the current child is reaped
	waitErr  error
}

// NewSupervisor creates a stopped supervisor.
func NewSupervisor(spec Spec) *Supervisor {
	spec.applyDefaults()
	return &Supervisor{
		spec:   spec,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches the child and begins supervising it. It returns the pid of
// the first instance. The child is not tied to ctx; use Stop to end it.
func (s *Supervisor) Start(ctx context.Context) (int, error) {
	if s.spec.Binary == "" {
		return 0, ErrNoBinary
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusRestarting {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, s.spec.Name)
	}
	s.stopping = false
	s.restarts = 0
	s.lastErr = nil
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	done, stopCh := s.done, s.stopCh
	s.mu.Unlock()

	pid, err := s.spawn()
	if err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastErr = err
		s.mu.Unlock()
		close(done)
		return 0, err
	}

	go s.monitor(done, stopCh)
	return pid, nil
}

// spawn starts one instance of the child in its own process group.
func (s *Supervisor) spawn() (int, error) {
	cmd := exec.Command(s.spec.Binary, s.spec.Args...) //nolint:gosec // Binary comes from validated service config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.spec.Env != nil {
		cmd.Env = append(os.Environ(), s.spec.Env...)
	}
	cmd.Dir = s.spec.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting %s: %w", s.spec.Name, err)
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go s.captureOutput("stdout", stdout, &pipes)
	go s.captureOutput("stderr", stderr, &pipes)

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.started = time.Now()
	s.exited = exited
	s.mu.Unlock()

	// Wait must not run before the pipes are drained.
	go func() {
		pipes.Wait()
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(exited)
	}()

	pid := cmd.Process.Pid
	s.logger.Info("process started", "name", s.spec.Name, "pid", pid)
	return pid, nil
}

// captureOutput logs the child's output line by line.
func (s *Supervisor) captureOutput(stream string, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLogLine)
	for sc.Scan() {
		s.logger.Debug("process output", "name", s.spec.Name, "stream", stream, "line", sc.Text())
	}
	// Drain the rest so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// monitor waits for each instance to exit and decides whether to restart.
func (s *Supervisor) monitor(done, stopCh chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()

		<-exited

		s.mu.Lock()
		err := s.waitErr
		stopping := s.stopping
		upFor := time.Since(s.started)
		if upFor >= s.spec.StableThreshold {
			s.restarts = 0
		}
		s.mu.Unlock()

		if stopping {
			s.setStatus(StatusStopped, nil)
			s.logger.Info("process stopped", "name", s.spec.Name)
			return
		}

		if err == nil {
			err = fmt.Errorf("%s exited with status 0", s.spec.Name)
		}
		s.logger.Warn("process exited unexpectedly", "name", s.spec.Name, "error", err, "uptime", upFor)
		if s.spec.OnExit != nil {
			s.spec.OnExit(err)
		}

		if !s.restartAfter(err, stopCh) {
			return
		}
	}
}

// restartAfter runs the backoff and respawns the child. It reports false
// once the supervisor has stopped or given up.
func (s *Supervisor) restartAfter(cause error, stopCh chan struct{}) bool {
	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.lastErr = cause
	s.mu.Unlock()

	var reason string
	switch {
	case !s.spec.RestartOnFailure:
		reason = "restart disabled"
	case !IsRecoverable(cause):
		reason = "exit not recoverable"
	case s.spec.MaxRestartAttempts > 0 && attempt > s.spec.MaxRestartAttempts:
		reason = "max restart attempts reached"
	}
	if reason != "" {
		s.giveUp(cause, reason, attempt)
		return false
	}

	for {
		delay := s.backoff(attempt)
		s.setStatus(StatusRestarting, cause)
		s.logger.Info("restarting process", "name", s.spec.Name, "attempt", attempt, "delay", delay)

		select {
		case <-stopCh:
			s.setStatus(StatusStopped, nil)
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			s.setStatus(StatusStopped, nil)
			return false
		}

		pid, err := s.spawn()
		if err == nil {
			if s.spec.OnRestart != nil {
				s.spec.OnRestart(attempt, pid)
			}
			return true
		}

		s.logger.Error("failed to restart process", "name", s.spec.Name, "attempt", attempt, "error", err)
		s.mu.Lock()
		s.restarts++
		attempt = s.restarts
		s.mu.Unlock()
		if s.spec.MaxRestartAttempts > 0 && attempt > s.spec.MaxRestartAttempts {
			s.giveUp(err, "max restart attempts reached", attempt)
			return false
		}
		cause = err
	}
}

func (s *Supervisor) giveUp(cause error, reason string, attempt int) {
	s.setStatus(StatusFailed, cause)
	s.logger.Error("giving up on process", "name", s.spec.Name, "reason", reason, "attempts", attempt-1, "error", cause)
	if s.spec.OnGiveUp != nil {
		s.spec.OnGiveUp(cause)
	}
}

// backoff returns the delay before restart attempt n (1-based).
func (s *Supervisor) backoff(n int) time.Duration {
	d := s.spec.RestartDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.spec.MaxRestartDelay {
			return s.spec.MaxRestartDelay
		}
	}
	return min(d, s.spec.MaxRestartDelay)
}

func (s *Supervisor) setStatus(st Status, err error) {
	s.mu.Lock()
	s.status = st
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// Stop ends supervision: SIGTERM to the child's process group, then SIGKILL
// after StopTimeout or when ctx is done. It is a no-op if nothing runs.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.stopping || s.done == nil || s.status == StatusStopped || s.status == StatusFailed {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	cmd, exited, done := s.cmd, s.exited, s.done
	s.mu.Unlock()

	select {
	case <-exited:
		// Already gone; the monitor may be in a restart backoff.
		<-done
		return nil
	default:
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.spec.Name, "pid", pid)
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM to process group", "name", s.spec.Name, "error", err)
	}

	timer := time.NewTimer(s.spec.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		s.logger.Warn("graceful stop timed out, sending SIGKILL", "name", s.spec.Name, "timeout", s.spec.StopTimeout)
	case <-ctx.Done():
		s.logger.Warn("stop cancelled, sending SIGKILL", "name", s.spec.Name)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group of %s: %w", s.spec.Name, err)
	}
	<-done
	return nil
}

// Done returns a channel closed when supervision ends, after Stop or after
// giving up. It is nil before the first Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PID returns the pid of the current child, or 0 if none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning || s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stats is a snapshot of a supervised process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{Name: s.spec.Name, Status: s.status, Restarts: s.restarts}
	if s.status == StatusRunning && s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
		st.Uptime = time.Since(s.started)
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
