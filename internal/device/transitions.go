package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/driverpkg"
)

type opKind int

const (
	opConnect opKind = iota + 1
	opDisconnect
)

func (k opKind) String() string {
	if k == opConnect {
		return "connect"
	}
	return "disconnect"
}

// transition is one decided host call for a binding key.
type transition struct {
	op   opKind
	key  string
	id   driverpkg.Identity
	done chan result
}

type result struct {
	conn    *Connection
	err     error
	skipped bool
}

// lossReport is a loss the host reported before the connect that produced
// the connection had finished.
type lossReport struct {
	connID string
	cause  error
}

var errConnectionLost = errors.New("driver host exited")

// keyQueue holds the transitions of one key in decision order. A queue
// exists while its drain goroutine runs.
type keyQueue struct {
	pending []*transition
}

// connectLocked records the decision to run the driver for key.
func (r *Registry) connectLocked(key string, b *binding) *transition {
	b.wantConnected = true
	return r.enqueueLocked(opConnect, key, b.id)
}

// disconnectLocked records the decision to stop the driver for key. It
// returns nil when nothing was running or about to run.
func (r *Registry) disconnectLocked(key string, b *binding) *transition {
	if !b.wantConnected && b.conn == nil {
		return nil
	}
	b.wantConnected = false
	b.conn = nil
	return r.enqueueLocked(opDisconnect, key, b.id)
}

func (r *Registry) enqueueLocked(op opKind, key string, id driverpkg.Identity) *transition {
	t := &transition{op: op, key: key, id: id, done: make(chan result, 1)}

	q, ok := r.queues[key]
	if !ok {
		q = &keyQueue{}
		r.queues[key] = q
		go r.drain(key)
	}
	q.pending = append(q.pending, t)
	return t
}

// drain runs the queued transitions of key one at a time until the queue is
// empty, then removes it.
func (r *Registry) drain(key string) {
	for {
		r.mu.Lock()
		q := r.queues[key]
		if len(q.pending) == 0 {
			delete(r.queues, key)
			delete(r.earlyLoss, key)
			r.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		r.mu.Unlock()

		switch t.op {
		case opConnect:
			t.done <- r.runConnect(t)
		case opDisconnect:
			t.done <- r.runDisconnect(t)
		}
	}
}

func (r *Registry) runConnect(t *transition) result {
	r.mu.Lock()
	b := r.bindings[t.key]
	switch {
	case b == nil || !b.wantConnected:
		// Superseded by a later disconnect decision.
		r.mu.Unlock()
		return result{skipped: true}
	case r.live[t.key] != "":
		conn := copyConn(b.conn)
		r.mu.Unlock()
		return result{conn: conn, skipped: true}
	}
	r.mu.Unlock()

	conn, err := r.host.Connect(context.Background(), t.id)

	r.mu.Lock()
	if err != nil {
		if b := r.bindings[t.key]; b != nil && b.wantConnected && b.conn == nil {
			b.wantConnected = false
		}
		r.mu.Unlock()

		r.logger.Error("driver connect failed", "binding", t.key, "error", err)
		ev := r.event(EventDriverConnectFailed, 0, t.id)
		ev.Error = err.Error()
		r.emit(ev)
		return result{err: err}
	}

	reports := r.earlyLoss[t.key]
	delete(r.earlyLoss, t.key)
	if cause := lostCause(reports, conn.ID); cause != nil {
		if b := r.bindings[t.key]; b != nil && b.wantConnected && b.conn == nil {
			b.wantConnected = false
		}
		r.mu.Unlock()

		r.logger.Error("driver exited before connect completed", "binding", t.key, "connection_id", conn.ID, "error", cause)
		ev := r.event(EventDriverConnectFailed, 0, t.id)
		ev.Error = cause.Error()
		r.emit(ev)
		return result{err: cause}
	}

	r.live[t.key] = conn.ID
	c := conn
	if b := r.bindings[t.key]; b != nil && b.wantConnected {
		b.conn = &c
	} else if !r.disconnectQueuedLocked(t.key) {
		// Intent changed without a queued disconnect; stop what was just
		// started.
		r.enqueueLocked(opDisconnect, t.key, t.id)
	}
	r.mu.Unlock()

	r.logger.Info("driver connected", "binding", t.key, "connection_id", conn.ID, "pid", conn.PID)
	ev := r.event(EventDriverConnected, 0, t.id)
	ev.Connection = copyConn(&c)
	r.emit(ev)
	return result{conn: copyConn(&c)}
}

func (r *Registry) runDisconnect(t *transition) result {
	r.mu.Lock()
	if r.live[t.key] == "" {
		r.mu.Unlock()
		return result{skipped: true}
	}
	r.mu.Unlock()

	err := r.host.Disconnect(context.Background(), t.id)

	// The process is considered gone either way; the host owns cleanup.
	r.mu.Lock()
	delete(r.live, t.key)
	r.mu.Unlock()

	ev := r.event(EventDriverDisconnected, 0, t.id)
	if err != nil {
		r.logger.Error("driver disconnect failed", "binding", t.key, "error", err)
		ev.Error = err.Error()
	} else {
		r.logger.Info("driver disconnected", "binding", t.key)
	}
	r.emit(ev)
	return result{err: err}
}

func (r *Registry) disconnectQueuedLocked(key string) bool {
	q, ok := r.queues[key]
	if !ok {
		return false
	}
	for _, t := range q.pending {
		if t.op == opDisconnect {
			return true
		}
	}
	return false
}

// await waits for t to finish. A nil t finishes immediately.
func (r *Registry) await(ctx context.Context, t *transition) (result, error) {
	if t == nil {
		return result{skipped: true}, nil
	}
	select {
	case res := <-t.done:
		if res.err != nil {
			return res, fmt.Errorf("%w: %s %s: %w", ErrCollaborator, t.op, t.key, res.err)
		}
		return res, nil
	case <-ctx.Done():
		return result{}, fmt.Errorf("waiting for %s of %s: %w", t.op, t.key, ctx.Err())
	}
}

func (r *Registry) awaitConnect(ctx context.Context, t *transition) error {
	_, err := r.await(ctx, t)
	return err
}

func (r *Registry) awaitDisconnect(ctx context.Context, t *transition) error {
	_, err := r.await(ctx, t)
	return err
}

// lostCause returns why connID was reported lost, or nil if it was not.
func lostCause(reports []lossReport, connID string) error {
	for _, rep := range reports {
		if rep.connID == connID {
			if rep.cause == nil {
				return errConnectionLost
			}
			return rep.cause
		}
	}
	return nil
}

// ConnectionLost is called by the host when the driver process behind lost
// exited and will not be restarted. The binding is kept; the next
// registration of one of its devices, or an explicit ConnectDevice, starts
// the driver again.
//
// A report for a connection that is no longer the key's running one is
// ignored. A report that arrives while that connect is still being
// recorded is applied once it is.
func (r *Registry) ConnectionLost(lost Connection, cause error) {
	id := lost.Identity
	key := id.Key()

	r.mu.Lock()
	if current := r.live[key]; current != lost.ID {
		_, running := r.queues[key]
		if running && current == "" {
			r.earlyLoss[key] = append(r.earlyLoss[key], lossReport{connID: lost.ID, cause: cause})
		}
		r.mu.Unlock()
		r.logger.Debug("ignoring loss of a stale driver connection", "binding", key, "connection_id", lost.ID)
		return
	}
	delete(r.live, key)
	if b := r.bindings[key]; b != nil && b.conn != nil && b.conn.ID == lost.ID {
		b.conn = nil
		b.wantConnected = false
	}
	r.mu.Unlock()

	r.logger.Warn("driver connection lost", "binding", key, "connection_id", lost.ID, "error", cause)
	ev := r.event(EventDriverDisconnected, 0, id)
	if cause != nil {
		ev.Error = cause.Error()
	}
	r.emit(ev)
}
