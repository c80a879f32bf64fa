package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConnectDevice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, -1)
	serial := env.matcher.install(0x1234, 0x5678, "com.acme", "Serial")
	dev := usbDevice(t, 1, 0x1234, 0x5678)
	_ = env.reg.RegisterDevice(ctx, dev)

	t.Run("already connected reuses the process", func(t *testing.T) {
		var got *Connection
		err := env.reg.ConnectDevice(ctx, dev.ID, func(c *Connection, err error) {
			if err != nil {
				t.Errorf("callback error = %v", err)
			}
			got = c
		})
		if err != nil {
			t.Fatalf("ConnectDevice() error = %v", err)
		}
		if got == nil || got.Identity != serial {
			t.Errorf("callback connection = %+v", got)
		}
		if c, _ := env.host.counts(serial); c != 1 {
			t.Errorf("connects = %d, want 1", c)
		}
	})

	t.Run("disconnect keeps the binding", func(t *testing.T) {
		if err := env.reg.DisconnectDevice(ctx, dev.ID); err != nil {
			t.Fatalf("DisconnectDevice() error = %v", err)
		}
		got, _ := env.reg.QueryDeviceByDeviceID(dev.ID)
		if got.BindingKey != serial.Key() || got.Connection != nil {
			t.Errorf("device = %+v, want bound and disconnected", got)
		}
		if env.host.isRunning(serial) {
			t.Error("driver still running")
		}

		// A second disconnect has nothing to stop.
		if err := env.reg.DisconnectDevice(ctx, dev.ID); err != nil {
			t.Errorf("DisconnectDevice() again error = %v", err)
		}
		if _, d := env.host.counts(serial); d != 1 {
			t.Errorf("disconnects = %d, want 1", d)
		}
	})

	t.Run("connect restarts the driver", func(t *testing.T) {
		done := make(chan *Connection, 1)
		err := env.reg.ConnectDevice(ctx, dev.ID, func(c *Connection, _ error) { done <- c })
		if err != nil {
			t.Fatalf("ConnectDevice() error = %v", err)
		}
		select {
		case c := <-done:
			if c == nil {
				t.Fatal("callback got a nil connection")
			}
		case <-time.After(time.Second):
			t.Fatal("callback never ran")
		}
		if !env.host.isRunning(serial) {
			t.Error("driver not running")
		}
	})
}

func TestConnectDevice_Failure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, -1)
	env.matcher.install(0x1234, 0x5678, "com.acme", "Serial")
	dev := usbDevice(t, 1, 0x1234, 0x5678)
	_ = env.reg.RegisterDevice(ctx, dev)
	_ = env.reg.DisconnectDevice(ctx, dev.ID)

	env.host.setConnectErr(errBoom)
	var cbErr error
	err := env.reg.ConnectDevice(ctx, dev.ID, func(_ *Connection, err error) { cbErr = err })
	if !errors.Is(err, ErrCollaborator) {
		t.Errorf("ConnectDevice() error = %v, want ErrCollaborator", err)
	}
	if !errors.Is(cbErr, errBoom) {
		t.Errorf("callback error = %v, want errBoom", cbErr)
	}
}

func TestConnectDevice_Errors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, -1)
	unbound := usbDevice(t, 1, 0xAAAA, 0xBBBB)
	_ = env.reg.RegisterDevice(ctx, unbound)
	noop := func(*Connection, error) {}

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"nil callback", func() error { return env.reg.ConnectDevice(ctx, unbound.ID, nil) }, ErrInvalidObject},
		{"unknown device", func() error { return env.reg.ConnectDevice(ctx, usbDevice(t, 9, 1, 1).ID, noop) }, ErrNotFound},
		{"unbound device", func() error { return env.reg.ConnectDevice(ctx, unbound.ID, noop) }, ErrNotFound},
		{"disconnect unknown", func() error { return env.reg.DisconnectDevice(ctx, usbDevice(t, 9, 1, 1).ID) }, ErrNotFound},
		{"disconnect unbound", func() error { return env.reg.DisconnectDevice(ctx, unbound.ID) }, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConnectDevice_CancelledWait(t *testing.T) {
	env := newTestEnv(t, -1)
	serial := env.matcher.install(0x1234, 0x5678, "com.acme", "Serial")
	dev := usbDevice(t, 1, 0x1234, 0x5678)
	_ = env.reg.RegisterDevice(context.Background(), dev)
	_ = env.reg.DisconnectDevice(context.Background(), dev.ID)

	env.host.mu.Lock()
	env.host.delay = 100 * time.Millisecond
	env.host.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := env.reg.ConnectDevice(ctx, dev.ID, func(*Connection, error) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ConnectDevice() error = %v, want context.Canceled", err)
	}

	// The host call still completes in the background.
	waitFor(t, "driver start", func() bool { return env.host.isRunning(serial) })
}
