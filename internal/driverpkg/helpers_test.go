package driverpkg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus/usb"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/config"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/infrastructure/database"
	"github.com/patrykniedzwiecki/drivers-external-device-manager/migrations"
)

// setupTestRepo opens a migrated in-memory catalogue.
func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{Path: database.MemoryPath})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrating database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

// countingRepo counts List calls so tests can observe reloads.
type countingRepo struct {
	Repository
	lists atomic.Int32
}

func (r *countingRepo) List(ctx context.Context) ([]Driver, error) {
	r.lists.Add(1)
	return r.Repository.List(ctx)
}

func usbRegistry(t *testing.T) *bus.Registry {
	t.Helper()
	reg := bus.NewRegistry()
	if _, err := usb.Register(reg, nil); err != nil {
		t.Fatalf("registering usb: %v", err)
	}
	return reg
}

func usbDriver(pkg, comp, vid, pid string) Driver {
	return Driver{
		Identity: Identity{Package: pkg, Component: comp},
		Bus:      "usb",
		Version:  "1.0.0",
		Metadata: []bus.Metadata{
			{Name: "vid", Value: vid},
			{Name: "pid", Value: pid},
		},
	}
}

func usbDevice(t *testing.T, devNum uint8, vid, pid uint16) bus.DeviceDescriptor {
	t.Helper()
	dev, err := usb.NewDevice(1, devNum, vid, pid, "")
	if err != nil {
		t.Fatalf("usb.NewDevice() error = %v", err)
	}
	return dev
}

// stallingRepo holds the first List call after reading the catalogue, so a
// test can change the catalogue while that reload is in flight.
type stallingRepo struct {
	Repository
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallingRepo(repo Repository) *stallingRepo {
	return &stallingRepo{
		Repository: repo,
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (r *stallingRepo) List(ctx context.Context) ([]Driver, error) {
	drivers, err := r.Repository.List(ctx)
	stall := false
	r.once.Do(func() { stall = true })
	if stall {
		close(r.entered)
		<-r.release
	}
	return drivers, err
}
