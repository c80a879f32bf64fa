package driverpkg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// Logger defines the logging interface used by the Index.
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

// entry is one parsed driver in the in-memory snapshot.
type entry struct {
	id   Identity
	desc bus.DriverDescriptor
}

// Index answers "which installed driver matches this device".
//
// It keeps a parsed snapshot of the catalogue. Any change made through the
// Index, or an explicit Invalidate, marks the snapshot stale; the next query
// reloads it from the Repository. Concurrent reloads are coalesced into one.
//
// All methods are safe for concurrent use.
type Index struct {
	repo   Repository
	exts   *bus.Registry
	logger Logger

	mu        sync.RWMutex
	entries   []entry
	gen       uint64 // bumped by Invalidate
	loadedGen uint64 // gen the snapshot was built from
	loaded    bool

	reloads singleflight.Group
}

// NewIndex creates an Index over repo, resolving bus extensions from exts.
func NewIndex(repo Repository, exts *bus.Registry) *Index {
	return &Index{
		repo:   repo,
		exts:   exts,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the index.
func (x *Index) SetLogger(logger Logger) {
	x.logger = logger
}

// Invalidate marks the snapshot stale.
func (x *Index) Invalidate() {
	x.mu.Lock()
	x.gen++
	x.mu.Unlock()
}

// QueryMatchDriver returns the first installed driver, in install order,
// whose bus extension accepts dev. Drivers for buses with no registered
// extension are skipped. ok is false when nothing matches.
func (x *Index) QueryMatchDriver(ctx context.Context, dev bus.DeviceDescriptor) (id Identity, ok bool, err error) {
	entries, err := x.snapshot(ctx)
	if err != nil {
		return Identity{}, false, err
	}

	for _, e := range entries {
		ext, found := x.exts.Lookup(e.desc.BusName)
		if !found {
			continue
		}
		if ext.MatchDriver(e.desc, dev) {
			x.logger.Debug("driver matched", "device_id", dev.ID.String(), "driver", e.id.Key())
			return e.id, true, nil
		}
	}
	return Identity{}, false, nil
}

// Install adds or replaces a driver in the catalogue.
func (x *Index) Install(ctx context.Context, d Driver) error {
	if err := x.repo.Upsert(ctx, &d); err != nil {
		return fmt.Errorf("installing driver: %w", err)
	}
	x.Invalidate()
	x.logger.Info("driver installed", "driver", d.Key(), "bus", d.Bus, "version", d.Version)
	return nil
}

// Remove deletes a driver from the catalogue.
// Returns ErrDriverNotFound if it was not installed.
func (x *Index) Remove(ctx context.Context, id Identity) error {
	if err := x.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrDriverNotFound) {
			return err
		}
		return fmt.Errorf("removing driver: %w", err)
	}
	x.Invalidate()
	x.logger.Info("driver removed", "driver", id.Key())
	return nil
}

// Apply records a package event in the catalogue. Removing a driver that was
// never installed is not an error.
func (x *Index) Apply(ctx context.Context, ev Event) error {
	if err := ev.Identity.Validate(); err != nil {
		return err
	}
	switch ev.Status {
	case StatusAdded, StatusUpdated:
		return x.Install(ctx, ev.Driver())
	case StatusRemoved:
		if err := x.Remove(ctx, ev.Identity); err != nil && !errors.Is(err, ErrDriverNotFound) {
			return err
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrInvalidStatus, int(ev.Status))
	}
}

// List returns the installed drivers in install order.
func (x *Index) List(ctx context.Context) ([]Driver, error) {
	drivers, err := x.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing drivers: %w", err)
	}
	return drivers, nil
}

// Sync installs every driver in drivers. Used to seed the catalogue from
// manifests at startup; existing entries keep their install position.
func (x *Index) Sync(ctx context.Context, drivers []Driver) error {
	for _, d := range drivers {
		if err := x.repo.Upsert(ctx, &d); err != nil {
			return fmt.Errorf("syncing driver %s: %w", d.Key(), err)
		}
	}
	x.Invalidate()
	x.logger.Info("driver catalogue synced", "count", len(drivers))
	return nil
}

// snapshot returns the current parsed entries, reloading them if stale.
// Reloads are keyed by generation so a caller never joins a reload that
// started before the change it observed.
func (x *Index) snapshot(ctx context.Context) ([]entry, error) {
	x.mu.RLock()
	gen := x.gen
	fresh := x.loaded && x.loadedGen == gen
	entries := x.entries
	x.mu.RUnlock()

	if fresh {
		return entries, nil
	}

	v, err, _ := x.reloads.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return x.reload(ctx, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.([]entry), nil //nolint:forcetypeassert // reload only returns []entry
}

// reload reads the catalogue and parses every driver's bus-specific metadata.
// The result is stored only if no newer snapshot has been stored meanwhile.
func (x *Index) reload(ctx context.Context, gen uint64) ([]entry, error) {
	drivers, err := x.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading drivers: %w", err)
	}

	entries := make([]entry, 0, len(drivers))
	for i := range drivers {
		d := &drivers[i]
		desc := d.Descriptor()
		if ext, ok := x.exts.Lookup(desc.BusName); ok {
			desc.Ext = ext.ParseDriverInfo(desc.Metadata)
		}
		entries = append(entries, entry{id: d.Identity, desc: desc})
	}

	x.mu.Lock()
	if !x.loaded || gen >= x.loadedGen {
		x.entries = entries
		x.loadedGen = gen
		x.loaded = true
	}
	x.mu.Unlock()

	x.logger.Debug("driver index reloaded", "count", len(entries))
	return entries, nil
}
