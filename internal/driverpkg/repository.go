package driverpkg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// Repository is the driver metadata source: the persisted catalogue of
// installed drivers.
type Repository interface {
	// List returns every driver in install order.
	List(ctx context.Context) ([]Driver, error)

	// Get returns one driver.
	// Returns ErrDriverNotFound if it is not installed.
	Get(ctx context.Context, id Identity) (*Driver, error)

	// Upsert installs a driver or replaces an installed one in place,
	// keeping its original install position.
	Upsert(ctx context.Context, d *Driver) error

	// Delete uninstalls a driver.
	// Returns ErrDriverNotFound if it is not installed.
	Delete(ctx context.Context, id Identity) error
}

// SQLiteRepository implements Repository on the driver_packages table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed catalogue.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const driverColumns = `package, component, bus, version, metadata, installed_at, updated_at`

// List returns every driver ordered by install sequence.
func (r *SQLiteRepository) List(ctx context.Context) ([]Driver, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM driver_packages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("querying drivers: %w", err)
	}
	defer rows.Close()

	var drivers []Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating drivers: %w", err)
	}
	return drivers, nil
}

// Get returns one driver by identity.
func (r *SQLiteRepository) Get(ctx context.Context, id Identity) (*Driver, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+driverColumns+` FROM driver_packages WHERE package = ? AND component = ?`,
		id.Package, id.Component,
	)
	d, err := scanDriver(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDriverNotFound
		}
		return nil, err
	}
	return d, nil
}

// Upsert inserts or replaces a driver. InstalledAt is set on first insert
// only; UpdatedAt is refreshed every time.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Driver) error {
	if err := d.Validate(); err != nil {
		return err
	}

	metadata := d.Metadata
	if metadata == nil {
		metadata = []bus.Metadata{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshalling driver metadata: %w", err)
	}

	now := r.now().UTC()
	if d.InstalledAt.IsZero() {
		d.InstalledAt = now
	}
	d.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO driver_packages (`+driverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (package, component) DO UPDATE SET
			bus = excluded.bus,
			version = excluded.version,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		d.Package, d.Component, d.Bus, d.Version, string(metadataJSON),
		d.InstalledAt.Format(time.RFC3339Nano), d.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting driver %s: %w", d.Key(), err)
	}
	return nil
}

// Delete removes a driver by identity.
func (r *SQLiteRepository) Delete(ctx context.Context, id Identity) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM driver_packages WHERE package = ? AND component = ?`,
		id.Package, id.Component,
	)
	if err != nil {
		return fmt.Errorf("deleting driver %s: %w", id.Key(), err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDriverNotFound
	}
	return nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDriver(s scanner) (*Driver, error) {
	var d Driver
	var metadataJSON, installedAt, updatedAt string

	if err := s.Scan(&d.Package, &d.Component, &d.Bus, &d.Version, &metadataJSON, &installedAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning driver: %w", err)
	}

	if err := json.Unmarshal([]byte(metadataJSON), &d.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshalling metadata of %s: %w", d.Key(), err)
	}

	var err error
	if d.InstalledAt, err = time.Parse(time.RFC3339Nano, installedAt); err != nil {
		return nil, fmt.Errorf("parsing installed_at of %s: %w", d.Key(), err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at of %s: %w", d.Key(), err)
	}
	return &d, nil
}
