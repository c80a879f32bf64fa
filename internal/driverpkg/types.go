package driverpkg

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// KeySeparator joins package and component names in a binding key.
const KeySeparator = "/"

// Identity names one driver: a component inside a driver package.
type Identity struct {
	Package   string `json:"package" yaml:"package"`
	Component string `json:"component" yaml:"component"`
}

// Validate checks that both names are present and free of the separator.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.Package) == "" || strings.TrimSpace(i.Component) == "" {
		return fmt.Errorf("%w: package and component are required", ErrInvalidIdentity)
	}
	if strings.Contains(i.Package, KeySeparator) || strings.Contains(i.Component, KeySeparator) {
		return fmt.Errorf("%w: names must not contain %q", ErrInvalidIdentity, KeySeparator)
	}
	return nil
}

// Key returns the binding key, "package/component".
func (i Identity) Key() string {
	return i.Package + KeySeparator + i.Component
}

// String implements fmt.Stringer.
func (i Identity) String() string {
	return i.Key()
}

// ParseKey is the inverse of Identity.Key.
func ParseKey(key string) (Identity, error) {
	pkg, comp, ok := strings.Cut(key, KeySeparator)
	if !ok {
		return Identity{}, fmt.Errorf("%w: key %q", ErrInvalidIdentity, key)
	}
	id := Identity{Package: pkg, Component: comp}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Driver is one installed driver as recorded in the catalogue.
type Driver struct {
	Identity
	Bus         string         `json:"bus"`
	Version     string         `json:"version,omitempty"`
	Metadata    []bus.Metadata `json:"metadata"`
	InstalledAt time.Time      `json:"installed_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate checks identity and bus name. The bus name does not need a
// registered extension; drivers for absent buses are kept but never match.
func (d *Driver) Validate() error {
	if err := d.Identity.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(d.Bus) == "" {
		return fmt.Errorf("%w: %s has no bus", ErrInvalidDriver, d.Key())
	}
	return nil
}

// Descriptor converts the record into a driver descriptor without a parsed
// extension.
func (d *Driver) Descriptor() bus.DriverDescriptor {
	return bus.DriverDescriptor{
		BusName:  strings.ToLower(strings.TrimSpace(d.Bus)),
		Metadata: slices.Clone(d.Metadata),
	}
}

// Status is the kind of change a package event reports.
type Status int

const (
	// StatusAdded reports a newly installed package.
	StatusAdded Status = iota + 1
	// StatusUpdated reports a package replaced in place.
	StatusUpdated
	// StatusRemoved reports an uninstalled package.
	StatusRemoved
)

var statusNames = map[Status]string{
	StatusAdded:   "added",
	StatusUpdated: "updated",
	StatusRemoved: "removed",
}

// String returns the lower-case status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus converts a status name (case-insensitive).
func ParseStatus(name string) (Status, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, name)
}

// Event is a package install/update/remove notification.
type Event struct {
	Status Status
	Bus    bus.Type
	Identity

	// Version and Metadata describe the new package contents for added and
	// updated events. They are ignored for removals.
	Version  string
	Metadata []bus.Metadata
}

// Driver builds the catalogue record carried by an added or updated event.
func (e Event) Driver() Driver {
	return Driver{
		Identity: e.Identity,
		Bus:      e.Bus.String(),
		Version:  e.Version,
		Metadata: slices.Clone(e.Metadata),
	}
}
