package driverpkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/patrykniedzwiecki/drivers-external-device-manager/internal/bus"
)

// Manifest describes a driver package on disk:
//
//	package: com.acme.serial
//	version: 1.2.0
//	drivers:
//	  - component: SerialDriver
//	    bus: usb
//	    metadata:
//	      vid: "0x1234"
//	      pid: "0x5678,0x9999"
type Manifest struct {
	Package string           `yaml:"package"`
	Version string           `yaml:"version"`
	Drivers []ManifestDriver `yaml:"drivers"`
}

// ManifestDriver is one component entry of a Manifest.
type ManifestDriver struct {
	Component string       `yaml:"component"`
	Bus       string       `yaml:"bus"`
	Metadata  MetadataList `yaml:"metadata"`
}

// MetadataList decodes either a YAML mapping or a sequence of name/value
// pairs, keeping document order in both cases.
type MetadataList []bus.Metadata

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MetadataList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		list := make(MetadataList, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			list = append(list, bus.Metadata{
				Name:  node.Content[i].Value,
				Value: node.Content[i+1].Value,
			})
		}
		*m = list
		return nil
	case yaml.SequenceNode:
		var list []bus.Metadata
		if err := node.Decode(&list); err != nil {
			return err
		}
		*m = list
		return nil
	default:
		return fmt.Errorf("line %d: metadata must be a mapping or a list", node.Line)
	}
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	if strings.TrimSpace(m.Package) == "" {
		return nil, fmt.Errorf("%w: package is required", ErrInvalidManifest)
	}
	if len(m.Drivers) == 0 {
		return nil, fmt.Errorf("%w: %s declares no drivers", ErrInvalidManifest, m.Package)
	}
	for _, d := range m.ToDrivers() {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	}
	return &m, nil
}

// ToDrivers converts the manifest into catalogue records.
func (m *Manifest) ToDrivers() []Driver {
	drivers := make([]Driver, 0, len(m.Drivers))
	for _, md := range m.Drivers {
		drivers = append(drivers, Driver{
			Identity: Identity{Package: m.Package, Component: md.Component},
			Bus:      md.Bus,
			Version:  m.Version,
			Metadata: []bus.Metadata(md.Metadata),
		})
	}
	return drivers
}

// LoadManifests reads every *.yaml and *.yml file in dir, in file name order,
// and returns the drivers they declare. Unreadable or invalid manifests fail
// the whole load.
func LoadManifests(dir string) ([]Driver, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var drivers []Driver
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading manifest %s: %w", name, err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
		drivers = append(drivers, m.ToDrivers()...)
	}
	return drivers, nil
}
