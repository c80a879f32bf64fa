package bus

import (
	"errors"
	"testing"
)

type stubExtension struct{}

func (stubExtension) MatchDriver(DriverDescriptor, DeviceDescriptor) bool { return true }
func (stubExtension) ParseDriverInfo([]Metadata) DriverExtension      { return nil }

func TestRegistry_RegisterLookup(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Register("USB", stubExtension{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	for _, name := range []string{"usb", "USB", " usb"} {
		if _, ok := reg.Lookup(name); !ok {
			t.Errorf("Lookup(%q) not found", name)
		}
	}
	if _, ok := reg.Lookup("pci"); ok {
		t.Error("Lookup(pci) found an extension")
	}
}

func TestRegistry_RegisterRejects(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("usb", stubExtension{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		busName string
		ext     Extension
	}{
		{name: "duplicate", busName: "Usb", ext: stubExtension{}},
		{name: "empty name", busName: "  ", ext: stubExtension{}},
		{name: "nil extension", busName: "pci", ext: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.Register(tt.busName, tt.ext); !errors.Is(err, ErrInvalidExtension) {
				t.Errorf("Register() error = %v, want ErrInvalidExtension", err)
			}
		})
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("usb", stubExtension{})
	_ = reg.Register("pci", stubExtension{})

	names := reg.Names()
	if len(names) != 2 || names[0] != "pci" || names[1] != "usb" {
		t.Errorf("Names() = %v, want [pci usb]", names)
	}
}
