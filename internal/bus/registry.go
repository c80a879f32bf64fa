package bus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Extension encapsulates the matching rules of one bus.
type Extension interface {
	// MatchDriver reports whether driver can handle dev. Returning false is
	// the normal "no match" outcome, never an error.
	MatchDriver(driver DriverDescriptor, dev DeviceDescriptor) bool

	// ParseDriverInfo converts driver package metadata into the bus-specific
	// extension. Unknown keys are ignored and malformed values are skipped,
	// so the result may be a driver that matches nothing.
	ParseDriverInfo(metadata []Metadata) DriverExtension
}

// Registry is a name-keyed table of bus extensions.
// Names are case-insensitive. All methods are safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	exts map[string]Extension
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{exts: make(map[string]Extension)}
}

// Register adds ext under name. Registering the same name twice fails.
func (r *Registry) Register(name string, ext Extension) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || ext == nil {
		return fmt.Errorf("%w: name %q", ErrInvalidExtension, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.exts[key]; exists {
		return fmt.Errorf("%w: %q already registered", ErrInvalidExtension, key)
	}
	r.exts[key] = ext
	return nil
}

// Lookup returns the extension registered for name.
func (r *Registry) Lookup(name string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ext, ok := r.exts[strings.ToLower(strings.TrimSpace(name))]
	return ext, ok
}

// Names returns the registered bus names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.exts))
	for name := range r.exts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
