package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

type registryKey struct {
	kind  Kind
	class string
}

// Registry maps (Kind, Class) to the Factory that builds the device.
// Sensor and actuator classes live in separate namespaces, so "exec" can
// name both a sensor and an actuator.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[registryKey]Factory)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry that device packages populate
// from their init functions.
func Default() *Registry {
	return defaultRegistry
}

// Register adds f to the default registry.
func Register(kind Kind, class string, f Factory) {
	defaultRegistry.Register(kind, class, f)
}

// Register adds f under (kind, class). It panics on an empty class, a nil
// factory or a duplicate registration.
func (r *Registry) Register(kind Kind, class string, f Factory) {
	if class == "" || f == nil {
		panic("device: Register with empty class or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{kind: kind, class: class}
	if _, dup := r.factories[key]; dup {
		panic(fmt.Sprintf("device: Register called twice for %s class %s", kind, class))
	}
	r.factories[key] = f
}

// New builds the device described by section, dispatching on its Class.
func (r *Registry) New(kind Kind, env Env, section config.Section) (Device, error) {
	class, err := section.String("Class")
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[registryKey{kind: kind, class: class}]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s class %q (known: %v)", ErrUnknownClass, kind, class, r.Classes(kind))
	}
	return f(env, section)
}

// Classes returns the registered classes of kind, sorted.
func (r *Registry) Classes(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for key := range r.factories {
		if key.kind == kind {
			out = append(out, key.class)
		}
	}
	sort.Strings(out)
	return out
}
