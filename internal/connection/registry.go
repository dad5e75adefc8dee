package connection

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

// Registry maps a Class name to the Factory that builds it.
//
// Transport packages add themselves to Default from an init function;
// the binary imports them for their side effect.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds f to the default registry under class.
// It panics if class is empty or already registered.
func Register(class string, f Factory) {
	defaultRegistry.Register(class, f)
}

// Register adds f under class. It panics if class is empty or already registered.
func (r *Registry) Register(class string, f Factory) {
	if class == "" || f == nil {
		panic("connection: Register with empty class or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[class]; dup {
		panic("connection: Register called twice for class " + class)
	}
	r.factories[class] = f
}

// New builds the channel described by section, dispatching on its Class.
func (r *Registry) New(env Env, section config.Section) (Channel, error) {
	class, err := section.String("Class")
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownClass, class, r.Classes())
	}
	return f(env, section)
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for class := range r.factories {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}
