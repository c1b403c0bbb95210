package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MutatorKeySeparator joins a mutator's namespace and name on the wire.
const MutatorKeySeparator = "|"

// MutatorFunc applies one custom mutation. It runs inside the
// mutation's transaction; returning an error aborts that transaction
// and reports the mutation as an app error.
type MutatorFunc func(ctx context.Context, tx *Transaction, args json.RawMessage) error

// MutatorKey builds the registry key for a namespaced mutator.
func MutatorKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + MutatorKeySeparator + name
}

// MutatorRegistry maps mutation names to their implementations. Names
// are either bare ("createIssue") or namespaced ("issue|setTitle").
type MutatorRegistry struct {
	mu       sync.RWMutex
	mutators map[string]MutatorFunc
	ordering []string
}

// NewMutatorRegistry creates an empty registry.
func NewMutatorRegistry() *MutatorRegistry {
	return &MutatorRegistry{mutators: make(map[string]MutatorFunc)}
}

// Register adds a mutator under name.
func (r *MutatorRegistry) Register(name string, fn MutatorFunc) error {
	if name == "" {
		return fmt.Errorf("mutator name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("mutator %s cannot be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.mutators[name]; exists {
		return fmt.Errorf("mutator %s already registered", name)
	}
	r.mutators[name] = fn
	r.ordering = append(r.ordering, name)
	return nil
}

// MustRegister registers a mutator or panics, for init-time wiring.
func (r *MutatorRegistry) MustRegister(name string, fn MutatorFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the mutator registered under name.
func (r *MutatorRegistry) Lookup(name string) (MutatorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.mutators[name]
	return fn, ok
}

// Names lists registered mutators in registration order.
func (r *MutatorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.ordering))
	copy(names, r.ordering)
	return names
}
