package contracts

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps Go payload types to explicit message type names
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register binds typeName to the Go type of sample. Pointer and value forms
// of the same type resolve to the same name.
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if sample == nil {
		return fmt.Errorf("sample cannot be nil")
	}

	t := baseType(reflect.TypeOf(sample))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, exists := r.names[t]; exists {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// NameOf returns the registered name for the Go type of v
func (r *TypeRegistry) NameOf(v any) (string, bool) {
	if v == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[baseType(reflect.TypeOf(v))]
	return name, ok
}

// IsRegistered checks if a type name is registered
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// ListTypes returns all registered type names in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func baseType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
