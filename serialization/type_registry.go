package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/mmate-transit/contracts"
)

// TypeRegistry maps message type URNs to Go types
type TypeRegistry struct {
	types map[string]reflect.Type
	urns  map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		urns:  make(map[reflect.Type]string),
	}
}

// Register records t under its URN. Registering the same type twice is a
// no-op; registering a different type under an existing URN fails.
func (r *TypeRegistry) Register(t reflect.Type) (string, error) {
	if t == nil {
		return "", fmt.Errorf("message type cannot be nil")
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	urn := contracts.URN(t)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[urn]; exists {
		if existing == t {
			return urn, nil
		}
		return "", fmt.Errorf("urn %s already registered to %v", urn, existing)
	}
	r.types[urn] = t
	r.urns[t] = urn
	return urn, nil
}

// RegisterType records T in r and returns its URN
func RegisterType[T any](r *TypeRegistry) (string, error) {
	return r.Register(reflect.TypeOf((*T)(nil)).Elem())
}

// Lookup returns the type registered under urn
func (r *TypeRegistry) Lookup(urn string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[urn]
	return t, ok
}

// IsRegistered reports whether urn is known
func (r *TypeRegistry) IsRegistered(urn string) bool {
	_, ok := r.Lookup(urn)
	return ok
}

// URN returns the URN t was registered under
func (r *TypeRegistry) URN(t reflect.Type) (string, bool) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	urn, ok := r.urns[t]
	return urn, ok
}

// New returns a pointer to a zero value of the type registered under urn
func (r *TypeRegistry) New(urn string) (any, error) {
	t, ok := r.Lookup(urn)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, urn)
	}
	return reflect.New(t).Interface(), nil
}

// Decode resolves the first registered URN of env and decodes the payload
// into a new value of that type. The value is returned as a pointer.
func (r *TypeRegistry) Decode(env *contracts.Envelope) (string, any, error) {
	urn, err := ResolveMessageType(env, r.IsRegistered)
	if err != nil {
		return "", nil, err
	}
	v, err := r.New(urn)
	if err != nil {
		return "", nil, err
	}
	if isEmptyPayload(env.Message) {
		return urn, nil, &DeserializationError{Op: "decode message", URN: urn, Err: fmt.Errorf("empty message")}
	}
	if err := Unmarshal(env.Message, v); err != nil {
		return urn, nil, &DeserializationError{Op: "decode message", URN: urn, Err: err}
	}
	return urn, v, nil
}

// ListTypes returns the registered URNs in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	urns := make([]string, 0, len(r.types))
	for urn := range r.types {
		urns = append(urns, urn)
	}
	sort.Strings(urns)
	return urns
}
