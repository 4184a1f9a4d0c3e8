// Package serialization defines the message serializer contract and the
// default JSON implementation backed by a type registry.
//
// A payload carries a non-empty ordered sequence of logical messages.
// Each element travels as an envelope naming its registered type, so the
// receiving side can decode into the concrete Go value the consumer
// registered.
package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer converts a logical message sequence to payload bytes and
// back. Implementations must satisfy deserialize(serialize(p)) == p for
// every registered payload p.
type Serializer interface {
	// Serialize encodes the ordered sequence into payload bytes.
	Serialize(messages []interface{}) ([]byte, error)

	// Deserialize decodes payload bytes back into the sequence.
	// An empty decoded sequence is a protocol violation.
	Deserialize(data []byte) ([]interface{}, error)

	// Name identifies the wire format.
	Name() string
}

// Registry maps logical type names to Go types for decoding.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewRegistry creates a registry pre-populated with the primitive types
// a bare payload may carry.
func NewRegistry() *Registry {
	r := &Registry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
	r.Register("string", "")
	r.Register("int", int(0))
	r.Register("float64", float64(0))
	r.Register("bool", false)
	return r
}

// Register binds a logical type name to the concrete type of prototype.
// Registering an existing name overwrites the binding.
func (r *Registry) Register(name string, prototype interface{}) {
	t := reflect.TypeOf(prototype)
	r.mu.Lock()
	r.types[name] = t
	r.names[t] = name
	r.mu.Unlock()
}

// NameOf resolves the registered name of v's type.
func (r *Registry) NameOf(v interface{}) (string, error) {
	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, ok := r.names[t]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("type %T is not registered", v)
	}
	return name, nil
}

// TypeOf resolves the Go type registered under name.
func (r *Registry) TypeOf(name string) (reflect.Type, error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type name %q is not registered", name)
	}
	return t, nil
}

// envelope is the per-element wire form.
type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// JSONSerializer is the default Serializer: a JSON array of typed
// envelopes resolved against a Registry.
type JSONSerializer struct {
	registry *Registry
}

// NewJSONSerializer creates a JSON serializer over the given registry.
// A nil registry gets a fresh one with the primitive bindings.
func NewJSONSerializer(registry *Registry) *JSONSerializer {
	if registry == nil {
		registry = NewRegistry()
	}
	return &JSONSerializer{registry: registry}
}

// Registry exposes the serializer's type registry so modules can bind
// their own record types.
func (s *JSONSerializer) Registry() *Registry { return s.registry }

// Name implements Serializer.
func (s *JSONSerializer) Name() string { return "json" }

// Serialize implements Serializer.
func (s *JSONSerializer) Serialize(messages []interface{}) ([]byte, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("cannot serialize an empty message sequence")
	}

	envelopes := make([]envelope, len(messages))
	for i, msg := range messages {
		name, err := s.registry.NameOf(msg)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s element: %w", name, err)
		}
		envelopes[i] = envelope{Type: name, Value: value}
	}
	return json.Marshal(envelopes)
}

// Deserialize implements Serializer.
func (s *JSONSerializer) Deserialize(data []byte) ([]interface{}, error) {
	var envelopes []envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if len(envelopes) == 0 {
		return nil, fmt.Errorf("payload carries no messages")
	}

	out := make([]interface{}, len(envelopes))
	for i, env := range envelopes {
		t, err := s.registry.TypeOf(env.Type)
		if err != nil {
			return nil, err
		}
		holder := reflect.New(t)
		if err := json.Unmarshal(env.Value, holder.Interface()); err != nil {
			return nil, fmt.Errorf("failed to decode %s element: %w", env.Type, err)
		}
		out[i] = holder.Elem().Interface()
	}
	return out, nil
}
