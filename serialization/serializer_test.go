package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string  `json:"orderId"`
	Total   float64 `json:"total"`
}

func TestJSONSerializer_RoundTrip(t *testing.T) {
	s := NewJSONSerializer(nil)
	s.Registry().Register("OrderPlaced", orderPlaced{})

	tests := []struct {
		name     string
		messages []interface{}
	}{
		{
			name:     "Single string",
			messages: []interface{}{"Hello"},
		},
		{
			name:     "Mixed primitives",
			messages: []interface{}{"a", 42, true, 1.5},
		},
		{
			name: "Registered struct",
			messages: []interface{}{
				orderPlaced{OrderID: "o-17", Total: 99.95},
			},
		},
		{
			name: "Struct and string sequence preserves order",
			messages: []interface{}{
				orderPlaced{OrderID: "o-1"},
				"follow-up",
				orderPlaced{OrderID: "o-2"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := s.Serialize(tt.messages)
			require.NoError(t, err)

			decoded, err := s.Deserialize(data)
			require.NoError(t, err)
			assert.Equal(t, tt.messages, decoded)
		})
	}
}

func TestJSONSerializer_EmptySequence(t *testing.T) {
	s := NewJSONSerializer(nil)

	_, err := s.Serialize(nil)
	assert.Error(t, err)

	_, err = s.Deserialize([]byte(`[]`))
	assert.Error(t, err)
}

func TestJSONSerializer_UnregisteredType(t *testing.T) {
	s := NewJSONSerializer(nil)

	type unknown struct{ A int }
	_, err := s.Serialize([]interface{}{unknown{A: 1}})
	assert.Error(t, err)

	_, err = s.Deserialize([]byte(`[{"type":"Mystery","value":{}}]`))
	assert.Error(t, err)
}

func TestJSONSerializer_MalformedPayload(t *testing.T) {
	s := NewJSONSerializer(nil)

	_, err := s.Deserialize([]byte(`this is not json`))
	assert.Error(t, err)

	_, err = s.Deserialize([]byte(`[{"type":"string","value":12`))
	assert.Error(t, err)
}

func TestRegistry_Rebinding(t *testing.T) {
	r := NewRegistry()
	// Bind the name to one type, then rebind it to another.
	r.Register("Order", "")
	r.Register("Order", orderPlaced{})

	name, err := r.NameOf(orderPlaced{})
	require.NoError(t, err)
	assert.Equal(t, "Order", name)

	typ, err := r.TypeOf("Order")
	require.NoError(t, err)
	assert.Equal(t, "orderPlaced", typ.Name())
}
