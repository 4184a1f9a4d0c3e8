package natsrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

func TestSubjectFor(t *testing.T) {
	e, err := endpoint.Parse("esb://Orders.Internal:4100/orders")
	require.NoError(t, err)

	assert.Equal(t, "esb.orders_internal.4100.orders", subjectFor("esb.", e))
	assert.Equal(t, "esb-orders_internal-4100-orders", durableFor("esb-", e))
}

func TestEnvelope_RoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	msg := &queue.Message{
		ID: "m-1",
		Headers: map[string]string{
			queue.HeaderID:   "m-1",
			queue.HeaderType: queue.KindOrdinary,
		},
		Payload:    []byte(`[{"type":"string","value":"Hello"}]`),
		EnqueuedAt: at,
	}

	data, err := encodeEnvelope(msg)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Headers, decoded.Headers)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.True(t, decoded.EnqueuedAt.Equal(at))
}

func TestDecodeEnvelope_Invalid(t *testing.T) {
	_, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)

	_, err = decodeEnvelope([]byte(`{"headers":{}}`))
	assert.Error(t, err)
}
