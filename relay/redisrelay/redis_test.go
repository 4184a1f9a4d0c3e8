package redisrelay

import (
	"encoding/base64"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

func TestStreamFor(t *testing.T) {
	e, err := endpoint.Parse("esb://Billing.Internal:2200/billing")
	require.NoError(t, err)

	assert.Equal(t, "esb:billing.internal:2200:billing", streamFor("esb:", e))
}

func TestEntry_RoundTrip(t *testing.T) {
	msg := &queue.Message{
		ID: "m-1",
		Headers: map[string]string{
			queue.HeaderID:   "m-1",
			queue.HeaderType: queue.KindOrdinary,
		},
		Payload: []byte(`[{"type":"string","value":"Hello"}]`),
	}

	values, err := encodeEntry(msg)
	require.NoError(t, err)

	decoded, err := decodeEntry(redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"id":         values["id"],
			"headers":    values["headers"],
			"payload":    values["payload"],
			"enqueuedAt": values["enqueuedAt"],
		},
	})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Headers, decoded.Headers)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestDecodeEntry_Invalid(t *testing.T) {
	_, err := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = decodeEntry(redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"id":      "m-1",
			"headers": "{broken",
			"payload": base64.StdEncoding.EncodeToString([]byte("x")),
		},
	})
	assert.Error(t, err)

	_, err = decodeEntry(redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"id":      "m-1",
			"headers": "{}",
			"payload": "%%% not base64 %%%",
		},
	})
	assert.Error(t, err)
}
