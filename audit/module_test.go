package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	esb "github.com/ShawnSpooner/rhino-esb"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

const (
	testEndpoint = "esb://localhost:2200/orders"
	logEndpoint  = "esb://localhost:2200/log"
)

func newTestTransport(t *testing.T, opts ...esb.Option) *esb.Transport {
	t.Helper()

	base := []esb.Option{
		esb.WithEndpoint(testEndpoint),
		esb.WithPath(t.TempDir()),
		esb.WithTransactionTimeout(5 * time.Second),
	}
	tr, err := esb.NewTransport(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Dispose() })
	return tr
}

// tryDrainRecords decodes every record currently on the log queue.
// It is safe to call from an Eventually condition.
func tryDrainRecords(tr *esb.Transport) ([]interface{}, error) {
	stored, err := tr.Queue().ListSubQueue(context.Background(), "log", "")
	if err != nil {
		return nil, err
	}

	var records []interface{}
	for _, msg := range stored {
		decoded, err := tr.Serializer().Deserialize(msg.Payload)
		if err != nil {
			return nil, err
		}
		records = append(records, decoded...)
	}
	return records, nil
}

func drainRecords(t *testing.T, tr *esb.Transport) []interface{} {
	t.Helper()
	records, err := tryDrainRecords(tr)
	require.NoError(t, err)
	return records
}

func recordTypes(records []interface{}) map[string]int {
	types := map[string]int{}
	for _, r := range records {
		types[fmt.Sprintf("%T", r)]++
	}
	return types
}

func TestModule_MirrorsLifecycleRecords(t *testing.T) {
	tr := newTestTransport(t)
	tr.OnMessageArrived(func(ctx context.Context, info *esb.CurrentMessageInformation) (bool, error) {
		return true, nil
	})

	require.NoError(t, tr.Start(context.Background()))

	module, err := New(tr, logEndpoint, nil)
	require.NoError(t, err)
	require.NoError(t, module.Init(context.Background()))
	t.Cleanup(module.Dispose)

	require.NoError(t, tr.Send(context.Background(), testEndpoint, "Hello"))

	// One sent, one arrived and one completed record.
	assert.Eventually(t, func() bool {
		records, err := tryDrainRecords(tr)
		return err == nil && len(records) == 3
	}, 5*time.Second, 50*time.Millisecond)

	types := recordTypes(drainRecords(t, tr))
	assert.Equal(t, 1, types["audit.MessageSentRecord"])
	assert.Equal(t, 1, types["audit.MessageArrivedRecord"])
	assert.Equal(t, 1, types["audit.MessageCompletedRecord"])

	records := drainRecords(t, tr)
	for _, r := range records {
		switch rec := r.(type) {
		case MessageSentRecord:
			assert.Equal(t, testEndpoint, rec.Destination)
			assert.NotEmpty(t, rec.LogID)
		case MessageArrivedRecord:
			assert.Equal(t, "Hello", rec.Message)
			assert.Equal(t, testEndpoint, rec.Source)
			assert.False(t, rec.ArrivedAt.IsZero())
		case MessageCompletedRecord:
			assert.Equal(t, "string", rec.MessageType)
			assert.GreaterOrEqual(t, rec.Duration, time.Duration(0))
		}
	}
}

func TestModule_FailureRecordSurvivesAbortedDispatch(t *testing.T) {
	tr := newTestTransport(t, esb.WithNumberOfRetries(1))
	boom := errors.New("boom")
	tr.OnMessageArrived(func(ctx context.Context, info *esb.CurrentMessageInformation) (bool, error) {
		return false, boom
	})

	require.NoError(t, tr.Start(context.Background()))

	module, err := New(tr, logEndpoint, nil)
	require.NoError(t, err)
	require.NoError(t, module.Init(context.Background()))
	t.Cleanup(module.Dispose)

	require.NoError(t, tr.Send(context.Background(), testEndpoint, "Hello"))

	assert.Eventually(t, func() bool {
		records, err := tryDrainRecords(tr)
		return err == nil && recordTypes(records)["audit.MessageFailedRecord"] == 1
	}, 5*time.Second, 50*time.Millisecond)

	for _, r := range drainRecords(t, tr) {
		if rec, ok := r.(MessageFailedRecord); ok {
			assert.Contains(t, rec.ErrorText, "boom")
			assert.Equal(t, testEndpoint, rec.Source)
			assert.False(t, rec.FailedAt.IsZero())
		}
	}
}

func TestModule_SerializationFaultRecord(t *testing.T) {
	tr := newTestTransport(t, esb.WithNumberOfRetries(1))
	require.NoError(t, tr.Start(context.Background()))

	module, err := New(tr, logEndpoint, nil)
	require.NoError(t, err)
	require.NoError(t, module.Init(context.Background()))
	t.Cleanup(module.Dispose)

	corrupt := &queue.Message{
		ID: "corrupt-1",
		Headers: map[string]string{
			queue.HeaderID:     "corrupt-1",
			queue.HeaderType:   queue.KindOrdinary,
			queue.HeaderSource: testEndpoint,
		},
		Payload: []byte("garbage"),
	}
	require.NoError(t, tr.Queue().Send(context.Background(), nil, "orders", corrupt))

	assert.Eventually(t, func() bool {
		records, err := tryDrainRecords(tr)
		return err == nil && recordTypes(records)["audit.SerializationFailureRecord"] >= 1
	}, 5*time.Second, 50*time.Millisecond)

	for _, r := range drainRecords(t, tr) {
		if rec, ok := r.(SerializationFailureRecord); ok {
			assert.Equal(t, "corrupt-1", rec.MessageID)
			assert.NotEmpty(t, rec.ErrorText)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	tr := newTestTransport(t)

	_, err := New(nil, logEndpoint, nil)
	assert.Error(t, err)

	_, err = New(tr, "not a uri", nil)
	assert.Error(t, err)

	// The log queue must live on the transport's own host.
	_, err = New(tr, "esb://elsewhere.example:2200/log", nil)
	assert.Error(t, err)

	// Init requires a started transport.
	module, err := New(tr, logEndpoint, nil)
	require.NoError(t, err)
	assert.Error(t, module.Init(context.Background()))
}
