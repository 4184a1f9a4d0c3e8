package esb

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShawnSpooner/rhino-esb/queue"
	"github.com/ShawnSpooner/rhino-esb/serialization"
)

const testEndpoint = "esb://localhost:2200/orders"

func newTestTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()

	base := []Option{
		WithEndpoint(testEndpoint),
		WithPath(t.TempDir()),
		WithTransactionTimeout(5 * time.Second),
	}
	tr, err := NewTransport(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Dispose() })
	return tr
}

func startTransport(t *testing.T, tr *Transport) {
	t.Helper()
	require.NoError(t, tr.Start(context.Background()))
}

// recorder collects event observations under a lock.
type recorder struct {
	mu          sync.Mutex
	arrivals    []interface{}
	completions []error
	failures    []error
	sequence    []string
}

func (r *recorder) record(kind string) {
	r.mu.Lock()
	r.sequence = append(r.sequence, kind)
	r.mu.Unlock()
}

func (r *recorder) arrivalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.arrivals)
}

func (r *recorder) completionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completions)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func TestTransport_ConsumedMessage(t *testing.T) {
	tr := newTestTransport(t)
	rec := &recorder{}

	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		rec.mu.Lock()
		rec.arrivals = append(rec.arrivals, info.AllMessages...)
		rec.mu.Unlock()
		return true, nil
	})
	tr.OnMessageProcessingCompleted(func(info *CurrentMessageInformation, err error) {
		rec.mu.Lock()
		rec.completions = append(rec.completions, err)
		rec.mu.Unlock()
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint, "Hello"))

	assert.Eventually(t, func() bool {
		return rec.completionCount() == 1
	}, 5*time.Second, 50*time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, []interface{}{"Hello"}, rec.arrivals)
	assert.Len(t, rec.completions, 1)
	assert.NoError(t, rec.completions[0])
	rec.mu.Unlock()

	// No terminal sub-queue holds anything.
	ctx := context.Background()
	for _, sub := range []string{queue.SubQueueErrors, queue.SubQueueDiscarded, queue.SubQueueTimeout} {
		n, err := tr.Queue().Count(ctx, "orders", sub)
		require.NoError(t, err)
		assert.Zero(t, n, "sub-queue %q should be empty", sub)
	}
}

func TestTransport_FailingMessageIsQuarantined(t *testing.T) {
	tr := newTestTransport(t, WithNumberOfRetries(3))
	rec := &recorder{}
	boom := errors.New("boom")

	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		return false, boom
	})
	tr.OnMessageProcessingFailure(func(info *CurrentMessageInformation, err error) {
		rec.mu.Lock()
		rec.failures = append(rec.failures, err)
		rec.mu.Unlock()
	})

	var beforeCommitCalls atomic.Int32
	tr.OnBeforeMessageTransactionCommit(func(ctx context.Context, info *CurrentMessageInformation) error {
		beforeCommitCalls.Add(1)
		return nil
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint, "Hello"))

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		n, err := tr.Queue().Count(ctx, "orders", queue.SubQueueErrors)
		return err == nil && n == 1 && rec.failureCount() == 3
	}, 10*time.Second, 50*time.Millisecond)

	assert.Equal(t, 3, rec.failureCount())
	for _, err := range rec.failures {
		assert.ErrorIs(t, err, boom)
	}
	assert.Zero(t, beforeCommitCalls.Load())

	// The quarantined copy carries the final retries header.
	parked, err := tr.Queue().ListSubQueue(ctx, "orders", queue.SubQueueErrors)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, 3, parked[0].Retries())

	// Quarantined messages are never dispatched again.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 3, rec.failureCount())
}

func TestTransport_DeferredMessage(t *testing.T) {
	tr := newTestTransport(t)
	rec := &recorder{}

	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		rec.mu.Lock()
		rec.arrivals = append(rec.arrivals, info.CurrentMessage)
		rec.mu.Unlock()
		return true, nil
	})

	startTransport(t, tr)

	processAgainAt := time.Now().Add(1500 * time.Millisecond)
	require.NoError(t, tr.SendAt(context.Background(), testEndpoint, processAgainAt, "later"))

	// The message parks in the timeout sub-queue without arriving.
	ctx := context.Background()
	assert.Eventually(t, func() bool {
		n, err := tr.Queue().Count(ctx, "orders", queue.SubQueueTimeout)
		return err == nil && n == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Zero(t, rec.arrivalCount())

	// After the send time (plus a scheduler tick) it arrives exactly once.
	assert.Eventually(t, func() bool {
		return rec.arrivalCount() == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.False(t, time.Now().Before(processAgainAt))

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.arrivalCount())
}

func TestTransport_UnconsumedMessageIsDiscarded(t *testing.T) {
	tr := newTestTransport(t)
	rec := &recorder{}

	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		return false, nil
	})
	tr.OnMessageProcessingCompleted(func(info *CurrentMessageInformation, err error) {
		rec.mu.Lock()
		rec.completions = append(rec.completions, err)
		rec.mu.Unlock()
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint, "nobody wants this"))

	ctx := context.Background()
	assert.Eventually(t, func() bool {
		n, err := tr.Queue().Count(ctx, "orders", queue.SubQueueDiscarded)
		return err == nil && n == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Equal(t, 1, rec.completionCount())
	assert.NoError(t, rec.completions[0])

	// The discarded copy stays retrievable.
	parked, err := tr.Queue().ListSubQueue(ctx, "orders", queue.SubQueueDiscarded)
	require.NoError(t, err)
	require.Len(t, parked, 1)
}

func TestTransport_CorruptPayload(t *testing.T) {
	tr := newTestTransport(t, WithNumberOfRetries(3))

	serializationFaults := 0
	var mu sync.Mutex
	tr.OnMessageSerializationException(func(info *CurrentMessageInformation, err error) {
		mu.Lock()
		serializationFaults++
		mu.Unlock()
	})

	startTransport(t, tr)

	// Inject unparseable bytes straight through the queue engine.
	corrupt := &queue.Message{
		ID: "corrupt-1",
		Headers: map[string]string{
			queue.HeaderID:     "corrupt-1",
			queue.HeaderType:   queue.KindOrdinary,
			queue.HeaderSource: testEndpoint,
		},
		Payload: []byte("\x00 definitely not a payload"),
	}
	ctx := context.Background()
	require.NoError(t, tr.Queue().Send(ctx, nil, "orders", corrupt))

	assert.Eventually(t, func() bool {
		n, err := tr.Queue().Count(ctx, "orders", queue.SubQueueErrors)
		return err == nil && n == 1
	}, 10*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, serializationFaults)
	mu.Unlock()

	parked, err := tr.Queue().ListSubQueue(ctx, "orders", queue.SubQueueErrors)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "corrupt-1", parked[0].ID)
}

func TestTransport_ConcurrentProducers(t *testing.T) {
	tr := newTestTransport(t, WithThreadCount(2))

	var mu sync.Mutex
	seen := map[string]int{}
	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		mu.Lock()
		seen[info.CurrentMessage.(string)]++
		mu.Unlock()
		return true, nil
	})

	startTransport(t, tr)

	payloads := []string{"first", "second", "third"}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			assert.NoError(t, tr.Send(context.Background(), testEndpoint, p))
		}(p)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 10*time.Second, 50*time.Millisecond)

	// Settle, then check nothing was processed twice.
	time.Sleep(500 * time.Millisecond)
	mu.Lock()
	for _, p := range payloads {
		assert.Equal(t, 1, seen[p], "payload %q", p)
	}
	mu.Unlock()
}

func TestTransport_EventOrdering(t *testing.T) {
	t.Run("Success path", func(t *testing.T) {
		tr := newTestTransport(t)
		rec := &recorder{}

		tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
			rec.record("arrived")
			return true, nil
		})
		tr.OnBeforeMessageTransactionCommit(func(ctx context.Context, info *CurrentMessageInformation) error {
			rec.record("before-commit")
			return nil
		})
		tr.OnMessageProcessingCompleted(func(info *CurrentMessageInformation, err error) {
			rec.record("completed")
		})
		tr.OnMessageProcessingFailure(func(info *CurrentMessageInformation, err error) {
			rec.record("failure")
		})

		startTransport(t, tr)
		require.NoError(t, tr.Send(context.Background(), testEndpoint, "ok"))

		assert.Eventually(t, func() bool {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			return len(rec.sequence) == 3
		}, 5*time.Second, 50*time.Millisecond)

		rec.mu.Lock()
		assert.Equal(t, []string{"arrived", "before-commit", "completed"}, rec.sequence)
		rec.mu.Unlock()
	})

	t.Run("Failure path", func(t *testing.T) {
		tr := newTestTransport(t, WithNumberOfRetries(1))
		rec := &recorder{}

		tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
			rec.record("arrived")
			return false, errors.New("boom")
		})
		tr.OnBeforeMessageTransactionCommit(func(ctx context.Context, info *CurrentMessageInformation) error {
			rec.record("before-commit")
			return nil
		})
		tr.OnMessageProcessingCompleted(func(info *CurrentMessageInformation, err error) {
			rec.record("completed")
		})
		tr.OnMessageProcessingFailure(func(info *CurrentMessageInformation, err error) {
			rec.record("failure")
		})

		startTransport(t, tr)
		require.NoError(t, tr.Send(context.Background(), testEndpoint, "bad"))

		assert.Eventually(t, func() bool {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			return len(rec.sequence) == 3
		}, 5*time.Second, 50*time.Millisecond)

		rec.mu.Lock()
		assert.Equal(t, []string{"arrived", "failure", "completed"}, rec.sequence)
		rec.mu.Unlock()
	})
}

func TestTransport_Reply(t *testing.T) {
	tr := newTestTransport(t)

	var mu sync.Mutex
	var got []string
	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		s, ok := info.CurrentMessage.(string)
		if !ok {
			return false, nil
		}
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
		if s == "ping" {
			return true, tr.Reply(ctx, "pong")
		}
		return true, nil
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint, "ping"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"ping", "pong"}, got)
	mu.Unlock()
}

func TestTransport_Reply_OutsideDispatch(t *testing.T) {
	tr := newTestTransport(t)
	startTransport(t, tr)

	err := tr.Reply(context.Background(), "orphan")
	assert.ErrorIs(t, err, ErrNoCurrentMessage)
}

func TestTransport_MessageSentEvent(t *testing.T) {
	tr := newTestTransport(t)

	var mu sync.Mutex
	var sent []*SentMessageInformation
	tr.OnMessageSent(func(info *SentMessageInformation) {
		mu.Lock()
		sent = append(sent, info)
		mu.Unlock()
	})
	tr.OnMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		return true, nil
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint, "Hello"))

	mu.Lock()
	require.Len(t, sent, 1)
	assert.Equal(t, testEndpoint, sent[0].Destination)
	assert.Equal(t, testEndpoint, sent[0].Source)
	assert.Equal(t, []interface{}{"Hello"}, sent[0].Messages)
	assert.NotEmpty(t, sent[0].MessageID)
	mu.Unlock()
}

func TestTransport_EnlistedSend(t *testing.T) {
	tr := newTestTransport(t)
	startTransport(t, tr)

	ctx := context.Background()
	require.NoError(t, tr.Queue().CreateQueue(ctx, "other"))

	// Aborted caller transaction: nothing reaches the destination.
	tx, err := tr.Queue().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Send(queue.ContextWithTx(ctx, tx), "esb://localhost:2200/other", "lost"))
	require.NoError(t, tx.Rollback())

	n, err := tr.Queue().Count(ctx, "other", "")
	require.NoError(t, err)
	assert.Zero(t, n)

	// Committed caller transaction: exactly one copy.
	tx, err = tr.Queue().Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.Send(queue.ContextWithTx(ctx, tx), "esb://localhost:2200/other", "kept"))
	require.NoError(t, tx.Commit())

	n, err = tr.Queue().Count(ctx, "other", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransport_RemoteSendWithoutRelay(t *testing.T) {
	tr := newTestTransport(t)
	startTransport(t, tr)

	err := tr.Send(context.Background(), "esb://far.away.example:2200/orders", "Hello")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeDelivery))
}

func TestTransport_SendBeforeStart(t *testing.T) {
	tr, err := NewTransport(
		WithEndpoint(testEndpoint),
		WithPath(t.TempDir()),
	)
	require.NoError(t, err)

	err = tr.Send(context.Background(), testEndpoint, "early")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestTransport_StartTwice(t *testing.T) {
	tr := newTestTransport(t)
	startTransport(t, tr)

	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeConfiguration))
}

func TestNewTransport_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{
			name: "Missing endpoint",
			opts: []Option{WithPath("/tmp/esb")},
		},
		{
			name: "Missing store",
			opts: []Option{WithEndpoint(testEndpoint)},
		},
		{
			name: "Invalid endpoint URI",
			opts: []Option{WithEndpoint("not a uri"), WithPath("/tmp/esb")},
		},
		{
			name: "Sub-queue endpoint",
			opts: []Option{WithEndpoint(testEndpoint + ";subqueue=errors"), WithPath("/tmp/esb")},
		},
		{
			name: "Zero thread count",
			opts: []Option{WithEndpoint(testEndpoint), WithPath("/tmp/esb"), WithThreadCount(0)},
		},
		{
			name: "Zero retries",
			opts: []Option{WithEndpoint(testEndpoint), WithPath("/tmp/esb"), WithNumberOfRetries(0)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransport(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestTransport_AdministrativeMessage(t *testing.T) {
	tr := newTestTransport(t)

	js, ok := tr.Serializer().(*serialization.JSONSerializer)
	require.True(t, ok)
	js.Registry().Register("SubscribeRequest", subscribeRequest{})

	var adminArrivals, adminCompletions, beforeCommits atomic.Int32
	tr.OnAdministrativeMessageArrived(func(ctx context.Context, info *CurrentMessageInformation) (bool, error) {
		adminArrivals.Add(1)
		return true, nil
	})
	tr.OnAdministrativeMessageProcessingCompleted(func(info *CurrentMessageInformation, err error) {
		adminCompletions.Add(1)
	})
	tr.OnBeforeMessageTransactionCommit(func(ctx context.Context, info *CurrentMessageInformation) error {
		beforeCommits.Add(1)
		return nil
	})

	startTransport(t, tr)
	require.NoError(t, tr.Send(context.Background(), testEndpoint,
		subscribeRequest{Endpoint: "esb://localhost:2200/billing"}))

	assert.Eventually(t, func() bool {
		return adminCompletions.Load() == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Equal(t, int32(1), adminArrivals.Load())
	// Administrative dispatches never run the pre-commit hook.
	assert.Zero(t, beforeCommits.Load())
}
