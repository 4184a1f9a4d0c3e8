package esb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
	"github.com/ShawnSpooner/rhino-esb/relay"
	"github.com/ShawnSpooner/rhino-esb/retry"
	"github.com/ShawnSpooner/rhino-esb/serialization"
)

const (
	// peekTimeout bounds each blocking peek so workers re-check the run
	// flag at least this often.
	peekTimeout = 1 * time.Second

	// receiveTimeout bounds the receive after a successful peek. A
	// timeout here means a peer worker took the peeked message.
	receiveTimeout = 1 * time.Second

	// disposeRetries and disposeBackoff pace the queue engine teardown
	// so in-flight workers can finish their dispatch first.
	disposeRetries = 5
	disposeBackoff = 50 * time.Millisecond
)

// Transport moves messages between endpoints with at-least-once
// delivery: a fixed pool of workers receives from the persistent local
// queue under a transaction, dispatches to subscribers, and commits or
// rolls back atomically with the queue state.
//
// Construct with NewTransport, wire subscribers through the On* event
// methods, then call Start. Dispose drains the workers; each finishes
// at most one in-flight dispatch.
type Transport struct {
	endpoint    endpoint.Endpoint
	threadCount int
	storePath   string
	storeDriver string
	storeDSN    string
	isolation   sql.IsolationLevel
	txTimeout   time.Duration
	strategy    retry.Strategy
	serializer  serialization.Serializer
	logger      Logger
	relay       relay.Relay

	manager     *queue.Manager
	events      *events
	errorAction *errorAction
	scheduler   *timeoutScheduler
	forwarder   *forwarder

	running atomic.Bool
	started atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewTransport creates a transport with the provided options.
//
// Required options:
//   - WithEndpoint: the local endpoint URI
//   - WithPath or WithDatabase: the persistent store
//
// Everything else has defaults: one worker, five retries, serializable
// isolation, 30s transaction timeout, JSON serialization, no logging.
func NewTransport(opts ...Option) (*Transport, error) {
	t := &Transport{
		threadCount: 1,
		isolation:   sql.LevelSerializable,
		txTimeout:   30 * time.Second,
		strategy:    retry.DefaultStrategy(),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply option", err)
		}
	}

	if t.endpoint.Queue == "" {
		return nil, NewError(ErrCodeConfiguration, "an endpoint is required (use WithEndpoint)")
	}
	if t.storePath == "" && t.storeDSN == "" {
		return nil, NewError(ErrCodeConfiguration, "a store is required (use WithPath or WithDatabase)")
	}
	if t.serializer == nil {
		t.serializer = serialization.NewJSONSerializer(nil)
	}
	if t.logger == nil {
		t.logger = &NoopLogger{}
	}

	t.events = &events{logger: t.logger}
	return t, nil
}

// Endpoint returns the local endpoint.
func (t *Transport) Endpoint() endpoint.Endpoint { return t.endpoint }

// Serializer returns the injected payload serializer.
func (t *Transport) Serializer() serialization.Serializer { return t.serializer }

// Queue returns the queue engine handle once the transport is started.
func (t *Transport) Queue() *queue.Manager { return t.manager }

// Start opens the persistent queue, creates the main queue (its
// sub-queues are partitions of it and need no creation of their own),
// starts the timeout scheduler (and the outgoing forwarder when a relay
// is configured), spawns the workers and fires Started.
//
// Start must be called exactly once per transport.
func (t *Transport) Start(ctx context.Context) error {
	if t.started.Swap(true) {
		return NewError(ErrCodeConfiguration, "transport already started")
	}

	managerOpts := []queue.Option{
		queue.WithIsolationLevel(t.isolation),
		queue.WithTransactionTimeout(t.txTimeout),
		queue.WithManagerLogger(t.logger),
	}
	if t.storeDSN != "" {
		managerOpts = append(managerOpts, queue.WithDatabase(t.storeDriver, t.storeDSN))
	} else {
		managerOpts = append(managerOpts, queue.WithPath(t.storePath))
	}

	manager, err := queue.Open(managerOpts...)
	if err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to open queue engine", err)
	}
	t.manager = manager

	if err := manager.CreateQueue(ctx, t.endpoint.Queue); err != nil {
		_ = manager.Close()
		return NewErrorWithCause(ErrCodeQueue,
			fmt.Sprintf("failed to create queue %q", t.endpoint.Queue), err)
	}

	t.baseCtx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.running.Store(true)

	t.errorAction = newErrorAction(t)
	t.events.mu.Lock()
	t.events.errorAction = t.errorAction.onFailure
	t.events.mu.Unlock()

	t.scheduler = newTimeoutScheduler(t.manager, t.endpoint.Queue, t.logger)
	if err := t.scheduler.recover(ctx); err != nil {
		t.logger.Warnf("Failed to recover deferred messages: %v", err)
	}
	t.scheduler.start()

	if t.relay != nil {
		t.forwarder = newForwarder(t)
		t.forwarder.start()
		t.wg.Add(1)
		go t.listen()
	}

	for i := 0; i < t.threadCount; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}

	t.logger.Infof("Transport started on %s (workers=%d, retries=%d)",
		t.endpoint.URI(), t.threadCount, t.strategy.MaxRetries)
	t.events.fireStarted()
	return nil
}

// Dispose clears the run flag, disposes the timeout scheduler and the
// queue engine, then joins all workers. Each worker finishes at most
// one in-flight dispatch; its transaction commits or rolls back in
// full.
func (t *Transport) Dispose() error {
	if !t.started.Load() || !t.running.Swap(false) {
		return nil
	}

	// Wake workers blocked in a peek; the message itself is ignored by
	// whoever drains it.
	wake := &queue.Message{
		ID:      uuid.NewString(),
		Headers: map[string]string{queue.HeaderType: queue.KindShutdown},
		Payload: []byte("[]"),
	}
	wakeCtx, cancelWake := context.WithTimeout(context.Background(), time.Second)
	if err := t.manager.Send(wakeCtx, nil, t.endpoint.Queue, wake); err != nil {
		t.logger.Debugf("Shutdown wake-up not enqueued: %v", err)
	}
	cancelWake()

	t.scheduler.stop()
	if t.forwarder != nil {
		t.forwarder.stop()
	}

	// Closing the engine waits for in-use connections, so a worker
	// mid-dispatch resolves its transaction in full before teardown.
	var closeErr error
	for attempt := 0; attempt < disposeRetries; attempt++ {
		if closeErr = t.manager.Close(); closeErr == nil {
			break
		}
		time.Sleep(disposeBackoff)
	}
	if closeErr != nil {
		t.logger.Errorf("Queue engine did not close cleanly: %v", closeErr)
	}

	t.cancel()
	t.wg.Wait()
	if t.relay != nil {
		if err := t.relay.Close(); err != nil {
			t.logger.Warnf("Relay close failed: %v", err)
		}
	}

	t.logger.Info("Transport disposed")
	return closeErr
}

// worker runs the peek → receive-under-transaction → dispatch loop.
func (t *Transport) worker(id int) {
	defer t.wg.Done()

	for t.running.Load() {
		_, err := t.manager.Peek(t.baseCtx, t.endpoint.Queue, peekTimeout)
		if err != nil {
			if queue.IsTimeout(err) {
				continue
			}
			if queue.IsClosed(err) {
				return
			}
			t.logger.Errorf("Worker %d: peek failed, exiting: %v", id, err)
			return
		}

		if !t.running.Load() {
			return
		}

		dispatchCtx, cancel := context.WithTimeout(t.baseCtx, t.txTimeout)
		t.receiveAndDispatch(dispatchCtx, id)
		cancel()
	}
}

// receiveAndDispatch opens the dispatch transaction, receives one
// message and routes it by kind. Errors never escape: anything beyond
// the benign indications is logged and the loop continues.
func (t *Transport) receiveAndDispatch(ctx context.Context, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("Worker %d: dispatch panic: %v", workerID, r)
		}
	}()

	tx, err := t.manager.Begin(ctx)
	if err != nil {
		if !queue.IsTimeout(err) && !queue.IsClosed(err) {
			t.logger.Warnf("Worker %d: failed to begin transaction: %v", workerID, err)
		}
		return
	}

	msg, err := t.manager.Receive(ctx, tx, t.endpoint.Queue, receiveTimeout)
	if err != nil {
		_ = tx.Rollback()
		if !queue.IsTimeout(err) && !queue.IsClosed(err) {
			t.logger.Errorf("Worker %d: receive failed: %v", workerID, err)
		}
		return
	}

	switch msg.Kind() {
	case queue.KindShutdown:
		if err := tx.Commit(); err != nil {
			t.logger.Debugf("Worker %d: shutdown message commit failed: %v", workerID, err)
		}

	case queue.KindTimeout:
		t.deferMessage(ctx, tx, msg)

	case queue.KindAdministrative:
		t.processMessage(ctx, tx, msg, true)

	default:
		t.processMessage(ctx, tx, msg, false)
	}
}

// deferMessage parks a future-dated message in the timeout sub-queue
// and registers it with the scheduler. A message whose send-time has
// already passed is dispatched as ordinary.
func (t *Transport) deferMessage(ctx context.Context, tx *sql.Tx, msg *queue.Message) {
	at, err := msg.TimeToSend()
	if err != nil || !at.After(time.Now()) {
		t.processMessage(ctx, tx, msg, false)
		return
	}

	parked := &queue.Message{
		ID:       msg.ID,
		SubQueue: queue.SubQueueTimeout,
		Headers:  msg.Headers,
		Payload:  msg.Payload,
	}
	if err := t.manager.Send(ctx, tx, t.endpoint.Queue, parked); err != nil {
		t.logger.Errorf("Failed to park deferred message %s: %v", msg.ID, err)
		_ = tx.Rollback()
		return
	}
	if err := tx.Commit(); err != nil {
		t.logger.Errorf("Failed to commit deferral of message %s: %v", msg.ID, err)
		return
	}

	t.scheduler.add(at, msg.ID)
	t.logger.Debugf("Deferred message %s until %s", msg.ID, queue.FormatTimeToSend(at))
}

// listen feeds remotely received messages into the local main queue.
func (t *Transport) listen() {
	defer t.wg.Done()

	err := t.relay.Listen(t.baseCtx, t.endpoint, func(msg *queue.Message) error {
		ctx, cancel := context.WithTimeout(t.baseCtx, t.txTimeout)
		defer cancel()
		msg.SubQueue = ""
		return t.manager.Send(ctx, nil, t.endpoint.Queue, msg)
	})
	if err != nil && t.running.Load() {
		t.logger.Errorf("Relay listener stopped: %v", err)
	}
}
