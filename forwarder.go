package esb

import (
	"context"
	"sync"
	"time"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

// forwarderIdle is how long the forwarder sleeps when the outgoing
// sub-queue is empty.
const forwarderIdle = 200 * time.Millisecond

// forwarder drains the outgoing sub-queue: each committed remote send
// is handed to the relay under a transaction, so a delivery fault rolls
// the entry back for another attempt. Attempts back off with the retry
// strategy; an entry that exhausts them is quarantined in the errors
// sub-queue.
type forwarder struct {
	transport *Transport

	mu       sync.Mutex
	attempts map[int64]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newForwarder(t *Transport) *forwarder {
	return &forwarder{
		transport: t,
		attempts:  make(map[int64]int),
		stopCh:    make(chan struct{}),
	}
}

func (f *forwarder) start() {
	f.wg.Add(1)
	go f.run()
}

func (f *forwarder) stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

func (f *forwarder) run() {
	defer f.wg.Done()

	t := f.transport
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		delay, err := f.forwardHead()
		if err != nil {
			if queue.IsClosed(err) {
				return
			}
			t.logger.Warnf("Forwarder: %v", err)
		}

		select {
		case <-f.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// forwardHead delivers the head of the outgoing sub-queue and returns
// how long to sleep before the next attempt.
func (f *forwarder) forwardHead() (time.Duration, error) {
	t := f.transport
	ctx, cancel := context.WithTimeout(context.Background(), t.txTimeout)
	defer cancel()

	head, err := t.manager.PeekSubQueue(ctx, t.endpoint.Queue, queue.SubQueueOutgoing)
	if err != nil {
		if queue.IsTimeout(err) {
			return forwarderIdle, nil
		}
		return forwarderIdle, err
	}

	dest, err := endpoint.Parse(head.Headers[queue.HeaderDestination])
	if err != nil {
		// Undeliverable by construction; quarantine immediately.
		t.logger.Errorf("Forwarder: outgoing message %s has no valid destination: %v", head.ID, err)
		return 0, f.quarantine(ctx, head.Seq)
	}

	tx, err := t.manager.Begin(ctx)
	if err != nil {
		return forwarderIdle, err
	}

	if err := t.manager.ReceiveBySeq(ctx, tx, head.Seq); err != nil {
		_ = tx.Rollback()
		if err == queue.ErrMessageNotFound {
			return 0, nil
		}
		return forwarderIdle, err
	}

	// The destination header is transport plumbing; it must not reach
	// the peer.
	delivered := &queue.Message{
		ID:      head.ID,
		Headers: head.Headers,
		Payload: head.Payload,
	}
	delete(delivered.Headers, queue.HeaderDestination)

	if err := t.relay.Deliver(ctx, dest, delivered); err != nil {
		_ = tx.Rollback()
		return f.backoff(head.Seq, dest, err), nil
	}

	if err := tx.Commit(); err != nil {
		return forwarderIdle, err
	}

	f.mu.Lock()
	delete(f.attempts, head.Seq)
	f.mu.Unlock()

	t.logger.Debugf("Forwarded message %s to %s", head.ID, dest.URI())
	return 0, nil
}

// backoff records a failed attempt and either schedules the next one or
// quarantines the entry.
func (f *forwarder) backoff(seq int64, dest endpoint.Endpoint, deliveryErr error) time.Duration {
	t := f.transport

	f.mu.Lock()
	f.attempts[seq]++
	attempt := f.attempts[seq]
	f.mu.Unlock()

	if t.strategy.ShouldQuarantine(attempt) {
		t.logger.Errorf("Forwarder: delivery to %s failed %d times, quarantining: %v",
			dest.URI(), attempt, deliveryErr)
		ctx, cancel := context.WithTimeout(context.Background(), t.txTimeout)
		defer cancel()
		if err := f.quarantine(ctx, seq); err != nil {
			t.logger.Errorf("Forwarder: failed to quarantine outgoing entry: %v", err)
		}
		return 0
	}

	delay := t.strategy.Delay(attempt)
	t.logger.Warnf("Forwarder: delivery to %s failed (attempt %d, next in %v): %v",
		dest.URI(), attempt, delay, deliveryErr)
	return delay
}

func (f *forwarder) quarantine(ctx context.Context, seq int64) error {
	f.mu.Lock()
	delete(f.attempts, seq)
	f.mu.Unlock()
	return f.transport.manager.MoveBySeq(ctx, nil, seq, queue.SubQueueErrors)
}
