package esb

import (
	"context"
	"strconv"
	"sync"

	"github.com/ShawnSpooner/rhino-esb/queue"
)

// errorAction implements the retry accounting for failed dispatches. It
// occupies the distinct first slot of the failure event, so it observes
// every failure before any user subscriber can consume or transform it.
//
// Each failure re-stamps the retries header on the copy restored to the
// main queue; once the count reaches the configured bound the copy is
// relocated to the errors sub-queue and never attempted again.
type errorAction struct {
	transport *Transport

	mu     sync.Mutex
	counts map[string]int
}

func newErrorAction(t *Transport) *errorAction {
	return &errorAction{
		transport: t,
		counts:    make(map[string]int),
	}
}

// onFailure is the first failure subscriber. It runs after the dispatch
// transaction rolled back, in its own transaction.
func (ea *errorAction) onFailure(info *CurrentMessageInformation, _ error) {
	ea.mu.Lock()
	ea.counts[info.MessageID]++
	count := ea.counts[info.MessageID]
	ea.mu.Unlock()

	t := ea.transport
	ctx, cancel := context.WithTimeout(context.Background(), t.txTimeout)
	defer cancel()

	tx, err := t.manager.Begin(ctx)
	if err != nil {
		t.logger.Errorf("Error action: failed to begin transaction for message %s: %v", info.MessageID, err)
		return
	}

	stored, err := t.manager.GetByID(ctx, tx, t.endpoint.Queue, info.MessageID, "")
	if err != nil {
		// A peer worker already took the restored copy, or it was
		// quarantined concurrently. Nothing to stamp.
		_ = tx.Rollback()
		if err != queue.ErrMessageNotFound {
			t.logger.Warnf("Error action: failed to load message %s: %v", info.MessageID, err)
		}
		return
	}

	headers := stored.Headers
	headers[queue.HeaderRetries] = strconv.Itoa(count)
	if err := t.manager.UpdateHeadersByID(ctx, tx, t.endpoint.Queue, info.MessageID, "", headers); err != nil {
		t.logger.Errorf("Error action: failed to stamp retries on message %s: %v", info.MessageID, err)
		_ = tx.Rollback()
		return
	}

	if t.strategy.ShouldQuarantine(count) {
		if err := t.manager.MoveByID(ctx, tx, t.endpoint.Queue, info.MessageID, "", queue.SubQueueErrors); err != nil {
			t.logger.Errorf("Error action: failed to quarantine message %s: %v", info.MessageID, err)
			_ = tx.Rollback()
			return
		}
		t.logger.Warnf("Message %s failed %d times, moved to errors", info.MessageID, count)
	}

	if err := tx.Commit(); err != nil {
		t.logger.Errorf("Error action: failed to commit for message %s: %v", info.MessageID, err)
		return
	}

	if t.strategy.ShouldQuarantine(count) {
		ea.forget(info.MessageID)
	}
}

// reset clears the attempt counter after a successful dispatch.
func (ea *errorAction) reset(messageID string) {
	ea.forget(messageID)
}

func (ea *errorAction) forget(messageID string) {
	ea.mu.Lock()
	delete(ea.counts, messageID)
	ea.mu.Unlock()
}
