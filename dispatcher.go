package esb

import (
	"context"
	"database/sql"
	"time"

	"github.com/ShawnSpooner/rhino-esb/queue"
)

// processMessage decodes a received transport message, dispatches every
// decoded element to the arrival subscribers and resolves the enclosing
// transaction. Administrative dispatches use the administrative event
// pair and skip the pre-commit hook.
//
// Every message reaches exactly one terminal fate inside its
// transaction: consumed (commit), discarded (commit, copy in the
// discarded sub-queue), or returned to the queue for retry (rollback,
// with the error action deciding when it moves to errors instead).
func (t *Transport) processMessage(ctx context.Context, tx *sql.Tx, msg *queue.Message, administrative bool) {
	info := &CurrentMessageInformation{
		MessageID:           msg.ID,
		Source:              msg.Headers[queue.HeaderSource],
		Destination:         t.endpoint.URI(),
		TransportMessageSeq: msg.Seq,
		Queue:               t.manager,
		ArrivedAt:           time.Now(),
	}
	if info.Source == "" {
		// Deserialization may fail before any header can be trusted;
		// the engine's from header is the only origin left.
		info.Source = msg.Headers[queue.HeaderFrom]
	}

	arrived := snapshot(t.events, t.events.arrived)
	completed := snapshot(t.events, t.events.completed)
	if administrative {
		arrived = snapshot(t.events, t.events.adminArrived)
		completed = snapshot(t.events, t.events.adminCompleted)
	}

	var ex error

	// Sends issued by subscriber code (Reply included) enlist in the
	// dispatch transaction, so they commit or abort with the message.
	scopeCtx := queue.ContextWithTx(ctx, tx)

	messages, err := t.serializer.Deserialize(msg.Payload)
	if err != nil {
		ex = NewErrorWithCause(ErrCodeSerialization, "failed to deserialize message payload", err)
		t.events.fireSerializationFailure(info, ex)
	} else {
		info.AllMessages = messages
		for _, element := range messages {
			info.CurrentMessage = element
			elementCtx := withCurrentMessage(scopeCtx, info)

			consumed, err := t.events.fireArrived(elementCtx, arrived, info)
			if err != nil {
				ex = err
				break
			}
			if !consumed {
				if err := t.discard(ctx, tx, msg, element); err != nil {
					ex = err
					break
				}
			}
		}
	}

	t.messageHandlingCompletion(scopeCtx, tx, info, completed, ex, administrative)
}

// discard retains a consumed-by-nobody element in the discarded
// sub-queue for audit, inside the dispatch transaction.
func (t *Transport) discard(ctx context.Context, tx *sql.Tx, msg *queue.Message, element interface{}) error {
	payload, err := t.serializer.Serialize([]interface{}{element})
	if err != nil {
		return NewErrorWithCause(ErrCodeSerialization, "failed to serialize discarded message", err)
	}

	copyMsg := &queue.Message{
		ID:       msg.ID,
		SubQueue: queue.SubQueueDiscarded,
		Headers:  msg.Headers,
		Payload:  payload,
	}
	if err := t.manager.Send(ctx, tx, t.endpoint.Queue, copyMsg); err != nil {
		return NewErrorWithCause(ErrCodeQueue, "failed to move message to discarded", err)
	}
	t.logger.Debugf("Message %s had no consumer, moved to discarded", msg.ID)
	return nil
}

// messageHandlingCompletion resolves the transaction and fires the
// terminal events. On success the pre-commit hook runs first; a failure
// anywhere flips the dispatch onto the failure path. The failure event
// fires only after the rollback, so its subscribers (the error action
// first) observe the message already restored to the queue.
func (t *Transport) messageHandlingCompletion(ctx context.Context, tx *sql.Tx, info *CurrentMessageInformation, completed []CompletionHandler, ex error, administrative bool) {
	if ex == nil {
		if !administrative {
			ex = t.events.fireBeforeCommit(ctx, info)
		}
		if ex == nil {
			if err := tx.Commit(); err != nil {
				ex = NewErrorWithCause(ErrCodeQueue, "failed to commit dispatch transaction", err)
			}
		}
	}

	if ex != nil {
		_ = tx.Rollback()
		t.logger.Warnf("Message %s failed: %v", info.MessageID, ex)
		t.events.fireFailure(info, ex)
		t.events.fireCompleted(completed, info, ex)
		return
	}

	t.errorAction.reset(info.MessageID)
	t.events.fireCompleted(completed, info, nil)
}
