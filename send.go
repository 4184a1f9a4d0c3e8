package esb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

// Send serializes the logical sequence and enqueues it for the
// destination endpoint inside a transaction. Local destinations are
// enqueued directly; remote destinations are parked in the outgoing
// sub-queue for the forwarder. Exactly one copy reaches the destination
// when the transaction commits, none when it aborts.
//
// A caller transaction enlisted with queue.ContextWithTx is joined
// instead of opening a new one; the enqueue then commits or aborts with
// the caller's unit of work.
func (t *Transport) Send(ctx context.Context, destination string, messages ...interface{}) error {
	return t.send(ctx, destination, nil, messages)
}

// SendAt is the deferred variant: the message is parked at the
// destination until processAgainAt and dispatched after it elapses.
func (t *Transport) SendAt(ctx context.Context, destination string, processAgainAt time.Time, messages ...interface{}) error {
	return t.send(ctx, destination, func(headers map[string]string) {
		headers[queue.HeaderType] = queue.KindTimeout
		headers[queue.HeaderTimeToSend] = queue.FormatTimeToSend(processAgainAt)
	}, messages)
}

// Reply sends to the source endpoint of the message currently being
// dispatched on ctx. It is only valid inside a dispatch.
func (t *Transport) Reply(ctx context.Context, messages ...interface{}) error {
	info, ok := CurrentMessage(ctx)
	if !ok {
		return ErrNoCurrentMessage
	}
	return t.send(ctx, info.Source, nil, messages)
}

// send implements the outbound path: allocate a fresh id, serialize,
// stamp headers, apply the customizer, enqueue under a transaction and
// fire MessageSent after the commit.
func (t *Transport) send(ctx context.Context, destination string, customize func(map[string]string), messages []interface{}) error {
	if !t.started.Load() || t.manager == nil {
		return ErrNotStarted
	}
	if len(messages) == 0 {
		return NewError(ErrCodeValidation, "cannot send an empty message sequence")
	}

	dest, err := endpoint.Parse(destination)
	if err != nil {
		return NewErrorWithCause(ErrCodeValidation, "invalid destination", err)
	}

	payload, err := t.serializer.Serialize(messages)
	if err != nil {
		return NewErrorWithCause(ErrCodeSerialization, "failed to serialize messages", err)
	}

	id := uuid.NewString()
	headers := map[string]string{
		queue.HeaderID:     id,
		queue.HeaderSource: t.endpoint.URI(),
		queue.HeaderType:   kindOf(messages[0]),
	}
	if customize != nil {
		customize(headers)
	}

	msg := &queue.Message{
		ID:      id,
		Headers: headers,
		Payload: payload,
	}

	local := dest.SameHost(t.endpoint)
	targetQueue := dest.Queue
	if !local {
		if t.relay == nil {
			return NewError(ErrCodeDelivery,
				"destination is remote and no relay is configured")
		}
		// Park for the forwarder; the destination travels in an
		// engine-internal header.
		targetQueue = t.endpoint.Queue
		msg.SubQueue = queue.SubQueueOutgoing
		msg.Headers[queue.HeaderDestination] = dest.MainQueue().URI()
	} else if dest.SubQueue != "" {
		msg.SubQueue = dest.SubQueue
	}

	if enlisted, ok := queue.TxFromContext(ctx); ok {
		// The caller owns commit and rollback.
		if err := t.manager.Send(ctx, enlisted, targetQueue, msg); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to enqueue message", err)
		}
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, t.txTimeout)
		defer cancel()

		tx, err := t.manager.Begin(sendCtx)
		if err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to begin send transaction", err)
		}
		if err := t.manager.Send(sendCtx, tx, targetQueue, msg); err != nil {
			_ = tx.Rollback()
			return NewErrorWithCause(ErrCodeQueue, "failed to enqueue message", err)
		}
		if err := tx.Commit(); err != nil {
			return NewErrorWithCause(ErrCodeQueue, "failed to commit send transaction", err)
		}
	}

	t.events.fireSent(&SentMessageInformation{
		MessageID:   id,
		Source:      t.endpoint.URI(),
		Destination: dest.URI(),
		Messages:    messages,
		SentAt:      time.Now(),
	})

	t.logger.Debugf("Sent message %s to %s (%s)", id, dest.URI(), headers[queue.HeaderType])
	return nil
}
