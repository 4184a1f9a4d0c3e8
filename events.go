package esb

import (
	"context"
	"sync"
	"time"
)

// SentMessageInformation describes an outbound send. For a send that
// opened its own transaction it describes a committed send; for a send
// enlisted in a caller transaction, the caller has not committed yet.
type SentMessageInformation struct {
	MessageID   string
	Source      string
	Destination string
	Messages    []interface{}
	SentAt      time.Time
}

// MessageArrivedHandler consumes a decoded message. The boolean return
// means "consumed"; the results of all subscribers are folded with a
// logical OR. A returned error fails the dispatch.
type MessageArrivedHandler func(ctx context.Context, info *CurrentMessageInformation) (bool, error)

// CompletionHandler observes the end of a dispatch. err is nil when the
// enclosing transaction committed.
type CompletionHandler func(info *CurrentMessageInformation, err error)

// FailureHandler observes a failed dispatch after its transaction
// rolled back.
type FailureHandler func(info *CurrentMessageInformation, err error)

// SerializationFailureHandler observes payloads that could not be
// decoded.
type SerializationFailureHandler func(info *CurrentMessageInformation, err error)

// SentHandler observes sends. It fires after the send's own transaction
// commits; a send enlisted in a caller transaction fires it once the
// enqueue is done, before the caller commits or rolls back.
type SentHandler func(info *SentMessageInformation)

// BeforeCommitHandler runs between a successful dispatch and the
// transaction commit. A returned error fails the dispatch.
type BeforeCommitHandler func(ctx context.Context, info *CurrentMessageInformation) error

// events is the registry of lifecycle callbacks. Subscription and
// unsubscription are safe while the transport runs; dispatch iterates
// over a snapshot taken under the read lock.
//
// The failure slot is consulted in two stages: the errorAction entry is
// a distinct slot, not a position in the fan-out list, and always
// observes a failure first, so no subscriber can consume or transform
// the event before the retry accounting runs.
type events struct {
	mu sync.RWMutex

	started              []*subscription[func()]
	arrived              []*subscription[MessageArrivedHandler]
	adminArrived         []*subscription[MessageArrivedHandler]
	completed            []*subscription[CompletionHandler]
	adminCompleted       []*subscription[CompletionHandler]
	failure              []*subscription[FailureHandler]
	serializationFailure []*subscription[SerializationFailureHandler]
	sent                 []*subscription[SentHandler]
	beforeCommit         []*subscription[BeforeCommitHandler]

	errorAction FailureHandler

	logger Logger
}

// subscription wraps a handler in a uniquely addressable cell so
// unsubscription removes exactly the right entry even after peers were
// removed.
type subscription[T any] struct{ handler T }

func subscribe[T any](e *events, list *[]*subscription[T], h T) func() {
	cell := &subscription[T]{handler: h}
	e.mu.Lock()
	*list = append(*list, cell)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, c := range *list {
			if c == cell {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return
			}
		}
	}
}

func snapshot[T any](e *events, list []*subscription[T]) []T {
	e.mu.RLock()
	out := make([]T, len(list))
	for i, c := range list {
		out[i] = c.handler
	}
	e.mu.RUnlock()
	return out
}

func (e *events) fireStarted() {
	for _, h := range snapshot(e, e.started) {
		e.guard("Started", func() { h() })
	}
}

// fireArrived fans a decoded message out to the arrival subscribers and
// OR-folds the consumed flags. The first handler error stops the fan-out.
func (e *events) fireArrived(ctx context.Context, handlers []MessageArrivedHandler, info *CurrentMessageInformation) (bool, error) {
	consumed := false
	for _, h := range handlers {
		ok, err := h(ctx, info)
		if err != nil {
			return consumed, err
		}
		consumed = consumed || ok
	}
	return consumed, nil
}

func (e *events) fireCompleted(handlers []CompletionHandler, info *CurrentMessageInformation, err error) {
	for _, h := range handlers {
		h := h
		e.guard("MessageProcessingCompleted", func() { h(info, err) })
	}
}

func (e *events) fireFailure(info *CurrentMessageInformation, err error) {
	e.mu.RLock()
	first := e.errorAction
	e.mu.RUnlock()
	if first != nil {
		e.guard("ErrorAction", func() { first(info, err) })
	}
	for _, h := range snapshot(e, e.failure) {
		h := h
		e.guard("MessageProcessingFailure", func() { h(info, err) })
	}
}

func (e *events) fireSerializationFailure(info *CurrentMessageInformation, err error) {
	for _, h := range snapshot(e, e.serializationFailure) {
		h := h
		e.guard("MessageSerializationException", func() { h(info, err) })
	}
}

func (e *events) fireSent(info *SentMessageInformation) {
	for _, h := range snapshot(e, e.sent) {
		h := h
		e.guard("MessageSent", func() { h(info) })
	}
}

func (e *events) fireBeforeCommit(ctx context.Context, info *CurrentMessageInformation) error {
	for _, h := range snapshot(e, e.beforeCommit) {
		if err := h(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// guard runs a subscriber callback and swallows its panic: subscriber
// faults must never re-enter the transaction logic or break the worker
// loop.
func (e *events) guard(slot string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("Subscriber panic in %s: %v", slot, r)
		}
	}()
	fn()
}

// OnStarted subscribes to the transport start event.
// The returned func removes the subscription.
func (t *Transport) OnStarted(h func()) func() {
	return subscribe(t.events, &t.events.started, h)
}

// OnMessageArrived subscribes a consumer for ordinary messages.
func (t *Transport) OnMessageArrived(h MessageArrivedHandler) func() {
	return subscribe(t.events, &t.events.arrived, h)
}

// OnAdministrativeMessageArrived subscribes a consumer for
// administrative messages.
func (t *Transport) OnAdministrativeMessageArrived(h MessageArrivedHandler) func() {
	return subscribe(t.events, &t.events.adminArrived, h)
}

// OnMessageProcessingCompleted subscribes to dispatch completion; it
// fires on both the success and the failure path.
func (t *Transport) OnMessageProcessingCompleted(h CompletionHandler) func() {
	return subscribe(t.events, &t.events.completed, h)
}

// OnAdministrativeMessageProcessingCompleted subscribes to completion of
// administrative dispatches.
func (t *Transport) OnAdministrativeMessageProcessingCompleted(h CompletionHandler) func() {
	return subscribe(t.events, &t.events.adminCompleted, h)
}

// OnMessageProcessingFailure subscribes to dispatch failures. The error
// action always observes the failure first, regardless of when user
// subscribers registered.
func (t *Transport) OnMessageProcessingFailure(h FailureHandler) func() {
	return subscribe(t.events, &t.events.failure, h)
}

// OnMessageSerializationException subscribes to payload decode faults.
func (t *Transport) OnMessageSerializationException(h SerializationFailureHandler) func() {
	return subscribe(t.events, &t.events.serializationFailure, h)
}

// OnMessageSent subscribes to sends (see SentHandler for when it fires).
func (t *Transport) OnMessageSent(h SentHandler) func() {
	return subscribe(t.events, &t.events.sent, h)
}

// OnBeforeMessageTransactionCommit subscribes a pre-commit hook for
// ordinary dispatches. Administrative dispatches never run it.
func (t *Transport) OnBeforeMessageTransactionCommit(h BeforeCommitHandler) func() {
	return subscribe(t.events, &t.events.beforeCommit, h)
}
