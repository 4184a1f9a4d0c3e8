// Package audit mirrors transport lifecycle events as typed records
// onto an administrative log queue.
//
// The module subscribes to arrival, completion, failure, send and
// serialization-fault events. Failure records are written under their
// own single-message transaction, distinct from the dispatch
// transaction, so the audit trail survives even when the dispatch
// aborts; all other records are written best-effort.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	esb "github.com/ShawnSpooner/rhino-esb"
	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
	"github.com/ShawnSpooner/rhino-esb/serialization"
)

// writeBuffer bounds the pending-record channel. Records are dropped,
// not blocked on, when the writer falls this far behind: a slow audit
// stream must never stall the dispatch path, which may be holding the
// dispatch transaction's locks while an event fires.
const writeBuffer = 1024

// pendingRecord is one record awaiting the writer goroutine.
type pendingRecord struct {
	record  interface{}
	durable bool
}

// Module is the logging module. Create it with New, wire it with Init
// once the transport has started, and detach it with Dispose.
type Module struct {
	transport   *esb.Transport
	logEndpoint endpoint.Endpoint
	logger      esb.Logger

	unsubscribe []func()

	pending  chan pendingRecord
	dropped  atomic.Uint64
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates the logging module targeting the given log queue URI.
// The log queue must be local to the transport's endpoint.
func New(transport *esb.Transport, logQueueURI string, logger esb.Logger) (*Module, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if logger == nil {
		logger = &esb.NoopLogger{}
	}

	logEndpoint, err := endpoint.Parse(logQueueURI)
	if err != nil {
		return nil, fmt.Errorf("invalid log queue endpoint: %w", err)
	}
	if !logEndpoint.SameHost(transport.Endpoint()) {
		return nil, fmt.Errorf("log queue %s is not local to %s",
			logEndpoint.URI(), transport.Endpoint().URI())
	}

	return &Module{
		transport:   transport,
		logEndpoint: logEndpoint,
		logger:      logger,
	}, nil
}

// Init ensures the log queue exists, registers the record types with
// the serializer and subscribes to the transport's lifecycle events.
// Call it after Start (the queue engine must be open).
func (m *Module) Init(ctx context.Context) error {
	manager := m.transport.Queue()
	if manager == nil {
		return fmt.Errorf("transport is not started")
	}
	if err := manager.CreateQueue(ctx, m.logEndpoint.Queue); err != nil {
		return fmt.Errorf("failed to create log queue %q: %w", m.logEndpoint.Queue, err)
	}

	if js, ok := m.transport.Serializer().(*serialization.JSONSerializer); ok {
		registry := js.Registry()
		registry.Register("MessageArrivedRecord", MessageArrivedRecord{})
		registry.Register("MessageCompletedRecord", MessageCompletedRecord{})
		registry.Register("MessageFailedRecord", MessageFailedRecord{})
		registry.Register("MessageSentRecord", MessageSentRecord{})
		registry.Register("SerializationFailureRecord", SerializationFailureRecord{})
	}

	m.pending = make(chan pendingRecord, writeBuffer)
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.writer()

	m.unsubscribe = []func(){
		m.transport.OnMessageArrived(m.onArrived),
		m.transport.OnMessageProcessingCompleted(m.onCompleted),
		m.transport.OnMessageProcessingFailure(m.onFailure),
		m.transport.OnMessageSent(m.onSent),
		m.transport.OnMessageSerializationException(m.onSerializationFailure),
	}

	m.logger.Infof("Audit module writing to %s", m.logEndpoint.URI())
	return nil
}

// Dispose detaches the module from the transport's events and drains
// pending records. Call it before disposing the transport so the final
// records still find an open queue engine.
func (m *Module) Dispose() {
	for _, remove := range m.unsubscribe {
		remove()
	}
	m.unsubscribe = nil

	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Dropped reports how many records were shed because the writer fell
// behind.
func (m *Module) Dropped() uint64 { return m.dropped.Load() }

// writer is the single goroutine moving records onto the log queue.
// Observing events never blocks on storage; the dispatch path may be
// holding queue locks while an event fires.
func (m *Module) writer() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			// Drain whatever is already buffered.
			for {
				select {
				case p := <-m.pending:
					m.write(p.record, p.durable)
				default:
					return
				}
			}
		case p := <-m.pending:
			m.write(p.record, p.durable)
		}
	}
}

// enqueue hands a record to the writer, shedding it when the buffer is
// full.
func (m *Module) enqueue(record interface{}, durable bool) {
	select {
	case m.pending <- pendingRecord{record: record, durable: durable}:
	default:
		m.dropped.Add(1)
	}
}

// onArrived observes every decoded message; it never consumes.
func (m *Module) onArrived(_ context.Context, info *esb.CurrentMessageInformation) (bool, error) {
	m.enqueue(&MessageArrivedRecord{
		LogID:     uuid.NewString(),
		MessageID: info.MessageID,
		Source:    info.Source,
		Message:   info.CurrentMessage,
		ArrivedAt: info.ArrivedAt,
	}, false)
	return false, nil
}

func (m *Module) onCompleted(info *esb.CurrentMessageInformation, err error) {
	if err != nil {
		// The failure record already covers this dispatch.
		return
	}
	now := time.Now()
	m.enqueue(&MessageCompletedRecord{
		LogID:       uuid.NewString(),
		MessageID:   info.MessageID,
		Source:      info.Source,
		MessageType: typeName(info.CurrentMessage),
		CompletedAt: now,
		Duration:    now.Sub(info.ArrivedAt),
	}, false)
}

func (m *Module) onFailure(info *esb.CurrentMessageInformation, err error) {
	m.enqueue(&MessageFailedRecord{
		LogID:       uuid.NewString(),
		MessageID:   info.MessageID,
		Source:      info.Source,
		MessageType: typeName(info.CurrentMessage),
		ErrorText:   err.Error(),
		Message:     info.CurrentMessage,
		FailedAt:    time.Now(),
	}, true)
}

func (m *Module) onSent(info *esb.SentMessageInformation) {
	first := ""
	if len(info.Messages) > 0 {
		first = typeName(info.Messages[0])
	}
	m.enqueue(&MessageSentRecord{
		LogID:       uuid.NewString(),
		MessageID:   info.MessageID,
		Source:      info.Source,
		Destination: info.Destination,
		Messages:    info.Messages,
		MessageType: first,
		SentAt:      info.SentAt,
	}, false)
}

func (m *Module) onSerializationFailure(info *esb.CurrentMessageInformation, err error) {
	m.enqueue(&SerializationFailureRecord{
		LogID:     uuid.NewString(),
		MessageID: info.MessageID,
		Source:    info.Source,
		ErrorText: err.Error(),
		At:        time.Now(),
	}, true)
}

// write serializes one record and enqueues it on the log queue.
// Durable records get their own single-message transaction; the rest
// are written in autocommit mode. Audit faults are logged and
// swallowed, never surfaced into the dispatch.
func (m *Module) write(record interface{}, durable bool) {
	manager := m.transport.Queue()
	if manager == nil {
		return
	}

	value := derefRecord(record)
	payload, err := m.transport.Serializer().Serialize([]interface{}{value})
	if err != nil {
		m.logger.Errorf("Audit: failed to serialize %T: %v", value, err)
		return
	}

	msg := &queue.Message{
		ID: uuid.NewString(),
		Headers: map[string]string{
			queue.HeaderID:     uuid.NewString(),
			queue.HeaderSource: m.transport.Endpoint().URI(),
			queue.HeaderType:   queue.KindAdministrative,
		},
		Payload: payload,
	}

	ctx, cancel := context.WithTimeout(context.Background(), manager.TxTimeout())
	defer cancel()

	if !durable {
		if err := manager.Send(ctx, nil, m.logEndpoint.Queue, msg); err != nil {
			m.logger.Warnf("Audit: failed to write %T: %v", value, err)
		}
		return
	}

	tx, err := manager.Begin(ctx)
	if err != nil {
		m.logger.Errorf("Audit: failed to begin log transaction: %v", err)
		return
	}
	if err := manager.Send(ctx, tx, m.logEndpoint.Queue, msg); err != nil {
		_ = tx.Rollback()
		m.logger.Errorf("Audit: failed to write %T: %v", value, err)
		return
	}
	if err := tx.Commit(); err != nil {
		m.logger.Errorf("Audit: failed to commit log record %T: %v", value, err)
	}
}

// derefRecord unwraps the pointer so registry lookups see the value
// type the records were registered with.
func derefRecord(record interface{}) interface{} {
	switch r := record.(type) {
	case *MessageArrivedRecord:
		return *r
	case *MessageCompletedRecord:
		return *r
	case *MessageFailedRecord:
		return *r
	case *MessageSentRecord:
		return *r
	case *SerializationFailureRecord:
		return *r
	default:
		return record
	}
}

func typeName(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%T", v)
}
