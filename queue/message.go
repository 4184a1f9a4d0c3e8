package queue

import (
	"fmt"
	"strconv"
	"time"
)

// Reserved header names carried on every transport message.
// All names are case-sensitive ASCII.
const (
	// HeaderID is the caller-assigned GUID of the logical message.
	HeaderID = "id"

	// HeaderType classifies the message kind (see the Kind* constants).
	HeaderType = "type"

	// HeaderSource is the URI of the originating endpoint.
	HeaderSource = "source"

	// HeaderFrom is set on inbound messages by the queue engine. It is
	// the only trustworthy origin when deserialization fails before the
	// other headers can be used.
	HeaderFrom = "from"

	// HeaderTimeToSend is an ISO-8601 UTC timestamp, present only on
	// timeout-kind messages.
	HeaderTimeToSend = "time-to-send"

	// HeaderRetries is the attempt counter maintained by the error action.
	HeaderRetries = "retries"

	// HeaderDestination is an engine-internal header carried by entries
	// in the outgoing sub-queue; it names the remote endpoint URI the
	// forwarder must deliver to.
	HeaderDestination = "destination"
)

// Message kinds stamped into the HeaderType header by the sender.
const (
	KindOrdinary       = "ordinary"
	KindAdministrative = "administrative"
	KindLoadBalancer   = "loadbalancer"
	KindTimeout        = "timeout"
	KindShutdown       = "shutdown"
)

// Well-known sub-queue names. Sub-queues are partitions of a queue's
// stored messages; they exist as soon as the queue does.
const (
	SubQueueTimeout   = "timeout"
	SubQueueDiscarded = "discarded"
	SubQueueErrors    = "errors"
	SubQueueOutgoing  = "outgoing"
)

// TimeToSendLayout is the wire format of HeaderTimeToSend: ISO-8601 UTC
// with seven fractional-second digits.
const TimeToSendLayout = "2006-01-02T15:04:05.0000000Z"

// Message is the wire-level unit moved by the queue engine: opaque
// payload bytes plus a string header map. Seq is assigned by the engine
// on enqueue and identifies the stored copy; ID identifies the logical
// message across moves and redeliveries.
type Message struct {
	Seq        int64
	ID         string
	Queue      string
	SubQueue   string
	Headers    map[string]string
	Payload    []byte
	EnqueuedAt time.Time
}

// Kind returns the message kind from the type header.
// A missing or empty header classifies as ordinary.
func (m *Message) Kind() string {
	if m.Headers == nil {
		return KindOrdinary
	}
	if k := m.Headers[HeaderType]; k != "" {
		return k
	}
	return KindOrdinary
}

// Retries returns the attempt counter from the retries header,
// defaulting to zero when absent or malformed.
func (m *Message) Retries() int {
	if m.Headers == nil {
		return 0
	}
	n, err := strconv.Atoi(m.Headers[HeaderRetries])
	if err != nil {
		return 0
	}
	return n
}

// TimeToSend parses the time-to-send header of a timeout-kind message.
func (m *Message) TimeToSend() (time.Time, error) {
	if m.Headers == nil || m.Headers[HeaderTimeToSend] == "" {
		return time.Time{}, fmt.Errorf("message %s has no %s header", m.ID, HeaderTimeToSend)
	}
	return ParseTimeToSend(m.Headers[HeaderTimeToSend])
}

// FormatTimeToSend renders t in the wire format of HeaderTimeToSend.
func FormatTimeToSend(t time.Time) string {
	return t.UTC().Format(TimeToSendLayout)
}

// ParseTimeToSend parses a HeaderTimeToSend value.
func ParseTimeToSend(s string) (time.Time, error) {
	t, err := time.Parse(TimeToSendLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value %q: %w", HeaderTimeToSend, s, err)
	}
	return t, nil
}

// cloneHeaders copies a header map so stored messages never alias
// caller-owned maps.
func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
