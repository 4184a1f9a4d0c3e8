// Package endpoint models addressable queue locations.
// An endpoint is a URI whose scheme selects the transport, whose host and
// port locate the peer, and whose path names the queue. A sub-queue is
// addressed by the reserved ";subqueue=<name>" suffix.
package endpoint

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// DefaultPort is used when the endpoint URI does not carry an explicit port.
const DefaultPort = 2200

// subQueueSeparator marks the reserved sub-queue suffix in an endpoint URI.
const subQueueSeparator = ";subqueue="

// Endpoint is an addressable queue location.
//
// Example URIs:
//
//	esb://orders.internal:2200/orders
//	esb://localhost/billing;subqueue=errors
type Endpoint struct {
	Scheme   string // Transport scheme (e.g. "esb")
	Host     string // Peer host name or address
	Port     int    // Peer port, DefaultPort when unspecified
	Queue    string // Named queue at the peer
	SubQueue string // Optional sub-queue, empty for the main queue
}

// Parse parses an endpoint URI of the form
// <scheme>://<host>[:<port>]/<queueName>[;subqueue=<sub>].
func Parse(raw string) (Endpoint, error) {
	var e Endpoint

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return e, fmt.Errorf("endpoint URI is empty")
	}

	// url.Parse treats ";" as part of the path; split the sub-queue
	// suffix off first so the queue name stays clean.
	sub := ""
	if idx := strings.Index(raw, subQueueSeparator); idx >= 0 {
		sub = raw[idx+len(subQueueSeparator):]
		raw = raw[:idx]
	}

	u, err := url.Parse(raw)
	if err != nil {
		return e, fmt.Errorf("invalid endpoint URI %q: %w", raw, err)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return e, fmt.Errorf("invalid endpoint port %q: %w", p, err)
		}
	}

	e = Endpoint{
		Scheme:   u.Scheme,
		Host:     u.Hostname(),
		Port:     port,
		Queue:    strings.Trim(u.Path, "/"),
		SubQueue: sub,
	}

	if err := e.Validate(); err != nil {
		return Endpoint{}, err
	}
	return e, nil
}

// Validate checks that the endpoint carries the fields required to
// address a queue.
func (e Endpoint) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.Scheme, validation.Required),
		validation.Field(&e.Host, validation.Required),
		validation.Field(&e.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&e.Queue, validation.Required, validation.Length(1, 255)),
	)
}

// URI renders the endpoint back into its canonical URI form.
func (e Endpoint) URI() string {
	s := fmt.Sprintf("%s://%s:%d/%s", e.Scheme, e.Host, e.Port, e.Queue)
	if e.SubQueue != "" {
		s += subQueueSeparator + e.SubQueue
	}
	return s
}

// String implements fmt.Stringer.
func (e Endpoint) String() string { return e.URI() }

// MainQueue returns a copy of the endpoint addressing the main queue,
// with any sub-queue suffix stripped.
func (e Endpoint) MainQueue() Endpoint {
	e.SubQueue = ""
	return e
}

// WithSubQueue returns a copy of the endpoint addressing the given
// sub-queue.
func (e Endpoint) WithSubQueue(sub string) Endpoint {
	e.SubQueue = sub
	return e
}

// SameHost reports whether both endpoints address the same peer.
func (e Endpoint) SameHost(other Endpoint) bool {
	return strings.EqualFold(e.Host, other.Host) && e.Port == other.Port
}
