// Package natsrelay carries transport messages between peers over NATS
// JetStream work-queue streams.
package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
	"github.com/ShawnSpooner/rhino-esb/relay"
)

// Config describes how the NATS relay should connect and behave.
type Config struct {
	URL           string
	Conn          *nats.Conn
	Stream        string
	SubjectPrefix string
	DurablePrefix string
	AckWait       time.Duration
	MaxAckPending int
}

// Relay is a relay.Relay backed by a JetStream work-queue stream: one
// subject per destination endpoint, durable consumers on the receiving
// side, manual acks so an unprocessed message is redelivered.
type Relay struct {
	cfg      Config
	conn     *nats.Conn
	js       nats.JetStreamContext
	ownsConn bool

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ relay.Relay = (*Relay)(nil)

// New connects the relay and ensures its stream exists.
func New(cfg Config) (*Relay, error) {
	if cfg.Stream == "" {
		cfg.Stream = "ESB"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "esb."
	}
	if cfg.DurablePrefix == "" {
		cfg.DurablePrefix = "esb-"
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 1024
	}

	r := &Relay{cfg: cfg}
	if cfg.Conn != nil {
		r.conn = cfg.Conn
	} else {
		url := cfg.URL
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats: %w", err)
		}
		r.conn = conn
		r.ownsConn = true
	}

	js, err := r.conn.JetStream()
	if err != nil {
		r.closeConn()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}
	r.js = js

	if err := r.ensureStream(); err != nil {
		r.closeConn()
		return nil, err
	}
	return r, nil
}

func (r *Relay) ensureStream() error {
	_, err := r.js.StreamInfo(r.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) && !strings.Contains(err.Error(), "stream not found") {
		return err
	}
	_, err = r.js.AddStream(&nats.StreamConfig{
		Name:      r.cfg.Stream,
		Subjects:  []string{r.cfg.SubjectPrefix + ">"},
		Retention: nats.WorkQueuePolicy,
	})
	return err
}

// Deliver publishes the message onto the destination endpoint's subject.
func (r *Relay) Deliver(ctx context.Context, dest endpoint.Endpoint, msg *queue.Message) error {
	data, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}
	_, err = r.js.Publish(subjectFor(r.cfg.SubjectPrefix, dest), data, nats.Context(ctx))
	return err
}

// Listen consumes the local endpoint's subject with a durable queue
// subscription until ctx is canceled.
func (r *Relay) Listen(ctx context.Context, local endpoint.Endpoint, handler func(*queue.Message) error) error {
	durable := durableFor(r.cfg.DurablePrefix, local)
	sub, err := r.js.QueueSubscribe(
		subjectFor(r.cfg.SubjectPrefix, local),
		durable,
		func(m *nats.Msg) {
			msg, err := decodeEnvelope(m.Data)
			if err != nil {
				// Undecodable traffic is dropped: redelivery cannot fix it.
				_ = m.Ack()
				return
			}
			if err := handler(msg); err != nil {
				// No ack; JetStream redelivers after AckWait.
				return
			}
			_ = m.Ack()
		},
		nats.ManualAck(),
		nats.Durable(durable),
		nats.AckWait(r.cfg.AckWait),
		nats.MaxAckPending(r.cfg.MaxAckPending),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", subjectFor(r.cfg.SubjectPrefix, local), err)
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	<-ctx.Done()
	return nil
}

// Close drains the subscription and releases the connection when the
// relay owns it.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.sub != nil {
		_ = r.sub.Drain()
		r.sub = nil
	}
	r.mu.Unlock()
	r.closeConn()
	return nil
}

func (r *Relay) closeConn() {
	if r.ownsConn && r.conn != nil {
		r.conn.Close()
	}
}

// subjectFor maps an endpoint to its stream subject.
func subjectFor(prefix string, e endpoint.Endpoint) string {
	host := strings.ReplaceAll(strings.ToLower(e.Host), ".", "_")
	return fmt.Sprintf("%s%s.%d.%s", prefix, host, e.Port, e.Queue)
}

// durableFor names the durable consumer for an endpoint.
func durableFor(prefix string, e endpoint.Endpoint) string {
	host := strings.ReplaceAll(strings.ToLower(e.Host), ".", "_")
	return fmt.Sprintf("%s%s-%d-%s", prefix, host, e.Port, e.Queue)
}

// envelope is the wire form carried in the NATS message body.
type envelope struct {
	ID         string            `json:"id"`
	Headers    map[string]string `json:"headers"`
	Payload    []byte            `json:"payload"`
	EnqueuedAt int64             `json:"enqueuedAt"`
}

func encodeEnvelope(msg *queue.Message) ([]byte, error) {
	return json.Marshal(envelope{
		ID:         msg.ID,
		Headers:    msg.Headers,
		Payload:    msg.Payload,
		EnqueuedAt: msg.EnqueuedAt.UnixNano(),
	})
}

func decodeEnvelope(data []byte) (*queue.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed relay envelope: %w", err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("relay envelope has no message id")
	}
	if env.Headers == nil {
		env.Headers = map[string]string{}
	}
	return &queue.Message{
		ID:         env.ID,
		Headers:    env.Headers,
		Payload:    env.Payload,
		EnqueuedAt: time.Unix(0, env.EnqueuedAt),
	}, nil
}
