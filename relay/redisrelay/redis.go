// Package redisrelay carries transport messages between peers over
// Redis Streams consumer groups.
package redisrelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/queue"
	"github.com/ShawnSpooner/rhino-esb/relay"
)

// client captures the subset of go-redis commands the relay relies on
// (for easier testing).
type client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	Close() error
}

// Config describes how the Redis Streams relay should connect/behave.
type Config struct {
	Client       redis.UniversalClient
	Addr         string
	Username     string
	Password     string
	DB           int
	StreamPrefix string
	GroupName    string
	ConsumerName string
	BlockTimeout time.Duration
	ReadCount    int64
}

// Relay is a relay.Relay backed by Redis Streams: one stream per
// destination endpoint, a consumer group on the receiving side, acks
// only after the local enqueue succeeded.
type Relay struct {
	cfg       Config
	client    client
	ownClient bool
}

var _ relay.Relay = (*Relay)(nil)

// New constructs a Redis Streams relay.
func New(cfg Config) (*Relay, error) {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "esb:"
	}
	if cfg.GroupName == "" {
		cfg.GroupName = "esb"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "esb-consumer"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}

	var cl client
	var own bool
	if cfg.Client != nil {
		cl = cfg.Client
	} else {
		cl = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		own = true
	}

	return &Relay{cfg: cfg, client: cl, ownClient: own}, nil
}

// Deliver appends the message to the destination endpoint's stream.
func (r *Relay) Deliver(ctx context.Context, dest endpoint.Endpoint, msg *queue.Message) error {
	values, err := encodeEntry(msg)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamFor(r.cfg.StreamPrefix, dest),
		Values: values,
	}).Err()
}

// Listen consumes the local endpoint's stream with a consumer group
// until ctx is canceled. Entries are acked only after handler returns
// nil, so a failed local enqueue leaves them pending for redelivery.
func (r *Relay) Listen(ctx context.Context, local endpoint.Endpoint, handler func(*queue.Message) error) error {
	stream := streamFor(r.cfg.StreamPrefix, local)
	if err := r.ensureGroup(ctx, stream); err != nil {
		return err
	}

	args := &redis.XReadGroupArgs{
		Group:    r.cfg.GroupName,
		Consumer: r.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    r.cfg.ReadCount,
		Block:    r.cfg.BlockTimeout,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		res, err := r.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			// Transient read failures back off for one second.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				msg, decodeErr := decodeEntry(entry)
				if decodeErr != nil {
					// Redelivery cannot fix a malformed entry.
					_ = r.client.XAck(ctx, streamRes.Stream, r.cfg.GroupName, entry.ID).Err()
					continue
				}
				if err := handler(msg); err != nil {
					continue
				}
				_ = r.client.XAck(ctx, streamRes.Stream, r.cfg.GroupName, entry.ID).Err()
			}
		}
	}
}

// Close releases the redis client when the relay owns it.
func (r *Relay) Close() error {
	if r.ownClient {
		return r.client.Close()
	}
	return nil
}

func (r *Relay) ensureGroup(ctx context.Context, stream string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, r.cfg.GroupName, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP") {
		return nil
	}
	return err
}

// streamFor maps an endpoint to its stream key.
func streamFor(prefix string, e endpoint.Endpoint) string {
	return fmt.Sprintf("%s%s:%d:%s", prefix, strings.ToLower(e.Host), e.Port, e.Queue)
}

func encodeEntry(msg *queue.Message) (map[string]interface{}, error) {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"id":         msg.ID,
		"headers":    string(headers),
		"payload":    base64.StdEncoding.EncodeToString(msg.Payload),
		"enqueuedAt": msg.EnqueuedAt.UnixNano(),
	}, nil
}

func decodeEntry(entry redis.XMessage) (*queue.Message, error) {
	id, _ := entry.Values["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("stream entry %s has no message id", entry.ID)
	}

	headersRaw, _ := entry.Values["headers"].(string)
	headers := map[string]string{}
	if headersRaw != "" {
		if err := json.Unmarshal([]byte(headersRaw), &headers); err != nil {
			return nil, fmt.Errorf("malformed headers in stream entry %s: %w", entry.ID, err)
		}
	}

	payloadRaw, _ := entry.Values["payload"].(string)
	payload, err := base64.StdEncoding.DecodeString(payloadRaw)
	if err != nil {
		return nil, fmt.Errorf("malformed payload in stream entry %s: %w", entry.ID, err)
	}

	enqueuedAt := time.Now()
	switch v := entry.Values["enqueuedAt"].(type) {
	case int64:
		enqueuedAt = time.Unix(0, v)
	case string:
		var ns int64
		if _, err := fmt.Sscanf(v, "%d", &ns); err == nil {
			enqueuedAt = time.Unix(0, ns)
		}
	}

	return &queue.Message{
		ID:         id,
		Headers:    headers,
		Payload:    payload,
		EnqueuedAt: enqueuedAt,
	}, nil
}
