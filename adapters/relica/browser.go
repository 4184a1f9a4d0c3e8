// Package relica provides the read-side queue browser over the engine's
// tables, built on the Relica query builder.
//
// The browser is operator tooling: it inspects sub-queues (errors,
// discarded, timeout, outgoing) and aggregates quarantine statistics
// without touching the transactional dispatch path.
package relica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/coregx/relica"

	esb "github.com/ShawnSpooner/rhino-esb"
	"github.com/ShawnSpooner/rhino-esb/queue"
)

// StoredMessage is the browser's row view of a stored transport
// message.
type StoredMessage struct {
	Seq        int64  `json:"seq"`
	Queue      string `json:"queue"`
	SubQueue   string `json:"subQueue" db:"subqueue"`
	MessageID  string `json:"messageId" db:"message_id"`
	Headers    string `json:"headers"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueuedAt" db:"enqueued_at"`
}

// HeaderMap decodes the stored header JSON.
func (m StoredMessage) HeaderMap() (map[string]string, error) {
	headers := map[string]string{}
	if err := json.Unmarshal([]byte(m.Headers), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// Enqueued returns the enqueue time of the stored copy.
func (m StoredMessage) Enqueued() time.Time {
	return time.Unix(0, m.EnqueuedAt)
}

// QueueStats aggregates the per-sub-queue state of one named queue.
type QueueStats struct {
	Pending     int           // Messages awaiting dispatch in the main partition
	Errors      int           // Poison messages quarantined after retries
	Discarded   int           // Messages no subscriber consumed
	Deferred    int           // Future-dated messages in the timeout sub-queue
	Outgoing    int           // Committed sends awaiting remote delivery
	OldestError time.Duration // Age of the oldest quarantined message, 0 when none
}

// Browser reads the queue engine's tables through Relica.
type Browser struct {
	db          *relica.DB
	tablePrefix string
}

// NewBrowser creates a Browser with the default table prefix.
func NewBrowser(sqlDB *sql.DB, driverName string) *Browser {
	return &Browser{db: relica.WrapDB(sqlDB, driverName), tablePrefix: "esb_"}
}

// NewBrowserWithPrefix creates a Browser with a custom table prefix.
func NewBrowserWithPrefix(sqlDB *sql.DB, driverName, prefix string) *Browser {
	return &Browser{db: relica.WrapDB(sqlDB, driverName), tablePrefix: prefix}
}

// NewBrowserFor creates a Browser over a running queue engine.
func NewBrowserFor(manager *queue.Manager) *Browser {
	return &Browser{
		db:          relica.WrapDB(manager.DB(), manager.DriverName()),
		tablePrefix: manager.TablePrefix(),
	}
}

func (b *Browser) tableName() string {
	return b.tablePrefix + "messages"
}

// ListSubQueue retrieves messages parked in (queue, subqueue) in
// enqueue order. Pass an empty subQueue for the main partition.
func (b *Browser) ListSubQueue(ctx context.Context, queueName, subQueue string, limit int) ([]StoredMessage, error) {
	var messages []StoredMessage

	err := b.db.WithContext(ctx).Select("*").
		From(b.tableName()).
		Where("queue = ? AND subqueue = ?", queueName, subQueue).
		OrderBy("seq ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&messages)

	if err != nil {
		return nil, esb.NewErrorWithCause(esb.ErrCodeQueue, "failed to list sub-queue", err)
	}
	return messages, nil
}

// FindByMessageID retrieves the stored copies of a logical message
// across all partitions of a queue.
func (b *Browser) FindByMessageID(ctx context.Context, queueName, messageID string) ([]StoredMessage, error) {
	var messages []StoredMessage

	err := b.db.WithContext(ctx).Select("*").
		From(b.tableName()).
		Where("queue = ? AND message_id = ?", queueName, messageID).
		OrderBy("seq ASC").
		WithContext(ctx).
		All(&messages)

	if err != nil {
		return nil, esb.NewErrorWithCause(esb.ErrCodeQueue, "failed to find message", err)
	}
	return messages, nil
}

// CountSubQueue reports how many messages sit in (queue, subqueue).
func (b *Browser) CountSubQueue(ctx context.Context, queueName, subQueue string) (int, error) {
	// Relica scans rows into structs only, so the count travels in a
	// one-field row.
	var row struct {
		Total int64 `db:"total"`
	}
	err := b.db.WithContext(ctx).Select("COUNT(*) AS total").
		From(b.tableName()).
		Where("queue = ? AND subqueue = ?", queueName, subQueue).
		One(&row)
	if err != nil {
		return 0, esb.NewErrorWithCause(esb.ErrCodeQueue, "failed to count sub-queue", err)
	}
	return int(row.Total), nil
}

// GetStats aggregates the sub-queue counts and the oldest quarantined
// message age for one named queue.
func (b *Browser) GetStats(ctx context.Context, queueName string) (QueueStats, error) {
	var stats QueueStats
	var err error

	if stats.Pending, err = b.CountSubQueue(ctx, queueName, ""); err != nil {
		return stats, err
	}
	if stats.Errors, err = b.CountSubQueue(ctx, queueName, queue.SubQueueErrors); err != nil {
		return stats, err
	}
	if stats.Discarded, err = b.CountSubQueue(ctx, queueName, queue.SubQueueDiscarded); err != nil {
		return stats, err
	}
	if stats.Deferred, err = b.CountSubQueue(ctx, queueName, queue.SubQueueTimeout); err != nil {
		return stats, err
	}
	if stats.Outgoing, err = b.CountSubQueue(ctx, queueName, queue.SubQueueOutgoing); err != nil {
		return stats, err
	}

	if stats.Errors > 0 {
		var oldest StoredMessage
		err = b.db.WithContext(ctx).Select("*").
			From(b.tableName()).
			Where("queue = ? AND subqueue = ?", queueName, queue.SubQueueErrors).
			OrderBy("seq ASC").
			One(&oldest)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return stats, esb.NewErrorWithCause(esb.ErrCodeQueue, "failed to load oldest quarantined message", err)
		}
		if err == nil {
			stats.OldestError = time.Since(oldest.Enqueued())
		}
	}

	return stats, nil
}
