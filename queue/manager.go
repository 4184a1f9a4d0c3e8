// Package queue implements the persistent local queue engine used by the
// transport: durable named queues with sub-queues over a SQL store.
//
// Enqueue and dequeue visibility is bound to transaction commit: a
// message received inside a transaction reappears in its queue when the
// transaction rolls back, and is gone for good only once it commits.
// Moving a message between a queue and its sub-queues is a transactional
// operation that preserves the stored headers.
//
// The default backend is an SQLite file under a configured directory;
// MySQL and Postgres are supported through the same schema for
// deployments that already run a database server.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

// Logger is the logging interface required by the queue engine.
// It matches the transport's logger so one implementation serves both.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Info(message string)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Info(string)                   {}

// Manager is the queue engine handle shared by all transport workers.
// It is safe for concurrent use; send and receive on distinct
// transactions do not block each other beyond storage-level locking.
type Manager struct {
	db           *sql.DB
	driverName   string
	tablePrefix  string
	isolation    sql.IsolationLevel
	txTimeout    time.Duration
	pollInterval time.Duration
	logger       Logger
	closed       atomic.Bool

	// dsn only matters until Open connects.
	dsn string
}

// Option configures a Manager before it opens its store.
type Option func(*Manager) error

// WithPath points the engine at an on-disk directory; the store is an
// SQLite file inside it. This is the default backend.
func WithPath(dir string) Option {
	return func(m *Manager) error {
		if dir == "" {
			return fmt.Errorf("path cannot be empty")
		}
		m.driverName = "sqlite3"
		m.dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL",
			filepath.Join(dir, "esb.db"))
		return nil
	}
}

// WithDatabase selects a server-backed store. Driver must be one of
// "sqlite3", "mysql" or "postgres"; the DSN is passed to database/sql
// unchanged.
func WithDatabase(driverName, dsn string) Option {
	return func(m *Manager) error {
		if driverName == "" || dsn == "" {
			return fmt.Errorf("driver and dsn cannot be empty")
		}
		m.driverName = driverName
		m.dsn = dsn
		return nil
	}
}

// WithIsolationLevel sets the default isolation for engine transactions.
func WithIsolationLevel(level sql.IsolationLevel) Option {
	return func(m *Manager) error {
		m.isolation = level
		return nil
	}
}

// WithTransactionTimeout bounds every engine transaction.
func WithTransactionTimeout(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return fmt.Errorf("transaction timeout must be > 0, got %v", d)
		}
		m.txTimeout = d
		return nil
	}
}

// WithManagerLogger sets the logger instance.
func WithManagerLogger(logger Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithTablePrefix overrides the default "esb_" table prefix.
func WithTablePrefix(prefix string) Option {
	return func(m *Manager) error {
		m.tablePrefix = prefix
		return nil
	}
}

// Open creates the queue engine, connects to the store and ensures the
// schema exists.
func Open(opts ...Option) (*Manager, error) {
	m := &Manager{
		tablePrefix:  "esb_",
		isolation:    sql.LevelSerializable,
		txTimeout:    30 * time.Second,
		pollInterval: 50 * time.Millisecond,
		logger:       nopLogger{},
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("failed to apply queue option: %w", err)
		}
	}

	if m.dsn == "" {
		return nil, fmt.Errorf("a store is required (use WithPath or WithDatabase)")
	}

	db, err := sql.Open(m.driverName, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", m.driverName, err)
	}
	m.db = db

	statements, err := schemaFor(m.driverName, m.tablePrefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			if m.driverName == "mysql" && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			_ = db.Close()
			return nil, fmt.Errorf("failed to create engine schema: %w", err)
		}
	}

	m.logger.Infof("Queue engine opened (driver=%s)", m.driverName)
	return m, nil
}

// Close tears the engine down. In-flight operations observe
// ErrQueueClosed on their next attempt.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.logger.Info("Queue engine closed")
	return m.db.Close()
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool { return m.closed.Load() }

// IsolationLevel returns the configured default isolation.
func (m *Manager) IsolationLevel() sql.IsolationLevel { return m.isolation }

// TxTimeout returns the configured transaction timeout.
func (m *Manager) TxTimeout() time.Duration { return m.txTimeout }

// DriverName returns the database/sql driver backing the store.
func (m *Manager) DriverName() string { return m.driverName }

// DB exposes the underlying handle for read-side adapters.
func (m *Manager) DB() *sql.DB { return m.db }

// TablePrefix returns the schema table prefix.
func (m *Manager) TablePrefix() string { return m.tablePrefix }

// Begin opens an engine transaction with the configured isolation level.
// Callers bound its lifetime with a context carrying the transaction
// timeout (see the transport's dispatch loop).
func (m *Manager) Begin(ctx context.Context) (*sql.Tx, error) {
	if m.closed.Load() {
		return nil, ErrQueueClosed
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: m.isolation})
	if err != nil {
		return nil, normalizeContention(err)
	}
	return tx, nil
}

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on selects the transaction when one is supplied, else autocommit.
func (m *Manager) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return m.db
}

// rebind rewrites "?" placeholders into the driver's native style.
func (m *Manager) rebind(query string) string {
	if m.driverName != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (m *Manager) messagesTable() string { return m.tablePrefix + "messages" }
func (m *Manager) queuesTable() string   { return m.tablePrefix + "queues" }

// CreateQueue registers a named queue. Creating an existing queue is a
// no-op; sub-queues need no registration of their own.
func (m *Manager) CreateQueue(ctx context.Context, name string) error {
	if m.closed.Load() {
		return ErrQueueClosed
	}
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}

	var existing string
	err := m.db.QueryRowContext(ctx,
		m.rebind(fmt.Sprintf("SELECT name FROM %s WHERE name = ?", m.queuesTable())),
		name).Scan(&existing)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("failed to look up queue %q: %w", name, err)
	}

	_, err = m.db.ExecContext(ctx,
		m.rebind(fmt.Sprintf("INSERT INTO %s (name, created_at) VALUES (?, ?)", m.queuesTable())),
		name, time.Now().UnixNano())
	if err != nil {
		// A peer won the race; the queue exists either way.
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return nil
		}
		return fmt.Errorf("failed to create queue %q: %w", name, err)
	}

	m.logger.Debugf("Created queue %q", name)
	return nil
}

// Send enqueues a message into the named queue (or one of its
// sub-queues when msg.SubQueue is set). When tx is non-nil the enqueue
// becomes visible only on commit.
func (m *Manager) Send(ctx context.Context, tx *sql.Tx, queueName string, msg *Message) error {
	if m.closed.Load() {
		return ErrQueueClosed
	}
	if msg.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}

	headers, err := json.Marshal(cloneHeaders(msg.Headers))
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	now := time.Now()
	res, err := m.on(tx).ExecContext(ctx,
		m.rebind(fmt.Sprintf(
			"INSERT INTO %s (queue, subqueue, message_id, headers, payload, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)",
			m.messagesTable())),
		queueName, msg.SubQueue, msg.ID, string(headers), msg.Payload, now.UnixNano())
	if err != nil {
		return normalizeContention(err)
	}

	if seq, err := res.LastInsertId(); err == nil {
		msg.Seq = seq
	}
	msg.Queue = queueName
	msg.EnqueuedAt = now
	return nil
}

// Peek blocks until a message is visible at the head of the queue's
// main partition, the timeout elapses (ErrTimeout) or the engine is
// torn down (ErrQueueClosed). The message is not removed.
func (m *Manager) Peek(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if m.closed.Load() {
			return nil, ErrQueueClosed
		}

		msg, err := m.head(ctx, nil, queueName, "")
		if err == nil {
			return msg, nil
		}
		if err != sql.ErrNoRows {
			if m.closed.Load() {
				return nil, ErrQueueClosed
			}
			return nil, normalizeContention(err)
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(m.pollInterval):
		}
	}
}

// Receive removes and returns the head of the queue's main partition
// inside tx. The removal is undone if tx rolls back. When the head was
// taken by a peer worker, or nothing arrives within the timeout,
// Receive reports ErrTimeout.
func (m *Manager) Receive(ctx context.Context, tx *sql.Tx, queueName string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		if m.closed.Load() {
			return nil, ErrQueueClosed
		}

		msg, err := m.head(ctx, tx, queueName, "")
		if err == nil {
			res, delErr := tx.ExecContext(ctx,
				m.rebind(fmt.Sprintf("DELETE FROM %s WHERE seq = ?", m.messagesTable())),
				msg.Seq)
			if delErr != nil {
				return nil, normalizeContention(delErr)
			}
			if affected, _ := res.RowsAffected(); affected == 1 {
				msg.Headers[HeaderFrom] = queueName
				return msg, nil
			}
			// The row vanished between the read and the delete; a peer
			// transaction owns it now.
			return nil, ErrTimeout
		}
		if err != sql.ErrNoRows {
			return nil, normalizeContention(err)
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(m.pollInterval):
		}
	}
}

// head reads the oldest message in (queue, subqueue) without removing it.
func (m *Manager) head(ctx context.Context, tx *sql.Tx, queueName, subQueue string) (*Message, error) {
	row := m.on(tx).QueryRowContext(ctx,
		m.rebind(fmt.Sprintf(
			"SELECT seq, message_id, headers, payload, enqueued_at FROM %s WHERE queue = ? AND subqueue = ? ORDER BY seq LIMIT 1",
			m.messagesTable())),
		queueName, subQueue)
	return m.scanMessage(row, queueName, subQueue)
}

func (m *Manager) scanMessage(row *sql.Row, queueName, subQueue string) (*Message, error) {
	var (
		msg        Message
		rawHeaders string
		enqueuedNs int64
	)
	if err := row.Scan(&msg.Seq, &msg.ID, &rawHeaders, &msg.Payload, &enqueuedNs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawHeaders), &msg.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers of message seq=%d: %w", msg.Seq, err)
	}
	if msg.Headers == nil {
		msg.Headers = map[string]string{}
	}
	msg.Queue = queueName
	msg.SubQueue = subQueue
	msg.EnqueuedAt = time.Unix(0, enqueuedNs)
	return &msg, nil
}

// PeekSubQueue reads the head of (queue, subqueue) without waiting and
// without removing it. An empty sub-queue reports ErrTimeout.
func (m *Manager) PeekSubQueue(ctx context.Context, queueName, subQueue string) (*Message, error) {
	if m.closed.Load() {
		return nil, ErrQueueClosed
	}
	msg, err := m.head(ctx, nil, queueName, subQueue)
	if err == sql.ErrNoRows {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, normalizeContention(err)
	}
	return msg, nil
}

// GetByID reads the stored copy of a logical message sitting in the
// given sub-queue.
func (m *Manager) GetByID(ctx context.Context, tx *sql.Tx, queueName, messageID, subQueue string) (*Message, error) {
	if m.closed.Load() {
		return nil, ErrQueueClosed
	}
	row := m.on(tx).QueryRowContext(ctx,
		m.rebind(fmt.Sprintf(
			"SELECT seq, message_id, headers, payload, enqueued_at FROM %s WHERE queue = ? AND message_id = ? AND subqueue = ? ORDER BY seq LIMIT 1",
			m.messagesTable())),
		queueName, messageID, subQueue)
	msg, err := m.scanMessage(row, queueName, subQueue)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, normalizeContention(err)
	}
	return msg, nil
}

// MoveBySeq relocates a stored message to another sub-queue of its
// queue (empty toSub means the main partition). Headers and the stored
// id are preserved.
func (m *Manager) MoveBySeq(ctx context.Context, tx *sql.Tx, seq int64, toSub string) error {
	if m.closed.Load() {
		return ErrQueueClosed
	}
	res, err := m.on(tx).ExecContext(ctx,
		m.rebind(fmt.Sprintf("UPDATE %s SET subqueue = ? WHERE seq = ?", m.messagesTable())),
		toSub, seq)
	if err != nil {
		return normalizeContention(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MoveByID relocates the stored copy of a logical message from one
// sub-queue to another, addressed by its id header.
func (m *Manager) MoveByID(ctx context.Context, tx *sql.Tx, queueName, messageID, fromSub, toSub string) error {
	if m.closed.Load() {
		return ErrQueueClosed
	}
	res, err := m.on(tx).ExecContext(ctx,
		m.rebind(fmt.Sprintf(
			"UPDATE %s SET subqueue = ? WHERE queue = ? AND message_id = ? AND subqueue = ?",
			m.messagesTable())),
		toSub, queueName, messageID, fromSub)
	if err != nil {
		return normalizeContention(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// UpdateHeadersByID rewrites the stored header map of a logical message
// sitting in the given sub-queue.
func (m *Manager) UpdateHeadersByID(ctx context.Context, tx *sql.Tx, queueName, messageID, subQueue string, headers map[string]string) error {
	if m.closed.Load() {
		return ErrQueueClosed
	}
	raw, err := json.Marshal(cloneHeaders(headers))
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	res, err := m.on(tx).ExecContext(ctx,
		m.rebind(fmt.Sprintf(
			"UPDATE %s SET headers = ? WHERE queue = ? AND message_id = ? AND subqueue = ?",
			m.messagesTable())),
		string(raw), queueName, messageID, subQueue)
	if err != nil {
		return normalizeContention(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ReceiveBySeq removes a specific stored message inside tx, returning
// ErrMessageNotFound when it is gone already. The outgoing forwarder
// uses it to consume exactly the entry it is delivering.
func (m *Manager) ReceiveBySeq(ctx context.Context, tx *sql.Tx, seq int64) error {
	res, err := m.on(tx).ExecContext(ctx,
		m.rebind(fmt.Sprintf("DELETE FROM %s WHERE seq = ?", m.messagesTable())),
		seq)
	if err != nil {
		return normalizeContention(err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListSubQueue returns every message parked in (queue, subqueue) in
// enqueue order. The timeout scheduler uses it to recover parked
// deferred messages after a restart.
func (m *Manager) ListSubQueue(ctx context.Context, queueName, subQueue string) ([]Message, error) {
	if m.closed.Load() {
		return nil, ErrQueueClosed
	}
	rows, err := m.db.QueryContext(ctx,
		m.rebind(fmt.Sprintf(
			"SELECT seq, message_id, headers, payload, enqueued_at FROM %s WHERE queue = ? AND subqueue = ? ORDER BY seq",
			m.messagesTable())),
		queueName, subQueue)
	if err != nil {
		return nil, normalizeContention(err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg        Message
			rawHeaders string
			enqueuedNs int64
		)
		if err := rows.Scan(&msg.Seq, &msg.ID, &rawHeaders, &msg.Payload, &enqueuedNs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rawHeaders), &msg.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode headers of message seq=%d: %w", msg.Seq, err)
		}
		msg.Queue = queueName
		msg.SubQueue = subQueue
		msg.EnqueuedAt = time.Unix(0, enqueuedNs)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Count reports how many messages sit in (queue, subqueue).
func (m *Manager) Count(ctx context.Context, queueName, subQueue string) (int, error) {
	if m.closed.Load() {
		return 0, ErrQueueClosed
	}
	var n int
	err := m.db.QueryRowContext(ctx,
		m.rebind(fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE queue = ? AND subqueue = ?", m.messagesTable())),
		queueName, subQueue).Scan(&n)
	if err != nil {
		return 0, normalizeContention(err)
	}
	return n, nil
}
