package queue

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// Sentinel errors returned by engine operations. The worker loop keys
// its continue/exit decisions off these.
var (
	// ErrTimeout indicates a peek or receive gave up within its bounded
	// wait, or that a peeked message was taken by a peer under
	// contention. Callers treat it as benign and continue.
	ErrTimeout = errors.New("queue: operation timed out")

	// ErrQueueClosed indicates the engine is being torn down.
	// Workers observing it exit quietly.
	ErrQueueClosed = errors.New("queue: manager is closed")

	// ErrMessageNotFound indicates a move or header update addressed a
	// stored message that no longer exists in the expected sub-queue.
	ErrMessageNotFound = errors.New("queue: message not found")
)

// IsTimeout reports whether err is the benign bounded-wait indication.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsClosed reports whether err is the teardown indication.
func IsClosed(err error) bool { return errors.Is(err, ErrQueueClosed) }

// normalizeContention maps driver-level lock contention onto ErrTimeout
// so workers treat it as a transient condition rather than a fault.
// SQLite surfaces write conflicts as "database is locked" / busy
// snapshots; MySQL and Postgres report lock waits and serialization
// failures with their own phrasing.
func normalizeContention(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrTimeout
	}
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database table is locked",
		"busy",
		"lock wait timeout",
		"could not serialize access",
		"deadlock",
	} {
		if strings.Contains(msg, marker) {
			return ErrTimeout
		}
	}
	return err
}
