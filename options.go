package esb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/ShawnSpooner/rhino-esb/endpoint"
	"github.com/ShawnSpooner/rhino-esb/relay"
	"github.com/ShawnSpooner/rhino-esb/retry"
	"github.com/ShawnSpooner/rhino-esb/serialization"
)

// Option is a function that configures a Transport.
//
// Example:
//
//	transport, err := esb.NewTransport(
//	    esb.WithEndpoint("esb://localhost:2200/orders"),
//	    esb.WithPath("/var/lib/esb"),
//	    esb.WithThreadCount(4),
//	    esb.WithNumberOfRetries(5),
//	)
type Option func(*Transport) error

// WithEndpoint sets the local endpoint URI. The URI determines the
// listen address and the name of the main queue.
//
// This is a required option for NewTransport.
func WithEndpoint(uri string) Option {
	return func(t *Transport) error {
		e, err := endpoint.Parse(uri)
		if err != nil {
			return fmt.Errorf("invalid endpoint: %w", err)
		}
		if e.SubQueue != "" {
			return fmt.Errorf("local endpoint cannot address a sub-queue")
		}
		t.endpoint = e
		return nil
	}
}

// WithPath sets the on-disk directory for the persistent queue engine.
// Either WithPath or WithDatabase is required.
func WithPath(dir string) Option {
	return func(t *Transport) error {
		if dir == "" {
			return fmt.Errorf("path cannot be empty")
		}
		t.storePath = dir
		return nil
	}
}

// WithDatabase points the queue engine at a server-backed store instead
// of a local file (driver "mysql" or "postgres", plus its DSN).
func WithDatabase(driverName, dsn string) Option {
	return func(t *Transport) error {
		if driverName == "" || dsn == "" {
			return fmt.Errorf("driver and dsn cannot be empty")
		}
		t.storeDriver = driverName
		t.storeDSN = dsn
		return nil
	}
}

// WithThreadCount sets the number of workers. Default is 1.
func WithThreadCount(n int) Option {
	return func(t *Transport) error {
		if n <= 0 {
			return fmt.Errorf("thread count must be > 0, got %d", n)
		}
		t.threadCount = n
		return nil
	}
}

// WithQueueIsolationLevel sets the default isolation for transport
// transactions. When a send enlists in a caller transaction, the
// caller's isolation wins.
func WithQueueIsolationLevel(level sql.IsolationLevel) Option {
	return func(t *Transport) error {
		t.isolation = level
		return nil
	}
}

// WithNumberOfRetries sets how many times a failing message is
// attempted before it is quarantined in the errors sub-queue.
// Default is 5.
func WithNumberOfRetries(n int) Option {
	return func(t *Transport) error {
		if n <= 0 {
			return fmt.Errorf("number of retries must be > 0, got %d", n)
		}
		t.strategy = t.strategy.WithMaxRetries(n)
		return nil
	}
}

// WithRetryStrategy replaces the whole retry policy, including the
// outgoing forwarder's backoff schedule.
func WithRetryStrategy(strategy retry.Strategy) Option {
	return func(t *Transport) error {
		t.strategy = strategy
		return nil
	}
}

// WithTransactionTimeout bounds every dispatch and send transaction.
// Default is 30 seconds.
func WithTransactionTimeout(d time.Duration) Option {
	return func(t *Transport) error {
		if d <= 0 {
			return fmt.Errorf("transaction timeout must be > 0, got %v", d)
		}
		t.txTimeout = d
		return nil
	}
}

// WithSerializer injects the payload serializer. Default is the JSON
// serializer with a fresh type registry.
func WithSerializer(s serialization.Serializer) Option {
	return func(t *Transport) error {
		if s == nil {
			return fmt.Errorf("serializer cannot be nil")
		}
		t.serializer = s
		return nil
	}
}

// WithLogger sets the logger instance. Default is NoopLogger.
func WithLogger(logger Logger) Option {
	return func(t *Transport) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		t.logger = logger
		return nil
	}
}

// WithRelay wires a carrier for remote endpoints. Without one the
// transport refuses sends to endpoints whose host or port differs from
// its own; other queues on its own host remain reachable.
func WithRelay(r relay.Relay) Option {
	return func(t *Transport) error {
		if r == nil {
			return fmt.Errorf("relay cannot be nil")
		}
		t.relay = r
		return nil
	}
}
