// Package esb provides a durable, transactional message-bus transport
// with at-least-once delivery, local persistence, retries, deferred
// (future-dated) delivery, and a structured observation pipeline for
// side-band logging.
//
// # Features
//
//   - Transactional Dispatch: messages leave the queue only when the
//     enclosing transaction commits; failures roll back in full
//   - Worker Pool: a fixed set of workers running the
//     peek → receive-under-transaction → dispatch → commit loop
//   - Retry with Quarantine: failing messages are re-attempted up to N
//     times, then moved to the errors sub-queue
//   - Deferred Delivery: future-dated messages park in the timeout
//     sub-queue until their send time elapses
//   - Discard Audit: messages no subscriber consumes are retained in
//     the discarded sub-queue
//   - Lifecycle Events: arrival, completion, failure, send,
//     serialization fault, pre-commit hooks
//   - Observation Pipeline: the audit module mirrors lifecycle events
//     as typed records onto an administrative log queue
//   - Multi-Database Support: SQLite file store by default, MySQL and
//     PostgreSQL for server deployments
//   - Remote Peers: pluggable relays over NATS or Redis Streams
//   - Options Pattern with pluggable Logger and Serializer
//
// # Quick Start
//
//	import (
//	    esb "github.com/ShawnSpooner/rhino-esb"
//	)
//
//	transport, err := esb.NewTransport(
//	    esb.WithEndpoint("esb://localhost:2200/orders"),
//	    esb.WithPath("/var/lib/esb"),
//	    esb.WithThreadCount(4),
//	    esb.WithNumberOfRetries(5),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	transport.OnMessageArrived(func(ctx context.Context, info *esb.CurrentMessageInformation) (bool, error) {
//	    order, ok := info.CurrentMessage.(OrderPlaced)
//	    if !ok {
//	        return false, nil
//	    }
//	    // handle the order, optionally reply to the sender
//	    return true, transport.Reply(ctx, OrderAccepted{ID: order.ID})
//	})
//
//	if err := transport.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer transport.Dispose()
//
//	err = transport.Send(context.Background(), "esb://localhost:2200/orders", OrderPlaced{ID: "o-1"})
//
// Deferred delivery:
//
//	transport.SendAt(ctx, destination, time.Now().Add(2*time.Hour), ReviewOrder{ID: "o-1"})
//
// # Sub-queues
//
// Every queue carries the reserved sub-queues "timeout" (deferred
// messages), "discarded" (consumed by nobody, kept for audit), "errors"
// (poison messages after N failed attempts) and "outgoing" (committed
// sends awaiting remote delivery). Address one with the endpoint suffix
// ";subqueue=<name>".
package esb
