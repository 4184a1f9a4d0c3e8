package esb

import (
	"context"
	"time"

	"github.com/ShawnSpooner/rhino-esb/queue"
)

// CurrentMessageInformation is the per-dispatch context. Its lifetime is
// exactly one dispatch; it travels on the context.Context handed to
// subscriber callbacks so that Reply needs no plumbing. Subscribers must
// not retain it beyond their callback.
type CurrentMessageInformation struct {
	// MessageID is the caller-assigned GUID of the logical message.
	MessageID string

	// Source is the URI of the originating endpoint.
	Source string

	// Destination is the URI of the endpoint the message arrived at.
	Destination string

	// TransportMessageSeq is the engine-assigned id of the stored copy.
	TransportMessageSeq int64

	// AllMessages is the full decoded sequence carried by the payload.
	AllMessages []interface{}

	// CurrentMessage is the element being dispatched right now.
	CurrentMessage interface{}

	// Queue is a handle to the underlying queue engine.
	Queue *queue.Manager

	// ArrivedAt is captured when the transport message is picked up,
	// before deserialization. The logging module derives processing
	// duration from it.
	ArrivedAt time.Time
}

type infoCtxKey int

const currentMessageKey infoCtxKey = iota

// withCurrentMessage binds the dispatch context to ctx.
func withCurrentMessage(ctx context.Context, info *CurrentMessageInformation) context.Context {
	return context.WithValue(ctx, currentMessageKey, info)
}

// CurrentMessage retrieves the in-flight dispatch context, if any.
// It returns false outside of a dispatch.
func CurrentMessage(ctx context.Context) (*CurrentMessageInformation, bool) {
	info, ok := ctx.Value(currentMessageKey).(*CurrentMessageInformation)
	return info, ok && info != nil
}
