package esb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEvents() *events {
	return &events{logger: &NoopLogger{}}
}

func TestEvents_ArrivedFoldsWithOr(t *testing.T) {
	e := newTestEvents()

	subscribe(e, &e.arrived, MessageArrivedHandler(func(context.Context, *CurrentMessageInformation) (bool, error) {
		return false, nil
	}))
	subscribe(e, &e.arrived, MessageArrivedHandler(func(context.Context, *CurrentMessageInformation) (bool, error) {
		return true, nil
	}))
	subscribe(e, &e.arrived, MessageArrivedHandler(func(context.Context, *CurrentMessageInformation) (bool, error) {
		return false, nil
	}))

	consumed, err := e.fireArrived(context.Background(), snapshot(e, e.arrived), &CurrentMessageInformation{})
	require.NoError(t, err)
	assert.True(t, consumed)
}

func TestEvents_ArrivedStopsOnError(t *testing.T) {
	e := newTestEvents()
	boom := errors.New("boom")

	calls := 0
	subscribe(e, &e.arrived, MessageArrivedHandler(func(context.Context, *CurrentMessageInformation) (bool, error) {
		calls++
		return false, boom
	}))
	subscribe(e, &e.arrived, MessageArrivedHandler(func(context.Context, *CurrentMessageInformation) (bool, error) {
		calls++
		return true, nil
	}))

	_, err := e.fireArrived(context.Background(), snapshot(e, e.arrived), &CurrentMessageInformation{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestEvents_Unsubscribe(t *testing.T) {
	e := newTestEvents()

	var fired []string
	removeA := subscribe(e, &e.completed, CompletionHandler(func(*CurrentMessageInformation, error) {
		fired = append(fired, "a")
	}))
	subscribe(e, &e.completed, CompletionHandler(func(*CurrentMessageInformation, error) {
		fired = append(fired, "b")
	}))

	removeA()
	// Removing twice is harmless.
	removeA()

	e.fireCompleted(snapshot(e, e.completed), &CurrentMessageInformation{}, nil)
	assert.Equal(t, []string{"b"}, fired)
}

func TestEvents_ErrorActionObservesFirst(t *testing.T) {
	e := newTestEvents()

	var order []string
	e.errorAction = func(*CurrentMessageInformation, error) {
		order = append(order, "error-action")
	}
	subscribe(e, &e.failure, FailureHandler(func(*CurrentMessageInformation, error) {
		order = append(order, "subscriber")
	}))

	e.fireFailure(&CurrentMessageInformation{}, errors.New("boom"))
	assert.Equal(t, []string{"error-action", "subscriber"}, order)
}

func TestEvents_SubscriberPanicIsSwallowed(t *testing.T) {
	e := newTestEvents()

	subscribe(e, &e.completed, CompletionHandler(func(*CurrentMessageInformation, error) {
		panic("subscriber bug")
	}))
	fired := false
	subscribe(e, &e.completed, CompletionHandler(func(*CurrentMessageInformation, error) {
		fired = true
	}))

	assert.NotPanics(t, func() {
		e.fireCompleted(snapshot(e, e.completed), &CurrentMessageInformation{}, nil)
	})
	assert.True(t, fired)
}

func TestEvents_BeforeCommitPropagatesError(t *testing.T) {
	e := newTestEvents()
	boom := errors.New("veto")

	subscribe(e, &e.beforeCommit, BeforeCommitHandler(func(context.Context, *CurrentMessageInformation) error {
		return boom
	}))

	err := e.fireBeforeCommit(context.Background(), &CurrentMessageInformation{})
	assert.ErrorIs(t, err, boom)
}
