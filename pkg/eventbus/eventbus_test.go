package eventbus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embercast/ember/pkg/eventbus"
)

type stopEvent struct{}

func (stopEvent) Kind() eventbus.Kind { return eventbus.KindStop }

func TestPublishDispatchesInRegistrationOrder(t *testing.T) {
	bus := eventbus.New()
	var order []int

	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { order = append(order, 1) })
	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { order = append(order, 2) })
	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { order = append(order, 3) })

	bus.Publish(stopEvent{})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestUnsubscribeTakesEffectImmediately(t *testing.T) {
	bus := eventbus.New()
	var calls int

	reg := bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { calls++ })
	bus.Publish(stopEvent{})
	require.Equal(t, 1, calls)

	reg.Unsubscribe()
	bus.Publish(stopEvent{})
	assert.Equal(t, 1, calls, "handler must not fire after Unsubscribe returns")

	// Unsubscribe must be idempotent.
	assert.NotPanics(t, func() { reg.Unsubscribe() })
}

func TestUnsubscribeDuringDispatchDoesNotAffectCurrentPublish(t *testing.T) {
	bus := eventbus.New()
	var fired []string
	var regB *eventbus.Registration

	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) {
		fired = append(fired, "a")
		regB.Unsubscribe()
	})
	regB = bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { fired = append(fired, "b") })

	bus.Publish(stopEvent{})
	assert.Equal(t, []string{"a", "b"}, fired, "the snapshot taken at publish time still includes b")

	fired = nil
	bus.Publish(stopEvent{})
	assert.Equal(t, []string{"a"}, fired, "b must be gone on the next publish")
}

func TestPanicInHandlerDoesNotAbortRemainingHandlers(t *testing.T) {
	var panicked eventbus.Kind
	bus := eventbus.New(eventbus.WithPanicHandler(func(kind eventbus.Kind, recovered any) {
		panicked = kind
	}))

	var secondCalled bool
	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { panic("boom") })
	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) { secondCalled = true })

	assert.NotPanics(t, func() { bus.Publish(stopEvent{}) })
	assert.True(t, secondCalled)
	assert.Equal(t, eventbus.KindStop, panicked)
}

func TestSubscriberCountReflectsUnrelatedKinds(t *testing.T) {
	bus := eventbus.New()
	bus.Subscribe(eventbus.KindStop, func(eventbus.Event) {})
	bus.Subscribe(eventbus.KindPause, func(eventbus.Event) {})

	assert.Equal(t, 1, bus.SubscriberCount(eventbus.KindStop))
	assert.Equal(t, 1, bus.SubscriberCount(eventbus.KindPause))
	assert.Equal(t, 0, bus.SubscriberCount(eventbus.KindResume))
}
