package notifier

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

func newTestHub() *Hub {
	return New(telemetry.New(zerolog.Nop()), zerolog.Nop())
}

func testMessage(kind xcm.WaypointKind) (*subscription.Subscription, xcm.NotifyMessage) {
	sub := &subscription.Subscription{ID: "sub-1"}
	return sub, xcm.NotifyMessage{Type: kind, SubscriptionID: sub.ID}
}

func TestDispatchByKind(t *testing.T) {
	hub := newTestHub()

	var sent, received, all int
	hub.On(xcm.WaypointSent, ListenerFunc(func(Message) error { sent++; return nil }))
	hub.On(xcm.WaypointReceived, ListenerFunc(func(Message) error { received++; return nil }))
	hub.On("", ListenerFunc(func(Message) error { all++; return nil }))

	sub, msg := testMessage(xcm.WaypointSent)
	hub.Dispatch(sub, msg)

	require.Equal(t, 1, sent)
	require.Equal(t, 0, received)
	require.Equal(t, 1, all)
}

func TestListenerErrorDoesNotAbortDispatch(t *testing.T) {
	hub := newTestHub()

	var delivered int
	hub.On("", ListenerFunc(func(Message) error { return errors.New("sink down") }))
	hub.On("", ListenerFunc(func(Message) error { panic("broken listener") }))
	hub.On("", ListenerFunc(func(Message) error { delivered++; return nil }))

	sub, msg := testMessage(xcm.WaypointReceived)
	hub.Dispatch(sub, msg)

	require.Equal(t, 1, delivered)
}

func TestOffStopsDelivery(t *testing.T) {
	hub := newTestHub()

	var delivered int
	id := hub.On("", ListenerFunc(func(Message) error { delivered++; return nil }))

	sub, msg := testMessage(xcm.WaypointTimeout)
	hub.Dispatch(sub, msg)
	hub.Off(id)
	hub.Dispatch(sub, msg)

	require.Equal(t, 1, delivered)
}
