// Package notifier implements the notification fan-out hub: an
// event-listener registry keyed by notification kind, dispatching every
// emitted message to every matching listener. Listener errors are caught
// per listener and reported via telemetry; they never abort dispatch to the
// remaining listeners.
package notifier

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// Message bundles the subscription a notification belongs to with the
// lifecycle event itself, the payload handed to every Listener.
type Message struct {
	Subscription *subscription.Subscription
	Notify       xcm.NotifyMessage
}

// Listener is the delivery sink contract. Concrete sinks (log, webhook,
// websocket) implement this.
type Listener interface {
	Notify(msg Message) error
}

// ListenerFunc adapts a plain function to Listener.
type ListenerFunc func(msg Message) error

func (f ListenerFunc) Notify(msg Message) error { return f(msg) }

type registration struct {
	kind     xcm.WaypointKind // zero value means "any"
	listener Listener
}

// Hub dispatches emitted notifications to registered listeners.
type Hub struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[int64]registration

	telemetry *telemetry.Recorder
	log       zerolog.Logger
}

// New builds an empty Hub.
func New(rec *telemetry.Recorder, log zerolog.Logger) *Hub {
	return &Hub{
		listeners: make(map[int64]registration),
		telemetry: rec,
		log:       log.With().Str("component", "notifier_hub").Logger(),
	}
}

// On registers l for kind ("" subscribes to every kind). Returns a handle
// for Off.
func (h *Hub) On(kind xcm.WaypointKind, l Listener) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.listeners[id] = registration{kind: kind, listener: l}
	return id
}

// Off removes a listener registered via On.
func (h *Hub) Off(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
}

// Dispatch delivers msg to every listener registered for msg.Notify.Type or
// for "any". The Switchboard calls this once it has confirmed the
// descriptor still wants the message.
func (h *Hub) Dispatch(desc *subscription.Subscription, notify xcm.NotifyMessage) {
	h.mu.RLock()
	targets := make([]Listener, 0, len(h.listeners))
	for _, reg := range h.listeners {
		if reg.kind == "" || reg.kind == notify.Type {
			targets = append(targets, reg.listener)
		}
	}
	h.mu.RUnlock()

	msg := Message{Subscription: desc, Notify: notify}
	for _, l := range targets {
		h.deliver(l, msg)
	}
}

func (h *Hub) deliver(l Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			h.telemetry.Error(telemetry.KindNotifierListenerError, errPanic(r), map[string]string{"subscription": msg.Subscription.ID})
		}
	}()

	if err := l.Notify(msg); err != nil {
		h.telemetry.Error(telemetry.KindNotifierListenerError, err, map[string]string{"subscription": msg.Subscription.ID, "waypoint": string(msg.Notify.Type)})
	}
}

type panicError struct{ v any }

func (p panicError) Error() string { return "notifier: listener panicked" }

func errPanic(v any) error { return panicError{v: v} }
