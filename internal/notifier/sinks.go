package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// LogSink writes every delivery to the structured logger. Useful standalone
// and as the always-on sink alongside webhook/websocket delivery.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "notifier_log_sink").Logger()}
}

func (s *LogSink) Notify(msg Message) error {
	s.log.Info().
		Str("subscriptionId", msg.Subscription.ID).
		Str("waypoint", string(msg.Notify.Type)).
		Str("origin", string(msg.Subscription.Origin)).
		Msg("xcm notification")
	return nil
}

// WebhookSink POSTs the notification as JSON to the URL registered for each
// subscription. Registration is held in-process; the management API (out of
// scope for this module) would populate it from the subscription's delivery
// configuration.
type WebhookSink struct {
	mu     sync.RWMutex
	hooks  map[string]string // subscriptionId -> URL
	client *http.Client
}

// NewWebhookSink builds a WebhookSink with a bounded-timeout HTTP client.
func NewWebhookSink() *WebhookSink {
	return &WebhookSink{
		hooks:  make(map[string]string),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Register associates subscriptionId with a webhook URL.
func (s *WebhookSink) Register(subscriptionID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[subscriptionID] = url
}

// Unregister removes a subscription's webhook URL.
func (s *WebhookSink) Unregister(subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hooks, subscriptionID)
}

func (s *WebhookSink) Notify(msg Message) error {
	s.mu.RLock()
	url, ok := s.hooks[msg.Subscription.ID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		SubscriptionID: msg.Subscription.ID,
		Type:           msg.Notify.Type,
		Sent:           msg.Notify.Sent,
		Received:       msg.Notify.Received,
		Relayed:        msg.Notify.Relayed,
	})
	if err != nil {
		return errors.Wrap(err, "notifier: failed to encode webhook payload")
	}

	resp, err := s.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notifier: webhook delivery failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier: webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	SubscriptionID string               `json:"subscriptionId"`
	Type           xcm.WaypointKind     `json:"type"`
	Sent           *xcm.SentContext     `json:"sent,omitempty"`
	Received       *xcm.ReceivedContext `json:"received,omitempty"`
	Relayed        *xcm.RelayedContext  `json:"relayed,omitempty"`
}

// WebSocketSink pushes notifications to subscribers connected over a
// websocket, keyed by subscription id. The httpapi package's websocket
// upgrade handler registers/unregisters connections here as clients
// connect/disconnect.
type WebSocketSink struct {
	mu    sync.RWMutex
	conns map[string][]*websocket.Conn
	log   zerolog.Logger
}

// NewWebSocketSink builds an empty WebSocketSink.
func NewWebSocketSink(log zerolog.Logger) *WebSocketSink {
	return &WebSocketSink{
		conns: make(map[string][]*websocket.Conn),
		log:   log.With().Str("component", "notifier_ws_sink").Logger(),
	}
}

// Register attaches conn as a listener for subscriptionId's notifications.
func (s *WebSocketSink) Register(subscriptionID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[subscriptionID] = append(s.conns[subscriptionID], conn)
}

// Unregister detaches conn, closing it.
func (s *WebSocketSink) Unregister(subscriptionID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := s.conns[subscriptionID][:0]
	for _, c := range s.conns[subscriptionID] {
		if c != conn {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(s.conns, subscriptionID)
	} else {
		s.conns[subscriptionID] = remaining
	}
	_ = conn.Close()
}

func (s *WebSocketSink) Notify(msg Message) error {
	s.mu.RLock()
	conns := append([]*websocket.Conn(nil), s.conns[msg.Subscription.ID]...)
	s.mu.RUnlock()

	if len(conns) == 0 {
		return nil
	}

	var firstErr error
	for _, c := range conns {
		if err := c.WriteJSON(msg.Notify); err != nil {
			s.log.Warn().Err(err).Str("subscriptionId", msg.Subscription.ID).Msg("failed to push websocket notification")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
