// Package subscription implements the subscription descriptor and its
// persistence contract. A Subscription is created by its owner, mutated in
// place by the Switchboard's update operations, and destroyed by explicit
// unsubscribe or, for ephemeral subscriptions, on process exit.
package subscription

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// DefaultOutboundTTL is applied when a descriptor omits outboundTTL.
const DefaultOutboundTTL = 6 * time.Hour

// Wildcard is the sentinel value meaning "match anything" for senders and
// events.
const Wildcard = "*"

// Subscription declares what a subscriber wants to observe: messages from
// origin to any of the destinations, optionally restricted by sender and
// lifecycle event kind.
type Subscription struct {
	ID           string       `json:"id"`
	Origin       network.ID   `json:"origin"`
	Senders      []string     `json:"senders"` // wildcard is tracked separately (absent in JSON, or nil passed to New); see IsWildcardSenders
	Destinations []network.ID `json:"destinations"`
	Events       []string     `json:"events"` // wildcard is tracked separately (absent in JSON, or nil passed to New); see IsWildcardEvents
	Ephemeral    bool         `json:"ephemeral"`
	OutboundTTL  time.Duration `json:"outboundTTL"`

	sendersWildcard bool
	eventsWildcard  bool
}

// wireSubscription mirrors the JSON shape exactly, since "*" and []string
// cannot share a Go field without a custom (un)marshaler.
type wireSubscription struct {
	ID           string       `json:"id"`
	Origin       network.ID   `json:"origin"`
	Senders      json.RawMessage `json:"senders"`
	Destinations []network.ID `json:"destinations"`
	Events       json.RawMessage `json:"events"`
	Ephemeral    bool         `json:"ephemeral"`
	OutboundTTL  int64        `json:"outboundTTL"` // milliseconds
}

// MarshalJSON encodes the descriptor, rendering wildcard fields as the
// literal string "*".
func (s Subscription) MarshalJSON() ([]byte, error) {
	w := wireSubscription{
		ID:           s.ID,
		Origin:       s.Origin,
		Destinations: s.Destinations,
		Ephemeral:    s.Ephemeral,
		OutboundTTL:  s.OutboundTTL.Milliseconds(),
	}

	var err error
	if w.Senders, err = wildcardOrList(s.sendersWildcard, s.Senders); err != nil {
		return nil, err
	}
	if w.Events, err = wildcardOrList(s.eventsWildcard, s.Events); err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func wildcardOrList(wildcard bool, values []string) (json.RawMessage, error) {
	if wildcard {
		return json.Marshal(Wildcard)
	}
	return json.Marshal(values)
}

// UnmarshalJSON decodes the descriptor, resolving the "*" | []string union
// for senders and events.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	var w wireSubscription
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	s.ID = w.ID
	s.Origin = w.Origin
	s.Destinations = w.Destinations
	s.Ephemeral = w.Ephemeral
	s.OutboundTTL = time.Duration(w.OutboundTTL) * time.Millisecond

	senders, sendersWildcard, err := decodeUnionField(w.Senders)
	if err != nil {
		return fmt.Errorf("subscription: senders: %w", err)
	}
	s.Senders, s.sendersWildcard = senders, sendersWildcard

	events, eventsWildcard, err := decodeUnionField(w.Events)
	if err != nil {
		return fmt.Errorf("subscription: events: %w", err)
	}
	s.Events, s.eventsWildcard = events, eventsWildcard

	return nil
}

func decodeUnionField(raw json.RawMessage) ([]string, bool, error) {
	if len(raw) == 0 {
		return nil, true, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString != Wildcard {
			return nil, false, fmt.Errorf("unexpected string value %q, want %q", asString, Wildcard)
		}
		return nil, true, nil
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err != nil {
		return nil, false, fmt.Errorf("must be %q or a string array: %w", Wildcard, err)
	}
	// An explicit empty array is NOT the wildcard: it means "none match".
	return asList, false, nil
}

// IsWildcardSenders reports whether this descriptor's senders field is "*".
func (s Subscription) IsWildcardSenders() bool { return s.sendersWildcard }

// IsWildcardEvents reports whether this descriptor's events field is "*".
func (s Subscription) IsWildcardEvents() bool { return s.eventsWildcard }

// SetSenders replaces the senders criteria. wildcard must be passed
// explicitly since an empty values slice is ambiguous between "*" and
// "none match".
func (s *Subscription) SetSenders(values []string, wildcard bool) {
	s.Senders = values
	s.sendersWildcard = wildcard
}

// SetEvents replaces the events criteria, used by updateEvents.
func (s *Subscription) SetEvents(values []string, wildcard bool) {
	s.Events = values
	s.eventsWildcard = wildcard
}

// SetDestinations replaces the destinations set. A destination equal to
// origin is rejected.
func (s *Subscription) SetDestinations(values []network.ID) error {
	if len(values) == 0 {
		return fmt.Errorf("subscription: at least one destination is required")
	}
	for _, d := range values {
		if d == s.Origin {
			return fmt.Errorf("subscription: origin %q must not appear among its own destinations", s.Origin)
		}
	}
	s.Destinations = values
	return nil
}

// WantsEvent reports whether kind is among the subscribed events.
func (s Subscription) WantsEvent(kind xcm.WaypointKind) bool {
	if s.eventsWildcard {
		return true
	}
	for _, e := range s.Events {
		if e == string(kind) {
			return true
		}
	}
	return false
}

// New builds a Subscription with a fresh ID and the default outbound TTL.
// A nil senders or events slice means the wildcard; an explicit empty slice
// means "none match".
func New(origin network.ID, senders []string, destinations []network.ID, events []string, ephemeral bool) *Subscription {
	return &Subscription{
		ID:              uuid.NewString(),
		Origin:          origin,
		Senders:         senders,
		sendersWildcard: senders == nil,
		Destinations:    destinations,
		Events:          events,
		eventsWildcard:  events == nil,
		Ephemeral:       ephemeral,
		OutboundTTL:     DefaultOutboundTTL,
	}
}

// Validate enforces the descriptor's structural invariants: a well-formed
// origin, at least one destination, and origin absent from its own
// destinations. An explicit empty senders list stays legal but matches no
// one.
func (s *Subscription) Validate() error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Origin == "" {
		return fmt.Errorf("subscription: origin is required")
	}
	if _, err := network.Parse(string(s.Origin)); err != nil {
		return fmt.Errorf("subscription: %w", err)
	}
	if len(s.Destinations) == 0 {
		return fmt.Errorf("subscription: at least one destination is required")
	}
	for _, d := range s.Destinations {
		if d == s.Origin {
			return fmt.Errorf("subscription: origin %q must not appear among its own destinations", s.Origin)
		}
		if _, err := network.Parse(string(d)); err != nil {
			return fmt.Errorf("subscription: destination: %w", err)
		}
	}
	if s.OutboundTTL <= 0 {
		s.OutboundTTL = DefaultOutboundTTL
	}
	return nil
}

// Store is the durable subscription CRUD contract. Implementations must be
// strongly consistent for a single writer.
type Store interface {
	Insert(sub *Subscription) error
	Remove(id string) error
	GetByID(id string) (*Subscription, bool, error)
	GetByNetworkID(chainID network.ID) ([]*Subscription, error)
	List() ([]*Subscription, error)
	Close() error
}
