// Package store implements the pending-match store: a durable keyed map
// partitioned into outbound/inbound/relay namespaces, holding half-matched
// XCM observations until their counterpart arrives or their TTL elapses.
package store

import (
	"time"

	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// Namespace is one of the three logical partitions a PendingEntry lives in.
type Namespace string

const (
	NamespaceOutbound Namespace = "outbound"
	NamespaceInbound  Namespace = "inbound"
	NamespaceRelay    Namespace = "relay"
)

// Kind tags which leg a PendingEntry represents.
type Kind string

const (
	KindSent     Kind = "SENT"
	KindReceived Kind = "RECEIVED"
	KindRelayed  Kind = "RELAYED"
)

// Entry is a persisted half-match awaiting its counterpart or TTL
// expiration. Exactly one of Sent/Received/Relayed is populated, matching
// Kind.
type Entry struct {
	Key             string
	Kind            Kind
	SubscriptionIDs map[string]struct{}
	ExpiresAt       time.Time

	// BlockHash of the observation that created this entry, used for the
	// (messageHash, blockHash) duplicate-detection guard.
	BlockHash xcm.Hash

	Sent     *xcm.SentContext
	Received *xcm.ReceivedContext
	Relayed  *xcm.RelayedContext
}

// AddSubscription records that subID is interested in this entry's
// counterpart arriving.
func (e *Entry) AddSubscription(subID string) {
	if e.SubscriptionIDs == nil {
		e.SubscriptionIDs = make(map[string]struct{})
	}
	e.SubscriptionIDs[subID] = struct{}{}
}

// HasSubscription reports whether subID is tracked on this entry.
func (e *Entry) HasSubscription(subID string) bool {
	_, ok := e.SubscriptionIDs[subID]
	return ok
}

// Store is the pending-entry persistence contract. Implementations supply
// no locking of their own; the matching engine serializes concurrent access
// with an in-process mutex.
type Store interface {
	Get(ns Namespace, key string) (*Entry, bool, error)
	Put(ns Namespace, key string, entry *Entry) error
	Delete(ns Namespace, key string) error
	// IterExpired returns every entry in ns whose ExpiresAt <= now.
	IterExpired(ns Namespace, now time.Time) ([]*Entry, error)
	// ClearForSubscription removes subID from every entry's
	// SubscriptionIDs across all namespaces, deleting entries whose set
	// becomes empty as a result.
	ClearForSubscription(subID string) error
	Close() error
}
