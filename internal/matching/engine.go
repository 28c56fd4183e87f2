// Package matching implements the content-addressed correlator that joins
// sent-side, received-side, and relay-leg observations of the same XCM
// message, persists half-matches in the pending store, and emits lifecycle
// notifications exactly once per stage.
package matching

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/store"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// WaypointFunc receives every emitted notification. The Switchboard supplies
// this at construction time, which keeps this package free of an import
// cycle back into switchboard.
type WaypointFunc func(xcm.NotifyMessage)

// Engine correlates message legs. All state transitions run under a single
// mutex; sharding by message hash would preserve the semantics but is not
// needed at current load.
type Engine struct {
	mu    sync.Mutex
	store store.Store

	onWaypoint WaypointFunc
	telemetry  *telemetry.Recorder
	log        zerolog.Logger

	// defaultTTL backs inbound-only and relay-only half-matches, which are
	// created by legs whose operations (onInboundMessage, onRelayedMessage)
	// carry no explicit ttl parameter.
	defaultTTL time.Duration

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	running       bool

	// terminal guards against re-processing a (subscriptionId, messageHash)
	// pair once it has matched or timed out; later observations on such a
	// pair are duplicates and are ignored. Entries age out on the sweep
	// cadence; see pruneTerminal.
	terminal map[string]time.Time
}

// New builds an Engine. sweepInterval and defaultTTL come from
// config.Config's SchedulerFrequencyMs and SweepExpiryMs respectively.
func New(pending store.Store, onWaypoint WaypointFunc, rec *telemetry.Recorder, log zerolog.Logger, sweepInterval, defaultTTL time.Duration) *Engine {
	return &Engine{
		store:         pending,
		onWaypoint:    onWaypoint,
		telemetry:     rec,
		log:           log.With().Str("component", "matching_engine").Logger(),
		defaultTTL:    defaultTTL,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		terminal:      make(map[string]time.Time),
	}
}

// Start launches the background sweep loop.
func (e *Engine) Start() {
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop halts the sweep loop, allowing an in-flight pass to finish.
func (e *Engine) Stop() {
	if !e.running {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.running = false
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			if err := e.sweep(now); err != nil {
				e.log.Error().Err(err).Msg("sweep failed, will retry next tick")
			}
		}
	}
}

func terminalKey(sub string, hash xcm.Hash) string {
	return sub + "/" + hash.String()
}

func (e *Engine) isTerminal(sub string, hash xcm.Hash) bool {
	_, ok := e.terminal[terminalKey(sub, hash)]
	return ok
}

func (e *Engine) markTerminal(sub string, hash xcm.Hash, now time.Time) {
	e.terminal[terminalKey(sub, hash)] = now
}

// pruneTerminal drops terminal markers older than two sweep intervals; kept
// long enough to absorb any in-flight duplicate delivery racing the mutex.
func (e *Engine) pruneTerminal(now time.Time) {
	cutoff := now.Add(-2 * e.sweepInterval)
	for k, t := range e.terminal {
		if t.Before(cutoff) {
			delete(e.terminal, k)
		}
	}
}

// emit delivers msg and records telemetry. Called with the engine mutex
// held; a failing or panicking listener must not abort the state transition,
// which has already committed.
func (e *Engine) emit(msg xcm.NotifyMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Str("waypoint", string(msg.Type)).Msg("onWaypointReached listener panicked")
		}
	}()
	e.onWaypoint(msg)
	e.telemetry.NotificationEmitted(string(msg.Type))
}

// OnOutboundMessage handles a sent-side observation.
func (e *Engine) OnOutboundMessage(sub string, sent xcm.SentContext, ttl time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isTerminal(sub, sent.MessageHash) {
		return nil
	}

	key := xcm.SentKey(sent.MessageHash, sent.Destination)

	existing, found, err := e.store.Get(store.NamespaceOutbound, key)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage", "key": key})
		return err
	}

	if found && existing.HasSubscription(sub) && existing.BlockHash == sent.BlockHash {
		// duplicate block replay of the same leg; overwrite silently, no re-emit
		existing.Sent = &sent
		if err := e.store.Put(store.NamespaceOutbound, key, existing); err != nil {
			e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.put", "key": key})
			return err
		}
		return nil
	}

	emitSent := !found || !existing.HasSubscription(sub)
	if emitSent {
		e.emit(xcm.NotifyMessage{Type: xcm.WaypointSent, SubscriptionID: sub, Sent: &sent, Sender: sent.Sender})
	}

	// A relay leg may have arrived first; consume it into a Relayed emission
	// before checking for the (later-stage) Received counterpart, preserving
	// the Sent -> Relayed? -> Received|Timeout emission order.
	relayKey := xcm.RelayKey(sent.MessageHash, sent.Origin, sent.Destination)
	relayEntry, hasRelay, err := e.store.Get(store.NamespaceRelay, relayKey)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.relay", "key": relayKey})
		return err
	}
	if hasRelay {
		if err := e.store.Delete(store.NamespaceRelay, relayKey); err != nil {
			e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.relay.delete"})
		}
		for subID := range unionSubs(sub, relayEntry) {
			e.emit(xcm.NotifyMessage{Type: xcm.WaypointRelayed, SubscriptionID: subID, Relayed: relayEntry.Relayed, Sender: sent.Sender})
		}
	}

	counterpart, hasCounterpart, err := e.store.Get(store.NamespaceInbound, key)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.inbound", "key": key})
		return err
	}

	if hasCounterpart {
		if err := e.store.Delete(store.NamespaceInbound, key); err != nil {
			e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.inbound.delete"})
		}
		now := time.Now()
		for subID := range unionSubs(sub, counterpart) {
			e.emit(xcm.NotifyMessage{Type: xcm.WaypointReceived, SubscriptionID: subID, Sent: &sent, Received: counterpart.Received, Sender: sent.Sender})
			e.markTerminal(subID, sent.MessageHash, now)
		}
		return nil
	}

	entry := &store.Entry{
		Key:       key,
		Kind:      store.KindSent,
		ExpiresAt: time.Now().Add(ttl),
		BlockHash: sent.BlockHash,
		Sent:      &sent,
	}
	if found {
		entry.SubscriptionIDs = existing.SubscriptionIDs
	}
	entry.AddSubscription(sub)

	if err := e.store.Put(store.NamespaceOutbound, key, entry); err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onOutboundMessage.put", "key": key})
		return err
	}
	return nil
}

// OnInboundMessage handles a received-side observation. The outbound
// namespace is consulted first; only when no sent counterpart exists does
// the observation persist on the inbound side.
func (e *Engine) OnInboundMessage(sub string, inbound xcm.Inbound) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	received := inbound.Received
	if e.isTerminal(sub, received.MessageHash) {
		return nil
	}

	key := xcm.ReceivedKey(received.MessageHash, received.Destination)

	existing, found, err := e.store.Get(store.NamespaceInbound, key)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onInboundMessage", "key": key})
		return err
	}
	if found && existing.HasSubscription(sub) && existing.BlockHash == received.BlockHash {
		return nil
	}

	counterpart, hasCounterpart, err := e.store.Get(store.NamespaceOutbound, key)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onInboundMessage.outbound", "key": key})
		return err
	}

	if hasCounterpart {
		if err := e.store.Delete(store.NamespaceOutbound, key); err != nil {
			e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onInboundMessage.outbound.delete"})
		}
		now := time.Now()
		var sender *xcm.Account
		if counterpart.Sent != nil {
			sender = counterpart.Sent.Sender
		}
		for subID := range unionSubs(sub, counterpart) {
			e.emit(xcm.NotifyMessage{Type: xcm.WaypointReceived, SubscriptionID: subID, Sent: counterpart.Sent, Received: &received, Sender: sender})
			e.markTerminal(subID, received.MessageHash, now)
		}
		return nil
	}

	entry := &store.Entry{
		Key:       key,
		Kind:      store.KindReceived,
		ExpiresAt: time.Now().Add(e.defaultTTL),
		BlockHash: received.BlockHash,
		Received:  &received,
	}
	if found {
		entry.SubscriptionIDs = existing.SubscriptionIDs
	}
	entry.AddSubscription(sub)

	if err := e.store.Put(store.NamespaceInbound, key, entry); err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onInboundMessage.put", "key": key})
		return err
	}
	return nil
}

// OnRelayedMessage handles a relay-leg observation. Hop is reserved for
// relay-joined messages later observed at a further destination; nothing
// feeds that trigger yet.
func (e *Engine) OnRelayedMessage(sub string, relayed xcm.RelayedContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isTerminal(sub, relayed.MessageHash) {
		return nil
	}

	sentKey := xcm.SentKey(relayed.MessageHash, relayed.Destination)
	sentEntry, hasSent, err := e.store.Get(store.NamespaceOutbound, sentKey)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onRelayedMessage.outbound", "key": sentKey})
		return err
	}

	if hasSent {
		var sender *xcm.Account
		if sentEntry.Sent != nil {
			sender = sentEntry.Sent.Sender
		}
		for subID := range unionSubs(sub, sentEntry) {
			e.emit(xcm.NotifyMessage{Type: xcm.WaypointRelayed, SubscriptionID: subID, Relayed: &relayed, Sender: sender})
		}
		return nil
	}

	relayKey := xcm.RelayKey(relayed.MessageHash, relayed.Origin, relayed.Destination)
	existing, found, err := e.store.Get(store.NamespaceRelay, relayKey)
	if err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onRelayedMessage.relay", "key": relayKey})
		return err
	}
	if found && existing.HasSubscription(sub) {
		return nil
	}

	entry := &store.Entry{
		Key:       relayKey,
		Kind:      store.KindRelayed,
		ExpiresAt: time.Now().Add(e.defaultTTL),
		Relayed:   &relayed,
	}
	if found {
		entry.SubscriptionIDs = existing.SubscriptionIDs
	}
	entry.AddSubscription(sub)

	if err := e.store.Put(store.NamespaceRelay, relayKey, entry); err != nil {
		e.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "onRelayedMessage.put", "key": relayKey})
		return err
	}
	return nil
}

// ClearPendingStates removes sub from every pending entry across all
// namespaces. Holding the engine mutex guarantees an in-flight match for
// sub completes before its state is cleared.
func (e *Engine) ClearPendingStates(sub string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k := range e.terminal {
		if strings.HasPrefix(k, sub+"/") {
			delete(e.terminal, k)
		}
	}

	return e.store.ClearForSubscription(sub)
}

// sweep reaps expired entries across all namespaces, emitting Timeout for
// outbound entries still waiting on a counterpart.
func (e *Engine) sweep(now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneTerminal(now)

	outboundExpired, err := e.store.IterExpired(store.NamespaceOutbound, now)
	if err != nil {
		return err
	}
	for _, entry := range outboundExpired {
		if entry.Sent == nil {
			continue
		}
		for subID := range entry.SubscriptionIDs {
			if e.isTerminal(subID, entry.Sent.MessageHash) {
				continue
			}
			e.emit(xcm.NotifyMessage{Type: xcm.WaypointTimeout, SubscriptionID: subID, Sent: entry.Sent, Sender: entry.Sent.Sender})
			e.markTerminal(subID, entry.Sent.MessageHash, now)
		}
		if err := e.store.Delete(store.NamespaceOutbound, entry.Key); err != nil {
			e.log.Error().Err(err).Str("key", entry.Key).Msg("failed to delete reaped outbound entry")
			continue
		}
		e.telemetry.SweepReaped(1)
	}

	for _, ns := range []store.Namespace{store.NamespaceInbound, store.NamespaceRelay} {
		expired, err := e.store.IterExpired(ns, now)
		if err != nil {
			return err
		}
		for _, entry := range expired {
			if err := e.store.Delete(ns, entry.Key); err != nil {
				e.log.Error().Err(err).Str("key", entry.Key).Str("namespace", string(ns)).Msg("failed to delete reaped entry")
				continue
			}
			e.telemetry.SweepReaped(1)
		}
	}

	return nil
}

func unionSubs(sub string, entry *store.Entry) map[string]struct{} {
	out := make(map[string]struct{}, len(entry.SubscriptionIDs)+1)
	for s := range entry.SubscriptionIDs {
		out[s] = struct{}{}
	}
	out[sub] = struct{}{}
	return out
}
