// Package switchboard implements the subscription registry and supervisor.
// It composes finalized-block streams from many chains into filtered
// sent/received/relayed observation legs per subscription, recovers failing
// legs with a backoff/retry cycle, and fans matched notifications out to the
// notifier hub.
package switchboard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/matching"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/query"
	"github.com/ocelloids/ocnwatch/internal/streamhub"
	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// ErrTooManySubscribers is returned by Subscribe when the configured cap for
// the descriptor's persistence mode has been reached.
var ErrTooManySubscribers = errors.New("switchboard: too many subscribers")

// NotifyFunc dispatches a matched XcmNotifyMessage for desc to the
// NotifierHub. Supplied at construction so this package does not import
// notifier, avoiding a needless dependency edge; the app wiring passes
// notifier.Hub.Dispatch here.
type NotifyFunc func(desc *subscription.Subscription, msg xcm.NotifyMessage)

// handler holds one subscription's runtime state: the descriptor, its
// derived controls, and the cancel functions for its attached observer legs.
type handler struct {
	mu sync.Mutex

	descriptor *subscription.Subscription
	sendersCtl *query.ControlQuery
	messageCtl *query.ControlQuery

	originCancel map[xcm.Protocol]context.CancelFunc
	destCancel   map[network.ID]context.CancelFunc
	relayCancel  context.CancelFunc
}

func newHandler(desc *subscription.Subscription) *handler {
	return &handler{
		descriptor:   desc,
		sendersCtl:   query.New(sendersExpr(desc)),
		messageCtl:   query.New(messageExpr(desc)),
		originCancel: make(map[xcm.Protocol]context.CancelFunc),
		destCancel:   make(map[network.ID]context.CancelFunc),
	}
}

func (h *handler) hasRelayLeg() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.relayCancel != nil
}

func (h *handler) detachRelay() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.relayCancel != nil {
		h.relayCancel()
		h.relayCancel = nil
	}
}

func (h *handler) detachDestination(dest network.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.destCancel[dest]; ok {
		c()
		delete(h.destCancel, dest)
	}
}

// detachAll cancels every attached leg.
func (h *handler) detachAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.originCancel {
		c()
	}
	h.originCancel = make(map[xcm.Protocol]context.CancelFunc)
	for _, c := range h.destCancel {
		c()
	}
	h.destCancel = make(map[network.ID]context.CancelFunc)
	if h.relayCancel != nil {
		h.relayCancel()
		h.relayCancel = nil
	}
}

// Switchboard owns the map of active subscriptions and their observer legs.
type Switchboard struct {
	mu   sync.RWMutex
	subs map[string]*handler

	registry   *network.Registry
	hub        *streamhub.Hub
	engine     *matching.Engine
	store      subscription.Store
	extractors Extractors
	notify     NotifyFunc
	telemetry  *telemetry.Recorder
	log        zerolog.Logger

	maxEphemeral  uint32
	maxPersistent uint32
	retryBackoff  time.Duration

	ephemeralCount  int
	persistentCount int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options bundles Switchboard's constructor parameters.
type Options struct {
	Registry      *network.Registry
	Hub           *streamhub.Hub
	Engine        *matching.Engine
	Store         subscription.Store
	Extractors    Extractors
	Notify        NotifyFunc
	Telemetry     *telemetry.Recorder
	Log           zerolog.Logger
	MaxEphemeral  uint32
	MaxPersistent uint32
	RetryBackoff  time.Duration
}

// New builds a Switchboard. Start must be called before it begins monitoring.
func New(opts Options) *Switchboard {
	return &Switchboard{
		subs:          make(map[string]*handler),
		registry:      opts.Registry,
		hub:           opts.Hub,
		engine:        opts.Engine,
		store:         opts.Store,
		extractors:    opts.Extractors,
		notify:        opts.Notify,
		telemetry:     opts.Telemetry,
		log:           opts.Log.With().Str("component", "switchboard").Logger(),
		maxEphemeral:  opts.MaxEphemeral,
		maxPersistent: opts.MaxPersistent,
		retryBackoff:  opts.RetryBackoff,
	}
}

// HandleWaypoint is the callback supplied to the matching engine at
// construction. The engine calls this directly, so it must not block.
func (sb *Switchboard) HandleWaypoint(msg xcm.NotifyMessage) {
	sb.mu.RLock()
	h, ok := sb.subs[msg.SubscriptionID]
	sb.mu.RUnlock()
	if !ok {
		return
	}

	h.mu.Lock()
	desc := h.descriptor
	sendersCtl := h.sendersCtl
	h.mu.Unlock()

	if !desc.WantsEvent(msg.Type) {
		return
	}
	// The descriptor may have mutated since the sent leg was recorded, so
	// the senders filter is re-evaluated here rather than trusting whatever
	// the engine observed at record time.
	if !sendersCtl.Evaluate(senderOnlyRecord{sender: msg.Sender}) {
		return
	}
	sb.notify(desc, msg)
}

type senderOnlyRecord struct{ sender *xcm.Account }

func (r senderOnlyRecord) Field(name string) []string {
	if name != "signer" || r.sender == nil {
		return nil
	}
	return []string{r.sender.String()}
}

// Start loads every persisted subscription and begins monitoring it.
func (sb *Switchboard) Start(ctx context.Context) error {
	sb.ctx, sb.cancel = context.WithCancel(ctx)

	subs, err := sb.store.List()
	if err != nil {
		return errors.Wrap(err, "switchboard: failed to load persisted subscriptions")
	}

	sb.mu.Lock()
	handlers := make([]*handler, 0, len(subs))
	for _, desc := range subs {
		h := newHandler(desc)
		sb.subs[desc.ID] = h
		sb.persistentCount++
		handlers = append(handlers, h)
	}
	sb.mu.Unlock()

	for _, h := range handlers {
		sb.monitor(h)
	}

	sb.log.Info().Int("count", len(handlers)).Msg("switchboard started")
	return nil
}

// Stop detaches every observer. Pending sweeps in the engine are the
// engine's own concern; Stop only tears down stream legs.
func (sb *Switchboard) Stop() {
	if sb.cancel != nil {
		sb.cancel()
	}

	sb.mu.RLock()
	handlers := make([]*handler, 0, len(sb.subs))
	for _, h := range sb.subs {
		handlers = append(handlers, h)
	}
	sb.mu.RUnlock()

	for _, h := range handlers {
		h.detachAll()
	}
	sb.wg.Wait()
}

// Subscribe registers desc, persisting it unless it is ephemeral, and begins
// monitoring.
func (sb *Switchboard) Subscribe(desc *subscription.Subscription) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	sb.mu.Lock()
	if _, exists := sb.subs[desc.ID]; exists {
		sb.mu.Unlock()
		return fmt.Errorf("switchboard: subscription %q already exists", desc.ID)
	}
	if desc.Ephemeral && sb.ephemeralCount >= int(sb.maxEphemeral) {
		sb.mu.Unlock()
		sb.telemetry.Error(telemetry.KindSubscribeError, ErrTooManySubscribers, map[string]string{"id": desc.ID, "mode": "ephemeral"})
		return ErrTooManySubscribers
	}
	if !desc.Ephemeral && sb.persistentCount >= int(sb.maxPersistent) {
		sb.mu.Unlock()
		sb.telemetry.Error(telemetry.KindSubscribeError, ErrTooManySubscribers, map[string]string{"id": desc.ID, "mode": "persistent"})
		return ErrTooManySubscribers
	}

	h := newHandler(desc)
	sb.subs[desc.ID] = h
	if desc.Ephemeral {
		sb.ephemeralCount++
	} else {
		sb.persistentCount++
	}
	sb.mu.Unlock()

	if !desc.Ephemeral {
		if err := sb.store.Insert(desc); err != nil {
			sb.mu.Lock()
			delete(sb.subs, desc.ID)
			sb.persistentCount--
			sb.mu.Unlock()
			return errors.Wrap(err, "switchboard: failed to persist subscription")
		}
	}

	sb.monitor(h)
	sb.reportCounts()
	return nil
}

// Unsubscribe detaches all observer legs, clears pending engine state, and
// removes the persistent record. Idempotent.
func (sb *Switchboard) Unsubscribe(id string) error {
	sb.mu.Lock()
	h, ok := sb.subs[id]
	if !ok {
		sb.mu.Unlock()
		return nil
	}
	delete(sb.subs, id)
	if h.descriptor.Ephemeral {
		sb.ephemeralCount--
	} else {
		sb.persistentCount--
	}
	sb.mu.Unlock()

	h.detachAll()

	if err := sb.engine.ClearPendingStates(id); err != nil {
		sb.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "clearPendingStates", "id": id})
	}

	if !h.descriptor.Ephemeral {
		if err := sb.store.Remove(id); err != nil {
			sb.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"op": "removeSubscription", "id": id})
		}
	}

	sb.reportCounts()
	return nil
}

func (sb *Switchboard) lookup(id string) (*handler, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	h, ok := sb.subs[id]
	return h, ok
}

func (sb *Switchboard) warnUnknown(op, id string) {
	sb.telemetry.Error(telemetry.KindUnknownSubscription, fmt.Errorf("unknown subscription %q", id), map[string]string{"op": op})
}

// UpdateSenders mutates the senders control in place; in-flight stream
// events evaluate the new criteria from the next event on.
func (sb *Switchboard) UpdateSenders(id string, values []string, wildcard bool) error {
	h, ok := sb.lookup(id)
	if !ok {
		sb.warnUnknown("updateSenders", id)
		return nil
	}

	h.mu.Lock()
	h.descriptor.SetSenders(values, wildcard)
	h.sendersCtl.Change(sendersExpr(h.descriptor))
	desc := h.descriptor
	h.mu.Unlock()

	return sb.persist(desc)
}

// UpdateDestinations mutates the message control and adds/removes
// destination observer legs to match the new set.
func (sb *Switchboard) UpdateDestinations(id string, values []network.ID) error {
	h, ok := sb.lookup(id)
	if !ok {
		sb.warnUnknown("updateDestinations", id)
		return nil
	}

	h.mu.Lock()
	old := append([]network.ID(nil), h.descriptor.Destinations...)
	if err := h.descriptor.SetDestinations(values); err != nil {
		h.mu.Unlock()
		return err
	}
	h.messageCtl.Change(messageExpr(h.descriptor))
	desc := h.descriptor
	h.mu.Unlock()

	oldSet := toSet(old)
	newSet := toSet(values)

	for _, d := range old {
		if _, keep := newSet[d]; !keep {
			h.detachDestination(d)
		}
	}
	for _, d := range values {
		if _, existed := oldSet[d]; !existed {
			sb.attachDestinationLeg(h, d)
		}
	}
	sb.refreshRelayLeg(h)

	return sb.persist(desc)
}

// UpdateEvents mutates the events criteria and re-derives the relay leg,
// which is only attached while Relayed is among the subscribed events.
func (sb *Switchboard) UpdateEvents(id string, values []string, wildcard bool) error {
	h, ok := sb.lookup(id)
	if !ok {
		sb.warnUnknown("updateEvents", id)
		return nil
	}

	h.mu.Lock()
	h.descriptor.SetEvents(values, wildcard)
	desc := h.descriptor
	h.mu.Unlock()

	sb.refreshRelayLeg(h)
	return sb.persist(desc)
}

// UpdateSubscription replaces the full descriptor for an existing
// subscription: controls and every observer leg are re-derived from the new
// descriptor. The subscription's pending engine state is left untouched;
// only unsubscribe clears it.
func (sb *Switchboard) UpdateSubscription(sub *subscription.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	h, ok := sb.lookup(sub.ID)
	if !ok {
		sb.warnUnknown("updateSubscription", sub.ID)
		return nil
	}

	h.detachAll()

	h.mu.Lock()
	h.descriptor = sub
	h.sendersCtl.Change(sendersExpr(sub))
	h.messageCtl.Change(messageExpr(sub))
	h.mu.Unlock()

	sb.monitor(h)
	return sb.persist(sub)
}

func (sb *Switchboard) persist(desc *subscription.Subscription) error {
	if desc.Ephemeral {
		return nil
	}
	if err := sb.store.Insert(desc); err != nil {
		return errors.Wrap(err, "switchboard: failed to persist subscription update")
	}
	return nil
}

func (sb *Switchboard) reportCounts() {
	sb.mu.RLock()
	ephemeral, persistent := sb.ephemeralCount, sb.persistentCount
	sb.mu.RUnlock()
	sb.telemetry.SetActiveSubscriptions("ephemeral", ephemeral)
	sb.telemetry.SetActiveSubscriptions("persistent", persistent)
}

func toSet(ids []network.ID) map[network.ID]struct{} {
	set := make(map[network.ID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// originProtocols returns the outbound XCM protocols origin supports: a
// relay chain only sends Downward, a parachain sends Upward and Horizontal.
func (sb *Switchboard) originProtocols(origin network.ID) []xcm.Protocol {
	if sb.registry.IsRelay(origin) {
		return []xcm.Protocol{xcm.ProtocolDMP}
	}
	return []xcm.Protocol{xcm.ProtocolUMP, xcm.ProtocolHRMP}
}

// needsRelayLeg reports whether desc requires a relay observer: only when it
// subscribes to Relayed events, its origin is not a relay, and at least one
// destination is not a relay.
func (sb *Switchboard) needsRelayLeg(desc *subscription.Subscription) bool {
	if !desc.WantsEvent(xcm.WaypointRelayed) {
		return false
	}
	if sb.registry.IsRelay(desc.Origin) {
		return false
	}
	for _, d := range desc.Destinations {
		if !sb.registry.IsRelay(d) {
			return true
		}
	}
	return false
}

// monitor attaches every observer leg a descriptor currently requires.
func (sb *Switchboard) monitor(h *handler) {
	for _, proto := range sb.originProtocols(h.descriptor.Origin) {
		sb.attachOriginLeg(h, proto)
	}
	for _, dest := range h.descriptor.Destinations {
		sb.attachDestinationLeg(h, dest)
	}
	sb.refreshRelayLeg(h)
}

func (sb *Switchboard) refreshRelayLeg(h *handler) {
	h.mu.Lock()
	desc := h.descriptor
	h.mu.Unlock()

	want := sb.needsRelayLeg(desc)
	has := h.hasRelayLeg()
	switch {
	case want && !has:
		sb.attachRelayLeg(h)
	case !want && has:
		h.detachRelay()
	}
}

// sleepCtx waits d unless ctx is cancelled first; reports whether the wait
// completed (false means the caller should stop).
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// --- origin leg ---

func (sb *Switchboard) attachOriginLeg(h *handler, proto xcm.Protocol) {
	extractor, ok := sb.extractors.Sent[proto]
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(sb.ctx)
	h.mu.Lock()
	if old, exists := h.originCancel[proto]; exists {
		old()
	}
	h.originCancel[proto] = cancel
	h.mu.Unlock()

	sb.wg.Add(1)
	go sb.runOriginLeg(ctx, h, proto, extractor)
}

// runOriginLeg consumes the origin chain's shared extrinsic stream; on
// stream error the leg backs off and re-attaches. Origin and destination
// legs recover independently, and a leg failure never destroys the base
// subscription.
func (sb *Switchboard) runOriginLeg(ctx context.Context, h *handler, proto xcm.Protocol, extractor chainsource.SentExtractor) {
	defer sb.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		hubSub, err := sb.hub.SharedExtrinsics(ctx, h.descriptor.Origin)
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "origin", "protocol": string(proto)})
			if !sleepCtx(ctx, sb.retryBackoff) {
				return
			}
			continue
		}

		err = sb.consumeOrigin(ctx, h, proto, extractor, hubSub.Extrinsics)
		hubSub.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "origin", "protocol": string(proto)})
		}
		if !sleepCtx(ctx, sb.retryBackoff) {
			return
		}
	}
}

// consumeOrigin applies the sender control per extrinsic and the message
// control per extracted send before handing the observation to the engine.
func (sb *Switchboard) consumeOrigin(ctx context.Context, h *handler, proto xcm.Protocol, extractor chainsource.SentExtractor, extrinsics <-chan chainsource.ExtrinsicWithEvents) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ex, ok := <-extrinsics:
			if !ok {
				return errors.New("origin stream closed unexpectedly")
			}
			h.mu.Lock()
			desc := h.descriptor
			sendersCtl := h.sendersCtl
			messageCtl := h.messageCtl
			h.mu.Unlock()

			if !sendersCtl.Evaluate(signerRecord{signer: ex.Signer, extraSigners: ex.ExtraSigners}) {
				continue
			}

			for _, ev := range ex.Events {
				sent, matched := extractor.ExtractSent(ev, desc.Origin)
				if !matched {
					continue
				}
				if !messageCtl.Evaluate(messageRecord{recipient: &sent.Destination}) {
					continue
				}
				if err := sb.engine.OnOutboundMessage(desc.ID, *sent, desc.OutboundTTL); err != nil {
					sb.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"subscription": desc.ID, "leg": "origin"})
				}
			}
		}
	}
}

// --- destination leg ---

func (sb *Switchboard) attachDestinationLeg(h *handler, dest network.ID) {
	proto := protocolFor(sb.registry, h.descriptor.Origin, dest)
	extractor, ok := sb.extractors.Received[proto]
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(sb.ctx)
	h.mu.Lock()
	if old, exists := h.destCancel[dest]; exists {
		old()
	}
	h.destCancel[dest] = cancel
	h.mu.Unlock()

	sb.wg.Add(1)
	go sb.runDestinationLeg(ctx, h, dest, proto, extractor)
}

func (sb *Switchboard) runDestinationLeg(ctx context.Context, h *handler, dest network.ID, proto xcm.Protocol, extractor chainsource.ReceivedExtractor) {
	defer sb.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		hubSub, err := sb.hub.SharedEvents(ctx, dest)
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "destination", "chain": string(dest)})
			if !sleepCtx(ctx, sb.retryBackoff) {
				return
			}
			continue
		}

		err = sb.consumeDestination(ctx, h, dest, proto, extractor, hubSub.Blocks)
		hubSub.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "destination", "chain": string(dest)})
		}
		if !sleepCtx(ctx, sb.retryBackoff) {
			return
		}
	}
}

func (sb *Switchboard) consumeDestination(ctx context.Context, h *handler, dest network.ID, proto xcm.Protocol, extractor chainsource.ReceivedExtractor, blocks <-chan chainsource.SignedBlockWithEvents) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-blocks:
			if !ok {
				return errors.New("destination stream closed unexpectedly")
			}

			h.mu.Lock()
			subID := h.descriptor.ID
			h.mu.Unlock()

			for _, ev := range block.Events {
				received, matched := extractor.ExtractReceived(ev, dest)
				if !matched {
					continue
				}
				inbound := xcm.Inbound{Chain: dest, Received: *received}
				if err := sb.engine.OnInboundMessage(subID, inbound); err != nil {
					sb.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"subscription": subID, "leg": "destination"})
				}
			}
		}
	}
}

// --- relay leg ---

func (sb *Switchboard) attachRelayLeg(h *handler) {
	relay, ok := sb.registry.RelayOf(h.descriptor.Origin)
	if !ok {
		sb.telemetry.Error(telemetry.KindObserverStreamError, fmt.Errorf("origin %q has no known relay binding", h.descriptor.Origin), map[string]string{"subscription": h.descriptor.ID, "leg": "relay"})
		return
	}

	ctx, cancel := context.WithCancel(sb.ctx)
	h.mu.Lock()
	if h.relayCancel != nil {
		h.relayCancel()
	}
	h.relayCancel = cancel
	h.mu.Unlock()

	sb.wg.Add(1)
	go sb.runRelayLeg(ctx, h, relay)
}

func (sb *Switchboard) runRelayLeg(ctx context.Context, h *handler, relay network.ID) {
	defer sb.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		hubSub, err := sb.hub.SharedEvents(ctx, relay)
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "relay", "chain": string(relay)})
			if !sleepCtx(ctx, sb.retryBackoff) {
				return
			}
			continue
		}

		err = sb.consumeRelay(ctx, h, hubSub.Blocks)
		hubSub.Close()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			sb.telemetry.Error(telemetry.KindObserverStreamError, err, map[string]string{"subscription": h.descriptor.ID, "leg": "relay", "chain": string(relay)})
		}
		if !sleepCtx(ctx, sb.retryBackoff) {
			return
		}
	}
}

func (sb *Switchboard) consumeRelay(ctx context.Context, h *handler, blocks <-chan chainsource.SignedBlockWithEvents) error {
	extractor := sb.extractors.Relay
	if extractor == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case block, ok := <-blocks:
			if !ok {
				return errors.New("relay stream closed unexpectedly")
			}

			h.mu.Lock()
			desc := h.descriptor
			messageCtl := h.messageCtl
			h.mu.Unlock()

			for _, ev := range block.Events {
				for _, dest := range desc.Destinations {
					if sb.registry.IsRelay(dest) {
						continue
					}
					relayed, matched := extractor.ExtractRelayed(ev, desc.Origin, dest)
					if !matched {
						continue
					}
					if !messageCtl.Evaluate(messageRecord{recipient: &dest}) {
						continue
					}
					if err := sb.engine.OnRelayedMessage(desc.ID, *relayed); err != nil {
						sb.telemetry.Error(telemetry.KindStoreUnavailable, err, map[string]string{"subscription": desc.ID, "leg": "relay"})
					}
				}
			}
		}
	}
}
