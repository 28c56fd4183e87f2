// Package streamhub multiplexes per-chain finalized-block data: for each
// chain, at most one shared block-events stream and one shared
// block-extrinsics stream, each created lazily on its first subscriber,
// reference-counted independently, and released when its last observer
// detaches.
package streamhub

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/network"
)

// Subscription is a handle on a chain's shared block stream; call Close to
// detach.
type Subscription struct {
	Blocks <-chan chainsource.SignedBlockWithEvents
	close  func()
}

// Close detaches this subscriber. Idempotent.
func (s *Subscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// ExtrinsicSubscription is a handle on a chain's shared extrinsic stream,
// delivering each finalized block's extrinsics with their event
// annotations, in block then extrinsic order.
type ExtrinsicSubscription struct {
	Extrinsics <-chan chainsource.ExtrinsicWithEvents
	close      func()
}

// Close detaches this subscriber. Idempotent.
func (s *ExtrinsicSubscription) Close() {
	if s.close != nil {
		s.close()
	}
}

// stream is one multicast: a set of consumer channels fed by a single
// upstream pump goroutine.
type stream[T any] struct {
	mu        sync.Mutex
	consumers map[*chan T]struct{}
	cancel    context.CancelFunc
}

func newStream[T any](cancel context.CancelFunc) *stream[T] {
	return &stream[T]{
		consumers: make(map[*chan T]struct{}),
		cancel:    cancel,
	}
}

func (s *stream[T]) add(ch *chan T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[ch] = struct{}{}
}

// remove detaches ch and reports how many consumers remain.
func (s *stream[T]) remove(ch *chan T) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, ch)
	return len(s.consumers)
}

func (s *stream[T]) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// broadcast blocks on every consumer in turn; a slow observer throttles the
// whole chain's fan-out rather than dropping items.
func (s *stream[T]) broadcast(ctx context.Context, item T) {
	s.mu.Lock()
	targets := make([]*chan T, 0, len(s.consumers))
	for ch := range s.consumers {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	for _, ch := range targets {
		select {
		case *ch <- item:
		case <-ctx.Done():
			return
		}
	}
}

// Hub owns the per-chain shared streams.
type Hub struct {
	source chainsource.FinalizedBlockSource
	logger zerolog.Logger

	mu         sync.Mutex
	events     map[network.ID]*stream[chainsource.SignedBlockWithEvents]
	extrinsics map[network.ID]*stream[chainsource.ExtrinsicWithEvents]
}

// New creates a Hub backed by source.
func New(source chainsource.FinalizedBlockSource, logger zerolog.Logger) *Hub {
	return &Hub{
		source:     source,
		logger:     logger.With().Str("component", "stream_hub").Logger(),
		events:     make(map[network.ID]*stream[chainsource.SignedBlockWithEvents]),
		extrinsics: make(map[network.ID]*stream[chainsource.ExtrinsicWithEvents]),
	}
}

// acquire attaches a consumer to the chain's stream in streams, creating the
// stream and starting pump on first subscriber. The returned detach function
// releases the stream when the last consumer leaves.
func acquire[T any](
	h *Hub,
	streams map[network.ID]*stream[T],
	chain network.ID,
	pump func(context.Context, *stream[T]),
) (chan T, func()) {
	h.mu.Lock()
	st, ok := streams[chain]
	if !ok {
		streamCtx, cancel := context.WithCancel(context.Background())
		st = newStream[T](cancel)
		streams[chain] = st
		pump(streamCtx, st)
	}
	h.mu.Unlock()

	consumer := make(chan T)
	st.add(&consumer)

	closeOnce := sync.Once{}
	detach := func() {
		closeOnce.Do(func() {
			if st.remove(&consumer) == 0 {
				h.mu.Lock()
				if streams[chain] == st {
					delete(streams, chain)
				}
				h.mu.Unlock()
				st.cancel()
			}
		})
	}
	return consumer, detach
}

// SharedEvents attaches a new observer to chain's finalized-block event
// stream. The upstream blocks on slow observers rather than dropping events.
func (h *Hub) SharedEvents(ctx context.Context, chain network.ID) (*Subscription, error) {
	consumer, detach := acquire(h, h.events, chain, func(streamCtx context.Context, st *stream[chainsource.SignedBlockWithEvents]) {
		h.pump(streamCtx, chain, func(pumpCtx context.Context, block chainsource.SignedBlockWithEvents) {
			st.broadcast(pumpCtx, block)
		})
	})
	return &Subscription{Blocks: consumer, close: detach}, nil
}

// SharedExtrinsics attaches a new observer to chain's finalized-block
// extrinsic stream. The stream is refcounted independently of SharedEvents
// and holds its own upstream connection.
func (h *Hub) SharedExtrinsics(ctx context.Context, chain network.ID) (*ExtrinsicSubscription, error) {
	consumer, detach := acquire(h, h.extrinsics, chain, func(streamCtx context.Context, st *stream[chainsource.ExtrinsicWithEvents]) {
		h.pump(streamCtx, chain, func(pumpCtx context.Context, block chainsource.SignedBlockWithEvents) {
			for _, ex := range block.Extrinsics {
				st.broadcast(pumpCtx, ex)
			}
		})
	})
	return &ExtrinsicSubscription{Extrinsics: consumer, close: detach}, nil
}

// pump opens the upstream finalized-block feed before returning, so no block
// is missed between attach and delivery, then hands each block to deliver
// from its own goroutine until the stream context is cancelled.
func (h *Hub) pump(ctx context.Context, chain network.ID, deliver func(context.Context, chainsource.SignedBlockWithEvents)) {
	upstream, err := h.source.FinalizedBlocks(ctx, chain)
	if err != nil {
		h.logger.Error().Err(err).Str("chain", chain.String()).Msg("failed to open finalized block stream")
		return
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case block, ok := <-upstream:
				if !ok {
					return
				}
				deliver(ctx, block)
			}
		}
	}()
}

// ActiveChains returns the chains with at least one attached observer on
// either stream, for diagnostics.
func (h *Hub) ActiveChains() []network.ID {
	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[network.ID]struct{}, len(h.events)+len(h.extrinsics))
	for id := range h.events {
		seen[id] = struct{}{}
	}
	for id := range h.extrinsics {
		seen[id] = struct{}{}
	}
	out := make([]network.ID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// RefCount returns the number of attached observers for chain across both
// streams (0 if none).
func (h *Hub) RefCount(chain network.ID) int {
	h.mu.Lock()
	ev, hasEv := h.events[chain]
	ex, hasEx := h.extrinsics[chain]
	h.mu.Unlock()

	n := 0
	if hasEv {
		n += ev.count()
	}
	if hasEx {
		n += ex.count()
	}
	return n
}
