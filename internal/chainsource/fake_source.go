package chainsource

import (
	"context"
	"sync"

	"github.com/ocelloids/ocnwatch/internal/network"
)

// FakeSource is a deterministic, feedable FinalizedBlockSource used by tests
// and by `ocnwatchd dev` for local smoke-testing without a live chain
// connection. The real RPC-backed source lives outside this module.
type FakeSource struct {
	mu   sync.Mutex
	subs map[network.ID][]chan SignedBlockWithEvents
}

// NewFakeSource creates an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{subs: make(map[network.ID][]chan SignedBlockWithEvents)}
}

// FinalizedBlocks implements FinalizedBlockSource.
func (f *FakeSource) FinalizedBlocks(ctx context.Context, chain network.ID) (<-chan SignedBlockWithEvents, error) {
	ch := make(chan SignedBlockWithEvents)

	f.mu.Lock()
	f.subs[chain] = append(f.subs[chain], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subs[chain]
		for i, c := range subs {
			if c == ch {
				f.subs[chain] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// Push delivers a block to every current subscriber of chain, blocking until
// each has received it (mirroring the "blocking is required" backpressure
// rule observers downstream must honor).
func (f *FakeSource) Push(chain network.ID, block SignedBlockWithEvents) {
	f.mu.Lock()
	subs := append([]chan SignedBlockWithEvents(nil), f.subs[chain]...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- block
	}
}
