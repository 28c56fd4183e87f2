package streamhub

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/network"
)

func TestSharedEventsFanOut(t *testing.T) {
	source := chainsource.NewFakeSource()
	hub := New(source, zerolog.Nop())

	chain, _ := network.Parse("urn:ocn:polkadot:1000")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1, err := hub.SharedEvents(ctx, chain)
	require.NoError(t, err)
	sub2, err := hub.SharedEvents(ctx, chain)
	require.NoError(t, err)

	block := chainsource.SignedBlockWithEvents{Header: chainsource.BlockHeader{Number: 1}}
	go source.Push(chain, block)

	// The hub delivers to each observer in turn and blocks on each, so both
	// subscribers must be read concurrently.
	var got2 chainsource.SignedBlockWithEvents
	done := make(chan struct{})
	go func() {
		got2 = <-sub2.Blocks
		close(done)
	}()
	got1 := <-sub1.Blocks
	<-done
	require.Equal(t, uint64(1), got1.Header.Number)
	require.Equal(t, uint64(1), got2.Header.Number)
}

func TestSharedExtrinsicsDeliversPerExtrinsic(t *testing.T) {
	source := chainsource.NewFakeSource()
	hub := New(source, zerolog.Nop())
	chain, _ := network.Parse("urn:ocn:polkadot:1000")
	ctx := context.Background()

	exSub, err := hub.SharedExtrinsics(ctx, chain)
	require.NoError(t, err)

	block := chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Number: 7},
		Extrinsics: []chainsource.ExtrinsicWithEvents{
			{ExtrinsicID: "7-0"},
			{ExtrinsicID: "7-1"},
		},
	}
	go source.Push(chain, block)

	require.Equal(t, "7-0", (<-exSub.Extrinsics).ExtrinsicID)
	require.Equal(t, "7-1", (<-exSub.Extrinsics).ExtrinsicID)
	exSub.Close()
}

func TestEventAndExtrinsicStreamsRefCountIndependently(t *testing.T) {
	source := chainsource.NewFakeSource()
	hub := New(source, zerolog.Nop())
	chain, _ := network.Parse("urn:ocn:polkadot:1000")
	ctx := context.Background()

	evSub, err := hub.SharedEvents(ctx, chain)
	require.NoError(t, err)
	exSub, err := hub.SharedExtrinsics(ctx, chain)
	require.NoError(t, err)
	require.Equal(t, 2, hub.RefCount(chain))

	evSub.Close()
	require.Eventually(t, func() bool { return hub.RefCount(chain) == 1 }, time.Second, time.Millisecond)

	exSub.Close()
	require.Eventually(t, func() bool { return hub.RefCount(chain) == 0 }, time.Second, time.Millisecond)
}

func TestRefCountReleasesUpstream(t *testing.T) {
	source := chainsource.NewFakeSource()
	hub := New(source, zerolog.Nop())
	chain, _ := network.Parse("urn:ocn:polkadot:1000")
	ctx := context.Background()

	sub, err := hub.SharedEvents(ctx, chain)
	require.NoError(t, err)
	require.Equal(t, 1, hub.RefCount(chain))

	sub.Close()
	require.Eventually(t, func() bool { return hub.RefCount(chain) == 0 }, time.Second, time.Millisecond)
}
