package switchboard

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/matching"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/store"
	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// notifyCollector records emitted notifications under a mutex; NotifyFunc is
// called from whichever observer-leg goroutine matched, so the test
// assertions below must not read the slice unsynchronized.
type notifyCollector struct {
	mu  sync.Mutex
	msg []xcm.NotifyMessage
}

func (c *notifyCollector) notify(_ *subscription.Subscription, msg xcm.NotifyMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = append(c.msg, msg)
}

func (c *notifyCollector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msg)
}

func (c *notifyCollector) at(i int) xcm.NotifyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msg[i]
}

func (c *notifyCollector) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = nil
}

// fakeSentExtractor recognizes any event named "Sent" as a sent-side
// observation addressed to whatever destination the event carries via
// Recipient.
type fakeSentExtractor struct{ proto xcm.Protocol }

func (f fakeSentExtractor) Protocol() xcm.Protocol { return f.proto }

func (f fakeSentExtractor) ExtractSent(ev chainsource.BlockEvent, origin network.ID) (*xcm.SentContext, bool) {
	if ev.Name != "Sent" || ev.Recipient == nil {
		return nil, false
	}
	return &xcm.SentContext{
		MessageHash: hashFromByte(ev.Block.Hash[0]),
		Origin:      origin,
		Destination: *ev.Recipient,
		Sender:      ev.Signer,
		BlockHash:   ev.Block.Hash,
	}, true
}

type fakeReceivedExtractor struct{ proto xcm.Protocol }

func (f fakeReceivedExtractor) Protocol() xcm.Protocol { return f.proto }

func (f fakeReceivedExtractor) ExtractReceived(ev chainsource.BlockEvent, destination network.ID) (*xcm.ReceivedContext, bool) {
	if ev.Name != "Received" {
		return nil, false
	}
	return &xcm.ReceivedContext{
		MessageHash: hashFromByte(ev.Block.Hash[0]),
		Destination: destination,
		BlockHash:   ev.Block.Hash,
	}, true
}

func hashFromByte(b byte) xcm.Hash {
	var h xcm.Hash
	h[0] = b
	return h
}

func newTestSwitchboard(t *testing.T) (*Switchboard, *chainsource.FakeSource, *notifyCollector) {
	t.Helper()

	registry := network.NewRegistry()

	src := chainsource.NewFakeSource()
	hub := newTestHub(src)

	pending, err := store.OpenBolt(filepath.Join(t.TempDir(), "pending.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pending.Close() })

	memStore := newMemSubscriptionStore()

	collector := &notifyCollector{}

	rec := telemetry.New(zerolog.Nop())

	extractors := Extractors{
		Sent: map[xcm.Protocol]chainsource.SentExtractor{
			xcm.ProtocolHRMP: fakeSentExtractor{proto: xcm.ProtocolHRMP},
			xcm.ProtocolUMP:  fakeSentExtractor{proto: xcm.ProtocolUMP},
		},
		Received: map[xcm.Protocol]chainsource.ReceivedExtractor{
			xcm.ProtocolHRMP: fakeReceivedExtractor{proto: xcm.ProtocolHRMP},
			xcm.ProtocolUMP:  fakeReceivedExtractor{proto: xcm.ProtocolUMP},
		},
	}

	sb := New(Options{
		Registry:      registry,
		Hub:           hub,
		Store:         memStore,
		Extractors:    extractors,
		Notify:        collector.notify,
		Telemetry:     rec,
		Log:           zerolog.Nop(),
		MaxEphemeral:  10,
		MaxPersistent: 10,
		RetryBackoff:  20 * time.Millisecond,
	})

	eng := matching.New(pending, sb.HandleWaypoint, rec, zerolog.Nop(), time.Hour, 20*time.Second)
	sb.engine = eng

	require.NoError(t, sb.Start(context.Background()))
	t.Cleanup(sb.Stop)

	return sb, src, collector
}

func TestSwitchboardMatchesSentAndReceived(t *testing.T) {
	sb, src, notified := newTestSwitchboard(t)

	origin := network.ID("urn:ocn:polkadot:1000")
	dest := network.ID("urn:ocn:polkadot:2004")

	desc := subscription.New(origin, nil, []network.ID{dest}, nil, true)
	require.NoError(t, sb.Subscribe(desc))

	waitForRefCount(t, sb.hub, origin, 2)
	waitForRefCount(t, sb.hub, dest, 1)

	src.Push(origin, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(1)},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{
			ExtrinsicID: "1-0",
			Events: []chainsource.BlockEvent{
				{Block: chainsource.BlockHeader{Hash: hashFromByte(0xAA)}, Name: "Sent", Recipient: &dest},
			},
		}},
	})

	require.Eventually(t, func() bool { return notified.len() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, xcm.WaypointSent, notified.at(0).Type)

	src.Push(dest, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(2)},
		Events: []chainsource.BlockEvent{
			{Block: chainsource.BlockHeader{Hash: hashFromByte(0xAA)}, Name: "Received"},
		},
	})

	require.Eventually(t, func() bool { return notified.len() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, xcm.WaypointReceived, notified.at(1).Type)
}

func TestSwitchboardUnsubscribeStopsNotifications(t *testing.T) {
	sb, src, notified := newTestSwitchboard(t)

	origin := network.ID("urn:ocn:polkadot:1000")
	dest := network.ID("urn:ocn:polkadot:2004")

	desc := subscription.New(origin, nil, []network.ID{dest}, nil, true)
	require.NoError(t, sb.Subscribe(desc))
	waitForRefCount(t, sb.hub, origin, 2)

	require.NoError(t, sb.Unsubscribe(desc.ID))

	src.Push(origin, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(1)},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{
			ExtrinsicID: "1-0",
			Events: []chainsource.BlockEvent{
				{Block: chainsource.BlockHeader{Hash: hashFromByte(0xBB)}, Name: "Sent", Recipient: &dest},
			},
		}},
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notified.len(), "no notification may fire for an unsubscribed subscription")
}

func TestSwitchboardDestinationMutationUnlocksNewTraffic(t *testing.T) {
	sb, src, notified := newTestSwitchboard(t)

	origin := network.ID("urn:ocn:polkadot:1000")
	dest1 := network.ID("urn:ocn:polkadot:2004")
	dest2 := network.ID("urn:ocn:polkadot:2000")

	desc := subscription.New(origin, nil, []network.ID{dest1}, nil, true)
	require.NoError(t, sb.Subscribe(desc))
	waitForRefCount(t, sb.hub, origin, 2)

	src.Push(origin, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(1)},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{
			ExtrinsicID: "1-0",
			Events: []chainsource.BlockEvent{
				{Block: chainsource.BlockHeader{Hash: hashFromByte(0xCC)}, Name: "Sent", Recipient: &dest2},
			},
		}},
	})
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notified.len(), "message to an un-subscribed destination must be filtered out")

	require.NoError(t, sb.UpdateDestinations(desc.ID, []network.ID{dest1, dest2}))

	src.Push(origin, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(2)},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{
			ExtrinsicID: "2-0",
			Events: []chainsource.BlockEvent{
				{Block: chainsource.BlockHeader{Hash: hashFromByte(0xDD)}, Name: "Sent", Recipient: &dest2},
			},
		}},
	})

	require.Eventually(t, func() bool { return notified.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSwitchboardSenderReCheckSuppressesNotification(t *testing.T) {
	sb, src, notified := newTestSwitchboard(t)

	origin := network.ID("urn:ocn:polkadot:1000")
	dest := network.ID("urn:ocn:polkadot:2004")

	acctA := xcm.Account{}
	acctA.PublicKey[0] = 0x01
	acctB := xcm.Account{}
	acctB.PublicKey[0] = 0x02

	desc := subscription.New(origin, nil, []network.ID{dest}, nil, true)
	require.NoError(t, sb.Subscribe(desc))
	waitForRefCount(t, sb.hub, origin, 2)

	src.Push(origin, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(1)},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{
			ExtrinsicID: "1-0",
			Signer:      &acctB,
			Events: []chainsource.BlockEvent{
				{Block: chainsource.BlockHeader{Hash: hashFromByte(0xEE)}, Name: "Sent", Recipient: &dest, Signer: &acctB},
			},
		}},
	})
	require.Eventually(t, func() bool { return notified.len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, sb.UpdateSenders(desc.ID, []string{acctA.String()}, false))

	notified.reset()
	src.Push(dest, chainsource.SignedBlockWithEvents{
		Header: chainsource.BlockHeader{Hash: hashFromByte(2)},
		Events: []chainsource.BlockEvent{
			{Block: chainsource.BlockHeader{Hash: hashFromByte(0xEE)}, Name: "Received"},
		},
	})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, notified.len(), "senders filter mutated before Received arrives must suppress the notification")
}
