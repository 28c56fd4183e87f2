package app

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/config"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/notifier"
	"github.com/ocelloids/ocnwatch/internal/subscription"
	"github.com/ocelloids/ocnwatch/internal/switchboard"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

const (
	testRelay  = "urn:ocn:local:0"
	testOrigin = network.ID("urn:ocn:local:1000")
	testDest   = network.ID("urn:ocn:local:2000")
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.HTTPPort = 0
	cfg.Networks = []config.NetworkConfig{
		{ID: testRelay, Relay: true},
		{ID: string(testOrigin), RelayOf: testRelay},
		{ID: string(testDest), RelayOf: testRelay},
	}
	return cfg
}

func testExtractors() switchboard.Extractors {
	return switchboard.Extractors{
		Sent: map[xcm.Protocol]chainsource.SentExtractor{
			xcm.ProtocolHRMP: chainsource.JSONSentExtractor{Proto: xcm.ProtocolHRMP, EventName: "hrmp.sent"},
			xcm.ProtocolUMP:  chainsource.JSONSentExtractor{Proto: xcm.ProtocolUMP, EventName: "ump.sent"},
		},
		Received: map[xcm.Protocol]chainsource.ReceivedExtractor{
			xcm.ProtocolHRMP: chainsource.JSONReceivedExtractor{Proto: xcm.ProtocolHRMP, EventName: "mq.processed"},
		},
	}
}

func blockWithEvent(number uint64, name string, raw []byte) chainsource.SignedBlockWithEvents {
	var blockHash xcm.Hash
	blockHash[0] = byte(number)
	header := chainsource.BlockHeader{Hash: blockHash, Number: number}
	ev := chainsource.BlockEvent{
		Block:       header,
		ExtrinsicID: "1-0",
		Name:        name,
		Raw:         raw,
	}
	return chainsource.SignedBlockWithEvents{
		Header:     header,
		Events:     []chainsource.BlockEvent{ev},
		Extrinsics: []chainsource.ExtrinsicWithEvents{{ExtrinsicID: ev.ExtrinsicID, Events: []chainsource.BlockEvent{ev}}},
	}
}

// TestAppEndToEnd drives one message through the fully wired daemon: fed
// block source, extraction, matching, and notifier fan-out.
func TestAppEndToEnd(t *testing.T) {
	source := chainsource.NewFakeSource()

	a, err := New(Options{
		Config:     testConfig(t),
		Log:        zerolog.Nop(),
		Source:     source,
		Extractors: testExtractors(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	t.Cleanup(a.Stop)

	received := make(chan notifier.Message, 16)
	a.Notifier().On("", notifier.ListenerFunc(func(msg notifier.Message) error {
		received <- msg
		return nil
	}))

	sub := subscription.New(testOrigin, nil, []network.ID{testDest}, nil, true)
	require.NoError(t, a.Switchboard().Subscribe(sub))

	require.Eventually(t, func() bool {
		return a.Hub().RefCount(testOrigin) > 0 && a.Hub().RefCount(testDest) > 0
	}, 2*time.Second, 5*time.Millisecond)

	var hash xcm.Hash
	hash[0] = 0xAA
	payload := []byte(`{"MessageHash":"` + hash.String() + `","Destination":"` + string(testDest) + `","Outcome":"Complete"}`)

	source.Push(testOrigin, blockWithEvent(1, "hrmp.sent", payload))
	source.Push(testDest, blockWithEvent(1, "mq.processed", payload))

	expectKind := func(kind xcm.WaypointKind) notifier.Message {
		t.Helper()
		select {
		case msg := <-received:
			require.Equal(t, kind, msg.Notify.Type)
			require.Equal(t, sub.ID, msg.Subscription.ID)
			return msg
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s notification", kind)
			return notifier.Message{}
		}
	}

	sent := expectKind(xcm.WaypointSent)
	require.Equal(t, hash, sent.Notify.Sent.MessageHash)

	recv := expectKind(xcm.WaypointReceived)
	require.NotNil(t, recv.Notify.Received)
	require.Equal(t, hash, recv.Notify.Received.MessageHash)
}

func TestAppUnsubscribeReleasesStreams(t *testing.T) {
	source := chainsource.NewFakeSource()

	a, err := New(Options{
		Config:     testConfig(t),
		Log:        zerolog.Nop(),
		Source:     source,
		Extractors: testExtractors(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Start(ctx))
	t.Cleanup(a.Stop)

	sub := subscription.New(testOrigin, nil, []network.ID{testDest}, nil, true)
	require.NoError(t, a.Switchboard().Subscribe(sub))

	require.Eventually(t, func() bool {
		return a.Hub().RefCount(testOrigin) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Switchboard().Unsubscribe(sub.ID))

	require.Eventually(t, func() bool {
		return a.Hub().RefCount(testOrigin) == 0 && a.Hub().RefCount(testDest) == 0
	}, 2*time.Second, 5*time.Millisecond)
}
