package chainsource

import (
	"encoding/json"
	"fmt"

	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/telemetry"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// JSONSentExtractor decodes sent-side observations from events carrying a
// JSON-encoded SentContext in their Raw payload. It is a deterministic
// stand-in for the real binary decoders, used by the test suite and by
// `ocnwatchd dev`; a production deployment plugs real decoders into the same
// interface.
type JSONSentExtractor struct {
	Proto     xcm.Protocol
	EventName string
	Telemetry *telemetry.Recorder
}

func (e JSONSentExtractor) Protocol() xcm.Protocol { return e.Proto }

func (e JSONSentExtractor) ExtractSent(ev BlockEvent, origin network.ID) (*xcm.SentContext, bool) {
	if ev.Name != e.EventName {
		return nil, false
	}
	var ctx xcm.SentContext
	if err := json.Unmarshal(ev.Raw, &ctx); err != nil {
		e.reportDecodeError(ev, err)
		return nil, false
	}
	if ctx.Origin == "" {
		ctx.Origin = origin
	}
	fillFromEvent(&ctx.BlockHash, &ctx.BlockNumber, ev)
	if ctx.ExtrinsicID == "" {
		ctx.ExtrinsicID = ev.ExtrinsicID
	}
	if ctx.Sender == nil {
		ctx.Sender = ev.Signer
	}
	return &ctx, true
}

func (e JSONSentExtractor) reportDecodeError(ev BlockEvent, err error) {
	if e.Telemetry == nil {
		return
	}
	e.Telemetry.Error(telemetry.KindExtractorDecodeError, err, map[string]string{
		"event": ev.Name,
		"block": fmt.Sprintf("%d", ev.Block.Number),
	})
}

// JSONReceivedExtractor is the received-side counterpart of
// JSONSentExtractor.
type JSONReceivedExtractor struct {
	Proto     xcm.Protocol
	EventName string
	Telemetry *telemetry.Recorder
}

func (e JSONReceivedExtractor) Protocol() xcm.Protocol { return e.Proto }

func (e JSONReceivedExtractor) ExtractReceived(ev BlockEvent, destination network.ID) (*xcm.ReceivedContext, bool) {
	if ev.Name != e.EventName {
		return nil, false
	}
	var ctx xcm.ReceivedContext
	if err := json.Unmarshal(ev.Raw, &ctx); err != nil {
		if e.Telemetry != nil {
			e.Telemetry.Error(telemetry.KindExtractorDecodeError, err, map[string]string{
				"event": ev.Name,
				"block": fmt.Sprintf("%d", ev.Block.Number),
			})
		}
		return nil, false
	}
	if ctx.Destination == "" {
		ctx.Destination = destination
	}
	fillFromEvent(&ctx.BlockHash, &ctx.BlockNumber, ev)
	return &ctx, true
}

// JSONRelayExtractor is the relay-leg counterpart of JSONSentExtractor. The
// observation only matches when its origin/destination pair equals the one
// being asked about.
type JSONRelayExtractor struct {
	EventName string
	Telemetry *telemetry.Recorder
}

func (e JSONRelayExtractor) ExtractRelayed(ev BlockEvent, origin, destination network.ID) (*xcm.RelayedContext, bool) {
	if ev.Name != e.EventName {
		return nil, false
	}
	var ctx xcm.RelayedContext
	if err := json.Unmarshal(ev.Raw, &ctx); err != nil {
		if e.Telemetry != nil {
			e.Telemetry.Error(telemetry.KindExtractorDecodeError, err, map[string]string{
				"event": ev.Name,
				"block": fmt.Sprintf("%d", ev.Block.Number),
			})
		}
		return nil, false
	}
	if ctx.Origin != origin || ctx.Destination != destination {
		return nil, false
	}
	fillFromEvent(&ctx.RelayBlockHash, &ctx.RelayBlockNumber, ev)
	return &ctx, true
}

func fillFromEvent(hash *xcm.Hash, number *uint64, ev BlockEvent) {
	if *hash == (xcm.Hash{}) {
		*hash = ev.Block.Hash
	}
	if *number == 0 {
		*number = ev.Block.Number
	}
}
