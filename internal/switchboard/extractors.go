package switchboard

import (
	"github.com/ocelloids/ocnwatch/internal/chainsource"
	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// Extractors bundles the protocol-specific decoders the Switchboard needs to
// turn raw block events into XCM observations. The UMP/DMP/HRMP wire-format
// decoders live outside this module; this is the seam where they plug in.
type Extractors struct {
	Sent     map[xcm.Protocol]chainsource.SentExtractor
	Received map[xcm.Protocol]chainsource.ReceivedExtractor
	Relay    chainsource.RelayExtractor
}

// protocolFor picks the XCM transport for an origin/destination pair: UMP
// when the destination is a relay, DMP when the origin is, HRMP otherwise.
func protocolFor(registry *network.Registry, origin, destination network.ID) xcm.Protocol {
	switch {
	case registry.IsRelay(destination):
		return xcm.ProtocolUMP
	case registry.IsRelay(origin):
		return xcm.ProtocolDMP
	default:
		return xcm.ProtocolHRMP
	}
}
