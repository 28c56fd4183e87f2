// Package chainsource defines the chain-connectivity contracts this system
// depends on but does not implement: finalized block streaming and
// on-demand storage reads.
package chainsource

import (
	"context"

	"github.com/ocelloids/ocnwatch/internal/network"
	"github.com/ocelloids/ocnwatch/internal/xcm"
)

// BlockHeader carries the minimal per-block metadata observers need.
type BlockHeader struct {
	Hash     xcm.Hash
	Number   uint64
	AuthorID string
}

// BlockEvent is one finalized-block event, already annotated with the
// extrinsic that triggered it.
type BlockEvent struct {
	Block       BlockHeader
	EventIndex  int
	ExtrinsicID string
	// Name identifies which pallet/event this is (e.g. "XcmpQueue.Success");
	// extractors switch on it. Opaque here since decoding XCM's binary
	// payload is out of scope.
	Name string
	// Signer/ExtraSigners are the accounts that authorized the triggering
	// extrinsic, used by ControlQuery's sender control.
	Signer       *xcm.Account
	ExtraSigners []xcm.Account
	Recipient    *network.ID
	// Raw carries whatever the real decoder needs; this system passes it
	// through to the extractor interfaces below without interpreting it.
	Raw []byte
}

// ExtrinsicWithEvents bundles an extrinsic with the events it produced, in
// event-index order.
type ExtrinsicWithEvents struct {
	ExtrinsicID  string
	Signer       *xcm.Account
	ExtraSigners []xcm.Account
	Events       []BlockEvent
}

// SignedBlockWithEvents is one item of the finalized-block stream.
type SignedBlockWithEvents struct {
	Header     BlockHeader
	Extrinsics []ExtrinsicWithEvents
	Events     []BlockEvent
}

// FinalizedBlockSource supplies a hot stream of finalized blocks per chain,
// delivered in block-finalization order.
type FinalizedBlockSource interface {
	FinalizedBlocks(ctx context.Context, chain network.ID) (<-chan SignedBlockWithEvents, error)
}

// StorageReader exposes on-demand chain storage reads, used only by the
// XCM extractors.
type StorageReader interface {
	GetStorage(ctx context.Context, chain network.ID, storageKey []byte, blockHash *xcm.Hash) ([]byte, error)
}

// SentExtractor turns a block event into a sent-side observation, for one
// outbound protocol (UMP/DMP/HRMP). Pure: no state between calls.
type SentExtractor interface {
	Protocol() xcm.Protocol
	ExtractSent(ev BlockEvent, origin network.ID) (*xcm.SentContext, bool)
}

// ReceivedExtractor turns a block event into a received-side observation.
type ReceivedExtractor interface {
	Protocol() xcm.Protocol
	ExtractReceived(ev BlockEvent, destination network.ID) (*xcm.ReceivedContext, bool)
}

// RelayExtractor turns a relay-chain block event into a relay-leg
// observation.
type RelayExtractor interface {
	ExtractRelayed(ev BlockEvent, origin, destination network.ID) (*xcm.RelayedContext, bool)
}
