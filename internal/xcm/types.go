// Package xcm defines the data model for Cross-Consensus Message
// observations. The binary UMP/DMP/HRMP decoders that produce them live
// outside this module; only their output shapes are defined here.
package xcm

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ocelloids/ocnwatch/internal/network"
)

// Hash is a 32-byte message hash (messageHash or blockHash).
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalJSON encodes the hash as a 0x-prefixed hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a 0x-prefixed or bare hex string.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := HashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromHex parses a 0x-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	trimmed := s
	if len(s) >= 2 && s[:2] == "0x" {
		trimmed = s[2:]
	}
	if len(trimmed) != 64 {
		return h, fmt.Errorf("xcm: hash must be 32 bytes, got %d hex chars", len(trimmed))
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return h, err
	}
	copy(h[:], raw)
	return h, nil
}

// Outcome is the execution outcome of an XCM leg as reported on-chain.
type Outcome string

const (
	OutcomeComplete   Outcome = "Complete"
	OutcomeIncomplete Outcome = "Incomplete"
	OutcomeError      Outcome = "Error"
)

// Protocol identifies which XCM transport carried a message.
type Protocol string

const (
	ProtocolUMP  Protocol = "UMP"  // parachain -> relay
	ProtocolDMP  Protocol = "DMP"  // relay -> parachain
	ProtocolHRMP Protocol = "HRMP" // parachain <-> parachain
)

// SentContext is a sent-side observation of an XCM message.
type SentContext struct {
	MessageHash Hash
	MessageID   *Hash
	Origin      network.ID
	Destination network.ID
	Sender      *Account
	BlockHash   Hash
	BlockNumber uint64
	ExtrinsicID string
	SentAt      time.Time
	Outcome     Outcome
}

// ReceivedContext is a destination-side observation of an XCM message.
type ReceivedContext struct {
	MessageHash Hash
	Destination network.ID
	BlockHash   Hash
	BlockNumber uint64
	Outcome     Outcome
	Error       string // optional, empty when absent
}

// Inbound bundles a ReceivedContext with the chain it was observed on, per
// MatchingEngine.onInboundMessage's XcmInbound{chain, received} parameter.
type Inbound struct {
	Chain    network.ID
	Received ReceivedContext
}

// RelayedContext is an observation of an XCM message transiting a relay
// chain between two parachains.
type RelayedContext struct {
	MessageHash      Hash
	Origin           network.ID
	Destination      network.ID
	RelayBlockHash   Hash
	RelayBlockNumber uint64
}

// SentKey returns the outbound-side composite match key: "<hash>:<destination>".
func SentKey(messageHash Hash, destination network.ID) string {
	return fmt.Sprintf("%s:%s", messageHash, destination)
}

// ReceivedKey returns the inbound-side composite match key, identical in
// shape to SentKey so that the two sides join on the same key.
func ReceivedKey(messageHash Hash, destination network.ID) string {
	return SentKey(messageHash, destination)
}

// RelayKey returns the relay-leg composite match key: "<hash>:<origin>:<destination>".
func RelayKey(messageHash Hash, origin, destination network.ID) string {
	return fmt.Sprintf("%s:%s:%s", messageHash, origin, destination)
}
