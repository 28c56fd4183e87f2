package xcm

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// ss58Prefix is prepended to the payload before hashing for the checksum,
// per the SS58 address format used across the Substrate-based chains this
// system observes.
const ss58Prefix = "SS58PRE"

// Account is a sender identity, accepted in either SS58 address form or raw
// public-key form. Both reduce to the same 32-byte public key for
// ControlQuery membership tests.
type Account struct {
	PublicKey [32]byte
}

// String returns the hex-encoded public key.
func (a Account) String() string {
	return "0x" + hex.EncodeToString(a.PublicKey[:])
}

// ParseAccount accepts either a hex-encoded 32-byte public key (with or
// without a 0x prefix) or an SS58 address and returns the canonical Account.
func ParseAccount(s string) (Account, error) {
	if pk, ok := tryParseHexPublicKey(s); ok {
		return Account{PublicKey: pk}, nil
	}
	return parseSS58(s)
}

func tryParseHexPublicKey(s string) ([32]byte, bool) {
	var pk [32]byte
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 64 {
		return pk, false
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return pk, false
	}
	copy(pk[:], raw)
	return pk, true
}

// parseSS58 decodes a single-byte-prefix SS58 address: 1 prefix byte + 32
// public-key bytes + 2 checksum bytes, base58check-encoded.
func parseSS58(s string) (Account, error) {
	decoded, err := base58.Decode(s)
	if err != nil {
		return Account{}, fmt.Errorf("xcm: not a valid address or public key: %w", err)
	}
	if len(decoded) != 1+32+2 {
		return Account{}, fmt.Errorf("xcm: unexpected SS58 payload length %d", len(decoded))
	}

	payload := decoded[:1+32]
	checksum := decoded[1+32:]

	h, err := blake2b.New512(nil)
	if err != nil {
		return Account{}, fmt.Errorf("xcm: blake2b init: %w", err)
	}
	h.Write([]byte(ss58Prefix))
	h.Write(payload)
	sum := h.Sum(nil)

	if !bytes.Equal(sum[:2], checksum) {
		return Account{}, fmt.Errorf("xcm: SS58 checksum mismatch")
	}

	var pk [32]byte
	copy(pk[:], payload[1:])
	return Account{PublicKey: pk}, nil
}
