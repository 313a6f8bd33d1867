// Package pairing implements the two pairing handshakes: pair-setup,
// which mints long-term credentials from a PIN via SRP, and
// pair-verify, which proves both sides hold their long-term keys and
// yields a fresh shared secret for channel key derivation.
//
// Both engines are parameterised by a Carrier so the same message flow
// runs over plaintext HTTP (AirPlay) or framed compact-pack envelopes
// (Companion).
package pairing

import (
	"context"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/atvremote/atv-go/tlv8"
)

// Carrier delivers one pairing record to the peer and returns the
// peer's record. Implementations own the enveloping (HTTP POST body,
// compact-pack map) and the socket.
type Carrier interface {
	Exchange(ctx context.Context, record []byte) ([]byte, error)
}

// PeerError is a non-zero Error value reported by the peer. Always
// fatal for the exchange.
type PeerError struct {
	Code uint8
}

func (e *PeerError) Error() string {
	switch e.Code {
	case tlv8.ErrCodeAuthentication:
		return "peer error 0x02 (authentication)"
	case tlv8.ErrCodeBackOff:
		return "peer error 0x03 (back-off)"
	default:
		return fmt.Sprintf("peer error 0x%02x", e.Code)
	}
}

// exchange round-trips a record and decodes the reply, surfacing a
// peer-reported error before anything else is inspected.
func exchange(ctx context.Context, c Carrier, record []byte) (map[uint8][]byte, error) {
	reply, err := c.Exchange(ctx, record)
	if err != nil {
		return nil, err
	}
	m, err := tlv8.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if v, ok := m[tlv8.TagError]; ok && len(v) > 0 && v[0] != 0 {
		return nil, &PeerError{Code: v[0]}
	}
	return m, nil
}

// requireSequence checks the reply's state number.
func requireSequence(m map[uint8][]byte, want uint8) error {
	v, ok := m[tlv8.TagSequence]
	if !ok || len(v) == 0 {
		return fmt.Errorf("reply missing sequence")
	}
	if v[0] != want {
		return fmt.Errorf("reply sequence %d, want %d", v[0], want)
	}
	return nil
}

// require extracts a mandatory field.
func require(m map[uint8][]byte, tag uint8, name string) ([]byte, error) {
	v, ok := m[tag]
	if !ok || len(v) == 0 {
		return nil, fmt.Errorf("reply missing %s", name)
	}
	return v, nil
}

// checkCanonicalPoint rejects non-canonical Ed25519 public keys before
// they reach signature verification.
func checkCanonicalPoint(pub []byte) error {
	if len(pub) != 32 {
		return fmt.Errorf("public key is %d bytes, want 32", len(pub))
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("non-canonical public key: %w", err)
	}
	return nil
}
