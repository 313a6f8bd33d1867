// Package credentials defines the durable pairing record produced by
// pair-setup and consumed by pair-verify, and its JSON serialization.
// Session material never passes through this package.
package credentials

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Credentials is one pairing's long-term key material. Created by
// pair-setup and never mutated afterwards. A record for the main
// protocol may carry an independent Companion record of the same shape.
type Credentials struct {
	ClientID   string // UUID text chosen at pair-setup
	ClientLTSK []byte // 32-byte Ed25519 seed
	ClientLTPK []byte // 32 bytes
	ServerLTPK []byte // 32 bytes
	ServerID   string

	Companion *Credentials
}

// New creates a fresh record with a random client identifier and a new
// Ed25519 key pair. The server fields are filled in by pair-setup M6.
func New() (*Credentials, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate long-term key: %w", err)
	}
	return &Credentials{
		ClientID:   uuid.NewString(),
		ClientLTSK: priv.Seed(),
		ClientLTPK: append([]byte(nil), pub...),
	}, nil
}

// SigningKey reconstructs the Ed25519 private key from the stored seed.
func (c *Credentials) SigningKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(c.ClientLTSK)
}

// Validate checks field widths and that the stored public key matches
// the seed.
func (c *Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("missing client identifier")
	}
	if len(c.ClientLTSK) != ed25519.SeedSize {
		return fmt.Errorf("client secret seed is %d bytes, want %d", len(c.ClientLTSK), ed25519.SeedSize)
	}
	if len(c.ClientLTPK) != ed25519.PublicKeySize {
		return fmt.Errorf("client public key is %d bytes, want %d", len(c.ClientLTPK), ed25519.PublicKeySize)
	}
	if len(c.ServerLTPK) != ed25519.PublicKeySize {
		return fmt.Errorf("server public key is %d bytes, want %d", len(c.ServerLTPK), ed25519.PublicKeySize)
	}
	derived := ed25519.NewKeyFromSeed(c.ClientLTSK).Public().(ed25519.PublicKey)
	if !bytes.Equal(derived, c.ClientLTPK) {
		return fmt.Errorf("client public key does not match seed")
	}
	if c.Companion != nil {
		if err := c.Companion.Validate(); err != nil {
			return fmt.Errorf("companion record: %w", err)
		}
	}
	return nil
}

// String is a redacted form for logs: identifiers only.
func (c *Credentials) String() string {
	if c.Companion != nil {
		return fmt.Sprintf("credentials(client=%s server=%s +companion)", c.ClientID, c.ServerID)
	}
	return fmt.Sprintf("credentials(client=%s server=%s)", c.ClientID, c.ServerID)
}

type wireForm struct {
	ClientID   string    `json:"clientId"`
	ClientLTSK string    `json:"clientLTSK"`
	ClientLTPK string    `json:"clientLTPK"`
	ServerLTPK string    `json:"serverLTPK"`
	ServerID   string    `json:"serverId"`
	Companion  *wireForm `json:"companion,omitempty"`
}

func (c *Credentials) toWire() *wireForm {
	w := &wireForm{
		ClientID:   c.ClientID,
		ClientLTSK: hex.EncodeToString(c.ClientLTSK),
		ClientLTPK: hex.EncodeToString(c.ClientLTPK),
		ServerLTPK: hex.EncodeToString(c.ServerLTPK),
		ServerID:   c.ServerID,
	}
	if c.Companion != nil {
		w.Companion = c.Companion.toWire()
	}
	return w
}

// Marshal renders the record as a single JSON object of hex-encoded key
// material plus identifier strings.
func (c *Credentials) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("refusing to serialize: %w", err)
	}
	return json.Marshal(c.toWire())
}

func fromWire(w *wireForm) (*Credentials, error) {
	decode := func(field, s string, want int) ([]byte, error) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if len(b) != want {
			return nil, fmt.Errorf("%s: %d bytes, want %d", field, len(b), want)
		}
		return b, nil
	}
	ltsk, err := decode("clientLTSK", w.ClientLTSK, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	ltpk, err := decode("clientLTPK", w.ClientLTPK, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	serverPK, err := decode("serverLTPK", w.ServerLTPK, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	c := &Credentials{
		ClientID:   w.ClientID,
		ClientLTSK: ltsk,
		ClientLTPK: ltpk,
		ServerLTPK: serverPK,
		ServerID:   w.ServerID,
	}
	if w.Companion != nil {
		if c.Companion, err = fromWire(w.Companion); err != nil {
			return nil, fmt.Errorf("companion: %w", err)
		}
	}
	return c, nil
}

// Parse inverts Marshal and validates the result.
func Parse(data []byte) (*Credentials, error) {
	var w wireForm
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	c, err := fromWire(&w)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
