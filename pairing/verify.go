package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/atvremote/atv-go/credentials"
	"github.com/atvremote/atv-go/hap"
	"github.com/atvremote/atv-go/tlv8"
)

const (
	verifyEncryptSalt = "Pair-Verify-Encrypt-Salt"
	verifyEncryptInfo = "Pair-Verify-Encrypt-Info"

	verifyNonceM2 = "PV-Msg02"
	verifyNonceM3 = "PV-Msg03"
)

// verifyState holds the client's ephemeral material for one verify run.
type verifyState struct {
	private [32]byte
	public  [32]byte
}

func newVerifyState() (*verifyState, error) {
	vs := &verifyState{}
	if _, err := rand.Read(vs.private[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(vs.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute ephemeral public key: %w", err)
	}
	copy(vs.public[:], pub)
	return vs, nil
}

// close zeroes the ephemeral private key.
func (vs *verifyState) close() {
	clear(vs.private[:])
}

// Verify runs the four-message pair-verify handshake using stored
// credentials and returns the 32-byte shared secret from which the
// caller derives its channel keys (the salts and infos differ per
// connection variant).
func Verify(ctx context.Context, carrier Carrier, creds *credentials.Credentials, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if creds == nil {
		return nil, fmt.Errorf("no credentials")
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	vs, err := newVerifyState()
	if err != nil {
		return nil, fmt.Errorf("M1: %w", err)
	}
	defer vs.close()

	// M1: our ephemeral public key. The sequence entry must precede the
	// key on the wire.
	m1 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagSequence, Value: []byte{0x01}},
		{Tag: tlv8.TagPublicKey, Value: vs.public[:]},
	})
	logger.Debug("pair-verify M1")
	m2, err := exchange(ctx, carrier, m1)
	if err != nil {
		return nil, fmt.Errorf("M1/M2: %w", err)
	}
	serverEphemeral, err := require(m2, tlv8.TagPublicKey, "server ephemeral key")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	encrypted, err := require(m2, tlv8.TagEncryptedData, "encrypted data")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}

	shared, err := curve25519.X25519(vs.private[:], serverEphemeral)
	if err != nil {
		return nil, fmt.Errorf("M2: ECDH: %w", err)
	}
	verifyKey, err := hap.DeriveKey(shared, verifyEncryptSalt, verifyEncryptInfo)
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	aead, err := chacha20poly1305.New(verifyKey[:])
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	nonce2, err := hap.MessageNonce(verifyNonceM2)
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	plain, err := aead.Open(nil, nonce2, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("M2: decrypt: %w", err)
	}
	sub, err := tlv8.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("M2: decode sub-record: %w", err)
	}
	serverID, err := require(sub, tlv8.TagIdentifier, "server identifier")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	serverSig, err := require(sub, tlv8.TagSignature, "server signature")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	if creds.ServerID != "" && string(serverID) != creds.ServerID {
		return nil, fmt.Errorf("M2: server identifier %q, paired with %q", serverID, creds.ServerID)
	}
	if err := checkCanonicalPoint(creds.ServerLTPK); err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}

	// The server signs server-ephemeral || server-id || client-ephemeral.
	signed := make([]byte, 0, 32+len(serverID)+32)
	signed = append(signed, serverEphemeral...)
	signed = append(signed, serverID...)
	signed = append(signed, vs.public[:]...)
	if !ed25519.Verify(ed25519.PublicKey(creds.ServerLTPK), signed, serverSig) {
		return nil, fmt.Errorf("M2: server signature verification failed")
	}
	logger.Debug("pair-verify server proven")

	// M3: our proof, mirrored.
	ourSigned := make([]byte, 0, 32+len(creds.ClientID)+32)
	ourSigned = append(ourSigned, vs.public[:]...)
	ourSigned = append(ourSigned, creds.ClientID...)
	ourSigned = append(ourSigned, serverEphemeral...)
	signature := ed25519.Sign(creds.SigningKey(), ourSigned)

	subM3 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagIdentifier, Value: []byte(creds.ClientID)},
		{Tag: tlv8.TagSignature, Value: signature},
	})
	nonce3, err := hap.MessageNonce(verifyNonceM3)
	if err != nil {
		return nil, fmt.Errorf("M3: %w", err)
	}
	m3 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagSequence, Value: []byte{0x03}},
		{Tag: tlv8.TagEncryptedData, Value: aead.Seal(nil, nonce3, subM3, nil)},
	})
	logger.Debug("pair-verify M3")
	m4, err := exchange(ctx, carrier, m3)
	if err != nil {
		return nil, fmt.Errorf("M3/M4: %w", err)
	}
	// M4 carries no payload beyond the acknowledged sequence.
	if v, ok := m4[tlv8.TagSequence]; ok && len(v) > 0 && v[0] != 0x04 {
		return nil, fmt.Errorf("M4: sequence %d, want 4", v[0])
	}

	logger.Info("pair-verify complete", "server", creds.ServerID)
	out := append([]byte(nil), shared...)
	clear(shared)
	return out, nil
}
