package pairing

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/atvremote/atv-go/credentials"
	"github.com/atvremote/atv-go/hap"
	"github.com/atvremote/atv-go/srp"
	"github.com/atvremote/atv-go/tlv8"
)

const (
	setupUsername = "Pair-Setup"

	setupSignSalt    = "Pair-Setup-Controller-Sign-Salt"
	setupSignInfo    = "Pair-Setup-Controller-Sign-Info"
	setupEncryptSalt = "Pair-Setup-Encrypt-Salt"
	setupEncryptInfo = "Pair-Setup-Encrypt-Info"

	setupNonceM5 = "PS-Msg05"
	setupNonceM6 = "PS-Msg06"
)

// Setup runs the six-message pair-setup handshake with the PIN shown on
// the device and returns freshly minted credentials. Every failure is
// terminal: the caller gets one error and no partial state.
func Setup(ctx context.Context, carrier Carrier, pin string, logger *slog.Logger) (*credentials.Credentials, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// M1: start the exchange.
	m1 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagMethod, Value: []byte{0x00}},
		{Tag: tlv8.TagSequence, Value: []byte{0x01}},
	})
	logger.Debug("pair-setup M1")
	m2, err := exchange(ctx, carrier, m1)
	if err != nil {
		return nil, fmt.Errorf("M1/M2: %w", err)
	}
	if err := requireSequence(m2, 0x02); err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	salt, err := require(m2, tlv8.TagSalt, "salt")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}
	serverPublic, err := require(m2, tlv8.TagPublicKey, "server public key")
	if err != nil {
		return nil, fmt.Errorf("M2: %w", err)
	}

	// M3: SRP public value and proof.
	client, err := srp.NewClient(setupUsername, pin)
	if err != nil {
		return nil, fmt.Errorf("M3: %w", err)
	}
	if err := client.Complete(salt, serverPublic); err != nil {
		return nil, fmt.Errorf("M3: %w", err)
	}
	m3 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagSequence, Value: []byte{0x03}},
		{Tag: tlv8.TagPublicKey, Value: client.PublicKey()},
		{Tag: tlv8.TagProof, Value: client.Proof()},
	})
	logger.Debug("pair-setup M3", "public_len", len(client.PublicKey()))
	m4, err := exchange(ctx, carrier, m3)
	if err != nil {
		return nil, fmt.Errorf("M3/M4: %w", err)
	}
	if err := requireSequence(m4, 0x04); err != nil {
		return nil, fmt.Errorf("M4: %w", err)
	}
	serverProof, err := require(m4, tlv8.TagProof, "server proof")
	if err != nil {
		return nil, fmt.Errorf("M4: %w", err)
	}
	if err := client.VerifyServerProof(serverProof); err != nil {
		return nil, fmt.Errorf("M4: %w", err)
	}
	logger.Debug("pair-setup SRP verified")

	shared := client.SessionKey()
	signMaterial, err := hap.DeriveKey(shared, setupSignSalt, setupSignInfo)
	if err != nil {
		return nil, fmt.Errorf("M5: %w", err)
	}
	encKey, err := hap.DeriveKey(shared, setupEncryptSalt, setupEncryptInfo)
	if err != nil {
		return nil, fmt.Errorf("M5: %w", err)
	}
	aead, err := chacha20poly1305.New(encKey[:])
	if err != nil {
		return nil, fmt.Errorf("M5: %w", err)
	}

	// M5: prove possession of a fresh long-term key.
	creds, err := credentials.New()
	if err != nil {
		return nil, fmt.Errorf("M5: %w", err)
	}
	signed := make([]byte, 0, len(signMaterial)+len(creds.ClientID)+len(creds.ClientLTPK))
	signed = append(signed, signMaterial[:]...)
	signed = append(signed, creds.ClientID...)
	signed = append(signed, creds.ClientLTPK...)
	signature := ed25519.Sign(creds.SigningKey(), signed)

	sub := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagIdentifier, Value: []byte(creds.ClientID)},
		{Tag: tlv8.TagPublicKey, Value: creds.ClientLTPK},
		{Tag: tlv8.TagSignature, Value: signature},
	})
	nonce5, err := hap.MessageNonce(setupNonceM5)
	if err != nil {
		return nil, fmt.Errorf("M5: %w", err)
	}
	m5 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagSequence, Value: []byte{0x05}},
		{Tag: tlv8.TagEncryptedData, Value: aead.Seal(nil, nonce5, sub, nil)},
	})
	logger.Debug("pair-setup M5")
	m6, err := exchange(ctx, carrier, m5)
	if err != nil {
		return nil, fmt.Errorf("M5/M6: %w", err)
	}
	if err := requireSequence(m6, 0x06); err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	encrypted, err := require(m6, tlv8.TagEncryptedData, "encrypted data")
	if err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}

	// M6: learn and verify the server's long-term key.
	nonce6, err := hap.MessageNonce(setupNonceM6)
	if err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	plain, err := aead.Open(nil, nonce6, encrypted, nil)
	if err != nil {
		return nil, fmt.Errorf("M6: decrypt: %w", err)
	}
	subM6, err := tlv8.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("M6: decode sub-record: %w", err)
	}
	serverID, err := require(subM6, tlv8.TagIdentifier, "server identifier")
	if err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	serverLTPK, err := require(subM6, tlv8.TagPublicKey, "server long-term key")
	if err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	serverSig, err := require(subM6, tlv8.TagSignature, "server signature")
	if err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	if err := checkCanonicalPoint(serverLTPK); err != nil {
		return nil, fmt.Errorf("M6: %w", err)
	}
	serverSigned := make([]byte, 0, len(signMaterial)+len(serverID)+len(serverLTPK))
	serverSigned = append(serverSigned, signMaterial[:]...)
	serverSigned = append(serverSigned, serverID...)
	serverSigned = append(serverSigned, serverLTPK...)
	if !ed25519.Verify(ed25519.PublicKey(serverLTPK), serverSigned, serverSig) {
		return nil, fmt.Errorf("M6: server signature verification failed")
	}

	creds.ServerID = string(serverID)
	creds.ServerLTPK = serverLTPK
	logger.Info("pair-setup complete", "server", creds.ServerID)
	return creds, nil
}
