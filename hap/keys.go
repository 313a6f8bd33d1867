// Package hap implements the encrypted session layer shared by the
// control, event, and data channels: HKDF-SHA512 key derivation and
// ChaCha20-Poly1305 framing with per-direction nonce counters.
package hap

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the channel key width in bytes.
const KeySize = chacha20poly1305.KeySize

// DeriveKey derives a 32-byte channel key from a shared secret via
// HKDF-SHA512 with the given salt and info strings.
func DeriveKey(secret []byte, salt, info string) ([KeySize]byte, error) {
	var key [KeySize]byte
	kdf := hkdf.New(sha512.New, secret, []byte(salt), []byte(info))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("HKDF expand %q/%q: %w", salt, info, err)
	}
	return key, nil
}

// MessageNonce builds the 12-byte nonce for the fixed-label pairing
// messages ("PS-Msg05", "PV-Msg02", ...): four zero bytes then the
// 8-byte ASCII label.
func MessageNonce(label string) ([]byte, error) {
	if len(label) != 8 {
		return nil, fmt.Errorf("nonce label %q is not 8 bytes", label)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[4:], label)
	return nonce, nil
}
