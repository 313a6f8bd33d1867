package hap

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// MaxChunkLen is the largest plaintext span a single frame carries.
	MaxChunkLen = 1024

	lengthPrefixLen = 2
	tagLen          = 16
)

// Session is one channel's AEAD state: a cipher and a 64-bit counter per
// direction. Counters start at zero when the session is installed and
// advance by one per AEAD invocation, so a nonce is never reused under
// the same key. A Session is owned by the goroutine driving its socket;
// the connection serializes access.
type Session struct {
	enc cipher.AEAD
	dec cipher.AEAD

	outCount uint64
	inCount  uint64
}

// NewSession builds a session from the directional keys derived at the
// end of pair-verify. writeKey encrypts outbound frames, readKey
// decrypts inbound ones.
func NewSession(writeKey, readKey [KeySize]byte) (*Session, error) {
	enc, err := chacha20poly1305.New(writeKey[:])
	if err != nil {
		return nil, fmt.Errorf("write cipher: %w", err)
	}
	dec, err := chacha20poly1305.New(readKey[:])
	if err != nil {
		return nil, fmt.Errorf("read cipher: %w", err)
	}
	return &Session{enc: enc, dec: dec}, nil
}

// counterNonce is a 12-byte nonce: four zero bytes then the counter in
// little-endian.
func counterNonce(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Encrypt seals plaintext into one or more wire frames. Each frame is a
// 2-byte little-endian plaintext length, the ciphertext, and the 16-byte
// tag; the length prefix is the AAD. Payloads longer than MaxChunkLen
// split into consecutive frames, each consuming one nonce.
func (s *Session) Encrypt(plaintext []byte) []byte {
	out := make([]byte, 0, len(plaintext)+lengthPrefixLen+tagLen)
	for first := true; first || len(plaintext) > 0; first = false {
		chunk := plaintext
		if len(chunk) > MaxChunkLen {
			chunk = plaintext[:MaxChunkLen]
		}
		plaintext = plaintext[len(chunk):]

		var prefix [lengthPrefixLen]byte
		binary.LittleEndian.PutUint16(prefix[:], uint16(len(chunk)))
		out = append(out, prefix[:]...)
		out = s.enc.Seal(out, counterNonce(s.outCount), chunk, prefix[:])
		s.outCount++
	}
	return out
}

// DecryptChunk opens one frame's ciphertext given its length prefix.
// A tag failure is fatal for the channel; the caller must tear the
// connection down rather than continue.
func (s *Session) DecryptChunk(prefix, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.dec.Open(nil, counterNonce(s.inCount), ciphertext, prefix)
	if err != nil {
		return nil, fmt.Errorf("frame %d: authentication failed: %w", s.inCount, err)
	}
	s.inCount++
	return plaintext, nil
}

// Counters reports the per-direction counter state (outbound, inbound).
func (s *Session) Counters() (uint64, uint64) {
	return s.outCount, s.inCount
}
