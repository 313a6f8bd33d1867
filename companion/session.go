package companion

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/atvremote/atv-go/hap"
)

// Session is the Companion channel cipher: one AEAD and one 64-bit
// counter per direction. Unlike the chunked channel sessions, a frame
// carries exactly one sealed message and the 4-byte frame header is
// the AAD.
type Session struct {
	enc cipher.AEAD
	dec cipher.AEAD

	outCount uint64
	inCount  uint64
}

func NewSession(writeKey, readKey [hap.KeySize]byte) (*Session, error) {
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

func nonce(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// EncryptFrame seals the payload into a complete wire frame of the
// given type.
func (s *Session) EncryptFrame(frameType uint8, payload []byte) ([]byte, error) {
	total := len(payload) + s.enc.Overhead()
	if total > MaxPayloadLen {
		return nil, fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	h := Header(frameType, total)
	out := append([]byte(nil), h[:]...)
	out = s.enc.Seal(out, nonce(s.outCount), payload, h[:])
	s.outCount++
	return out, nil
}

// DecryptFrame opens one inbound frame. A tag failure is fatal for the
// channel.
func (s *Session) DecryptFrame(f Frame) ([]byte, error) {
	h := Header(f.Type, len(f.Payload))
	plain, err := s.dec.Open(nil, nonce(s.inCount), f.Payload, h[:])
	if err != nil {
		return nil, fmt.Errorf("frame %d: authentication failed: %w", s.inCount, err)
	}
	s.inCount++
	return plain, nil
}

// Counters reports the per-direction counter state (outbound, inbound).
func (s *Session) Counters() (uint64, uint64) {
	return s.outCount, s.inCount
}
