// Package datastream implements the 32-byte-header frame discipline of
// the data channel: outbound sync frames carrying a protobuf payload
// inside a binary property list, and reply frames acknowledging inbound
// syncs.
package datastream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"howett.net/plist"
)

const (
	// HeaderLen is the fixed frame header size.
	HeaderLen = 32

	// TypeSync and TypeReply are the 4-byte ASCII message types.
	TypeSync  = "sync"
	TypeReply = "rply"

	// CommandSync is the command field of a sync frame; replies carry
	// zero bytes there.
	CommandSync = "comm"
)

// Frame is one parsed DataStream frame.
type Frame struct {
	Type     string // "sync" or "rply"
	Command  string // "comm" on syncs, empty on replies
	Sequence uint64
	Payload  []byte // extracted protobuf bytes, nil on header-only frames
}

// NewSequence picks the per-connection sequence number, a random value
// in [2^32, 2*2^32). Every outbound sync frame on the connection reuses
// it unchanged.
func NewSequence() (uint64, error) {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return 0, fmt.Errorf("generate sequence: %w", err)
	}
	return 1<<32 + uint64(binary.BigEndian.Uint32(raw[:])), nil
}

// payloadEnvelope is the property-list body: the protobuf bytes sit
// under params.data behind an unsigned-varint length prefix.
type payloadEnvelope struct {
	Params payloadParams `plist:"params"`
}

type payloadParams struct {
	Data []byte `plist:"data"`
}

func header(total int, frameType, command string, seq uint64) []byte {
	h := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(h[0:4], uint32(total))
	copy(h[4:8], frameType)
	// h[8:16] zero
	copy(h[16:20], command)
	binary.BigEndian.PutUint64(h[20:28], seq)
	// h[28:32] zero
	return h
}

// BuildSync builds an outbound sync frame around the protobuf message
// bytes, using the connection's fixed sequence number.
func BuildSync(seq uint64, message []byte) ([]byte, error) {
	prefixed := binary.AppendUvarint(nil, uint64(len(message)))
	prefixed = append(prefixed, message...)
	body, err := plist.Marshal(payloadEnvelope{Params: payloadParams{Data: prefixed}}, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := header(HeaderLen+len(body), TypeSync, CommandSync, seq)
	return append(out, body...), nil
}

// BuildReply builds the header-only acknowledgement for an inbound sync
// frame, echoing its sequence.
func BuildReply(seq uint64) []byte {
	return header(HeaderLen, TypeReply, "\x00\x00\x00\x00", seq)
}

// Parse extracts the first complete frame from buf and returns it with
// the unconsumed remainder. A partial frame leaves buf untouched with a
// nil frame.
func Parse(buf []byte) (*Frame, []byte, error) {
	if len(buf) < HeaderLen {
		return nil, buf, nil
	}
	total := int(binary.BigEndian.Uint32(buf[0:4]))
	if total < HeaderLen {
		return nil, nil, fmt.Errorf("frame declares %d bytes, header alone is %d", total, HeaderLen)
	}
	if len(buf) < total {
		return nil, buf, nil
	}

	f := &Frame{
		Type:     string(buf[4:8]),
		Sequence: binary.BigEndian.Uint64(buf[20:28]),
	}
	if cmd := buf[16:20]; cmd[0] != 0 {
		f.Command = string(cmd)
	}
	switch f.Type {
	case TypeSync, TypeReply:
	default:
		return nil, nil, fmt.Errorf("unknown frame type %q", f.Type)
	}

	if total > HeaderLen {
		var env payloadEnvelope
		if _, err := plist.Unmarshal(buf[HeaderLen:total], &env); err != nil {
			return nil, nil, fmt.Errorf("decode payload: %w", err)
		}
		n, consumed := binary.Uvarint(env.Params.Data)
		if consumed <= 0 || int(n) > len(env.Params.Data)-consumed {
			return nil, nil, fmt.Errorf("bad payload length prefix")
		}
		f.Payload = env.Params.Data[consumed : consumed+int(n)]
	}
	return f, buf[total:], nil
}
