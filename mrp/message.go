// Package mrp builds and parses the protobuf-typed wire envelope of the
// Media Remote Protocol and drives the request/response dispatch on the
// data channel. Messages are encoded directly at the wire level; the
// envelope carries a numeric type, an optional identifier, and one
// nested extension message whose field number is derived from the type.
package mrp

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type is the envelope's numeric message type.
type Type int32

const (
	TypeSendCommand          Type = 1
	TypeSetState             Type = 4
	TypeSendHIDEvent         Type = 8
	TypeDeviceInfo           Type = 15
	TypeClientUpdatesConfig  Type = 16
	TypeTextInput            Type = 25
	TypeGetKeyboardSession   Type = 26
	TypePlaybackQueueRequest Type = 32
	TypeCryptoPairing        Type = 34
	TypeSetConnectionState   Type = 38
	TypeWakeDevice           Type = 41
	TypeGenericMessage       Type = 42
	TypeSendButtonEvent      Type = 43
)

// Envelope field numbers. The extension message for a given type sits
// at field number type+5.
const (
	fieldType       = protowire.Number(1)
	fieldIdentifier = protowire.Number(2)
	extensionOffset = 5
)

func extensionField(t Type) protowire.Number {
	return protowire.Number(int32(t) + extensionOffset)
}

// Command is the SendCommand enumeration for media transport.
type Command int32

const (
	CommandPlay            Command = 1
	CommandPause           Command = 2
	CommandTogglePlayPause Command = 3
	CommandStop            Command = 4
	CommandNextTrack       Command = 5
	CommandPreviousTrack   Command = 6
	CommandSkipForward     Command = 18
	CommandSkipBackward    Command = 19
)

// Message is one envelope: a type, an optional identifier, and the
// serialized extension message. A nil Payload means no extension is
// emitted; an empty non-nil Payload emits an empty extension.
type Message struct {
	Type       Type
	Identifier string
	Payload    []byte
}

// Marshal serializes the envelope.
func (m *Message) Marshal() []byte {
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.Identifier != "" {
		b = protowire.AppendTag(b, fieldIdentifier, protowire.BytesType)
		b = protowire.AppendString(b, m.Identifier)
	}
	if m.Payload != nil {
		b = protowire.AppendTag(b, extensionField(m.Type), protowire.BytesType)
		b = protowire.AppendBytes(b, m.Payload)
	}
	return b
}

// Unmarshal parses an envelope, tolerating unknown fields. The
// extension payload is matched against the type after the whole buffer
// is walked, since field order is not guaranteed.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}
	fields := make(map[protowire.Number][]byte)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("bad type field: %w", protowire.ParseError(n))
			}
			m.Type = Type(v)
			data = data[n:]
		case num == fieldIdentifier && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("bad identifier field: %w", protowire.ParseError(n))
			}
			m.Identifier = string(v)
			data = data[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			fields[num] = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if ext, ok := fields[extensionField(m.Type)]; ok {
		m.Payload = ext
	}
	return m, nil
}

// --- outbound message builders ---

// DeviceInfo identifies one endpoint of the connection.
type DeviceInfo struct {
	UniqueIdentifier            string
	Name                        string
	SystemBuildVersion          string
	ApplicationBundleIdentifier string
	ProtocolVersion             int64
}

// Inner field numbers of the DeviceInfo extension.
const (
	deviceInfoFieldUniqueIdentifier = protowire.Number(1)
	deviceInfoFieldName             = protowire.Number(2)
	deviceInfoFieldBuildVersion     = protowire.Number(4)
	deviceInfoFieldBundleIdentifier = protowire.Number(5)
	deviceInfoFieldProtocolVersion  = protowire.Number(6)
)

// NewDeviceInfo builds the client's DeviceInfo message.
func NewDeviceInfo(info DeviceInfo) *Message {
	b := protowire.AppendTag(nil, deviceInfoFieldUniqueIdentifier, protowire.BytesType)
	b = protowire.AppendString(b, info.UniqueIdentifier)
	b = protowire.AppendTag(b, deviceInfoFieldName, protowire.BytesType)
	b = protowire.AppendString(b, info.Name)
	if info.SystemBuildVersion != "" {
		b = protowire.AppendTag(b, deviceInfoFieldBuildVersion, protowire.BytesType)
		b = protowire.AppendString(b, info.SystemBuildVersion)
	}
	if info.ApplicationBundleIdentifier != "" {
		b = protowire.AppendTag(b, deviceInfoFieldBundleIdentifier, protowire.BytesType)
		b = protowire.AppendString(b, info.ApplicationBundleIdentifier)
	}
	if info.ProtocolVersion != 0 {
		b = protowire.AppendTag(b, deviceInfoFieldProtocolVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(info.ProtocolVersion))
	}
	return &Message{Type: TypeDeviceInfo, Payload: b}
}

// ParseDeviceInfo decodes the fields of an inbound DeviceInfo payload.
func ParseDeviceInfo(payload []byte) (*DeviceInfo, error) {
	info := &DeviceInfo{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case deviceInfoFieldUniqueIdentifier:
				info.UniqueIdentifier = string(v)
			case deviceInfoFieldName:
				info.Name = string(v)
			case deviceInfoFieldBuildVersion:
				info.SystemBuildVersion = string(v)
			case deviceInfoFieldBundleIdentifier:
				info.ApplicationBundleIdentifier = string(v)
			}
			payload = payload[n:]
		case num == deviceInfoFieldProtocolVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, fmt.Errorf("bad protocol version: %w", protowire.ParseError(n))
			}
			info.ProtocolVersion = int64(v)
			payload = payload[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			payload = payload[n:]
		}
	}
	return info, nil
}

// NewSetConnectionState builds the connection-state announcement;
// state 2 means connected.
func NewSetConnectionState(state int32) *Message {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(state))
	return &Message{Type: TypeSetConnectionState, Payload: b}
}

// NewClientUpdatesConfig subscribes to server-side update streams.
func NewClientUpdatesConfig(artwork, nowPlaying, volume, keyboard bool) *Message {
	appendBool := func(b []byte, num protowire.Number, v bool) []byte {
		b = protowire.AppendTag(b, num, protowire.VarintType)
		if v {
			return protowire.AppendVarint(b, 1)
		}
		return protowire.AppendVarint(b, 0)
	}
	var b []byte
	b = appendBool(b, 1, artwork)
	b = appendBool(b, 2, nowPlaying)
	b = appendBool(b, 3, volume)
	b = appendBool(b, 4, keyboard)
	return &Message{Type: TypeClientUpdatesConfig, Payload: b}
}

// NewGetKeyboardSession asks for the active keyboard session.
func NewGetKeyboardSession() *Message {
	return &Message{Type: TypeGetKeyboardSession, Payload: []byte{}}
}

// NewSendCommand builds a media transport command.
func NewSendCommand(cmd Command) *Message {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(cmd))
	return &Message{Type: TypeSendCommand, Payload: b}
}

// NewSendHIDEvent wraps a synthesized HID payload.
func NewSendHIDEvent(hidData []byte) *Message {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, hidData)
	return &Message{Type: TypeSendHIDEvent, Payload: b}
}

// NewSendButtonEvent presses or releases a button by usage pair.
func NewSendButtonEvent(usagePage, usage uint16, down bool) *Message {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(usagePage))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(usage))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	if down {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
	}
	return &Message{Type: TypeSendButtonEvent, Payload: b}
}

// NewCryptoPairing carries pairing data over the Companion inner
// exchange. It is the one outbound kind that must not get an
// identifier.
func NewCryptoPairing(pairingData []byte) *Message {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, pairingData)
	return &Message{Type: TypeCryptoPairing, Payload: b}
}

// NewWakeDevice wakes a sleeping device.
func NewWakeDevice() *Message {
	return &Message{Type: TypeWakeDevice, Payload: []byte{}}
}

// NewTextInput types text into the active keyboard session.
func NewTextInput(text string) *Message {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, text)
	return &Message{Type: TypeTextInput, Payload: b}
}

// NewPlaybackQueueRequest asks for a window of the playback queue.
func NewPlaybackQueueRequest(location, length int32) *Message {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(location))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(length))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, 1) // include metadata
	return &Message{Type: TypePlaybackQueueRequest, Payload: b}
}

// NewGenericMessage is the empty flush that follows a HID press pair.
func NewGenericMessage() *Message {
	return &Message{Type: TypeGenericMessage, Payload: []byte{}}
}

// SetState is the lightly-decoded shape of an inbound SetState payload:
// the sub-messages are surfaced raw for callers that want to dig in.
type SetState struct {
	NowPlayingInfo    []byte
	SupportedCommands []byte
	PlaybackQueue     []byte
	KeyboardState     []byte
}

// ParseSetState splits a SetState payload into its carrier fields.
func ParseSetState(payload []byte) (*SetState, error) {
	st := &SetState{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
		if typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case 1:
				st.NowPlayingInfo = v
			case 2:
				st.SupportedCommands = v
			case 3:
				st.PlaybackQueue = v
			case 4:
				st.KeyboardState = v
			}
			payload = payload[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, payload)
		if n < 0 {
			return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
		}
		payload = payload[n:]
	}
	return st, nil
}
