package mrp

import (
	"encoding/binary"
	"fmt"
)

// Usage is a HID usage-page/usage pair.
type Usage struct {
	Page  uint16
	Usage uint16
}

// keyUsages maps remote key names onto their HID usage pairs.
var keyUsages = map[string]Usage{
	"up":          {Page: 1, Usage: 0x8C},
	"down":        {Page: 1, Usage: 0x8D},
	"left":        {Page: 1, Usage: 0x8B},
	"right":       {Page: 1, Usage: 0x8A},
	"select":      {Page: 1, Usage: 0x89},
	"menu":        {Page: 1, Usage: 0x86},
	"sleep":       {Page: 1, Usage: 0x82},
	"home":        {Page: 12, Usage: 0x40},
	"top_menu":    {Page: 12, Usage: 0x60},
	"play_pause":  {Page: 12, Usage: 0xB0},
	"volume_up":   {Page: 12, Usage: 0xE9},
	"volume_down": {Page: 12, Usage: 0xEA},
}

// LookupKey resolves a key name to its usage pair.
func LookupKey(name string) (Usage, error) {
	u, ok := keyUsages[name]
	if !ok {
		return Usage{}, fmt.Errorf("unknown key %q", name)
	}
	return u, nil
}

// The server accepts a fixed timestamp; nothing observed validates it.
var hidTimestamp = [8]byte{0x43, 0x8B, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00}

// Fixed event-structure bytes surrounding the usage fields.
var hidHeader = [35]byte{
	0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00,
	0x00, 0x10, 0x01,
}

var hidFooter = [11]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x00, 0x00,
}

// HIDEventLen is the synthesized payload size.
const HIDEventLen = 8 + 35 + 2 + 2 + 2 + 11

// HIDPayload synthesizes one button event. The three shorts after the
// header are big-endian: usage page, usage, and the pressed flag
// (1 down, 0 up).
func HIDPayload(u Usage, down bool) []byte {
	out := make([]byte, 0, HIDEventLen)
	out = append(out, hidTimestamp[:]...)
	out = append(out, hidHeader[:]...)
	out = binary.BigEndian.AppendUint16(out, u.Page)
	out = binary.BigEndian.AppendUint16(out, u.Usage)
	if down {
		out = binary.BigEndian.AppendUint16(out, 1)
	} else {
		out = binary.BigEndian.AppendUint16(out, 0)
	}
	return append(out, hidFooter[:]...)
}
