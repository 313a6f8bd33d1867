package datastream

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestSyncRoundTrip(t *testing.T) {
	seq, err := NewSequence()
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	message := []byte{0x08, 0x0F, 0x12, 0x03, 0x61, 0x62, 0x63}

	wire, err := BuildSync(seq, message)
	if err != nil {
		t.Fatalf("BuildSync: %v", err)
	}
	f, rest, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("%d bytes left over", len(rest))
	}
	if f.Type != TypeSync || f.Command != CommandSync {
		t.Fatalf("type/command = %q/%q", f.Type, f.Command)
	}
	if f.Sequence != seq {
		t.Fatalf("sequence = %d, want %d", f.Sequence, seq)
	}
	if !bytes.Equal(f.Payload, message) {
		t.Fatalf("payload = %x, want %x", f.Payload, message)
	}
}

func TestSequenceRange(t *testing.T) {
	for i := 0; i < 32; i++ {
		seq, err := NewSequence()
		if err != nil {
			t.Fatalf("NewSequence: %v", err)
		}
		if seq < 1<<32 || seq >= 2<<32 {
			t.Fatalf("sequence %d outside [2^32, 2*2^32)", seq)
		}
	}
}

func TestSequenceDoesNotIncrement(t *testing.T) {
	seq, _ := NewSequence()
	a, _ := BuildSync(seq, []byte{0x01})
	b, _ := BuildSync(seq, []byte{0x02})
	fa, _, _ := Parse(a)
	fb, _, _ := Parse(b)
	if fa.Sequence != fb.Sequence {
		t.Fatal("sequence changed across builds on one connection")
	}
}

func TestReplyVector(t *testing.T) {
	// An inbound sync with this sequence must produce exactly this
	// header: total-size=32, type "rply", sequence echoed at bytes 20..28.
	reply := BuildReply(0x0000000100000007)
	if len(reply) != 32 {
		t.Fatalf("reply length = %d", len(reply))
	}
	wantPrefix := []byte{0x00, 0x00, 0x00, 0x20, 0x72, 0x70, 0x6C, 0x79}
	if !bytes.Equal(reply[:8], wantPrefix) {
		t.Fatalf("reply prefix = %x, want %x", reply[:8], wantPrefix)
	}
	wantSeq := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x07}
	if !bytes.Equal(reply[20:28], wantSeq) {
		t.Fatalf("reply sequence bytes = %x, want %x", reply[20:28], wantSeq)
	}
}

func TestParseReply(t *testing.T) {
	f, rest, err := Parse(BuildReply(42))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != TypeReply || f.Command != "" || f.Sequence != 42 || f.Payload != nil {
		t.Fatalf("parsed reply = %+v", f)
	}
	if len(rest) != 0 {
		t.Fatal("unexpected remainder")
	}
}

func TestParsePartial(t *testing.T) {
	seq, _ := NewSequence()
	wire, _ := BuildSync(seq, []byte{0x01, 0x02})

	f, rest, err := Parse(wire[:10])
	if err != nil || f != nil {
		t.Fatalf("partial header: f=%v err=%v", f, err)
	}
	if len(rest) != 10 {
		t.Fatal("partial header consumed bytes")
	}

	f, rest, err = Parse(wire[:len(wire)-1])
	if err != nil || f != nil {
		t.Fatalf("partial body: f=%v err=%v", f, err)
	}
	if len(rest) != len(wire)-1 {
		t.Fatal("partial body consumed bytes")
	}
}

func TestParseCoalesced(t *testing.T) {
	seq, _ := NewSequence()
	a, _ := BuildSync(seq, []byte{0xAA})
	b := BuildReply(7)
	buf := append(append([]byte{}, a...), b...)

	f1, rest, err := Parse(buf)
	if err != nil || f1 == nil || f1.Type != TypeSync {
		t.Fatalf("first frame: %v %v", f1, err)
	}
	f2, rest, err := Parse(rest)
	if err != nil || f2 == nil || f2.Type != TypeReply || f2.Sequence != 7 {
		t.Fatalf("second frame: %v %v", f2, err)
	}
	if len(rest) != 0 {
		t.Fatal("unexpected remainder")
	}
}

func TestParseUnknownType(t *testing.T) {
	bad := BuildReply(1)
	copy(bad[4:8], "junk")
	if _, _, err := Parse(bad); err == nil {
		t.Fatal("expected unknown-type error")
	}
}

func TestParseShortTotal(t *testing.T) {
	bad := BuildReply(1)
	binary.BigEndian.PutUint32(bad[0:4], 8)
	if _, _, err := Parse(bad); err == nil {
		t.Fatal("expected short-total error")
	}
}

func TestHeartbeatTicksAndStops(t *testing.T) {
	var ticks atomic.Int32
	h := NewHeartbeat(10*time.Millisecond, func() error {
		ticks.Add(1)
		return nil
	}, slog.Default())
	time.Sleep(55 * time.Millisecond)
	h.Stop()
	n := ticks.Load()
	if n < 2 {
		t.Fatalf("heartbeat ticked %d times, want >= 2", n)
	}
	time.Sleep(30 * time.Millisecond)
	if ticks.Load() != n {
		t.Fatal("heartbeat kept ticking after Stop")
	}
	h.Stop() // idempotent
}
