package companion

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/atvremote/atv-go/credentials"
	"github.com/atvremote/atv-go/hap"
	"github.com/atvremote/atv-go/opack"
	"github.com/atvremote/atv-go/tlv8"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBufReader(c net.Conn) *bufio.Reader {
	return bufio.NewReader(c)
}

func TestFrameRoundTrip(t *testing.T) {
	wire, err := EncodeFrame(FrameTypeEOpack, []byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if !bytes.Equal(wire[:4], []byte{0x08, 0x00, 0x00, 0x03}) {
		t.Fatalf("header = %x", wire[:4])
	}
	frames, rest := ParseFrames(wire)
	if len(frames) != 1 || len(rest) != 0 {
		t.Fatalf("frames=%d rest=%d", len(frames), len(rest))
	}
	if frames[0].Type != FrameTypeEOpack || !bytes.Equal(frames[0].Payload, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("frame = %+v", frames[0])
	}
}

func TestParseFramesPartial(t *testing.T) {
	a, _ := EncodeFrame(FrameTypePairSetupStart, bytes.Repeat([]byte{0xAA}, 10))
	b, _ := EncodeFrame(FrameTypeEOpack, bytes.Repeat([]byte{0xBB}, 20))
	buf := append(append([]byte{}, a...), b...)

	// Only the first frame is complete; the second's payload is cut.
	frames, rest := ParseFrames(buf[:len(a)+6])
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(rest) != 6 {
		t.Fatalf("remainder = %d bytes, want 6", len(rest))
	}

	// A partial header stays in the remainder.
	frames, rest = ParseFrames(buf[:2])
	if len(frames) != 0 || len(rest) != 2 {
		t.Fatalf("partial header: frames=%d rest=%d", len(frames), len(rest))
	}

	// Both complete: two frames, empty remainder.
	frames, rest = ParseFrames(buf)
	if len(frames) != 2 || len(rest) != 0 {
		t.Fatalf("full buffer: frames=%d rest=%d", len(frames), len(rest))
	}
}

func testSessionPair(t *testing.T) (client, server *Session) {
	t.Helper()
	var k1, k2 [hap.KeySize]byte
	for i := range k1 {
		k1[i] = 0x0C
		k2[i] = 0x0D
	}
	client, err := NewSession(k1, k2)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	server, err = NewSession(k2, k1)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return client, server
}

func TestSessionRoundTrip(t *testing.T) {
	client, server := testSessionPair(t)
	for i := 0; i < 5; i++ {
		msg := bytes.Repeat([]byte{byte(i)}, 100+i)
		wire, err := client.EncryptFrame(FrameTypeEOpack, msg)
		if err != nil {
			t.Fatalf("EncryptFrame: %v", err)
		}
		frames, _ := ParseFrames(wire)
		plain, err := server.DecryptFrame(frames[0])
		if err != nil {
			t.Fatalf("DecryptFrame: %v", err)
		}
		if !bytes.Equal(plain, msg) {
			t.Fatal("round trip mismatch")
		}
	}
	out, _ := client.Counters()
	_, in := server.Counters()
	if out != 5 || in != 5 {
		t.Fatalf("counters = %d/%d, want 5/5", out, in)
	}
}

func TestSessionHeaderIsAAD(t *testing.T) {
	client, server := testSessionPair(t)
	wire, _ := client.EncryptFrame(FrameTypeEOpack, []byte("payload"))
	frames, _ := ParseFrames(wire)
	// Re-typing the frame changes the AAD and must break the tag.
	frames[0].Type = FrameTypeUOpack
	if _, err := server.DecryptFrame(frames[0]); err == nil {
		t.Fatal("expected AAD mismatch to fail")
	}
}

// testServer drives the device side of a Companion connection over a
// net.Pipe: pair-verify, then an echo responder.
type testServer struct {
	t     *testing.T
	conn  net.Conn
	creds *credentials.Credentials

	serverID   string
	serverPriv ed25519.PrivateKey
	serverPub  ed25519.PublicKey

	session *Session
}

func newTestServer(t *testing.T, conn net.Conn) *testServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return &testServer{
		t:          t,
		conn:       conn,
		serverID:   "companion-device",
		serverPriv: priv,
		serverPub:  pub,
	}
}

func (s *testServer) readFrame() Frame {
	var buf []byte
	tmp := make([]byte, 4096)
	for {
		frames, rest := ParseFrames(buf)
		if len(frames) > 0 {
			if len(rest) != 0 {
				s.t.Error("server: trailing bytes after frame")
			}
			return frames[0]
		}
		n, err := s.conn.Read(tmp)
		if err != nil {
			s.t.Errorf("server read: %v", err)
			return Frame{}
		}
		buf = append(buf, tmp[:n]...)
	}
}

func (s *testServer) writeFrame(frameType uint8, payload []byte) {
	wire, err := EncodeFrame(frameType, payload)
	if err != nil {
		s.t.Errorf("server encode: %v", err)
		return
	}
	if _, err := s.conn.Write(wire); err != nil {
		s.t.Errorf("server write: %v", err)
	}
}

func (s *testServer) pairingData(f Frame) []byte {
	decoded, err := opack.Decode(f.Payload)
	if err != nil {
		s.t.Errorf("server decode envelope: %v", err)
		return nil
	}
	pd, _ := decoded.(*opack.Map).Get("_pd")
	return pd.([]byte)
}

// runVerify performs the device side of pair-verify and installs the
// mirrored session.
func (s *testServer) runVerify(clientLTPK ed25519.PublicKey) {
	// M1
	f := s.readFrame()
	if f.Type != FrameTypePairVerifyStart {
		s.t.Errorf("server: first frame type 0x%02x", f.Type)
	}
	m1, err := tlv8.Decode(s.pairingData(f))
	if err != nil {
		s.t.Errorf("server: decode M1: %v", err)
		return
	}
	clientEph := m1[tlv8.TagPublicKey]

	var ephPriv [32]byte
	rand.Read(ephPriv[:])
	ephPub, _ := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	shared, _ := curve25519.X25519(ephPriv[:], clientEph)

	signed := append(append(append([]byte{}, ephPub...), []byte(s.serverID)...), clientEph...)
	sub := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagIdentifier, Value: []byte(s.serverID)},
		{Tag: tlv8.TagSignature, Value: ed25519.Sign(s.serverPriv, signed)},
	})
	key, _ := hap.DeriveKey(shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	aead, _ := chacha20poly1305.New(key[:])
	nonce2, _ := hap.MessageNonce("PV-Msg02")
	m2 := tlv8.Encode([]tlv8.Entry{
		{Tag: tlv8.TagPublicKey, Value: ephPub},
		{Tag: tlv8.TagEncryptedData, Value: aead.Seal(nil, nonce2, sub, nil)},
	})
	env, _ := opack.Encode(opack.NewMap().Set("_pd", m2))
	s.writeFrame(FrameTypePairVerifyNext, env)

	// M3
	f = s.readFrame()
	if f.Type != FrameTypePairVerifyNext {
		s.t.Errorf("server: M3 frame type 0x%02x", f.Type)
	}
	m3, err := tlv8.Decode(s.pairingData(f))
	if err != nil {
		s.t.Errorf("server: decode M3: %v", err)
		return
	}
	nonce3, _ := hap.MessageNonce("PV-Msg03")
	plain, err := aead.Open(nil, nonce3, m3[tlv8.TagEncryptedData], nil)
	if err != nil {
		s.t.Errorf("server: M3 decrypt: %v", err)
		return
	}
	subM3, _ := tlv8.Decode(plain)
	clientSigned := append(append(append([]byte{}, clientEph...), subM3[tlv8.TagIdentifier]...), ephPub...)
	if !ed25519.Verify(clientLTPK, clientSigned, subM3[tlv8.TagSignature]) {
		s.t.Error("server: client signature invalid")
	}
	m4 := tlv8.Encode([]tlv8.Entry{{Tag: tlv8.TagSequence, Value: []byte{0x04}}})
	env, _ = opack.Encode(opack.NewMap().Set("_pd", m4))
	s.writeFrame(FrameTypePairVerifyNext, env)

	// Mirror of the client's key derivation.
	writeKey, _ := hap.DeriveKey(shared, "", "ServerEncrypt-main")
	readKey, _ := hap.DeriveKey(shared, "", "ClientEncrypt-main")
	s.session, err = NewSession(writeKey, readKey)
	if err != nil {
		s.t.Errorf("server session: %v", err)
	}
}

// echoOnce answers one request, echoing _x and the identifier back.
func (s *testServer) echoOnce() {
	f := s.readFrame()
	plain, err := s.session.DecryptFrame(f)
	if err != nil {
		s.t.Errorf("server decrypt: %v", err)
		return
	}
	decoded, err := opack.Decode(plain)
	if err != nil {
		s.t.Errorf("server decode: %v", err)
		return
	}
	req := decoded.(*opack.Map)
	xid, _ := req.Get("_x")
	id, _ := req.Get("_i")
	resp := opack.NewMap().Set("_x", xid).Set("_c", opack.NewMap().Set("echoed", id))
	payload, _ := opack.Encode(resp)
	wire, err := s.session.EncryptFrame(FrameTypeEOpack, payload)
	if err != nil {
		s.t.Errorf("server encrypt: %v", err)
		return
	}
	s.conn.Write(wire)
}

// sendEvent pushes an unsolicited map.
func (s *testServer) sendEvent(name string) {
	ev := opack.NewMap().Set("_i", name)
	payload, _ := opack.Encode(ev)
	wire, err := s.session.EncryptFrame(FrameTypeEOpack, payload)
	if err != nil {
		s.t.Errorf("server encrypt event: %v", err)
		return
	}
	s.conn.Write(wire)
}

func pipeConnection(t *testing.T) (*Connection, *testServer, *credentials.Credentials) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	srv := newTestServer(t, serverEnd)

	creds, err := credentials.New()
	if err != nil {
		t.Fatalf("credentials.New: %v", err)
	}
	creds.ServerID = srv.serverID
	creds.ServerLTPK = srv.serverPub

	conn := &Connection{
		cfg:     Config{Addr: "pipe"},
		logger:  testLogger(),
		conn:    clientEnd,
		reader:  NewReader(newBufReader(clientEnd)),
		state:   StateTcpOpen,
		pending: make(map[int64]chan *opack.Map),
		done:    make(chan struct{}),
	}
	return conn, srv, creds
}

func TestConnectionVerifyAndRequest(t *testing.T) {
	conn, srv, creds := pipeConnection(t)
	defer conn.Close()

	go func() {
		srv.runVerify(ed25519.PublicKey(creds.ClientLTPK))
		srv.echoOnce()
	}()

	if err := conn.Verify(context.Background(), creds); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if conn.State() != StateReady {
		t.Fatalf("state = %s, want ready", conn.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := conn.SendRequest(ctx, "_sessionStart", opack.NewMap().Set("_srvT", "com.apple.tvremoteservices"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	content, ok := resp.Get("_c")
	if !ok {
		t.Fatalf("response missing content: %v", resp)
	}
	echoed, _ := content.(*opack.Map).Get("echoed")
	if echoed != "_sessionStart" {
		t.Fatalf("echoed identifier = %v", echoed)
	}
}

func TestConnectionEventDelivery(t *testing.T) {
	conn, srv, creds := pipeConnection(t)
	defer conn.Close()

	events := make(chan string, 1)
	conn.Subscribe(func(m *opack.Map) {
		if id, ok := m.Get("_i"); ok {
			events <- id.(string)
		}
	})

	go func() {
		srv.runVerify(ed25519.PublicKey(creds.ClientLTPK))
		srv.sendEvent("_interest")
	}()

	if err := conn.Verify(context.Background(), creds); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	select {
	case id := <-events:
		if id != "_interest" {
			t.Fatalf("event id = %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestRequestTimeoutLeavesChannelUsable(t *testing.T) {
	conn, srv, creds := pipeConnection(t)
	defer conn.Close()

	go func() {
		srv.runVerify(ed25519.PublicKey(creds.ClientLTPK))
		// Swallow the first request without answering, then echo the next.
		f := srv.readFrame()
		if _, err := srv.session.DecryptFrame(f); err != nil {
			srv.t.Errorf("server decrypt: %v", err)
		}
		srv.echoOnce()
	}()

	if err := conn.Verify(context.Background(), creds); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := conn.SendRequest(ctx, "_slow", nil)
	cancel()
	if err == nil {
		t.Fatal("expected timeout")
	}
	if conn.State() != StateReady {
		t.Fatalf("state after timeout = %s, want ready", conn.State())
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if _, err := conn.SendRequest(ctx2, "_fast", nil); err != nil {
		t.Fatalf("request after timeout: %v", err)
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	conn, srv, creds := pipeConnection(t)

	go func() {
		srv.runVerify(ed25519.PublicKey(creds.ClientLTPK))
		f := srv.readFrame()
		srv.session.DecryptFrame(f)
		// Never answer; the client closes underneath the waiter.
	}()

	if err := conn.Verify(context.Background(), creds); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendRequest(context.Background(), "_hang", nil)
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)
	conn.Close()
	if err := <-errCh; err == nil {
		t.Fatal("expected closed-connection failure")
	}
	<-conn.Done()
	if conn.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", conn.State())
	}
}
