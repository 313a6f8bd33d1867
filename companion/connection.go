package companion

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/atvremote/atv-go/credentials"
	"github.com/atvremote/atv-go/hap"
	"github.com/atvremote/atv-go/opack"
	"github.com/atvremote/atv-go/pairing"
)

// Connection states. Transitions are monotonic toward Ready or Closing.
type State int

const (
	StateDisconnected State = iota
	StateTcpOpen
	StateVerifyInProgress
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateTcpOpen:
		return "tcp-open"
	case StateVerifyInProgress:
		return "verify-in-progress"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Payload map keys.
const (
	keyIdentifier  = "_i"
	keyTransferID  = "_x"
	keyPairingData = "_pd"
	keyPairingType = "_pwTy"
	keyAuthType    = "_auTy"
)

const (
	pairingTypePIN       = 1
	authTypePairVerify   = 4
	defaultDialTimeout   = 10 * time.Second
	defaultExchangeLimit = 10 * time.Second
)

// Channel key derivation: empty salt, role-named infos.
const (
	clientEncryptInfo = "ClientEncrypt-main"
	serverEncryptInfo = "ServerEncrypt-main"
)

// Config carries the dial parameters.
type Config struct {
	// Addr is host:port of the announced companion service.
	Addr string
	// Timeout bounds the dial and each pairing exchange. Zero means a
	// 10 second default.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Connection is one Companion Link session. All socket writes are
// serialized through the connection; inbound traffic is handled by a
// single reader goroutine once the session is installed.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	conn   net.Conn
	reader *Reader

	// wmu serializes encrypt+write pairs so ciphertext order matches
	// nonce order on the wire.
	wmu sync.Mutex

	mu      sync.Mutex
	state   State
	session *Session
	nextXID uint32
	pending map[int64]chan *opack.Map
	subs    []func(*opack.Map)
	closed  bool

	done chan struct{}
}

// Dial opens the TCP connection. Pairing or verification must follow
// before requests can be sent.
func Dial(ctx context.Context, cfg Config) (*Connection, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial companion %s: %w", cfg.Addr, err)
	}
	cfg.Logger.Info("companion connected", "addr", cfg.Addr)
	return &Connection{
		cfg:     cfg,
		logger:  cfg.Logger,
		conn:    conn,
		reader:  NewReader(bufio.NewReader(conn)),
		state:   StateTcpOpen,
		pending: make(map[int64]chan *opack.Map),
		done:    make(chan struct{}),
	}, nil
}

// State reports the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// pairingCarrier shuttles TLV records inside compact-pack envelopes
// over plaintext frames. The first message of each handshake uses the
// Start frame type, the rest Next.
type pairingCarrier struct {
	c     *Connection
	setup bool
	sent  bool
	xid   int64
}

func (pc *pairingCarrier) Exchange(ctx context.Context, record []byte) ([]byte, error) {
	env := opack.NewMap().Set(keyPairingData, record)
	var frameType uint8
	if pc.setup {
		pc.xid++
		env.Set(keyPairingType, int64(pairingTypePIN)).Set(keyTransferID, pc.xid)
		frameType = FrameTypePairSetupNext
		if !pc.sent {
			frameType = FrameTypePairSetupStart
		}
	} else {
		env.Set(keyAuthType, int64(authTypePairVerify))
		frameType = FrameTypePairVerifyNext
		if !pc.sent {
			frameType = FrameTypePairVerifyStart
		}
	}
	pc.sent = true

	payload, err := opack.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode pairing envelope: %w", err)
	}
	wire, err := EncodeFrame(frameType, payload)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(pc.c.exchangeTimeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	pc.c.conn.SetDeadline(deadline)
	defer pc.c.conn.SetDeadline(time.Time{})

	if _, err := pc.c.conn.Write(wire); err != nil {
		return nil, fmt.Errorf("write pairing frame: %w", err)
	}
	reply, err := pc.c.reader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read pairing frame: %w", err)
	}
	decoded, err := opack.Decode(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode pairing envelope: %w", err)
	}
	env, ok := decoded.(*opack.Map)
	if !ok {
		return nil, fmt.Errorf("pairing envelope is %T, want map", decoded)
	}
	pd, ok := env.Get(keyPairingData)
	if !ok {
		return nil, fmt.Errorf("pairing envelope missing %s", keyPairingData)
	}
	tlv, ok := pd.([]byte)
	if !ok {
		return nil, fmt.Errorf("pairing data is %T, want bytes", pd)
	}
	return tlv, nil
}

func (c *Connection) exchangeTimeout() time.Duration {
	if c.cfg.Timeout != 0 {
		return c.cfg.Timeout
	}
	return defaultExchangeLimit
}

// PairSetup runs pair-setup over framed plaintext and returns fresh
// credentials. Valid only before Verify.
func (c *Connection) PairSetup(ctx context.Context, pin string) (*credentials.Credentials, error) {
	c.mu.Lock()
	if c.state != StateTcpOpen {
		c.mu.Unlock()
		return nil, fmt.Errorf("pair-setup in state %s", c.state)
	}
	c.mu.Unlock()
	creds, err := pairing.Setup(ctx, &pairingCarrier{c: c, setup: true}, pin, c.logger)
	if err != nil {
		c.teardown()
		return nil, err
	}
	return creds, nil
}

// Verify runs pair-verify, installs the channel session, and starts the
// reader. On return the connection is Ready.
func (c *Connection) Verify(ctx context.Context, creds *credentials.Credentials) error {
	c.mu.Lock()
	if c.state != StateTcpOpen {
		c.mu.Unlock()
		return fmt.Errorf("verify in state %s", c.state)
	}
	c.state = StateVerifyInProgress
	c.mu.Unlock()

	shared, err := pairing.Verify(ctx, &pairingCarrier{c: c}, creds, c.logger)
	if err != nil {
		c.teardown()
		return fmt.Errorf("verify: %w", err)
	}
	writeKey, err := hap.DeriveKey(shared, "", clientEncryptInfo)
	if err != nil {
		c.teardown()
		return fmt.Errorf("derive write key: %w", err)
	}
	readKey, err := hap.DeriveKey(shared, "", serverEncryptInfo)
	if err != nil {
		c.teardown()
		return fmt.Errorf("derive read key: %w", err)
	}
	clear(shared)
	session, err := NewSession(writeKey, readKey)
	if err != nil {
		c.teardown()
		return fmt.Errorf("install session: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.state = StateReady
	c.mu.Unlock()
	go c.readLoop()
	c.logger.Info("companion session established")
	return nil
}

// SendRequest sends an identifier-tagged request and waits for the
// response matching its transfer identifier. A timeout fails only this
// request; the channel continues.
func (c *Connection) SendRequest(ctx context.Context, identifier string, content *opack.Map) (*opack.Map, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, fmt.Errorf("request in state %s", c.state)
	}
	c.nextXID++
	xid := int64(c.nextXID)
	ch := make(chan *opack.Map, 1)
	c.pending[xid] = ch
	session := c.session
	c.mu.Unlock()

	env := opack.NewMap().Set(keyIdentifier, identifier).Set(keyTransferID, xid)
	if content != nil {
		for _, e := range content.Entries {
			env.Set(e.Key, e.Value)
		}
	}
	payload, err := opack.Encode(env)
	if err != nil {
		c.dropPending(xid)
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.wmu.Lock()
	wire, err := session.EncryptFrame(FrameTypeEOpack, payload)
	if err == nil {
		_, err = c.conn.Write(wire)
	}
	c.wmu.Unlock()
	if err != nil {
		c.dropPending(xid)
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return reply, nil
	case <-ctx.Done():
		c.dropPending(xid)
		return nil, fmt.Errorf("request %s: %w", identifier, ctx.Err())
	}
}

func (c *Connection) dropPending(xid int64) {
	c.mu.Lock()
	delete(c.pending, xid)
	c.mu.Unlock()
}

// Subscribe registers an observer for inbound maps that match no
// pending transfer. Observers run on the reader goroutine.
func (c *Connection) Subscribe(fn func(*opack.Map)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Connection) readLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.logger.Debug("companion reader stopped", "err", err)
			c.teardown()
			return
		}
		if frame.Type != FrameTypeEOpack {
			c.logger.Warn("dropping frame of unexpected type", "type", frame.Type)
			continue
		}
		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		plain, err := session.DecryptFrame(frame)
		if err != nil {
			// Decryption failure is fatal for the channel.
			c.logger.Error("companion channel failed", "err", err)
			c.teardown()
			return
		}
		c.handleInbound(plain)
	}
}

func (c *Connection) handleInbound(plain []byte) {
	decoded, err := opack.Decode(plain)
	if err != nil {
		c.logger.Warn("dropping undecodable payload", "err", err)
		return
	}
	env, ok := decoded.(*opack.Map)
	if !ok {
		c.logger.Warn("dropping non-map payload", "type", fmt.Sprintf("%T", decoded))
		return
	}

	if raw, ok := env.Get(keyTransferID); ok {
		if xid, ok := raw.(int64); ok {
			c.mu.Lock()
			ch, pending := c.pending[xid]
			if pending {
				delete(c.pending, xid)
			}
			c.mu.Unlock()
			if pending {
				ch <- env
				return
			}
		}
	}

	// Unmatched inbound maps are events.
	c.mu.Lock()
	subs := append([]func(*opack.Map){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(env)
	}
}

// teardown releases the socket and fails every pending waiter. Safe to
// call multiple times.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosing
	pending := c.pending
	c.pending = make(map[int64]chan *opack.Map)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.conn.Close()
	close(c.done)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info("companion disconnected")
}

// Close tears the connection down.
func (c *Connection) Close() error {
	c.teardown()
	return nil
}

// Done is closed when the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}
