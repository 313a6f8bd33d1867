// Package airplay implements the AirPlay control connection: pair-verify
// on a fresh TCP socket, an encrypted RTSP dialogue that brings up the
// event and data channels, a periodic feedback heartbeat, and the MRP
// bring-up on the data channel.
package airplay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"howett.net/plist"

	"github.com/google/uuid"

	"github.com/atvremote/atv-go/credentials"
	"github.com/atvremote/atv-go/datastream"
	"github.com/atvremote/atv-go/hap"
	"github.com/atvremote/atv-go/mrp"
	"github.com/atvremote/atv-go/pairing"
)

// Connection states. Transitions are monotonic toward Ready or Closing.
type State int

const (
	StateDisconnected State = iota
	StateTcpOpen
	StateVerifyInProgress
	StateVerifyComplete
	StateSetupInProgress
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
	case StateVerifyComplete:
		return "verify-complete"
	case StateSetupInProgress:
		return "setup-in-progress"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Channel key derivation constants.
const (
	controlSalt      = "Control-Salt"
	controlWriteInfo = "Control-Write-Encryption-Key"
	controlReadInfo  = "Control-Read-Encryption-Key"

	eventsSalt      = "Events-Salt"
	eventsWriteInfo = "Events-Write-Encryption-Key"
	eventsReadInfo  = "Events-Read-Encryption-Key"

	dataStreamSaltPrefix = "DataStream-Salt"
	dataStreamWriteInfo  = "DataStream-Output-Encryption-Key"
	dataStreamReadInfo   = "DataStream-Input-Encryption-Key"
)

// clientTypeUUID identifies a media-remote client in the data-channel
// setup body.
const clientTypeUUID = "1910A70F-DBC0-4242-AF95-115DB30604E1"

const defaultTimeout = 10 * time.Second

// Config carries the connection parameters.
type Config struct {
	// Addr is host:port of the announced AirPlay service.
	Addr string
	// Credentials from a completed pair-setup. Required for Connect.
	Credentials *credentials.Credentials
	// Name is the client name announced in DeviceInfo.
	Name string
	// Timeout bounds the dial and each request/response wait. Zero
	// means a 10 second default.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Connection is one AirPlay control session. The control socket carries
// encrypted RTSP, the event socket answers server-initiated requests,
// and the data socket carries MRP inside DataStream frames.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, addr string) (net.Conn, error)

	conn net.Conn
	br   *bufio.Reader

	// plainBuf accumulates plaintext HTTP during pairing.
	plainBuf []byte

	ctrlReader *hap.Reader
	ctrlWriter *hap.Writer
	ctrlBuf    []byte

	sessionID    string
	dacpID       string
	activeRemote uint32
	cseq         int

	// channelSecret is the verify shared secret, held until the data
	// channel keys are derived, then cleared.
	channelSecret []byte

	eventConn    net.Conn
	eventSession *hap.Session

	dataConn   net.Conn
	dataReader *hap.Reader
	dataWriter *hap.Writer
	dataBuf    []byte
	dataSeq    uint64

	engine    *mrp.Engine
	heartbeat *datastream.Heartbeat

	wmu sync.Mutex // serializes control request/response cycles
	dmu sync.Mutex // serializes data socket writes

	mu     sync.Mutex
	state  State
	closed bool
	done   chan struct{}
}

// NewConnection builds an unconnected Connection.
func NewConnection(cfg Config) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Connection{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateDisconnected,
		done:   make(chan struct{}),
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: c.timeout()}
		return d.DialContext(ctx, "tcp", addr)
	}
	return c
}

func (c *Connection) timeout() time.Duration {
	if c.cfg.Timeout != 0 {
		return c.cfg.Timeout
	}
	return defaultTimeout
}

// State reports the connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Engine exposes the MRP engine once the connection is Ready.
func (c *Connection) Engine() *mrp.Engine {
	return c.engine
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// newIdentity picks the per-connection RTSP identity: session id,
// DACP-ID, Active-Remote.
func (c *Connection) newIdentity() error {
	sid, err := randomUint32()
	if err != nil {
		return err
	}
	c.sessionID = strconv.FormatUint(uint64(sid), 10)
	if c.dacpID, err = randomHex(8); err != nil {
		return err
	}
	if c.activeRemote, err = randomUint32(); err != nil {
		return err
	}
	return nil
}

// Open dials the control socket. Pairing or Connect must follow.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("open in state %s", c.state)
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("connect: dial %s: %w", c.cfg.Addr, err)
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.setState(StateTcpOpen)
	c.logger.Info("airplay connected", "addr", c.cfg.Addr)
	return nil
}

// --- plaintext pairing carriers ---

// plainExchange runs one plaintext HTTP POST cycle on the control
// socket, used only before the channel is upgraded.
func (c *Connection) plainExchange(ctx context.Context, path, contentType string, body []byte) (*message, error) {
	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	var req bytes.Buffer
	fmt.Fprintf(&req, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&req, "User-Agent: %s\r\n", userAgent)
	if len(body) > 0 {
		fmt.Fprintf(&req, "Content-Type: %s\r\n", contentType)
		fmt.Fprintf(&req, "Content-Length: %d\r\n", len(body))
	} else {
		req.WriteString("Content-Length: 0\r\n")
	}
	req.WriteString("\r\n")
	req.Write(body)
	if _, err := c.conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("write %s: %w", path, err)
	}

	tmp := make([]byte, 4096)
	for {
		if m, rest, err := parseMessage(c.plainBuf); err != nil {
			return nil, fmt.Errorf("parse %s response: %w", path, err)
		} else if m != nil {
			c.plainBuf = rest
			if code, err := m.statusCode(); err != nil {
				return nil, err
			} else if code != 200 {
				return nil, fmt.Errorf("%s: status %d", path, code)
			}
			return m, nil
		}
		n, err := c.br.Read(tmp)
		if err != nil {
			return nil, fmt.Errorf("read %s response: %w", path, err)
		}
		c.plainBuf = append(c.plainBuf, tmp[:n]...)
	}
}

// httpCarrier shuttles pairing records over plaintext POSTs.
type httpCarrier struct {
	c    *Connection
	path string
}

func (hc *httpCarrier) Exchange(ctx context.Context, record []byte) ([]byte, error) {
	m, err := hc.c.plainExchange(ctx, hc.path, "application/octet-stream", record)
	if err != nil {
		return nil, err
	}
	return m.body, nil
}

// StartPairing asks the device to display its PIN.
func (c *Connection) StartPairing(ctx context.Context) error {
	if c.State() != StateTcpOpen {
		return fmt.Errorf("start pairing in state %s", c.State())
	}
	if _, err := c.plainExchange(ctx, "/pair-pin-start", "", nil); err != nil {
		return fmt.Errorf("pair-pin-start: %w", err)
	}
	return nil
}

// PairSetup runs pair-setup with the displayed PIN and returns fresh
// credentials. The connection stays open for a subsequent Connect.
func (c *Connection) PairSetup(ctx context.Context, pin string) (*credentials.Credentials, error) {
	if c.State() != StateTcpOpen {
		return nil, fmt.Errorf("pair-setup in state %s", c.State())
	}
	creds, err := pairing.Setup(ctx, &httpCarrier{c: c, path: "/pair-setup"}, pin, c.logger)
	if err != nil {
		c.teardown()
		return nil, err
	}
	return creds, nil
}

// --- connect sequence ---

// Connect drives the connection to Ready: pair-verify, control channel
// upgrade, event channel setup, record, heartbeat, data channel setup,
// and the MRP bring-up. Any failure tears everything down and reports
// the failing stage.
func (c *Connection) Connect(ctx context.Context) error {
	if c.cfg.Credentials == nil {
		return fmt.Errorf("connect: no credentials")
	}
	if c.conn == nil {
		if err := c.Open(ctx); err != nil {
			return err
		}
	}

	if err := c.verify(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("verify: %w", err)
	}
	c.setState(StateSetupInProgress)

	if err := c.setupEventChannel(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("setup-event: %w", err)
	}
	if err := c.record(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("record: %w", err)
	}
	c.heartbeat = datastream.NewHeartbeat(datastream.FeedbackInterval, c.sendFeedback, c.logger)

	if err := c.setupDataChannel(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("setup-data: %w", err)
	}
	if err := c.initMRP(ctx); err != nil {
		c.teardown()
		return fmt.Errorf("mrp-init: %w", err)
	}

	c.setState(StateReady)
	c.logger.Info("airplay ready")
	return nil
}

func (c *Connection) verify(ctx context.Context) error {
	c.setState(StateVerifyInProgress)
	shared, err := pairing.Verify(ctx, &httpCarrier{c: c, path: "/pair-verify"}, c.cfg.Credentials, c.logger)
	if err != nil {
		return err
	}
	defer clear(shared)

	writeKey, err := hap.DeriveKey(shared, controlSalt, controlWriteInfo)
	if err != nil {
		return err
	}
	readKey, err := hap.DeriveKey(shared, controlSalt, controlReadInfo)
	if err != nil {
		return err
	}
	session, err := hap.NewSession(writeKey, readKey)
	if err != nil {
		return err
	}
	// Every byte after this point traverses the control session. Any
	// plaintext remainder would be a protocol violation.
	if len(c.plainBuf) != 0 {
		return fmt.Errorf("%d plaintext bytes left after verify", len(c.plainBuf))
	}
	c.ctrlReader = hap.NewReader(c.br, session)
	c.ctrlWriter = hap.NewWriter(c.conn, session)
	c.channelSecret = append([]byte(nil), shared...)

	if err := c.newIdentity(); err != nil {
		return err
	}
	c.setState(StateVerifyComplete)
	return nil
}

// request runs one encrypted RTSP cycle on the control channel.
func (c *Connection) request(ctx context.Context, method, target string, contentType string, body []byte) (*message, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	deadline := time.Now().Add(c.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	defer c.conn.SetDeadline(time.Time{})

	c.cseq++
	req := &requestSpec{
		method: method,
		target: target,
		headers: []header{
			{"CSeq", strconv.Itoa(c.cseq)},
			{"User-Agent", userAgent},
			{"DACP-ID", c.dacpID},
			{"Active-Remote", strconv.FormatUint(uint64(c.activeRemote), 10)},
			{"Client-Instance", c.dacpID},
		},
		body: body,
	}
	if len(body) > 0 {
		req.headers = append(req.headers, header{"Content-Type", contentType})
	}
	if err := c.ctrlWriter.WriteMessage(req.format()); err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	for {
		if m, rest, err := parseMessage(c.ctrlBuf); err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		} else if m != nil {
			c.ctrlBuf = rest
			return m, nil
		}
		chunk, err := c.ctrlReader.ReadChunk()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, target, err)
		}
		c.ctrlBuf = append(c.ctrlBuf, chunk...)
	}
}

func (c *Connection) rtspTarget() string {
	host := "0.0.0.0"
	if addr, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
		host = addr.IP.String()
	}
	return fmt.Sprintf("rtsp://%s/%s", host, c.sessionID)
}

func (c *Connection) requireOK(m *message, what string) error {
	code, err := m.statusCode()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if code != 200 {
		return fmt.Errorf("%s: status %d", what, code)
	}
	return nil
}

func (c *Connection) setupEventChannel(ctx context.Context) error {
	body, err := plist.Marshal(map[string]any{
		"isRemoteControlOnly": true,
		"timingProtocol":      "None",
		"sessionUUID":         uuid.NewString(),
	}, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	resp, err := c.request(ctx, "SETUP", c.rtspTarget(), plistContentType, body)
	if err != nil {
		return err
	}
	if err := c.requireOK(resp, "SETUP"); err != nil {
		return err
	}
	var parsed struct {
		EventPort int `plist:"eventPort"`
	}
	if _, err := plist.Unmarshal(resp.body, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if parsed.EventPort == 0 {
		return fmt.Errorf("no event port in response")
	}

	writeKey, err := hap.DeriveKey(c.channelSecret, eventsSalt, eventsWriteInfo)
	if err != nil {
		return err
	}
	readKey, err := hap.DeriveKey(c.channelSecret, eventsSalt, eventsReadInfo)
	if err != nil {
		return err
	}
	session, err := hap.NewSession(writeKey, readKey)
	if err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	eventConn, err := c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(parsed.EventPort)))
	if err != nil {
		return fmt.Errorf("dial event port %d: %w", parsed.EventPort, err)
	}
	c.eventConn = eventConn
	c.eventSession = session
	go c.eventLoop(eventConn, session)
	c.logger.Debug("event channel up", "port", parsed.EventPort)
	return nil
}

func (c *Connection) record(ctx context.Context) error {
	resp, err := c.request(ctx, "RECORD", c.rtspTarget(), "", nil)
	if err != nil {
		return err
	}
	return c.requireOK(resp, "RECORD")
}

// sendFeedback is the heartbeat body: an empty POST /feedback.
func (c *Connection) sendFeedback() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()
	resp, err := c.request(ctx, "POST", "/feedback", "", nil)
	if err != nil {
		return err
	}
	return c.requireOK(resp, "feedback")
}

// newDataSeed picks the positive 32-bit seed folded into the
// DataStream salt.
func newDataSeed() (int32, error) {
	for {
		v, err := randomUint32()
		if err != nil {
			return 0, err
		}
		seed := int32(v & 0x7FFFFFFF)
		if seed > 0 {
			return seed, nil
		}
	}
}

func (c *Connection) setupDataChannel(ctx context.Context) error {
	seed, err := newDataSeed()
	if err != nil {
		return err
	}
	body, err := plist.Marshal(map[string]any{
		"streams": []map[string]any{{
			"type":                 130,
			"controlType":          2,
			"channelID":            uuid.NewString(),
			"seed":                 int64(seed),
			"clientUUID":           uuid.NewString(),
			"wantsDedicatedSocket": true,
			"clientTypeUUID":       clientTypeUUID,
		}},
	}, plist.BinaryFormat)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	resp, err := c.request(ctx, "SETUP", c.rtspTarget(), plistContentType, body)
	if err != nil {
		return err
	}
	if err := c.requireOK(resp, "SETUP"); err != nil {
		return err
	}
	var parsed struct {
		Streams []struct {
			DataPort int `plist:"dataPort"`
		} `plist:"streams"`
	}
	if _, err := plist.Unmarshal(resp.body, &parsed); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Streams) == 0 || parsed.Streams[0].DataPort == 0 {
		return fmt.Errorf("no data port in response")
	}

	salt := dataStreamSaltPrefix + strconv.FormatInt(int64(seed), 10)
	writeKey, err := hap.DeriveKey(c.channelSecret, salt, dataStreamWriteInfo)
	if err != nil {
		return err
	}
	readKey, err := hap.DeriveKey(c.channelSecret, salt, dataStreamReadInfo)
	if err != nil {
		return err
	}
	session, err := hap.NewSession(writeKey, readKey)
	if err != nil {
		return err
	}
	// The shared secret has served every channel derivation.
	clear(c.channelSecret)
	c.channelSecret = nil

	host, _, err := net.SplitHostPort(c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("parse addr: %w", err)
	}
	dataConn, err := c.dial(ctx, net.JoinHostPort(host, strconv.Itoa(parsed.Streams[0].DataPort)))
	if err != nil {
		return fmt.Errorf("dial data port %d: %w", parsed.Streams[0].DataPort, err)
	}
	c.dataConn = dataConn
	c.dataReader = hap.NewReader(bufio.NewReader(dataConn), session)
	c.dataWriter = hap.NewWriter(dataConn, session)
	if c.dataSeq, err = datastream.NewSequence(); err != nil {
		return err
	}

	// The data channel is already encrypted end to end; the inner MRP
	// CryptoPairing exchange is skipped and inner encryption is never
	// applied. Some server firmware misbehaves when it is.
	c.engine = mrp.NewEngine(c.sendMRP, c.logger)
	go c.dataLoop()
	c.logger.Debug("data channel up", "port", parsed.Streams[0].DataPort)
	return nil
}

// sendMRP wraps one envelope into a sync frame and writes it to the
// data socket.
func (c *Connection) sendMRP(envelope []byte) error {
	frame, err := datastream.BuildSync(c.dataSeq, envelope)
	if err != nil {
		return err
	}
	c.dmu.Lock()
	defer c.dmu.Unlock()
	return c.dataWriter.WriteMessage(frame)
}

func (c *Connection) initMRP(ctx context.Context) error {
	name := c.cfg.Name
	if name == "" {
		name = "atv-go"
	}
	_, err := c.engine.Bootstrap(ctx, mrp.DeviceInfo{
		UniqueIdentifier:            c.cfg.Credentials.ClientID,
		Name:                        name,
		ApplicationBundleIdentifier: "com.atvremote.atv-go",
		ProtocolVersion:             1,
	})
	return err
}

// dataLoop reads DataStream frames off the data channel, acknowledges
// syncs, and feeds MRP payloads to the engine.
func (c *Connection) dataLoop() {
	for {
		chunk, err := c.dataReader.ReadChunk()
		if err != nil {
			c.logger.Debug("data reader stopped", "err", err)
			c.teardown()
			return
		}
		c.dataBuf = append(c.dataBuf, chunk...)
		for {
			frame, rest, err := datastream.Parse(c.dataBuf)
			if err != nil {
				// A framing violation is fatal for the channel.
				c.logger.Error("data channel failed", "err", err)
				c.teardown()
				return
			}
			if frame == nil {
				break
			}
			c.dataBuf = rest
			switch frame.Type {
			case datastream.TypeSync:
				c.dmu.Lock()
				werr := c.dataWriter.WriteMessage(datastream.BuildReply(frame.Sequence))
				c.dmu.Unlock()
				if werr != nil {
					c.logger.Warn("reply write failed", "err", werr)
				}
				if frame.Payload != nil {
					c.engine.HandleInbound(frame.Payload)
				}
			case datastream.TypeReply:
				// Acknowledgement of one of our syncs; nothing to do.
			}
		}
	}
}

// --- convenience surface ---

// PressKey presses and releases a named key.
func (c *Connection) PressKey(name string) error {
	if c.State() != StateReady {
		return fmt.Errorf("press in state %s", c.State())
	}
	return c.engine.PressKey(name)
}

// LongPressKey holds a named key for the long-press interval.
func (c *Connection) LongPressKey(name string) error {
	if c.State() != StateReady {
		return fmt.Errorf("press in state %s", c.State())
	}
	return c.engine.LongPressKey(name)
}

// SendCommand issues a media transport command.
func (c *Connection) SendCommand(cmd mrp.Command) error {
	if c.State() != StateReady {
		return fmt.Errorf("command in state %s", c.State())
	}
	return c.engine.Send(mrp.NewSendCommand(cmd))
}

// TypeText sends text into the active keyboard session.
func (c *Connection) TypeText(text string) error {
	if c.State() != StateReady {
		return fmt.Errorf("text input in state %s", c.State())
	}
	return c.engine.Send(mrp.NewTextInput(text))
}

// teardown releases every socket and timer. Safe to call repeatedly.
func (c *Connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosing
	c.mu.Unlock()

	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	if c.engine != nil {
		c.engine.Close()
	}
	if c.dataConn != nil {
		c.dataConn.Close()
	}
	if c.eventConn != nil {
		c.eventConn.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	close(c.done)

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	c.logger.Info("airplay disconnected")
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
