package mrp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// KeyPressDelay separates the down and up halves of a press.
	KeyPressDelay = 50 * time.Millisecond
	// LongPressDelay is the hold time for long-press variants.
	LongPressDelay = 1000 * time.Millisecond
	// settleDelay leaves room for unsolicited updates after bring-up.
	settleDelay = 500 * time.Millisecond
)

// waiter is one pending request/response slot. A nil match accepts the
// next message of any type.
type waiter struct {
	match func(*Message) bool
	ch    chan *Message
}

// Engine serializes outbound messages onto a transport function and
// dispatches inbound messages to the first matching waiter, falling
// back to subscribers. The transport owns framing and encryption.
type Engine struct {
	send   func([]byte) error
	logger *slog.Logger

	mu      sync.Mutex
	waiters []*waiter
	subs    []func(*Message)
	closed  bool

	pressDelay     time.Duration
	longPressDelay time.Duration
}

// NewEngine wires the engine to a transport. send is called with one
// fully serialized envelope per message.
func NewEngine(send func([]byte) error, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		send:           send,
		logger:         logger,
		pressDelay:     KeyPressDelay,
		longPressDelay: LongPressDelay,
	}
}

// Send assigns a fresh random identifier (CryptoPairing excepted, which
// must go out bare) and transmits the message.
func (e *Engine) Send(m *Message) error {
	if m.Type != TypeCryptoPairing && m.Identifier == "" {
		m.Identifier = uuid.NewString()
	}
	return e.send(m.Marshal())
}

// SendAndWait transmits the message and blocks for the first inbound
// message of the wanted type. The waiter is registered before sending
// so a fast reply cannot slip past.
func (e *Engine) SendAndWait(ctx context.Context, m *Message, want Type) (*Message, error) {
	w := &waiter{
		match: func(in *Message) bool { return in.Type == want },
		ch:    make(chan *Message, 1),
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine closed")
	}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if err := e.Send(m); err != nil {
		e.removeWaiter(w)
		return nil, err
	}
	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		return reply, nil
	case <-ctx.Done():
		e.removeWaiter(w)
		return nil, fmt.Errorf("waiting for type %d: %w", want, ctx.Err())
	}
}

func (e *Engine) removeWaiter(w *waiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cand := range e.waiters {
		if cand == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			return
		}
	}
}

// Subscribe registers an observer for inbound messages no waiter
// claims. Observers run synchronously on the reader's goroutine and
// must enqueue rather than send.
func (e *Engine) Subscribe(fn func(*Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subs = append(e.subs, fn)
}

// HandleInbound decodes one envelope and routes it. A decode failure is
// logged and the message dropped; the channel continues.
func (e *Engine) HandleInbound(data []byte) {
	m, err := Unmarshal(data)
	if err != nil {
		e.logger.Warn("dropping undecodable message", "err", err, "len", len(data))
		return
	}

	e.mu.Lock()
	for i, w := range e.waiters {
		if w.match == nil || w.match(m) {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			e.mu.Unlock()
			w.ch <- m
			return
		}
	}
	subs := append([]func(*Message){}, e.subs...)
	e.mu.Unlock()

	e.logger.Debug("inbound message", "type", m.Type)
	for _, fn := range subs {
		fn(m)
	}
}

// Close fails every pending waiter. Further SendAndWait calls error
// immediately.
func (e *Engine) Close() {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	e.closed = true
	e.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
}

// Bootstrap runs the data-channel bring-up dialogue: exchange
// DeviceInfo, announce the connected state, subscribe to updates, ask
// for the keyboard session, then settle briefly so unsolicited updates
// can land.
func (e *Engine) Bootstrap(ctx context.Context, info DeviceInfo) (*DeviceInfo, error) {
	reply, err := e.SendAndWait(ctx, NewDeviceInfo(info), TypeDeviceInfo)
	if err != nil {
		return nil, fmt.Errorf("device info exchange: %w", err)
	}
	server, err := ParseDeviceInfo(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("server device info: %w", err)
	}
	e.logger.Info("server identified", "name", server.Name)

	if err := e.Send(NewSetConnectionState(2)); err != nil {
		return nil, fmt.Errorf("set connection state: %w", err)
	}
	if err := e.Send(NewClientUpdatesConfig(true, true, true, true)); err != nil {
		return nil, fmt.Errorf("client updates config: %w", err)
	}
	if err := e.Send(NewGetKeyboardSession()); err != nil {
		return nil, fmt.Errorf("get keyboard session: %w", err)
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return server, nil
}

// PressKey sends the down/up pair for a named key followed by the
// flush message.
func (e *Engine) PressKey(name string) error {
	return e.press(name, e.pressDelay)
}

// LongPressKey holds the key for the long-press interval.
func (e *Engine) LongPressKey(name string) error {
	return e.press(name, e.longPressDelay)
}

func (e *Engine) press(name string, hold time.Duration) error {
	usage, err := LookupKey(name)
	if err != nil {
		return err
	}
	if err := e.Send(NewSendHIDEvent(HIDPayload(usage, true))); err != nil {
		return fmt.Errorf("key down: %w", err)
	}
	time.Sleep(hold)
	if err := e.Send(NewSendHIDEvent(HIDPayload(usage, false))); err != nil {
		return fmt.Errorf("key up: %w", err)
	}
	if err := e.Send(NewGenericMessage()); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}
