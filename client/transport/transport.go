// Package transport provides a self-reconnecting websocket channel used by
// both the signaling and the chat paths. It owns retry backoff and outbound
// queueing and knows nothing about payload semantics.
package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultMaxMessageSize = 10240
	defaultWriteDeadline  = 5 * time.Second

	inboundBuffer = 64
	stateBuffer   = 32
)

var (
	ErrMessageTooLarge = errors.New("message too large")
)

// State is the transport readiness, observable through States().
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

type Config struct {
	URL            string
	MaxMessageSize int
	Backoff        Backoff
	Logger         *zerolog.Logger
}

// Transport is a duplex message channel over a websocket. Send never fails
// for transient disconnection: payloads are queued and flushed in submission
// order when the connection (re)opens. Unexpected closure triggers
// reconnection with exponential backoff up to the attempt cap; after that the
// transport stays closed until an explicit Connect.
type Transport struct {
	url            string
	maxMessageSize int
	backoff        Backoff
	logger         zerolog.Logger

	mx      sync.Mutex
	conn    *websocket.Conn
	state   State
	queue   [][]byte
	attempt int
	retry   *time.Timer
	manual  bool // Disconnect() was called; suppress auto-reconnect
	gen     int  // connection generation, guards stale read pumps

	inbound chan []byte
	states  chan State
}

func New(cfg Config) *Transport {
	maxSize := cfg.MaxMessageSize
	if maxSize == 0 {
		maxSize = defaultMaxMessageSize
	}
	backoff := cfg.Backoff
	if backoff.Base == 0 {
		backoff = DefaultBackoff
	}
	return &Transport{
		url:            cfg.URL,
		maxMessageSize: maxSize,
		backoff:        backoff,
		logger:         cfg.Logger.With().Str("component", "transport").Logger(),
		state:          StateClosed,
		inbound:        make(chan []byte, inboundBuffer),
		states:         make(chan State, stateBuffer),
	}
}

// Inbound is the stream of received messages.
func (t *Transport) Inbound() <-chan []byte {
	return t.inbound
}

// States emits readiness transitions. Slow consumers miss intermediate
// states, never the stream itself.
func (t *Transport) States() <-chan State {
	return t.states
}

// State returns the current readiness.
func (t *Transport) State() State {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.state
}

// Connect dials the endpoint. A dial failure is returned to the caller and
// also starts the backoff retry cycle. Connecting an already open or
// connecting transport is a no-op.
func (t *Transport) Connect() error {
	t.mx.Lock()
	if t.state != StateClosed {
		t.mx.Unlock()
		return nil
	}
	t.manual = false
	t.attempt = 0
	t.setStateLocked(StateConnecting)
	t.mx.Unlock()

	return t.dial()
}

// Disconnect closes the connection, cancels any pending retry and suppresses
// auto-reconnect until the next Connect. Idempotent. Queued messages are
// retained for the next connection.
func (t *Transport) Disconnect() {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.manual = true
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.conn != nil {
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultWriteDeadline))
		_ = t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(StateClosed)
}

// Send dispatches payload if the transport is open, otherwise appends it to
// the outbound queue. Payloads over the size ceiling are rejected locally and
// never queued.
func (t *Transport) Send(payload []byte) error {
	if len(payload) > t.maxMessageSize {
		return ErrMessageTooLarge
	}

	t.mx.Lock()
	defer t.mx.Unlock()

	// Residue in the queue means an interrupted flush; queue behind it so
	// submission order is preserved.
	if t.state != StateOpen || t.conn == nil || len(t.queue) > 0 {
		t.queue = append(t.queue, payload)
		return nil
	}
	return t.writeLocked(payload)
}

func (t *Transport) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.url, nil)

	t.mx.Lock()
	defer t.mx.Unlock()

	if t.manual {
		if err == nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		t.logger.Warn().Err(err).
			Int("attempt", t.attempt).
			Msg("dial failed")
		t.scheduleRetryLocked()
		return err
	}

	t.conn = conn
	t.attempt = 0
	t.gen++
	t.setStateLocked(StateOpen)
	t.logger.Info().Str("url", t.url).Msg("connected")

	// Queued messages go out in submission order before any new Send is
	// dispatched; holding the lock through the flush guarantees that.
	t.flushLocked()

	go t.readPump(conn, t.gen)
	return nil
}

func (t *Transport) flushLocked() {
	for len(t.queue) > 0 {
		if err := t.writeLocked(t.queue[0]); err != nil {
			// The read pump will observe the closure and reconnect;
			// what was not flushed stays queued.
			t.logger.Warn().Err(err).Msg("flush interrupted")
			return
		}
		t.queue = t.queue[1:]
	}
}

func (t *Transport) writeLocked(payload []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Transport) readPump(conn *websocket.Conn, gen int) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.handleClosure(conn, gen, err)
			return
		}
		t.inbound <- msg
	}
}

func (t *Transport) handleClosure(conn *websocket.Conn, gen int, err error) {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.gen != gen || t.conn != conn {
		return // a newer connection already took over
	}
	_ = conn.Close()
	t.conn = nil

	if t.manual {
		t.setStateLocked(StateClosed)
		return
	}
	t.logger.Warn().Err(err).Msg("connection lost")
	t.scheduleRetryLocked()
}

func (t *Transport) scheduleRetryLocked() {
	if t.backoff.Exhausted(t.attempt) {
		t.logger.Error().
			Int("attempts", t.attempt).
			Msg("reconnect attempts exhausted, staying disconnected")
		t.setStateLocked(StateClosed)
		return
	}

	delay := t.backoff.Delay(t.attempt)
	t.attempt++
	t.setStateLocked(StateConnecting)
	t.logger.Info().
		Dur("delay", delay).
		Int("attempt", t.attempt).
		Int("max", t.backoff.MaxAttempts).
		Msg("reconnecting")
	t.retry = time.AfterFunc(delay, func() {
		_ = t.dial()
	})
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	select {
	case t.states <- s:
	default:
	}
}
