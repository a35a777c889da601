// Package client is the dashboard side of the call-event relay: a
// reconnecting WebSocket connection manager, a notification store and a
// session tying them together.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"gitlab.com/voxline/services/backend/internal/logger"
	"gitlab.com/voxline/services/backend/internal/models"
)

var log = logger.For("Client")

var (
	// ErrUnauthorized is returned by a dial rejected with HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")
	ErrClosed       = errors.New("manager closed")
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxAttempts   = 10
	DefaultPingInterval  = 30 * time.Second
	DefaultPongTimeout   = 10 * time.Second
	DefaultDialTimeout   = 10 * time.Second
)

// State of a Manager's connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed means the attempt budget is spent. Only Reset leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Conn is the part of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection. A non-nil response accompanies handshake
// failures.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error)

// WebSocketDial dials with the gorilla default dialer.
func WebSocketDial(ctx context.Context, url string, header http.Header) (Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// Options configures a Manager.
type Options struct {
	URL        string
	Token      string
	EventTypes []string

	RetryInterval time.Duration
	MaxAttempts   int
	PingInterval  time.Duration
	PongTimeout   time.Duration
	DialTimeout   time.Duration

	Clock clockwork.Clock
	Dial  DialFunc

	// Callbacks run one at a time and must not call Close.
	OnMessage     func(models.WSMessage)
	OnStateChange func(State)
	OnAuthFailure func()
}

// Manager keeps one dashboard connection alive. It retries failed
// connects on a fixed interval up to MaxAttempts consecutive failures,
// re-subscribes after every successful connect and drops connections
// whose pongs stop arriving.
type Manager struct {
	opts  Options
	clock clockwork.Clock
	dial  DialFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	attempts  int
	gen       uint64
	conn      Conn
	token     string
	closed    bool
	retry     clockwork.Timer
	pingTimer clockwork.Timer
	pongTimer clockwork.Timer

	writeMu sync.Mutex
	cbMu    sync.Mutex
}

func NewManager(opts Options) *Manager {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dial := opts.Dial
	if dial == nil {
		dial = WebSocketDial
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		clock:  clock,
		dial:   dial,
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		token:  opts.Token,
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed connects.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SetToken replaces the bearer token used by later dials.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// Connect starts a connection attempt if the manager is disconnected. It
// blocks for the duration of the dial.
func (m *Manager) Connect() {
	m.attempt()
}

// Reset clears the failure count and connects again. It is the only way
// out of StateFailed.
func (m *Manager) Reset() {
	m.mu.Lock()
	if m.closed || m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	stopTimer(&m.retry)
	changed := m.setState(StateDisconnected)
	m.mu.Unlock()

	m.emitState(changed)
	m.attempt()
}

// Send writes a message on the live connection.
func (m *Manager) Send(msgType string, content interface{}) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return errors.New("not connected")
	}
	return m.write(conn, msgType, content)
}

// Close cancels pending timers and closes the connection. No callback runs
// after Close returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.gen++
	stopTimer(&m.retry)
	stopTimer(&m.pingTimer)
	stopTimer(&m.pongTimer)
	conn := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.cancel()
	if conn != nil {
		conn.Close()
	}

	// wait out a callback that is already running
	m.cbMu.Lock()
	m.cbMu.Unlock()
	return nil
}

func (m *Manager) attempt() {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.attempts++
	attempt := m.attempts
	gen := m.gen
	header := http.Header{}
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}
	changed := m.setState(StateConnecting)
	m.mu.Unlock()
	m.emitState(changed)

	log.Debugf("Connecting to %s (attempt %d/%d)", m.opts.URL, attempt, m.opts.MaxAttempts)

	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	conn, resp, err := m.dial(ctx, m.opts.URL, header)
	cancel()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err == nil && conn == nil {
		err = errors.New("dial returned no connection")
	}
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		err = fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.failLocked(err)
		return
	}

	m.gen++
	gen = m.gen
	m.conn = conn
	m.attempts = 0
	m.pingTimer = m.clock.AfterFunc(m.opts.PingInterval, func() { m.heartbeat(gen) })
	changed = m.setState(StateConnected)
	m.mu.Unlock()

	log.Infof("Connected to %s", m.opts.URL)
	m.emitState(changed)

	if err := m.write(conn, models.MsgSubscribe, models.SubscribeRequest{EventTypes: m.opts.EventTypes}); err != nil {
		m.drop(gen, fmt.Errorf("failed to subscribe: %w", err))
		return
	}
	go m.readLoop(conn, gen)
}

// failLocked records a failed dial and releases m.mu.
func (m *Manager) failLocked(err error) {
	if errors.Is(err, ErrUnauthorized) {
		changed := m.setState(StateDisconnected)
		m.mu.Unlock()

		log.Warn("Connection rejected: unauthorized")
		m.emitState(changed)
		m.fire(m.opts.OnAuthFailure)
		return
	}

	if m.attempts >= m.opts.MaxAttempts {
		changed := m.setState(StateFailed)
		m.mu.Unlock()

		log.WithError(err).Errorf("Giving up after %d attempts", m.opts.MaxAttempts)
		m.emitState(changed)
		return
	}

	m.retry = m.clock.AfterFunc(m.opts.RetryInterval, m.attempt)
	changed := m.setState(StateDisconnected)
	attempts := m.attempts
	m.mu.Unlock()

	log.WithError(err).Warnf("Connect failed (attempt %d/%d), retrying in %s", attempts, m.opts.MaxAttempts, m.opts.RetryInterval)
	m.emitState(changed)
}

// drop tears down the connection of generation gen and schedules a retry.
func (m *Manager) drop(gen uint64, reason error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++
	stopTimer(&m.pingTimer)
	stopTimer(&m.pongTimer)
	conn := m.conn
	m.conn = nil
	m.retry = m.clock.AfterFunc(m.opts.RetryInterval, m.attempt)
	changed := m.setState(StateDisconnected)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.WithError(reason).Warn("Connection lost")
	m.emitState(changed)
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if m.closed || gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	if m.pongTimer == nil {
		m.pongTimer = m.clock.AfterFunc(m.opts.PongTimeout, func() {
			m.drop(gen, errors.New("pong timeout"))
		})
	}
	m.pingTimer = m.clock.AfterFunc(m.opts.PingInterval, func() { m.heartbeat(gen) })
	m.mu.Unlock()

	if err := m.write(conn, models.MsgPing, nil); err != nil {
		m.drop(gen, fmt.Errorf("failed to send ping: %w", err))
	}
}

func (m *Manager) gotPong(gen uint64) {
	m.mu.Lock()
	if gen == m.gen {
		stopTimer(&m.pongTimer)
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.drop(gen, err)
			return
		}

		var msg models.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.WithError(err).Debug("Ignoring malformed message")
			continue
		}

		if msg.Type == models.MsgPong {
			m.gotPong(gen)
			continue
		}
		if m.current(gen) {
			m.fire(func() {
				if m.opts.OnMessage != nil {
					m.opts.OnMessage(msg)
				}
			})
		}
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.gen
}

func (m *Manager) write(conn Conn, msgType string, content interface{}) error {
	msg, err := models.NewWSMessage(msgType, content)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// setState must be called with m.mu held. It returns the new state, or -1
// when nothing changed.
func (m *Manager) setState(s State) State {
	if m.state == s {
		return -1
	}
	m.state = s
	return s
}

func (m *Manager) emitState(s State) {
	if s < 0 || m.opts.OnStateChange == nil {
		return
	}
	m.fire(func() { m.opts.OnStateChange(s) })
}

func (m *Manager) fire(fn func()) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	fn()
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
