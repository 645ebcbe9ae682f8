package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/netzeal/chatsync/internal/bus"
	"github.com/netzeal/chatsync/internal/status"
	"github.com/netzeal/chatsync/internal/wire"
	"go.uber.org/zap"
)

// TokenProvider supplies the current bearer token. An empty token means the
// user is not authenticated.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// FrameHandler receives every inbound frame the manager does not consume
// itself, in transport order.
type FrameHandler interface {
	HandleFrame(f wire.Frame)
}

// ConnectedHooks run in this order, on the event loop, right after the
// server acknowledges a session. They may call Send.
type ConnectedHooks struct {
	Flush       func()
	AssertRooms func()
	Reconcile   func()
}

// Options configure a Manager.
type Options struct {
	BaseURL              string
	ChatPath             string
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	PongTimeout          time.Duration
	Backoff              Backoff
	MaxReconnectAttempts int
}

// DefaultOptions returns the stock timings for baseURL.
func DefaultOptions(baseURL, chatPath string) Options {
	return Options{
		BaseURL:              baseURL,
		ChatPath:             chatPath,
		ConnectTimeout:       10 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		Backoff:              DefaultBackoff,
		MaxReconnectAttempts: 10,
	}
}

// Loop events.
type (
	command struct {
		fn   func() error
		done chan error
	}
	dialed struct {
		gen uint64
		t   Transport
		err error
	}
	inbound struct {
		gen  uint64
		data []byte
	}
	closed struct {
		gen uint64
		err error
	}
)

// Manager owns the single logical connection to the chat server. All state
// lives on one event loop goroutine: socket reads, timer expirations and
// public calls are posted to it as events and handled one at a time.
type Manager struct {
	opts    Options
	dialer  Dialer
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	handler FrameHandler
	hooks   ConnectedHooks

	events    chan any
	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	running   atomic.Bool
	sessions  atomic.Uint64

	// Loop-owned state.
	timers     timerSlots
	tokens     TokenProvider
	wanted     bool
	background bool
	attempts   int
	gen        uint64
	cancelDial context.CancelFunc

	// sendMu guards the transport used by Send from other goroutines.
	sendMu    sync.Mutex
	transport Transport

	errMu   sync.RWMutex
	lastErr error
}

// NewManager creates a manager in DISCONNECTED. Call SetHandler and
// SetConnectedHooks before Start.
func NewManager(opts Options, dialer Dialer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff
	}
	m := &Manager{
		opts:    opts,
		dialer:  dialer,
		machine: machine,
		bus:     b,
		logger:  logger.Named("conn"),
		events:  make(chan any, 256),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	m.timers.post = func(ev timerFired) { m.post(ev) }
	return m
}

// SetHandler installs the receiver of inbound frames.
func (m *Manager) SetHandler(h FrameHandler) { m.handler = h }

// SetConnectedHooks installs the CONNECTED side effects.
func (m *Manager) SetConnectedHooks(h ConnectedHooks) { m.hooks = h }

// Start runs the event loop until Close.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.running.Store(true)
		go m.loop()
	})
}

// Close disconnects and stops the event loop.
func (m *Manager) Close() {
	if !m.running.Load() {
		return
	}
	_ = m.Disconnect()
	m.closeOnce.Do(func() { close(m.stop) })
	select {
	case <-m.stopped:
	case <-time.After(5 * time.Second):
		m.logger.Warn("event loop did not stop in time")
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State { return m.machine.Current() }

// LastError returns the last error that needs user action, or nil.
func (m *Manager) LastError() error {
	m.errMu.RLock()
	defer m.errMu.RUnlock()
	return m.lastErr
}

// Attempts returns the current reconnect attempt counter.
func (m *Manager) Attempts() int {
	var n int
	_ = m.call(func() error { n = m.attempts; return nil })
	return n
}

// Connect starts connecting with tokens. It fails fast with
// ErrAuthenticationRequired when tokens is nil or yields no token. Calling
// Connect resets the reconnect counter; it is a no-op while CONNECTING or
// CONNECTED.
func (m *Manager) Connect(ctx context.Context, tokens TokenProvider) error {
	if tokens == nil {
		m.setLastError(ErrAuthenticationRequired)
		return ErrAuthenticationRequired
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	if token == "" {
		m.setLastError(ErrAuthenticationRequired)
		return ErrAuthenticationRequired
	}
	return m.call(func() error {
		m.tokens = tokens
		m.wanted = true
		switch m.machine.Current() {
		case status.Connected, status.Connecting:
			return nil
		}
		m.attempts = 0
		m.setLastError(nil)
		m.timers.cancel(slotReconnect)
		return m.startAttempt()
	})
}

// Disconnect clears every timer, closes the transport and moves to
// DISCONNECTED. No reconnect happens until the next Connect.
func (m *Manager) Disconnect() error {
	return m.call(func() error {
		m.wanted = false
		m.timers.cancelAll()
		m.teardown()
		if !m.machine.Is(status.Disconnected) {
			return m.machine.Transition(status.Disconnected)
		}
		return nil
	})
}

// Background suspends reconnection. A handshake already in flight is allowed
// to finish.
func (m *Manager) Background() error {
	return m.call(func() error {
		if m.background {
			return nil
		}
		m.background = true
		if m.timers.armed(slotReconnect) {
			m.timers.cancel(slotReconnect)
			m.logger.Info("reconnect suspended while backgrounded")
		}
		return nil
	})
}

// Foreground resumes reconnection with a fresh attempt counter when the
// manager wants a connection but does not have one.
func (m *Manager) Foreground() error {
	return m.call(func() error {
		m.background = false
		if !m.wanted {
			return nil
		}
		switch m.machine.Current() {
		case status.Connected, status.Connecting:
			return nil
		}
		m.attempts = 0
		m.timers.cancel(slotReconnect)
		return m.startAttempt()
	})
}

// Send writes one frame. It fails with ErrNotConnected unless the session is
// CONNECTED, and with ErrSendFailure when the write fails; a failed write
// also closes the transport so the loop reconnects.
func (m *Manager) Send(out wire.Outbound) error {
	data, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Type, err)
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if m.transport == nil || !m.machine.Is(status.Connected) {
		return ErrNotConnected
	}
	if err := m.transport.WriteMessage(data); err != nil {
		_ = m.transport.Close()
		return fmt.Errorf("%w: %s: %v", ErrSendFailure, out.Type, err)
	}
	return nil
}

// Session numbers acknowledged sessions. It changes before the CONNECTED
// hooks run, so a caller can tell whether a frame went out in the current
// session.
func (m *Manager) Session() uint64 { return m.sessions.Load() }

// Connected reports whether frames can be sent right now.
func (m *Manager) Connected() bool {
	return m.machine.Is(status.Connected)
}

func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}

// call runs fn on the event loop and waits for it.
func (m *Manager) call(fn func() error) error {
	if !m.running.Load() {
		return ErrClosed
	}
	done := make(chan error, 1)
	select {
	case m.events <- command{fn: fn, done: done}:
	case <-m.stopped:
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-m.stopped:
		return ErrClosed
	}
}

func (m *Manager) loop() {
	defer close(m.stopped)
	defer m.running.Store(false)
	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-m.stop:
			m.timers.cancelAll()
			m.teardown()
			return
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case command:
		ev.done <- ev.fn()
	case dialed:
		m.onDialed(ev)
	case inbound:
		if ev.gen == m.gen {
			m.onFrame(ev.data)
		}
	case closed:
		if ev.gen == m.gen {
			m.onClosed(ev.err)
		}
	case timerFired:
		if m.timers.claim(ev) {
			m.onTimer(ev.slot)
		}
	}
}

// startAttempt moves to CONNECTING and dials in the background. The connect
// timeout covers both the dial and the server acknowledgement.
func (m *Manager) startAttempt() error {
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.timers.arm(slotConnect, m.opts.ConnectTimeout)

	tokens := m.tokens
	m.logger.Info("connecting", zap.Int("attempt", m.attempts))
	go func() {
		t, err := m.dial(ctx, tokens)
		m.post(dialed{gen: gen, t: t, err: err})
	}()
	return nil
}

func (m *Manager) dial(ctx context.Context, tokens TokenProvider) (Transport, error) {
	if tokens == nil {
		return nil, ErrAuthenticationRequired
	}
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	if token == "" {
		return nil, ErrAuthenticationRequired
	}
	u, err := ChatURL(m.opts.BaseURL, m.opts.ChatPath, token)
	if err != nil {
		return nil, err
	}
	return m.dialer.Dial(ctx, u)
}

func (m *Manager) onDialed(ev dialed) {
	if ev.gen != m.gen || !m.machine.Is(status.Connecting) {
		if ev.t != nil {
			_ = ev.t.Close()
		}
		return
	}
	if ev.err != nil {
		if errors.Is(ev.err, ErrAuthenticationRequired) {
			m.timers.cancelAll()
			m.teardown()
			m.wanted = false
			m.fail(ErrAuthenticationRequired)
			_ = m.machine.Transition(status.Disconnected)
			return
		}
		m.logger.Warn("dial failed", zap.Error(ev.err))
		m.retry()
		return
	}

	m.sendMu.Lock()
	m.transport = ev.t
	m.sendMu.Unlock()

	gen := ev.gen
	go func() {
		for {
			data, err := ev.t.ReadMessage()
			if err != nil {
				m.post(closed{gen: gen, err: err})
				return
			}
			m.post(inbound{gen: gen, data: data})
		}
	}()
}

func (m *Manager) onFrame(data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}

	switch f.Type {
	case wire.TypeConnectionSuccess:
		m.onConnected(f)
		return
	case wire.TypePong:
		m.timers.cancel(slotPong)
		return
	}
	if m.handler != nil {
		m.handler.HandleFrame(f)
	}
}

func (m *Manager) onConnected(f wire.Frame) {
	if !m.machine.Is(status.Connecting) {
		m.logger.Debug("ignoring duplicate connection acknowledgement")
		return
	}
	var ack wire.ConnectionSuccess
	_ = f.Bind(&ack)

	m.sessions.Add(1)
	if err := m.machine.Transition(status.Connected); err != nil {
		m.logger.Error("state transition", zap.Error(err))
		return
	}
	m.attempts = 0
	m.setLastError(nil)
	m.logger.Info("connected", zap.String("connection_id", ack.ConnectionID))

	m.timers.cancel(slotReconnect)
	m.timers.cancel(slotConnect)
	m.timers.arm(slotHeartbeat, m.opts.HeartbeatInterval)

	for _, hook := range []func(){m.hooks.Flush, m.hooks.AssertRooms, m.hooks.Reconcile} {
		if hook != nil {
			hook()
		}
	}
}

func (m *Manager) onClosed(err error) {
	switch m.machine.Current() {
	case status.Connected:
		m.logger.Warn("connection lost", zap.Error(err))
		m.retry()
	case status.Connecting:
		m.logger.Warn("connection closed during handshake", zap.Error(err))
		m.retry()
	}
}

func (m *Manager) onTimer(k slot) {
	switch k {
	case slotHeartbeat:
		if !m.machine.Is(status.Connected) {
			return
		}
		if err := m.Send(wire.Ping()); err != nil {
			m.logger.Warn("ping failed", zap.Error(err))
			return
		}
		// The deadline runs from the oldest unanswered ping.
		if !m.timers.armed(slotPong) {
			m.timers.arm(slotPong, m.opts.PongTimeout)
		}
		m.timers.arm(slotHeartbeat, m.opts.HeartbeatInterval)

	case slotPong:
		m.logger.Warn("connection declared dead", zap.Error(ErrHeartbeatTimeout))
		m.timers.cancel(slotHeartbeat)
		m.teardown()
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			m.logger.Error("state transition", zap.Error(err))
			return
		}
		if m.background {
			return
		}
		if err := m.startAttempt(); err != nil {
			m.logger.Error("reconnect", zap.Error(err))
		}

	case slotConnect:
		m.logger.Warn("handshake not acknowledged", zap.Error(ErrConnectionTimeout))
		m.retry()

	case slotReconnect:
		if !m.wanted || m.background {
			return
		}
		if err := m.startAttempt(); err != nil {
			m.logger.Error("reconnect", zap.Error(err))
		}
	}
}

// retry tears the connection down and schedules the next attempt with
// backoff, or gives up once the attempt ceiling is reached.
func (m *Manager) retry() {
	m.timers.cancel(slotHeartbeat)
	m.timers.cancel(slotPong)
	m.timers.cancel(slotConnect)
	m.teardown()

	if !m.wanted {
		if !m.machine.Is(status.Disconnected) {
			_ = m.machine.Transition(status.Disconnected)
		}
		return
	}
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.wanted = false
		m.fail(ErrMaxReconnectAttempts)
		_ = m.machine.Transition(status.Disconnected)
		return
	}
	if !m.machine.Is(status.Reconnecting) {
		if err := m.machine.Transition(status.Reconnecting); err != nil {
			m.logger.Error("state transition", zap.Error(err))
			return
		}
	}
	if m.background {
		m.logger.Info("backgrounded, reconnect deferred until foreground")
		return
	}

	delay := m.opts.Backoff.Delay(m.attempts)
	m.attempts++
	m.logger.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("attempt", m.attempts))
	m.timers.arm(slotReconnect, delay)
}

// teardown drops the current transport and invalidates its pending events.
func (m *Manager) teardown() {
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++

	m.sendMu.Lock()
	t := m.transport
	m.transport = nil
	m.sendMu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (m *Manager) fail(err error) {
	m.logger.Error("connection failed", zap.Error(err))
	m.setLastError(err)
	m.bus.Emit(bus.KindConnError, err)
}

func (m *Manager) setLastError(err error) {
	if err != nil && !surfaced(err) {
		return
	}
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}
