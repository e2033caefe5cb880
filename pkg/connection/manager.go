// Package connection owns the single live chat session: it dials, watches
// connection updates, persists renewed credentials and reconnects with a
// bounded backoff until the session is live again or the failure is fatal.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wabridge/pkg/bus"
	"wabridge/pkg/credentials"
	"wabridge/pkg/failure"
	"wabridge/pkg/session"
)

const defaultHandshakeTimeout = 20 * time.Second

// ErrClosed is returned by Session once the manager was closed. A closed
// manager never dials again.
var ErrClosed = errors.New("connection manager closed")

// scheduleFunc runs fn once after d; the returned func cancels it.
type scheduleFunc func(d time.Duration, fn func()) (stop func() bool)

func afterFunc(d time.Duration, fn func()) func() bool {
	return time.AfterFunc(d, fn).Stop
}

// Options configures a Manager.
type Options struct {
	Dialer      session.Dialer
	Credentials credentials.Store
	Retry       RetryPolicy
	// HandshakeTimeout bounds one Dial call.
	HandshakeTimeout time.Duration
	// OnMessages receives every inbound batch of the live session. It runs on
	// the transport goroutine and must not block on session calls.
	OnMessages func(session.MessageBatch)
	Events     *bus.EventBus
	Logger     *slog.Logger
}

// Manager is the only owner of the live session.
type Manager struct {
	dialer           session.Dialer
	store            credentials.Store
	retry            RetryPolicy
	handshakeTimeout time.Duration
	onMessages       func(session.MessageBatch)
	events           *bus.EventBus
	log              *slog.Logger
	schedule         scheduleFunc

	mu            sync.Mutex
	ctx           context.Context
	state         State
	closed        bool
	conn          session.Conn
	attempt       int
	generation    uint64
	stopTimer     func() bool
	subscriptions []func()
	ready         chan struct{}
	done          chan struct{}
	fatalErr      error
}

var _ session.Provider = (*Manager)(nil)

// NewManager validates options and returns an idle manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session dialer is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("credentials store is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}

	return &Manager{
		dialer:           opts.Dialer,
		store:            opts.Credentials,
		retry:            opts.Retry.withDefaults(),
		handshakeTimeout: timeout,
		onMessages:       opts.OnMessages,
		events:           opts.Events,
		log:              log.With("component", "connection.manager"),
		schedule:         afterFunc,
		ctx:              context.Background(),
		state:            StateIdle,
		ready:            make(chan struct{}),
		done:             make(chan struct{}),
	}, nil
}

// Run starts the session and blocks until ctx ends (graceful close, nil error)
// or the manager turns fatal (the fatal error).
func (m *Manager) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	m.Start()

	select {
	case <-ctx.Done():
		if err := m.Close(); err != nil {
			m.log.Warn("Failed to close session", "error", err)
		}
		return nil
	case <-m.done:
		return m.Err()
	}
}

// Start leaves Idle and begins connecting in the background. It is a no-op in
// any other state.
func (m *Manager) Start() {
	m.mu.Lock()
	gen, ok := m.startLocked()
	m.mu.Unlock()

	if ok {
		go m.connect(gen)
	}
}

func (m *Manager) startLocked() (uint64, bool) {
	if m.state != StateIdle || m.closed {
		return 0, false
	}
	m.setStateLocked(StateConnecting)
	return m.nextGenerationLocked(), true
}

// Session returns the live session, starting and waiting for one when needed.
//
// Waiters are released by the next Live or Fatal transition; the retry ladder
// is the only bound besides ctx.
func (m *Manager) Session(ctx context.Context) (session.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		if m.closed && m.state != StateFatal {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		switch m.state {
		case StateLive:
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		case StateFatal:
			err := m.fatalErr
			m.mu.Unlock()
			return nil, err
		case StateIdle:
			if gen, ok := m.startLocked(); ok {
				m.log.Info("Session not connected, connecting")
				go m.connect(gen)
			}
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Done is closed when the manager turns fatal; the host must shut down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Err returns the fatal error, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Close tears down the live session and cancels pending reconnects. Session
// waiters are released with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	if m.state == StateIdle || m.state == StateFatal {
		m.mu.Unlock()
		return nil
	}

	m.setStateLocked(StateClosing)
	m.stopTimerLocked()
	m.generation++
	conn := m.detachLocked()
	m.mu.Unlock()

	err := closeConn(conn)

	m.mu.Lock()
	if m.state == StateClosing {
		m.setStateLocked(StateIdle)
		m.broadcastLocked()
	}
	m.mu.Unlock()

	return err
}

func (m *Manager) connect(gen uint64) {
	m.mu.Lock()
	baseCtx := m.ctx
	m.mu.Unlock()

	creds, err := m.store.Load(baseCtx)
	if err != nil {
		m.log.Error("Credentials unavailable, shutting down", "error", err)
		m.fail(gen, failure.Wrap(failure.KindAuthUnavailable, err, "load credentials"))
		return
	}

	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(baseCtx, m.handshakeTimeout)
	conn, err := m.dialer.Dial(dialCtx, creds)
	cancel()
	if err != nil {
		if failure.KindOf(err).Fatal() {
			m.log.Error("Session handshake rejected, shutting down", "error", err)
			m.fail(gen, err)
			return
		}
		m.log.Warn("Session handshake failed", "error", err, "registered", creds.Registered)
		m.retryLater(gen, failure.Wrap(failure.KindTransientConnection, err, "handshake"))
		return
	}

	m.bind(gen, conn)
}

func (m *Manager) bind(gen uint64, conn session.Conn) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateAuthenticating {
		m.mu.Unlock()
		_ = closeConn(conn)
		return
	}

	m.conn = conn
	m.attempt = 0
	m.subscriptions = []func(){
		conn.On(session.EventCredentialsUpdate, m.handleCredentials),
		conn.On(session.EventConnectionUpdate, func(ev session.Event) { m.handleConnectionUpdate(gen, ev) }),
		conn.On(session.EventMessages, m.handleMessages),
	}
	m.setStateLocked(StateLive)
	m.broadcastLocked()
	m.mu.Unlock()

	conn.Listen()
}

func (m *Manager) handleCredentials(ev session.Event) {
	if ev.Credentials == nil {
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	// Renewals are not serialized; the newest write wins.
	if err := m.store.Save(ctx, *ev.Credentials); err != nil {
		m.log.Error("Failed to persist renewed credentials", "error", err)
		return
	}
	m.log.Debug("Credentials persisted", "registered", ev.Credentials.Registered)
}

func (m *Manager) handleMessages(ev session.Event) {
	if ev.Batch == nil || len(ev.Batch.Messages) == 0 || m.onMessages == nil {
		return
	}
	m.onMessages(*ev.Batch)
}

func (m *Manager) handleConnectionUpdate(gen uint64, ev session.Event) {
	update := ev.Connection
	if update == nil {
		return
	}

	if update.QR != "" {
		m.log.Info("Pairing QR code received, scan it with the phone to link this session")
		m.events.PublishEvent(context.Background(), bus.Event{Type: bus.EventPairingCode, Code: update.QR})
	}

	switch update.State {
	case session.ConnectionOpen:
		m.mu.Lock()
		if gen == m.generation {
			m.attempt = 0
		}
		m.mu.Unlock()
		m.log.Info("Session connection open")
		m.events.PublishEvent(context.Background(), bus.Event{Type: bus.EventSessionOpened, State: string(StateLive)})
	case session.ConnectionClose:
		m.handleClose(gen, update)
	}
}

func (m *Manager) handleClose(gen uint64, update *session.ConnectionUpdate) {
	reason := update.CloseReason
	if reason == "" {
		reason = session.CloseConnectionClosed
	}
	m.log.Warn("Session connection closed", "reason", reason, "error", update.Err)

	if reason != session.CloseLoggedOut {
		cause := fmt.Errorf("connection closed: %s", reason)
		m.retryLater(gen, failure.Wrap(failure.KindTransientConnection, cause, ""))
		return
	}

	m.mu.Lock()
	if gen != m.generation || !m.closableLocked() {
		m.mu.Unlock()
		return
	}
	conn := m.detachLocked()
	m.setStateLocked(StateConnecting)
	next := m.nextGenerationLocked()
	ctx := m.ctx
	m.mu.Unlock()

	_ = closeConn(conn)

	cause := failure.Wrap(failure.KindLoggedOut, fmt.Errorf("connection closed: %s", reason), "session unlinked on the device")
	if update.Err != "" {
		cause = failure.Wrap(failure.KindLoggedOut, errors.New(update.Err), "session unlinked on the device")
	}
	m.log.Error("Session logged out, removing credentials", "error", cause)
	m.events.PublishEvent(context.Background(), bus.Event{
		Type:  bus.EventSessionLoggedOut,
		Kind:  string(failure.KindOf(cause)),
		Error: cause.Error(),
	})
	if err := m.store.Delete(ctx); err != nil {
		m.log.Error("Failed to remove credentials", "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if next != m.generation || m.state != StateConnecting {
		return
	}
	m.log.Warn("Reconnecting for a fresh pairing", "delay", m.retry.LoggedOutDelay)
	m.scheduleLocked(m.retry.LoggedOutDelay, next)
}

// retryLater climbs one step of the ladder, or turns fatal past the last one.
func (m *Manager) retryLater(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation || !m.closableLocked() {
		m.mu.Unlock()
		return
	}

	conn := m.detachLocked()
	m.attempt++
	attempt := m.attempt

	if attempt > m.retry.MaxAttempts {
		m.log.Error("Maximum reconnection attempts reached, shutting down", "attempts", attempt-1)
		fatalConn := m.fatalLocked(fmt.Errorf("reconnect limit of %d attempts reached: %w", m.retry.MaxAttempts, cause))
		m.mu.Unlock()
		_ = closeConn(conn)
		_ = closeConn(fatalConn)
		return
	}

	delay := m.retry.Delay(attempt)
	m.setStateLocked(StateConnecting)
	next := m.nextGenerationLocked()
	m.scheduleLocked(delay, next)
	m.mu.Unlock()

	_ = closeConn(conn)
	m.log.Warn("Reconnecting", "delay", delay, "attempt", attempt, "remaining", m.retry.MaxAttempts-attempt)
}

func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	conn := m.fatalLocked(err)
	m.mu.Unlock()

	_ = closeConn(conn)
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.stopTimer = nil
	m.mu.Unlock()

	m.connect(gen)
}

func (m *Manager) closableLocked() bool {
	switch m.state {
	case StateConnecting, StateAuthenticating, StateLive:
		return true
	default:
		return false
	}
}

// fatalLocked enters Fatal; the returned conn must be closed after unlocking.
func (m *Manager) fatalLocked(err error) session.Conn {
	if m.state == StateFatal {
		return nil
	}

	m.stopTimerLocked()
	m.generation++
	conn := m.detachLocked()
	m.fatalErr = err
	m.setStateLocked(StateFatal)
	m.broadcastLocked()
	close(m.done)
	return conn
}

// detachLocked releases every event subscription and hands back the conn.
func (m *Manager) detachLocked() session.Conn {
	for _, unsubscribe := range m.subscriptions {
		unsubscribe()
	}
	m.subscriptions = nil

	conn := m.conn
	m.conn = nil
	return conn
}

// scheduleLocked replaces any pending reconnect timer.
func (m *Manager) scheduleLocked(delay time.Duration, gen uint64) {
	m.stopTimerLocked()
	m.stopTimer = m.schedule(delay, func() { m.reconnect(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

func (m *Manager) nextGenerationLocked() uint64 {
	m.generation++
	return m.generation
}

func (m *Manager) broadcastLocked() {
	close(m.ready)
	m.ready = make(chan struct{})
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	previous := m.state
	m.state = state

	m.log.Debug("Session state changed", "from", previous, "to", state)
	event := bus.Event{Type: bus.EventSessionState, State: string(state)}
	if state == StateFatal && m.fatalErr != nil {
		event.Error = m.fatalErr.Error()
	}
	m.events.PublishEvent(context.Background(), event)
}

func closeConn(conn session.Conn) error {
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, session.ErrClosed) {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}
