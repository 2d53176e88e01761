package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"golang.org/x/sync/singleflight"

	"github.com/rickgao/marketfeed/internal/wire"
	"github.com/rickgao/marketfeed/pkg/transport"
)

const connectKey = "connect"

// Manager owns one server connection and its lifecycle.
type Manager struct {
	cfg      Config
	endpoint string
	header   http.Header
	id       string
	logger   *slog.Logger

	newClient transport.Factory
	scheduler Scheduler
	now       func() time.Time

	registry *registry
	connects singleflight.Group

	// Connection state. gen changes whenever the live transport or a
	// pending reconnect is invalidated; callbacks carrying an older gen
	// are ignored.
	mu         sync.Mutex
	state      State
	gen        uint64
	sess       *session
	attempts   int
	timer      Timer
	cancelDial context.CancelFunc
	clientID   string
	wallet     optional.Option[string]
	auth       *authWait

	// Stats
	received    atomic.Int64
	parseErrors atomic.Int64
	unknown     atomic.Int64
}

// New creates a Manager. No connection is made until Connect.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	endpoint, err := wire.Endpoint(cfg.ServerURL())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	o := options{
		factory:   transport.NewClient,
		scheduler: realScheduler{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	id := uuid.NewString()
	logger := o.logger.With(
		"component", "connection",
		"instance", id,
		"network", string(cfg.Network),
	)

	return &Manager{
		cfg:       cfg,
		endpoint:  endpoint,
		header:    o.header,
		id:        id,
		logger:    logger,
		newClient: o.factory,
		scheduler: o.scheduler,
		now:       o.now,
		registry:  newRegistry(logger),
		state:     StateDisconnected,
		wallet:    optional.None[string](),
	}, nil
}

// ID returns the instance id used in log records.
func (m *Manager) ID() string {
	return m.id
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the state is StateConnected.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Config returns the configuration the Manager was created with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Network returns the configured network.
func (m *Manager) Network() Network {
	return m.cfg.Network
}

// URL returns the resolved server URL.
func (m *Manager) URL() string {
	return m.cfg.ServerURL()
}

// ClientID returns the id from the current connection ack, or "" when
// not connected.
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clientID
}

// ReconnectAttempts returns the number of reconnect attempts made since
// the last successful connection.
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// AuthenticatedWallet returns the wallet of the last successful
// Authenticate on the current connection.
func (m *Manager) AuthenticatedWallet() optional.Option[string] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallet
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	state, attempts := m.state, m.attempts
	m.mu.Unlock()

	return Stats{
		State:             state,
		ReconnectAttempts: attempts,
		MessagesReceived:  m.received.Load(),
		EventsEmitted:     m.registry.emitted.Load(),
		ParseErrors:       m.parseErrors.Load(),
		UnknownMessages:   m.unknown.Load(),
		HandlerPanics:     m.registry.panics.Load(),
		Listeners:         m.registry.total(),
	}
}

// Off removes a handler registered with On. It reports whether the
// handler was still registered.
func (m *Manager) Off(l Listener) bool {
	return m.registry.remove(l)
}

// RemoveAllListeners removes every handler for the named events, or all
// handlers when called without names.
func (m *Manager) RemoveAllListeners(events ...string) {
	m.registry.clear(events...)
}

// ListenerCount returns the number of handlers registered for event.
func (m *Manager) ListenerCount(event string) int {
	return m.registry.count(event)
}

// Connect opens the connection and waits for the server's ack. It returns
// immediately when already connected, and joins the attempt in flight
// when one is running. From StateError the reconnect counter is reset;
// from StateReconnecting the pending timer is cancelled and the attempt
// is made now.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateError:
		m.attempts = 0
	}
	m.mu.Unlock()

	return m.connect(ctx, optional.None[uint64]())
}

// connect runs or joins the connection attempt. A scheduled attempt
// carries the generation its timer was armed for.
func (m *Manager) connect(ctx context.Context, scheduled optional.Option[uint64]) error {
	ch := m.connects.DoChan(connectKey, func() (any, error) {
		return nil, m.dial(scheduled)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dial runs one connection attempt.
func (m *Manager) dial(scheduled optional.Option[uint64]) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if scheduled.IsSome() && (m.gen != scheduled.Unwrap() || m.state != StateReconnecting) {
		// Disconnect or Connect ran after the timer fired.
		m.mu.Unlock()
		return ErrConnectAborted
	}
	m.stopTimerLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	m.cancelDial = cancel
	prev := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	defer cancel()

	m.emitStateChange(prev, StateConnecting)
	m.logger.Info("connecting", "url", m.endpoint)

	sess, clientID, err := m.open(ctx)
	if err != nil {
		if !m.connectFailed(gen, err) {
			return ErrConnectAborted
		}
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		sess.close()
		return ErrConnectAborted
	}
	m.sess = sess
	m.cancelDial = nil
	m.attempts = 0
	m.clientID = clientID
	prev = m.setStateLocked(StateConnected)
	m.mu.Unlock()

	// New Connect calls must not join this attempt once it has settled.
	m.connects.Forget(connectKey)

	m.logger.Info("connected",
		"client_id", clientID,
		"ping_interval_ms", sess.open.PingInterval,
		"ping_timeout_ms", sess.open.PingTimeout,
	)
	// The read loop runs while connected handlers do, so they can make
	// requests. Server events wait for ready.
	go m.readLoop(sess)
	go m.heartbeatLoop(sess)

	m.emitStateChange(prev, StateConnected)
	emit(m, EventConnected, ConnectedEvent{ClientID: clientID, Timestamp: m.now()})
	close(sess.ready)

	return nil
}

// open dials a new transport and completes the handshake.
func (m *Manager) open(ctx context.Context) (*session, string, error) {
	client := m.newClient(transport.Config{
		URL:              m.endpoint,
		Header:           m.header,
		HandshakeTimeout: m.cfg.ConnectTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
	}, m.logger)

	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, "", err
	}

	sess := newSession(client, m.logger)
	clientID, err := sess.handshake(ctx)
	if err != nil {
		sess.close()
		return nil, "", err
	}
	return sess, clientID, nil
}

// connectFailed settles a failed attempt. It reports false when the
// attempt was already superseded.
func (m *Manager) connectFailed(gen uint64, err error) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.cancelDial = nil
	auto := m.cfg.AutoReconnect
	prev := m.state
	if !auto {
		m.setStateLocked(StateError)
	}
	m.mu.Unlock()

	m.connects.Forget(connectKey)

	m.logger.Warn("connection failed", "error", err)

	if !auto {
		m.emitStateChange(prev, StateError)
		emit(m, EventError, ErrorEvent{Code: CodeConnectionError, Message: err.Error()})
		return true
	}

	emit(m, EventError, ErrorEvent{Code: CodeConnectionError, Message: err.Error()})
	m.scheduleReconnect(gen)
	return true
}

// scheduleReconnect applies the reconnection policy: settle in StateError
// once the attempts are exhausted, otherwise arm a timer for the next one.
func (m *Manager) scheduleReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	maxAttempts := m.cfg.MaxReconnectAttempts
	if m.attempts >= maxAttempts {
		attempts := m.attempts
		prev := m.setStateLocked(StateError)
		m.mu.Unlock()

		m.logger.Error("max reconnect attempts reached", "attempts", attempts)
		m.emitStateChange(prev, StateError)
		emit(m, EventError, ErrorEvent{
			Code:    CodeMaxReconnectAttempts,
			Message: fmt.Sprintf("max reconnect attempts (%d) reached", maxAttempts),
		})
		return
	}

	m.attempts++
	attempt := m.attempts
	prev := m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	delay := ReconnectDelay(attempt, m.cfg.ReconnectDelay)
	m.logger.Info("scheduling reconnect",
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"delay", delay,
	)
	m.emitStateChange(prev, StateReconnecting)
	emit(m, EventReconnecting, ReconnectingEvent{Attempt: attempt, MaxAttempts: maxAttempts})

	m.mu.Lock()
	defer m.mu.Unlock()
	// A handler may have called Connect or Disconnect.
	if gen != m.gen || m.state != StateReconnecting {
		return
	}
	m.timer = m.scheduler.AfterFunc(delay, func() {
		m.reconnectFired(gen)
	})
}

func (m *Manager) reconnectFired(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	if err := m.connect(context.Background(), optional.Some(gen)); err != nil {
		m.logger.Debug("reconnect attempt failed", "error", err)
	}
}

// Disconnect closes the connection and cancels any pending reconnect or
// connection attempt. Calling it again has no effect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	sess := m.sess
	m.sess = nil
	m.clientID = ""
	m.wallet = optional.None[string]()
	auth := m.auth
	m.auth = nil
	prev := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if sess != nil {
		if err := sess.send(wire.EncodeDisconnect()); err != nil {
			m.logger.Debug("failed to send disconnect", "error", err)
		}
		sess.close()
	}
	if auth != nil {
		auth.done <- authResult{err: ErrNotConnected}
	}

	m.emitStateChange(prev, StateDisconnected)
	if sess != nil {
		m.logger.Info("disconnected", "reason", ReasonClientDisconnect)
		emit(m, EventDisconnected, DisconnectedEvent{Reason: ReasonClientDisconnect})
	}
}

// loss is what detach captured about a session it tore down.
type loss struct {
	gen  uint64
	prev State
	auto bool
}

// transportClosed handles loss of the live transport not requested by
// the caller. cause is nil for an orderly close by the server.
func (m *Manager) transportClosed(sess *session, reason string, cause error) {
	l, ok := m.detach(sess)
	if !ok {
		return
	}
	<-sess.ready
	m.reportLoss(l, reason, cause)
}

// readerClosed is transportClosed for the read goroutine. Server events
// held back during the connected event are delivered before the loss.
func (m *Manager) readerClosed(sess *session, reason string, cause error) {
	l, ok := m.detach(sess)
	if !ok {
		return
	}
	<-sess.ready
	m.releaseHeld(sess)
	m.reportLoss(l, reason, cause)
}

// detach tears sess down as the live session and fails its in-flight
// requests. It reports false when sess is no longer live.
func (m *Manager) detach(sess *session) (loss, bool) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		sess.close()
		return loss{}, false
	}
	m.sess = nil
	m.gen++
	l := loss{gen: m.gen, auto: m.cfg.AutoReconnect}
	m.clientID = ""
	m.wallet = optional.None[string]()
	auth := m.auth
	m.auth = nil
	l.prev = m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	sess.close()
	if auth != nil {
		auth.done <- authResult{err: ErrNotConnected}
	}
	return l, true
}

func (m *Manager) reportLoss(l loss, reason string, cause error) {
	if cause != nil {
		m.logger.Warn("connection lost", "reason", reason, "error", cause)
	} else {
		m.logger.Warn("connection lost", "reason", reason)
	}
	m.emitStateChange(l.prev, StateDisconnected)
	emit(m, EventDisconnected, DisconnectedEvent{Reason: reason})
	if cause != nil {
		emit(m, EventError, ErrorEvent{Code: CodeTransportError, Message: cause.Error()})
	}

	if l.auto {
		m.scheduleReconnect(l.gen)
	}
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s State) State {
	prev := m.state
	m.state = s
	return prev
}

func (m *Manager) emitStateChange(prev, next State) {
	if prev == next {
		return
	}
	m.logger.Debug("state change", "from", prev, "to", next)
	emit(m, EventStateChange, next)
}

// readLoop processes frames for one session until it ends.
func (m *Manager) readLoop(sess *session) {
	ready := sess.ready
	for {
		select {
		case <-sess.done:
			return

		case <-ready:
			ready = nil
			m.releaseHeld(sess)

		case msg := <-sess.client.Messages():
			m.handleFrame(sess, msg)

		case err := <-sess.client.Errors():
			// Frames read before the error are still delivered.
			m.drainFrames(sess)
			m.readerClosed(sess, ReasonTransportError, err)
			return
		}
	}
}

func (m *Manager) releaseHeld(sess *session) {
	held := sess.held
	sess.held = nil
	for _, ev := range held {
		m.dispatch(sess, ev.name, ev.args)
	}
}

func (m *Manager) drainFrames(sess *session) {
	for {
		select {
		case msg := <-sess.client.Messages():
			m.handleFrame(sess, msg)
		default:
			return
		}
	}
}

// heartbeatLoop closes the session when the server stops pinging.
func (m *Manager) heartbeatLoop(sess *session) {
	timeout := sess.open.HeartbeatTimeout()
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if since := sess.sinceLastPing(); since > timeout {
				m.transportClosed(sess, ReasonPingTimeout,
					fmt.Errorf("%w: %s since last ping", ErrStaleConnection, since.Round(time.Millisecond)))
				return
			}
		}
	}
}

func (m *Manager) handleFrame(sess *session, msg transport.Message) {
	m.received.Add(1)
	if m.cfg.Debug {
		m.logger.Debug("frame received", "frame", string(msg.Data))
	}

	p, err := wire.Decode(msg.Data)
	if err != nil {
		m.parseErrors.Add(1)
		m.logger.Warn("failed to decode frame", "error", err)
		return
	}

	switch p.Engine {
	case wire.EnginePing:
		sess.touch(msg.ReceivedAt)
		if err := sess.send(wire.EncodePong()); err != nil {
			m.logger.Warn("failed to send pong", "error", err)
		}
	case wire.EngineClose:
		m.readerClosed(sess, ReasonTransportClose, nil)
	case wire.EngineMessage:
		m.handlePacket(sess, p)
	}
}

func (m *Manager) handlePacket(sess *session, p wire.Packet) {
	if p.Namespace != "/" {
		m.logger.Debug("ignoring packet for namespace", "namespace", p.Namespace)
		return
	}

	switch p.Type {
	case wire.SocketEvent:
		name, args, err := p.Event()
		if err != nil {
			m.parseErrors.Add(1)
			m.logger.Warn("failed to decode event", "error", err)
			return
		}
		if sess.holding(name) {
			sess.held = append(sess.held, heldEvent{name: name, args: args})
			return
		}
		m.dispatch(sess, name, args)

	case wire.SocketAck:
		args, err := p.Args()
		if err != nil {
			m.parseErrors.Add(1)
			m.logger.Warn("failed to decode ack", "ack_id", p.AckID, "error", err)
			return
		}
		if !sess.resolve(p.AckID, args) {
			m.logger.Debug("ack for unknown request", "ack_id", p.AckID)
		}

	case wire.SocketDisconnect:
		m.readerClosed(sess, ReasonServerDisconnect, nil)

	case wire.SocketConnectError:
		var ce wire.ConnectErrorPayload
		if err := json.Unmarshal(p.Data, &ce); err != nil {
			ce.Message = string(p.Data)
		}
		m.readerClosed(sess, ReasonServerDisconnect, fmt.Errorf("%w: %s", ErrConnectRejected, ce.Message))
	}
}
