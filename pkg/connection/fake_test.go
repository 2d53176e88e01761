package connection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rickgao/marketfeed/internal/wire"
	"github.com/rickgao/marketfeed/pkg/transport"
)

// fakeServer hands out fakeClients and plays the server side of the
// handshake.
type fakeServer struct {
	mu      sync.Mutex
	clients []*fakeClient
	nextSID int

	open    string        // Engine open payload
	dialErr error         // Returned by Connect when set
	gate    chan struct{} // Connect blocks until closed when set
	reject  string        // Answer CONNECT with CONNECT_ERROR
	silent  bool          // Never answer CONNECT
	onEvent func(c *fakeClient, p wire.Packet, name string)
}

func newFakeServer() *fakeServer {
	return &fakeServer{open: `{"sid":"eio-1","pingInterval":0,"pingTimeout":0}`}
}

func (s *fakeServer) factory(cfg transport.Config, logger *slog.Logger) transport.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := &fakeClient{
		cfg:      cfg,
		server:   s,
		messages: make(chan transport.Message, 64),
		errors:   make(chan error, 1),
	}
	s.clients = append(s.clients, c)
	return c
}

func (s *fakeServer) setDialErr(err error) {
	s.mu.Lock()
	s.dialErr = err
	s.mu.Unlock()
}

func (s *fakeServer) setOnEvent(fn func(c *fakeClient, p wire.Packet, name string)) {
	s.mu.Lock()
	s.onEvent = fn
	s.mu.Unlock()
}

// dials returns the number of transports created.
func (s *fakeServer) dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// live returns the number of transports that are connected and not closed.
func (s *fakeServer) live() int {
	s.mu.Lock()
	clients := append([]*fakeClient(nil), s.clients...)
	s.mu.Unlock()

	n := 0
	for _, c := range clients {
		if c.IsConnected() {
			n++
		}
	}
	return n
}

func (s *fakeServer) last() *fakeClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return nil
	}
	return s.clients[len(s.clients)-1]
}

func (s *fakeServer) handle(c *fakeClient, frame string) {
	s.mu.Lock()
	reject, silent, onEvent := s.reject, s.silent, s.onEvent
	sid := ""
	if frame == "40" {
		s.nextSID++
		sid = fmt.Sprintf("client-%d", s.nextSID)
	}
	s.mu.Unlock()

	if frame == "40" {
		switch {
		case silent:
		case reject != "":
			c.push(`44{"message":"` + reject + `"}`)
		default:
			c.push(`40{"sid":"` + sid + `"}`)
		}
		return
	}

	if onEvent == nil || !strings.HasPrefix(frame, "42") {
		return
	}
	p, err := wire.Decode([]byte(frame))
	if err != nil {
		return
	}
	name, _, err := p.Event()
	if err != nil {
		return
	}
	onEvent(c, p, name)
}

// fakeClient is an in-memory transport.Client.
type fakeClient struct {
	cfg      transport.Config
	server   *fakeServer
	messages chan transport.Message
	errors   chan error

	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []string
}

func (c *fakeClient) Connect(ctx context.Context) error {
	s := c.server
	s.mu.Lock()
	err, gate, open := s.dialErr, s.gate, s.open
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrAlreadyClosed
	}
	c.connected = true
	c.mu.Unlock()

	c.push("0" + open)
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

func (c *fakeClient) Send(data []byte) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return transport.ErrNotConnected
	}
	c.sent = append(c.sent, string(data))
	c.mu.Unlock()

	c.server.handle(c, string(data))
	return nil
}

func (c *fakeClient) Messages() <-chan transport.Message { return c.messages }
func (c *fakeClient) Errors() <-chan error               { return c.errors }

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// push delivers a frame as if the server sent it.
func (c *fakeClient) push(frame string) {
	c.messages <- transport.Message{Data: []byte(frame), ReceivedAt: time.Now()}
}

// fail reports a terminal read error.
func (c *fakeClient) fail(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.errors <- err
}

func (c *fakeClient) sentFrames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeClient) lastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

// manualScheduler records requested delays and fires timers on demand.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	s       *manualScheduler
	delay   time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &manualTimer{s: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fire runs the oldest pending timer on the calling goroutine.
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	var next *manualTimer
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			next = t
			break
		}
	}
	if next == nil {
		s.mu.Unlock()
		return false
	}
	next.fired = true
	s.mu.Unlock()

	next.f()
	return true
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (s *manualScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

// recorder captures lifecycle events as short strings.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func record(m *Manager) *recorder {
	r := &recorder{}
	On(m, EventStateChange, func(s State) { r.add("state:" + s.String()) })
	On(m, EventConnected, func(e ConnectedEvent) { r.add("connected:" + e.ClientID) })
	On(m, EventDisconnected, func(e DisconnectedEvent) { r.add("disconnected:" + e.Reason) })
	On(m, EventReconnecting, func(e ReconnectingEvent) {
		r.add(fmt.Sprintf("reconnecting:%d/%d", e.Attempt, e.MaxAttempts))
	})
	On(m, EventError, func(e ErrorEvent) { r.add("error:" + e.Code) })
	On(m, EventAuthenticated, func(e AuthenticatedEvent) { r.add("authenticated:" + e.Wallet) })
	return r
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(ev string) bool {
	for _, e := range r.snapshot() {
		if e == ev {
			return true
		}
	}
	return false
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, e := range r.snapshot() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

var testEpoch = time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager builds a Manager wired to a fake server and a manual
// scheduler.
func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeServer, *manualScheduler) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.URL = "http://feed.test"
	cfg.ReconnectDelay = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	srv := newFakeServer()
	sched := &manualScheduler{}

	m, err := New(cfg,
		WithLogger(discardLogger()),
		WithTransportFactory(srv.factory),
		WithScheduler(sched),
		WithClock(func() time.Time { return testEpoch }),
	)
	require.NoError(t, err)
	t.Cleanup(m.Disconnect)

	return m, srv, sched
}

// connectTest connects m and fails the test on error.
func connectTest(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "state = %s, want %s", m.State(), want)
}
