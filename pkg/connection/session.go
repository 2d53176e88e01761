package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/marketfeed/internal/wire"
	"github.com/rickgao/marketfeed/pkg/transport"
)

var errTransportClosed = errors.New("transport closed during handshake")

// session is one live transport plus the state scoped to it.
type session struct {
	client transport.Client
	logger *slog.Logger
	open   wire.OpenPayload

	// Goroutine coordination
	done      chan struct{}
	closeOnce sync.Once

	// ready closes once the connected event has been delivered. Until then
	// the read goroutine holds server events back in held.
	ready chan struct{}
	held  []heldEvent

	// Request/ack correlation
	pendingMu sync.Mutex
	pending   map[int64]chan []json.RawMessage
	ackID     int64 // Atomic counter

	lastPing atomic.Int64 // Unix nanos of the last server ping
}

func newSession(client transport.Client, logger *slog.Logger) *session {
	s := &session{
		client:  client,
		logger:  logger,
		done:    make(chan struct{}),
		ready:   make(chan struct{}),
		pending: make(map[int64]chan []json.RawMessage),
	}
	s.touch(time.Now())
	return s
}

// handshake waits for the engine open packet, joins the default namespace
// and returns the client id from the server's CONNECT ack.
func (s *session) handshake(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()

		case err := <-s.client.Errors():
			return "", err

		case msg := <-s.client.Messages():
			p, err := wire.Decode(msg.Data)
			if err != nil {
				return "", fmt.Errorf("handshake: %w", err)
			}

			switch {
			case p.Engine == wire.EngineOpen:
				if err := json.Unmarshal(p.Data, &s.open); err != nil {
					return "", fmt.Errorf("handshake: open payload: %w", err)
				}
				s.touch(msg.ReceivedAt)

				frame, err := wire.EncodeConnect(nil)
				if err != nil {
					return "", err
				}
				if err := s.send(frame); err != nil {
					return "", fmt.Errorf("handshake: %w", err)
				}

			case p.Engine == wire.EnginePing:
				s.touch(msg.ReceivedAt)
				if err := s.send(wire.EncodePong()); err != nil {
					return "", fmt.Errorf("handshake: %w", err)
				}

			case p.Engine == wire.EngineClose:
				return "", errTransportClosed

			case p.Engine == wire.EngineMessage && p.Type == wire.SocketConnect:
				var ack wire.ConnectPayload
				if err := json.Unmarshal(p.Data, &ack); err != nil {
					return "", fmt.Errorf("handshake: connect ack: %w", err)
				}
				return ack.SID, nil

			case p.Engine == wire.EngineMessage && p.Type == wire.SocketConnectError:
				var ce wire.ConnectErrorPayload
				if err := json.Unmarshal(p.Data, &ce); err != nil {
					return "", fmt.Errorf("%w: %s", ErrConnectRejected, p.Data)
				}
				return "", fmt.Errorf("%w: %s", ErrConnectRejected, ce.Message)

			default:
				s.logger.Debug("ignoring frame during handshake", "frame", string(msg.Data))
			}
		}
	}
}

type heldEvent struct {
	name string
	args []json.RawMessage
}

// holding reports whether the server event name must wait for ready.
// Authentication answers never wait: a connected handler may be blocked
// on one. Only the read goroutine calls it.
func (s *session) holding(name string) bool {
	if name == msgAuthenticated || name == msgAuthError {
		return false
	}
	if len(s.held) > 0 {
		return true
	}
	select {
	case <-s.ready:
		return false
	default:
		return true
	}
}

func (s *session) send(frame []byte) error {
	return s.client.Send(frame)
}

func (s *session) touch(t time.Time) {
	s.lastPing.Store(t.UnixNano())
}

func (s *session) sinceLastPing() time.Duration {
	return time.Since(time.Unix(0, s.lastPing.Load()))
}

// register allocates an ack id. The returned channel receives the ack
// arguments, or is closed if the session ends first.
func (s *session) register() (int64, chan []json.RawMessage) {
	id := atomic.AddInt64(&s.ackID, 1)
	ch := make(chan []json.RawMessage, 1)

	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pending == nil {
		close(ch)
		return id, ch
	}
	s.pending[id] = ch
	return id, ch
}

func (s *session) unregister(id int64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// resolve hands ack arguments to the waiting request.
func (s *session) resolve(id int64, args []json.RawMessage) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()

	if ok {
		ch <- args
	}
	return ok
}

// close stops the session goroutines, fails pending requests and closes
// the transport. Safe to call more than once.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.pendingMu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.pending = nil
		s.pendingMu.Unlock()

		if err := s.client.Close(); err != nil {
			s.logger.Debug("transport close failed", "error", err)
		}
	})
}
