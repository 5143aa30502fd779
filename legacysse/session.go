package legacysse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/internal/logctx"
	"github.com/ggoodman/fleetmcp/internal/ssestream"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/sessions"
)

var (
	// ErrInboxFull is returned when a session has too many undelivered POSTs.
	ErrInboxFull = errors.New("session inbox full")
	// ErrNotStreaming is returned when a session cannot take messages yet.
	ErrNotStreaming = errors.New("session stream is not open")
)

var (
	_ sessions.Transport       = (*session)(nil)
	_ sessions.HeartbeatSender = (*session)(nil)
	_ mcpservice.Peer          = (*session)(nil)
)

// session is one GET /sse connection. The serving GET goroutine drains the
// inbox, so all handler calls and responses for a session happen on that
// goroutine in POST order.
type session struct {
	id  string
	log *slog.Logger

	mu      sync.Mutex
	state   State
	stream  *ssestream.Stream
	handler mcpservice.Handler

	inbox     chan []jsonrpc.AnyMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id string, inboxSize int, log *slog.Logger) *session {
	return &session{
		id:    id,
		log:   log,
		state: StateIdle,
		inbox: make(chan []jsonrpc.AnyMessage, inboxSize),
		done:  make(chan struct{}),
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !canTransition(from, to) {
		s.log.Warn("legacy.transition.illegal", slog.String("session_id", s.id), slog.String("from", from.String()), slog.String("to", to.String()))
		return fmt.Errorf("illegal legacy transition %s -> %s", from, to)
	}
	s.state = to
	return nil
}

func (s *session) attach(stream *ssestream.Stream, h mcpservice.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream, s.handler = stream, h
}

// enqueue hands a validated POST body to the stream goroutine.
func (s *session) enqueue(msgs []jsonrpc.AnyMessage) error {
	if !s.State().acceptsMessages() {
		return ErrNotStreaming
	}
	select {
	case <-s.done:
		return ErrNotStreaming
	case s.inbox <- msgs:
		return nil
	default:
		return ErrInboxFull
	}
}

// Close ends the stream and releases the handler. It is idempotent.
func (s *session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateClosed
		}
		stream, h := s.stream, s.handler
		s.mu.Unlock()

		close(s.done)
		if stream != nil {
			stream.Close()
		}
		if h != nil {
			mcpservice.CloseHandler(h)
		}
		s.log.InfoContext(ctx, "legacy.close.ok", slog.String("session_id", s.id))
	})
	return nil
}

func (s *session) SendHeartbeat(ctx context.Context) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return sessions.ErrHeartbeatUnsupported
	}
	return stream.CommentContext(ctx, "heartbeat")
}

// Notify implements mcpservice.Peer.
func (s *session) Notify(ctx context.Context, method string, params any) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	select {
	case <-s.done:
		return mcpservice.ErrPeerClosed
	default:
	}
	if stream == nil {
		return ErrNotStreaming
	}

	var raw json.RawMessage
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = p
	}
	b, err := json.Marshal(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return stream.Event(ssestream.EventMessage, b)
}

// deliver runs msgs through the handler and writes responses on the stream.
func (s *session) deliver(ctx context.Context, msgs []jsonrpc.AnyMessage) error {
	s.mu.Lock()
	stream, h := s.stream, s.handler
	s.mu.Unlock()

	for i := range msgs {
		msg := &msgs[i]
		mctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

		res, err := h.HandleMessage(mctx, msg)
		if err != nil {
			s.log.ErrorContext(mctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			if !msg.IsRequest() {
				continue
			}
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		if res == nil {
			continue
		}
		b, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		if err := stream.Event(ssestream.EventMessage, b); err != nil {
			return err
		}
	}
	return nil
}
