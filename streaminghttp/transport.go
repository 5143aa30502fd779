package streaminghttp

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
	// ErrStreamActive is returned when a second GET stream is opened.
	ErrStreamActive = errors.New("session already has an open stream")
	// ErrQueueFull is returned by Notify when the outbound queue is full.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrNotActive is returned when dispatching to a session that is not active.
	ErrNotActive = errors.New("session is not active")
)

var (
	_ sessions.Transport       = (*transport)(nil)
	_ sessions.HeartbeatSender = (*transport)(nil)
	_ mcpservice.Peer          = (*transport)(nil)
)

// transport is the per-session half of the Streamable HTTP transport. It owns
// the bound handler, the outbound notification queue drained by the GET
// stream and the lifecycle state.
type transport struct {
	id  string
	log *slog.Logger

	mu              sync.Mutex
	state           State
	protocolVersion string
	handler         mcpservice.Handler
	stream          *ssestream.Stream

	// dispatchMu serializes message handling so a session observes its
	// messages in arrival order.
	dispatchMu sync.Mutex

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newTransport(id, protocolVersion string, queueSize int, log *slog.Logger) *transport {
	return &transport{
		id:              id,
		log:             log,
		state:           StatePending,
		protocolVersion: protocolVersion,
		outbound:        make(chan []byte, queueSize),
		done:            make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protocolVersion
}

func (t *transport) setProtocolVersion(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = v
}

func (t *transport) bind(h mcpservice.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *transport) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *transport) transitionLocked(to State) error {
	from := t.state
	if !canTransition(from, to) {
		t.log.Warn("transport.transition.illegal", slog.String("session_id", t.id), slog.String("from", from.String()), slog.String("to", to.String()))
		return &ErrIllegalTransition{From: from, To: to}
	}
	t.state = to
	t.log.Debug("transport.transition.ok", slog.String("session_id", t.id), slog.String("from", from.String()), slog.String("to", to.String()))
	return nil
}

// fail moves the transport to the error state from any non-terminal state.
func (t *transport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.state == StateError {
		return
	}
	t.log.Error("transport.fail", slog.String("session_id", t.id), slog.String("err", err.Error()))
	_ = t.transitionLocked(StateError)
}

// Close moves the transport through closing to closed, ends the GET stream
// and releases the handler. It is idempotent.
func (t *transport) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		if tErr := t.transitionLocked(StateClosing); tErr != nil {
			err = tErr
		}
		stream, h := t.stream, t.handler
		t.stream = nil
		t.mu.Unlock()

		close(t.done)
		if stream != nil {
			stream.Close()
		}

		if h != nil {
			mcpservice.CloseHandler(h)
		}

		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		t.log.InfoContext(ctx, "transport.close.ok", slog.String("session_id", t.id))
	})
	return err
}

// Done is closed once Close starts.
func (t *transport) Done() <-chan struct{} { return t.done }

// SendHeartbeat writes an SSE comment on the GET stream. Without an open
// stream there is nothing to write to.
func (t *transport) SendHeartbeat(ctx context.Context) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()

	if stream == nil {
		return sessions.ErrHeartbeatUnsupported
	}
	return stream.CommentContext(ctx, "heartbeat")
}

func (t *transport) attachStream(s *ssestream.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return ErrNotActive
	}
	if t.stream != nil {
		return ErrStreamActive
	}
	t.stream = s
	return nil
}

func (t *transport) detachStream(s *ssestream.Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stream == s {
		t.stream = nil
	}
}

type requestStreamKey struct{}

// withRequestStream routes notifications raised while handling a request to
// the POST response stream instead of the GET queue.
func withRequestStream(ctx context.Context, s *ssestream.Stream) context.Context {
	return context.WithValue(ctx, requestStreamKey{}, s)
}

// Notify implements mcpservice.Peer. Notifications raised during a request
// answered over SSE go on that response stream; all others are queued for the
// session's GET stream.
func (t *transport) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-t.done:
		return mcpservice.ErrPeerClosed
	default:
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

	if s, ok := ctx.Value(requestStreamKey{}).(*ssestream.Stream); ok && s != nil {
		return s.Event(ssestream.EventMessage, b)
	}

	select {
	case t.outbound <- b:
		return nil
	default:
		t.log.WarnContext(ctx, "transport.notify.drop", slog.String("session_id", t.id), slog.String("method", method))
		return ErrQueueFull
	}
}

// dispatch hands msgs to the bound handler in order. emit receives every
// response; an emit error stops the batch.
func (t *transport) dispatch(ctx context.Context, msgs []jsonrpc.AnyMessage, emit func(*jsonrpc.Response) error) error {
	t.dispatchMu.Lock()
	defer t.dispatchMu.Unlock()

	t.mu.Lock()
	h, state := t.handler, t.state
	t.mu.Unlock()
	if h == nil || (state != StateActive && state != StateInitializing) {
		return ErrNotActive
	}

	for i := range msgs {
		msg := &msgs[i]
		mctx := logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

		res, err := h.HandleMessage(mctx, msg)
		if err != nil {
			t.log.ErrorContext(mctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			if !msg.IsRequest() {
				continue
			}
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		if res == nil {
			continue
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}
