package streaminghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/internal/ssestream"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/sessions"
)

func newTestTransport(queue int) *transport {
	return newTransport("s-1", "2025-06-18", queue, slog.New(slog.DiscardHandler))
}

func TestTransportTransitions(t *testing.T) {
	tr := newTestTransport(1)

	if err := tr.transition(StateActive); err == nil {
		t.Fatalf("pending -> active must be rejected")
	}
	for _, to := range []State{StateInitializing, StateActive} {
		if err := tr.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	var illegal *ErrIllegalTransition
	if err := tr.transition(StatePending); !errors.As(err, &illegal) || illegal.From != StateActive {
		t.Fatalf("expected illegal transition error, got %v", err)
	}

	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if want, got := StateClosed, tr.State(); want != got {
		t.Fatalf("unexpected state: want %s got %s", want, got)
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
}

func TestTransportHeartbeatNeedsStream(t *testing.T) {
	tr := newTestTransport(1)
	if err := tr.SendHeartbeat(context.Background()); !errors.Is(err, sessions.ErrHeartbeatUnsupported) {
		t.Fatalf("expected ErrHeartbeatUnsupported, got %v", err)
	}
}

// brokenWriter fails every write, like a peer that reset the connection.
type brokenWriter struct {
	*httptest.ResponseRecorder
}

func (brokenWriter) Write([]byte) (int, error) { return 0, errors.New("write: broken pipe") }

func TestHeartbeatEvictsTransportWithBrokenStream(t *testing.T) {
	ctx := context.Background()
	reg := sessions.NewRegistry(4)
	tr := newTestTransport(1)
	for _, to := range []State{StateInitializing, StateActive} {
		if err := tr.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := reg.Add(tr.id, sessions.KindStreamable, tr); err != nil {
		t.Fatalf("add: %v", err)
	}
	stream, err := ssestream.Open(brokenWriter{httptest.NewRecorder()}, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := tr.attachStream(stream); err != nil {
		t.Fatalf("attach: %v", err)
	}

	res := reg.Heartbeat(ctx, 2)
	if res.Failed != 1 || res.Evicted != 0 {
		t.Fatalf("first sweep: unexpected result %+v", res)
	}
	if s, _ := reg.Lookup(tr.id); s.MissedHeartbeats != 1 {
		t.Fatalf("first sweep: want 1 missed got %d", s.MissedHeartbeats)
	}

	res = reg.Heartbeat(ctx, 2)
	if want, got := 1, res.Evicted; want != got {
		t.Fatalf("unexpected evicted count: want %d got %d", want, got)
	}
	if reg.Has(tr.id) {
		t.Fatalf("session still registered after eviction")
	}
	if want, got := StateClosed, tr.State(); want != got {
		t.Fatalf("evicted transport not closed: state %s", got)
	}
	select {
	case <-tr.Done():
	default:
		t.Fatalf("Done not closed after eviction")
	}
}

func TestTransportNotifyQueue(t *testing.T) {
	ctx := context.Background()
	tr := newTestTransport(1)

	if err := tr.Notify(ctx, "notifications/message", map[string]string{"level": "info"}); err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if err := tr.Notify(ctx, "notifications/message", nil); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	_ = tr.Close(ctx)
	if err := tr.Notify(ctx, "notifications/message", nil); !errors.Is(err, mcpservice.ErrPeerClosed) {
		t.Fatalf("expected ErrPeerClosed after close, got %v", err)
	}
}

func TestTransportDispatchOrderAndErrors(t *testing.T) {
	tr := newTestTransport(1)
	var seen []string
	tr.bind(mcpservice.HandlerFunc(func(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
		seen = append(seen, msg.Method)
		if msg.Method == "boom" {
			return nil, errors.New("handler exploded")
		}
		if !msg.IsRequest() {
			return nil, nil
		}
		return jsonrpc.NewResultResponse(msg.ID, struct{}{})
	}))

	msgs, _, err := jsonrpc.DecodeMessages([]byte(`[
		{"jsonrpc":"2.0","id":1,"method":"ping"},
		{"jsonrpc":"2.0","method":"notifications/initialized"},
		{"jsonrpc":"2.0","id":2,"method":"boom"}
	]`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if err := tr.dispatch(context.Background(), msgs, func(*jsonrpc.Response) error { return nil }); !errors.Is(err, ErrNotActive) {
		t.Fatalf("dispatch on a pending transport must fail, got %v", err)
	}

	_ = tr.transition(StateInitializing)
	_ = tr.transition(StateActive)

	var responses []*jsonrpc.Response
	err = tr.dispatch(context.Background(), msgs, func(res *jsonrpc.Response) error {
		responses = append(responses, res)
		return nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if want, got := "ping,notifications/initialized,boom", strings.Join(seen, ","); want != got {
		t.Fatalf("unexpected order: want %s got %s", want, got)
	}
	if want, got := 2, len(responses); want != got {
		t.Fatalf("unexpected response count: want %d got %d", want, got)
	}
	if responses[1].Error == nil || responses[1].Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("handler error not mapped to an internal error: %+v", responses[1])
	}
}
