package legacysse

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/mcp"
	"github.com/ggoodman/fleetmcp/mcpservice"
	"github.com/ggoodman/fleetmcp/sessions"
)

type testServer struct {
	*httptest.Server
	reg *sessions.Registry
}

func newTestServer(t *testing.T, limit int, opts ...Option) *testServer {
	t.Helper()
	srv := mcpservice.NewServer(mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "legacy-test", Version: "0.0.0"}))
	reg := sessions.NewRegistry(limit)

	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	h, err := New(reg, srv.Factory(), opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = reg.CloseAll(context.Background()) })
	return &testServer{Server: ts, reg: reg}
}

type event struct {
	name string
	data string
}

func readEvent(br *bufio.Reader) (event, error) {
	var ev event
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.data != "" {
				return ev, nil
			}
			ev = event{}
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
}

// mustConnect opens the stream and returns the endpoint URL from the first
// event.
func mustConnect(t *testing.T, ts *testServer) (*http.Response, *bufio.Reader, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+DefaultSSEPath, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		resp.Body.Close()
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	br := bufio.NewReader(resp.Body)
	ev, err := readEvent(br)
	if err != nil {
		t.Fatalf("read endpoint event: %v", err)
	}
	if want, got := "endpoint", ev.name; want != got {
		t.Fatalf("unexpected first event: want %q got %q", want, got)
	}
	return resp, br, ev.data
}

func post(t *testing.T, ts *testServer, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := ts.Client().Post(ts.URL+endpoint, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func expectStatus(t *testing.T, resp *http.Response, status int, code jsonrpc.ErrorCode) {
	t.Helper()
	defer resp.Body.Close()
	if want, got := status, resp.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	var res jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if res.Error == nil || res.Error.Code != code {
		t.Fatalf("unexpected error: %+v", res.Error)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	ts := newTestServer(t, 4)
	resp, br, endpoint := mustConnect(t, ts)
	defer resp.Body.Close()

	if !strings.HasPrefix(endpoint, DefaultMessagesPath+"?sessionId=") {
		t.Fatalf("unexpected endpoint: %q", endpoint)
	}
	id := strings.TrimPrefix(endpoint, DefaultMessagesPath+"?sessionId=")
	s, ok := ts.reg.Lookup(id)
	if !ok || s.Kind != sessions.KindLegacy {
		t.Fatalf("legacy session not registered: %+v", s)
	}

	init := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"old","version":"1"}}}`
	pr := post(t, ts, endpoint, init)
	body, _ := io.ReadAll(pr.Body)
	pr.Body.Close()
	if want, got := http.StatusAccepted, pr.StatusCode; want != got {
		t.Fatalf("unexpected status: want %d got %d", want, got)
	}
	if want, got := "Accepted", string(body); want != got {
		t.Fatalf("unexpected body: want %q got %q", want, got)
	}

	ev, err := readEvent(br)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if want, got := "message", ev.name; want != got {
		t.Fatalf("unexpected event: want %q got %q", want, got)
	}
	var res jsonrpc.Response
	if err := json.Unmarshal([]byte(ev.data), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if want, got := "2024-11-05", result.ProtocolVersion; want != got {
		t.Fatalf("unexpected negotiated version: want %q got %q", want, got)
	}

	pr = post(t, ts, endpoint, `{"jsonrpc":"2.0","id":"p","method":"ping"}`)
	pr.Body.Close()
	ev, err = readEvent(br)
	if err != nil {
		t.Fatalf("read ping response: %v", err)
	}
	if !strings.Contains(ev.data, `"id":"p"`) {
		t.Fatalf("unexpected ping response: %s", ev.data)
	}
}

func TestLegacyDisconnectRemovesSession(t *testing.T) {
	ts := newTestServer(t, 4)
	resp, _, _ := mustConnect(t, ts)
	if want, got := 1, ts.reg.Len(); want != got {
		t.Fatalf("unexpected registry size: want %d got %d", want, got)
	}
	resp.Body.Close()

	deadline := time.Now().Add(5 * time.Second)
	for ts.reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after client disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLegacyPostErrors(t *testing.T) {
	ts := newTestServer(t, 4)

	expectStatus(t, post(t, ts, DefaultMessagesPath, `{"jsonrpc":"2.0","id":1,"method":"ping"}`), http.StatusBadRequest, jsonrpc.ErrorCodeBadRequest)
	expectStatus(t, post(t, ts, DefaultMessagesPath+"?sessionId=nope", `{"jsonrpc":"2.0","id":1,"method":"ping"}`), http.StatusNotFound, jsonrpc.ErrorCodeSessionNotFound)

	// A session that has not reached the connected state cannot take messages.
	idle := newSession("idle", 1, slog.New(slog.DiscardHandler))
	if err := ts.reg.Add("idle", sessions.KindLegacy, idle); err != nil {
		t.Fatalf("add: %v", err)
	}
	expectStatus(t, post(t, ts, DefaultMessagesPath+"?sessionId=idle", `{"jsonrpc":"2.0","id":1,"method":"ping"}`), http.StatusConflict, jsonrpc.ErrorCodeBadRequest)

	resp, _, endpoint := mustConnect(t, ts)
	defer resp.Body.Close()
	expectStatus(t, post(t, ts, endpoint, `{"jsonrpc":"2.0",`), http.StatusBadRequest, jsonrpc.ErrorCodeParseError)
	expectStatus(t, post(t, ts, endpoint, `{"jsonrpc":"1.0","id":1,"method":"ping"}`), http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest)
}

func TestLegacyRegistryFull(t *testing.T) {
	ts := newTestServer(t, 1)
	resp, _, _ := mustConnect(t, ts)
	defer resp.Body.Close()

	second, err := ts.Client().Get(ts.URL + DefaultSSEPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	expectStatus(t, second, http.StatusServiceUnavailable, jsonrpc.ErrorCodeSessionLimit)
}

func TestLegacyDisabled(t *testing.T) {
	ts := newTestServer(t, 4, WithEnabled(false))

	get, err := ts.Client().Get(ts.URL + DefaultSSEPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	expectStatus(t, get, http.StatusNotImplemented, jsonrpc.ErrorCodeBadRequest)
	expectStatus(t, post(t, ts, DefaultMessagesPath+"?sessionId=x", `{}`), http.StatusNotImplemented, jsonrpc.ErrorCodeBadRequest)
}

func TestSessionTransitions(t *testing.T) {
	s := newSession("s", 1, slog.New(slog.DiscardHandler))
	if err := s.transition(StateStreaming); err == nil {
		t.Fatalf("idle -> streaming must be rejected")
	}
	for _, to := range []State{StateConnecting, StateConnected, StateStreaming} {
		if err := s.transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := s.SendHeartbeat(context.Background()); err == nil {
		t.Fatalf("heartbeat without a stream must not succeed")
	}
	_ = s.Close(context.Background())
	if want, got := StateClosed, s.State(); want != got {
		t.Fatalf("unexpected state: want %s got %s", want, got)
	}
	if err := s.enqueue(nil); err == nil {
		t.Fatalf("closed session accepted messages")
	}
}
