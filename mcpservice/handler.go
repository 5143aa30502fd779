package mcpservice

import (
	"context"
	"errors"

	"github.com/ggoodman/fleetmcp/internal/jsonrpc"
	"github.com/ggoodman/fleetmcp/sessions"
)

// ErrPeerClosed is returned by Peer.Notify once the session's transport has
// closed.
var ErrPeerClosed = errors.New("peer closed")

// SessionInfo identifies the session a Handler serves.
type SessionInfo struct {
	ID   string
	Kind sessions.Kind
	// ProtocolVersion is the revision announced by the client in the
	// Mcp-Protocol-Version header of the creating request, or the fallback.
	ProtocolVersion string
}

// Peer pushes server-initiated notifications to the client. Delivery goes
// through the transport's stream and is best-effort.
type Peer interface {
	Notify(ctx context.Context, method string, params any) error
}

// Handler processes the JSON-RPC messages of one session. Messages are
// delivered one at a time in arrival order. The returned response is nil for
// notifications and client responses. A non-nil error is answered with an
// internal error by the transport.
type Handler interface {
	HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	return f(ctx, msg)
}

// Factory builds the Handler bound to a newly admitted session.
type Factory func(ctx context.Context, sess SessionInfo, peer Peer) (Handler, error)

// Closer is implemented by handlers holding resources for the session
// lifetime. Transports call Close exactly once when the session ends.
type Closer interface {
	Close()
}

// CloseHandler releases h if it implements Closer.
func CloseHandler(h Handler) {
	if c, ok := h.(Closer); ok {
		c.Close()
	}
}
