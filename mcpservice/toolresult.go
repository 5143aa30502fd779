package mcpservice

import (
	"context"
	"sync"

	"github.com/ggoodman/fleetmcp/mcp"
)

// ToolResponseWriter accumulates the result of one tools/call.
type ToolResponseWriter interface {
	// AppendText adds a text block. Empty text is skipped.
	AppendText(text string) error
	AppendBlocks(blocks ...mcp.ContentBlock) error
	// SetError marks the result as a failure the model should see, as
	// opposed to a returned error, which becomes a JSON-RPC error.
	SetError(isError bool)
	// SendProgress notifies the caller through the session's peer. It does
	// nothing when the call carried no progress token.
	SendProgress(progress, total float64) error
}

type toolResult struct {
	ctx   context.Context
	peer  Peer
	token mcp.ProgressToken

	mu      sync.Mutex
	blocks  []mcp.ContentBlock
	isError bool
}

// newToolResult binds progress to sess's peer when req asked for it. sess may
// be nil when a tool is invoked outside a session.
func newToolResult(ctx context.Context, sess *Session, req *mcp.CallToolRequestReceived) *toolResult {
	w := &toolResult{ctx: ctx}
	if sess != nil && req.Meta != nil && req.Meta.ProgressToken != nil {
		w.peer, w.token = sess.peer, req.Meta.ProgressToken
	}
	return w
}

func (w *toolResult) AppendText(text string) error {
	if text == "" {
		return nil
	}
	return w.AppendBlocks(mcp.ContentBlock{Type: mcp.ContentTypeText, Text: text})
}

func (w *toolResult) AppendBlocks(blocks ...mcp.ContentBlock) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blocks = append(w.blocks, blocks...)
	return nil
}

func (w *toolResult) SetError(isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.isError = isError
}

func (w *toolResult) SendProgress(progress, total float64) error {
	if err := w.ctx.Err(); err != nil {
		return err
	}
	if w.peer == nil {
		return nil
	}
	return w.peer.Notify(w.ctx, string(mcp.ProgressNotificationMethod), mcp.ProgressNotificationParams{
		ProgressToken: w.token,
		Progress:      progress,
		Total:         total,
	})
}

func (w *toolResult) result() *mcp.CallToolResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return &mcp.CallToolResult{Content: append([]mcp.ContentBlock(nil), w.blocks...), IsError: w.isError}
}
