// Package ssestream serializes writes to a go-sse session so that several
// goroutines (responses, notifications, heartbeats) can share one stream.
package ssestream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	sse "github.com/tmaxmax/go-sse"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("sse stream closed")

// EventMessage is the event type carrying JSON-RPC payloads.
const EventMessage = "message"

// Stream is an upgraded SSE response.
type Stream struct {
	// lock holds one token while a write is in flight. A channel rather than
	// a mutex so a bounded write can give up waiting for a stuck one.
	lock   chan struct{}
	sess   *sse.Session
	rc     *http.ResponseController
	closed atomic.Bool
	done   <-chan struct{}
}

// Open upgrades w. Response headers set on w before Open are sent with the
// first event.
func Open(w http.ResponseWriter, r *http.Request) (*Stream, error) {
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, fmt.Errorf("upgrade sse: %w", err)
	}
	return &Stream{
		lock: make(chan struct{}, 1),
		sess: sess,
		rc:   http.NewResponseController(w),
		done: r.Context().Done(),
	}, nil
}

// Done is closed when the client goes away.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Event writes one event of type typ and flushes it.
func (s *Stream) Event(typ string, data []byte) error {
	msg := &sse.Message{}
	if typ != "" {
		msg.Type = sse.Type(typ)
	}
	msg.AppendData(string(data))
	return s.send(context.Background(), msg)
}

// Comment writes a comment line. Clients ignore comments, which makes them
// suitable as liveness checks.
func (s *Stream) Comment(text string) error {
	return s.CommentContext(context.Background(), text)
}

// CommentContext is Comment bounded by ctx. Waiting for another writer stops
// when ctx is done, and a ctx deadline becomes the connection's write
// deadline for this write.
func (s *Stream) CommentContext(ctx context.Context, text string) error {
	msg := &sse.Message{}
	msg.AppendComment(text)
	return s.send(ctx, msg)
}

// Close marks the stream unusable. It does not end the HTTP response; the
// serving handler does that by returning.
func (s *Stream) Close() {
	s.closed.Store(true)
}

func (s *Stream) send(ctx context.Context, msg *sse.Message) error {
	select {
	case s.lock <- struct{}{}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("wait for sse writer: %w", ctx.Err())
	}
	defer func() { <-s.lock }()

	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if dl, ok := ctx.Deadline(); ok {
		// Writers without deadline support report http.ErrNotSupported; the
		// caller's own timeout still applies to them.
		if err := s.rc.SetWriteDeadline(dl); err == nil {
			defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()
		}
	}

	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("send sse event: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("flush sse event: %w", err)
	}
	return nil
}
