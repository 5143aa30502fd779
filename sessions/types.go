package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRegistryFull is returned by Add when the registry is at capacity.
	ErrRegistryFull = errors.New("session registry is full")
	// ErrSessionExists is returned by Add when the id is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrRegistryClosed is returned by Add once the registry is draining.
	ErrRegistryClosed = errors.New("session registry is not accepting sessions")
	// ErrSessionNotFound reports that no live session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrHeartbeatUnsupported is returned by a HeartbeatSender that cannot
	// send one right now. Sweeps treat it as "no heartbeat capability".
	ErrHeartbeatUnsupported = errors.New("heartbeat not supported by transport")
)

// Transport is the per-session handle through which bytes reach the client.
// The session owns it exclusively until removal. Close must be safe to call
// more than once.
type Transport interface {
	Close(ctx context.Context) error
}

// HeartbeatSender is implemented by transports that can send a liveness
// check to their peer.
type HeartbeatSender interface {
	SendHeartbeat(ctx context.Context) error
}

// Kind identifies the transport generation that created a session.
type Kind string

const (
	KindStreamable Kind = "streamable"
	KindLegacy     Kind = "legacy"
)

// RemoveReason records why a session left the registry.
type RemoveReason string

const (
	// ReasonTerminated: the client ended the session with DELETE.
	ReasonTerminated RemoveReason = "terminated"
	// ReasonDisconnect: the legacy stream's client went away.
	ReasonDisconnect RemoveReason = "disconnect"
	// ReasonInitFailed: the session was admitted but never became usable.
	ReasonInitFailed RemoveReason = "init_failed"
	ReasonIdle       RemoveReason = "idle"
	ReasonHeartbeat  RemoveReason = "heartbeat"
	ReasonShutdown   RemoveReason = "shutdown"
)

// Session is a snapshot of one registry entry. Values returned by the
// registry are copies; mutating them has no effect on the registry.
type Session struct {
	ID               string
	Kind             Kind
	Transport        Transport
	CreatedAt        time.Time
	LastActivity     time.Time
	MissedHeartbeats int
}

// Stats summarises registry occupancy.
type Stats struct {
	Total      int `json:"total"`
	Streamable int `json:"streamable"`
	Legacy     int `json:"legacy"`
	Max        int `json:"max"`
}
