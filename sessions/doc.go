// Package sessions owns the process-local set of live protocol sessions.
//
// A Registry is a bounded map from session id to Session. Each Session owns a
// Transport handle supplied by the transport router that created it
// (Streamable HTTP or legacy SSE). Every component that observes client
// traffic calls into the registry to refresh activity; two background sweeps
// reclaim sessions whose clients went away:
//
//	Cleanup   -> idle longer than the session timeout: send one heartbeat, extend on
//	             success, otherwise close and remove
//	Heartbeat -> send a heartbeat to every capable session; after too many
//	             consecutive failures close and remove regardless of idle time
//
// A Janitor runs both sweeps on their own Scheduler. Both take an injected
// clockwork.Clock so tests can drive time explicitly.
//
// # Transports
//
// Transport only requires Close. Liveness checks are opt-in through
// HeartbeatSender; a sender that cannot currently send one (for example a
// Streamable HTTP session with no open GET stream) returns
// ErrHeartbeatUnsupported and is treated as having no heartbeat capability.
//
// # Concurrency
//
// The registry lock only guards the map. Heartbeats, closes and handler calls
// happen outside it, so a session may be removed concurrently by another
// path; Remove and the internal take operation are idempotent and every
// transport is closed by whichever path actually removed it.
package sessions
