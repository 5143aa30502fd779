package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultHeartbeatTimeout bounds a single heartbeat.
const DefaultHeartbeatTimeout = 5 * time.Second

// Outcome is the per-session result of a sweep.
type Outcome string

const (
	OutcomeExtended Outcome = "extended"
	OutcomeRemoved  Outcome = "removed"
	OutcomeMissed   Outcome = "missed"
	OutcomeAlive    Outcome = "alive"
)

// SweepDetail describes what a sweep did to one session.
type SweepDetail struct {
	SessionID string
	Kind      Kind
	Outcome   Outcome
	IdleFor   time.Duration
	// Duration is the session's total lifetime; set when removed.
	Duration time.Duration
	// MissedHeartbeats is the counter after the sweep touched the session.
	MissedHeartbeats int
	Err              error
}

// CleanupResult aggregates one idle-timeout sweep.
type CleanupResult struct {
	Removed   int
	Extended  int
	Remaining int
	Details   []SweepDetail
	// Took is the wall time of the sweep, set by the Janitor.
	Took time.Duration
}

// HeartbeatResult aggregates one heartbeat sweep.
type HeartbeatResult struct {
	Checked    int
	Succeeded int
	Failed    int
	Skipped   int
	Evicted   int
	Remaining int
	Details   []SweepDetail
	Took      time.Duration
}

// Cleanup reclaims sessions idle for longer than timeout. A capable
// transport gets one heartbeat first; if it answers, the session is kept and its
// idle clock reset. Otherwise the transport is closed and the session removed.
func (r *Registry) Cleanup(ctx context.Context, timeout time.Duration) CleanupResult {
	var res CleanupResult

	isIdle := func(e *entry) bool { return since(r.clock, e.LastActivity) > timeout }
	for _, e := range r.collect(isIdle) {
		if ctx.Err() != nil {
			break
		}
		snap, ok := r.snapshot(e)
		if !ok {
			continue
		}
		idleFor := since(r.clock, snap.LastActivity)

		err := r.sendHeartbeat(ctx, snap.Transport)
		if err == nil {
			extended := r.update(e, func(e *entry) { r.refreshLocked(e) })
			if extended {
				res.Extended++
				res.Details = append(res.Details, SweepDetail{SessionID: snap.ID, Kind: snap.Kind, Outcome: OutcomeExtended, IdleFor: idleFor})
				r.log.InfoContext(ctx, "cleanup.session.extended", slog.String("session_id", snap.ID), slog.Duration("idle", idleFor))
			}
			continue
		}
		if !errors.Is(err, ErrHeartbeatUnsupported) {
			r.log.InfoContext(ctx, "cleanup.heartbeat.fail", slog.String("session_id", snap.ID), slog.String("err", err.Error()))
		}

		removed, ok := r.take(e, isIdle)
		if !ok {
			// Touched or removed by another path while probing.
			continue
		}
		closeErr := closeTransport(ctx, removed.Transport)
		if closeErr != nil {
			r.log.WarnContext(ctx, "cleanup.close.fail", slog.String("session_id", removed.ID), slog.String("err", closeErr.Error()))
		}
		dur := since(r.clock, removed.CreatedAt)
		res.Removed++
		res.Details = append(res.Details, SweepDetail{
			SessionID: removed.ID,
			Kind:      removed.Kind,
			Outcome:   OutcomeRemoved,
			IdleFor:   idleFor,
			Duration:  dur,
			Err:       closeErr,
		})
		r.log.InfoContext(ctx, "cleanup.session.removed", slog.String("session_id", removed.ID), slog.Duration("idle", idleFor), slog.Duration("duration", dur))
	}

	res.Remaining = r.Len()
	return res
}

// Heartbeat sends a heartbeat to every session whose transport supports one.
// Failures accumulate on the session; at maxMissed consecutive failures the
// session is closed and removed even if it is not idle.
func (r *Registry) Heartbeat(ctx context.Context, maxMissed int) HeartbeatResult {
	if maxMissed <= 0 {
		maxMissed = 1
	}
	var res HeartbeatResult

	canBeat := func(e *entry) bool {
		_, ok := e.Transport.(HeartbeatSender)
		return ok
	}
	for _, e := range r.collect(canBeat) {
		if ctx.Err() != nil {
			break
		}
		snap, ok := r.snapshot(e)
		if !ok {
			continue
		}

		err := r.sendHeartbeat(ctx, snap.Transport)
		if errors.Is(err, ErrHeartbeatUnsupported) {
			res.Skipped++
			continue
		}
		res.Checked++

		if err == nil {
			if r.update(e, func(e *entry) { r.refreshLocked(e) }) {
				res.Succeeded++
				res.Details = append(res.Details, SweepDetail{SessionID: snap.ID, Kind: snap.Kind, Outcome: OutcomeAlive})
			}
			continue
		}

		var missed int
		if !r.update(e, func(e *entry) { e.MissedHeartbeats++; missed = e.MissedHeartbeats }) {
			continue
		}
		res.Failed++
		r.log.InfoContext(ctx, "heartbeat.send.fail", slog.String("session_id", snap.ID), slog.Int("missed", missed), slog.String("err", err.Error()))

		if missed < maxMissed {
			res.Details = append(res.Details, SweepDetail{SessionID: snap.ID, Kind: snap.Kind, Outcome: OutcomeMissed, MissedHeartbeats: missed, Err: err})
			continue
		}

		removed, ok := r.take(e, nil)
		if !ok {
			continue
		}
		closeErr := closeTransport(ctx, removed.Transport)
		if closeErr != nil {
			r.log.WarnContext(ctx, "heartbeat.close.fail", slog.String("session_id", removed.ID), slog.String("err", closeErr.Error()))
		}
		dur := since(r.clock, removed.CreatedAt)
		res.Evicted++
		res.Details = append(res.Details, SweepDetail{
			SessionID:        removed.ID,
			Kind:             removed.Kind,
			Outcome:          OutcomeRemoved,
			Duration:         dur,
			MissedHeartbeats: missed,
			Err:              err,
		})
		r.log.WarnContext(ctx, "heartbeat.session.evicted", slog.String("session_id", removed.ID), slog.Int("missed", missed), slog.Duration("duration", dur))
	}

	res.Remaining = r.Len()
	return res
}

func (r *Registry) snapshot(e *entry) (Session, bool) {
	var snap Session
	ok := r.update(e, func(e *entry) { snap = e.Session })
	return snap, ok
}

// sendHeartbeat sends one heartbeat bounded by the registry's heartbeat
// timeout. A send still blocked at the deadline counts as failed; its
// goroutine ends once the transport's own write gives up.
func (r *Registry) sendHeartbeat(ctx context.Context, t Transport) error {
	sender, ok := t.(HeartbeatSender)
	if !ok {
		return ErrHeartbeatUnsupported
	}

	ctx, cancel := context.WithTimeout(ctx, r.heartbeatTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				errc <- errors.New("heartbeat panicked")
			}
		}()
		errc <- sender.SendHeartbeat(ctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("send heartbeat: %w", ctx.Err())
	}
}
