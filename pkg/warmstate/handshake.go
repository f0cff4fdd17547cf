package warmstate

import (
	"context"
	"time"

	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/pkg/errors"
)

// ReadyTimeout is how long the worker waits for a warm_state reply to its
// ready announcement before falling back to a cold start (spec.md §4.9).
const ReadyTimeout = 2 * time.Second

// WorkerHandshake sends `ready` over conn and waits up to ReadyTimeout for
// a `warm_state` reply. ok is false (with a nil error) on a clean timeout,
// meaning the caller should cold-start. A version mismatch is treated the
// same as an absent snapshot, per spec.md's versioning rule — the
// supervisor is expected to have already discarded a mismatched snapshot,
// but the worker checks again defensively in case of a stale peer.
func WorkerHandshake(ctx context.Context, conn *Conn) (snap Snapshot, ok bool, err error) {
	if err := conn.Send(TypeReady, struct{}{}); err != nil {
		return Snapshot{}, false, errors.Wrap(err, "warmstate: failed to send ready")
	}

	type result struct {
		env Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.Receive()
		ch <- result{env, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return Snapshot{}, false, errors.Wrap(r.err, "warmstate: handshake receive failed")
		}
		if r.env.Type != TypeWarmState {
			logger.G(ctx).WithField("type", r.env.Type).Warn("warmstate: unexpected handshake reply, cold-starting")
			return Snapshot{}, false, nil
		}
		snap, err := DecodeSnapshot(r.env)
		if err != nil {
			return Snapshot{}, false, err
		}
		if snap.Version != SnapshotVersion {
			logger.G(ctx).WithField("gotVersion", snap.Version).WithField("wantVersion", SnapshotVersion).
				Warn("warmstate: snapshot version mismatch, cold-starting")
			return Snapshot{}, false, nil
		}
		return snap, true, nil
	case <-time.After(ReadyTimeout):
		logger.G(ctx).Info("warmstate: no warm_state reply within timeout, cold-starting")
		return Snapshot{}, false, nil
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	}
}

// SupervisorHandshake waits for the worker's `ready` and replies with
// warm_state if held has a matching version, otherwise sends nothing and
// lets the worker's own timeout drive the cold start.
func SupervisorHandshake(ctx context.Context, conn *Conn, held *Snapshot) error {
	env, err := conn.Receive()
	if err != nil {
		return errors.Wrap(err, "warmstate: supervisor failed to receive ready")
	}
	if env.Type != TypeReady {
		return errors.Errorf("warmstate: expected ready, got %s", env.Type)
	}

	if held == nil {
		logger.G(ctx).Info("warmstate: no held snapshot, worker will cold-start")
		return nil
	}
	if held.Version != SnapshotVersion {
		logger.G(ctx).WithField("gotVersion", held.Version).WithField("wantVersion", SnapshotVersion).
			Warn("warmstate: discarding held snapshot with mismatched version")
		return nil
	}
	return conn.Send(TypeWarmState, held)
}
