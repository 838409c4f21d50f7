package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/market-stream/common/backoff"
)

// Rotation is handed to the connection after each renewal attempt. Previous is the session
// that was being renewed; Err is set (and Session empty) when retries were exhausted.
type Rotation struct {
	Previous Session
	Session  Session
	Err      error
}

// RunRenewal renews the installed session safety_margin before it expires and reports the
// outcome on rotations. After a failed renewal it waits for someone else (the reconnect
// path) to install a fresh session. Returns only when ctx is done.
func (m *Manager) RunRenewal(ctx context.Context, rotations chan<- Rotation) error {
	log := m.log.Named("renewal")
	for {
		cur, changed := m.snapshot()
		if cur.ID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}

		wait := cur.ExpiresAt.Sub(m.now()) - m.cfg.SafetyMargin
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-changed:
			// superseded by a reconnect; re-arm for the newer session
			timer.Stop()
			continue
		case <-timer.C:
		}

		var next Session
		err := backoff.ExecuteWithPolicy(ctx, m.cfg.Retry, log, func(ctx context.Context) error {
			s, err := m.negotiate(ctx, "renew")
			if err != nil {
				var se *SessionError
				if errors.As(err, &se) && se.Reason == ReasonUnauthorized {
					return backoff.Permanent(err)
				}
				return err
			}
			next = s
			return nil
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			log.Error("session renewal exhausted", zap.String("session_id", cur.ID), zap.Error(err))
			if !m.send(ctx, rotations, Rotation{Previous: cur, Err: &SessionError{Op: "renew", Reason: reasonOf(err), Err: err}}) {
				return ctx.Err()
			}
			// wait for the reconnect path to install a fresh session
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
			continue
		}

		m.install(next)
		log.Info("session renewed",
			zap.String("old_session_id", cur.ID),
			zap.String("session_id", next.ID),
			zap.Time("expires_at", next.ExpiresAt),
		)
		if !m.send(ctx, rotations, Rotation{Previous: cur, Session: next}) {
			return ctx.Err()
		}
	}
}

func (m *Manager) send(ctx context.Context, out chan<- Rotation, r Rotation) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

func reasonOf(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Reason
	}
	return ReasonUnavailable
}
