// Package streaming bounds the lifetime of one outbound call.
package streaming

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Laisky/errors/v2"
)

var (
	// ErrAborted is the cancellation cause seen by the caller for both an
	// explicit abort and a timeout.
	ErrAborted = errors.New("request aborted")
	// ErrTimeout is the cause set by the session timer. It wraps ErrAborted.
	ErrTimeout = errors.Wrap(ErrAborted, "deadline exceeded")
)

// Session is a single cancellation token for one call. Either an explicit
// Abort, the timer or the parent context can trigger it; the first trigger
// wins and the rest are no-ops.
type Session struct {
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timer    *time.Timer
	released atomic.Bool
}

// NewSession derives a session from parent. A non-positive timeout disables the timer.
func NewSession(parent context.Context, timeout time.Duration) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{ctx: ctx, cancel: cancel}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			cancel(ErrTimeout)
		})
	}
	return s
}

// Context is cancelled once the session is aborted, timed out or released.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Abort cancels the in-flight call.
func (s *Session) Abort() {
	s.cancel(ErrAborted)
}

// Err returns the cancellation cause, or nil while the session is live.
func (s *Session) Err() error {
	return context.Cause(s.ctx)
}

// TimedOut reports whether the timer fired before any other trigger.
func (s *Session) TimedOut() bool {
	return errors.Is(s.Err(), ErrTimeout)
}

// Release stops the timer and frees the context. It returns true only for
// the call that actually released the session.
func (s *Session) Release() bool {
	if !s.released.CompareAndSwap(false, true) {
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.cancel(context.Canceled)
	return true
}
