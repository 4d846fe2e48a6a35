package service

import (
	"sync"
	"time"
)

// GuardState is the lifecycle state of a TimeoutGuard.
type GuardState int

const (
	GuardPending GuardState = iota
	GuardResolved
)

// TimeoutGuard races request completion against a fixed ceiling. It resolves
// exactly once: either Settle wins, or the timer fires first and runs the
// abort hook. Whichever trigger comes second is ignored.
type TimeoutGuard struct {
	mu       sync.Mutex
	state    GuardState
	timedOut bool
	timer    *time.Timer
	onExpire func()
}

// NewTimeoutGuard arms a guard that calls onExpire if Settle has not been
// called within ceiling. Callers must defer Stop.
func NewTimeoutGuard(ceiling time.Duration, onExpire func()) *TimeoutGuard {
	g := &TimeoutGuard{onExpire: onExpire}
	g.timer = time.AfterFunc(ceiling, g.expire)
	return g
}

func (g *TimeoutGuard) expire() {
	g.mu.Lock()
	if g.state == GuardResolved {
		g.mu.Unlock()
		return
	}
	g.state = GuardResolved
	g.timedOut = true
	g.mu.Unlock()

	if g.onExpire != nil {
		g.onExpire()
	}
}

// Settle resolves the guard for a non-timeout terminal event (body complete
// or upstream failure). It returns true only for the call that resolved the
// guard; false means the timer (or an earlier Settle) already won.
func (g *TimeoutGuard) Settle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GuardResolved {
		return false
	}
	g.state = GuardResolved
	g.timer.Stop()
	return true
}

// TimedOut reports whether the guard was resolved by its timer.
func (g *TimeoutGuard) TimedOut() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timedOut
}

// State returns the current guard state.
func (g *TimeoutGuard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Stop cancels the timer so no callback fires after the request is done.
// It does not resolve the guard.
func (g *TimeoutGuard) Stop() {
	g.timer.Stop()
}
