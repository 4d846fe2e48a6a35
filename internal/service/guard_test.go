package service

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimeoutGuard_SettleWins(t *testing.T) {
	var expired atomic.Int32
	g := NewTimeoutGuard(50*time.Millisecond, func() { expired.Add(1) })
	defer g.Stop()

	if g.State() != GuardPending {
		t.Fatalf("State() = %v, want GuardPending", g.State())
	}
	if !g.Settle() {
		t.Fatal("Settle() = false, want true for the first trigger")
	}
	if g.State() != GuardResolved {
		t.Errorf("State() = %v, want GuardResolved", g.State())
	}

	time.Sleep(100 * time.Millisecond)

	if n := expired.Load(); n != 0 {
		t.Errorf("onExpire called %d times after Settle, want 0", n)
	}
	if g.TimedOut() {
		t.Error("TimedOut() = true, want false")
	}
	if g.Settle() {
		t.Error("second Settle() = true, want false")
	}
}

func TestTimeoutGuard_TimerWins(t *testing.T) {
	fired := make(chan struct{})
	g := NewTimeoutGuard(10*time.Millisecond, func() { close(fired) })
	defer g.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onExpire was not called")
	}

	if !g.TimedOut() {
		t.Error("TimedOut() = false, want true")
	}
	if g.Settle() {
		t.Error("Settle() after expiry = true, want false")
	}
}

func TestTimeoutGuard_StopPreventsExpiry(t *testing.T) {
	var expired atomic.Int32
	g := NewTimeoutGuard(10*time.Millisecond, func() { expired.Add(1) })
	g.Stop()

	time.Sleep(50 * time.Millisecond)

	if n := expired.Load(); n != 0 {
		t.Errorf("onExpire called %d times after Stop, want 0", n)
	}
	if g.State() != GuardPending {
		t.Errorf("State() = %v, want GuardPending", g.State())
	}
}

func TestTimeoutGuard_ResolvesExactlyOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		var expired atomic.Int32
		g := NewTimeoutGuard(time.Millisecond, func() { expired.Add(1) })

		var wg sync.WaitGroup
		var settled atomic.Int32
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Millisecond)
				if g.Settle() {
					settled.Add(1)
				}
			}()
		}
		wg.Wait()
		time.Sleep(5 * time.Millisecond)
		g.Stop()

		if total := settled.Load() + expired.Load(); total != 1 {
			t.Fatalf("iteration %d: %d winners (settled=%d expired=%d), want exactly 1",
				i, total, settled.Load(), expired.Load())
		}
	}
}
