package timeout

import (
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestZeroDurationsNeverExpire(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{}, rec.record)
	s.Start()
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if s.IdleExpired() || s.SessionExpired() {
		t.Fatal("disabled timers must never report expired")
	}
	if len(rec.kinds()) != 0 {
		t.Fatalf("disabled timers delivered events: %v", rec.kinds())
	}
	if sess, idle := s.Deadlines(); !sess.IsZero() || !idle.IsZero() {
		t.Fatal("disabled timers should have zero deadlines")
	}
}

func TestIdleWarningPrecedesExpiry(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{
		IdleDuration:         100 * time.Millisecond,
		AdvanceNoticePercent: 50,
	}, rec.record)
	s.Start()
	defer s.Stop()

	waitFor(t, s.IdleExpired, time.Second)
	kinds := rec.kinds()
	if len(kinds) != 2 || kinds[0] != KindIdleWarning || kinds[1] != KindIdleExpiry {
		t.Fatalf("expected warning then expiry, got %v", kinds)
	}

	rec.mu.Lock()
	warn := rec.events[0]
	rec.mu.Unlock()
	if warn.Remaining <= 0 || warn.Remaining > 100*time.Millisecond {
		t.Fatalf("warning remaining out of range: %v", warn.Remaining)
	}
}

func TestResetIdleDefersExpiry(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{IdleDuration: 80 * time.Millisecond}, rec.record)
	s.Start()
	defer s.Stop()

	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		if !s.ResetIdle() {
			t.Fatalf("reset %d rejected while idle timer healthy", i)
		}
	}
	if s.IdleExpired() {
		t.Fatal("idle expired despite activity resets")
	}

	waitFor(t, s.IdleExpired, time.Second)
	if s.ResetIdle() {
		t.Fatal("reset after idle expiry must be rejected")
	}
}

func TestIdleExpiryCancelsSessionTimerWhenConfigured(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{
		SessionDuration:     150 * time.Millisecond,
		IdleDuration:        40 * time.Millisecond,
		CancelSessionOnIdle: true,
	}, rec.record)
	s.Start()
	defer s.Stop()

	waitFor(t, s.IdleExpired, time.Second)
	time.Sleep(200 * time.Millisecond)

	if s.SessionExpired() {
		t.Fatal("session timer fired after idle expiry canceled it")
	}
	for _, k := range rec.kinds() {
		if k == KindSessionExpiry {
			t.Fatal("session expiry event delivered after cancellation")
		}
	}
}

func TestSessionExpiryIndependentOfIdleResets(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{
		SessionDuration: 90 * time.Millisecond,
		IdleDuration:    60 * time.Millisecond,
	}, rec.record)
	s.Start()
	defer s.Stop()

	time.Sleep(40 * time.Millisecond)
	s.ResetIdle()

	waitFor(t, s.SessionExpired, time.Second)
}

func TestStopIsIdempotentAndSilences(t *testing.T) {
	rec := &eventRecorder{}
	s := New(Config{IdleDuration: 30 * time.Millisecond}, rec.record)
	s.Start()
	s.Stop()
	s.Stop()

	time.Sleep(60 * time.Millisecond)
	if s.IdleExpired() {
		t.Fatal("stopped scheduler reported idle expiry")
	}
	if len(rec.kinds()) != 0 {
		t.Fatalf("stopped scheduler delivered events: %v", rec.kinds())
	}
}
