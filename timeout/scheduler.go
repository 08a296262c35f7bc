package timeout

import (
	"sync"
	"time"
)

// Kind labels a timeout notification.
type Kind uint8

const (
	// KindSessionExpiry fires when the absolute session lifetime elapses.
	KindSessionExpiry Kind = iota
	// KindIdleExpiry fires when the idle interval elapses without a reset.
	KindIdleExpiry
	// KindIdleWarning fires ahead of KindIdleExpiry when an advance-notice
	// percentage is configured, while a reset can still rescue the session.
	KindIdleWarning
)

func (k Kind) String() string {
	switch k {
	case KindSessionExpiry:
		return "session_expiry"
	case KindIdleExpiry:
		return "idle_expiry"
	case KindIdleWarning:
		return "idle_warning"
	default:
		return "unknown"
	}
}

// Event is delivered to the scheduler's notify function on the timer
// goroutine. Remaining is the time left until the related expiry (zero
// for the expiry events themselves).
type Event struct {
	Kind      Kind
	Remaining time.Duration
}

// Config controls one session's timers. A zero duration disables that
// timer entirely; it never means "already expired".
type Config struct {
	SessionDuration time.Duration
	IdleDuration    time.Duration

	// AdvanceNoticePercent is the slice of the idle interval, counted from
	// its end, at which an idle warning fires. 0 disables the warning.
	AdvanceNoticePercent int

	// CancelSessionOnIdle stops the absolute timer when idle expiry fires.
	// Used for federated sessions where both timers drive the same logout
	// URL and only one of them may act.
	CancelSessionOnIdle bool
}

// Scheduler owns the idle and absolute timers for a single session.
// Notifications run on the timer goroutine; callers marshal them to
// whatever thread observes session state.
type Scheduler struct {
	mu sync.Mutex

	cfg    Config
	notify func(Event)

	sessionTimer *time.Timer
	idleTimer    *time.Timer
	warnTimer    *time.Timer

	sessionDeadline time.Time
	idleDeadline    time.Time

	idleExpired    bool
	sessionExpired bool
	stopped        bool
}

// New returns an unstarted scheduler. notify may be nil, in which case
// expiry is still tracked but nothing is delivered.
func New(cfg Config, notify func(Event)) *Scheduler {
	return &Scheduler{cfg: cfg, notify: notify}
}

// Start arms both timers. Calling Start on a running scheduler rearms
// them from now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	now := time.Now()
	s.armSessionLocked(now)
	s.armIdleLocked(now)
}

// ResetIdle rearms the idle timer after qualifying activity. It reports
// false when the idle timer is disabled, already expired, or the
// scheduler is stopped; the absolute timer is never touched.
func (s *Scheduler) ResetIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.idleExpired || s.cfg.IdleDuration <= 0 {
		return false
	}
	s.armIdleLocked(time.Now())
	return true
}

// Stop cancels all timers. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.stopTimersLocked()
}

// IdleExpired reports whether the idle timer has fired.
func (s *Scheduler) IdleExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idleExpired
}

// SessionExpired reports whether the absolute timer has fired. A
// disabled timer never expires.
func (s *Scheduler) SessionExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionExpired
}

// Deadlines returns the current session and idle deadlines. A zero time
// means the corresponding timer is disabled.
func (s *Scheduler) Deadlines() (session, idle time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionDeadline, s.idleDeadline
}

func (s *Scheduler) armSessionLocked(now time.Time) {
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.sessionTimer = nil
	}
	if s.cfg.SessionDuration <= 0 {
		s.sessionDeadline = time.Time{}
		return
	}
	s.sessionDeadline = now.Add(s.cfg.SessionDuration)
	s.sessionTimer = time.AfterFunc(s.cfg.SessionDuration, s.onSessionExpiry)
}

func (s *Scheduler) armIdleLocked(now time.Time) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.warnTimer != nil {
		s.warnTimer.Stop()
		s.warnTimer = nil
	}
	if s.cfg.IdleDuration <= 0 {
		s.idleDeadline = time.Time{}
		return
	}
	s.idleDeadline = now.Add(s.cfg.IdleDuration)
	s.idleTimer = time.AfterFunc(s.cfg.IdleDuration, s.onIdleExpiry)

	if pct := s.cfg.AdvanceNoticePercent; pct > 0 && pct < 100 {
		notice := s.cfg.IdleDuration * time.Duration(pct) / 100
		lead := s.cfg.IdleDuration - notice
		if lead > 0 {
			remaining := notice
			s.warnTimer = time.AfterFunc(lead, func() { s.onIdleWarning(remaining) })
		}
	}
}

func (s *Scheduler) stopTimersLocked() {
	for _, t := range []*time.Timer{s.sessionTimer, s.idleTimer, s.warnTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.sessionTimer, s.idleTimer, s.warnTimer = nil, nil, nil
}

func (s *Scheduler) onSessionExpiry() {
	s.mu.Lock()
	if s.stopped || s.sessionExpired {
		s.mu.Unlock()
		return
	}
	s.sessionExpired = true
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: KindSessionExpiry})
	}
}

func (s *Scheduler) onIdleExpiry() {
	s.mu.Lock()
	if s.stopped || s.idleExpired {
		s.mu.Unlock()
		return
	}
	s.idleExpired = true
	if s.cfg.CancelSessionOnIdle && s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.sessionTimer = nil
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: KindIdleExpiry})
	}
}

func (s *Scheduler) onIdleWarning(remaining time.Duration) {
	s.mu.Lock()
	if s.stopped || s.idleExpired {
		s.mu.Unlock()
		return
	}
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify(Event{Kind: KindIdleWarning, Remaining: remaining})
	}
}
