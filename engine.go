package idmflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/timeout"
)

// Engine orchestrates authentication attempts for one configuration:
// it runs the protocol arms the policy selects, suspends on challenges,
// applies the retry budget, and owns the authenticated session and its
// timers. One attempt is in flight at a time; a second Start is
// rejected until the first reports through the delegate.
type Engine struct {
	cfg      Config
	env      *flowEnv
	delegate Delegate
	creds    CredentialStore
	store    *session.Store
	audit    *auditDispatcher
	metrics  *Metrics
	log      *slog.Logger

	mu      sync.Mutex
	closed  bool
	attempt *attempt
	sess    *session.Session
	sched   *timeout.Scheduler
	logout  bool
}

// attempt is one in-flight authentication run. The worker goroutine is
// the only writer of its session until the attempt finishes.
type attempt struct {
	sess   *session.Session
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *challenge.Handle
}

func (a *attempt) setPending(h *challenge.Handle) {
	a.mu.Lock()
	a.pending = h
	a.mu.Unlock()
}

func (a *attempt) cancelPending() {
	a.mu.Lock()
	h := a.pending
	a.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
}

/*
====================================
LIFECYCLE
====================================
*/

// Start begins an asynchronous authentication attempt. The outcome,
// including every intermediate challenge, is reported through the
// delegate. Start fails fast when the engine is closed or an attempt is
// already running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.attempt != nil {
		e.mu.Unlock()
		return ErrAuthenticationInProgress
	}

	sess := session.New(e.cfg.StorageKey)
	if e.cfg.Scheme == SchemeOAuth2 || e.cfg.Scheme == SchemeOpenIDConnect {
		if prev := e.sess; prev != nil {
			sess.CarryRefreshFrom(prev)
		} else if cached, err := e.store.Load(ctx, e.cfg.StorageKey); err == nil {
			sess.CarryRefreshFrom(cached)
		}
	}
	if prefs, ok := loadPrefs(ctx, e.creds, &e.cfg); ok {
		preseedInput(sess, &e.cfg, prefs)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &attempt{sess: sess, ctx: runCtx, cancel: cancel}
	e.attempt = a
	e.mu.Unlock()

	e.emitAudit(AuditEvent{EventType: AuditAuthStarted, SessionID: sess.ID})
	go e.runAttempt(a)
	return nil
}

// Cancel aborts the in-flight attempt: every arm in the scheme's
// cancel walk (offline first) gets its cancel hook, any suspended
// challenge resolves as canceled, and the worker context is cut. Safe
// to call repeatedly and when nothing is running.
func (e *Engine) Cancel() {
	e.mu.Lock()
	a := e.attempt
	e.mu.Unlock()
	if a == nil {
		return
	}
	for _, kind := range cancelOrder(&e.cfg) {
		if f := e.env.newFlow(kind); f != nil {
			f.cancel()
		}
	}
	a.cancelPending()
	a.cancel()
}

// Close cancels any in-flight attempt, stops timers and shuts the audit
// dispatcher down. The engine rejects further operations.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.Cancel()
	e.mu.Lock()
	e.closed = true
	sched := e.sched
	e.sched = nil
	e.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
	e.audit.Close()
}

/*
====================================
ATTEMPT LOOP
====================================
*/

func (e *Engine) runAttempt(a *attempt) {
	sess := a.sess
	kind := initialFlow(&e.cfg)

	for kind != flowNone {
		f := e.env.newFlow(kind)
		if f == nil {
			e.finishAttempt(a, fatalErr(fmt.Errorf("no flow for scheme %s", e.cfg.Scheme)))
			return
		}
		if f.needsInput(sess) {
			if err := e.collectInput(a, f, f.challengeFor(sess)); err != nil {
				e.finishAttempt(a, err)
				return
			}
		}

		before := sess.Status()
		err := f.authenticate(a.ctx, sess)
		if err != nil {
			next, ferr := e.handleFlowError(a, f, classify(err))
			if ferr != nil {
				e.finishAttempt(a, ferr)
				return
			}
			kind = next
			continue
		}
		sess.PruneParam(challenge.FieldError)

		status := sess.Status()
		if status == session.StatusSuccess {
			e.completeSuccess(a)
			return
		}
		next := nextFlow(&e.cfg, status, kind)
		if next == kind && status == before && !f.needsInput(sess) {
			// The arm neither advanced nor asked for anything: the
			// offline no-credential short-circuit. End the attempt
			// without a terminal session.
			e.finishAttempt(a, fatalErr(ErrOfflineCredentialMissing))
			return
		}
		kind = next
	}

	e.finishAttempt(a, fatalErr(fmt.Errorf("policy yielded no flow for scheme %s", e.cfg.Scheme)))
}

// handleFlowError applies the retry policy to a classified failure and
// returns the arm to run next, or a terminal error.
func (e *Engine) handleFlowError(a *attempt, f flow, ae *AuthError) (flowKind, error) {
	sess := a.sess
	switch ae.Kind {
	case KindInputValidation:
		// Local input problem: re-raise with the error attached, no
		// retry consumed.
		sess.SetParam(challenge.FieldError, ae.Err.Error())
		sess.PruneParam(challenge.FieldPassword)
		return f.kind(), nil

	case KindExternalInputRequired:
		// Not a failure: a side question (certificate trust, client
		// certificate, redirect confirmation) must be answered, then
		// the same step reruns.
		ch := challenge.Challenge{
			Reason: ae.Reason,
			Fields: map[string]any{challenge.FieldError: ae.Err.Error()},
		}
		if err := e.collectInput(a, f, ch); err != nil {
			return flowNone, err
		}
		return f.kind(), nil

	case KindRecoverable:
		count, err := e.creds.IncrCounter(a.ctx, failureCounterKey(&e.cfg))
		if err != nil {
			return flowNone, fatalErr(err)
		}
		e.metrics.Inc(MetricRetryConsumed)
		e.emitAudit(AuditEvent{
			EventType: AuditRetryConsumed,
			SessionID: sess.ID,
			Error:     ae.Err.Error(),
			Metadata:  map[string]string{"attempt": fmt.Sprint(count)},
		})
		if count >= e.cfg.MaxLoginAttempts {
			if rerr := e.creds.ResetCounter(a.ctx, failureCounterKey(&e.cfg)); rerr != nil {
				e.log.Warn("failure counter reset failed", "err", rerr)
			}
			e.metrics.Inc(MetricMaxRetriesReached)
			return flowNone, fatalErr(fmt.Errorf("%w: %v", ErrMaxRetriesReached, ae.Err))
		}
		sess.SetParam(challenge.FieldError, ae.Err.Error())
		sess.PruneParam(challenge.FieldPassword)
		sess.PruneParam(challenge.FieldRedirectResponse)
		return f.kind(), nil

	default:
		return flowNone, ae
	}
}

// collectInput raises ch, blocks until the host resolves it, validates
// the submission and merges it into the session input bag. Validation
// failures re-raise the same challenge with the error attached; only
// cancellation or a host-side failure ends the cycle.
func (e *Engine) collectInput(a *attempt, f flow, ch challenge.Challenge) error {
	for {
		input, err := e.deliverChallenge(a, ch)
		if err != nil {
			return err
		}
		if verr := f.validateInput(input); verr != nil {
			ae := classify(verr)
			if ch.Fields == nil {
				ch.Fields = map[string]any{}
			}
			ch.Fields[challenge.FieldError] = ae.Err.Error()
			continue
		}
		for k, v := range input {
			a.sess.SetParam(k, v)
		}
		return nil
	}
}

// deliverChallenge hands ch to the delegate and blocks until exactly
// one resolution arrives or the attempt is canceled.
func (e *Engine) deliverChallenge(a *attempt, ch challenge.Challenge) (map[string]any, error) {
	resolved := make(chan challenge.Resolution, 1)
	h := challenge.NewHandle(func(r challenge.Resolution) { resolved <- r })
	a.setPending(h)

	e.metrics.Inc(MetricChallengeRaised)
	e.emitAudit(AuditEvent{
		EventType: AuditChallengeRaised,
		SessionID: a.sess.ID,
		Metadata:  map[string]string{"reason": ch.Reason.String()},
	})
	e.delegate.OnChallenge(&PendingChallenge{Challenge: ch, handle: h})

	select {
	case r := <-resolved:
		a.setPending(nil)
		switch {
		case r.Canceled:
			return nil, fatalErr(ErrUserCanceled)
		case r.Err != nil:
			return nil, fatalErr(r.Err)
		default:
			return r.Input, nil
		}
	case <-a.ctx.Done():
		h.Cancel()
		a.setPending(nil)
		return nil, fatalErr(ErrUserCanceled)
	}
}

/*
====================================
TERMINAL PATHS
====================================
*/

func (e *Engine) completeSuccess(a *attempt) {
	sess := a.sess
	ctx := context.WithoutCancel(a.ctx)

	if err := e.creds.ResetCounter(ctx, failureCounterKey(&e.cfg)); err != nil {
		e.log.Warn("failure counter reset failed", "err", err)
	}
	if e.cfg.OfflineAllowed && sess.Provider() != session.ProviderOffline {
		off := &offlineFlow{env: e.env}
		if err := off.persistVerifier(ctx, sess); err != nil {
			e.log.Warn("offline verifier persistence failed", "err", err)
		}
	}
	if e.cfg.AutoLogin || e.cfg.RememberUsername || e.cfg.RememberCredentials {
		if err := savePrefs(ctx, e.creds, &e.cfg, prefsFromInput(sess, &e.cfg)); err != nil {
			e.log.Warn("preference persistence failed", "err", err)
		}
	}

	sess.ClearTransient()
	if err := e.store.Save(ctx, sess); err != nil {
		e.log.Warn("session persistence failed", "err", err)
	} else {
		e.emitAudit(AuditEvent{EventType: AuditSessionPersisted, SessionID: sess.ID, Success: true})
	}

	e.mu.Lock()
	e.attempt = nil
	e.sess = sess
	e.startTimersLocked(sess)
	e.mu.Unlock()

	if sess.Provider() == session.ProviderOffline {
		e.metrics.Inc(MetricOfflineAuthSuccess)
	}
	e.metrics.Inc(MetricAuthSuccess)
	e.emitAudit(AuditEvent{
		EventType: AuditAuthSucceeded,
		SessionID: sess.ID,
		Username:  sess.Username,
		Provider:  sess.Provider().String(),
		Success:   true,
	})
	e.log.Info("authentication succeeded", "provider", sess.Provider().String(), "session", sess.ID)
	e.delegate.OnAuthenticationCompleted(sess, nil)
}

func (e *Engine) finishAttempt(a *attempt, err error) {
	sess := a.sess
	ae := classify(err)
	canceled := errors.Is(ae.Err, ErrUserCanceled)
	if canceled {
		sess.SetStatus(session.StatusCanceled)
		e.metrics.Inc(MetricAuthCanceled)
	} else {
		sess.SetStatus(session.StatusFailure)
		e.metrics.Inc(MetricAuthFailure)
	}
	sess.Invalidate()

	e.mu.Lock()
	e.attempt = nil
	e.mu.Unlock()

	event := AuditAuthFailed
	if canceled {
		event = AuditAuthCanceled
	}
	e.emitAudit(AuditEvent{EventType: event, SessionID: sess.ID, Error: ae.Err.Error()})
	e.log.Info("authentication ended", "err", ae.Err, "kind", ae.Kind.String())
	e.delegate.OnAuthenticationCompleted(nil, ae.Err)
}

/*
====================================
SESSION OPERATIONS
====================================
*/

// Session returns the currently authenticated session, or nil.
func (e *Engine) Session() *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

// RestoreSession loads the persisted session for this configuration and
// adopts it as the current one, restarting its timers.
func (e *Engine) RestoreSession(ctx context.Context) (*session.Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	sess, err := e.store.Load(ctx, e.cfg.StorageKey)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if sess.Expired(now) || sess.IdleExpired(now) {
		if derr := e.store.Delete(ctx, e.cfg.StorageKey); derr != nil {
			e.log.Warn("expired session cleanup failed", "err", derr)
		}
		return nil, session.ErrNotFound
	}

	e.mu.Lock()
	e.sess = sess
	e.startTimersLocked(sess)
	e.mu.Unlock()

	e.metrics.Inc(MetricSessionRestored)
	e.emitAudit(AuditEvent{EventType: AuditSessionRestored, SessionID: sess.ID, Username: sess.Username, Success: true})
	return sess, nil
}

// IsValid reports whether the current session still authenticates the
// user. online permits token refresh round-trips; with online false the
// check never touches the network or mutates the session.
func (e *Engine) IsValid(ctx context.Context, online bool) (bool, error) {
	start := time.Now()
	defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return false, ErrNoSession
	}

	for _, kind := range flowChain(&e.cfg) {
		f := e.env.newFlow(kind)
		if f == nil {
			continue
		}
		ok, err := f.isValid(ctx, sess, online)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Logout tears the current session down: every arm the scheme touches
// clears its side state per opts, the persisted session is removed, and
// the delegate hears the outcome. Runs asynchronously.
func (e *Engine) Logout(ctx context.Context, opts LogoutOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.logout {
		e.mu.Unlock()
		return ErrLogoutInProgress
	}
	sess := e.sess
	if sess == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	e.logout = true
	sched := e.sched
	e.sched = nil
	e.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}

	go e.runLogout(context.WithoutCancel(ctx), sess, opts)
	return nil
}

func (e *Engine) runLogout(ctx context.Context, sess *session.Session, opts LogoutOptions) {
	var firstErr error
	for _, kind := range logoutOrder(&e.cfg) {
		f := e.env.newFlow(kind)
		if f == nil {
			continue
		}
		if err := f.logout(ctx, sess, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if opts.DeleteCredentials {
		if err := clearPrefs(ctx, e.creds, &e.cfg); err != nil {
			e.log.Warn("preference cleanup failed", "err", err)
		}
	}
	if err := e.store.Delete(ctx, e.cfg.StorageKey); err != nil && firstErr == nil {
		firstErr = err
	}
	sess.Invalidate()

	e.mu.Lock()
	e.sess = nil
	e.logout = false
	e.mu.Unlock()

	e.metrics.Inc(MetricLogout)
	e.emitAudit(AuditEvent{
		EventType: AuditLogoutCompleted,
		SessionID: sess.ID,
		Username:  sess.Username,
		Success:   firstErr == nil,
		Error:     errString(firstErr),
	})
	e.delegate.OnLogoutCompleted(firstErr)
}

// ResetIdleTimeout rearms the idle timer after host-observed activity.
// Reports false when the timer is disabled, already expired or stopped.
func (e *Engine) ResetIdleTimeout() bool {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return false
	}
	return sched.ResetIdle()
}

/*
====================================
TIMERS / OBSERVABILITY
====================================
*/

// startTimersLocked arms the session's timers. Caller holds e.mu.
func (e *Engine) startTimersLocked(sess *session.Session) {
	if e.sched != nil {
		e.sched.Stop()
		e.sched = nil
	}
	tc := timeout.Config{
		SessionDuration:      sess.SessionDuration,
		IdleDuration:         sess.IdleDuration,
		AdvanceNoticePercent: e.cfg.Timeout.AdvanceNoticePercent,
		CancelSessionOnIdle:  e.cfg.Scheme == SchemeFederated,
	}
	if tc.SessionDuration == 0 && tc.IdleDuration == 0 {
		return
	}
	e.sched = timeout.New(tc, func(ev timeout.Event) { e.onTimeout(sess, ev) })
	e.sched.Start()
}

func (e *Engine) onTimeout(sess *session.Session, ev timeout.Event) {
	switch ev.Kind {
	case timeout.KindSessionExpiry:
		e.metrics.Inc(MetricSessionTimeout)
		e.expireSession(sess)
	case timeout.KindIdleExpiry:
		e.metrics.Inc(MetricIdleTimeout)
		e.expireSession(sess)
	}
	e.emitAudit(AuditEvent{
		EventType: AuditTimeoutFired,
		SessionID: sess.ID,
		Metadata:  map[string]string{"kind": ev.Kind.String()},
	})
	e.delegate.OnTimeout(ev.Kind, ev.Remaining)
}

// expireSession drops a timed-out session locally. No logout URLs are
// invoked; this mirrors an implicit logout.
func (e *Engine) expireSession(sess *session.Session) {
	e.mu.Lock()
	if e.sess != sess {
		e.mu.Unlock()
		return
	}
	e.sess = nil
	e.mu.Unlock()

	sess.Invalidate()
	if err := e.store.Delete(context.Background(), e.cfg.StorageKey); err != nil {
		e.log.Warn("expired session cleanup failed", "err", err)
	}
}

// MetricsSnapshot exposes the counter registry for exporters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports events shed by the audit dispatcher.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) emitAudit(event AuditEvent) {
	if e.audit == nil {
		return
	}
	event.Timestamp = time.Now()
	e.audit.Emit(context.Background(), event)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
