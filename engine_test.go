package idmflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/internal/stores"
	"github.com/idmflow/idmflow/password"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/timeout"
)

/*
====================================
TEST HARNESS
====================================
*/

type fakeNet struct {
	mu     sync.Mutex
	getFn  func(url string, headers map[string]string) (*Response, error)
	postFn func(url string, headers map[string]string, body []byte) (*Response, error)
	gets   []string
	posts  []string
	bodies []string
}

func (n *fakeNet) Get(_ context.Context, url string, headers map[string]string) (*Response, error) {
	n.mu.Lock()
	n.gets = append(n.gets, url)
	fn := n.getFn
	n.mu.Unlock()
	if fn == nil {
		return &Response{Code: 404}, nil
	}
	return fn(url, headers)
}

func (n *fakeNet) Post(_ context.Context, url string, headers map[string]string, body []byte, _ string) (*Response, error) {
	n.mu.Lock()
	n.posts = append(n.posts, url)
	n.bodies = append(n.bodies, string(body))
	fn := n.postFn
	n.mu.Unlock()
	if fn == nil {
		return &Response{Code: 404}, nil
	}
	return fn(url, headers, body)
}

func (n *fakeNet) postCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.posts)
}

func (n *fakeNet) lastBody() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.bodies) == 0 {
		return ""
	}
	return n.bodies[len(n.bodies)-1]
}

type completion struct {
	sess *session.Session
	err  error
}

type recordingDelegate struct {
	NoopDelegate
	challenges chan *PendingChallenge
	completed  chan completion
	logouts    chan error
	timeouts   chan timeout.Kind
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		challenges: make(chan *PendingChallenge, 8),
		completed:  make(chan completion, 8),
		logouts:    make(chan error, 8),
		timeouts:   make(chan timeout.Kind, 8),
	}
}

func (d *recordingDelegate) OnChallenge(p *PendingChallenge) { d.challenges <- p }

func (d *recordingDelegate) OnAuthenticationCompleted(sess *session.Session, err error) {
	d.completed <- completion{sess: sess, err: err}
}

func (d *recordingDelegate) OnLogoutCompleted(err error) { d.logouts <- err }

func (d *recordingDelegate) OnTimeout(kind timeout.Kind, _ time.Duration) { d.timeouts <- kind }

func (d *recordingDelegate) waitChallenge(t *testing.T) *PendingChallenge {
	t.Helper()
	select {
	case p := <-d.challenges:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no challenge raised")
		return nil
	}
}

func (d *recordingDelegate) waitCompletion(t *testing.T) completion {
	t.Helper()
	select {
	case c := <-d.completed:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never completed")
		return completion{}
	}
}

// fastCrypto keeps argon2 cheap in tests.
func fastCrypto() password.Config {
	return password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
}

func basicTestConfig() Config {
	cfg := defaultConfig()
	cfg.StorageKey = "https://idp.example.com/login|alice"
	cfg.Basic.LoginURL = "https://idp.example.com/login"
	cfg.Basic.LogoutURL = "https://idp.example.com/logout"
	cfg.Basic.RequiredCookies = []string{"OAMAuthnCookie"}
	cfg.Crypto = fastCrypto()
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, net Network, d Delegate, creds CredentialStore) *Engine {
	t.Helper()
	b := New().WithConfig(cfg).WithTransport(net).WithDelegate(d)
	if creds != nil {
		b = b.WithCredentialStore(creds)
	}
	eng, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func submitCredentials(t *testing.T, p *PendingChallenge, user, pass string) {
	t.Helper()
	if err := p.Submit(map[string]any{
		challenge.FieldUsername: user,
		challenge.FieldPassword: pass,
	}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func basicOKResponse() *Response {
	return &Response{
		Code:    200,
		Cookies: []session.Cookie{{Name: "OAMAuthnCookie", Value: "tok", Domain: "idp.example.com"}},
	}
}

/*
====================================
BASIC SCHEME
====================================
*/

func TestBasicLoginSuccess(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return basicOKResponse(), nil
	}}
	d := newRecordingDelegate()
	creds := stores.NewMemory()
	eng := newTestEngine(t, basicTestConfig(), net, d, creds)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ch := d.waitChallenge(t)
	if ch.Challenge.Reason != challenge.ReasonUsernamePasswordRequired {
		t.Fatalf("reason = %v", ch.Challenge.Reason)
	}
	submitCredentials(t, ch, "alice", "hunter2")

	c := d.waitCompletion(t)
	if c.err != nil {
		t.Fatalf("completion error: %v", c.err)
	}
	if c.sess.Status() != session.StatusSuccess {
		t.Fatalf("status = %v", c.sess.Status())
	}
	if c.sess.Provider() != session.ProviderBasic {
		t.Fatalf("provider = %v", c.sess.Provider())
	}
	if c.sess.Username != "alice" {
		t.Fatalf("username = %q", c.sess.Username)
	}
	if len(c.sess.Cookies) != 1 || c.sess.Cookies[0].Name != "OAMAuthnCookie" {
		t.Fatalf("cookies = %+v", c.sess.Cookies)
	}
	// Transient credential material must not survive success.
	if c.sess.Param(challenge.FieldPassword) != "" {
		t.Fatal("password still in input bag")
	}

	// The session was persisted under the storage key.
	store := session.NewStore(creds)
	if _, err := store.Load(context.Background(), basicTestConfig().StorageKey); err != nil {
		t.Fatalf("persisted session missing: %v", err)
	}
}

func TestBasicLoginMissingRequiredCookieRetries(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return &Response{Code: 200}, nil
	}}
	d := newRecordingDelegate()
	cfg := basicTestConfig()
	cfg.MaxLoginAttempts = 1
	eng := newTestEngine(t, cfg, net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	submitCredentials(t, d.waitChallenge(t), "alice", "hunter2")

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrMaxRetriesReached) {
		t.Fatalf("err = %v, want ErrMaxRetriesReached", c.err)
	}
}

func TestBasicRetryCycleAndCounterReset(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return &Response{Code: 401}, nil
	}}
	d := newRecordingDelegate()
	cfg := basicTestConfig()
	cfg.MaxLoginAttempts = 2
	creds := stores.NewMemory()
	eng := newTestEngine(t, cfg, net, d, creds)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// First submission fails, a second challenge arrives carrying the
	// failure, second submission exhausts the budget.
	submitCredentials(t, d.waitChallenge(t), "alice", "wrong")

	second := d.waitChallenge(t)
	if second.Challenge.Fields[challenge.FieldError] == nil {
		t.Fatal("re-raised challenge carries no error")
	}
	submitCredentials(t, second, "alice", "wrong-again")

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrMaxRetriesReached) {
		t.Fatalf("err = %v, want ErrMaxRetriesReached", c.err)
	}
	if c.sess != nil {
		t.Fatal("failed attempt must not hand out a session")
	}

	// Counter is reset at the limit so the next attempt gets a full
	// budget.
	count, err := creds.GetCounter(context.Background(), failureCounterKey(&cfg))
	if err != nil || count != 0 {
		t.Fatalf("counter = %d err = %v, want 0", count, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("login round-trips = %d, want 2", attempts)
	}
}

func TestInputValidationDoesNotConsumeRetry(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return basicOKResponse(), nil
	}}
	d := newRecordingDelegate()
	cfg := basicTestConfig()
	cfg.MaxLoginAttempts = 1
	creds := stores.NewMemory()
	eng := newTestEngine(t, cfg, net, d, creds)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Empty username is rejected locally; the same challenge comes back
	// without touching the failure counter.
	first := d.waitChallenge(t)
	if err := first.Submit(map[string]any{challenge.FieldUsername: "", challenge.FieldPassword: "x"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	second := d.waitChallenge(t)
	if second.Challenge.Fields[challenge.FieldError] == nil {
		t.Fatal("validation error not surfaced to the host")
	}
	submitCredentials(t, second, "alice", "hunter2")

	if c := d.waitCompletion(t); c.err != nil {
		t.Fatalf("completion error: %v", c.err)
	}
	count, _ := creds.GetCounter(context.Background(), failureCounterKey(&cfg))
	if count != 0 {
		t.Fatalf("validation failure consumed a retry: counter = %d", count)
	}
}

/*
====================================
CANCELLATION
====================================
*/

func TestCancelDuringChallenge(t *testing.T) {
	net := &fakeNet{}
	d := newRecordingDelegate()
	eng := newTestEngine(t, basicTestConfig(), net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ch := d.waitChallenge(t)
	ch.Cancel()
	ch.Cancel() // second cancel is a no-op

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrUserCanceled) {
		t.Fatalf("err = %v, want ErrUserCanceled", c.err)
	}
	// Submission after resolution is rejected.
	if err := ch.Submit(map[string]any{}); !errors.Is(err, challenge.ErrResolved) {
		t.Fatalf("late submit err = %v, want ErrResolved", err)
	}
}

func TestEngineCancelResolvesPendingChallenge(t *testing.T) {
	net := &fakeNet{}
	d := newRecordingDelegate()
	eng := newTestEngine(t, basicTestConfig(), net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.waitChallenge(t)
	eng.Cancel()

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrUserCanceled) {
		t.Fatalf("err = %v, want ErrUserCanceled", c.err)
	}
	// A fresh attempt is allowed afterwards.
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("restart after cancel failed: %v", err)
	}
}

// Cancel walks every arm the scheme touches, not just the one that was
// running when the host canceled.
func TestCancelWithOfflineChain(t *testing.T) {
	cfg := basicTestConfig()
	cfg.OfflineAllowed = true
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return basicOKResponse(), nil
	}}
	d := newRecordingDelegate()
	eng := newTestEngine(t, cfg, net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.waitChallenge(t)
	eng.Cancel()
	eng.Cancel() // repeat cancel stays a no-op

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrUserCanceled) {
		t.Fatalf("err = %v, want ErrUserCanceled", c.err)
	}
}

func TestStartWhileInFlightRejected(t *testing.T) {
	net := &fakeNet{}
	d := newRecordingDelegate()
	eng := newTestEngine(t, basicTestConfig(), net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	d.waitChallenge(t)
	if err := eng.Start(context.Background()); !errors.Is(err, ErrAuthenticationInProgress) {
		t.Fatalf("err = %v, want ErrAuthenticationInProgress", err)
	}
	eng.Cancel()
	d.waitCompletion(t)
}

/*
====================================
LOGOUT / TIMERS
====================================
*/

func TestLogoutClearsSessionAndInvokesLogoutURL(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return basicOKResponse(), nil
	}}
	d := newRecordingDelegate()
	creds := stores.NewMemory()
	cfg := basicTestConfig()
	eng := newTestEngine(t, cfg, net, d, creds)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	submitCredentials(t, d.waitChallenge(t), "alice", "hunter2")
	if c := d.waitCompletion(t); c.err != nil {
		t.Fatalf("completion error: %v", c.err)
	}

	err := eng.Logout(context.Background(), LogoutOptions{
		Explicit:      true,
		DeleteCookies: true,
		DeleteTokens:  true,
	})
	if err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	select {
	case lerr := <-d.logouts:
		if lerr != nil {
			t.Fatalf("logout error: %v", lerr)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("logout never completed")
	}

	if eng.Session() != nil {
		t.Fatal("session survived logout")
	}
	net.mu.Lock()
	sawLogout := false
	for _, u := range net.gets {
		if u == cfg.Basic.LogoutURL {
			sawLogout = true
		}
	}
	net.mu.Unlock()
	if !sawLogout {
		t.Fatal("logout URL never invoked")
	}
	store := session.NewStore(creds)
	if _, err := store.Load(context.Background(), cfg.StorageKey); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("persisted session still present: %v", err)
	}
}

func TestIdleTimeoutInvalidatesSession(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return basicOKResponse(), nil
	}}
	d := newRecordingDelegate()
	cfg := basicTestConfig()
	cfg.Timeout.IdleDuration = 40 * time.Millisecond
	eng := newTestEngine(t, cfg, net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	submitCredentials(t, d.waitChallenge(t), "alice", "hunter2")
	if c := d.waitCompletion(t); c.err != nil {
		t.Fatalf("completion error: %v", c.err)
	}

	select {
	case kind := <-d.timeouts:
		if kind != timeout.KindIdleExpiry {
			t.Fatalf("kind = %v, want idle expiry", kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle timeout never fired")
	}

	deadline := time.Now().Add(2 * time.Second)
	for eng.Session() != nil {
		if time.Now().After(deadline) {
			t.Fatal("session survived idle expiry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIsValidWithoutSession(t *testing.T) {
	eng := newTestEngine(t, basicTestConfig(), &fakeNet{}, newRecordingDelegate(), nil)
	if _, err := eng.IsValid(context.Background(), false); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v, want ErrNoSession", err)
	}
}

func TestClosedEngineRejectsStart(t *testing.T) {
	eng := newTestEngine(t, basicTestConfig(), &fakeNet{}, newRecordingDelegate(), nil)
	eng.Close()
	if err := eng.Start(context.Background()); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("err = %v, want ErrEngineClosed", err)
	}
}

func TestFatalTransportErrorEndsAttempt(t *testing.T) {
	net := &fakeNet{getFn: func(string, map[string]string) (*Response, error) {
		return nil, fmt.Errorf("dial tcp: connection refused")
	}}
	d := newRecordingDelegate()
	eng := newTestEngine(t, basicTestConfig(), net, d, nil)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	submitCredentials(t, d.waitChallenge(t), "alice", "hunter2")

	c := d.waitCompletion(t)
	if !errors.Is(c.err, ErrServerUnreachable) {
		t.Fatalf("err = %v, want ErrServerUnreachable", c.err)
	}
}
