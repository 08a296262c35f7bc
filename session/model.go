package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/idmflow/idmflow/token"
)

// Status is the authentication state machine position of a session.
type Status uint8

const (
	// StatusInProgress is the initial state of every attempt.
	StatusInProgress Status = iota
	// StatusInitialValidationDone means the offline flow validated or
	// declined the attempt and the scheme's main flow runs next.
	StatusInitialValidationDone
	// StatusCollectOfflineCredentials routes the attempt back to the
	// offline flow to gather local credentials.
	StatusCollectOfflineCredentials
	// StatusOAuthPreAuthzDone means the two-legged pre-authorization code
	// was obtained and dynamic client registration runs next.
	StatusOAuthPreAuthzDone
	// StatusOAuthDycrInProgress and StatusOAuthDycrDone track the dynamic
	// client registration exchange of the two-legged flow.
	StatusOAuthDycrInProgress
	StatusOAuthDycrDone
	// StatusOAuthClientRegInProgress and StatusOAuthClientRegDone track
	// standard OAuth2 dynamic client registration.
	StatusOAuthClientRegInProgress
	StatusOAuthClientRegDone
	// StatusOpenIDClientRegInProgress and StatusOpenIDClientRegDone track
	// OpenID Connect client registration.
	StatusOpenIDClientRegInProgress
	StatusOpenIDClientRegDone

	// Terminal states. Once one of these is set the entity is final for
	// the attempt; a new attempt builds a new entity.
	StatusSuccess
	StatusFailure
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in_progress"
	case StatusInitialValidationDone:
		return "initial_validation_done"
	case StatusCollectOfflineCredentials:
		return "collect_offline_credentials"
	case StatusOAuthPreAuthzDone:
		return "oauth_pre_authz_done"
	case StatusOAuthDycrInProgress:
		return "oauth_dycr_in_progress"
	case StatusOAuthDycrDone:
		return "oauth_dycr_done"
	case StatusOAuthClientRegInProgress:
		return "oauth_client_reg_in_progress"
	case StatusOAuthClientRegDone:
		return "oauth_client_reg_done"
	case StatusOpenIDClientRegInProgress:
		return "openid_client_reg_in_progress"
	case StatusOpenIDClientRegDone:
		return "openid_client_reg_done"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status ends the attempt.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCanceled
}

// Provider identifies which protocol produced a session.
type Provider uint8

const (
	ProviderNone Provider = iota
	ProviderBasic
	ProviderOAuth2
	ProviderOffline
	ProviderFederated
	ProviderCBA
	ProviderOpenIDConnect
)

func (p Provider) String() string {
	switch p {
	case ProviderBasic:
		return "basic"
	case ProviderOAuth2:
		return "oauth2"
	case ProviderOffline:
		return "offline"
	case ProviderFederated:
		return "federated"
	case ProviderCBA:
		return "cba"
	case ProviderOpenIDConnect:
		return "openid_connect"
	default:
		return "none"
	}
}

// ParseProvider maps a persisted provider string back to its value.
func ParseProvider(s string) Provider {
	switch s {
	case "basic":
		return ProviderBasic
	case "oauth2":
		return ProviderOAuth2
	case "offline":
		return ProviderOffline
	case "federated":
		return ProviderFederated
	case "cba":
		return ProviderCBA
	case "openid_connect":
		return ProviderOpenIDConnect
	default:
		return ProviderNone
	}
}

// Cookie is a named HTTP token captured from the visited URL set during
// a Basic or Federated login. The cookie jar itself lives with the host;
// the session only records what must be cleared on logout and what the
// persisted session restores.
type Cookie struct {
	Name     string
	Value    string
	URL      string
	Domain   string
	Path     string
	Expiry   time.Time
	HTTPOnly bool
	Secure   bool
}

// Session is the mutable record one authentication attempt accumulates:
// protocol results, status, expiries and identity. After a terminal
// status is set the entity is reported and no flow mutates it again.
type Session struct {
	ID         string
	StorageKey string

	Username       string
	IdentityDomain string

	status   Status
	provider Provider

	// Tokens is the ordered OAuth/OIDC token list; multiple scope sets
	// may be held concurrently.
	Tokens []token.Token

	// Cookies holds the named cookies of Basic/Federated sessions.
	Cookies []Cookie

	// InputParams is the transient bag of in-flight challenge answers and
	// one-shot error context. Cleared on success, pruned on failure.
	InputParams map[string]any

	SessionDuration time.Duration
	IdleDuration    time.Duration
	SessionExpiry   time.Time
	IdleExpiry      time.Time
}

// New returns a fresh in-progress session bound to a storage key.
func New(storageKey string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		StorageKey:  storageKey,
		status:      StatusInProgress,
		InputParams: make(map[string]any),
	}
}

// Status returns the current state machine position.
func (s *Session) Status() Status {
	return s.status
}

// SetStatus advances the state machine. Transitions out of a terminal
// status are rejected: a finished attempt stays finished.
func (s *Session) SetStatus(next Status) bool {
	if s.status.Terminal() {
		return false
	}
	s.status = next
	return true
}

// Provider returns the protocol that produced this session.
func (s *Session) Provider() Provider {
	return s.provider
}

// SetProvider records the producing protocol. The first value sticks;
// later calls with a different provider are ignored.
func (s *Session) SetProvider(p Provider) {
	if s.provider == ProviderNone {
		s.provider = p
	}
}

// Param returns a string input parameter, or "" when absent or not a
// string.
func (s *Session) Param(key string) string {
	v, _ := s.InputParams[key].(string)
	return v
}

// SetParam stores an input parameter, allocating the bag when needed.
func (s *Session) SetParam(key string, value any) {
	if s.InputParams == nil {
		s.InputParams = make(map[string]any)
	}
	s.InputParams[key] = value
}

// ClearTransient drops the in-flight input bag. Called once the attempt
// reaches a terminal status so credentials never outlive the exchange.
func (s *Session) ClearTransient() {
	s.InputParams = nil
}

// PruneParam removes a single input parameter.
func (s *Session) PruneParam(key string) {
	delete(s.InputParams, key)
}

// Expired reports whether the absolute session lifetime has elapsed.
// A zero SessionDuration disables the check entirely.
func (s *Session) Expired(now time.Time) bool {
	if s.SessionDuration <= 0 || s.SessionExpiry.IsZero() {
		return false
	}
	return !now.Before(s.SessionExpiry)
}

// IdleExpired reports whether the idle deadline has elapsed. A zero
// IdleDuration disables the check.
func (s *Session) IdleExpired(now time.Time) bool {
	if s.IdleDuration <= 0 || s.IdleExpiry.IsZero() {
		return false
	}
	return !now.Before(s.IdleExpiry)
}

// StampExpiries sets both deadlines from now and the configured
// durations. Disabled durations leave a zero deadline.
func (s *Session) StampExpiries(now time.Time) {
	if s.SessionDuration > 0 {
		s.SessionExpiry = now.Add(s.SessionDuration)
	} else {
		s.SessionExpiry = time.Time{}
	}
	if s.IdleDuration > 0 {
		s.IdleExpiry = now.Add(s.IdleDuration)
	} else {
		s.IdleExpiry = time.Time{}
	}
}

// RefreshTokens returns the tokens that carry a refresh value.
func (s *Session) RefreshTokens() []token.Token {
	var out []token.Token
	for _, t := range s.Tokens {
		if t.HasRefresh() {
			out = append(out, t.Clone())
		}
	}
	return out
}

// CarryRefreshFrom copies the refresh-bearing tokens of a prior session
// into a new attempt so a refresh grant can be tried before prompting
// the user again.
func (s *Session) CarryRefreshFrom(prev *Session) {
	if prev == nil {
		return
	}
	for _, t := range prev.RefreshTokens() {
		s.Tokens = append(s.Tokens, t)
	}
}

// Invalidate clears all credential material: tokens, cookies and the
// transient input bag. Used on logout and session invalidation.
func (s *Session) Invalidate() {
	s.Tokens = nil
	s.Cookies = nil
	s.InputParams = nil
	s.SessionExpiry = time.Time{}
	s.IdleExpiry = time.Time{}
}
