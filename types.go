package idmflow

import (
	"context"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/timeout"
)

// Scheme selects the identity-provider protocol an engine authenticates
// against.
type Scheme uint8

const (
	SchemeBasic Scheme = iota
	SchemeOAuth2
	SchemeOpenIDConnect
	SchemeFederated
	SchemeCBA
)

func (s Scheme) String() string {
	switch s {
	case SchemeBasic:
		return "basic"
	case SchemeOAuth2:
		return "oauth2"
	case SchemeOpenIDConnect:
		return "openid_connect"
	case SchemeFederated:
		return "federated"
	case SchemeCBA:
		return "cba"
	default:
		return "unknown"
	}
}

// GrantType selects the OAuth2 grant an OAuth2/OpenID Connect engine
// runs.
type GrantType uint8

const (
	GrantResourceOwner GrantType = iota
	GrantAuthorizationCode
	GrantClientCredentials
	GrantRefreshToken
	// GrantTwoLegged is the proprietary pre-authorization + dynamic client
	// registration variant: a client-credentials pre-authorization step
	// followed by a user-bound client-assertion exchange.
	GrantTwoLegged
)

func (g GrantType) String() string {
	switch g {
	case GrantResourceOwner:
		return "resource_owner"
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantRefreshToken:
		return "refresh_token"
	case GrantTwoLegged:
		return "two_legged"
	default:
		return "unknown"
	}
}

// ConnectivityMode controls whether authentication goes to the network,
// stays local, or probes before deciding.
type ConnectivityMode uint8

const (
	// ConnectivityOnline always authenticates against the provider.
	ConnectivityOnline ConnectivityMode = iota
	// ConnectivityOffline validates against the local verifier only.
	ConnectivityOffline
	// ConnectivityAuto probes reachability first and falls back to offline
	// validation when the probe fails.
	ConnectivityAuto
)

// CredentialStore is the persistence collaborator: opaque blobs plus
// non-negative integer counters, keyed by strings the engine owns.
// Implementations must be safe for concurrent use. Get reports absence
// with session.ErrKVMiss.
type CredentialStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	GetCounter(ctx context.Context, key string) (int, error)
	IncrCounter(ctx context.Context, key string) (int, error)
	ResetCounter(ctx context.Context, key string) error
}

// Crypto is the hashing collaborator used for the offline credential
// verifier. The default is the argon2id implementation in the password
// package.
type Crypto interface {
	Hash(secret string) (string, error)
	Match(plain, stored string) (bool, error)
}

// PendingChallenge pairs a raised challenge with its single-use
// resolution handle. Exactly one of Submit, Fail or Cancel takes effect;
// the rest are rejected or ignored.
type PendingChallenge struct {
	Challenge challenge.Challenge
	handle    *challenge.Handle
}

// Submit resolves the challenge with host-collected input.
func (p *PendingChallenge) Submit(input map[string]any) error {
	return p.handle.Submit(input)
}

// Fail resolves the challenge with a host-side error.
func (p *PendingChallenge) Fail(err error) error {
	return p.handle.Fail(err)
}

// Cancel resolves the challenge as user-canceled. Idempotent.
func (p *PendingChallenge) Cancel() {
	p.handle.Cancel()
}

// Delegate receives the engine's outward callbacks. Callbacks are
// delivered from engine worker goroutines; implementations marshal onto
// their UI thread themselves.
type Delegate interface {
	// OnChallenge is invoked when a flow suspends for external input.
	OnChallenge(pending *PendingChallenge)
	// OnAuthenticationCompleted reports the terminal result of an attempt.
	// sess is nil when err is non-nil.
	OnAuthenticationCompleted(sess *session.Session, err error)
	// OnLogoutCompleted reports the end of a logout walk.
	OnLogoutCompleted(err error)
	// OnTimeout reports timer events for the authenticated session.
	OnTimeout(kind timeout.Kind, remaining time.Duration)
}

// NoopDelegate is a Delegate with empty methods, for embedding.
type NoopDelegate struct{}

func (NoopDelegate) OnChallenge(*PendingChallenge)                     {}
func (NoopDelegate) OnAuthenticationCompleted(*session.Session, error) {}
func (NoopDelegate) OnLogoutCompleted(error)                           {}
func (NoopDelegate) OnTimeout(timeout.Kind, time.Duration)             {}

// LogoutOptions controls how much state a logout clears.
type LogoutOptions struct {
	DeleteCredentials bool
	DeleteCookies     bool
	DeleteTokens      bool
	// ForgetDevice also drops the cached two-legged client assertion.
	ForgetDevice bool
	// Explicit marks a user-initiated logout (vs. invalidation on
	// timeout); flows skip logout-URL invocation for implicit ones.
	Explicit bool
}
