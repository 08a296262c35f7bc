package idmflow

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/idmflow/idmflow/password"
)

// Config describes one identity-provider configuration. An Engine is
// built from a validated Config and treats it as immutable afterwards.
type Config struct {
	Scheme       Scheme
	Connectivity ConnectivityMode

	// StorageKey namespaces everything this configuration persists:
	// sessions, offline verifiers, failure counters, preferences.
	// Typically derived from login URL + username by the host.
	StorageKey string

	// MaxLoginAttempts bounds the recoverable-failure retry cycle per
	// credential key.
	MaxLoginAttempts int

	// OfflineAllowed enables the local fallback flow and verifier
	// persistence on online success.
	OfflineAllowed bool

	// AutoLogin replays remembered credentials without raising a
	// challenge when the stored preference opted in.
	AutoLogin bool
	// RememberUsername and RememberCredentials enable the corresponding
	// persisted UI preferences.
	RememberUsername    bool
	RememberCredentials bool

	Timeout   TimeoutConfig
	Basic     BasicConfig
	OAuth     OAuthConfig
	Federated FederatedConfig
	CBA       CBAConfig
	Crypto    password.Config
	Audit     AuditConfig
	Metrics   MetricsConfig
}

/*
====================================
TIMEOUT CONFIG
====================================
*/

// TimeoutConfig sets the session lifetime timers. Zero durations
// disable the corresponding timer.
type TimeoutConfig struct {
	SessionDuration      time.Duration
	IdleDuration         time.Duration
	AdvanceNoticePercent int
}

/*
====================================
BASIC CONFIG
====================================
*/

// BasicConfig drives the HTTP Basic flow.
type BasicConfig struct {
	LoginURL  string
	LogoutURL string

	// RequiredCookies must all be present after a successful login
	// round-trip for the attempt to count as authenticated.
	RequiredCookies []string

	// CustomHeaders are sent with every login request;
	// SendCustomHeadersInLogout extends them to the logout call.
	CustomHeaders             map[string]string
	SendCustomHeadersInLogout bool

	// CollectIdentityDomain adds the identity domain field to the
	// username/password challenge.
	CollectIdentityDomain bool
}

/*
====================================
OAUTH / OPENID CONFIG
====================================
*/

// OAuthConfig drives every OAuth2 grant and, with DiscoveryURL set, the
// OpenID Connect flow.
type OAuthConfig struct {
	Grant GrantType

	TokenEndpoint         string
	AuthorizationEndpoint string
	RedirectURI           string
	LogoutURL             string

	ClientID     string
	ClientSecret string
	Scopes       []string

	// UseExternalBrowser raises the external-browser challenge for the
	// authorization-code grant instead of the embedded-view one.
	UseExternalBrowser bool

	// EnableClientRegistration inserts the dynamic client registration
	// flow before the grant; RegistrationEndpoint receives the request.
	EnableClientRegistration bool
	RegistrationEndpoint     string

	// PreAuthzEndpoint enables the proprietary two-legged variant when
	// Grant is GrantTwoLegged: client-credentials pre-authorization
	// followed by the user-bound client-assertion exchange at
	// TokenEndpoint.
	PreAuthzEndpoint string

	// DiscoveryURL is the OpenID Connect discovery document. Required for
	// SchemeOpenIDConnect; endpoints found in the document override the
	// statically configured ones.
	DiscoveryURL string

	// ClockSkew is tolerated when checking id_token and access token
	// timestamps.
	ClockSkew time.Duration
}

/*
====================================
FEDERATED CONFIG
====================================
*/

// FederatedConfig drives browser-based federated SSO.
type FederatedConfig struct {
	LoginURL        string
	LoginSuccessURL string
	LoginFailureURL string

	LogoutURL        string
	LogoutSuccessURL string

	// ParseTokenRelayResponse extracts a JSON token relay payload from
	// the success page instead of relying on cookies alone.
	ParseTokenRelayResponse bool
}

/*
====================================
CBA CONFIG
====================================
*/

// CBAConfig drives the client-certificate (mutual TLS) flow.
type CBAConfig struct {
	LoginURL  string
	LogoutURL string
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async lifecycle event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the emitter when the
	// buffer is full; drops are counted.
	DropIfFull bool
}

// MetricsConfig toggles the in-process metrics registry.
type MetricsConfig struct {
	Enabled bool
	// EnableLatencyHistograms adds the validity-check latency histogram
	// on top of the plain counters.
	EnableLatencyHistograms bool
}

func defaultConfig() Config {
	return Config{
		Scheme:           SchemeBasic,
		Connectivity:     ConnectivityOnline,
		MaxLoginAttempts: 3,
		Timeout: TimeoutConfig{
			AdvanceNoticePercent: 0,
		},
		OAuth: OAuthConfig{
			ClockSkew: time.Minute,
		},
		Crypto: password.DefaultConfig(),
		Audit: AuditConfig{
			BufferSize: 64,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	if cfg.Basic.RequiredCookies != nil {
		out.Basic.RequiredCookies = append([]string(nil), cfg.Basic.RequiredCookies...)
	}
	if cfg.Basic.CustomHeaders != nil {
		out.Basic.CustomHeaders = make(map[string]string, len(cfg.Basic.CustomHeaders))
		for k, v := range cfg.Basic.CustomHeaders {
			out.Basic.CustomHeaders[k] = v
		}
	}
	if cfg.OAuth.Scopes != nil {
		out.OAuth.Scopes = append([]string(nil), cfg.OAuth.Scopes...)
	}
	return out
}

// Validate checks the configuration for the selected scheme. It is run
// once by Builder.Build.
func (c *Config) Validate() error {
	if c.StorageKey == "" {
		return errors.New("storage key required")
	}
	if c.MaxLoginAttempts < 1 {
		return errors.New("max login attempts must be at least 1")
	}
	if p := c.Timeout.AdvanceNoticePercent; p < 0 || p >= 100 {
		return errors.New("advance notice percent must be in [0, 100)")
	}
	if c.Timeout.SessionDuration < 0 || c.Timeout.IdleDuration < 0 {
		return errors.New("timeout durations must not be negative")
	}

	switch c.Scheme {
	case SchemeBasic:
		return requireURLs(map[string]string{"basic login url": c.Basic.LoginURL})
	case SchemeFederated:
		return requireURLs(map[string]string{
			"federated login url":         c.Federated.LoginURL,
			"federated login success url": c.Federated.LoginSuccessURL,
		})
	case SchemeCBA:
		return requireURLs(map[string]string{"cba login url": c.CBA.LoginURL})
	case SchemeOAuth2:
		return c.validateOAuth()
	case SchemeOpenIDConnect:
		if c.OAuth.DiscoveryURL == "" {
			return errors.New("openid connect requires a discovery url")
		}
		return requireURLs(map[string]string{"discovery url": c.OAuth.DiscoveryURL})
	default:
		return fmt.Errorf("unknown scheme %d", c.Scheme)
	}
}

func (c *Config) validateOAuth() error {
	urls := map[string]string{"token endpoint": c.OAuth.TokenEndpoint}
	switch c.OAuth.Grant {
	case GrantAuthorizationCode:
		urls["authorization endpoint"] = c.OAuth.AuthorizationEndpoint
		urls["redirect uri"] = c.OAuth.RedirectURI
	case GrantTwoLegged:
		urls["pre-authorization endpoint"] = c.OAuth.PreAuthzEndpoint
	}
	if c.OAuth.EnableClientRegistration {
		urls["registration endpoint"] = c.OAuth.RegistrationEndpoint
	}
	if err := requireURLs(urls); err != nil {
		return err
	}
	if c.OAuth.ClientID == "" && !c.OAuth.EnableClientRegistration && c.OAuth.Grant != GrantTwoLegged {
		return errors.New("oauth client id required")
	}
	return nil
}

func requireURLs(urls map[string]string) error {
	for name, raw := range urls {
		if raw == "" {
			return fmt.Errorf("%s required", name)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s is not an absolute url: %q", name, raw)
		}
	}
	return nil
}
