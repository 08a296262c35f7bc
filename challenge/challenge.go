package challenge

import (
	"errors"
	"sync"
)

// Reason identifies what kind of external input a flow is waiting for.
type Reason uint8

const (
	// ReasonUsernamePasswordRequired asks the host to collect a username,
	// password and optional identity domain.
	ReasonUsernamePasswordRequired Reason = iota
	// ReasonEmbeddedViewRequired asks the host to render a login page in an
	// embedded user-agent view and report the final redirect.
	ReasonEmbeddedViewRequired
	// ReasonExternalBrowserRequired asks the host to open the system browser
	// at the supplied URL and deliver the captured redirect back.
	ReasonExternalBrowserRequired
	// ReasonUntrustedCertificate reports a server certificate the trust
	// store rejected; the host answers with an allow/deny decision.
	ReasonUntrustedCertificate
	// ReasonClientCertificateRequired asks the host to pick a client
	// certificate for a mutual-TLS handshake.
	ReasonClientCertificateRequired
	// ReasonInvalidRedirect reports a redirect outside the expected set;
	// the host decides whether to continue.
	ReasonInvalidRedirect
)

func (r Reason) String() string {
	switch r {
	case ReasonUsernamePasswordRequired:
		return "username_password_required"
	case ReasonEmbeddedViewRequired:
		return "embedded_view_required"
	case ReasonExternalBrowserRequired:
		return "external_browser_required"
	case ReasonUntrustedCertificate:
		return "untrusted_certificate"
	case ReasonClientCertificateRequired:
		return "client_certificate_required"
	case ReasonInvalidRedirect:
		return "invalid_redirect"
	default:
		return "unknown"
	}
}

// Field keys used in Challenge.Fields and in the input map a host submits.
const (
	FieldUsername            = "username"
	FieldPassword            = "password"
	FieldIdentityDomain      = "identity_domain"
	FieldAutoLogin           = "auto_login"
	FieldRememberUsername    = "remember_username"
	FieldRememberCredentials = "remember_credentials"
	FieldLoadURL             = "load_url"
	FieldRedirectResponse    = "redirect_response"
	FieldAllowUntrusted      = "allow_untrusted"
	FieldCertificateInfo     = "certificate_info"
	FieldError               = "error"
)

// Challenge is a typed request for external input raised by a flow. The
// host resolves it exactly once through the accompanying Handle.
type Challenge struct {
	Reason Reason

	// Fields carries challenge context for the host (URL to load,
	// remembered username, the previous attempt's error) and names the
	// keys the host is expected to fill in.
	Fields map[string]any
}

// ErrResolved is returned when a Handle is submitted or failed after it
// has already been resolved.
var ErrResolved = errors.New("challenge already resolved")

// Resolution is the single outcome of a raised challenge.
type Resolution struct {
	Input    map[string]any
	Err      error
	Canceled bool
}

// Handle is the single-use resolution side of a Challenge. Exactly one of
// Submit, Fail or Cancel takes effect; later calls are rejected (Submit,
// Fail) or ignored (Cancel). Safe for concurrent use from any goroutine.
type Handle struct {
	mu       sync.Mutex
	resolved bool
	deliver  func(Resolution)
}

// NewHandle returns a Handle that invokes deliver with the resolution.
// deliver runs on the resolving goroutine, at most once.
func NewHandle(deliver func(Resolution)) *Handle {
	return &Handle{deliver: deliver}
}

// Submit resolves the challenge with the host-collected input map.
func (h *Handle) Submit(input map[string]any) error {
	return h.resolve(Resolution{Input: input})
}

// Fail resolves the challenge with an error from the host (for example,
// the embedded view failed to load).
func (h *Handle) Fail(err error) error {
	return h.resolve(Resolution{Err: err})
}

// Cancel resolves the challenge as user-canceled. Canceling an already
// resolved challenge is a no-op.
func (h *Handle) Cancel() {
	_ = h.resolve(Resolution{Canceled: true})
}

// Resolved reports whether the challenge has been resolved.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved
}

func (h *Handle) resolve(r Resolution) error {
	h.mu.Lock()
	if h.resolved {
		h.mu.Unlock()
		return ErrResolved
	}
	h.resolved = true
	deliver := h.deliver
	h.mu.Unlock()

	if deliver != nil {
		deliver(r)
	}
	return nil
}
