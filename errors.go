package idmflow

import (
	"errors"
	"fmt"

	"github.com/idmflow/idmflow/challenge"
)

var (
	// ErrInvalidCredentials is reported when the provider rejected the
	// supplied username/password (or the offline verifier mismatched).
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMaxRetriesReached ends an attempt after the configured number of
	// recoverable failures for the same credential key.
	ErrMaxRetriesReached = errors.New("maximum login attempts reached")
	// ErrUserCanceled marks a user-initiated cancellation. Never silently
	// dropped: it reaches OnAuthenticationCompleted.
	ErrUserCanceled = errors.New("authentication canceled by user")
	// ErrAuthenticationInProgress rejects a Start while another attempt is
	// running for the same engine.
	ErrAuthenticationInProgress = errors.New("authentication already in progress")
	// ErrNoSession is returned by session operations when nothing is
	// authenticated.
	ErrNoSession = errors.New("no authenticated session")
	// ErrEngineClosed rejects operations on a closed engine.
	ErrEngineClosed = errors.New("engine closed")
	// ErrServerUnreachable wraps transport-level failures.
	ErrServerUnreachable = errors.New("authentication server unreachable")
	// ErrUntrustedCertificate reports a TLS trust failure the host may
	// override through a challenge.
	ErrUntrustedCertificate = errors.New("untrusted server certificate")
	// ErrClientCertRequired reports a mutual-TLS handshake that needs a
	// host-selected client certificate.
	ErrClientCertRequired = errors.New("client certificate required")
	// ErrInvalidRedirect reports a redirect outside the expected set.
	ErrInvalidRedirect = errors.New("invalid redirect encountered")
	// ErrLogoutInProgress rejects concurrent logout walks.
	ErrLogoutInProgress = errors.New("logout already in progress")
	// ErrOfflineCredentialMissing means offline validation found no stored
	// verifier for the user.
	ErrOfflineCredentialMissing = errors.New("no offline credential stored")
	// ErrTokenEndpoint wraps an OAuth2 token endpoint error response.
	ErrTokenEndpoint = errors.New("token endpoint error")
	// ErrClientRegistration wraps a dynamic client registration failure.
	ErrClientRegistration = errors.New("client registration failed")
	// ErrDiscovery wraps an OpenID Connect discovery failure.
	ErrDiscovery = errors.New("openid discovery failed")
	// ErrIDTokenInvalid reports an id_token that failed verification.
	ErrIDTokenInvalid = errors.New("invalid id token")
)

// ErrorKind classifies a flow failure for the orchestrator's retry
// policy. Flows only classify; the orchestrator decides what happens.
type ErrorKind uint8

const (
	// KindInputValidation marks missing or malformed challenge fields.
	// Local, never sent to the network, never consumes a retry.
	KindInputValidation ErrorKind = iota
	// KindRecoverable marks failures eligible for the retry-then-
	// re-challenge cycle (invalid credentials, allow-listed provider
	// error codes).
	KindRecoverable
	// KindExternalInputRequired is not a failure: the flow needs a new
	// challenge answered (untrusted cert, client cert, redirect
	// confirmation) before the same step can rerun.
	KindExternalInputRequired
	// KindFatal surfaces immediately with no retry.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindInputValidation:
		return "input_validation"
	case KindRecoverable:
		return "recoverable"
	case KindExternalInputRequired:
		return "external_input_required"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AuthError is a classified flow failure. Reason is set for
// KindExternalInputRequired and names the challenge that must be raised.
type AuthError struct {
	Kind   ErrorKind
	Reason challenge.Reason
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func validationErr(err error) *AuthError {
	return &AuthError{Kind: KindInputValidation, Err: err}
}

func recoverableErr(err error) *AuthError {
	return &AuthError{Kind: KindRecoverable, Err: err}
}

func fatalErr(err error) *AuthError {
	return &AuthError{Kind: KindFatal, Err: err}
}

func inputRequiredErr(reason challenge.Reason, err error) *AuthError {
	return &AuthError{Kind: KindExternalInputRequired, Reason: reason, Err: err}
}

// classify maps any error a flow returned to its AuthError; errors that
// were not classified at the source are fatal.
func classify(err error) *AuthError {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return fatalErr(err)
}

// recoverableOAuthCodes is the fixed allow-list of provider error codes
// the retry cycle applies to. Anything else is fatal.
var recoverableOAuthCodes = map[string]struct{}{
	"invalid_grant":         {},
	"invalid_client":        {},
	"authorization_pending": {},
}
