package idmflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// flow is the contract every protocol arm implements. Flows classify
// failures and mutate the session; the orchestrator owns retries,
// challenge delivery and terminal reporting.
//
// authenticate must tolerate re-invocation: the orchestrator reruns the
// same step after a recoverable failure once fresh input arrives.
type flow interface {
	kind() flowKind

	// needsInput reports whether the accumulated input bag still misses
	// this arm's minimum requirements.
	needsInput(sess *session.Session) bool

	// challengeFor builds the challenge to raise when needsInput is true.
	challengeFor(sess *session.Session) challenge.Challenge

	// validateInput checks a submitted input map before it is merged into
	// the session. Returns a KindInputValidation error on failure.
	validateInput(input map[string]any) error

	// authenticate executes the protocol step and advances the session
	// status. Errors must be classified AuthErrors.
	authenticate(ctx context.Context, sess *session.Session) error

	// isValid reports whether an existing session produced by this arm is
	// still usable. online permits a refresh round-trip.
	isValid(ctx context.Context, sess *session.Session, online bool) (bool, error)

	// logout clears this arm's side state (tokens, cookies, cached
	// assertions) and invokes the arm's logout URL when configured.
	logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error

	// cancel drops flow-local in-flight state. Idempotent.
	cancel()
}

// flowEnv is the dependency bundle shared by all flows of one engine.
type flowEnv struct {
	cfg        *Config
	net        Network
	view       UserAgentView
	creds      CredentialStore
	crypto     Crypto
	log        *slog.Logger
	metrics    *Metrics
	assertions *assertionCache
	disco      *discoveryCache
	store      *session.Store
}

// newFlow instantiates the arm for a kind. Unknown kinds yield nil; the
// orchestrator treats that as a policy bug and fails the attempt.
func (env *flowEnv) newFlow(kind flowKind) flow {
	switch kind {
	case flowBasic:
		return &basicFlow{env: env}
	case flowOffline:
		return &offlineFlow{env: env}
	case flowCBA:
		return &cbaFlow{env: env}
	case flowFederated:
		return &federatedFlow{env: env}
	case flowOAuthResourceOwner:
		return &oauthResourceOwnerFlow{oauthBase{env: env}}
	case flowOAuthAuthCode:
		return &oauthAuthCodeFlow{oauthBase: oauthBase{env: env}}
	case flowOAuthClientCredentials:
		return &oauthClientCredentialsFlow{oauthBase{env: env}}
	case flowOAuthRefresh:
		return &oauthRefreshFlow{oauthBase{env: env}}
	case flowOAuthPreAuthz:
		return &oauthPreAuthzFlow{oauthBase{env: env}}
	case flowOAuthDycr:
		return &oauthDycrFlow{oauthBase{env: env}}
	case flowOAuthClientReg:
		return &clientRegFlow{oauthBase: oauthBase{env: env}, forOpenID: false}
	case flowOpenIDClientReg:
		return &clientRegFlow{oauthBase: oauthBase{env: env}, forOpenID: true}
	case flowOpenID:
		return &openIDFlow{oauthBase: oauthBase{env: env}}
	default:
		return nil
	}
}

// usernamePasswordChallenge is shared by every arm that collects user
// credentials. Remembered values and the previous attempt's error ride
// along in the field map.
func usernamePasswordChallenge(env *flowEnv, sess *session.Session) challenge.Challenge {
	fields := map[string]any{
		challenge.FieldUsername: sess.Param(challenge.FieldUsername),
	}
	if env.cfg.Basic.CollectIdentityDomain || sess.Param(challenge.FieldIdentityDomain) != "" {
		fields[challenge.FieldIdentityDomain] = sess.Param(challenge.FieldIdentityDomain)
	}
	if env.cfg.AutoLogin {
		fields[challenge.FieldAutoLogin] = sess.InputParams[challenge.FieldAutoLogin]
	}
	if env.cfg.RememberUsername {
		fields[challenge.FieldRememberUsername] = sess.InputParams[challenge.FieldRememberUsername]
	}
	if env.cfg.RememberCredentials {
		fields[challenge.FieldRememberCredentials] = sess.InputParams[challenge.FieldRememberCredentials]
		if pw := sess.Param(paramRememberedPassword); pw != "" {
			fields[challenge.FieldPassword] = pw
		}
	}
	if prev, ok := sess.InputParams[challenge.FieldError]; ok {
		fields[challenge.FieldError] = prev
	}
	return challenge.Challenge{
		Reason: challenge.ReasonUsernamePasswordRequired,
		Fields: fields,
	}
}

// hasCredentials reports whether the input bag already holds a
// well-formed username and password.
func hasCredentials(sess *session.Session) bool {
	return strings.TrimSpace(sess.Param(challenge.FieldUsername)) != "" &&
		sess.Param(challenge.FieldPassword) != ""
}

// validateCredentialInput is the shared validator for the
// username/password challenge.
func validateCredentialInput(input map[string]any) error {
	user, _ := input[challenge.FieldUsername].(string)
	pass, _ := input[challenge.FieldPassword].(string)
	if strings.TrimSpace(user) == "" {
		return validationErr(errors.New("username missing"))
	}
	if pass == "" {
		return validationErr(errors.New("password missing"))
	}
	return nil
}
