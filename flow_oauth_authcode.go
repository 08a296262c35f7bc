package idmflow

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// Input-bag keys private to the authorization-code machinery.
const (
	paramOAuthState   = "oauth_state"
	paramOAuthNonce   = "oauth_nonce"
	paramPKCEVerifier = "pkce_verifier"
)

// oauthAuthCodeFlow drives the authorization-code grant with PKCE. The
// login page renders through the UserAgentView collaborator when one is
// wired, or through an embedded-view/external-browser challenge
// otherwise; either way the flow only consumes the final redirect.
type oauthAuthCodeFlow struct {
	oauthBase
}

func (f *oauthAuthCodeFlow) kind() flowKind { return flowOAuthAuthCode }

func (f *oauthAuthCodeFlow) needsInput(sess *session.Session) bool {
	if f.env.view != nil {
		return false
	}
	return sess.Param(challenge.FieldRedirectResponse) == ""
}

func (f *oauthAuthCodeFlow) challengeFor(sess *session.Session) challenge.Challenge {
	reason := challenge.ReasonEmbeddedViewRequired
	if f.env.cfg.OAuth.UseExternalBrowser {
		reason = challenge.ReasonExternalBrowserRequired
	}
	return challenge.Challenge{
		Reason: reason,
		Fields: map[string]any{
			challenge.FieldLoadURL: f.authorizeURL(sess, f.env.cfg.OAuth.AuthorizationEndpoint, f.env.cfg.OAuth.Scopes, false),
		},
	}
}

func (f *oauthAuthCodeFlow) validateInput(input map[string]any) error {
	redirect, _ := input[challenge.FieldRedirectResponse].(string)
	if strings.TrimSpace(redirect) == "" {
		return validationErr(fmt.Errorf("redirect response missing"))
	}
	return nil
}

func (f *oauthAuthCodeFlow) authenticate(ctx context.Context, sess *session.Session) error {
	redirect := sess.Param(challenge.FieldRedirectResponse)
	if redirect == "" && f.env.view != nil {
		authURL := f.authorizeURL(sess, f.env.cfg.OAuth.AuthorizationEndpoint, f.env.cfg.OAuth.Scopes, false)
		var err error
		redirect, err = f.env.view.Render(ctx, authURL)
		if err != nil {
			return classifyTransportErr(err)
		}
		sess.SetParam(challenge.FieldRedirectResponse, redirect)
	}

	code, err := parseAuthRedirect(redirect, f.env.cfg.OAuth.RedirectURI, sess.Param(paramOAuthState))
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.env.cfg.OAuth.RedirectURI)
	if verifier := sess.Param(paramPKCEVerifier); verifier != "" {
		form.Set("code_verifier", verifier)
	}

	id, secret := f.clientCredentials(ctx)
	tr, err := f.postTokenEndpoint(ctx, f.tokenEndpoint(ctx), form, id, secret)
	if err != nil {
		// A consumed or mistyped code cannot be retried; the whole
		// authorization leg must rerun, so clear the captured redirect.
		sess.PruneParam(challenge.FieldRedirectResponse)
		return err
	}
	f.finish(sess, f.tokenFromResponse(tr, f.env.cfg.OAuth.Scopes), session.ProviderOAuth2)
	return nil
}

func (f *oauthAuthCodeFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	if opts.DeleteCookies {
		sess.Cookies = nil
	}
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthAuthCodeFlow) cancel() {}

// authorizeURL builds the authorization request, minting state, nonce
// and PKCE material into the session the first time through so a
// re-raised challenge replays the same values.
func (b *oauthBase) authorizeURL(sess *session.Session, endpoint string, scopes []string, withNonce bool) string {
	state := sess.Param(paramOAuthState)
	if state == "" {
		state = uuid.NewString()
		sess.SetParam(paramOAuthState, state)
	}
	verifier := sess.Param(paramPKCEVerifier)
	if verifier == "" {
		verifier = newPKCEVerifier()
		sess.SetParam(paramPKCEVerifier, verifier)
	}

	clientID := b.env.cfg.OAuth.ClientID
	if id, _ := b.clientCredentials(context.Background()); id != "" {
		clientID = id
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", b.env.cfg.OAuth.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", pkceChallengeS256(verifier))
	q.Set("code_challenge_method", "S256")
	if withNonce {
		nonce := sess.Param(paramOAuthNonce)
		if nonce == "" {
			nonce = uuid.NewString()
			sess.SetParam(paramOAuthNonce, nonce)
		}
		q.Set("nonce", nonce)
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + q.Encode()
}

// parseAuthRedirect validates the captured redirect and extracts the
// authorization code. Query and fragment encodings are both accepted.
func parseAuthRedirect(redirect, expectedRedirectURI, expectedState string) (string, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return "", inputRequiredErr(challenge.ReasonInvalidRedirect,
			fmt.Errorf("%w: %v", ErrInvalidRedirect, err))
	}
	if expectedRedirectURI != "" && !strings.HasPrefix(redirect, expectedRedirectURI) {
		return "", inputRequiredErr(challenge.ReasonInvalidRedirect,
			fmt.Errorf("%w: %s", ErrInvalidRedirect, u.Redacted()))
	}

	q := u.Query()
	if q.Get("code") == "" && u.Fragment != "" {
		if fq, ferr := url.ParseQuery(u.Fragment); ferr == nil {
			q = fq
		}
	}
	if errCode := q.Get("error"); errCode != "" {
		return "", recoverableErr(fmt.Errorf("%w: %s (%s)", ErrTokenEndpoint, errCode, q.Get("error_description")))
	}
	if expectedState != "" && q.Get("state") != expectedState {
		return "", fatalErr(fmt.Errorf("%w: state mismatch", ErrInvalidRedirect))
	}
	code := q.Get("code")
	if code == "" {
		return "", inputRequiredErr(challenge.ReasonInvalidRedirect,
			fmt.Errorf("%w: redirect carries no code", ErrInvalidRedirect))
	}
	return code, nil
}

func newPKCEVerifier() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func pkceChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
