package idmflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

const scopeOpenID = "openid"

// discoveryDoc is the subset of the OpenID Connect discovery document
// the engine consumes.
type discoveryDoc struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
	RegistrationEndpoint  string `json:"registration_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

// discoveryCache holds the discovery document and JWKS for one engine.
// Both are fetched once and kept for the engine's lifetime; a fetch
// failure is not cached.
type discoveryCache struct {
	mu   sync.Mutex
	doc  *discoveryDoc
	keys jwt.Keyfunc
}

// discoveryDocument fetches (or returns the cached) discovery document
// for the configured discovery URL.
func (b *oauthBase) discoveryDocument(ctx context.Context) (*discoveryDoc, error) {
	d := b.env.disco
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc != nil {
		return d.doc, nil
	}

	resp, err := b.env.net.Get(ctx, b.env.cfg.OAuth.DiscoveryURL, map[string]string{"Accept": contentTypeJSON})
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if !resp.Success() {
		return nil, fatalErr(fmt.Errorf("%w: status %d", ErrDiscovery, resp.Code))
	}
	var doc discoveryDoc
	if err := json.Unmarshal(resp.Body, &doc); err != nil {
		return nil, fatalErr(fmt.Errorf("%w: %v", ErrDiscovery, err))
	}
	if doc.TokenEndpoint == "" || doc.AuthorizationEndpoint == "" {
		return nil, fatalErr(fmt.Errorf("%w: document misses required endpoints", ErrDiscovery))
	}
	d.doc = &doc
	return d.doc, nil
}

// signingKeys fetches the provider JWKS through the transport and
// builds the verification keyfunc, cached alongside the document.
func (b *oauthBase) signingKeys(ctx context.Context, doc *discoveryDoc) (jwt.Keyfunc, error) {
	d := b.env.disco
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys != nil {
		return d.keys, nil
	}
	if doc.JWKSURI == "" {
		return nil, fatalErr(fmt.Errorf("%w: document carries no jwks_uri", ErrDiscovery))
	}

	resp, err := b.env.net.Get(ctx, doc.JWKSURI, map[string]string{"Accept": contentTypeJSON})
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if !resp.Success() {
		return nil, fatalErr(fmt.Errorf("%w: jwks status %d", ErrDiscovery, resp.Code))
	}
	jwks, err := keyfunc.NewJWKSetJSON(resp.Body)
	if err != nil {
		return nil, fatalErr(fmt.Errorf("%w: jwks: %v", ErrDiscovery, err))
	}
	d.keys = jwks.Keyfunc
	return d.keys, nil
}

// openIDFlow is the authorization-code grant against a discovered
// provider, plus id_token signature and claim verification.
type openIDFlow struct {
	oauthBase
}

func (f *openIDFlow) kind() flowKind { return flowOpenID }

func (f *openIDFlow) needsInput(sess *session.Session) bool {
	if f.env.view != nil {
		return false
	}
	return sess.Param(challenge.FieldRedirectResponse) == ""
}

func (f *openIDFlow) challengeFor(sess *session.Session) challenge.Challenge {
	reason := challenge.ReasonEmbeddedViewRequired
	if f.env.cfg.OAuth.UseExternalBrowser {
		reason = challenge.ReasonExternalBrowserRequired
	}
	fields := map[string]any{}
	if doc, err := f.discoveryDocument(context.Background()); err == nil {
		fields[challenge.FieldLoadURL] = f.authorizeURL(sess, doc.AuthorizationEndpoint, f.scopes(), true)
	}
	return challenge.Challenge{Reason: reason, Fields: fields}
}

func (f *openIDFlow) validateInput(input map[string]any) error {
	redirect, _ := input[challenge.FieldRedirectResponse].(string)
	if redirect == "" {
		return validationErr(fmt.Errorf("redirect response missing"))
	}
	return nil
}

func (f *openIDFlow) authenticate(ctx context.Context, sess *session.Session) error {
	doc, err := f.discoveryDocument(ctx)
	if err != nil {
		return err
	}

	redirect := sess.Param(challenge.FieldRedirectResponse)
	if redirect == "" && f.env.view != nil {
		redirect, err = f.env.view.Render(ctx, f.authorizeURL(sess, doc.AuthorizationEndpoint, f.scopes(), true))
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
	tr, err := f.postTokenEndpoint(ctx, doc.TokenEndpoint, form, id, secret)
	if err != nil {
		sess.PruneParam(challenge.FieldRedirectResponse)
		return err
	}
	if tr.IDToken == "" {
		return fatalErr(fmt.Errorf("%w: response carries no id_token", ErrIDTokenInvalid))
	}
	if err := f.verifyIDToken(ctx, doc, tr.IDToken, id, sess.Param(paramOAuthNonce)); err != nil {
		return err
	}

	t := f.tokenFromResponse(tr, f.scopes())
	f.finish(sess, t, session.ProviderOpenIDConnect)
	if sess.Username == "" {
		sess.Username = subjectClaim(tr.IDToken)
	}
	return nil
}

// verifyIDToken checks the id_token signature against the provider
// JWKS and validates issuer, audience, expiry (with the configured
// skew) and the request nonce.
func (f *openIDFlow) verifyIDToken(ctx context.Context, doc *discoveryDoc, raw, clientID, nonce string) error {
	keys, err := f.signingKeys(ctx, doc)
	if err != nil {
		return err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(raw, claims, keys,
		jwt.WithIssuer(doc.Issuer),
		jwt.WithAudience(clientID),
		jwt.WithLeeway(f.env.cfg.OAuth.ClockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return fatalErr(fmt.Errorf("%w: %v", ErrIDTokenInvalid, err))
	}
	if nonce != "" {
		got, _ := claims["nonce"].(string)
		if got != nonce {
			return fatalErr(fmt.Errorf("%w: nonce mismatch", ErrIDTokenInvalid))
		}
	}
	return nil
}

func (f *openIDFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

// logout prefers the discovered end-session endpoint over the static
// logout URL.
func (f *openIDFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	var err error
	if opts.Explicit {
		endpoint := f.env.cfg.OAuth.LogoutURL
		if doc, derr := f.discoveryDocument(ctx); derr == nil && doc.EndSessionEndpoint != "" {
			endpoint = doc.EndSessionEndpoint
		}
		if endpoint != "" {
			if _, lerr := f.env.net.Get(ctx, endpoint, nil); lerr != nil {
				err = fmt.Errorf("logout url: %w", lerr)
			}
		}
	}
	if opts.DeleteTokens {
		sess.Tokens = nil
	}
	return err
}

func (f *openIDFlow) cancel() {}

// scopes returns the configured scope set, guaranteed to include
// "openid".
func (f *openIDFlow) scopes() []string {
	for _, s := range f.env.cfg.OAuth.Scopes {
		if s == scopeOpenID {
			return f.env.cfg.OAuth.Scopes
		}
	}
	return append([]string{scopeOpenID}, f.env.cfg.OAuth.Scopes...)
}

// subjectClaim pulls sub out of an already-verified id_token.
func subjectClaim(raw string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}
