package idmflow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/token"
)

const (
	contentTypeForm = "application/x-www-form-urlencoded"
	contentTypeJSON = "application/json"

	accessTokenName = "access_token"

	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
)

// tokenResponse is the RFC 6749 token endpoint payload, success or
// error shape.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// oauthBase carries the machinery shared by every OAuth2/OIDC arm:
// token endpoint calls, client authentication, response classification
// and the validity-with-refresh walk.
type oauthBase struct {
	env *flowEnv
}

// clientCredentials returns the effective client id/secret, preferring a
// dynamically registered client over the static configuration.
func (b *oauthBase) clientCredentials(ctx context.Context) (id, secret string) {
	id, secret = b.env.cfg.OAuth.ClientID, b.env.cfg.OAuth.ClientSecret
	if data, err := b.env.creds.Get(ctx, clientRegKey(b.env.cfg)); err == nil {
		var reg registeredClient
		if json.Unmarshal(data, &reg) == nil && reg.ClientID != "" {
			id, secret = reg.ClientID, reg.ClientSecret
		}
	}
	return id, secret
}

// postTokenEndpoint sends form to endpoint and decodes the token
// response, classifying provider error codes into the retry taxonomy.
func (b *oauthBase) postTokenEndpoint(ctx context.Context, endpoint string, form url.Values, clientID, clientSecret string) (*tokenResponse, error) {
	headers := map[string]string{"Accept": contentTypeJSON}
	if clientSecret != "" {
		headers["Authorization"] = "Basic " +
			base64.StdEncoding.EncodeToString([]byte(clientID+":"+clientSecret))
	} else if clientID != "" {
		form.Set("client_id", clientID)
	}

	resp, err := b.env.net.Post(ctx, endpoint, headers, []byte(form.Encode()), contentTypeForm)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return nil, fatalErr(fmt.Errorf("%w: undecodable response (status %d)", ErrTokenEndpoint, resp.Code))
	}
	if tr.Error != "" {
		return nil, b.classifyOAuthError(tr.Error, tr.ErrorDescription)
	}
	if !resp.Success() || tr.AccessToken == "" {
		return nil, fatalErr(fmt.Errorf("%w: status %d without token", ErrTokenEndpoint, resp.Code))
	}
	return &tr, nil
}

func (b *oauthBase) classifyOAuthError(code, description string) error {
	err := fmt.Errorf("%w: %s (%s)", ErrTokenEndpoint, code, description)
	if code == "invalid_grant" {
		// The canonical wrong-password answer of the resource owner grant.
		err = fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if _, ok := recoverableOAuthCodes[code]; ok {
		return recoverableErr(err)
	}
	return fatalErr(err)
}

// tokenFromResponse builds the session token for a grant response.
// Absent scope echoes fall back to the requested set.
func (b *oauthBase) tokenFromResponse(tr *tokenResponse, requested []string) token.Token {
	scopes := requested
	if tr.Scope != "" {
		scopes = strings.Fields(tr.Scope)
	}
	t := token.Token{
		Name:         accessTokenName,
		Value:        tr.AccessToken,
		Scopes:       append([]string(nil), scopes...),
		RefreshValue: tr.RefreshToken,
		IDToken:      tr.IDToken,
	}
	if tr.ExpiresIn > 0 {
		t.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return t
}

// finish records a granted token and closes the attempt as successful.
func (b *oauthBase) finish(sess *session.Session, t token.Token, provider session.Provider) {
	sess.Tokens = append(sess.Tokens, t)
	sess.Username = sess.Param(challenge.FieldUsername)
	sess.IdentityDomain = sess.Param(challenge.FieldIdentityDomain)
	sess.SetProvider(provider)
	sess.SessionDuration = b.env.cfg.Timeout.SessionDuration
	sess.IdleDuration = b.env.cfg.Timeout.IdleDuration
	sess.StampExpiries(time.Now())
	sess.SetStatus(session.StatusSuccess)
}

// refreshGrant performs exactly one refresh-token call for t.
func (b *oauthBase) refreshGrant(ctx context.Context, t token.Token) (token.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", t.RefreshValue)
	if len(t.Scopes) > 0 {
		form.Set("scope", strings.Join(t.Scopes, " "))
	}
	id, secret := b.clientCredentials(ctx)
	tr, err := b.postTokenEndpoint(ctx, b.tokenEndpoint(ctx), form, id, secret)
	if err != nil {
		return token.Token{}, err
	}
	refreshed := b.tokenFromResponse(tr, t.Scopes)
	b.env.metrics.Inc(MetricTokenRefreshSuccess)
	return refreshed.CarryRefresh(t), nil
}

// tokenEndpoint resolves the effective token endpoint; the OIDC arm
// overrides this with the discovered one.
func (b *oauthBase) tokenEndpoint(ctx context.Context) string {
	if b.env.cfg.Scheme == SchemeOpenIDConnect {
		if doc, err := b.discoveryDocument(ctx); err == nil && doc.TokenEndpoint != "" {
			return doc.TokenEndpoint
		}
	}
	return b.env.cfg.OAuth.TokenEndpoint
}

// isValid walks the matching tokens narrowest-first: an unexpired match
// wins; an expired one with a refresh token gets exactly one refresh
// attempt when online; otherwise the walk continues. With online false
// the token list is never mutated.
func (b *oauthBase) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	if sess == nil || sess.Status() != session.StatusSuccess {
		return false, nil
	}
	now := time.Now()
	if sess.Expired(now) || sess.IdleExpired(now) {
		return false, nil
	}

	if sess.Provider() == session.ProviderOffline {
		// An offline-mode session holds no live grant; it counts as valid
		// online only if a refresh token survived the restore.
		return online && len(sess.RefreshTokens()) > 0, nil
	}

	candidates := token.Candidates(sess.Tokens, b.env.cfg.OAuth.Scopes)
	if len(candidates) == 0 {
		return false, nil
	}
	for _, cand := range candidates {
		if !cand.Expired(now) {
			return true, nil
		}
		if !online || !cand.HasRefresh() {
			continue
		}
		refreshed, err := b.refreshGrant(ctx, cand)
		if err != nil {
			b.env.metrics.Inc(MetricTokenRefreshFailure)
			continue
		}
		sess.Tokens = token.Replace(sess.Tokens, cand, refreshed)
		return true, nil
	}
	return false, nil
}

// logoutTokens clears OAuth state per the options and invokes the
// configured logout URL for explicit logouts.
func (b *oauthBase) logoutTokens(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	var err error
	if opts.Explicit && b.env.cfg.OAuth.LogoutURL != "" {
		if _, lerr := b.env.net.Get(ctx, b.env.cfg.OAuth.LogoutURL, nil); lerr != nil {
			err = fmt.Errorf("logout url: %w", lerr)
		}
	}
	if opts.DeleteTokens {
		sess.Tokens = nil
	}
	return err
}

/*
====================================
RESOURCE OWNER GRANT
====================================
*/

// oauthResourceOwnerFlow implements the resource-owner password grant.
// It is also the arm that finishes the two-legged and client-registered
// variants once their prerequisite state is in the session.
type oauthResourceOwnerFlow struct {
	oauthBase
}

func (f *oauthResourceOwnerFlow) kind() flowKind { return flowOAuthResourceOwner }

func (f *oauthResourceOwnerFlow) needsInput(sess *session.Session) bool {
	return !hasCredentials(sess)
}

func (f *oauthResourceOwnerFlow) challengeFor(sess *session.Session) challenge.Challenge {
	return usernamePasswordChallenge(f.env, sess)
}

func (f *oauthResourceOwnerFlow) validateInput(input map[string]any) error {
	return validateCredentialInput(input)
}

func (f *oauthResourceOwnerFlow) authenticate(ctx context.Context, sess *session.Session) error {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", sess.Param(challenge.FieldUsername))
	form.Set("password", sess.Param(challenge.FieldPassword))
	if len(f.env.cfg.OAuth.Scopes) > 0 {
		form.Set("scope", strings.Join(f.env.cfg.OAuth.Scopes, " "))
	}

	id, secret := f.clientCredentials(ctx)
	if assertion, ok := f.env.assertions.get(assertionCacheKey(f.env.cfg), time.Now()); ok {
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion.Value)
		secret = ""
	}

	tr, err := f.postTokenEndpoint(ctx, f.tokenEndpoint(ctx), form, id, secret)
	if err != nil {
		return err
	}
	f.finish(sess, f.tokenFromResponse(tr, f.env.cfg.OAuth.Scopes), session.ProviderOAuth2)
	return nil
}

func (f *oauthResourceOwnerFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *oauthResourceOwnerFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthResourceOwnerFlow) cancel() {}

/*
====================================
CLIENT CREDENTIALS GRANT
====================================
*/

type oauthClientCredentialsFlow struct {
	oauthBase
}

func (f *oauthClientCredentialsFlow) kind() flowKind { return flowOAuthClientCredentials }

func (f *oauthClientCredentialsFlow) needsInput(*session.Session) bool { return false }

func (f *oauthClientCredentialsFlow) challengeFor(*session.Session) challenge.Challenge {
	return challenge.Challenge{}
}

func (f *oauthClientCredentialsFlow) validateInput(map[string]any) error { return nil }

func (f *oauthClientCredentialsFlow) authenticate(ctx context.Context, sess *session.Session) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(f.env.cfg.OAuth.Scopes) > 0 {
		form.Set("scope", strings.Join(f.env.cfg.OAuth.Scopes, " "))
	}
	id, secret := f.clientCredentials(ctx)
	tr, err := f.postTokenEndpoint(ctx, f.tokenEndpoint(ctx), form, id, secret)
	if err != nil {
		return err
	}
	f.finish(sess, f.tokenFromResponse(tr, f.env.cfg.OAuth.Scopes), session.ProviderOAuth2)
	return nil
}

func (f *oauthClientCredentialsFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *oauthClientCredentialsFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthClientCredentialsFlow) cancel() {}

/*
====================================
REFRESH TOKEN GRANT
====================================
*/

// oauthRefreshFlow authenticates purely from a carried-forward refresh
// token, with no user interaction.
type oauthRefreshFlow struct {
	oauthBase
}

func (f *oauthRefreshFlow) kind() flowKind { return flowOAuthRefresh }

func (f *oauthRefreshFlow) needsInput(*session.Session) bool { return false }

func (f *oauthRefreshFlow) challengeFor(*session.Session) challenge.Challenge {
	return challenge.Challenge{}
}

func (f *oauthRefreshFlow) validateInput(map[string]any) error { return nil }

func (f *oauthRefreshFlow) authenticate(ctx context.Context, sess *session.Session) error {
	carried := sess.RefreshTokens()
	if len(carried) == 0 {
		return fatalErr(fmt.Errorf("%w: no refresh token available", ErrTokenEndpoint))
	}
	refreshed, err := f.refreshGrant(ctx, carried[0])
	if err != nil {
		return err
	}
	sess.Tokens = nil
	f.finish(sess, refreshed, session.ProviderOAuth2)
	return nil
}

func (f *oauthRefreshFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *oauthRefreshFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthRefreshFlow) cancel() {}
