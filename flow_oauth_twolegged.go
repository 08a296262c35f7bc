package idmflow

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/token"
)

const (
	assertionTokenName = "client_assertion"

	// paramPreAuthzCode carries the pre-authorization code between the
	// two legs inside the session input bag.
	paramPreAuthzCode = "pre_authz_code"
)

/*
====================================
LEG ONE: PRE-AUTHORIZATION
====================================
*/

// oauthPreAuthzFlow runs the first leg of the two-legged variant: a
// client-credentials call against the pre-authorization endpoint whose
// granted token acts as a one-time code for the assertion exchange.
type oauthPreAuthzFlow struct {
	oauthBase
}

func (f *oauthPreAuthzFlow) kind() flowKind { return flowOAuthPreAuthz }

func (f *oauthPreAuthzFlow) needsInput(*session.Session) bool { return false }

func (f *oauthPreAuthzFlow) challengeFor(*session.Session) challenge.Challenge {
	return challenge.Challenge{}
}

func (f *oauthPreAuthzFlow) validateInput(map[string]any) error { return nil }

func (f *oauthPreAuthzFlow) authenticate(ctx context.Context, sess *session.Session) error {
	if _, ok := cachedAssertion(ctx, f.env); ok {
		// A live assertion makes both legs unnecessary.
		sess.SetStatus(session.StatusOAuthPreAuthzDone)
		return nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if len(f.env.cfg.OAuth.Scopes) > 0 {
		form.Set("scope", strings.Join(f.env.cfg.OAuth.Scopes, " "))
	}
	if device := deviceIDFromContext(ctx); device != "" {
		form.Set("device_id", device)
	}
	id, secret := f.clientCredentials(ctx)
	tr, err := f.postTokenEndpoint(ctx, f.env.cfg.OAuth.PreAuthzEndpoint, form, id, secret)
	if err != nil {
		return err
	}

	sess.SetParam(paramPreAuthzCode, tr.AccessToken)
	sess.SetStatus(session.StatusOAuthPreAuthzDone)
	return nil
}

func (f *oauthPreAuthzFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *oauthPreAuthzFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthPreAuthzFlow) cancel() {}

/*
====================================
LEG TWO: ASSERTION EXCHANGE (DYCR)
====================================
*/

// oauthDycrFlow exchanges the pre-authorization code plus the user's
// credentials for a client assertion JWT. The assertion is cached in
// process and persisted, and the resource-owner arm then authenticates
// with it instead of a client secret.
type oauthDycrFlow struct {
	oauthBase
}

func (f *oauthDycrFlow) kind() flowKind { return flowOAuthDycr }

func (f *oauthDycrFlow) needsInput(sess *session.Session) bool {
	if _, ok := f.env.assertions.get(assertionCacheKey(f.env.cfg), time.Now()); ok {
		return false
	}
	return !hasCredentials(sess)
}

func (f *oauthDycrFlow) challengeFor(sess *session.Session) challenge.Challenge {
	return usernamePasswordChallenge(f.env, sess)
}

func (f *oauthDycrFlow) validateInput(input map[string]any) error {
	return validateCredentialInput(input)
}

func (f *oauthDycrFlow) authenticate(ctx context.Context, sess *session.Session) error {
	if _, ok := cachedAssertion(ctx, f.env); ok {
		sess.SetStatus(session.StatusOAuthDycrDone)
		return nil
	}
	sess.SetStatus(session.StatusOAuthDycrInProgress)

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", sess.Param(challenge.FieldUsername))
	form.Set("password", sess.Param(challenge.FieldPassword))
	form.Set(paramPreAuthzCode, sess.Param(paramPreAuthzCode))
	form.Set("requested_assertion_type", clientAssertionType)
	if device := deviceIDFromContext(ctx); device != "" {
		form.Set("device_id", device)
	}

	id, secret := f.clientCredentials(ctx)
	tr, err := f.postTokenEndpoint(ctx, f.tokenEndpoint(ctx), form, id, secret)
	if err != nil {
		return err
	}

	assertion := token.Token{
		Name:   assertionTokenName,
		Value:  tr.AccessToken,
		Expiry: assertionExpiry(tr),
	}
	f.env.assertions.put(assertionCacheKey(f.env.cfg), assertion)
	if data, merr := json.Marshal(assertion); merr == nil {
		if perr := f.env.creds.Put(ctx, assertionStoreKey(f.env.cfg), data); perr != nil {
			f.env.log.Warn("persisting client assertion failed", "err", perr)
		}
	}

	sess.PruneParam(paramPreAuthzCode)
	sess.SetStatus(session.StatusOAuthDycrDone)
	return nil
}

func (f *oauthDycrFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *oauthDycrFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	if opts.ForgetDevice {
		f.env.assertions.clear(assertionCacheKey(f.env.cfg))
		if err := f.env.creds.Delete(ctx, assertionStoreKey(f.env.cfg)); err != nil {
			f.env.log.Warn("deleting persisted assertion failed", "err", err)
		}
	}
	return f.logoutTokens(ctx, sess, opts)
}

func (f *oauthDycrFlow) cancel() {}

// cachedAssertion returns the live client assertion, consulting the
// in-process cache first and falling back to the persisted copy, which
// re-primes the cache.
func cachedAssertion(ctx context.Context, env *flowEnv) (token.Token, bool) {
	key := assertionCacheKey(env.cfg)
	now := time.Now()
	if t, ok := env.assertions.get(key, now); ok {
		return t, true
	}
	data, err := env.creds.Get(ctx, assertionStoreKey(env.cfg))
	if err != nil {
		return token.Token{}, false
	}
	var t token.Token
	if json.Unmarshal(data, &t) != nil || t.Value == "" || t.Expired(now) {
		return token.Token{}, false
	}
	env.assertions.put(key, t)
	return t, true
}

// assertionExpiry reads the exp claim out of the assertion JWT without
// verifying it; the issuing server is the party that just minted it.
// Falls back to expires_in, then to non-expiring.
func assertionExpiry(tr *tokenResponse) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tr.AccessToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	if tr.ExpiresIn > 0 {
		return time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return time.Time{}
}

func assertionStoreKey(cfg *Config) string {
	return cfg.StorageKey + ":" + assertionTokenName
}

func assertionCacheKey(cfg *Config) string {
	return cfg.OAuth.TokenEndpoint + "|" + cfg.StorageKey
}
