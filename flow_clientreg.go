package idmflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// registeredClient is the persisted result of dynamic client
// registration (RFC 7591 response subset).
type registeredClient struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
	RegistrationToken     string `json:"registration_access_token,omitempty"`
}

func clientRegKey(cfg *Config) string {
	return cfg.StorageKey + ":registered_client"
}

// clientRegFlow registers this installation as an OAuth client against
// the registration endpoint and persists the issued client before the
// grant proper runs. A persisted registration short-circuits the call.
type clientRegFlow struct {
	oauthBase
	forOpenID bool
}

func (f *clientRegFlow) kind() flowKind {
	if f.forOpenID {
		return flowOpenIDClientReg
	}
	return flowOAuthClientReg
}

func (f *clientRegFlow) needsInput(*session.Session) bool { return false }

func (f *clientRegFlow) challengeFor(*session.Session) challenge.Challenge {
	return challenge.Challenge{}
}

func (f *clientRegFlow) validateInput(map[string]any) error { return nil }

func (f *clientRegFlow) authenticate(ctx context.Context, sess *session.Session) error {
	if data, err := f.env.creds.Get(ctx, clientRegKey(f.env.cfg)); err == nil {
		var reg registeredClient
		if json.Unmarshal(data, &reg) == nil && reg.ClientID != "" {
			f.markDone(sess)
			return nil
		}
	}
	sess.SetStatus(f.inProgressStatus())

	req := map[string]any{
		"client_name":   f.env.cfg.StorageKey,
		"redirect_uris": []string{f.env.cfg.OAuth.RedirectURI},
		"grant_types":   []string{grantTypeName(f.env.cfg.OAuth.Grant)},
	}
	if f.forOpenID {
		req["scope"] = "openid"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fatalErr(fmt.Errorf("%w: %v", ErrClientRegistration, err))
	}

	endpoint := f.env.cfg.OAuth.RegistrationEndpoint
	if f.forOpenID {
		if doc, derr := f.discoveryDocument(ctx); derr == nil && doc.RegistrationEndpoint != "" {
			endpoint = doc.RegistrationEndpoint
		}
	}

	resp, err := f.env.net.Post(ctx, endpoint, map[string]string{"Accept": contentTypeJSON}, body, contentTypeJSON)
	if err != nil {
		return classifyTransportErr(err)
	}
	if !resp.Success() {
		return fatalErr(fmt.Errorf("%w: status %d", ErrClientRegistration, resp.Code))
	}

	var reg registeredClient
	if err := json.Unmarshal(resp.Body, &reg); err != nil || reg.ClientID == "" {
		return fatalErr(fmt.Errorf("%w: undecodable registration response", ErrClientRegistration))
	}
	data, err := json.Marshal(reg)
	if err != nil {
		return fatalErr(fmt.Errorf("%w: %v", ErrClientRegistration, err))
	}
	if err := f.env.creds.Put(ctx, clientRegKey(f.env.cfg), data); err != nil {
		return fatalErr(fmt.Errorf("%w: persisting client: %v", ErrClientRegistration, err))
	}

	f.markDone(sess)
	return nil
}

func (f *clientRegFlow) inProgressStatus() session.Status {
	if f.forOpenID {
		return session.StatusOpenIDClientRegInProgress
	}
	return session.StatusOAuthClientRegInProgress
}

func (f *clientRegFlow) markDone(sess *session.Session) {
	if f.forOpenID {
		sess.SetStatus(session.StatusOpenIDClientRegDone)
		return
	}
	sess.SetStatus(session.StatusOAuthClientRegDone)
}

func (f *clientRegFlow) isValid(ctx context.Context, sess *session.Session, online bool) (bool, error) {
	return f.oauthBase.isValid(ctx, sess, online)
}

func (f *clientRegFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	if opts.ForgetDevice {
		if err := f.env.creds.Delete(ctx, clientRegKey(f.env.cfg)); err != nil {
			f.env.log.Warn("deleting registered client failed", "err", err)
		}
	}
	return f.logoutTokens(ctx, sess, opts)
}

func (f *clientRegFlow) cancel() {}

// grantTypeName maps a GrantType to its registration wire name.
func grantTypeName(g GrantType) string {
	switch g {
	case GrantAuthorizationCode:
		return "authorization_code"
	case GrantClientCredentials:
		return "client_credentials"
	case GrantRefreshToken:
		return "refresh_token"
	default:
		return "password"
	}
}
