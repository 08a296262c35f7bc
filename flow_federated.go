package idmflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
	"github.com/idmflow/idmflow/token"
)

// federatedFlow drives browser-based SSO: the login page renders in the
// user-agent view (or through an embedded-view challenge) and the
// outcome is decided purely by which configured URL the browser lands
// on. Session state is whatever cookies the identity provider planted
// plus, optionally, a token relay payload fetched from the success URL.
type federatedFlow struct {
	env *flowEnv
}

func (f *federatedFlow) kind() flowKind { return flowFederated }

func (f *federatedFlow) needsInput(sess *session.Session) bool {
	if f.env.view != nil {
		return false
	}
	return sess.Param(challenge.FieldRedirectResponse) == ""
}

func (f *federatedFlow) challengeFor(sess *session.Session) challenge.Challenge {
	return challenge.Challenge{
		Reason: challenge.ReasonEmbeddedViewRequired,
		Fields: map[string]any{
			challenge.FieldLoadURL: f.env.cfg.Federated.LoginURL,
		},
	}
}

func (f *federatedFlow) validateInput(input map[string]any) error {
	redirect, _ := input[challenge.FieldRedirectResponse].(string)
	if strings.TrimSpace(redirect) == "" {
		return validationErr(fmt.Errorf("redirect response missing"))
	}
	return nil
}

func (f *federatedFlow) authenticate(ctx context.Context, sess *session.Session) error {
	redirect := sess.Param(challenge.FieldRedirectResponse)
	if redirect == "" && f.env.view != nil {
		var err error
		redirect, err = f.env.view.Render(ctx, f.env.cfg.Federated.LoginURL)
		if err != nil {
			return classifyTransportErr(err)
		}
	}

	cfg := &f.env.cfg.Federated
	switch {
	case strings.HasPrefix(redirect, cfg.LoginSuccessURL):
	case cfg.LoginFailureURL != "" && strings.HasPrefix(redirect, cfg.LoginFailureURL):
		sess.PruneParam(challenge.FieldRedirectResponse)
		return recoverableErr(ErrInvalidCredentials)
	default:
		sess.PruneParam(challenge.FieldRedirectResponse)
		return inputRequiredErr(challenge.ReasonInvalidRedirect,
			fmt.Errorf("%w: %s", ErrInvalidRedirect, redirect))
	}

	if cfg.ParseTokenRelayResponse {
		if err := f.fetchTokenRelay(ctx, sess, redirect); err != nil {
			return err
		}
	}

	sess.SetProvider(session.ProviderFederated)
	sess.SessionDuration = f.env.cfg.Timeout.SessionDuration
	sess.IdleDuration = f.env.cfg.Timeout.IdleDuration
	sess.StampExpiries(time.Now())
	sess.SetStatus(session.StatusSuccess)
	return nil
}

// fetchTokenRelay loads the success URL over the plain transport and
// decodes the relay document, a flat JSON object of token name to
// value. The provider's cookies ride back on the same response.
func (f *federatedFlow) fetchTokenRelay(ctx context.Context, sess *session.Session, successURL string) error {
	resp, err := f.env.net.Get(ctx, successURL, nil)
	if err != nil {
		return classifyTransportErr(err)
	}
	if !resp.Success() {
		return fatalErr(fmt.Errorf("token relay failed with status %d", resp.Code))
	}

	var relay map[string]string
	if err := json.Unmarshal(resp.Body, &relay); err != nil {
		return fatalErr(fmt.Errorf("token relay payload: %w", err))
	}
	for name, value := range relay {
		if value == "" {
			continue
		}
		sess.Tokens = append(sess.Tokens, token.Token{Name: name, Value: value})
	}
	sess.Cookies = append(sess.Cookies, resp.Cookies...)
	return nil
}

func (f *federatedFlow) isValid(_ context.Context, sess *session.Session, _ bool) (bool, error) {
	if sess == nil || sess.Status() != session.StatusSuccess {
		return false, nil
	}
	now := time.Now()
	return !sess.Expired(now) && !sess.IdleExpired(now), nil
}

// logout renders the logout URL and waits for the logout-success URL
// when one is configured; local state is cleared regardless.
func (f *federatedFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	var logoutErr error
	if opts.Explicit && f.env.cfg.Federated.LogoutURL != "" {
		switch {
		case f.env.view != nil:
			final, err := f.env.view.Render(ctx, f.env.cfg.Federated.LogoutURL)
			if err != nil {
				logoutErr = fmt.Errorf("logout url: %w", err)
			} else if want := f.env.cfg.Federated.LogoutSuccessURL; want != "" && !strings.HasPrefix(final, want) {
				logoutErr = fmt.Errorf("logout landed on %s", final)
			}
		default:
			if _, err := f.env.net.Get(ctx, f.env.cfg.Federated.LogoutURL, nil); err != nil {
				logoutErr = fmt.Errorf("logout url: %w", err)
			}
		}
	}
	if opts.DeleteCookies {
		sess.Cookies = nil
	}
	if opts.DeleteTokens {
		sess.Tokens = nil
	}
	return logoutErr
}

func (f *federatedFlow) cancel() {}
