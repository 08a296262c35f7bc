package idmflow

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// basicFlow authenticates with an HTTP Basic Authorization header
// against the configured login URL and treats the attempt as
// authenticated when the response is 2xx and every required cookie was
// set along the visited URL chain.
type basicFlow struct {
	env *flowEnv
}

func (f *basicFlow) kind() flowKind { return flowBasic }

func (f *basicFlow) needsInput(sess *session.Session) bool {
	return !hasCredentials(sess)
}

func (f *basicFlow) challengeFor(sess *session.Session) challenge.Challenge {
	return usernamePasswordChallenge(f.env, sess)
}

func (f *basicFlow) validateInput(input map[string]any) error {
	return validateCredentialInput(input)
}

func (f *basicFlow) authenticate(ctx context.Context, sess *session.Session) error {
	user := sess.Param(challenge.FieldUsername)
	pass := sess.Param(challenge.FieldPassword)

	headers := make(map[string]string, len(f.env.cfg.Basic.CustomHeaders)+1)
	for k, v := range f.env.cfg.Basic.CustomHeaders {
		headers[k] = v
	}
	headers["Authorization"] = "Basic " +
		base64.StdEncoding.EncodeToString([]byte(user+":"+pass))

	resp, err := f.env.net.Get(ctx, f.env.cfg.Basic.LoginURL, headers)
	if err != nil {
		return classifyTransportErr(err)
	}

	switch {
	case resp.Success():
		if missing := missingCookies(resp, f.env.cfg.Basic.RequiredCookies); missing != "" {
			return recoverableErr(fmt.Errorf("required cookie %q not granted", missing))
		}
	case resp.Code == 401 || resp.Code == 403:
		return recoverableErr(ErrInvalidCredentials)
	default:
		return fatalErr(fmt.Errorf("basic login failed with status %d", resp.Code))
	}

	sess.Username = user
	sess.IdentityDomain = sess.Param(challenge.FieldIdentityDomain)
	sess.Cookies = append(sess.Cookies[:0], resp.Cookies...)
	sess.SetProvider(session.ProviderBasic)
	sess.SessionDuration = f.env.cfg.Timeout.SessionDuration
	sess.IdleDuration = f.env.cfg.Timeout.IdleDuration
	sess.StampExpiries(time.Now())
	sess.SetStatus(session.StatusSuccess)
	return nil
}

func (f *basicFlow) isValid(_ context.Context, sess *session.Session, _ bool) (bool, error) {
	if sess == nil || sess.Status() != session.StatusSuccess {
		return false, nil
	}
	now := time.Now()
	return !sess.Expired(now) && !sess.IdleExpired(now), nil
}

func (f *basicFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	var logoutErr error
	if opts.Explicit && f.env.cfg.Basic.LogoutURL != "" {
		headers := map[string]string{}
		if f.env.cfg.Basic.SendCustomHeadersInLogout {
			for k, v := range f.env.cfg.Basic.CustomHeaders {
				headers[k] = v
			}
		}
		if _, err := f.env.net.Get(ctx, f.env.cfg.Basic.LogoutURL, headers); err != nil {
			// Logout proceeds with local clearing even when the URL is
			// unreachable.
			logoutErr = fmt.Errorf("logout url: %w", err)
		}
	}
	if opts.DeleteCookies {
		sess.Cookies = nil
	}
	return logoutErr
}

func (f *basicFlow) cancel() {}

// missingCookies returns the first required cookie absent from the
// response set, or "".
func missingCookies(resp *Response, required []string) string {
	if len(required) == 0 {
		return ""
	}
	have := make(map[string]struct{}, len(resp.Cookies))
	for _, c := range resp.Cookies {
		have[c.Name] = struct{}{}
	}
	for _, name := range required {
		if _, ok := have[name]; !ok {
			return name
		}
	}
	return ""
}

// classifyTransportErr folds a transport failure into the error
// taxonomy. TLS trust failures and client-certificate demands are not
// failures; they need a new challenge answered first.
func classifyTransportErr(err error) error {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return inputRequiredErr(challenge.ReasonUntrustedCertificate,
			fmt.Errorf("%w: %v", ErrUntrustedCertificate, err))
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return fatalErr(fmt.Errorf("%w: %v", ErrServerUnreachable, err))
	}
	if errors.Is(err, context.Canceled) {
		return fatalErr(ErrUserCanceled)
	}
	msg := err.Error()
	if strings.Contains(msg, "certificate required") || strings.Contains(msg, "bad certificate") {
		return inputRequiredErr(challenge.ReasonClientCertificateRequired,
			fmt.Errorf("%w: %v", ErrClientCertRequired, err))
	}
	return fatalErr(fmt.Errorf("%w: %v", ErrServerUnreachable, err))
}
