package idmflow

import (
	"context"
	"fmt"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// cbaFlow authenticates with a client certificate over mutual TLS. The
// certificate itself lives in the host's transport; this arm performs
// the round-trip and turns a certificate demand from the server into a
// challenge the host answers by reconfiguring its transport.
type cbaFlow struct {
	env *flowEnv
}

func (f *cbaFlow) kind() flowKind { return flowCBA }

func (f *cbaFlow) needsInput(*session.Session) bool { return false }

func (f *cbaFlow) challengeFor(sess *session.Session) challenge.Challenge {
	fields := map[string]any{
		challenge.FieldCertificateInfo: sess.InputParams[challenge.FieldCertificateInfo],
	}
	if prev, ok := sess.InputParams[challenge.FieldError]; ok {
		fields[challenge.FieldError] = prev
	}
	return challenge.Challenge{
		Reason: challenge.ReasonClientCertificateRequired,
		Fields: fields,
	}
}

func (f *cbaFlow) validateInput(map[string]any) error { return nil }

func (f *cbaFlow) authenticate(ctx context.Context, sess *session.Session) error {
	resp, err := f.env.net.Get(ctx, f.env.cfg.CBA.LoginURL, nil)
	if err != nil {
		return classifyTransportErr(err)
	}
	switch {
	case resp.Success():
	case resp.Code == 401 || resp.Code == 403:
		// The server rejected the presented certificate at the HTTP
		// layer; a different certificate may still pass.
		return inputRequiredErr(challenge.ReasonClientCertificateRequired,
			fmt.Errorf("%w: status %d", ErrClientCertRequired, resp.Code))
	default:
		return fatalErr(fmt.Errorf("cba login failed with status %d", resp.Code))
	}

	sess.Cookies = append(sess.Cookies[:0], resp.Cookies...)
	sess.SetProvider(session.ProviderCBA)
	sess.SessionDuration = f.env.cfg.Timeout.SessionDuration
	sess.IdleDuration = f.env.cfg.Timeout.IdleDuration
	sess.StampExpiries(time.Now())
	sess.SetStatus(session.StatusSuccess)
	return nil
}

func (f *cbaFlow) isValid(_ context.Context, sess *session.Session, _ bool) (bool, error) {
	if sess == nil || sess.Status() != session.StatusSuccess {
		return false, nil
	}
	now := time.Now()
	return !sess.Expired(now) && !sess.IdleExpired(now), nil
}

func (f *cbaFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	var logoutErr error
	if opts.Explicit && f.env.cfg.CBA.LogoutURL != "" {
		if _, err := f.env.net.Get(ctx, f.env.cfg.CBA.LogoutURL, nil); err != nil {
			logoutErr = fmt.Errorf("logout url: %w", err)
		}
	}
	if opts.DeleteCookies {
		sess.Cookies = nil
	}
	return logoutErr
}

func (f *cbaFlow) cancel() {}
