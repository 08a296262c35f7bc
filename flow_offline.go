package idmflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// offlineFlow validates credentials against the locally persisted
// argon2id verifier. It always runs first when offline authentication
// is allowed and decides internally whether the attempt stays local or
// falls through to the scheme's online arm.
type offlineFlow struct {
	env *flowEnv
}

func (f *offlineFlow) kind() flowKind { return flowOffline }

func (f *offlineFlow) needsInput(sess *session.Session) bool {
	return sess.Status() == session.StatusCollectOfflineCredentials && !hasCredentials(sess)
}

func (f *offlineFlow) challengeFor(sess *session.Session) challenge.Challenge {
	return usernamePasswordChallenge(f.env, sess)
}

func (f *offlineFlow) validateInput(input map[string]any) error {
	return validateCredentialInput(input)
}

func (f *offlineFlow) authenticate(ctx context.Context, sess *session.Session) error {
	if hasCredentials(sess) && sess.Status() == session.StatusCollectOfflineCredentials {
		return f.validateOffline(ctx, sess)
	}

	if f.routeOnline(ctx) {
		sess.SetStatus(session.StatusInitialValidationDone)
		return nil
	}

	// Local validation. With nothing persisted and a clean failure
	// count there is nothing to challenge for or to check against, so
	// the attempt returns untouched.
	has, err := f.hasStoredCredential(ctx)
	if err != nil {
		return fatalErr(err)
	}
	if !has {
		count, cerr := f.env.creds.GetCounter(ctx, failureCounterKey(f.env.cfg))
		if cerr == nil && count == 0 {
			return nil
		}
	}
	sess.SetStatus(session.StatusCollectOfflineCredentials)
	return nil
}

// routeOnline decides whether this attempt goes to the network.
// ConnectivityAuto probes the Basic login URL with a live request and
// treats any probe failure as "offline".
func (f *offlineFlow) routeOnline(ctx context.Context) bool {
	switch f.env.cfg.Connectivity {
	case ConnectivityOffline:
		return false
	case ConnectivityAuto:
		if f.env.cfg.Scheme != SchemeBasic {
			return true
		}
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		// Any response, even an auth rejection, proves reachability.
		_, err := f.env.net.Get(probeCtx, f.env.cfg.Basic.LoginURL, nil)
		return err == nil
	default:
		return true
	}
}

func (f *offlineFlow) validateOffline(ctx context.Context, sess *session.Session) error {
	user := sess.Param(challenge.FieldUsername)
	pass := sess.Param(challenge.FieldPassword)

	stored, err := f.env.creds.Get(ctx, offlineCredKey(f.env.cfg))
	if err != nil {
		if errors.Is(err, session.ErrKVMiss) {
			return recoverableErr(fmt.Errorf("%w: %v", ErrInvalidCredentials, ErrOfflineCredentialMissing))
		}
		return fatalErr(err)
	}

	ok, err := f.env.crypto.Match(pass, string(stored))
	if err != nil {
		return fatalErr(err)
	}
	if !ok {
		return recoverableErr(ErrInvalidCredentials)
	}

	sess.Username = user
	sess.IdentityDomain = sess.Param(challenge.FieldIdentityDomain)
	sess.SetProvider(session.ProviderOffline)
	sess.SessionDuration = f.env.cfg.Timeout.SessionDuration
	sess.IdleDuration = f.env.cfg.Timeout.IdleDuration
	sess.StampExpiries(time.Now())
	sess.SetStatus(session.StatusSuccess)
	return nil
}

func (f *offlineFlow) isValid(_ context.Context, sess *session.Session, online bool) (bool, error) {
	if sess == nil || sess.Status() != session.StatusSuccess {
		return false, nil
	}
	if online && sess.Provider() == session.ProviderOffline {
		// A locally validated session never satisfies an online check.
		return false, nil
	}
	now := time.Now()
	return !sess.Expired(now) && !sess.IdleExpired(now), nil
}

func (f *offlineFlow) logout(ctx context.Context, sess *session.Session, opts LogoutOptions) error {
	if !opts.DeleteCredentials {
		return nil
	}
	return f.env.creds.Delete(ctx, offlineCredKey(f.env.cfg))
}

func (f *offlineFlow) cancel() {}

// persistVerifier hashes the password still present in the input bag of
// a just-succeeded online attempt and stores it as the offline
// verifier. Called by the orchestrator before transient input is
// cleared.
func (f *offlineFlow) persistVerifier(ctx context.Context, sess *session.Session) error {
	user := sess.Param(challenge.FieldUsername)
	pass := sess.Param(challenge.FieldPassword)
	if user == "" || pass == "" {
		return nil
	}
	digest, err := f.env.crypto.Hash(pass)
	if err != nil {
		return err
	}
	return f.env.creds.Put(ctx, offlineCredKey(f.env.cfg), []byte(digest))
}

func (f *offlineFlow) hasStoredCredential(ctx context.Context) (bool, error) {
	_, err := f.env.creds.Get(ctx, offlineCredKey(f.env.cfg))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, session.ErrKVMiss) {
		return false, nil
	}
	return false, err
}

func offlineCredKey(cfg *Config) string {
	return cfg.StorageKey + ":offline_cred"
}

func failureCounterKey(cfg *Config) string {
	return cfg.StorageKey + ":failure_count"
}
