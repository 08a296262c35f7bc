package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/idmflow/idmflow/token"
)

// Persistence schema version. Bump when the layout changes shape in a
// way old readers cannot tolerate.
const schemaVersion = 1

// ErrCorrupt is returned when a persisted session blob cannot be decoded.
var ErrCorrupt = errors.New("session record corrupt")

type persistedToken struct {
	Name     string   `json:"name"`
	Value    string   `json:"value"`
	URL      string   `json:"url,omitempty"`
	Domain   string   `json:"domain,omitempty"`
	Path     string   `json:"path,omitempty"`
	Expiry   int64    `json:"expiry,omitempty"`
	HTTPOnly bool     `json:"http_only,omitempty"`
	Secure   bool     `json:"secure,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Refresh  string   `json:"refresh,omitempty"`
	IDToken  string   `json:"id_token,omitempty"`
}

type persistedSession struct {
	Version           int              `json:"version"`
	Status            string           `json:"status"`
	Username          string           `json:"username,omitempty"`
	IdentityDomain    string           `json:"identity_domain,omitempty"`
	AuthenticatedMode string           `json:"authenticated_mode"`
	SessionExpiry     int64            `json:"session_expiry,omitempty"`
	SessionDuration   int64            `json:"session_duration,omitempty"`
	IdleExpiry        int64            `json:"idle_expiry,omitempty"`
	IdleDuration      int64            `json:"idle_duration,omitempty"`
	Tokens            []persistedToken `json:"tokens,omitempty"`
}

// Encode serializes a successful session for the credential store.
// Only terminal successes round-trip through persistence.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrCorrupt)
	}
	if s.Status() != StatusSuccess {
		return nil, fmt.Errorf("cannot persist session in status %s", s.Status())
	}

	rec := persistedSession{
		Version:           schemaVersion,
		Status:            StatusSuccess.String(),
		Username:          s.Username,
		IdentityDomain:    s.IdentityDomain,
		AuthenticatedMode: s.Provider().String(),
		SessionDuration:   int64(s.SessionDuration / time.Second),
		IdleDuration:      int64(s.IdleDuration / time.Second),
	}
	if !s.SessionExpiry.IsZero() {
		rec.SessionExpiry = s.SessionExpiry.Unix()
	}
	if !s.IdleExpiry.IsZero() {
		rec.IdleExpiry = s.IdleExpiry.Unix()
	}

	for _, t := range s.Tokens {
		pt := persistedToken{
			Name:    t.Name,
			Value:   t.Value,
			Scopes:  t.Scopes,
			Refresh: t.RefreshValue,
			IDToken: t.IDToken,
		}
		if !t.Expiry.IsZero() {
			pt.Expiry = t.Expiry.Unix()
		}
		rec.Tokens = append(rec.Tokens, pt)
	}
	for _, c := range s.Cookies {
		pt := persistedToken{
			Name:     c.Name,
			Value:    c.Value,
			URL:      c.URL,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expiry.IsZero() {
			pt.Expiry = c.Expiry.Unix()
		}
		rec.Tokens = append(rec.Tokens, pt)
	}

	return json.Marshal(rec)
}

// Decode restores a persisted session. The restored entity reports
// StatusSuccess and carries the storage key it was loaded under.
func Decode(storageKey string, data []byte) (*Session, error) {
	var rec persistedSession
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if rec.Version != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, rec.Version)
	}
	if rec.Status != StatusSuccess.String() {
		return nil, fmt.Errorf("%w: unexpected status %q", ErrCorrupt, rec.Status)
	}

	s := New(storageKey)
	s.Username = rec.Username
	s.IdentityDomain = rec.IdentityDomain
	s.SetProvider(ParseProvider(rec.AuthenticatedMode))
	s.SessionDuration = time.Duration(rec.SessionDuration) * time.Second
	s.IdleDuration = time.Duration(rec.IdleDuration) * time.Second
	if rec.SessionExpiry != 0 {
		s.SessionExpiry = time.Unix(rec.SessionExpiry, 0)
	}
	if rec.IdleExpiry != 0 {
		s.IdleExpiry = time.Unix(rec.IdleExpiry, 0)
	}

	for _, pt := range rec.Tokens {
		if pt.URL != "" || pt.Domain != "" || pt.Path != "" {
			c := Cookie{
				Name:     pt.Name,
				Value:    pt.Value,
				URL:      pt.URL,
				Domain:   pt.Domain,
				Path:     pt.Path,
				HTTPOnly: pt.HTTPOnly,
				Secure:   pt.Secure,
			}
			if pt.Expiry != 0 {
				c.Expiry = time.Unix(pt.Expiry, 0)
			}
			s.Cookies = append(s.Cookies, c)
			continue
		}
		t := token.Token{
			Name:         pt.Name,
			Value:        pt.Value,
			Scopes:       pt.Scopes,
			RefreshValue: pt.Refresh,
			IDToken:      pt.IDToken,
		}
		if pt.Expiry != 0 {
			t.Expiry = time.Unix(pt.Expiry, 0)
		}
		s.Tokens = append(s.Tokens, t)
	}

	s.SetStatus(StatusSuccess)
	return s, nil
}
