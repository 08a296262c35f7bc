package token

import (
	"time"
)

// Token is a single credential issued by an identity provider: an OAuth2
// access token, a refresh token, an OpenID Connect ID token, or a
// two-legged client assertion. Tokens are value objects; flows replace
// them rather than mutating them in place.
type Token struct {
	Name  string
	Value string

	// Expiry is the absolute expiration instant. The zero time means the
	// token never expires.
	Expiry time.Time

	// Scopes is the granted scope set. A token with no scopes only
	// matches scope-less requests.
	Scopes []string

	// RefreshValue is the refresh token paired with an access token, if
	// the provider issued one.
	RefreshValue string

	// IDToken carries the raw OpenID Connect id_token when the grant
	// returned one alongside the access token.
	IDToken string
}

// Expired reports whether the token is past its expiry at now.
// Tokens with a zero Expiry never expire.
func (t Token) Expired(now time.Time) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !now.Before(t.Expiry)
}

// HasRefresh reports whether a refresh token accompanies this token.
func (t Token) HasRefresh() bool {
	return t.RefreshValue != ""
}

// Matches reports whether the token satisfies a requested scope set.
// A token matches when its granted scopes are a superset of the request.
// Tokens without any scopes are returned only for scope-less requests.
func (t Token) Matches(requested []string) bool {
	if len(requested) == 0 {
		return len(t.Scopes) == 0
	}
	if len(t.Scopes) == 0 {
		return false
	}
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// CarryRefresh returns the token with prev's refresh value carried
// forward when the provider omitted one from the refresh response.
func (t Token) CarryRefresh(prev Token) Token {
	if t.RefreshValue == "" {
		t.RefreshValue = prev.RefreshValue
	}
	return t
}

// Clone returns a deep copy. The scope slice is the only shared state.
func (t Token) Clone() Token {
	out := t
	if t.Scopes != nil {
		out.Scopes = append([]string(nil), t.Scopes...)
	}
	return out
}
