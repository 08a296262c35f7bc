package idmflow

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	valid := func(mutate func(*Config)) Config {
		cfg := defaultConfig()
		cfg.StorageKey = "https://idp.example.com|alice"
		cfg.Basic.LoginURL = "https://idp.example.com/login"
		mutate(&cfg)
		return cfg
	}

	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"basic ok", valid(func(*Config) {}), false},
		{"missing storage key", valid(func(c *Config) { c.StorageKey = "" }), true},
		{"zero max attempts", valid(func(c *Config) { c.MaxLoginAttempts = 0 }), true},
		{"negative idle duration", valid(func(c *Config) { c.Timeout.IdleDuration = -time.Second }), true},
		{"advance notice out of range", valid(func(c *Config) { c.Timeout.AdvanceNoticePercent = 100 }), true},
		{"basic missing login url", valid(func(c *Config) { c.Basic.LoginURL = "" }), true},
		{"basic relative login url", valid(func(c *Config) { c.Basic.LoginURL = "/login" }), true},
		{"federated ok", valid(func(c *Config) {
			c.Scheme = SchemeFederated
			c.Federated.LoginURL = "https://sso.example.com/login"
			c.Federated.LoginSuccessURL = "https://sso.example.com/done"
		}), false},
		{"federated missing success url", valid(func(c *Config) {
			c.Scheme = SchemeFederated
			c.Federated.LoginURL = "https://sso.example.com/login"
		}), true},
		{"oauth ok", valid(func(c *Config) {
			c.Scheme = SchemeOAuth2
			c.OAuth.Grant = GrantResourceOwner
			c.OAuth.TokenEndpoint = "https://oauth.example.com/token"
			c.OAuth.ClientID = "client-1"
		}), false},
		{"oauth missing client id", valid(func(c *Config) {
			c.Scheme = SchemeOAuth2
			c.OAuth.Grant = GrantResourceOwner
			c.OAuth.TokenEndpoint = "https://oauth.example.com/token"
		}), true},
		{"registration replaces client id", valid(func(c *Config) {
			c.Scheme = SchemeOAuth2
			c.OAuth.Grant = GrantResourceOwner
			c.OAuth.TokenEndpoint = "https://oauth.example.com/token"
			c.OAuth.EnableClientRegistration = true
			c.OAuth.RegistrationEndpoint = "https://oauth.example.com/register"
		}), false},
		{"auth code needs redirect uri", valid(func(c *Config) {
			c.Scheme = SchemeOAuth2
			c.OAuth.Grant = GrantAuthorizationCode
			c.OAuth.TokenEndpoint = "https://oauth.example.com/token"
			c.OAuth.AuthorizationEndpoint = "https://oauth.example.com/authorize"
			c.OAuth.ClientID = "client-1"
		}), true},
		{"two-legged needs no client id", valid(func(c *Config) {
			c.Scheme = SchemeOAuth2
			c.OAuth.Grant = GrantTwoLegged
			c.OAuth.TokenEndpoint = "https://oauth.example.com/token"
			c.OAuth.PreAuthzEndpoint = "https://oauth.example.com/preauthz"
		}), false},
		{"oidc needs discovery url", valid(func(c *Config) {
			c.Scheme = SchemeOpenIDConnect
		}), true},
		{"oidc ok", valid(func(c *Config) {
			c.Scheme = SchemeOpenIDConnect
			c.OAuth.DiscoveryURL = "https://op.example.com/.well-known/openid-configuration"
		}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCloneConfigIsolation(t *testing.T) {
	cfg := defaultConfig()
	cfg.Basic.RequiredCookies = []string{"a"}
	cfg.Basic.CustomHeaders = map[string]string{"X-App": "v1"}
	cfg.OAuth.Scopes = []string{"profile"}

	clone := cloneConfig(cfg)
	clone.Basic.RequiredCookies[0] = "b"
	clone.Basic.CustomHeaders["X-App"] = "v2"
	clone.OAuth.Scopes[0] = "email"

	if cfg.Basic.RequiredCookies[0] != "a" || cfg.Basic.CustomHeaders["X-App"] != "v1" || cfg.OAuth.Scopes[0] != "profile" {
		t.Fatal("clone shares backing storage with the original")
	}
}
