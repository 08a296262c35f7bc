package idmflow

import (
	"context"
	"encoding/json"

	"github.com/idmflow/idmflow/challenge"
	"github.com/idmflow/idmflow/session"
)

// rememberedPrefs is the persisted remember-me state for one storage
// key. Password is only ever set when RememberCredentials was opted
// into; the credential store is expected to be the host's secure
// storage.
type rememberedPrefs struct {
	Username            string `json:"username,omitempty"`
	Password            string `json:"password,omitempty"`
	AutoLogin           bool   `json:"auto_login"`
	RememberUsername    bool   `json:"remember_username"`
	RememberCredentials bool   `json:"remember_credentials"`
}

func prefsKey(cfg *Config) string {
	return cfg.StorageKey + ":ui_prefs"
}

func loadPrefs(ctx context.Context, creds CredentialStore, cfg *Config) (rememberedPrefs, bool) {
	data, err := creds.Get(ctx, prefsKey(cfg))
	if err != nil {
		return rememberedPrefs{}, false
	}
	var p rememberedPrefs
	if json.Unmarshal(data, &p) != nil {
		return rememberedPrefs{}, false
	}
	return p, true
}

func savePrefs(ctx context.Context, creds CredentialStore, cfg *Config, p rememberedPrefs) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return creds.Put(ctx, prefsKey(cfg), data)
}

func clearPrefs(ctx context.Context, creds CredentialStore, cfg *Config) error {
	return creds.Delete(ctx, prefsKey(cfg))
}

// paramRememberedPassword rides a remembered password into the next
// challenge's fields without satisfying hasCredentials, so the host
// confirms it. Only auto-login seeds FieldPassword itself.
const paramRememberedPassword = "remembered_password"

// preseedInput copies remembered values into a fresh session's input
// bag. Remember-username and remember-credentials pre-fill the next
// challenge; auto-login with an affirmative opt-in seeds the
// credentials proper so no challenge is raised at all.
func preseedInput(sess *session.Session, cfg *Config, p rememberedPrefs) {
	if cfg.RememberUsername && p.RememberUsername && p.Username != "" {
		sess.SetParam(challenge.FieldUsername, p.Username)
	}
	if cfg.RememberCredentials && p.RememberCredentials && p.Username != "" && p.Password != "" {
		sess.SetParam(challenge.FieldUsername, p.Username)
		sess.SetParam(paramRememberedPassword, p.Password)
	}
	if cfg.AutoLogin {
		sess.SetParam(challenge.FieldAutoLogin, p.AutoLogin)
		if p.AutoLogin && p.Username != "" && p.Password != "" {
			sess.SetParam(challenge.FieldUsername, p.Username)
			sess.SetParam(challenge.FieldPassword, p.Password)
		}
	}
	sess.SetParam(challenge.FieldRememberUsername, p.RememberUsername)
	sess.SetParam(challenge.FieldRememberCredentials, p.RememberCredentials)
}

// prefsFromInput reads the opt-in checkboxes and credentials out of a
// just-succeeded attempt's input bag.
func prefsFromInput(sess *session.Session, cfg *Config) rememberedPrefs {
	p := rememberedPrefs{
		AutoLogin:           cfg.AutoLogin && boolParam(sess, challenge.FieldAutoLogin),
		RememberUsername:    cfg.RememberUsername && boolParam(sess, challenge.FieldRememberUsername),
		RememberCredentials: cfg.RememberCredentials && boolParam(sess, challenge.FieldRememberCredentials),
	}
	if p.RememberUsername || p.RememberCredentials || p.AutoLogin {
		p.Username = sess.Param(challenge.FieldUsername)
	}
	if p.RememberCredentials || p.AutoLogin {
		p.Password = sess.Param(challenge.FieldPassword)
	}
	return p
}

func boolParam(sess *session.Session, key string) bool {
	v, _ := sess.InputParams[key].(bool)
	return v
}
