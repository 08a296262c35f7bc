package idmflow

import (
	"testing"

	"github.com/idmflow/idmflow/session"
)

func TestInitialFlowSelection(t *testing.T) {
	cases := []struct {
		name    string
		scheme  Scheme
		grant   GrantType
		offline bool
		dcr     bool
		want    flowKind
	}{
		{"basic", SchemeBasic, 0, false, false, flowBasic},
		{"basic offline-first", SchemeBasic, 0, true, false, flowOffline},
		{"federated", SchemeFederated, 0, false, false, flowFederated},
		{"cba", SchemeCBA, 0, false, false, flowCBA},
		{"resource owner", SchemeOAuth2, GrantResourceOwner, false, false, flowOAuthResourceOwner},
		{"auth code", SchemeOAuth2, GrantAuthorizationCode, false, false, flowOAuthAuthCode},
		{"client credentials", SchemeOAuth2, GrantClientCredentials, false, false, flowOAuthClientCredentials},
		{"refresh", SchemeOAuth2, GrantRefreshToken, false, false, flowOAuthRefresh},
		{"two-legged", SchemeOAuth2, GrantTwoLegged, false, false, flowOAuthPreAuthz},
		{"two-legged wins over registration", SchemeOAuth2, GrantTwoLegged, false, true, flowOAuthPreAuthz},
		{"oauth with registration", SchemeOAuth2, GrantResourceOwner, false, true, flowOAuthClientReg},
		{"oidc", SchemeOpenIDConnect, GrantAuthorizationCode, false, false, flowOpenID},
		{"oidc with registration", SchemeOpenIDConnect, GrantAuthorizationCode, false, true, flowOpenIDClientReg},
		{"oauth offline-first", SchemeOAuth2, GrantResourceOwner, true, false, flowOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Scheme = tc.scheme
			cfg.OAuth.Grant = tc.grant
			cfg.OfflineAllowed = tc.offline
			cfg.OAuth.EnableClientRegistration = tc.dcr
			if got := initialFlow(&cfg); got != tc.want {
				t.Fatalf("initialFlow = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNextFlowTransitions(t *testing.T) {
	ro := defaultConfig()
	ro.Scheme = SchemeOAuth2
	ro.OAuth.Grant = GrantResourceOwner

	twoLegged := ro
	twoLegged.OAuth.Grant = GrantTwoLegged

	basic := defaultConfig()
	basic.Scheme = SchemeBasic

	cases := []struct {
		name    string
		cfg     *Config
		status  session.Status
		current flowKind
		want    flowKind
	}{
		{"validation done enters main arm", &basic, session.StatusInitialValidationDone, flowOffline, flowBasic},
		{"validation done enters grant arm", &ro, session.StatusInitialValidationDone, flowOffline, flowOAuthResourceOwner},
		{"collect offline creds stays offline", &basic, session.StatusCollectOfflineCredentials, flowOffline, flowOffline},
		{"pre-authz done enters dycr", &twoLegged, session.StatusOAuthPreAuthzDone, flowOAuthPreAuthz, flowOAuthDycr},
		{"dycr done enters grant", &twoLegged, session.StatusOAuthDycrDone, flowOAuthDycr, flowOAuthResourceOwner},
		{"client reg done enters grant", &ro, session.StatusOAuthClientRegDone, flowOAuthClientReg, flowOAuthResourceOwner},
		{"oidc reg done enters oidc", &ro, session.StatusOpenIDClientRegDone, flowOpenIDClientReg, flowOpenID},
		{"in-progress re-enters current", &ro, session.StatusOAuthDycrInProgress, flowOAuthDycr, flowOAuthDycr},
		{"success is terminal", &ro, session.StatusSuccess, flowOAuthResourceOwner, flowNone},
		{"failure is terminal", &ro, session.StatusFailure, flowOAuthResourceOwner, flowNone},
		{"canceled is terminal", &ro, session.StatusCanceled, flowOAuthResourceOwner, flowNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nextFlow(tc.cfg, tc.status, tc.current); got != tc.want {
				t.Fatalf("nextFlow = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestFlowChainCoversEveryArm(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheme = SchemeOAuth2
	cfg.OAuth.Grant = GrantTwoLegged
	cfg.OfflineAllowed = true

	want := []flowKind{flowOffline, flowOAuthPreAuthz, flowOAuthDycr, flowOAuthResourceOwner}
	got := flowChain(&cfg)
	if len(got) != len(want) {
		t.Fatalf("chain = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chain[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestFlowChainRegistrationPrecedesGrant(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheme = SchemeOAuth2
	cfg.OAuth.Grant = GrantResourceOwner
	cfg.OAuth.EnableClientRegistration = true

	got := flowChain(&cfg)
	if len(got) != 2 || got[0] != flowOAuthClientReg || got[1] != flowOAuthResourceOwner {
		t.Fatalf("chain = %v", got)
	}
}

func TestCancelAndLogoutOrdersWalkOfflineFirst(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheme = SchemeBasic
	cfg.OfflineAllowed = true

	cancelWalk := cancelOrder(&cfg)
	if len(cancelWalk) != 2 || cancelWalk[0] != flowOffline || cancelWalk[1] != flowBasic {
		t.Fatalf("cancel order = %v, want offline then basic", cancelWalk)
	}
	logoutWalk := logoutOrder(&cfg)
	if len(logoutWalk) != len(cancelWalk) {
		t.Fatalf("logout order %v diverges from cancel order %v", logoutWalk, cancelWalk)
	}
	for i := range cancelWalk {
		if logoutWalk[i] != cancelWalk[i] {
			t.Fatalf("walk[%d]: logout %s, cancel %s", i, logoutWalk[i], cancelWalk[i])
		}
	}
}
