package idmflow

import (
	"github.com/idmflow/idmflow/session"
)

// flowKind names one protocol arm of the state machine. The policy
// functions below are pure: given scheme, grant and status they decide
// which arm runs next, with no side effects.
type flowKind uint8

const (
	flowNone flowKind = iota
	flowBasic
	flowOffline
	flowCBA
	flowFederated
	flowOAuthResourceOwner
	flowOAuthAuthCode
	flowOAuthClientCredentials
	flowOAuthRefresh
	flowOAuthPreAuthz
	flowOAuthDycr
	flowOAuthClientReg
	flowOpenIDClientReg
	flowOpenID
)

func (k flowKind) String() string {
	switch k {
	case flowBasic:
		return "basic"
	case flowOffline:
		return "offline"
	case flowCBA:
		return "cba"
	case flowFederated:
		return "federated"
	case flowOAuthResourceOwner:
		return "oauth_resource_owner"
	case flowOAuthAuthCode:
		return "oauth_authorization_code"
	case flowOAuthClientCredentials:
		return "oauth_client_credentials"
	case flowOAuthRefresh:
		return "oauth_refresh"
	case flowOAuthPreAuthz:
		return "oauth_pre_authz"
	case flowOAuthDycr:
		return "oauth_dycr"
	case flowOAuthClientReg:
		return "oauth_client_registration"
	case flowOpenIDClientReg:
		return "openid_client_registration"
	case flowOpenID:
		return "openid_connect"
	default:
		return "none"
	}
}

// initialFlow picks the arm a fresh attempt starts with. Offline-allowed
// configurations always start offline; that flow decides internally
// whether to fall through to the scheme's main arm.
func initialFlow(cfg *Config) flowKind {
	if cfg.OfflineAllowed {
		return flowOffline
	}
	return onlineEntryFlow(cfg)
}

// onlineEntryFlow maps the scheme to its first online arm.
func onlineEntryFlow(cfg *Config) flowKind {
	switch cfg.Scheme {
	case SchemeBasic:
		return flowBasic
	case SchemeFederated:
		return flowFederated
	case SchemeCBA:
		return flowCBA
	case SchemeOAuth2:
		if cfg.OAuth.Grant == GrantTwoLegged {
			return flowOAuthPreAuthz
		}
		if cfg.OAuth.EnableClientRegistration {
			return flowOAuthClientReg
		}
		return grantFlow(cfg.OAuth.Grant)
	case SchemeOpenIDConnect:
		if cfg.OAuth.EnableClientRegistration {
			return flowOpenIDClientReg
		}
		return flowOpenID
	default:
		return flowNone
	}
}

// grantFlow maps a grant type to its arm.
func grantFlow(g GrantType) flowKind {
	switch g {
	case GrantResourceOwner:
		return flowOAuthResourceOwner
	case GrantAuthorizationCode:
		return flowOAuthAuthCode
	case GrantClientCredentials:
		return flowOAuthClientCredentials
	case GrantRefreshToken:
		return flowOAuthRefresh
	case GrantTwoLegged:
		return flowOAuthPreAuthz
	default:
		return flowNone
	}
}

// mainFlow is the scheme's principal arm, entered after the offline flow
// reported InitialValidationDone.
func mainFlow(cfg *Config) flowKind {
	if cfg.Scheme == SchemeOAuth2 || cfg.Scheme == SchemeOpenIDConnect {
		return onlineEntryFlow(cfg)
	}
	switch cfg.Scheme {
	case SchemeBasic:
		return flowBasic
	case SchemeFederated:
		return flowFederated
	case SchemeCBA:
		return flowCBA
	default:
		return flowNone
	}
}

// nextFlow decides the arm that runs after current reported status.
// flowNone means the attempt is terminal and the caller must not step
// further.
func nextFlow(cfg *Config, status session.Status, current flowKind) flowKind {
	switch status {
	case session.StatusInitialValidationDone:
		return mainFlow(cfg)
	case session.StatusCollectOfflineCredentials:
		return flowOffline
	case session.StatusOAuthPreAuthzDone:
		return flowOAuthDycr
	case session.StatusOAuthDycrDone, session.StatusOAuthClientRegDone:
		return flowOAuthResourceOwner
	case session.StatusOpenIDClientRegDone:
		return flowOpenID
	case session.StatusSuccess, session.StatusFailure, session.StatusCanceled:
		return flowNone
	default:
		// In-progress statuses re-enter the arm that produced them.
		return current
	}
}

// flowChain lists every arm a scheme can touch, offline-first. Logout
// and cancel walk this order so each arm's side effects run exactly
// once.
func flowChain(cfg *Config) []flowKind {
	var chain []flowKind
	if cfg.OfflineAllowed {
		chain = append(chain, flowOffline)
	}
	switch cfg.Scheme {
	case SchemeBasic:
		chain = append(chain, flowBasic)
	case SchemeFederated:
		chain = append(chain, flowFederated)
	case SchemeCBA:
		chain = append(chain, flowCBA)
	case SchemeOAuth2:
		if cfg.OAuth.Grant == GrantTwoLegged {
			chain = append(chain, flowOAuthPreAuthz, flowOAuthDycr, flowOAuthResourceOwner)
			break
		}
		if cfg.OAuth.EnableClientRegistration {
			chain = append(chain, flowOAuthClientReg)
		}
		chain = append(chain, grantFlow(cfg.OAuth.Grant))
	case SchemeOpenIDConnect:
		if cfg.OAuth.EnableClientRegistration {
			chain = append(chain, flowOpenIDClientReg)
		}
		chain = append(chain, flowOpenID)
	}
	return chain
}

// cancelOrder is the walk used by Cancel.
func cancelOrder(cfg *Config) []flowKind { return flowChain(cfg) }

// logoutOrder is the walk used by Logout.
func logoutOrder(cfg *Config) []flowKind { return flowChain(cfg) }
