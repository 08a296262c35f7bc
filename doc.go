// Package idmflow is an embeddable authentication orchestration engine
// for identity-management backends. It speaks HTTP Basic, the OAuth2
// grants (including a proprietary two-legged pre-authorization +
// dynamic client registration variant), OpenID Connect, browser-based
// federated SSO and mutual-TLS client certificates, with an offline
// fallback against a locally stored argon2id verifier.
//
// The engine is built through [Builder.Build] from a [Config] and runs
// attempts asynchronously: [Engine.Start] kicks off the protocol state
// machine, and whenever a flow needs something only the host can supply
// (credentials, a rendered login page, a certificate decision) it
// suspends and hands the host a [PendingChallenge] through the
// [Delegate]. Exactly one of Submit, Fail or Cancel resolves it and the
// attempt continues where it stopped.
//
// # Collaborators
//
// Everything environment-specific enters through narrow interfaces:
// [Network] for HTTP round-trips, [UserAgentView] for browser
// rendering, [CredentialStore] for secure persistence (in-memory and
// redis implementations ship in internal/stores), and [Crypto] for
// offline verifier hashing. All have defaults; production hosts
// typically replace Network and UserAgentView.
//
// # Concurrency
//
// Engine methods are safe for concurrent use after Build. One
// authentication attempt is in flight at a time; delegate callbacks
// arrive on engine goroutines and must not block.
package idmflow
