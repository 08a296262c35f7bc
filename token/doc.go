// Package token holds the credential value objects shared by every
// authentication flow: bearer/refresh/ID/client-assertion tokens, their
// expiry rules, and the scope-matching policy used when an existing
// session is checked for validity.
//
// Two rules here are load-bearing for the rest of the module:
//
//   - A token with a zero Expiry never expires. Callers must not treat
//     the zero time as "expired at epoch".
//   - Scope matching is superset-based, and candidate ordering prefers
//     the narrowest matching grant, so validity checks consume the least
//     privileged token that satisfies the request.
package token
