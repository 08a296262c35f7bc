// Package password implements the crypto collaborator used by offline
// authentication: argon2id digests in PHC string form, derived once on a
// successful online login and matched against user input when the
// device is offline. Comparison is constant time.
package password
