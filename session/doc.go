// Package session defines the entity an authentication attempt
// accumulates state into (status machine position, producing provider,
// tokens, cookies, expiries) together with the JSON codec and store
// that round-trip successful sessions through the credential store.
//
// Status transitions are one-way out of the in-progress states: once a
// session reaches Success, Failure or Canceled it is terminal for that
// attempt. The provider field is write-once for the same reason.
package session
