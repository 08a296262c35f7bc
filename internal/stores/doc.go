// Package stores provides the credential store backends the engine can
// be wired with out of the box: a Redis-backed store for hosts that
// already run one, and an in-process store for embedded and test use.
//
// Both implement the same contract: opaque byte values owned by the
// caller's codec, plus non-negative integer counters used for the
// per-credential-key failure count. Misses are reported with
// session.ErrKVMiss so callers can tell absence from backend failure.
//
// This package must not import the root engine package.
package stores
