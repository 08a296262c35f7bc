// Package challenge defines the suspend/resume contract between
// authentication flows and the host that collects external input.
//
// A flow that cannot proceed without input raises exactly one Challenge
// per pending need and suspends. The host resolves the paired Handle
// exactly once, with an input map, an error, or a cancellation, from
// whatever goroutine suits it. The Handle guards against double
// resolution, so a racing timeout and user answer cannot both advance
// the flow.
package challenge
