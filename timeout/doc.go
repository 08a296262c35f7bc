// Package timeout schedules the two lifetime timers of an authenticated
// session: an absolute timer that never resets and an idle timer that
// rearms on qualifying activity, optionally preceded by an advance
// warning so a host can prompt the user before the session goes idle.
package timeout
