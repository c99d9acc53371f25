// Package bootstrap performs the initialization handshake against the backend.
//
// Ownership boundary:
// - handshake request and response interpretation
// - maintenance retry loop
// - staging fallback (the only writer of the active Target)
// - update notification before loading completes
//
// Lifecycle order:
// - idle -> handshaking -> maintenance | staging-retry | ready | failed
//
// - maintenance re-enters handshaking after a fixed delay, indefinitely.
//
// - staging-retry happens at most once per attempt.
//
// The sequencer runs once per process unless Config.Rebootstrap is set.
package bootstrap
