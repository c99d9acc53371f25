// Package orchestrator composes the network monitor, request gate, bootstrap
// sequencer and channel activator into one observable status.
//
// Ownership boundary:
// - the current credential and the authorized API handle derived from it
// - the loading, maintenance and update flags reported by bootstrap
// - phase projection and ordered delivery of status snapshots
//
// Lifecycle order:
// - New wires monitor -> gate -> client -> sequencer -> activator
// - SetCredential activates the channel and triggers bootstrap
// - Close stops the sequencer, channel and monitor, then the dispatchers
//
// Subscribers are called one at a time, in publish order, on a dedicated
// goroutine. They must not call Close.
package orchestrator
