// Package netwatch owns the network status of one orchestrator instance.
//
// Ownership boundary:
// - up/down status and its transitions
// - the singleton health probe ticker
// - the limbo queue of suspended requests
//
// Lifecycle order:
// - up -> down when a connection-level failure is reported
// - down -> up when a health probe succeeds; limbo is drained in suspension order
//
// The probe ticker exists exactly while the status is down and the monitor
// is open. No other package toggles the status.
package netwatch
