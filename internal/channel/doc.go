// Package channel owns the real-time channel lifecycle.
//
// Ownership boundary:
// - opening and tearing down the channel on credential/target changes
// - reporting channel connection failures to the network monitor
//
// Message consumption is not handled here; channels expose failures only.
package channel
