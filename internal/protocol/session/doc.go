// Package session owns connection-level reliability settings shared by the
// transport, peer dialers and shard master connectors.
//
// Ownership boundary:
// - heartbeat / dead-peer timing
// - dial retry backoff
// - fixed master relink delay
package session
