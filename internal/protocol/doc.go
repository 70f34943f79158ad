// Package protocol owns the link wire envelope.
//
// Ownership boundary:
// - frame type constants and the JSON envelope shape
// - envelope encode/decode and per-type validation
// - payload helpers for open/synced data
package protocol
