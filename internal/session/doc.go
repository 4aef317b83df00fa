// Package session owns the set of active pipeline sessions: creation,
// lookup, serialized per-session mutation, termination, and TTL-based
// pruning with a grace period for terminal state readers.
package session
