// Package progress consumes phase and task events from pipeline workers,
// applies them to session state under per-session exclusivity, computes
// weighted overall progress and completion estimates, and forwards accepted
// events to the broadcaster.
package progress
