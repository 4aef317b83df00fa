package event

import (
	"encoding/json"
	"fmt"
)

// TaskType classifies the unit of work an agent performed.
type TaskType string

const (
	TaskCreation     TaskType = "creation"
	TaskValidation   TaskType = "validation"
	TaskCompilation  TaskType = "compilation"
	TaskOptimization TaskType = "optimization"
	TaskRepair       TaskType = "repair"
)

// ParseTaskType validates a wire-format task type.
func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskCreation, TaskValidation, TaskCompilation, TaskOptimization, TaskRepair:
		return t, nil
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// PhaseFor maps a task type to the pipeline phase its work belongs to.
// Creation tasks drive generation; repair tasks act on compiler output and
// therefore count against the compilation phase.
func (t TaskType) PhaseFor() Phase {
	switch t {
	case TaskCreation:
		return PhaseGeneration
	case TaskValidation:
		return PhaseQuality
	case TaskCompilation, TaskRepair:
		return PhaseCompilation
	case TaskOptimization:
		return PhaseOptimization
	default:
		return PhaseGeneration
	}
}

// TaskStatus is the wire status of a task event.
type TaskStatus string

const (
	TaskStarted   TaskStatus = "started"
	TaskProgress  TaskStatus = "progress"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

// ParseTaskStatus validates a wire-format task status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskStarted, TaskProgress, TaskCompleted, TaskFailed, TaskRetrying:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether a task in this status accepts no further events.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// CanTransition reports whether a task may move from s to next.
//
// Accepted transitions:
//
//	started  → progress | completed | failed | retrying
//	progress → progress | completed | failed | retrying
//	retrying → started
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStarted, TaskProgress:
		return next == TaskProgress || next == TaskCompleted ||
			next == TaskFailed || next == TaskRetrying
	case TaskRetrying:
		return next == TaskStarted
	default: // completed, failed
		return false
	}
}

// Result is the tagged payload attached to a task event. Internal logic only
// reads the discriminating fields; producer-specific content stays opaque in
// Raw.
type Result struct {
	// Kind mirrors the task type the payload belongs to.
	Kind TaskType `json:"kind,omitempty"`

	// Score is an optional 0–100 quality/assessment score.
	Score *float64 `json:"score,omitempty"`

	// ArtifactRef names a produced artifact, when the task emitted one.
	ArtifactRef string `json:"artifactRef,omitempty"`

	// Raw preserves the producer's payload verbatim.
	Raw json.RawMessage `json:"raw,omitempty"`
}
