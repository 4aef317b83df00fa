package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProgressEvent is a phase-level update emitted by a pipeline worker.
// JSON field names are the wire contract shared with producers and must not
// change.
type ProgressEvent struct {
	SessionID              string          `json:"sessionId"`
	UserID                 string          `json:"userId,omitempty"`
	Phase                  Phase           `json:"phase"`
	Step                   string          `json:"step"`
	Progress               float64         `json:"progress"`
	Message                string          `json:"message"`
	AgentID                string          `json:"agentId,omitempty"`
	EstimatedTimeRemaining *time.Duration  `json:"estimatedTimeRemaining,omitempty"`
	Details                json.RawMessage `json:"details,omitempty"`
	Timestamp              time.Time       `json:"timestamp"`
}

// Validate rejects out-of-contract progress events before they can touch
// session state.
func (e *ProgressEvent) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("progress event: sessionId is required")
	}
	if e.Progress < 0 || e.Progress > 100 {
		return fmt.Errorf("progress event: progress %.2f out of range [0, 100]", e.Progress)
	}
	return nil
}

// TaskEvent is one agent's report about a single task.
// JSON field names are the wire contract shared with producers.
type TaskEvent struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId,omitempty"`
	TaskID    string     `json:"taskId"`
	Type      TaskType   `json:"type"`
	Action    string     `json:"action"`
	Status    TaskStatus `json:"status"`
	AgentID   string     `json:"agentId"`
	Progress  *float64   `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Validate rejects out-of-contract task events.
func (e *TaskEvent) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("task event: sessionId is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("task event: taskId is required")
	}
	if _, err := ParseTaskType(string(e.Type)); err != nil {
		return fmt.Errorf("task event: %w", err)
	}
	if _, err := ParseTaskStatus(string(e.Status)); err != nil {
		return fmt.Errorf("task event: %w", err)
	}
	if e.Progress != nil && (*e.Progress < 0 || *e.Progress > 100) {
		return fmt.Errorf("task event: progress %.2f out of range [0, 100]", *e.Progress)
	}
	return nil
}

// Kind discriminates envelope payloads.
type Kind string

const (
	KindProgress Kind = "progress"
	KindTask     Kind = "task"
	KindSession  Kind = "session"
	KindGap      Kind = "gap"
)

// SessionNotice is a session-lifecycle payload: terminal status changes and
// registry expiry.
type SessionNotice struct {
	SessionID string  `json:"sessionId"`
	Status    string  `json:"status"` // completed | failed | cancelled | expired
	Message   string  `json:"message,omitempty"`
	Overall   float64 `json:"overallProgress"`
}

// GapMarker signals that a subscriber's bounded queue overflowed and events
// were dropped. Dropped counts events lost since the previous successfully
// delivered one.
type GapMarker struct {
	SessionID string `json:"sessionId"`
	Dropped   int    `json:"dropped"`
}

// Envelope is the tagged union delivered to observers. Exactly one payload
// field matching Kind is set.
type Envelope struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"sessionId"`
	Progress  *ProgressEvent `json:"progress,omitempty"`
	Task      *TaskEvent     `json:"task,omitempty"`
	Session   *SessionNotice `json:"session,omitempty"`
	Gap       *GapMarker     `json:"gap,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewProgress wraps a progress event for delivery.
func NewProgress(e *ProgressEvent) *Envelope {
	return &Envelope{Kind: KindProgress, SessionID: e.SessionID, Progress: e, Timestamp: e.Timestamp}
}

// NewTask wraps a task event for delivery.
func NewTask(e *TaskEvent) *Envelope {
	return &Envelope{Kind: KindTask, SessionID: e.SessionID, Task: e, Timestamp: e.Timestamp}
}

// NewSessionNotice wraps a session lifecycle notice for delivery.
func NewSessionNotice(n *SessionNotice, at time.Time) *Envelope {
	return &Envelope{Kind: KindSession, SessionID: n.SessionID, Session: n, Timestamp: at}
}

// NewGap builds a gap marker envelope for a subscriber queue overflow.
func NewGap(sessionID string, dropped int, at time.Time) *Envelope {
	return &Envelope{
		Kind:      KindGap,
		SessionID: sessionID,
		Gap:       &GapMarker{SessionID: sessionID, Dropped: dropped},
		Timestamp: at,
	}
}
