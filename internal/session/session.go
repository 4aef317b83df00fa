package session

import (
	"time"

	"github.com/forgepulse/forgepulse/internal/event"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the session accepts no further events.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// TaskRecord is the tracked state of one task within a phase.
type TaskRecord struct {
	ID        string            `json:"taskId"`
	AgentID   string            `json:"agentId"`
	Type      event.TaskType    `json:"type"`
	Action    string            `json:"action,omitempty"`
	Status    event.TaskStatus  `json:"status"`
	Progress  float64           `json:"progress"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Retries   int               `json:"retries"`
	Result    *event.Result     `json:"result,omitempty"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
}

// PhaseState is the tracked state of one pipeline phase.
type PhaseState struct {
	Status    event.PhaseStatus `json:"status"`
	Progress  float64           `json:"progress"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
	Tasks     []*TaskRecord     `json:"tasks,omitempty"`
}

// Task returns the task record with the given id, or nil.
func (p *PhaseState) Task(id string) *TaskRecord {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AgentStats is one contributing agent's roster entry.
type AgentStats struct {
	ID               string  `json:"agentId"`
	TasksCompleted   int     `json:"tasksCompleted"`
	TasksFailed      int     `json:"tasksFailed"`
	PerformanceScore float64 `json:"performanceScore"`
}

// Session is the tracked state of one generation pipeline run. All mutation
// goes through Registry.Mutate, which serializes access per session.
type Session struct {
	ID           string `json:"sessionId"`
	UserID       string `json:"userId"`
	ArtifactName string `json:"artifactName"`

	Status              Status       `json:"status"`
	StartTime           time.Time    `json:"startTime"`
	EstimatedCompletion time.Time    `json:"estimatedCompletion"`
	CurrentPhase        event.Phase  `json:"currentPhase"`
	OverallProgress     float64      `json:"overallProgress"`

	Phases       map[event.Phase]*PhaseState `json:"phases"`
	QualityScore *float64                    `json:"qualityScore,omitempty"`
	Agents       map[string]*AgentStats      `json:"agents"`

	LastEventAt time.Time `json:"lastEventAt"`
	EndedAt     time.Time `json:"endedAt,omitempty"`
}

// newSession builds a running session with all phases pending.
func newSession(id, userID, artifact string, now time.Time) *Session {
	phases := make(map[event.Phase]*PhaseState, len(event.Phases()))
	for _, p := range event.Phases() {
		phases[p] = &PhaseState{Status: event.PhasePending}
	}
	return &Session{
		ID:           id,
		UserID:       userID,
		ArtifactName: artifact,
		Status:       StatusRunning,
		StartTime:    now,
		CurrentPhase: event.PhaseAnalysis,
		Phases:       phases,
		Agents:       make(map[string]*AgentStats),
		LastEventAt:  now,
	}
}

// Snapshot returns a deep copy safe for readers while the original keeps
// being mutated.
func (s *Session) Snapshot() *Session {
	cp := *s
	cp.Phases = make(map[event.Phase]*PhaseState, len(s.Phases))
	for p, ps := range s.Phases {
		pc := *ps
		pc.Tasks = make([]*TaskRecord, len(ps.Tasks))
		for i, t := range ps.Tasks {
			tc := *t
			pc.Tasks[i] = &tc
		}
		cp.Phases[p] = &pc
	}
	cp.Agents = make(map[string]*AgentStats, len(s.Agents))
	for id, a := range s.Agents {
		ac := *a
		cp.Agents[id] = &ac
	}
	if s.QualityScore != nil {
		q := *s.QualityScore
		cp.QualityScore = &q
	}
	return &cp
}

// ForceFail marks every non-completed phase failed. Used when a session is
// terminated or expires mid-run.
func (s *Session) ForceFail(now time.Time) {
	for _, ps := range s.Phases {
		if ps.Status == event.PhaseActive || ps.Status == event.PhasePending {
			ps.Status = event.PhaseFailed
			if ps.EndedAt == nil {
				t := now
				ps.EndedAt = &t
			}
		}
	}
}
