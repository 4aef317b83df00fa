package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgepulse/forgepulse/internal/event"
	"github.com/forgepulse/forgepulse/internal/session"
)

// Structural errors returned to producers.
var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrRetryExhausted    = errors.New("task retry limit exhausted")
)

// StepCompleted is the step label producers use as an explicit phase
// completion signal, independent of the numeric progress value.
const StepCompleted = "completed"

// Publisher is the fanout capability the aggregator forwards accepted events
// to. The event broadcaster implements it.
type Publisher interface {
	Publish(sessionID string, env *event.Envelope)
}

// Aggregator applies progress and task events to session state. It is the
// only mutator of sessions; all writes run under the registry's per-session
// lock, so concurrent events for one session apply in acceptance order.
type Aggregator struct {
	reg *session.Registry
	pub Publisher

	weights    Weights
	retryLimit int
	maxHorizon time.Duration
	now        func() time.Time // injectable for deterministic tests
}

// NewAggregator wires an Aggregator. weights must be a valid ParseWeights
// result; retryLimit is the number of retries before a task is forced to
// failed; maxHorizon caps completion estimates.
func NewAggregator(reg *session.Registry, pub Publisher, weights Weights, retryLimit int, maxHorizon time.Duration) *Aggregator {
	return &Aggregator{
		reg:        reg,
		pub:        pub,
		weights:    weights,
		retryLimit: retryLimit,
		maxHorizon: maxHorizon,
		now:        time.Now,
	}
}

// ApplyProgressEvent validates and applies a phase-level update, then
// forwards it to the broadcaster. The first progress event for an unknown
// session id creates the session.
func (a *Aggregator) ApplyProgressEvent(ev *event.ProgressEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	now := a.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var completed bool
	apply := func(s *session.Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
		}

		ps := s.Phases[ev.Phase]
		a.activatePhase(ps, now)
		if p := clamp(ev.Progress); p > ps.Progress {
			ps.Progress = p
		}
		if ps.Progress >= 100 || ev.Step == StepCompleted {
			a.completePhase(s, ev.Phase, now)
		}
		if ev.AgentID != "" {
			touchAgent(s, ev.AgentID)
		}

		s.LastEventAt = now
		a.recompute(s, now)
		completed = s.Status == session.StatusCompleted
		return nil
	}

	err := a.reg.Mutate(ev.SessionID, apply)
	if errors.Is(err, session.ErrNotFound) {
		// First event for a new pipeline run — create and retry once.
		if _, cerr := a.reg.Create(ev.SessionID, ev.UserID, ""); cerr != nil && !errors.Is(cerr, session.ErrAlreadyExists) {
			return cerr
		}
		err = a.reg.Mutate(ev.SessionID, apply)
	}
	if err != nil {
		return err
	}

	a.pub.Publish(ev.SessionID, event.NewProgress(ev))
	if completed {
		a.publishCompleted(ev.SessionID, now)
	}
	return nil
}

// ApplyTaskEvent validates and applies one agent's task report, then
// forwards the (possibly enriched) event to the broadcaster. Task events
// for unknown sessions fail with ErrUnknownSession; a retry past the bound
// is applied as a forced failure and reported with ErrRetryExhausted.
func (a *Aggregator) ApplyTaskEvent(ev *event.TaskEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	now := a.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}

	var exhausted, completed bool
	apply := func(s *session.Session) error {
		if s.Status.Terminal() {
			return fmt.Errorf("%w: session %s is %s", ErrInvalidTransition, s.ID, s.Status)
		}

		phase := ev.Type.PhaseFor()
		ps := s.Phases[phase]
		a.activatePhase(ps, now)

		task := ps.Task(ev.TaskID)
		if task == nil {
			// A task's first report is normally "started", but producers may
			// collapse short-lived tasks into a single terminal report.
			if ev.Status == event.TaskRetrying {
				return fmt.Errorf("%w: task %s cannot begin in status %s",
					ErrInvalidTransition, ev.TaskID, ev.Status)
			}
			task = &session.TaskRecord{
				ID:        ev.TaskID,
				AgentID:   ev.AgentID,
				Type:      ev.Type,
				Action:    ev.Action,
				Status:    event.TaskStarted,
				StartedAt: now,
			}
			ps.Tasks = append(ps.Tasks, task)
		} else if !task.Status.CanTransition(ev.Status) {
			return fmt.Errorf("%w: task %s cannot go %s → %s",
				ErrInvalidTransition, ev.TaskID, task.Status, ev.Status)
		}

		status := ev.Status
		if status == event.TaskRetrying {
			task.Retries++
			if task.Retries > a.retryLimit {
				status = event.TaskFailed
				exhausted = true
				if ev.Error == "" {
					ev.Error = fmt.Sprintf("retry limit (%d) exhausted", a.retryLimit)
				}
				// Enrich the forwarded event with the forced transition.
				ev.Status = event.TaskFailed
			}
		}
		task.Status = status
		if ev.Progress != nil {
			task.Progress = clamp(*ev.Progress)
		}
		if ev.Message != "" {
			task.Message = ev.Message
		}
		if ev.Error != "" {
			task.Error = ev.Error
		}
		if ev.Result != nil {
			task.Result = ev.Result
		}

		switch status {
		case event.TaskCompleted:
			t := now
			task.EndedAt = &t
			task.Progress = 100
			ag := touchAgent(s, ev.AgentID)
			ag.TasksCompleted++
			scoreAgent(ag)
		case event.TaskFailed:
			t := now
			task.EndedAt = &t
			ag := touchAgent(s, ev.AgentID)
			ag.TasksFailed++
			scoreAgent(ag)
			if exhausted {
				// A task out of retries takes its phase down with it.
				ps.Status = event.PhaseFailed
				if ps.EndedAt == nil {
					e := now
					ps.EndedAt = &e
				}
			}
		default:
			touchAgent(s, ev.AgentID)
		}

		s.LastEventAt = now
		a.recompute(s, now)
		completed = s.Status == session.StatusCompleted
		return nil
	}

	err := a.reg.Mutate(ev.SessionID, apply)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSession, ev.SessionID)
	}
	if err != nil {
		return err
	}

	a.pub.Publish(ev.SessionID, event.NewTask(ev))
	if completed {
		a.publishCompleted(ev.SessionID, now)
	}
	if exhausted {
		slog.Warn("task retry limit exhausted",
			"session", ev.SessionID, "task", ev.TaskID, "agent", ev.AgentID)
		return fmt.Errorf("%w: task %s", ErrRetryExhausted, ev.TaskID)
	}
	return nil
}

// --- state transitions ------------------------------------------------------

func (a *Aggregator) activatePhase(ps *session.PhaseState, now time.Time) {
	if ps.Status == event.PhasePending {
		ps.Status = event.PhaseActive
		t := now
		ps.StartedAt = &t
	}
}

func (a *Aggregator) completePhase(s *session.Session, p event.Phase, now time.Time) {
	ps := s.Phases[p]
	if ps.Status == event.PhaseCompleted || ps.Status == event.PhaseFailed {
		return
	}
	ps.Status = event.PhaseCompleted
	ps.Progress = 100
	t := now
	ps.EndedAt = &t

	if p == event.PhaseQuality && s.QualityScore == nil {
		q := qualityScore(ps)
		s.QualityScore = &q
	}
}

// recompute derives overall progress (monotonic while non-terminal), the
// current phase, the completion estimate, and terminal completion.
func (a *Aggregator) recompute(s *session.Session, now time.Time) {
	var overall float64
	allDone := true
	current := event.PhaseAssessment
	currentSet := false

	for _, p := range event.Phases() {
		ps := s.Phases[p]
		overall += ps.Progress * a.weights[p]
		if ps.Status != event.PhaseCompleted {
			allDone = false
			if !currentSet {
				current = p
				currentSet = true
			}
		}
	}

	if overall > s.OverallProgress {
		s.OverallProgress = overall
	}
	s.CurrentPhase = current

	if allDone {
		s.Status = session.StatusCompleted
		s.EndedAt = now
		s.OverallProgress = 100
		s.EstimatedCompletion = now
		return
	}

	// Linear extrapolation, clamped so near-zero progress cannot produce a
	// runaway estimate.
	elapsed := now.Sub(s.StartTime)
	p := s.OverallProgress
	if p < 1 {
		p = 1
	}
	total := time.Duration(float64(elapsed) / p * 100)
	if total > a.maxHorizon {
		total = a.maxHorizon
	}
	s.EstimatedCompletion = s.StartTime.Add(total)
}

// publishCompleted emits the terminal lifecycle event once every phase is
// done.
func (a *Aggregator) publishCompleted(sessionID string, now time.Time) {
	a.pub.Publish(sessionID, event.NewSessionNotice(&event.SessionNotice{
		SessionID: sessionID,
		Status:    string(session.StatusCompleted),
		Overall:   100,
	}, now))
}

// --- helpers ----------------------------------------------------------------

func touchAgent(s *session.Session, id string) *session.AgentStats {
	if id == "" {
		id = "unknown"
	}
	ag, ok := s.Agents[id]
	if !ok {
		ag = &session.AgentStats{ID: id, PerformanceScore: 100}
		s.Agents[id] = ag
	}
	return ag
}

// scoreAgent recomputes an agent's performance score as its task success
// ratio on a 0–100 scale.
func scoreAgent(ag *session.AgentStats) {
	total := ag.TasksCompleted + ag.TasksFailed
	if total == 0 {
		ag.PerformanceScore = 100
		return
	}
	ag.PerformanceScore = float64(ag.TasksCompleted) / float64(total) * 100
}

// qualityScore derives the session quality score from the quality phase's
// task outcomes. When a task carried an explicit score, the latest one wins;
// otherwise the success ratio stands in.
func qualityScore(ps *session.PhaseState) float64 {
	var explicit *float64
	var done, failed int
	for _, t := range ps.Tasks {
		if t.Result != nil && t.Result.Score != nil {
			explicit = t.Result.Score
		}
		switch t.Status {
		case event.TaskCompleted:
			done++
		case event.TaskFailed:
			failed++
		}
	}
	if explicit != nil {
		return clamp(*explicit)
	}
	if done+failed == 0 {
		return 100
	}
	return float64(done) / float64(done+failed) * 100
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
