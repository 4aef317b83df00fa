package progress

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"
	"unsafe"

	"github.com/forgepulse/forgepulse/internal/event"
	"github.com/forgepulse/forgepulse/internal/session"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// capturePublisher records published envelopes for assertions.
type capturePublisher struct {
	mu   sync.Mutex
	envs []*event.Envelope
}

func (p *capturePublisher) Publish(_ string, env *event.Envelope) {
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
}

func (p *capturePublisher) published() []*event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*event.Envelope, len(p.envs))
	copy(out, p.envs)
	return out
}

func (p *capturePublisher) kinds() []event.Kind {
	var out []event.Kind
	for _, env := range p.published() {
		out = append(out, env.Kind)
	}
	return out
}

func testWeights(t *testing.T) Weights {
	t.Helper()
	w, err := ParseWeights(map[string]float64{
		"analysis":     0.10,
		"optimization": 0.15,
		"generation":   0.35,
		"quality":      0.15,
		"compilation":  0.15,
		"assessment":   0.10,
	})
	if err != nil {
		t.Fatalf("ParseWeights: %v", err)
	}
	return w
}

func newTestAggregator(t *testing.T) (*Aggregator, *capturePublisher, *time.Time) {
	t.Helper()
	pub := &capturePublisher{}
	// Some tests jump the fake clock by up to an hour between events, so use
	// effectively-infinite TTLs to keep staleness out of these tests' way.
	reg := session.NewRegistry(pub, 1000000*time.Hour, 1000000*time.Hour)
	a := NewAggregator(reg, pub, testWeights(t), 3, 2*time.Hour)
	clock := baseTime
	a.now = func() time.Time { return clock }
	setRegistryClock(reg, func() time.Time { return clock })
	return a, pub, &clock
}

// setRegistryClock injects the fake clock into the registry's unexported now
// field so sessions it creates carry baseTime-relative timestamps.
func setRegistryClock(reg *session.Registry, now func() time.Time) {
	f := reflect.ValueOf(reg).Elem().FieldByName("now")
	reflect.NewAt(f.Type(), unsafe.Pointer(f.UnsafeAddr())).Elem().Set(reflect.ValueOf(now))
}

func progressEv(sessionID string, phase event.Phase, progress float64) *event.ProgressEvent {
	return &event.ProgressEvent{
		SessionID: sessionID,
		UserID:    "u-1",
		Phase:     phase,
		Step:      "working",
		Progress:  progress,
	}
}

func taskEv(sessionID, taskID string, typ event.TaskType, status event.TaskStatus) *event.TaskEvent {
	return &event.TaskEvent{
		SessionID: sessionID,
		TaskID:    taskID,
		Type:      typ,
		Action:    "run",
		Status:    status,
		AgentID:   "agent-1",
	}
}

func mustApply(t *testing.T, a *Aggregator, ev *event.ProgressEvent) {
	t.Helper()
	if err := a.ApplyProgressEvent(ev); err != nil {
		t.Fatalf("ApplyProgressEvent(%s %.0f%%): %v", ev.Phase, ev.Progress, err)
	}
}

func getSession(t *testing.T, a *Aggregator, id string) *session.Session {
	t.Helper()
	s, err := a.reg.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return s
}

func TestApplyProgressEvent_CreatesSession(t *testing.T) {
	a, pub, _ := newTestAggregator(t)

	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	s := getSession(t, a, "s-1")
	if s.UserID != "u-1" {
		t.Errorf("userId: got %q, want u-1", s.UserID)
	}
	if s.Phases[event.PhaseAnalysis].Status != event.PhaseActive {
		t.Errorf("analysis status: got %s, want %s",
			s.Phases[event.PhaseAnalysis].Status, event.PhaseActive)
	}
	if got := pub.kinds(); len(got) != 1 || got[0] != event.KindProgress {
		t.Errorf("published kinds: got %v, want [progress]", got)
	}
}

func TestApplyProgressEvent_WeightedOverall(t *testing.T) {
	a, _, _ := newTestAggregator(t)

	// analysis done (0.10) + generation done (0.35) = 45% overall.
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 100))
	mustApply(t, a, progressEv("s-1", event.PhaseGeneration, 100))

	s := getSession(t, a, "s-1")
	if math.Abs(s.OverallProgress-45) > 1e-9 {
		t.Errorf("overall: got %v, want 45", s.OverallProgress)
	}
	if s.Phases[event.PhaseAnalysis].Status != event.PhaseCompleted {
		t.Errorf("analysis: got %s, want completed", s.Phases[event.PhaseAnalysis].Status)
	}
	// Current phase is the earliest non-completed one.
	if s.CurrentPhase != event.PhaseOptimization {
		t.Errorf("currentPhase: got %s, want %s", s.CurrentPhase, event.PhaseOptimization)
	}
}

func TestApplyProgressEvent_Monotonic(t *testing.T) {
	a, _, _ := newTestAggregator(t)

	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 60))
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 40)) // out-of-order

	s := getSession(t, a, "s-1")
	if got := s.Phases[event.PhaseAnalysis].Progress; got != 60 {
		t.Errorf("phase progress regressed: got %v, want 60", got)
	}
	if math.Abs(s.OverallProgress-6) > 1e-9 { // 60 × 0.10
		t.Errorf("overall: got %v, want 6", s.OverallProgress)
	}
}

func TestApplyProgressEvent_StepCompletedFinishesPhase(t *testing.T) {
	a, _, _ := newTestAggregator(t)

	ev := progressEv("s-1", event.PhaseAnalysis, 80)
	ev.Step = StepCompleted
	mustApply(t, a, ev)

	s := getSession(t, a, "s-1")
	ps := s.Phases[event.PhaseAnalysis]
	if ps.Status != event.PhaseCompleted || ps.Progress != 100 {
		t.Errorf("phase: got status=%s progress=%v, want completed/100", ps.Status, ps.Progress)
	}
}

func TestApplyProgressEvent_AllPhasesCompleteSession(t *testing.T) {
	a, pub, _ := newTestAggregator(t)

	for _, p := range event.Phases() {
		mustApply(t, a, progressEv("s-1", p, 100))
	}

	s := getSession(t, a, "s-1")
	if s.Status != session.StatusCompleted {
		t.Errorf("status: got %s, want %s", s.Status, session.StatusCompleted)
	}
	if s.OverallProgress != 100 {
		t.Errorf("overall: got %v, want 100", s.OverallProgress)
	}

	envs := pub.published()
	last := envs[len(envs)-1]
	if last.Kind != event.KindSession || last.Session.Status != string(session.StatusCompleted) {
		t.Errorf("final envelope: got %+v, want completed session notice", last)
	}

	// A terminal session rejects further events.
	err := a.ApplyProgressEvent(progressEv("s-1", event.PhaseAnalysis, 50))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("event after completion: got %v, want ErrInvalidTransition", err)
	}
}

func TestApplyProgressEvent_RejectsOutOfRange(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	if err := a.ApplyProgressEvent(progressEv("s-1", event.PhaseAnalysis, 140)); err == nil {
		t.Error("progress 140: expected validation error")
	}
	if err := a.ApplyProgressEvent(progressEv("", event.PhaseAnalysis, 10)); err == nil {
		t.Error("empty sessionId: expected validation error")
	}
}

func TestApplyProgressEvent_EstimatedCompletion(t *testing.T) {
	a, _, clock := newTestAggregator(t)

	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 1))

	// 50% overall after 10 minutes extrapolates to 20 minutes total.
	*clock = baseTime.Add(10 * time.Minute)
	mustApply(t, a, progressEv("s-1", event.PhaseGeneration, 100))
	mustApply(t, a, progressEv("s-1", event.PhaseCompilation, 100))

	s := getSession(t, a, "s-1")
	if math.Abs(s.OverallProgress-50.1) > 1e-9 { // 0.1 + 35 + 15
		t.Fatalf("overall: got %v, want 50.1", s.OverallProgress)
	}
	elapsed := float64(10 * time.Minute)
	want := baseTime.Add(time.Duration(elapsed / 50.1 * 100))
	if got := s.EstimatedCompletion; got.Sub(want) > time.Second || want.Sub(got) > time.Second {
		t.Errorf("estimatedCompletion: got %v, want ~%v", got, want)
	}
}

func TestApplyProgressEvent_EstimateClampedToHorizon(t *testing.T) {
	a, _, clock := newTestAggregator(t)

	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 1))

	// Near-zero progress after an hour would extrapolate far past the horizon.
	*clock = baseTime.Add(time.Hour)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 2))

	s := getSession(t, a, "s-1")
	if got, want := s.EstimatedCompletion, baseTime.Add(2*time.Hour); !got.Equal(want) {
		t.Errorf("estimatedCompletion: got %v, want horizon cap %v", got, want)
	}
}

func TestApplyTaskEvent_UnknownSession(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	err := a.ApplyTaskEvent(taskEv("ghost", "t-1", event.TaskCreation, event.TaskStarted))
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("got %v, want ErrUnknownSession", err)
	}
}

func TestApplyTaskEvent_Lifecycle(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskCreation, event.TaskStarted)); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskCreation, event.TaskCompleted)); err != nil {
		t.Fatalf("completed: %v", err)
	}

	s := getSession(t, a, "s-1")
	ps := s.Phases[event.PhaseGeneration] // creation tasks live in the generation phase
	if ps.Status != event.PhaseActive {
		t.Errorf("generation status: got %s, want active", ps.Status)
	}
	task := ps.Task("t-1")
	if task == nil {
		t.Fatal("task t-1 not recorded")
	}
	if task.Status != event.TaskCompleted || task.Progress != 100 || task.EndedAt == nil {
		t.Errorf("task: got status=%s progress=%v endedAt=%v", task.Status, task.Progress, task.EndedAt)
	}

	ag := s.Agents["agent-1"]
	if ag == nil {
		t.Fatal("agent-1 not in roster")
	}
	if ag.TasksCompleted != 1 || ag.PerformanceScore != 100 {
		t.Errorf("agent: got completed=%d score=%v", ag.TasksCompleted, ag.PerformanceScore)
	}
}

func TestApplyTaskEvent_ImplicitStart(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	// Short-lived tasks may report only a terminal status.
	if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskValidation, event.TaskCompleted)); err != nil {
		t.Fatalf("implicit start: %v", err)
	}
	s := getSession(t, a, "s-1")
	if task := s.Phases[event.PhaseQuality].Task("t-1"); task == nil || task.Status != event.TaskCompleted {
		t.Errorf("task: got %+v, want completed in quality phase", task)
	}
}

func TestApplyTaskEvent_RejectsNewTaskRetrying(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskCreation, event.TaskRetrying))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestApplyTaskEvent_RejectsIllegalTransition(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskCreation, event.TaskCompleted)); err != nil {
		t.Fatalf("completed: %v", err)
	}
	// completed is terminal: no way back.
	err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskCreation, event.TaskProgress))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed → progress: got %v, want ErrInvalidTransition", err)
	}
}

func TestApplyTaskEvent_RetryExhaustion(t *testing.T) {
	a, pub, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskRepair, event.TaskStarted)); err != nil {
		t.Fatalf("started: %v", err)
	}

	// Three retries are within the limit; retrying reopens via started.
	for i := 0; i < 3; i++ {
		if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskRepair, event.TaskRetrying)); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
		if err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskRepair, event.TaskStarted)); err != nil {
			t.Fatalf("restart %d: %v", i+1, err)
		}
	}

	// The fourth retry is forced to failed.
	err := a.ApplyTaskEvent(taskEv("s-1", "t-1", event.TaskRepair, event.TaskRetrying))
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("4th retry: got %v, want ErrRetryExhausted", err)
	}

	s := getSession(t, a, "s-1")
	ps := s.Phases[event.PhaseCompilation] // repair tasks live in the compilation phase
	task := ps.Task("t-1")
	if task.Status != event.TaskFailed || task.Retries != 4 {
		t.Errorf("task: got status=%s retries=%d, want failed/4", task.Status, task.Retries)
	}
	if task.Error == "" {
		t.Error("task error: want populated on forced failure")
	}
	if ps.Status != event.PhaseFailed {
		t.Errorf("phase: got %s, want failed", ps.Status)
	}

	// The enriched event was still forwarded to observers.
	envs := pub.published()
	last := envs[len(envs)-1]
	if last.Kind != event.KindTask || last.Task.Status != event.TaskFailed {
		t.Errorf("forwarded event: got kind=%s status=%v, want forced-failed task", last.Kind, last.Task)
	}
}

func TestApplyTaskEvent_QualityScoreFromResult(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	score := 87.5
	ev := taskEv("s-1", "t-1", event.TaskValidation, event.TaskCompleted)
	ev.Result = &event.Result{Kind: event.TaskValidation, Score: &score}
	if err := a.ApplyTaskEvent(ev); err != nil {
		t.Fatalf("task: %v", err)
	}
	mustApply(t, a, progressEv("s-1", event.PhaseQuality, 100))

	s := getSession(t, a, "s-1")
	if s.QualityScore == nil || *s.QualityScore != 87.5 {
		t.Errorf("qualityScore: got %v, want 87.5", s.QualityScore)
	}
}

func TestAgentScore_SuccessRatio(t *testing.T) {
	a, _, _ := newTestAggregator(t)
	mustApply(t, a, progressEv("s-1", event.PhaseAnalysis, 10))

	for i, st := range []event.TaskStatus{event.TaskCompleted, event.TaskCompleted, event.TaskCompleted, event.TaskFailed} {
		ev := taskEv("s-1", string(rune('a'+i)), event.TaskCreation, st)
		if err := a.ApplyTaskEvent(ev); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}

	s := getSession(t, a, "s-1")
	ag := s.Agents["agent-1"]
	if ag.TasksCompleted != 3 || ag.TasksFailed != 1 {
		t.Fatalf("agent counts: got %d/%d", ag.TasksCompleted, ag.TasksFailed)
	}
	if ag.PerformanceScore != 75 {
		t.Errorf("score: got %v, want 75", ag.PerformanceScore)
	}
}

func TestParseWeights_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   map[string]float64
	}{
		{"bad sum", map[string]float64{
			"analysis": 0.5, "optimization": 0.1, "generation": 0.1,
			"quality": 0.1, "compilation": 0.1, "assessment": 0.3,
		}},
		{"missing phase", map[string]float64{
			"analysis": 0.5, "generation": 0.5,
		}},
		{"unknown phase", map[string]float64{
			"analysis": 0.10, "optimization": 0.15, "generation": 0.35,
			"quality": 0.15, "compilation": 0.15, "deployment": 0.10,
		}},
		{"negative", map[string]float64{
			"analysis": -0.1, "optimization": 0.25, "generation": 0.35,
			"quality": 0.15, "compilation": 0.15, "assessment": 0.20,
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWeights(tc.in); err == nil {
				t.Errorf("ParseWeights(%v): expected error", tc.in)
			}
		})
	}
}
