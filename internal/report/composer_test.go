package report

import (
	"testing"
	"time"

	"github.com/forgepulse/forgepulse/internal/config"
	"github.com/forgepulse/forgepulse/internal/health"
	"github.com/forgepulse/forgepulse/internal/trend"
)

var reportTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func seedWindows(t *testing.T) *health.Windows {
	t.Helper()
	ws := health.NewWindows([]string{"generator", "compiler", "validator"}, 20)

	append1 := func(service string, status health.Status, rt time.Duration, metrics map[string]float64) {
		w, ok := ws.Get(service)
		if !ok {
			t.Fatalf("no window for %s", service)
		}
		w.Append(&health.Sample{
			Service:      service,
			Status:       status,
			ResponseTime: rt,
			Errors:       []string{},
			Metrics:      metrics,
			Timestamp:    reportTime,
		})
	}

	append1("generator", health.StatusHealthy, 120*time.Millisecond,
		map[string]float64{"go_goroutines": 17})
	append1("compiler", health.StatusUnhealthy, 0, nil)
	append1("validator", health.StatusDegraded, 900*time.Millisecond, nil)
	return ws
}

func newTestComposer(t *testing.T, rules []config.RecommendationRule) (*Composer, *health.Windows) {
	t.Helper()
	ws := seedWindows(t)
	c := New(ws, trend.New(ws, 5, 10.0), rules)
	c.now = func() time.Time { return reportTime }
	return c, ws
}

func TestQuick_WorstOf(t *testing.T) {
	c, _ := newTestComposer(t, nil)

	q := c.Quick()
	if q.Status != health.StatusUnhealthy {
		t.Errorf("status: got %s, want %s", q.Status, health.StatusUnhealthy)
	}
	if want := "1/3 services healthy, worst: compiler (unhealthy)"; q.Summary != want {
		t.Errorf("summary: got %q, want %q", q.Summary, want)
	}
}

func TestQuick_NoSamples(t *testing.T) {
	ws := health.NewWindows([]string{"generator"}, 20)
	c := New(ws, trend.New(ws, 5, 10.0), nil)

	q := c.Quick()
	if q.Status != health.StatusHealthy {
		t.Errorf("status: got %s, want healthy before any probe cycle", q.Status)
	}
	if q.Summary != "no samples yet" {
		t.Errorf("summary: got %q", q.Summary)
	}
}

func TestCompose(t *testing.T) {
	c, _ := newTestComposer(t, []config.RecommendationRule{
		{
			Name:      "service-down",
			Condition: "status == unhealthy",
			Message:   "{service} is down, check its logs",
			Severity:  "critical",
		},
		{
			Name:      "slow-service",
			Condition: "response_time_ms > 500",
			Message:   "{service} responding in {value}ms",
		},
	})

	rep := c.Compose()

	if rep.Overall != health.StatusUnhealthy {
		t.Errorf("overall: got %s, want %s", rep.Overall, health.StatusUnhealthy)
	}
	if !rep.Timestamp.Equal(reportTime) {
		t.Errorf("timestamp: got %v, want %v", rep.Timestamp, reportTime)
	}
	if len(rep.Services) != 3 {
		t.Fatalf("services: got %d, want 3", len(rep.Services))
	}
	// Configuration order is preserved.
	for i, want := range []string{"generator", "compiler", "validator"} {
		if rep.Services[i].Name != want {
			t.Errorf("service %d: got %s, want %s", i, rep.Services[i].Name, want)
		}
	}
	if got := rep.Services[0].ResponseTime; got != 120 {
		t.Errorf("generator responseTime: got %v ms, want 120", got)
	}

	if got := rep.SystemMetrics["generator.go_goroutines"]; got != 17 {
		t.Errorf("systemMetrics: got %v, want 17", got)
	}

	if len(rep.Recommendations) != 2 {
		t.Fatalf("recommendations: got %+v, want 2", rep.Recommendations)
	}
	byRule := map[string]Recommendation{}
	for _, r := range rep.Recommendations {
		byRule[r.Rule] = r
	}
	down := byRule["service-down"]
	if down.Service != "compiler" || down.Severity != "critical" {
		t.Errorf("service-down: got %+v", down)
	}
	if want := "compiler is down, check its logs"; down.Message != want {
		t.Errorf("service-down message: got %q, want %q", down.Message, want)
	}
	slow := byRule["slow-service"]
	if slow.Service != "validator" || slow.Value != 900 {
		t.Errorf("slow-service: got %+v", slow)
	}
	if slow.Severity != "warning" {
		t.Errorf("default severity: got %q, want warning", slow.Severity)
	}
}

func TestCompose_SetRulesHotReload(t *testing.T) {
	c, _ := newTestComposer(t, nil)

	if rep := c.Compose(); len(rep.Recommendations) != 0 {
		t.Fatalf("recommendations without rules: got %d", len(rep.Recommendations))
	}

	c.SetRules([]config.RecommendationRule{
		{Name: "any-degraded", Condition: "status == degraded", Severity: "info"},
	})

	rep := c.Compose()
	if len(rep.Recommendations) != 1 || rep.Recommendations[0].Service != "validator" {
		t.Errorf("after SetRules: got %+v", rep.Recommendations)
	}
}

func TestCompose_SkipsUnsampledServices(t *testing.T) {
	ws := health.NewWindows([]string{"generator", "idle"}, 20)
	w, _ := ws.Get("generator")
	w.Append(&health.Sample{
		Service:      "generator",
		Status:       health.StatusHealthy,
		ResponseTime: 100 * time.Millisecond,
		Errors:       []string{},
		Timestamp:    reportTime,
	})
	c := New(ws, trend.New(ws, 5, 10.0), nil)
	c.now = func() time.Time { return reportTime }

	rep := c.Compose()
	if len(rep.Services) != 1 || rep.Services[0].Name != "generator" {
		t.Errorf("services: got %+v, want only generator", rep.Services)
	}
}
