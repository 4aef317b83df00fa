package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/forgepulse/forgepulse/internal/config"
	"github.com/forgepulse/forgepulse/internal/health"
	"github.com/forgepulse/forgepulse/internal/trend"
)

// ServiceReport is one service's entry in the full report. Field names are
// the wire contract shared with report consumers.
type ServiceReport struct {
	Name         string        `json:"name"`
	Status       health.Status `json:"status"`
	ResponseTime float64       `json:"responseTime"` // milliseconds
	Errors       []string      `json:"errors"`
	LastChecked  time.Time     `json:"lastChecked"`
}

// Recommendation is one fired rule's advice.
type Recommendation struct {
	Rule     string  `json:"rule"`
	Service  string  `json:"service"`
	Severity string  `json:"severity"`
	Message  string  `json:"message"`
	Value    float64 `json:"value"`
}

// Report is the full health report.
type Report struct {
	Overall         health.Status      `json:"overall"`
	Timestamp       time.Time          `json:"timestamp"`
	Services        []ServiceReport    `json:"services"`
	SystemMetrics   map[string]float64 `json:"systemMetrics"`
	Recommendations []Recommendation   `json:"recommendations"`
}

// QuickStatus is the cheap status summary; no probe cycle is triggered.
type QuickStatus struct {
	Status  health.Status `json:"status"`
	Summary string        `json:"summary"`
}

// Composer builds health reports from the latest samples and trends. The
// rule set is hot-reloadable; all methods are safe for concurrent use.
type Composer struct {
	windows *health.Windows
	trends  *trend.Engine

	mu    sync.RWMutex
	rules []config.RecommendationRule
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Composer over the given windows and trend engine.
func New(windows *health.Windows, trends *trend.Engine, rules []config.RecommendationRule) *Composer {
	return &Composer{
		windows: windows,
		trends:  trends,
		rules:   rules,
		now:     time.Now,
	}
}

// SetRules replaces the recommendation rule set (config hot-reload).
func (c *Composer) SetRules(rules []config.RecommendationRule) {
	c.mu.Lock()
	c.rules = rules
	c.mu.Unlock()
}

// Quick returns the overall status and a one-line summary from the latest
// sample per service.
func (c *Composer) Quick() QuickStatus {
	overall := health.StatusHealthy
	var worst string
	total, healthy := 0, 0

	for _, name := range c.windows.Services() {
		w, _ := c.windows.Get(name)
		latest := w.Latest()
		if latest == nil {
			continue
		}
		total++
		if latest.Status == health.StatusHealthy {
			healthy++
		}
		if health.Worse(overall, latest.Status) != overall {
			worst = name
		}
		overall = health.Worse(overall, latest.Status)
	}

	if total == 0 {
		return QuickStatus{Status: health.StatusHealthy, Summary: "no samples yet"}
	}
	summary := fmt.Sprintf("%d/%d services healthy", healthy, total)
	if worst != "" {
		summary += fmt.Sprintf(", worst: %s (%s)", worst, overall)
	}
	return QuickStatus{Status: overall, Summary: summary}
}

// Compose builds the full report: the latest sample per configured service,
// overall as the worst per-service status, aggregated system metrics, and
// the recommendations fired by the current rule set.
func (c *Composer) Compose() *Report {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	rep := &Report{
		Overall:         health.StatusHealthy,
		Timestamp:       c.now(),
		Services:        []ServiceReport{},
		SystemMetrics:   map[string]float64{},
		Recommendations: []Recommendation{},
	}

	for _, name := range c.windows.Services() {
		w, _ := c.windows.Get(name)
		latest := w.Latest()
		if latest == nil {
			continue
		}

		rep.Overall = health.Worse(rep.Overall, latest.Status)
		rep.Services = append(rep.Services, ServiceReport{
			Name:         name,
			Status:       latest.Status,
			ResponseTime: float64(latest.ResponseTime.Milliseconds()),
			Errors:       append([]string{}, latest.Errors...),
			LastChecked:  latest.Timestamp,
		})

		for metric, v := range latest.Metrics {
			rep.SystemMetrics[name+"."+metric] = v
		}

		tr, err := c.trends.TrendFor(name)
		if err != nil {
			continue
		}
		ctx := ruleContext{service: name, sample: latest, trend: tr}
		for _, rule := range rules {
			if fires, value := evalCondition(rule.Condition, ctx); fires {
				rep.Recommendations = append(rep.Recommendations, Recommendation{
					Rule:     rule.Name,
					Service:  name,
					Severity: severityOrDefault(rule.Severity),
					Message:  renderMessage(rule.Message, rule.Condition, ctx, value),
					Value:    value,
				})
			}
		}
	}
	return rep
}

func severityOrDefault(s string) string {
	if s == "" {
		return "warning"
	}
	return s
}
