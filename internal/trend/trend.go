package trend

import (
	"errors"
	"sync"
	"time"

	"github.com/forgepulse/forgepulse/internal/health"
)

// ErrUnknownService is returned for services outside the configured set.
var ErrUnknownService = errors.New("unknown service")

// Direction classifies a service's recent movement.
type Direction string

const (
	Improving Direction = "improving"
	Stable    Direction = "stable"
	Degrading Direction = "degrading"
)

// Trend is the derived signal for one service's current window.
type Trend struct {
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	SampleCount int       `json:"sampleCount"`

	// MeanResponseTime and SlopePct feed the recommendation rules.
	MeanResponseTime time.Duration `json:"-"`
	SlopePct         float64       `json:"-"`
	ErrorRate        float64       `json:"-"`
}

// Engine computes trends over the health sample windows. Thresholds are
// hot-reloadable; all methods are safe for concurrent use.
type Engine struct {
	windows *health.Windows

	mu         sync.RWMutex
	minSamples int
	slopePct   float64
}

// New creates an Engine. minSamples is the window fill below which no
// directional claim is made; slopePct is the half-window mean change (in
// percent) beyond which response-time movement counts as a direction.
func New(windows *health.Windows, minSamples int, slopePct float64) *Engine {
	return &Engine{windows: windows, minSamples: minSamples, slopePct: slopePct}
}

// SetThresholds replaces the classification thresholds (config hot-reload).
func (e *Engine) SetThresholds(minSamples int, slopePct float64) {
	e.mu.Lock()
	e.minSamples = minSamples
	e.slopePct = slopePct
	e.mu.Unlock()
}

// TrendFor computes the current trend for one configured service.
//
// Direction comes from comparing the window's older half against its newer
// half: mean response time moving beyond the slope threshold, or a rising
// error rate, classifies the window as degrading; a falling mean with a
// non-increasing error rate classifies it as improving. Sparse windows are
// always stable — never a strong claim from little data.
func (e *Engine) TrendFor(service string) (Trend, error) {
	w, ok := e.windows.Get(service)
	if !ok {
		return Trend{}, ErrUnknownService
	}

	e.mu.RLock()
	minSamples, slopeThreshold := e.minSamples, e.slopePct
	e.mu.RUnlock()

	samples := w.Samples()
	n := len(samples)

	t := Trend{
		Direction:   Stable,
		SampleCount: n,
		Confidence:  float64(n) / float64(w.Cap()),
	}
	if t.Confidence > 1 {
		t.Confidence = 1
	}
	if n == 0 {
		return t, nil
	}

	t.MeanResponseTime = meanResponse(samples)
	t.ErrorRate = errorRate(samples)

	if n < minSamples {
		return t, nil
	}

	older, newer := samples[:n/2], samples[n/2:]
	oldMean := float64(meanResponse(older))
	newMean := float64(meanResponse(newer))

	switch {
	case oldMean > 0:
		t.SlopePct = (newMean - oldMean) / oldMean * 100
	case newMean > 0:
		t.SlopePct = 100
	}

	errDelta := errorRate(newer) - errorRate(older)

	switch {
	case t.SlopePct > slopeThreshold || errDelta > 0:
		t.Direction = Degrading
	case t.SlopePct < -slopeThreshold && errDelta <= 0:
		t.Direction = Improving
	}
	return t, nil
}

// meanResponse averages the samples' response times.
func meanResponse(samples []*health.Sample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s.ResponseTime
	}
	return sum / time.Duration(len(samples))
}

// errorRate is the fraction of samples with status other than healthy.
func errorRate(samples []*health.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var bad int
	for _, s := range samples {
		if s.Status != health.StatusHealthy {
			bad++
		}
	}
	return float64(bad) / float64(len(samples))
}
