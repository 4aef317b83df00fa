package health

import (
	"sync"
	"time"
)

// Status is a service health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst.
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse returns the worse of two statuses under healthy < degraded < unhealthy.
func Worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Sample is one probe result. Samples are immutable once recorded.
type Sample struct {
	Service      string             `json:"name"`
	Status       Status             `json:"status"`
	ResponseTime time.Duration      `json:"responseTime"`
	Errors       []string           `json:"errors"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Timestamp    time.Time          `json:"lastChecked"`
}

// Window is a fixed-capacity rolling buffer of one service's samples, oldest
// evicted on overflow. Safe for concurrent use.
type Window struct {
	mu      sync.RWMutex
	samples []*Sample
	cap     int
}

// NewWindow creates a Window holding up to capacity samples.
func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{cap: capacity}
}

// Append records a sample, evicting the oldest when full.
func (w *Window) Append(s *Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
}

// Samples returns a copy of the window, oldest first.
func (w *Window) Samples() []*Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// Latest returns the most recent sample, or nil when the window is empty.
func (w *Window) Latest() *Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return nil
	}
	return w.samples[len(w.samples)-1]
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}

// Cap returns the window's fixed capacity.
func (w *Window) Cap() int {
	return w.cap
}

// Windows holds the per-service rolling buffers for the fixed service set.
type Windows struct {
	byService map[string]*Window
	order     []string
}

// NewWindows allocates one Window per named service.
func NewWindows(services []string, capacity int) *Windows {
	ws := &Windows{
		byService: make(map[string]*Window, len(services)),
		order:     append([]string(nil), services...),
	}
	for _, name := range services {
		ws.byService[name] = NewWindow(capacity)
	}
	return ws
}

// Get returns the window for a configured service.
func (ws *Windows) Get(service string) (*Window, bool) {
	w, ok := ws.byService[service]
	return w, ok
}

// Services returns the configured service names in configuration order.
func (ws *Windows) Services() []string {
	return append([]string(nil), ws.order...)
}
