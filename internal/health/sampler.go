package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgepulse/forgepulse/internal/config"
)

// Sampler probes every configured service on a fixed interval and appends
// the results to the per-service rolling windows.
type Sampler struct {
	probers  map[string]Prober
	windows  *Windows
	interval time.Duration
	timeout  time.Duration
}

// NewSampler builds a Sampler with one HTTP prober per configured service.
func NewSampler(cfg config.HealthConfig, windows *Windows) *Sampler {
	probers := make(map[string]Prober, len(cfg.Services))
	for _, svc := range cfg.Services {
		probers[svc.Name] = NewHTTPProber(svc, cfg.ProbeTimeout, cfg.SlowThreshold)
		slog.Info("registered service probe", "name", svc.Name, "endpoint", svc.Endpoint)
	}
	return &Sampler{
		probers:  probers,
		windows:  windows,
		interval: cfg.ProbeInterval,
		timeout:  cfg.ProbeTimeout,
	}
}

// Run starts the probe loop. It blocks until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe cycle. Services are probed concurrently, each
// under its own timeout, so one unresponsive service cannot stall the rest.
func (s *Sampler) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for name, p := range s.probers {
		w, ok := s.windows.Get(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, p Prober, w *Window) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			sample := p.Probe(probeCtx)
			w.Append(sample)

			if sample.Status != StatusHealthy {
				slog.Warn("service probe",
					"service", name,
					"status", sample.Status,
					"response_time", sample.ResponseTime,
					"errors", sample.Errors,
				)
			}
		}(name, p, w)
	}
	wg.Wait()
}
