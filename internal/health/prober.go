package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/forgepulse/forgepulse/internal/config"
)

// Prober performs one health check against one service. A probe never
// fails as a call: connectivity and timeout problems come back as an
// unhealthy Sample with the reason in Errors.
type Prober interface {
	Probe(ctx context.Context) *Sample
}

// httpProber checks a service's health endpoint and optionally scrapes its
// Prometheus metrics endpoint for the report's system metrics.
type httpProber struct {
	svc    config.Service
	client *http.Client
	slow   time.Duration
	now    func() time.Time
}

// NewHTTPProber builds a Prober for one configured service. The HTTP client
// is built once and reused across probe calls.
func NewHTTPProber(svc config.Service, timeout, slow time.Duration) Prober {
	return &httpProber{
		svc:    svc,
		client: &http.Client{Timeout: timeout},
		slow:   slow,
		now:    time.Now,
	}
}

func (p *httpProber) Probe(ctx context.Context) *Sample {
	start := p.now()
	sample := &Sample{
		Service:   p.svc.Name,
		Status:    StatusHealthy,
		Errors:    []string{},
		Timestamp: start,
	}

	code, err := p.check(ctx)
	sample.ResponseTime = p.now().Sub(start)

	switch {
	case err != nil:
		sample.Status = StatusUnhealthy
		sample.Errors = append(sample.Errors, err.Error())
		return sample
	case code >= 500:
		sample.Status = StatusUnhealthy
		sample.Errors = append(sample.Errors, fmt.Sprintf("health endpoint returned %d", code))
	case code >= 400:
		sample.Status = StatusDegraded
		sample.Errors = append(sample.Errors, fmt.Sprintf("health endpoint returned %d", code))
	case sample.ResponseTime > p.slow:
		sample.Status = StatusDegraded
		sample.Errors = append(sample.Errors,
			fmt.Sprintf("slow response: %s over %s threshold", sample.ResponseTime, p.slow))
	}

	// Metrics are best-effort enrichment: a failed scrape degrades nothing.
	if p.svc.MetricsEndpoint != "" {
		if metrics, merr := p.scrapeMetrics(ctx); merr == nil {
			sample.Metrics = metrics
		}
	}
	return sample
}

// check GETs the health endpoint and returns its status code.
func (p *httpProber) check(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.svc.Endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, nil
}

// scrapeMetrics fetches the Prometheus exposition endpoint and sums the
// configured metric families into named gauges.
func (p *httpProber) scrapeMetrics(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.svc.MetricsEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	mfs, err := parseMetrics(resp.Body)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(p.svc.Metrics))
	for _, name := range p.svc.Metrics {
		out[name] = sumFamily(mfs[name])
	}
	return out, nil
}

// parseMetrics decodes a Prometheus text exposition from r into metric
// families. A partial result with a non-fatal parse warning is still
// returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	return mfs, nil
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil (metric not present in the scrape).
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
