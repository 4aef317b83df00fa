// Package health probes the configured services on a fixed interval and
// keeps a bounded rolling window of immutable samples per service. Probe
// failures become unhealthy samples, never sampler crashes.
package health
