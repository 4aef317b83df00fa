// Package report assembles the on-demand health report: the latest sample
// and trend per configured service, the worst-of overall status, aggregated
// system metrics, and recommendations from a configurable rule set.
package report
