package report

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/forgepulse/forgepulse/internal/health"
	"github.com/forgepulse/forgepulse/internal/trend"
)

// ruleContext is one service's current state as seen by the rule evaluator.
type ruleContext struct {
	service string
	sample  *health.Sample
	trend   trend.Trend
}

// evalCondition evaluates a rule condition string against a service context.
//
// Supported expressions (field operator value):
//
//	error_rate > 0.2
//	response_time_ms > 500
//	slope_pct > 25
//	sample_count < 5
//	confidence < 0.5
//	status == unhealthy
//	direction == degrading
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, c ruleContext) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch field {
	case "status":
		if op == "==" && c.sample != nil {
			return string(c.sample.Status) == rhs, 0
		}
		return false, 0

	case "direction":
		if op == "==" {
			return string(c.trend.Direction) == rhs, c.trend.SlopePct
		}
		return false, 0

	default:
		v, ok := numericField(field, c)
		if !ok {
			return false, 0
		}
		threshold, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return false, 0
		}
		return compareFloat(v, op, threshold), v
	}
}

// numericField maps a field name to its value in the service context.
func numericField(field string, c ruleContext) (float64, bool) {
	switch field {
	case "error_rate":
		return c.trend.ErrorRate, true
	case "response_time_ms":
		if c.sample == nil {
			return 0, false
		}
		return float64(c.sample.ResponseTime.Milliseconds()), true
	case "slope_pct":
		return c.trend.SlopePct, true
	case "sample_count":
		return float64(c.trend.SampleCount), true
	case "confidence":
		return c.trend.Confidence, true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	default:
		return false
	}
}

// renderMessage fills a rule's message template. An empty template falls
// back to a generic description of what fired.
func renderMessage(template, condition string, c ruleContext, value float64) string {
	if template == "" {
		return fmt.Sprintf("service %s: %s (value %.1f)", c.service, condition, value)
	}
	msg := strings.ReplaceAll(template, "{service}", c.service)
	msg = strings.ReplaceAll(msg, "{value}", strconv.FormatFloat(value, 'f', 1, 64))
	return msg
}
