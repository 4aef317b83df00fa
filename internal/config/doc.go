// Package config loads and validates the forgepulse YAML configuration:
// server settings, pipeline tracking parameters (phase weights, retry
// bounds, TTLs), and health sampling settings including the monitored
// service list and the recommendation rule set.
package config
