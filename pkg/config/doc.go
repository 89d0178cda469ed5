// Package config loads and validates the daemon's YAML configuration:
// store location, telemetry, per-stage executor policy, reconciler, and
// request-validation policies. The file can be watched for live changes.
package config
