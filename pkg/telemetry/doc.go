// Package telemetry provides logging, metrics, tracing, and the in-process
// session event bus for the provisioning orchestrator.
//
// Logging is structured via zerolog with session/stage field helpers.
// Metrics are Prometheus collectors on a private registry, exposed through
// Handler(). Tracing uses the OpenTelemetry SDK with OTLP or stdout
// exporters. The SessionBus carries orchestrator transitions to in-process
// subscribers keyed by session id; polling the session store remains the
// authoritative contract.
package telemetry
