// Package telemetry provides observability instrumentation for the
// provisioning gateway.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Components receive a zerolog.Logger tagged with their name:
//
//	logger := tel.Logger.NewComponentLogger("provisioning").Zerolog()
//
// # Tracing
//
// A provisioning request opens one root span with child spans for rule
// evaluation and for each backend call:
//
//	ctx, span := tel.Tracer.StartRequestSpan(ctx, requestID, "create", "ldap", accountID)
//	defer span.End()
//
// Exporters: "stdout" for development, "otlp" (gRPC) for a collector, "none"
// to sample without exporting.
//
// # Metrics
//
// Metrics live in a private registry and are served by Metrics.Handler:
//
//   - provisioning_requests_total{operation,target,outcome}
//   - provisioning_duration_seconds{operation,target}
//   - in_flight_requests
//   - connector_calls_total{connector,operation}
//   - connector_call_duration_seconds{connector,operation}
//   - connector_errors_total{connector,operation,kind}
//   - rule_evaluations_total{target,status}
//   - rules_reloads_total{status} and rules_version
//   - audit_failures_total
//
// # Events
//
// The EventPublisher broadcasts every stage transition of a request
// (provisioning.received, .attributes_computed, .backend_applied, .audited,
// .failed) and every rules reload. events.types and events.targets narrow
// what is published; subscribers may filter further by level. The serve
// command logs events at or above events.log_level:
//
//	tel.Events.Subscribe(
//	    telemetry.LogSubscriber(tel.Logger.NewComponentLogger("events").Zerolog()),
//	    telemetry.FilterByLevel(cfg.Events.LogLevel),
//	)
package telemetry
