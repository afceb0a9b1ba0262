// Package telemetry provides observability for the orchestrator.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	manager, err := engine.NewDeploymentManager(deployments, queues, adapters, strategies,
//	    tel.ManagerOptions()...)
//
// # Metrics
//
// Metrics live in a private registry and are served by StartMetricsServer:
//
//   - envforge_operations_total{operation,state}
//   - envforge_operation_duration_seconds{operation}
//   - envforge_retries_total{operation,attempt}
//   - envforge_resource_transitions_total{kind,from,to}
//   - envforge_errors_by_class_total{class}
//   - envforge_errors_by_code_total{code}
//
// # Events
//
// EventPublisher implements engine.EventPublisher. In async mode events are
// buffered, batched and delivered in publish order. Shutdown drains the
// buffer before returning.
package telemetry
