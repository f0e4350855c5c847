/*
Package metrics provides Prometheus metrics for dbfs.

Collector implements types.MetricsCollector. Every component takes the
interface and falls back to types.NopMetrics, so metrics are optional.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼─────────┐
	│  Prometheus  │         │  HTTP Endpoints    │
	│   Registry   │         │  /metrics          │
	│              │         │  /health           │
	└──────────────┘         │  /debug/operations │
	                         └────────────────────┘

# Exported series

	dbfs_operations_total{operation,status}
	dbfs_operation_duration_seconds{operation}
	dbfs_operation_size_bytes{operation}
	dbfs_queries_total{server,kind,status}
	dbfs_query_duration_seconds{server,kind}
	dbfs_poll_cycles_total
	dbfs_poll_cycle_duration_seconds
	dbfs_poll_outputs_total{status}
	dbfs_open_circuit_breakers
	dbfs_errors_total{operation,type}

The type label of errors_total is the category of the error code
(routing, remote, filesystem, ...).

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9100,
		Namespace: "dbfs",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

The HTTP listener is only started when Port is non-zero.
*/
package metrics
