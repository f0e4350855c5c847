package metrics

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dbfs/dbfs/pkg/errors"
	"github.com/dbfs/dbfs/pkg/health"
	"github.com/dbfs/dbfs/pkg/logging"
	"github.com/dbfs/dbfs/pkg/types"
)

// Collector implements types.MetricsCollector on a private Prometheus
// registry and optionally serves it over HTTP.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *zap.Logger

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	queryCounter      *prometheus.CounterVec
	queryDuration     *prometheus.HistogramVec
	pollCycles        prometheus.Counter
	pollDuration      prometheus.Histogram
	pollOutputs       *prometheus.CounterVec
	openBreakers      prometheus.Gauge
	errorCounter      *prometheus.CounterVec

	operations map[string]*OperationMetrics
	lastReset  time.Time

	health *health.Tracker
	server *http.Server
}

var _ types.MetricsCollector = (*Collector)(nil)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// DefaultConfig returns an enabled collector without an HTTP listener.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "dbfs",
		Labels:    make(map[string]string),
	}
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *zap.Logger) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	collector := &Collector{
		config: config,
		logger: logging.OrNop(logger).Named("metrics"),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.operations = make(map[string]*OperationMetrics)
	collector.lastReset = time.Now()

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the HTTP handler serving the metrics and health endpoints.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	return mux
}

// SetHealthTracker feeds query outcomes into tracker and reports its
// state on /health.
func (c *Collector) SetHealthTracker(tracker *health.Tracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = tracker
}

func (c *Collector) healthTracker() *health.Tracker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Start serves the endpoints on the configured port. A zero port or a
// disabled collector serves nothing.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port == 0 {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on metrics port: %w", err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && !stderr.Is(err, http.ErrServerClosed) {
			c.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	c.logger.Info("metrics server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop stops the metrics server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordOperation records a filesystem operation
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	m, ok := c.operations[operation]
	if !ok {
		m = &OperationMetrics{}
		c.operations[operation] = m
	}
	m.Count++
	m.TotalDuration += duration
	m.TotalSize += size
	if !success {
		m.Errors++
	}
	m.LastOperation = time.Now()
	m.AvgDuration = time.Duration(int64(m.TotalDuration) / m.Count)
	m.AvgSize = float64(m.TotalSize) / float64(m.Count)
	c.mu.Unlock()

	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status(success),
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordQuery records a remote query
func (c *Collector) RecordQuery(server string, kind types.QueryKind, duration time.Duration, err error) {
	if tracker := c.healthTracker(); tracker != nil {
		tracker.Record(server, err)
	}
	if !c.config.Enabled {
		return
	}

	c.queryCounter.With(prometheus.Labels{
		"server": server,
		"kind":   string(kind),
		"status": status(err == nil),
	}).Inc()
	c.queryDuration.With(prometheus.Labels{
		"server": server,
		"kind":   string(kind),
	}).Observe(duration.Seconds())
}

// RecordPollCycle records one refresh of the custom query outputs
func (c *Collector) RecordPollCycle(duration time.Duration, refreshed, failed int) {
	if !c.config.Enabled {
		return
	}

	c.pollCycles.Inc()
	c.pollDuration.Observe(duration.Seconds())
	c.pollOutputs.With(prometheus.Labels{"status": "success"}).Add(float64(refreshed))
	c.pollOutputs.With(prometheus.Labels{"status": "error"}).Add(float64(failed))
}

// RecordError records an error
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// SetOpenBreakers reports the number of servers whose circuit breaker is open.
func (c *Collector) SetOpenBreakers(n int) {
	if !c.config.Enabled {
		return
	}
	c.openBreakers.Set(float64(n))
}

// GetOperations returns a copy of the per-operation totals
func (c *Collector) GetOperations() map[string]OperationMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		out[k] = *v
	}
	return out
}

// ResetMetrics resets the per-operation totals
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}
	histogram := func(name, help string, buckets []float64) prometheus.HistogramOpts {
		o := opts(name, help)
		return prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     buckets,
		}
	}

	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("operations_total", "Total number of filesystem operations")),
		[]string{"operation", "status"},
	)
	c.operationDuration = prometheus.NewHistogramVec(
		histogram("operation_duration_seconds", "Duration of filesystem operations in seconds",
			prometheus.ExponentialBuckets(0.0001, 2, 16)), // 100µs to ~3s
		[]string{"operation"},
	)
	c.operationSize = prometheus.NewHistogramVec(
		histogram("operation_size_bytes", "Size of reads and writes in bytes",
			prometheus.ExponentialBuckets(512, 2, 16)),
		[]string{"operation"},
	)

	c.queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("queries_total", "Total number of remote queries")),
		[]string{"server", "kind", "status"},
	)
	c.queryDuration = prometheus.NewHistogramVec(
		histogram("query_duration_seconds", "Duration of remote queries in seconds",
			prometheus.ExponentialBuckets(0.001, 2, 14)), // 1ms to ~8s
		[]string{"server", "kind"},
	)

	c.pollCycles = prometheus.NewCounter(
		prometheus.CounterOpts(opts("poll_cycles_total", "Total number of custom query refresh cycles")),
	)
	c.pollDuration = prometheus.NewHistogram(
		histogram("poll_cycle_duration_seconds", "Duration of custom query refresh cycles",
			prometheus.ExponentialBuckets(0.01, 2, 12)),
	)
	c.pollOutputs = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("poll_outputs_total", "Custom query outputs refreshed or failed")),
		[]string{"status"},
	)

	c.openBreakers = prometheus.NewGauge(
		prometheus.GaugeOpts(opts("open_circuit_breakers", "Number of servers with an open circuit breaker")),
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("errors_total", "Total number of errors")),
		[]string{"operation", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.queryCounter,
		c.queryDuration,
		c.pollCycles,
		c.pollDuration,
		c.pollOutputs,
		c.openBreakers,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

// classifyError labels an error by the category of its code.
func classifyError(err error) string {
	if code := errors.CodeOf(err); code != "" {
		return string(errors.GetCategory(code))
	}
	return "other"
}

type healthResponse struct {
	Status  health.State          `json:"status"`
	Service string                `json:"service"`
	Servers []health.ServerHealth `json:"servers,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: health.StateHealthy, Service: "dbfs"}
	if tracker := c.healthTracker(); tracker != nil {
		resp.Status = tracker.Overall()
		resp.Servers = tracker.Servers()
	}

	code := http.StatusOK
	if resp.Status == health.StateUnavailable {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("dbfs Operations Summary\n")
	writef("=======================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset).Round(time.Second))
	writef("Last Reset: %v\n\n", c.lastReset.Format(time.RFC3339))

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	names := make([]string, 0, len(c.operations))
	for name := range c.operations {
		names = append(names, name)
	}
	sort.Strings(names)

	writef("%-12s %10s %10s %14s %12s\n", "Operation", "Count", "Errors", "Avg Duration", "Avg Size")
	for _, name := range names {
		op := c.operations[name]
		writef("%-12s %10d %10d %14v %12.0f\n", name, op.Count, op.Errors, op.AvgDuration, op.AvgSize)
	}
}
