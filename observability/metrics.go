package observability

import (
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dscMetricsOnce sync.Once
	dscRegistry    *EngineMetrics

	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics
)

// EngineMetrics wraps the collectors tracking engine operations.
type EngineMetrics struct {
	operations    *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	liquidations  *prometheus.CounterVec
	seized        *prometheus.CounterVec
	debtCovered   *prometheus.CounterVec
	compensations *prometheus.CounterVec
}

// DSCMetrics returns the lazily registered engine metrics.
func DSCMetrics() *EngineMetrics {
	dscMetricsOnce.Do(func() {
		dscRegistry = newDSCMetrics()
		prometheus.MustRegister(dscRegistry.collectors()...)
	})
	return dscRegistry
}

// NewDSCMetrics builds an unregistered set, for callers that manage their own
// registry.
func NewDSCMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := newDSCMetrics()
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func newDSCMetrics() *EngineMetrics {
	return &EngineMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Engine mutations segmented by operation and outcome (success or error kind).",
		}, []string{"operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution for engine mutations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "liquidations_total",
			Help:      "Completed liquidations segmented by collateral asset.",
		}, []string{"asset"}),
		seized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "collateral_seized_total",
			Help:      "Collateral paid to liquidators in native units.",
		}, []string{"asset"}),
		debtCovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "debt_covered_total",
			Help:      "DSC burned by liquidations, in 18-decimal units.",
		}, []string{"asset"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dsc",
			Subsystem: "engine",
			Name:      "compensations_total",
			Help:      "Collaborator calls undone after a failed operation, by result.",
		}, []string{"operation", "result"}),
	}
}

func (m *EngineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.operations, m.latency, m.liquidations, m.seized, m.debtCovered, m.compensations}
}

// ObserveOperation records the outcome of one mutation. A zero duration skips
// the latency histogram.
func (m *EngineMetrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	op := labelValue(operation, "unknown")
	m.operations.WithLabelValues(op, labelValue(outcome, "unknown")).Inc()
	if d > 0 {
		m.latency.WithLabelValues(op).Observe(d.Seconds())
	}
}

// RecordLiquidation accumulates the amounts moved by a liquidation.
func (m *EngineMetrics) RecordLiquidation(asset string, debtCovered, seized *big.Int) {
	if m == nil {
		return
	}
	label := labelAsset(asset)
	m.liquidations.WithLabelValues(label).Inc()
	m.seized.WithLabelValues(label).Add(bigToFloat(seized))
	m.debtCovered.WithLabelValues(label).Add(bigToFloat(debtCovered))
}

// RecordCompensation counts an undo attempt.
func (m *EngineMetrics) RecordCompensation(operation, result string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(labelValue(operation, "unknown"), labelValue(result, "unspecified")).Inc()
}

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	throttles *prometheus.CounterVec
}

// ModuleMetrics returns the registry recording API activity per module.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, method and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, method and error kind.",
			}, []string{"module", "method", "kind"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of an API request. kind is empty on success.
func (m *moduleMetrics) Observe(module, method, kind string) {
	if m == nil {
		return
	}
	module = labelValue(module, "unknown")
	method = labelValue(method, "unknown")
	if kind == "" {
		m.requests.WithLabelValues(module, method, "success").Inc()
		return
	}
	m.requests.WithLabelValues(module, method, "error").Inc()
	m.errors.WithLabelValues(module, method, kind).Inc()
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit".
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelValue(module, "unknown"), labelValue(reason, "unspecified")).Inc()
}

func labelValue(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func labelAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}

func bigToFloat(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	floatVal, acc := new(big.Float).SetInt(value).Float64()
	if acc != big.Exact {
		if math.IsNaN(floatVal) || math.IsInf(floatVal, 0) {
			return 0
		}
	}
	return floatVal
}
