package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking published engine events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of engine events published segmented by type.",
			}, []string{"type"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "dsc",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of events a subscriber failed to receive, segmented by sink.",
			}, []string{"sink"}),
		}
		prometheus.MustRegister(eventRegistry.published, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordPublished increments the counter for the supplied event type.
func (m *eventMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(labelValue(strings.ToLower(eventType), "unknown")).Inc()
}

// RecordDropped notes an event that a sink could not accept.
func (m *eventMetrics) RecordDropped(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(labelValue(sink, "unknown")).Inc()
}
