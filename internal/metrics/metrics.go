// Package metrics exposes gateway counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/multisession-gateway/backend/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "gateway"

// SessionSource lists the current sessions. It is called on every scrape.
type SessionSource func() []model.SessionInfo

// Collector holds the gateway's metrics in a private registry.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal         *prometheus.CounterVec
	droppedEventsTotal  *prometheus.CounterVec
	persistFailures     prometheus.Counter
	subscribers         prometheus.Gauge
	sendTotal           *prometheus.CounterVec
	stateChangeDuration *prometheus.HistogramVec

	sessions *sessionCollector
}

// New creates a Collector registered under namespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessions: &sessionCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "sessions"),
				"Number of sessions by lifecycle state",
				[]string{"state"}, nil,
			),
		},
	}

	c.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of events published to the hub",
		},
		[]string{"kind"},
	)

	c.droppedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_events_total",
			Help:      "Total number of events dropped because a subscriber queue was full",
		},
		[]string{"kind"},
	)

	c.persistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed status store writes",
		},
	)

	c.subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of attached event subscribers",
		},
	)

	c.sendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of outbound send attempts",
		},
		[]string{"result"},
	)

	c.stateChangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "state_duration_seconds",
			Help:      "Time a session spent in a state before leaving it",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 1800, 3600},
		},
		[]string{"state"},
	)

	for _, metric := range []prometheus.Collector{
		c.eventsTotal,
		c.droppedEventsTotal,
		c.persistFailures,
		c.subscribers,
		c.sendTotal,
		c.stateChangeDuration,
		c.sessions,
	} {
		c.registry.MustRegister(metric)
	}

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetSessionSource sets the function used to count sessions by state.
func (c *Collector) SetSessionSource(src SessionSource) {
	c.sessions.mu.Lock()
	defer c.sessions.mu.Unlock()
	c.sessions.source = src
}

// EventPublished counts an event handed to the hub.
func (c *Collector) EventPublished(kind model.EventKind) {
	c.eventsTotal.WithLabelValues(string(kind)).Inc()
}

// EventDropped counts an event a subscriber could not queue.
func (c *Collector) EventDropped(kind model.EventKind) {
	c.droppedEventsTotal.WithLabelValues(string(kind)).Inc()
}

// SubscribersChanged records the current subscriber count.
func (c *Collector) SubscribersChanged(count int) {
	c.subscribers.Set(float64(count))
}

// PersistenceFailed counts a failed status store write.
func (c *Collector) PersistenceFailed() {
	c.persistFailures.Inc()
}

// SendAttempted counts an outbound message by outcome.
func (c *Collector) SendAttempted(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.sendTotal.WithLabelValues(result).Inc()
}

// StateLeft records how long a session stayed in state.
func (c *Collector) StateLeft(state model.SessionState, d time.Duration) {
	c.stateChangeDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

// sessionCollector reports sessions by state at scrape time.
type sessionCollector struct {
	desc   *prometheus.Desc
	mu     sync.RWMutex
	source SessionSource
}

func (s *sessionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

func (s *sessionCollector) Collect(ch chan<- prometheus.Metric) {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()

	counts := make(map[model.SessionState]int, len(model.AllStates))
	if src != nil {
		for _, info := range src() {
			counts[info.State]++
		}
	}

	for _, state := range model.AllStates {
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, float64(counts[state]), string(state))
	}
}
