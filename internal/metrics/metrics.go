// Package metrics exports adapter activity as Prometheus metrics by
// listening on the event bus.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
)

// Collector owns a private registry so that several instances (one per test,
// one per process) never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	pages         *prometheus.CounterVec
	pageDuration  prometheus.Histogram
	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	responses     prometheus.Counter
	dropped       prometheus.Counter
	queries       prometheus.Counter
	inflight      prometheus.Gauge
	queryErrors   prometheus.Counter
	reruns        prometheus.Counter
	transports    *prometheus.CounterVec
}

// New creates a Collector and subscribes it to bus.
func New(bus *eventbus.Bus) *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	c := &Collector{
		registry: reg,
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlstream_page_requests_total",
			Help: "Server render requests handled, by HTTP status.",
		}, []string{"status"}),
		pageDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gqlstream_page_duration_seconds",
			Help:    "Time to render a page and drain its transport.",
			Buckets: prometheus.DefBuckets,
		}),
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlstream_fetches_total",
			Help: "Upstream GraphQL fetches by HTTP status and response framing.",
		}, []string{"status", "multipart"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gqlstream_fetch_duration_seconds",
			Help:    "Time from request to end of response body.",
			Buckets: prometheus.DefBuckets,
		}),
		responses: f.NewCounter(prometheus.CounterOpts{
			Name: "gqlstream_responses_total",
			Help: "Canonical responses delivered after normalization.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gqlstream_multipart_parts_dropped_total",
			Help: "Multipart parts skipped because their body was not valid JSON.",
		}),
		queries: f.NewCounter(prometheus.CounterOpts{
			Name: "gqlstream_transport_queries_total",
			Help: "Queries tracked by server transports.",
		}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "gqlstream_transport_queries_inflight",
			Help: "Tracked queries that have not reached a terminal event.",
		}),
		queryErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "gqlstream_transport_query_errors_total",
			Help: "Tracked queries that ended with an error.",
		}),
		reruns: f.NewCounter(prometheus.CounterOpts{
			Name: "gqlstream_client_query_reruns_total",
			Help: "Replayed queries re-executed after the transport closed early.",
		}),
		transports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlstream_transports_closed_total",
			Help: "Transport streams closed, by side.",
		}, []string{"side"}),
	}
	c.register(bus)
	return c
}

func (c *Collector) register(bus *eventbus.Bus) {
	eventbus.Subscribe(bus, func(_ context.Context, e events.HTTPFinish) {
		c.pages.WithLabelValues(strconv.Itoa(e.Status)).Inc()
		c.pageDuration.Observe(e.Duration.Seconds())
	})
	eventbus.Subscribe(bus, func(_ context.Context, e events.FetchFinish) {
		c.fetches.WithLabelValues(strconv.Itoa(e.Status), strconv.FormatBool(e.Multipart)).Inc()
		c.fetchDuration.Observe(e.Duration.Seconds())
		c.responses.Add(float64(e.Responses))
	})
	eventbus.Subscribe(bus, func(context.Context, events.PartDropped) { c.dropped.Inc() })
	eventbus.Subscribe(bus, func(context.Context, events.QueryStarted) {
		c.queries.Inc()
		c.inflight.Inc()
	})
	eventbus.Subscribe(bus, func(_ context.Context, e events.QueryFinished) {
		c.inflight.Dec()
		if e.Err != nil {
			c.queryErrors.Inc()
		}
	})
	eventbus.Subscribe(bus, func(context.Context, events.QueryRerun) { c.reruns.Inc() })
	eventbus.Subscribe(bus, func(_ context.Context, e events.TransportClosed) {
		c.transports.WithLabelValues(e.Side).Inc()
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collected metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
