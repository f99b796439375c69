package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarcoPoloResearchLab/tootsync/internal/pipeline"
)

// Collector exposes sync and HTTP metrics for Prometheus.
type Collector struct {
	legsTotal           *prometheus.CounterVec
	tootsStored         *prometheus.CounterVec
	legDuration         *prometheus.HistogramVec
	lastSuccess         *prometheus.GaugeVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector registers the collector's metrics with registerer under namespace.
func NewCollector(namespace string, registerer prometheus.Registerer) *Collector {
	namespace = strings.ReplaceAll(namespace, "-", "_")
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &Collector{
		legsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_legs_total",
				Help:      "Total number of sync legs by feed and outcome",
			},
			[]string{"feed", "outcome"},
		),
		tootsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "toots_stored_total",
				Help:      "Total number of toots upserted",
			},
			[]string{"feed"},
		),
		legDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_leg_duration_seconds",
				Help:      "Sync leg duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"feed"},
		),
		lastSuccess: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_last_success_timestamp_seconds",
				Help:      "Unix time of the last successful leg",
			},
			[]string{"feed"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	registerer.MustRegister(
		c.legsTotal,
		c.tootsStored,
		c.legDuration,
		c.lastSuccess,
		c.httpRequestsTotal,
		c.httpRequestDuration,
	)
	return c
}

// ObserveLeg implements pipeline.LegObserver.
func (c *Collector) ObserveLeg(report pipeline.LegReport) {
	feed := string(report.Feed)
	c.legsTotal.WithLabelValues(feed, string(report.Outcome)).Inc()
	c.legDuration.WithLabelValues(feed).Observe(report.Duration().Seconds())
	if report.Succeeded() {
		c.tootsStored.WithLabelValues(feed).Add(float64(report.Stored))
		c.lastSuccess.WithLabelValues(feed).Set(float64(report.FinishedAt.Unix()))
	}
}

// Middleware records request counts and latencies.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		method := ctx.Request.Method
		status := strconv.Itoa(ctx.Writer.Status())

		c.httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		c.httpRequestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the metrics gathered by gatherer.
func Handler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return func(ctx *gin.Context) {
		handler.ServeHTTP(ctx.Writer, ctx.Request)
	}
}
