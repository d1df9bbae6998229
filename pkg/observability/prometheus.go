package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus implements every hook interface on a private registry so that
// tests and multiple services in one process never collide on registration.
type Prometheus struct {
	registry *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageItems    *prometheus.GaugeVec
	degraded      *prometheus.CounterVec

	cacheEvents *prometheus.CounterVec
	cacheBytes  prometheus.Counter

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	apiErrors   *prometheus.CounterVec
	apiRetries  *prometheus.CounterVec
}

var (
	_ ExportHooks = (*Prometheus)(nil)
	_ CacheHooks  = (*Prometheus)(nil)
	_ HTTPHooks   = (*Prometheus)(nil)
)

// NewPrometheus creates the collectors under namespace and registers them
// on a fresh registry.
func NewPrometheus(namespace string) *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Export stages completed, by stage and outcome.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Export stage duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		stageItems: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_items",
			Help:      "Items handled by the most recent run of each stage.",
		}, []string{"stage"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_total",
			Help:      "Contained failures replaced by placeholders, by resource.",
		}, []string{"resource"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Response cache lookups and writes.",
		}, []string{"key_type", "event"}),
		cacheBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_written_bytes_total",
			Help:      "Bytes written to the response cache.",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Upstream API responses, by host and status code.",
		}, []string{"host", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Upstream API request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Upstream API requests that failed without a response.",
		}, []string{"host"}),
		apiRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Retried upstream API requests, by reason.",
		}, []string{"host", "reason"}),
	}
	p.registry.MustRegister(
		p.stageRuns, p.stageDuration, p.stageItems, p.degraded,
		p.cacheEvents, p.cacheBytes,
		p.apiRequests, p.apiDuration, p.apiErrors, p.apiRetries,
	)
	return p
}

// Registry returns the registry backing the collectors, for promhttp.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

func (p *Prometheus) OnStageStart(context.Context, Stage) {}

func (p *Prometheus) OnStageComplete(_ context.Context, stage Stage, items int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.stageRuns.WithLabelValues(string(stage), status).Inc()
	p.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	p.stageItems.WithLabelValues(string(stage)).Set(float64(items))
}

func (p *Prometheus) OnDegraded(_ context.Context, resource string) {
	p.degraded.WithLabelValues(resource).Inc()
}

func (p *Prometheus) OnCacheHit(_ context.Context, keyType string) {
	p.cacheEvents.WithLabelValues(keyType, "hit").Inc()
}

func (p *Prometheus) OnCacheMiss(_ context.Context, keyType string) {
	p.cacheEvents.WithLabelValues(keyType, "miss").Inc()
}

func (p *Prometheus) OnCacheSet(_ context.Context, keyType string, size int) {
	p.cacheEvents.WithLabelValues(keyType, "set").Inc()
	p.cacheBytes.Add(float64(size))
}

func (p *Prometheus) OnRequest(context.Context, string, string, string) {}

func (p *Prometheus) OnResponse(_ context.Context, _, host, _ string, statusCode int, d time.Duration) {
	p.apiRequests.WithLabelValues(host, strconv.Itoa(statusCode)).Inc()
	p.apiDuration.WithLabelValues(host).Observe(d.Seconds())
}

func (p *Prometheus) OnError(_ context.Context, _, host, _ string, _ error) {
	p.apiErrors.WithLabelValues(host).Inc()
}

func (p *Prometheus) OnRetry(_ context.Context, host, reason string) {
	p.apiRetries.WithLabelValues(host, reason).Inc()
}
