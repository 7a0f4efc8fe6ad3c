package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds the prometheus collectors for the provider. The JSON metric
// endpoints and the prometheus exposition handler are both served from the
// same underlying registry.
type Registry struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	ResponsesTotal   *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	CacheHitRatio    prometheus.Gauge
	CacheEntries     prometheus.Gauge
	UpdatesIngested  *prometheus.CounterVec
	UpdatesRejected  *prometheus.CounterVec
	AggregationRuns  prometheus.Counter
	AdapterConnected *prometheus.GaugeVec
	FailoverSwitches *prometheus.CounterVec
	WarmAttempts     *prometheus.CounterVec
}

// NewRegistry creates and registers all provider collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_requests_total",
				Help: "HTTP requests received by method and route",
			},
			[]string{"method", "route"},
		),
		ResponsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_responses_total",
				Help: "HTTP responses sent by status class",
			},
			[]string{"status"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_errors_total",
				Help: "Errors observed by kind",
			},
			[]string{"kind"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feed_provider_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"route"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feed_provider_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),
		CacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "feed_provider_cache_entries",
				Help: "Live entries across both cache views",
			},
		),
		UpdatesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_updates_ingested_total",
				Help: "Price updates accepted by validation, by source",
			},
			[]string{"source"},
		),
		UpdatesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_updates_rejected_total",
				Help: "Price updates rejected by validation, by source",
			},
			[]string{"source"},
		),
		AggregationRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "feed_provider_aggregation_runs_total",
				Help: "Aggregation passes executed",
			},
		),
		AdapterConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feed_provider_adapter_connected",
				Help: "1 when the adapter's stream is connected",
			},
			[]string{"exchange"},
		),
		FailoverSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_failover_switches_total",
				Help: "Source failover switches by feed",
			},
			[]string{"feed"},
		),
		WarmAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feed_provider_warm_attempts_total",
				Help: "Cache warm attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		r.RequestsTotal, r.ResponsesTotal, r.ErrorsTotal, r.RequestDuration,
		r.CacheHitRatio, r.CacheEntries, r.UpdatesIngested, r.UpdatesRejected,
		r.AggregationRuns, r.AdapterConnected, r.FailoverSwitches, r.WarmAttempts,
	)
	return r
}

// GatherJSON flattens the registry into a name -> value map suitable for the
// JSON metric endpoints. Counters and gauges contribute their value;
// histograms contribute _count and _sum.
func (r *Registry) GatherJSON() (map[string]float64, error) {
	families, err := r.Registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName() + labelSuffix(m)
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[name] += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name+"_count"] += float64(m.GetHistogram().GetSampleCount())
				out[name+"_sum"] += m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}

func labelSuffix(m *dto.Metric) string {
	labels := m.GetLabel()
	if len(labels) == 0 {
		return ""
	}
	suffix := ""
	for _, l := range labels {
		suffix += "{" + l.GetName() + "=" + l.GetValue() + "}"
	}
	return suffix
}

// ObserveRequest records one HTTP request outcome in the registry.
func (r *Registry) ObserveRequest(method, route, statusClass string, elapsed time.Duration) {
	r.RequestsTotal.WithLabelValues(method, route).Inc()
	r.ResponsesTotal.WithLabelValues(statusClass).Inc()
	r.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
