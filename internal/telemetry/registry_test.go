package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatherJSONFlattensCountersAndGauges(t *testing.T) {
	r := NewRegistry()

	r.UpdatesIngested.WithLabelValues("binance").Add(3)
	r.UpdatesRejected.WithLabelValues("kraken").Inc()
	r.CacheHitRatio.Set(0.85)
	r.AggregationRuns.Inc()

	out, err := r.GatherJSON()
	require.NoError(t, err)

	assert.Equal(t, 3.0, out["feed_provider_updates_ingested_total{source=binance}"])
	assert.Equal(t, 1.0, out["feed_provider_updates_rejected_total{source=kraken}"])
	assert.Equal(t, 0.85, out["feed_provider_cache_hit_ratio"])
	assert.Equal(t, 1.0, out["feed_provider_aggregation_runs_total"])
}

func TestGatherJSONFlattensHistograms(t *testing.T) {
	r := NewRegistry()

	r.RequestDuration.WithLabelValues("/feed-values").Observe(0.010)
	r.RequestDuration.WithLabelValues("/feed-values").Observe(0.030)

	out, err := r.GatherJSON()
	require.NoError(t, err)

	assert.Equal(t, 2.0, out["feed_provider_request_duration_seconds{route=/feed-values}_count"])
	assert.InDelta(t, 0.040, out["feed_provider_request_duration_seconds{route=/feed-values}_sum"], 1e-9)
}

func TestObserveRequestRecordsAllThree(t *testing.T) {
	r := NewRegistry()

	r.ObserveRequest("POST", "/feed-values", "2xx", 15*time.Millisecond)
	r.ObserveRequest("POST", "/feed-values", "2xx", 5*time.Millisecond)
	r.ObserveRequest("GET", "/health", "5xx", time.Millisecond)

	out, err := r.GatherJSON()
	require.NoError(t, err)

	assert.Equal(t, 2.0, out["feed_provider_requests_total{method=POST}{route=/feed-values}"])
	assert.Equal(t, 1.0, out["feed_provider_requests_total{method=GET}{route=/health}"])
	assert.Equal(t, 2.0, out["feed_provider_responses_total{status=2xx}"])
	assert.Equal(t, 1.0, out["feed_provider_responses_total{status=5xx}"])
	assert.Equal(t, 3.0, out["feed_provider_request_duration_seconds{route=/feed-values}_count"]+
		out["feed_provider_request_duration_seconds{route=/health}_count"])
}

func TestAdapterConnectedGauge(t *testing.T) {
	r := NewRegistry()

	r.AdapterConnected.WithLabelValues("binance").Set(1)
	r.AdapterConnected.WithLabelValues("kraken").Set(0)

	out, err := r.GatherJSON()
	require.NoError(t, err)
	assert.Equal(t, 1.0, out["feed_provider_adapter_connected{exchange=binance}"])
	assert.Equal(t, 0.0, out["feed_provider_adapter_connected{exchange=kraken}"])
}
