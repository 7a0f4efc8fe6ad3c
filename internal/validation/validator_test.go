package validation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func update(symbol, source string, price float64, ts int64) feeds.PriceUpdate {
	return feeds.PriceUpdate{
		Symbol:     symbol,
		Source:     source,
		Price:      price,
		Timestamp:  ts,
		Confidence: 0.9,
	}
}

func TestValidateFreshUpdatePasses(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	result := v.Validate(update("BTC/USD", "binance", 50000, now.UnixMilli()-100))
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Errors)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
}

func TestValidateRejectsStale(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	result := v.Validate(update("BTC/USD", "binance", 50000, now.UnixMilli()-3000))
	require.False(t, result.IsValid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "freshness_check", result.Errors[0].Operation)
}

func TestValidateRejectsNonFinite(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0, -5} {
		result := v.Validate(update("BTC/USD", "binance", price, now.UnixMilli()))
		require.False(t, result.IsValid, "price %v must fail", price)
		assert.Equal(t, "type_check", result.Errors[0].Operation)
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cfg := DefaultConfig()
	cfg.MinPrice = 100
	cfg.MaxPrice = 1000
	v := New(cfg, nil)
	v.SetClock(fixedClock(now))

	result := v.Validate(update("BTC/USD", "binance", 99, now.UnixMilli()))
	require.False(t, result.IsValid)
	assert.Equal(t, "range_check", result.Errors[0].Operation)
}

func seedWindow(v *Validator, now time.Time, symbol string, prices map[string]float64) {
	for source, price := range prices {
		v.Validate(update(symbol, source, price, now.UnixMilli()))
	}
}

func TestValidateRejectsOutlier(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	seedWindow(v, now, "BTC/USD", map[string]float64{"s1": 100.0, "s2": 100.1, "s3": 99.9})

	// 150 deviates 50% from the ~100 median; untrusted source is rejected.
	result := v.Validate(update("BTC/USD", "s4", 150.0, now.UnixMilli()))
	require.False(t, result.IsValid)
	assert.Equal(t, "outlier_check", result.Errors[0].Operation)
}

func TestOutlierOverrideForTrustedMajoritySource(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cfg := DefaultConfig()
	cfg.TrustedMajority = func(source string, agreeing []string) bool { return source == "trusted" }
	v := New(cfg, nil)
	v.SetClock(fixedClock(now))

	seedWindow(v, now, "BTC/USD", map[string]float64{"s1": 100.0, "s2": 100.1, "s3": 99.9})

	result := v.Validate(update("BTC/USD", "trusted", 150.0, now.UnixMilli()))
	assert.True(t, result.IsValid, "trusted-majority source overrides the outlier rule")
	require.Len(t, result.Warnings, 1)
	assert.Less(t, result.Confidence, 0.9, "override applies a confidence penalty")
}

func TestResultCacheHitSkipsRules(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	u := update("BTC/USD", "binance", 50000, now.UnixMilli()-100)
	first := v.Validate(u)
	second := v.Validate(u)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, v.cache.len())
}

func TestResultCacheExpires(t *testing.T) {
	start := time.UnixMilli(1_700_000_000_000)
	current := start
	v := New(DefaultConfig(), nil)
	v.SetClock(func() time.Time { return current })

	u := update("BTC/USD", "binance", 50000, start.UnixMilli())
	v.Validate(u)

	current = start.Add(2500 * time.Millisecond)
	result := v.Validate(u)
	// After the cache TTL the rules run again; the update is now stale.
	assert.False(t, result.IsValid)
}

func TestDisabledRealTimeValidationPassesThrough(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cfg := DefaultConfig()
	cfg.RealTimeEnabled = false
	v := New(cfg, nil)
	v.SetClock(fixedClock(now))

	// Even a stale, out-of-range update passes when validation is off.
	result := v.Validate(update("BTC/USD", "binance", 50000, 0))
	assert.True(t, result.IsValid)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
}

func TestBatchValidation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	v := New(DefaultConfig(), nil)
	v.SetClock(fixedClock(now))

	updates := []feeds.PriceUpdate{
		update("BTC/USD", "s1", 50000, now.UnixMilli()-100),
		update("BTC/USD", "s2", 50000, now.UnixMilli()-5000), // stale
	}
	results := v.ValidateBatch(updates)
	require.Len(t, results, 2)
	assert.True(t, results[0].IsValid)
	assert.False(t, results[1].IsValid)
}

func TestBatchDisabledPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchEnabled = false
	v := New(cfg, nil)

	results := v.ValidateBatch([]feeds.PriceUpdate{
		update("BTC/USD", "s1", -1, 0), // would fail rules
	})
	require.Len(t, results, 1)
	assert.True(t, results[0].IsValid)
}
