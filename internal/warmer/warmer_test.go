package warmer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

var btcUsd = feeds.FeedId{Category: feeds.CategoryCrypto, Name: "BTC/USD"}

func newTestCache(t *testing.T) *cache.RealTimeCache {
	t.Helper()
	c := cache.New(cache.Config{SweepInterval: time.Hour}, nil)
	t.Cleanup(c.Close)
	return c
}

func TestTrackFeedAccessBelowThresholdDoesNotWarm(t *testing.T) {
	rtc := newTestCache(t)

	var fetches int32
	fetch := func(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
		atomic.AddInt32(&fetches, 1)
		return feeds.AggregatedPrice{Symbol: feed.Name, Price: 1}, nil
	}

	w := New(Config{WarmingThreshold: 100}, rtc, fetch, nil)
	defer w.Close()

	now := time.UnixMilli(1_700_000_000_000)
	w.SetClock(func() time.Time { return now })

	w.TrackFeedAccess(btcUsd)
	w.Close()
	assert.Zero(t, atomic.LoadInt32(&fetches))
}

func TestHotFeedIsWarmed(t *testing.T) {
	rtc := newTestCache(t)

	warmed := make(chan struct{}, 1)
	fetch := func(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
		select {
		case warmed <- struct{}{}:
		default:
		}
		return feeds.AggregatedPrice{Symbol: feed.Name, Price: 50000}, nil
	}

	w := New(DefaultConfig(), rtc, fetch, nil)
	defer w.Close()

	// Repeated access within one second pushes the moving rate over the
	// 0.1/s threshold; the cache is empty so a warm is due.
	for i := 0; i < 3; i++ {
		w.TrackFeedAccess(btcUsd)
	}

	select {
	case <-warmed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warm fetch for a hot feed")
	}
	w.Close()

	got, ok := rtc.GetPrice(btcUsd)
	require.True(t, ok)
	assert.Equal(t, 50000.0, got.Price)
}

func TestWarmIsSingleFlightPerFeed(t *testing.T) {
	rtc := newTestCache(t)

	var fetches int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return feeds.AggregatedPrice{Symbol: feed.Name, Price: 1}, nil
	}

	w := New(DefaultConfig(), rtc, fetch, nil)
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.TrackFeedAccess(btcUsd)
		}()
	}
	wg.Wait()

	close(release)
	w.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches),
		"concurrent accesses share one in-flight warm")
}

func TestFailedWarmIsSwallowedAndPublished(t *testing.T) {
	rtc := newTestCache(t)
	bus := events.NewBus(16)
	defer bus.Close()
	errCh := bus.Subscribe(events.TypeWarmerError)

	fetch := func(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
		return feeds.AggregatedPrice{}, errors.New("upstream down")
	}

	w := New(DefaultConfig(), rtc, fetch, bus)
	for i := 0; i < 3; i++ {
		w.TrackFeedAccess(btcUsd)
	}
	w.Close()

	select {
	case ev := <-errCh:
		assert.Equal(t, events.TypeWarmerError, ev.Type)
		assert.Equal(t, "BTC/USD", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a warmer error event")
	}

	_, ok := rtc.GetPrice(btcUsd)
	assert.False(t, ok, "a failed warm must not write to the cache")
}

func TestNeedsWarmRespectsRefreshMargin(t *testing.T) {
	rtc := newTestCache(t)
	now := time.UnixMilli(1_700_000_000_000)
	rtc.SetClock(func() time.Time { return now })

	w := New(DefaultConfig(), rtc, nil, nil)
	defer w.Close()
	w.SetClock(func() time.Time { return now })

	assert.True(t, w.needsWarm(btcUsd), "empty cache always needs warming")

	rtc.SetPrice(btcUsd, feeds.AggregatedPrice{Symbol: "BTC/USD", Price: 1}, 1000*time.Millisecond)
	assert.False(t, w.needsWarm(btcUsd), "fresh entry is outside the margin")

	now = now.Add(900 * time.Millisecond)
	assert.True(t, w.needsWarm(btcUsd), "entry expiring within 200ms needs warming")
}

func TestMovingRateDecays(t *testing.T) {
	rtc := newTestCache(t)
	w := New(Config{WarmingThreshold: 1e9}, rtc, nil, nil)
	defer w.Close()

	now := time.UnixMilli(1_700_000_000_000)
	w.SetClock(func() time.Time { return now })

	w.TrackFeedAccess(btcUsd)
	w.TrackFeedAccess(btcUsd)
	w.mu.Lock()
	before := w.patterns[btcUsd.String()].MovingRate
	w.mu.Unlock()

	now = now.Add(600 * time.Second) // two half-lives
	w.TrackFeedAccess(btcUsd)
	w.mu.Lock()
	after := w.patterns[btcUsd.String()].MovingRate
	w.mu.Unlock()

	assert.Less(t, after, before, "a long idle gap must decay the rate")
}

func TestWarmupStatsRanksByAccessCount(t *testing.T) {
	rtc := newTestCache(t)
	w := New(Config{WarmingThreshold: 1e9}, rtc, nil, nil)
	defer w.Close()

	ethUsd := feeds.FeedId{Category: feeds.CategoryCrypto, Name: "ETH/USD"}
	for i := 0; i < 5; i++ {
		w.TrackFeedAccess(btcUsd)
	}
	w.TrackFeedAccess(ethUsd)

	stats := w.WarmupStats()
	assert.Equal(t, 2, stats.TotalPatterns)
	require.NotEmpty(t, stats.TopFeeds)
	assert.Equal(t, btcUsd, stats.TopFeeds[0].Feed)
	assert.Equal(t, int64(5), stats.TopFeeds[0].AccessCount)
	assert.NotEmpty(t, stats.Strategies)
}
