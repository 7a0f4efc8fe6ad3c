package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

var btcUsd = feeds.FeedId{Category: feeds.CategoryCrypto, Name: "BTC/USD"}

func testCache(t *testing.T) (*RealTimeCache, *time.Time) {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	c := New(Config{SweepInterval: time.Hour}, nil)
	c.SetClock(func() time.Time { return now })
	t.Cleanup(c.Close)
	return c, &now
}

func price(symbol string, value float64, ts int64) feeds.AggregatedPrice {
	return feeds.AggregatedPrice{
		Symbol:     symbol,
		Price:      value,
		Timestamp:  ts,
		Sources:    []string{"binance", "coinbase"},
		Confidence: 0.9,
	}
}

func TestSetPriceClampsTTL(t *testing.T) {
	c, now := testCache(t)
	start := *now

	// A one-hour TTL request is clamped to the one-second ceiling.
	c.SetPrice(btcUsd, price("BTC/USD", 50000, start.UnixMilli()), time.Hour)

	_, ok := c.GetPrice(btcUsd)
	require.True(t, ok)

	*now = start.Add(900 * time.Millisecond)
	_, ok = c.GetPrice(btcUsd)
	assert.True(t, ok, "entry must survive within the clamped TTL")

	*now = start.Add(1100 * time.Millisecond)
	_, ok = c.GetPrice(btcUsd)
	assert.False(t, ok, "entry must expire at the clamped TTL, not the requested one")
}

func TestSetPriceZeroTTLUsesDefault(t *testing.T) {
	c, now := testCache(t)
	start := *now

	c.SetPrice(btcUsd, price("BTC/USD", 50000, start.UnixMilli()), 0)

	*now = start.Add(400 * time.Millisecond)
	_, ok := c.GetPrice(btcUsd)
	assert.True(t, ok)

	*now = start.Add(600 * time.Millisecond)
	_, ok = c.GetPrice(btcUsd)
	assert.False(t, ok, "zero TTL must fall back to the 500ms default")
}

func TestRoundSnapshotsAreImmutable(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()

	c.SetForVotingRound(btcUsd, 42, price("BTC/USD", 50000, ts))
	c.SetForVotingRound(btcUsd, 42, price("BTC/USD", 51000, ts+100))

	got, ok := c.GetForVotingRound(btcUsd, 42)
	require.True(t, ok)
	assert.Equal(t, 50000.0, got.Price, "the first write for a round wins")
	require.NotNil(t, got.VotingRound)
	assert.Equal(t, uint64(42), *got.VotingRound)
}

func TestRoundSnapshotSurvivesCurrentExpiry(t *testing.T) {
	c, now := testCache(t)
	start := *now
	ts := start.UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 500*time.Millisecond)
	c.SetForVotingRound(btcUsd, 42, price("BTC/USD", 50000, ts))

	*now = start.Add(10 * time.Second)
	_, ok := c.GetPrice(btcUsd)
	assert.False(t, ok, "current entry expires")

	got, ok := c.GetForVotingRound(btcUsd, 42)
	require.True(t, ok, "round snapshots carry no TTL")
	assert.Equal(t, 50000.0, got.Price)
}

func TestRoundsAreIsolatedPerFeed(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()
	ethUsd := feeds.FeedId{Category: feeds.CategoryCrypto, Name: "ETH/USD"}

	c.SetForVotingRound(btcUsd, 7, price("BTC/USD", 50000, ts))
	c.SetForVotingRound(ethUsd, 7, price("ETH/USD", 3000, ts))

	got, ok := c.GetForVotingRound(btcUsd, 7)
	require.True(t, ok)
	assert.Equal(t, 50000.0, got.Price)

	_, ok = c.GetForVotingRound(btcUsd, 8)
	assert.False(t, ok, "different round for the same feed is a miss")
}

func TestInvalidateClearsRoundsOnly(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 500*time.Millisecond)
	c.SetForVotingRound(btcUsd, 1, price("BTC/USD", 49000, ts))
	c.SetForVotingRound(btcUsd, 2, price("BTC/USD", 49500, ts))

	c.InvalidateOnPriceUpdate(btcUsd)

	_, ok := c.GetForVotingRound(btcUsd, 1)
	assert.False(t, ok)
	_, ok = c.GetForVotingRound(btcUsd, 2)
	assert.False(t, ok)

	got, ok := c.GetPrice(btcUsd)
	require.True(t, ok, "the current view is untouched by invalidation")
	assert.Equal(t, 50000.0, got.Price)
}

func TestHitRateAccounting(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 500*time.Millisecond)

	// Two hits, two misses.
	c.GetPrice(btcUsd)
	c.GetPrice(btcUsd)
	c.GetPrice(feeds.FeedId{Category: feeds.CategoryCrypto, Name: "ETH/USD"})
	c.GetPrice(feeds.FeedId{Category: feeds.CategoryCrypto, Name: "XRP/USD"})

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestPeekDoesNotTouchStats(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 500*time.Millisecond)

	_, _, ok := c.Peek(btcUsd)
	require.True(t, ok)
	_, _, ok = c.Peek(feeds.FeedId{Category: feeds.CategoryCrypto, Name: "ETH/USD"})
	require.False(t, ok)

	stats := c.Stats()
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestLRUEvictionAtCapacity(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := New(Config{MaxEntries: 3, SweepInterval: time.Hour}, nil)
	c.SetClock(func() time.Time { return now })
	defer c.Close()

	for i := 0; i < 4; i++ {
		feed := feeds.FeedId{Category: feeds.CategoryCrypto, Name: fmt.Sprintf("F%d/USD", i)}
		c.SetPrice(feed, price(feed.Name, float64(i), now.UnixMilli()), 900*time.Millisecond)
	}

	_, ok := c.GetPrice(feeds.FeedId{Category: feeds.CategoryCrypto, Name: "F0/USD"})
	assert.False(t, ok, "oldest entry is evicted at capacity")
	_, ok = c.GetPrice(feeds.FeedId{Category: feeds.CategoryCrypto, Name: "F3/USD"})
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 3, stats.Entries)
}

func TestLRUEvictionPrunesRoundIndex(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := New(Config{MaxEntries: 2, SweepInterval: time.Hour}, nil)
	c.SetClock(func() time.Time { return now })
	defer c.Close()

	for round := uint64(0); round < 10; round++ {
		c.SetForVotingRound(btcUsd, round, price("BTC/USD", 50000, now.UnixMilli()))
	}

	assert.Equal(t, 2, c.Stats().Entries)

	c.roundMu.Lock()
	indexed := len(c.roundIx[btcUsd.String()])
	c.roundMu.Unlock()
	assert.Equal(t, 2, indexed, "evicted snapshots must leave the round index")

	_, ok := c.GetForVotingRound(btcUsd, 9)
	assert.True(t, ok, "the most recent snapshots survive")
	_, ok = c.GetForVotingRound(btcUsd, 0)
	assert.False(t, ok)
}

func TestRoundIndexDropsEmptyFeedSet(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	c := New(Config{MaxEntries: 1, SweepInterval: time.Hour}, nil)
	c.SetClock(func() time.Time { return now })
	defer c.Close()

	ethUsd := feeds.FeedId{Category: feeds.CategoryCrypto, Name: "ETH/USD"}
	c.SetForVotingRound(btcUsd, 1, price("BTC/USD", 50000, now.UnixMilli()))
	c.SetPrice(ethUsd, price("ETH/USD", 3000, now.UnixMilli()), 900*time.Millisecond)

	c.roundMu.Lock()
	_, present := c.roundIx[btcUsd.String()]
	c.roundMu.Unlock()
	assert.False(t, present, "a feed whose last snapshot was evicted keeps no index set")
}

func TestMemoryUsageGrowsWithEntries(t *testing.T) {
	c, now := testCache(t)
	ts := (*now).UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 900*time.Millisecond)
	one := c.Stats().MemoryUsage
	assert.Positive(t, one)

	c.SetForVotingRound(btcUsd, 1, price("BTC/USD", 50000, ts))
	two := c.Stats().MemoryUsage
	assert.Greater(t, two, one)
}

func TestSweepRemovesExpired(t *testing.T) {
	c, now := testCache(t)
	start := *now
	ts := start.UnixMilli()

	c.SetPrice(btcUsd, price("BTC/USD", 50000, ts), 500*time.Millisecond)
	c.SetForVotingRound(btcUsd, 1, price("BTC/USD", 50000, ts))

	*now = start.Add(2 * time.Second)
	c.sweep()

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries, "only the round snapshot survives the sweep")
}
