// Package warmer learns feed access patterns and proactively repopulates hot
// cache entries through an externally supplied fetch callback. Warms are
// single-flight per feed and bounded globally; a failed warm is logged and
// published on the bus, never surfaced to the access path.
package warmer

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// FetchFunc retrieves a fresh value for one feed. It is supplied at wiring
// time by the orchestrator.
type FetchFunc func(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error)

// AccessPattern is the tracked state for one feed.
type AccessPattern struct {
	Feed        feeds.FeedId `json:"feed"`
	AccessCount int64        `json:"accessCount"`
	LastAccess  time.Time    `json:"lastAccess"`
	MovingRate  float64      `json:"exponentialMovingRate"` // accesses/sec, decayed
}

// Config tunes warming behaviour.
type Config struct {
	DecayHalfLife    time.Duration
	WarmingThreshold float64 // moving rate (accesses/sec) that triggers a warm
	RefreshMargin    time.Duration
	WarmTTL          time.Duration
	MaxConcurrent    int
	FetchTimeout     time.Duration
}

// DefaultConfig returns the documented defaults: 300s half-life, warm when a
// feed is accessed more than once per 10s.
func DefaultConfig() Config {
	return Config{
		DecayHalfLife:    300 * time.Second,
		WarmingThreshold: 0.1,
		RefreshMargin:    200 * time.Millisecond,
		WarmTTL:          cache.MaxCurrentTTL,
		MaxConcurrent:    8,
		FetchTimeout:     2 * time.Second,
	}
}

// Stats summarizes warmer state.
type Stats struct {
	TotalPatterns int        `json:"totalPatterns"`
	TopFeeds      []TopFeed  `json:"topFeeds"`
	Strategies    []string   `json:"strategies"`
}

// TopFeed is one entry of the hottest-feeds ranking.
type TopFeed struct {
	Feed        feeds.FeedId `json:"feed"`
	AccessCount int64        `json:"accessCount"`
}

// Warmer tracks access patterns and schedules warms.
type Warmer struct {
	config Config
	cache  *cache.RealTimeCache
	fetch  FetchFunc
	bus    *events.Bus
	clock  func() time.Time

	mu       sync.Mutex
	patterns map[string]*AccessPattern
	inflight map[string]bool // single-flight latch per feed

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a warmer bound to the cache and fetch callback.
func New(config Config, rtc *cache.RealTimeCache, fetch FetchFunc, bus *events.Bus) *Warmer {
	def := DefaultConfig()
	if config.DecayHalfLife == 0 {
		config.DecayHalfLife = def.DecayHalfLife
	}
	if config.WarmingThreshold == 0 {
		config.WarmingThreshold = def.WarmingThreshold
	}
	if config.RefreshMargin == 0 {
		config.RefreshMargin = def.RefreshMargin
	}
	if config.WarmTTL == 0 {
		config.WarmTTL = def.WarmTTL
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = def.FetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		config:   config,
		cache:    rtc,
		fetch:    fetch,
		bus:      bus,
		clock:    time.Now,
		patterns: make(map[string]*AccessPattern),
		inflight: make(map[string]bool),
		sem:      make(chan struct{}, config.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetClock replaces the time source, for tests.
func (w *Warmer) SetClock(clock func() time.Time) { w.clock = clock }

// TrackFeedAccess records one access and, when the feed's moving rate
// crosses the warming threshold and the cache entry is absent or close to
// expiry, schedules an asynchronous warm. Never returns an error to the
// caller.
func (w *Warmer) TrackFeedAccess(feed feeds.FeedId) {
	now := w.clock()
	key := feed.String()

	w.mu.Lock()
	p := w.patterns[key]
	if p == nil {
		p = &AccessPattern{Feed: feed, LastAccess: now}
		w.patterns[key] = p
	}
	elapsed := now.Sub(p.LastAccess).Seconds()
	p.MovingRate = p.MovingRate*decayFactor(elapsed, w.config.DecayHalfLife) + 1/math.Max(elapsed, 1)
	p.AccessCount++
	p.LastAccess = now
	rate := p.MovingRate
	w.mu.Unlock()

	if rate < w.config.WarmingThreshold {
		return
	}
	if !w.needsWarm(feed) {
		return
	}
	w.scheduleWarm(feed)
}

// needsWarm reports whether the current entry is missing or will expire
// within the refresh margin. The probe does not count as a cache access.
func (w *Warmer) needsWarm(feed feeds.FeedId) bool {
	_, expiresAt, ok := w.cache.Peek(feed)
	if !ok {
		return true
	}
	return w.clock().Add(w.config.RefreshMargin).After(expiresAt)
}

// scheduleWarm starts at most one warm per feed; concurrent callers for the
// same feed share the in-flight attempt.
func (w *Warmer) scheduleWarm(feed feeds.FeedId) {
	key := feed.String()

	w.mu.Lock()
	if w.inflight[key] {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = true
	w.mu.Unlock()

	select {
	case w.sem <- struct{}{}:
	default:
		// Warm budget exhausted; release the latch and skip.
		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			<-w.sem
			w.mu.Lock()
			delete(w.inflight, key)
			w.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(w.ctx, w.config.FetchTimeout)
		defer cancel()

		value, err := w.fetch(ctx, feed)
		if err != nil {
			log.Debug().Str("feed", feed.Name).Err(err).Msg("cache warm failed")
			if w.bus != nil {
				w.bus.Publish(events.Event{Type: events.TypeWarmerError, Source: feed.Name, Payload: err})
			}
			return
		}
		w.cache.SetPrice(feed, value, w.config.WarmTTL)
	}()
}

// WarmupStats reports the tracked pattern population and hottest feeds.
func (w *Warmer) WarmupStats() Stats {
	w.mu.Lock()
	all := make([]*AccessPattern, 0, len(w.patterns))
	for _, p := range w.patterns {
		all = append(all, p)
	}
	w.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].AccessCount > all[j].AccessCount })
	top := make([]TopFeed, 0, 10)
	for i, p := range all {
		if i == 10 {
			break
		}
		top = append(top, TopFeed{Feed: p.Feed, AccessCount: p.AccessCount})
	}
	return Stats{
		TotalPatterns: len(all),
		TopFeeds:      top,
		Strategies:    []string{"moving-rate-threshold"},
	}
}

// Close cancels in-flight warms and waits for them to finish.
func (w *Warmer) Close() {
	w.cancel()
	w.wg.Wait()
}

// decayFactor halves the moving rate every half-life.
func decayFactor(elapsedSec float64, halfLife time.Duration) float64 {
	if elapsedSec <= 0 {
		return 1
	}
	return math.Exp2(-elapsedSec / halfLife.Seconds())
}
