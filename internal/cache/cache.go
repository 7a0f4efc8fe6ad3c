// Package cache implements the dual-view in-memory price store: a short-TTL
// current view and frozen per-voting-round snapshots. The map is striped for
// write concurrency; the LRU order keeps its own lock and the two are never
// held together while calling out.
package cache

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// MaxCurrentTTL clamps every current-view entry: requested TTLs above this
// are reduced so the current view can never serve data older than one second
// past its write.
const MaxCurrentTTL = 1000 * time.Millisecond

const numStripes = 16

// Config bounds the store.
type Config struct {
	MaxEntries    int
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries:    10000,
		DefaultTTL:    500 * time.Millisecond,
		SweepInterval: 500 * time.Millisecond,
	}
}

// Entry is one stored value with its bookkeeping.
type Entry struct {
	Value       feeds.AggregatedPrice
	ExpiresAt   time.Time // zero for round snapshots
	CreatedAt   time.Time
	AccessCount int64
	LastAccess  time.Time
}

type stripe struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Stats is a point-in-time view of cache performance.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Entries     int     `json:"entries"`
	MemoryUsage int64   `json:"memoryUsage"`
	Evictions   int64   `json:"evictions"`
}

// RealTimeCache is the dual-view store.
type RealTimeCache struct {
	config  Config
	stripes [numStripes]*stripe
	bus     *events.Bus
	clock   func() time.Time

	lruMu sync.Mutex
	lru   *list.List               // front = most recently used key
	lruIx map[string]*list.Element // key -> element

	roundMu sync.Mutex
	roundIx map[string]map[string]bool // feed string -> set of round keys

	statMu    sync.Mutex
	hits      int64
	misses    int64
	evictions int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates the cache and starts its periodic expiry sweep. The bus may be
// nil; hit and miss events are then not published.
func New(config Config, bus *events.Bus) *RealTimeCache {
	def := DefaultConfig()
	if config.MaxEntries == 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = def.DefaultTTL
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = def.SweepInterval
	}

	c := &RealTimeCache{
		config:  config,
		bus:     bus,
		clock:   time.Now,
		lru:     list.New(),
		lruIx:   make(map[string]*list.Element),
		roundIx: make(map[string]map[string]bool),
		stopCh:  make(chan struct{}),
	}
	for i := range c.stripes {
		c.stripes[i] = &stripe{entries: make(map[string]*Entry)}
	}
	go c.sweepLoop()
	return c
}

// SetClock replaces the time source, for tests.
func (c *RealTimeCache) SetClock(clock func() time.Time) { c.clock = clock }

func (c *RealTimeCache) stripeFor(key string) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.stripes[h.Sum32()%numStripes]
}

// SetPrice writes into the current view. The effective TTL is
// min(requestedTTL, MaxCurrentTTL); a zero TTL uses the configured default.
func (c *RealTimeCache) SetPrice(feed feeds.FeedId, price feeds.AggregatedPrice, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	if ttl > MaxCurrentTTL {
		ttl = MaxCurrentTTL
	}
	now := c.clock()
	c.store(feed.Key(), &Entry{
		Value:      price,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
		LastAccess: now,
	})
}

// GetPrice reads the current view. Expired entries are removed lazily and
// count as misses.
func (c *RealTimeCache) GetPrice(feed feeds.FeedId) (feeds.AggregatedPrice, bool) {
	return c.lookup(feed.Key(), feed)
}

// SetForVotingRound freezes a snapshot for (feed, round). Snapshots carry no
// TTL; they live until explicit invalidation or LRU eviction. The first
// write wins; later writes for the same (feed, round) are ignored.
func (c *RealTimeCache) SetForVotingRound(feed feeds.FeedId, round uint64, price feeds.AggregatedPrice) {
	key := feed.RoundKey(round)
	s := c.stripeFor(key)

	s.mu.Lock()
	if _, exists := s.entries[key]; exists {
		s.mu.Unlock()
		return
	}
	now := c.clock()
	r := round
	price.VotingRound = &r
	s.entries[key] = &Entry{Value: price, CreatedAt: now, LastAccess: now}
	s.mu.Unlock()

	c.roundMu.Lock()
	set := c.roundIx[feed.String()]
	if set == nil {
		set = make(map[string]bool)
		c.roundIx[feed.String()] = set
	}
	set[key] = true
	c.roundMu.Unlock()

	c.touchLRU(key)
	c.enforceCap()
}

// GetForVotingRound returns the frozen snapshot or reports absence.
func (c *RealTimeCache) GetForVotingRound(feed feeds.FeedId, round uint64) (feeds.AggregatedPrice, bool) {
	return c.lookup(feed.RoundKey(round), feed)
}

// Peek inspects the current entry without recording a hit or miss and
// without touching access bookkeeping. Used by the warmer to decide whether
// an entry is close to expiry.
func (c *RealTimeCache) Peek(feed feeds.FeedId) (value feeds.AggregatedPrice, expiresAt time.Time, ok bool) {
	key := feed.Key()
	s := c.stripeFor(key)
	now := c.clock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, found := s.entries[key]
	if !found || (!entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt)) {
		return feeds.AggregatedPrice{}, time.Time{}, false
	}
	return entry.Value, entry.ExpiresAt, true
}

// InvalidateOnPriceUpdate clears every round snapshot for the feed. The
// current entry is left untouched: the current view stays the freshest
// source of truth while derived round views are discarded.
func (c *RealTimeCache) InvalidateOnPriceUpdate(feed feeds.FeedId) {
	c.roundMu.Lock()
	set := c.roundIx[feed.String()]
	delete(c.roundIx, feed.String())
	c.roundMu.Unlock()

	for key := range set {
		c.remove(key)
	}
}

// dropRoundIx removes an evicted snapshot key from its feed's round index so
// the index cannot outgrow the entries it points at.
func (c *RealTimeCache) dropRoundIx(key string) {
	rest, isRound := strings.CutPrefix(key, "round:")
	if !isRound {
		return
	}
	i := strings.LastIndexByte(rest, ':')
	if i < 0 {
		return
	}
	feed := rest[:i]
	c.roundMu.Lock()
	if set := c.roundIx[feed]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(c.roundIx, feed)
		}
	}
	c.roundMu.Unlock()
}

func (c *RealTimeCache) store(key string, entry *Entry) {
	s := c.stripeFor(key)
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	c.touchLRU(key)
	c.enforceCap()
}

func (c *RealTimeCache) lookup(key string, feed feeds.FeedId) (feeds.AggregatedPrice, bool) {
	now := c.clock()
	s := c.stripeFor(key)

	s.mu.Lock()
	entry, ok := s.entries[key]
	expiredNow := false
	if ok && !entry.ExpiresAt.IsZero() && now.After(entry.ExpiresAt) {
		delete(s.entries, key)
		ok = false
		expiredNow = true
	}
	var value feeds.AggregatedPrice
	if ok {
		entry.AccessCount++
		entry.LastAccess = now
		value = entry.Value
	}
	s.mu.Unlock()

	if !ok {
		if expiredNow {
			c.dropLRU(key)
		}
		c.recordMiss(feed)
		return feeds.AggregatedPrice{}, false
	}
	c.touchLRU(key)
	c.recordHit(feed)
	return value, true
}

func (c *RealTimeCache) remove(key string) {
	s := c.stripeFor(key)
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	c.lruMu.Lock()
	if elem, ok := c.lruIx[key]; ok {
		c.lru.Remove(elem)
		delete(c.lruIx, key)
	}
	c.lruMu.Unlock()
}

func (c *RealTimeCache) dropLRU(key string) {
	c.lruMu.Lock()
	if elem, ok := c.lruIx[key]; ok {
		c.lru.Remove(elem)
		delete(c.lruIx, key)
	}
	c.lruMu.Unlock()
}

func (c *RealTimeCache) touchLRU(key string) {
	c.lruMu.Lock()
	if elem, ok := c.lruIx[key]; ok {
		c.lru.MoveToFront(elem)
	} else {
		c.lruIx[key] = c.lru.PushFront(key)
	}
	c.lruMu.Unlock()
}

// enforceCap evicts least-recently-used entries until the count fits.
func (c *RealTimeCache) enforceCap() {
	for {
		c.lruMu.Lock()
		if c.lru.Len() <= c.config.MaxEntries {
			c.lruMu.Unlock()
			return
		}
		oldest := c.lru.Back()
		key := oldest.Value.(string)
		c.lru.Remove(oldest)
		delete(c.lruIx, key)
		c.lruMu.Unlock()

		s := c.stripeFor(key)
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		c.dropRoundIx(key)

		c.statMu.Lock()
		c.evictions++
		c.statMu.Unlock()
		log.Debug().Str("key", key).Msg("cache entry evicted")
	}
}

func (c *RealTimeCache) recordHit(feed feeds.FeedId) {
	c.statMu.Lock()
	c.hits++
	c.statMu.Unlock()
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeCacheHit, Payload: feed})
	}
}

func (c *RealTimeCache) recordMiss(feed feeds.FeedId) {
	c.statMu.Lock()
	c.misses++
	c.statMu.Unlock()
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.TypeCacheMiss, Payload: feed})
	}
}

// Stats reports counters and an approximate memory footprint that grows
// monotonically with entry count.
func (c *RealTimeCache) Stats() Stats {
	entries := 0
	var mem int64
	for _, s := range c.stripes {
		s.mu.RLock()
		for key, e := range s.entries {
			entries++
			mem += entrySize(key, e)
		}
		s.mu.RUnlock()
	}

	c.statMu.Lock()
	defer c.statMu.Unlock()
	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		HitRate:     rate,
		Entries:     entries,
		MemoryUsage: mem,
		Evictions:   c.evictions,
	}
}

func entrySize(key string, e *Entry) int64 {
	size := int64(len(key)) + 112 // entry struct + bookkeeping
	size += int64(len(e.Value.Symbol))
	for _, s := range e.Value.Sources {
		size += int64(len(s)) + 16
	}
	return size
}

func (c *RealTimeCache) sweepLoop() {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired current-view entries. Round snapshots have no TTL
// and are skipped.
func (c *RealTimeCache) sweep() {
	now := c.clock()
	var expired []string
	for _, s := range c.stripes {
		s.mu.Lock()
		for key, e := range s.entries {
			if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
				delete(s.entries, key)
				expired = append(expired, key)
			}
		}
		s.mu.Unlock()
	}
	if len(expired) == 0 {
		return
	}
	c.lruMu.Lock()
	for _, key := range expired {
		if elem, ok := c.lruIx[key]; ok {
			c.lru.Remove(elem)
			delete(c.lruIx, key)
		}
	}
	c.lruMu.Unlock()
}

// Close stops the sweep loop.
func (c *RealTimeCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
