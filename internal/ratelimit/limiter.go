// Package ratelimit implements per-client sliding-window admission control
// for the request surface. The window advances continuously with wall time;
// no discrete bucket boundaries.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config bounds one client's request budget.
type Config struct {
	WindowMs               int64
	MaxRequests            int
	SkipSuccessfulRequests bool
	SkipFailedRequests     bool
	SweepInterval          time.Duration
}

// DefaultConfig allows 100 requests per minute.
func DefaultConfig() Config {
	return Config{
		WindowMs:      60_000,
		MaxRequests:   100,
		SweepInterval: 30 * time.Second,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed         bool
	RemainingPoints int
	MsBeforeNext    int64
	TotalHits       int64
}

type clientRecord struct {
	hits      []time.Time // admission timestamps inside the window
	totalHits int64
	lastSeen  time.Time
}

// Limiter admits requests per client id.
type Limiter struct {
	config Config
	clock  func() time.Time

	mu      sync.Mutex
	clients map[string]*clientRecord

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a limiter and starts its idle-client sweep.
func New(config Config) *Limiter {
	def := DefaultConfig()
	if config.WindowMs == 0 {
		config.WindowMs = def.WindowMs
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = def.SweepInterval
	}
	l := &Limiter{
		config:  config,
		clock:   time.Now,
		clients: make(map[string]*clientRecord),
		stopCh:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// SetClock replaces the time source, for tests.
func (l *Limiter) SetClock(clock func() time.Time) { l.clock = clock }

// Allow performs one admission check for the client, recording the hit when
// admitted.
func (l *Limiter) Allow(clientID string) Decision {
	now := l.clock()
	window := time.Duration(l.config.WindowMs) * time.Millisecond

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.clients[clientID]
	if rec == nil {
		rec = &clientRecord{}
		l.clients[clientID] = rec
	}
	rec.lastSeen = now

	// Slide the window: drop hits older than windowMs.
	cutoff := now.Add(-window)
	kept := rec.hits[:0]
	for _, t := range rec.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.hits = kept

	rec.totalHits++
	if len(rec.hits) >= l.config.MaxRequests {
		oldest := rec.hits[0]
		msBeforeNext := oldest.Add(window).Sub(now).Milliseconds()
		if msBeforeNext < 0 {
			msBeforeNext = 0
		}
		return Decision{
			Allowed:         false,
			RemainingPoints: 0,
			MsBeforeNext:    msBeforeNext,
			TotalHits:       rec.totalHits,
		}
	}

	rec.hits = append(rec.hits, now)
	return Decision{
		Allowed:         true,
		RemainingPoints: l.config.MaxRequests - len(rec.hits),
		MsBeforeNext:    0,
		TotalHits:       rec.totalHits,
	}
}

// Observe reports the request outcome after handling. When the matching
// skip flag is set the admission is refunded so it no longer counts against
// the window.
func (l *Limiter) Observe(clientID string, success bool) {
	if success && !l.config.SkipSuccessfulRequests {
		return
	}
	if !success && !l.config.SkipFailedRequests {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.clients[clientID]
	if rec == nil || len(rec.hits) == 0 {
		return
	}
	rec.hits = rec.hits[:len(rec.hits)-1]
}

// HitsInWindow reports the client's current in-window admission count.
func (l *Limiter) HitsInWindow(clientID string) int {
	now := l.clock()
	cutoff := now.Add(-time.Duration(l.config.WindowMs) * time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := l.clients[clientID]
	if rec == nil {
		return 0
	}
	count := 0
	for _, t := range rec.hits {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// Limit exposes the configured ceiling and window for response headers.
func (l *Limiter) Limit() (maxRequests int, windowMs int64) {
	return l.config.MaxRequests, l.config.WindowMs
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep evicts client records idle longer than twice the window.
func (l *Limiter) sweep() {
	now := l.clock()
	idle := time.Duration(2*l.config.WindowMs) * time.Millisecond

	l.mu.Lock()
	removed := 0
	for id, rec := range l.clients {
		if now.Sub(rec.lastSeen) > idle {
			delete(l.clients, id)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		log.Debug().Int("clients", removed).Msg("evicted idle rate-limit records")
	}
}

// Close stops the sweep loop.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}
