// Package failover tracks per-source health and rotates each feed's active
// source when the current one degrades. Health transitions are driven by a
// circuit breaker per source plus a probation window on recovery.
package failover

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// Status is the health phase of one source.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusRecovered Status = "recovered"
)

// SourceHealth is the tracked state for one source id.
type SourceHealth struct {
	SourceID      string    `json:"sourceId"`
	Status        Status    `json:"status"`
	LastUpdate    time.Time `json:"lastUpdate"`
	ErrorCount    int64     `json:"errorCount"`
	RecoveryCount int64     `json:"recoveryCount"`
}

// Switcher is implemented by the orchestrator: it moves a feed's
// subscription between sources.
type Switcher interface {
	SwitchSource(feed feeds.FeedId, from, to string)
}

// Config tunes failure and recovery detection.
type Config struct {
	MaxConsecutiveFailures int
	ProbationPeriod        time.Duration
	BreakerInterval        time.Duration
	BreakerTimeout         time.Duration
}

// DefaultConfig matches the adapter health contract: three consecutive
// failures trip a source, recovery requires a 30s probation of valid updates.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		ProbationPeriod:        30 * time.Second,
		BreakerInterval:        time.Minute,
		BreakerTimeout:         30 * time.Second,
	}
}

type sourceState struct {
	health         SourceHealth
	breaker        *gobreaker.CircuitBreaker
	probationStart time.Time
}

type feedState struct {
	candidates []string // ordered by preference
	active     string
}

// Coordinator owns the health table and the per-feed active source.
type Coordinator struct {
	config   Config
	bus      *events.Bus
	switcher Switcher
	clock    func() time.Time

	mu      sync.Mutex
	sources map[string]*sourceState
	feeds   map[string]*feedState
	feedIds map[string]feeds.FeedId
}

// New creates a coordinator. The switcher is invoked outside the
// coordinator's lock.
func New(config Config, switcher Switcher, bus *events.Bus) *Coordinator {
	def := DefaultConfig()
	if config.MaxConsecutiveFailures == 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.ProbationPeriod == 0 {
		config.ProbationPeriod = def.ProbationPeriod
	}
	if config.BreakerInterval == 0 {
		config.BreakerInterval = def.BreakerInterval
	}
	if config.BreakerTimeout == 0 {
		config.BreakerTimeout = def.BreakerTimeout
	}
	return &Coordinator{
		config:   config,
		bus:      bus,
		switcher: switcher,
		clock:    time.Now,
		sources:  make(map[string]*sourceState),
		feeds:    make(map[string]*feedState),
		feedIds:  make(map[string]feeds.FeedId),
	}
}

// SetClock replaces the time source, for tests.
func (c *Coordinator) SetClock(clock func() time.Time) { c.clock = clock }

// RegisterFeed declares a feed's candidate sources in preference order. The
// first candidate becomes active.
func (c *Coordinator) RegisterFeed(feed feeds.FeedId, candidates []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := feed.String()
	c.feedIds[key] = feed
	c.feeds[key] = &feedState{
		candidates: append([]string(nil), candidates...),
		active:     firstOrEmpty(candidates),
	}
	for _, src := range candidates {
		c.ensureSourceLocked(src)
	}
}

func (c *Coordinator) ensureSourceLocked(sourceID string) *sourceState {
	if st, ok := c.sources[sourceID]; ok {
		return st
	}
	maxFailures := uint32(c.config.MaxConsecutiveFailures)
	st := &sourceState{
		health: SourceHealth{SourceID: sourceID, Status: StatusHealthy, LastUpdate: c.clock()},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     sourceID,
			Interval: c.config.BreakerInterval,
			Timeout:  c.config.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
		}),
	}
	c.sources[sourceID] = st
	return st
}

// ActiveSource returns the feed's currently active source id.
func (c *Coordinator) ActiveSource(feed feeds.FeedId) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fs, ok := c.feeds[feed.String()]; ok {
		return fs.active
	}
	return ""
}

// ReportSuccess records one valid update from a source. A source in
// probation that keeps delivering becomes Recovered, then Healthy.
func (c *Coordinator) ReportSuccess(sourceID string) {
	now := c.clock()

	c.mu.Lock()
	st := c.ensureSourceLocked(sourceID)
	st.breaker.Execute(func() (interface{}, error) { return nil, nil })
	st.health.LastUpdate = now

	var recovered bool
	switch st.health.Status {
	case StatusUnhealthy, StatusDegraded:
		if st.probationStart.IsZero() {
			st.probationStart = now
		} else if now.Sub(st.probationStart) >= c.config.ProbationPeriod {
			st.health.Status = StatusRecovered
			st.health.RecoveryCount++
			st.probationStart = time.Time{}
			recovered = true
		}
	case StatusRecovered:
		st.health.Status = StatusHealthy
	}
	c.mu.Unlock()

	if recovered {
		log.Info().Str("source", sourceID).Msg("source recovered after probation")
		if c.bus != nil {
			c.bus.Publish(events.Event{Type: events.TypeSourceRecovered, Source: sourceID})
		}
	}
}

// ReportFailure records one failure. Crossing the consecutive-failure
// threshold marks the source Unhealthy and promotes the next healthy
// candidate on every feed it was serving.
func (c *Coordinator) ReportFailure(sourceID string, cause error) {
	now := c.clock()
	severity := errs.SeverityMedium
	if k := errs.KindOf(cause); k == errs.KindConnectionFailed || k == errs.KindInternal {
		severity = errs.SeverityHigh
	}

	c.mu.Lock()
	st := c.ensureSourceLocked(sourceID)
	st.breaker.Execute(func() (interface{}, error) { return nil, cause })
	st.health.ErrorCount++
	st.health.LastUpdate = now
	st.probationStart = time.Time{}

	tripped := st.breaker.State() == gobreaker.StateOpen
	if tripped {
		st.health.Status = StatusUnhealthy
	} else if st.health.Status == StatusHealthy {
		st.health.Status = StatusDegraded
	}

	type pendingSwitch struct {
		feed     feeds.FeedId
		from, to string
	}
	var switches []pendingSwitch
	if tripped {
		for key, fs := range c.feeds {
			if fs.active != sourceID {
				continue
			}
			next := c.nextHealthyLocked(fs, sourceID)
			if next == "" {
				continue
			}
			fs.active = next
			switches = append(switches, pendingSwitch{feed: c.feedIds[key], from: sourceID, to: next})
		}
	}
	c.mu.Unlock()

	for _, sw := range switches {
		log.Warn().
			Str("feed", sw.feed.Name).
			Str("from", sw.from).
			Str("to", sw.to).
			Str("severity", string(severity)).
			Msg("failing over feed source")
		if c.switcher != nil {
			c.switcher.SwitchSource(sw.feed, sw.from, sw.to)
		}
		if c.bus != nil {
			c.bus.Publish(events.Event{
				Type:    events.TypeSourceFailover,
				Source:  sw.from,
				Payload: map[string]string{"feed": sw.feed.Name, "to": sw.to, "severity": string(severity)},
			})
		}
	}
}

func (c *Coordinator) nextHealthyLocked(fs *feedState, exclude string) string {
	for _, candidate := range fs.candidates {
		if candidate == exclude {
			continue
		}
		st, ok := c.sources[candidate]
		if !ok {
			continue
		}
		if st.health.Status == StatusHealthy || st.health.Status == StatusRecovered {
			return candidate
		}
	}
	return ""
}

// Health returns a copy of every tracked source's health.
func (c *Coordinator) Health() []SourceHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SourceHealth, 0, len(c.sources))
	for _, st := range c.sources {
		out = append(out, st.health)
	}
	return out
}

func firstOrEmpty(candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}
