// Package pipeline wires adapters, validation, aggregation, and the cache
// into the ingest-aggregate-serve loop, and answers feed queries.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/adapters"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/aggregation"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/cache"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/config"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/failover"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/telemetry"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/validation"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/warmer"
)

// RoundFunc maps wall time to the current voting round id. Nil disables
// round snapshotting.
type RoundFunc func(time.Time) uint64

// EpochRounds returns a RoundFunc for fixed-duration rounds anchored at t0.
func EpochRounds(t0 time.Time, duration time.Duration) RoundFunc {
	return func(now time.Time) uint64 {
		if now.Before(t0) {
			return 0
		}
		return uint64(now.Sub(t0) / duration)
	}
}

const updateQueueSize = 4096

// Orchestrator owns the per-feed buffers and the ingest goroutine.
type Orchestrator struct {
	validator  *validation.Validator
	aggregator *aggregation.Aggregator
	cache      *cache.RealTimeCache
	warmer     *warmer.Warmer
	failover   *failover.Coordinator
	monitor    *telemetry.Monitor
	metrics    *telemetry.Registry
	bus        *events.Bus
	roundFn    RoundFunc
	cacheTTL   time.Duration

	adapterMu sync.RWMutex
	adapters  map[string]adapters.Adapter

	feedMu     sync.RWMutex
	bySymbol   map[string]feeds.FeedId // canonical symbol -> feed
	sources    map[string][]string     // feed string -> source ids in preference order
	buffers    map[string]*updateBuffer
	volumes    map[string]*volumeWindow
	shuttingDn bool

	bufferDefaults bufferDefaults

	updates chan feeds.PriceUpdate
	volCh   chan feeds.VolumeUpdate
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// updateBuffer is the rolling window of validated updates for one feed.
// Single writer (the ingest goroutine); readers snapshot under the lock.
type updateBuffer struct {
	mu      sync.Mutex
	items   []feeds.PriceUpdate
	maxSize int
	maxAge  time.Duration
}

func (b *updateBuffer) push(u feeds.PriceUpdate, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, u)
	b.compactLocked(now)
}

func (b *updateBuffer) compactLocked(now time.Time) {
	cutoff := now.Add(-b.maxAge)
	first := 0
	for first < len(b.items) && time.UnixMilli(b.items[first].Timestamp).Before(cutoff) {
		first++
	}
	b.items = b.items[first:]
	if len(b.items) > b.maxSize {
		b.items = b.items[len(b.items)-b.maxSize:]
	}
}

func (b *updateBuffer) snapshot() []feeds.PriceUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]feeds.PriceUpdate, len(b.items))
	copy(out, b.items)
	return out
}

// volumeWindow retains volume observations for windowed queries.
type volumeWindow struct {
	mu    sync.Mutex
	items []feeds.VolumeUpdate
	max   time.Duration
}

func (w *volumeWindow) push(v feeds.VolumeUpdate, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = append(w.items, v)
	cutoff := now.Add(-w.max)
	first := 0
	for first < len(w.items) && time.UnixMilli(w.items[first].Timestamp).Before(cutoff) {
		first++
	}
	w.items = w.items[first:]
}

func (w *volumeWindow) sum(window time.Duration, now time.Time) (float64, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-window)
	var total float64
	seen := make(map[string]bool)
	var sources []string
	for _, v := range w.items {
		if time.UnixMilli(v.Timestamp).Before(cutoff) {
			continue
		}
		total += v.Volume
		if !seen[v.Source] {
			seen[v.Source] = true
			sources = append(sources, v.Source)
		}
	}
	return total, sources
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Validator  *validation.Validator
	Aggregator *aggregation.Aggregator
	Cache      *cache.RealTimeCache
	Failover   *failover.Coordinator
	Monitor    *telemetry.Monitor
	Metrics    *telemetry.Registry
	Bus        *events.Bus
	RoundFn    RoundFunc
	CacheTTL   time.Duration
	BufferSize int
	MaxAge     time.Duration
}

// New wires the orchestrator. The warmer is attached afterwards via
// AttachWarmer because its fetch callback closes over the orchestrator.
func New(opts Options) *Orchestrator {
	if opts.BufferSize == 0 {
		opts.BufferSize = 64
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = 5 * time.Second
	}
	o := &Orchestrator{
		validator:  opts.Validator,
		aggregator: opts.Aggregator,
		cache:      opts.Cache,
		failover:   opts.Failover,
		monitor:    opts.Monitor,
		metrics:    opts.Metrics,
		bus:        opts.Bus,
		roundFn:    opts.RoundFn,
		cacheTTL:   opts.CacheTTL,
		adapters:   make(map[string]adapters.Adapter),
		bySymbol:   make(map[string]feeds.FeedId),
		sources:    make(map[string][]string),
		buffers:    make(map[string]*updateBuffer),
		volumes:    make(map[string]*volumeWindow),
		updates:    make(chan feeds.PriceUpdate, updateQueueSize),
		volCh:      make(chan feeds.VolumeUpdate, updateQueueSize),
		stopCh:     make(chan struct{}),
	}
	o.bufferDefaults = bufferDefaults{size: opts.BufferSize, maxAge: opts.MaxAge}
	return o
}

type bufferDefaults struct {
	size   int
	maxAge time.Duration
}

// AttachWarmer binds the warmer after construction.
func (o *Orchestrator) AttachWarmer(w *warmer.Warmer) { o.warmer = w }

// SetFailover binds the coordinator after construction; the coordinator's
// switcher is the orchestrator itself, so the two are wired in two steps.
func (o *Orchestrator) SetFailover(c *failover.Coordinator) { o.failover = c }

// RegisterAdapter adds an adapter and wires its sinks into the fan-in.
func (o *Orchestrator) RegisterAdapter(a adapters.Adapter) {
	a.SetUpdateSink(o.ingestUpdate)
	a.SetVolumeSink(o.ingestVolume)
	a.SetErrorSink(o.adapterError)

	o.adapterMu.Lock()
	o.adapters[a.Name()] = a
	o.adapterMu.Unlock()
}

// RegisterFeeds loads the catalogue: declares feeds to failover and indexes
// symbols.
func (o *Orchestrator) RegisterFeeds(cat config.Catalogue) {
	o.feedMu.Lock()
	defer o.feedMu.Unlock()
	for _, entry := range cat.Feeds {
		key := entry.Feed.String()
		o.bySymbol[entry.Feed.Name] = entry.Feed
		srcs := make([]string, 0, len(entry.Sources))
		for _, s := range entry.Sources {
			srcs = append(srcs, s.Exchange)
		}
		o.sources[key] = srcs
		o.buffers[key] = &updateBuffer{maxSize: o.bufferDefaults.size, maxAge: o.bufferDefaults.maxAge}
		o.volumes[key] = &volumeWindow{max: time.Hour}
		if o.failover != nil {
			o.failover.RegisterFeed(entry.Feed, srcs)
		}
	}
}

// Start connects adapters, subscribes configured feeds, and launches the
// ingest loop. Adapter connect failures are logged and left to failover;
// startup only fails when no adapter connects at all.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.wg.Add(2)
	go o.ingestLoop()
	go o.volumeLoop()

	// Per-adapter symbol lists from the feed catalogue.
	wanted := make(map[string][]string)
	o.feedMu.RLock()
	for key, srcs := range o.sources {
		feed := o.feedIdFor(key)
		for _, src := range srcs {
			wanted[src] = append(wanted[src], feed.Name)
		}
	}
	o.feedMu.RUnlock()

	connected := 0
	o.adapterMu.RLock()
	defer o.adapterMu.RUnlock()
	for name, a := range o.adapters {
		symbols := wanted[name]
		if len(symbols) == 0 {
			continue
		}
		if err := a.Connect(ctx); err != nil {
			log.Error().Str("exchange", name).Err(err).Msg("adapter connect failed at startup")
			if o.failover != nil {
				o.failover.ReportFailure(name, err)
			}
			continue
		}
		if err := a.Subscribe(ctx, symbols); err != nil {
			log.Error().Str("exchange", name).Err(err).Msg("adapter subscribe failed at startup")
			continue
		}
		connected++
	}
	if connected == 0 && len(wanted) > 0 {
		return errs.New(errs.KindConnectionFailed, "pipeline_start", "no adapter connected")
	}
	return nil
}

func (o *Orchestrator) feedIdFor(key string) feeds.FeedId {
	for symbol, feed := range o.bySymbol {
		_ = symbol
		if feed.String() == key {
			return feed
		}
	}
	return feeds.FeedId{}
}

// ingestUpdate is the adapter sink: a non-blocking handoff to the ingest
// goroutine. Overflow drops the update; a dropped raw tick only widens the
// aggregation window.
func (o *Orchestrator) ingestUpdate(u feeds.PriceUpdate) {
	select {
	case o.updates <- u:
	default:
		log.Warn().Str("symbol", u.Symbol).Str("source", u.Source).Msg("ingest queue full, tick dropped")
	}
}

func (o *Orchestrator) ingestVolume(v feeds.VolumeUpdate) {
	select {
	case o.volCh <- v:
	default:
	}
}

func (o *Orchestrator) adapterError(exchange string, err error) {
	log.Warn().Str("exchange", exchange).Err(err).Msg("adapter error")
	if o.metrics != nil {
		o.metrics.ErrorsTotal.WithLabelValues(string(errs.KindOf(err))).Inc()
	}
	if o.failover != nil {
		o.failover.ReportFailure(exchange, err)
	}
}

// ingestLoop is the single writer for all per-feed buffers: validate, buffer,
// aggregate, publish. Per (feed, source) FIFO order is preserved by the
// single consumer.
func (o *Orchestrator) ingestLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case u := <-o.updates:
			o.processUpdate(u)
		}
	}
}

func (o *Orchestrator) processUpdate(u feeds.PriceUpdate) {
	o.feedMu.RLock()
	feed, known := o.bySymbol[u.Symbol]
	var buf *updateBuffer
	if known {
		buf = o.buffers[feed.String()]
	}
	o.feedMu.RUnlock()
	if !known || buf == nil {
		return
	}

	result := o.validator.Validate(u)
	if !result.IsValid {
		if o.metrics != nil {
			o.metrics.UpdatesRejected.WithLabelValues(u.Source).Inc()
		}
		return
	}
	if result.AdjustedUpdate != nil {
		u = *result.AdjustedUpdate
	}
	if result.Confidence < u.Confidence {
		u.Confidence = result.Confidence
	}

	if o.metrics != nil {
		o.metrics.UpdatesIngested.WithLabelValues(u.Source).Inc()
	}
	if o.failover != nil {
		o.failover.ReportSuccess(u.Source)
	}

	now := time.Now()
	buf.push(u, now)

	agg, err := o.aggregator.Aggregate(u.Symbol, buf.snapshot())
	if err != nil {
		// Below quorum; the current view keeps its last value until TTL.
		return
	}
	if o.metrics != nil {
		o.metrics.AggregationRuns.Inc()
	}

	o.cache.SetPrice(feed, agg, o.cacheTTL)
	if o.roundFn != nil {
		o.cache.SetForVotingRound(feed, o.roundFn(now), agg)
	}
}

func (o *Orchestrator) volumeLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case v := <-o.volCh:
			o.feedMu.RLock()
			feed, known := o.bySymbol[v.Symbol]
			var win *volumeWindow
			if known {
				win = o.volumes[feed.String()]
			}
			o.feedMu.RUnlock()
			if win != nil {
				if v.Timestamp == 0 {
					v.Timestamp = time.Now().UnixMilli()
				}
				win.push(v, time.Now())
			}
		}
	}
}

// GetFeedValue answers the query path: cache first; on miss aggregate
// directly from the rolling buffer, warming the cache on success.
func (o *Orchestrator) GetFeedValue(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
	started := time.Now()
	defer func() {
		if o.monitor != nil {
			o.monitor.RecordResponseTime(time.Since(started))
		}
	}()

	if o.warmer != nil {
		o.warmer.TrackFeedAccess(feed)
	}

	if value, ok := o.cache.GetPrice(feed); ok {
		if o.monitor != nil {
			o.monitor.RecordHit()
		}
		return value, nil
	}
	if o.monitor != nil {
		o.monitor.RecordMiss()
	}

	return o.AggregateNow(ctx, feed)
}

// AggregateNow recomputes a feed's value from its buffer, writing the cache
// on success. Serves as the warmer's fetch callback.
func (o *Orchestrator) AggregateNow(ctx context.Context, feed feeds.FeedId) (feeds.AggregatedPrice, error) {
	if err := ctx.Err(); err != nil {
		return feeds.AggregatedPrice{}, errs.Wrap(errs.KindCancelled, "feed_query", err)
	}

	o.feedMu.RLock()
	buf := o.buffers[feed.String()]
	o.feedMu.RUnlock()
	if buf == nil {
		return feeds.AggregatedPrice{}, errs.Newf(errs.KindNotFound, "feed_query", "unknown feed %s", feed.Name)
	}

	agg, err := o.aggregator.Aggregate(feed.Name, buf.snapshot())
	if err != nil {
		return feeds.AggregatedPrice{}, err
	}
	o.cache.SetPrice(feed, agg, o.cacheTTL)
	return agg, nil
}

// GetRoundValue reads a frozen voting-round snapshot.
func (o *Orchestrator) GetRoundValue(feed feeds.FeedId, round uint64) (feeds.AggregatedPrice, error) {
	if o.warmer != nil {
		o.warmer.TrackFeedAccess(feed)
	}
	value, ok := o.cache.GetForVotingRound(feed, round)
	if !ok {
		if o.monitor != nil {
			o.monitor.RecordMiss()
		}
		return feeds.AggregatedPrice{}, errs.Newf(errs.KindNotFound, "round_query",
			"no data for feed %s round %d", feed.Name, round)
	}
	if o.monitor != nil {
		o.monitor.RecordHit()
	}
	return value, nil
}

// GetVolume sums observed volume for the feed over the trailing window.
func (o *Orchestrator) GetVolume(feed feeds.FeedId, window time.Duration) (float64, []string, error) {
	o.feedMu.RLock()
	win := o.volumes[feed.String()]
	o.feedMu.RUnlock()
	if win == nil {
		return 0, nil, errs.Newf(errs.KindNotFound, "volume_query", "unknown feed %s", feed.Name)
	}
	total, sources := win.sum(window, time.Now())
	return total, sources, nil
}

// KnownFeed resolves a FeedId from the catalogue, confirming registration.
func (o *Orchestrator) KnownFeed(feed feeds.FeedId) bool {
	o.feedMu.RLock()
	defer o.feedMu.RUnlock()
	registered, ok := o.bySymbol[feed.Name]
	return ok && registered.Category == feed.Category
}

// SwitchSource implements failover.Switcher: move the feed's subscription
// from one exchange to the next candidate.
func (o *Orchestrator) SwitchSource(feed feeds.FeedId, from, to string) {
	o.feedMu.RLock()
	stopping := o.shuttingDn
	o.feedMu.RUnlock()
	if stopping {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.adapterMu.RLock()
	fromAdapter := o.adapters[from]
	toAdapter := o.adapters[to]
	o.adapterMu.RUnlock()

	if fromAdapter != nil {
		if err := fromAdapter.Unsubscribe(ctx, []string{feed.Name}); err != nil {
			log.Warn().Str("exchange", from).Err(err).Msg("unsubscribe during failover failed")
		}
	}
	if toAdapter != nil {
		if toAdapter.State() == adapters.StateDisconnected {
			if err := toAdapter.Connect(ctx); err != nil {
				log.Error().Str("exchange", to).Err(err).Msg("failover target connect failed")
				return
			}
		}
		if err := toAdapter.Subscribe(ctx, []string{feed.Name}); err != nil {
			log.Error().Str("exchange", to).Err(err).Msg("failover target subscribe failed")
			return
		}
	}
	if o.metrics != nil {
		o.metrics.FailoverSwitches.WithLabelValues(feed.Name).Inc()
	}
}

// AdapterHealth reports every registered adapter's self-assessment.
func (o *Orchestrator) AdapterHealth() []adapters.Health {
	o.adapterMu.RLock()
	defer o.adapterMu.RUnlock()
	out := make([]adapters.Health, 0, len(o.adapters))
	for _, a := range o.adapters {
		out = append(out, a.Health())
	}
	return out
}

// Shutdown drains in-flight ingest for the grace period, then closes
// adapters and the ingest loops.
func (o *Orchestrator) Shutdown(grace time.Duration) {
	o.feedMu.Lock()
	o.shuttingDn = true
	o.feedMu.Unlock()

	deadline := time.Now().Add(grace)
	for len(o.updates) > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	o.adapterMu.RLock()
	for _, a := range o.adapters {
		if err := a.Disconnect(); err != nil {
			log.Warn().Str("exchange", a.Name()).Err(err).Msg("adapter disconnect failed")
		}
	}
	o.adapterMu.RUnlock()

	close(o.stopCh)
	o.wg.Wait()
}
