// Package aggregation fuses validated updates for one feed into a single
// price with confidence and consensus scores. The estimator is a weighted
// median with exponential time decay, which tolerates arbitrary cross-source
// arrival order.
package aggregation

import (
	"math"
	"sort"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// Config tunes the estimator. Zero values fall back to defaults.
type Config struct {
	MaxStaleness    time.Duration
	MinSources      int
	TimeDecayFactor float64 // per-second decay exponent
	ConsensusEps    float64 // relative band around the median counted as agreeing
}

// DefaultConfig returns the documented defaults: 5s window, 2 sources,
// decay 0.1/s, 1% agreement band.
func DefaultConfig() Config {
	return Config{
		MaxStaleness:    5 * time.Second,
		MinSources:      2,
		TimeDecayFactor: 0.1,
		ConsensusEps:    0.01,
	}
}

// Aggregator is stateless; each call works from the updates it is handed.
type Aggregator struct {
	config Config
	clock  func() time.Time
}

// New creates an aggregator, filling config defaults.
func New(config Config) *Aggregator {
	def := DefaultConfig()
	if config.MaxStaleness == 0 {
		config.MaxStaleness = def.MaxStaleness
	}
	if config.MinSources == 0 {
		config.MinSources = def.MinSources
	}
	if config.TimeDecayFactor == 0 {
		config.TimeDecayFactor = def.TimeDecayFactor
	}
	if config.ConsensusEps == 0 {
		config.ConsensusEps = def.ConsensusEps
	}
	return &Aggregator{config: config, clock: time.Now}
}

// SetClock replaces the time source, for tests.
func (a *Aggregator) SetClock(clock func() time.Time) { a.clock = clock }

type weighted struct {
	price  float64
	weight float64
}

// Aggregate combines validated updates for one symbol. Inputs are assumed
// finite; the validator rejects NaN and infinities upstream. Fails with
// InsufficientSources when fewer than MinSources distinct sources survive
// the staleness window.
func (a *Aggregator) Aggregate(symbol string, updates []feeds.PriceUpdate) (feeds.AggregatedPrice, error) {
	now := a.clock()

	survivors := updates[:0:0]
	for _, u := range updates {
		if u.Age(now) <= a.config.MaxStaleness {
			survivors = append(survivors, u)
		}
	}

	sources := distinctSources(survivors)
	if len(sources) < a.config.MinSources {
		return feeds.AggregatedPrice{}, errs.Newf(errs.KindInsufficientSources, "aggregate",
			"%d sources for %s, need %d", len(sources), symbol, a.config.MinSources)
	}

	items := make([]weighted, 0, len(survivors))
	var totalWeight float64
	for _, u := range survivors {
		age := u.Age(now).Seconds()
		if age < 0 {
			age = 0
		}
		w := u.Confidence * math.Exp(-a.config.TimeDecayFactor*age)
		if w <= 0 {
			continue
		}
		items = append(items, weighted{price: u.Price, weight: w})
		totalWeight += w
	}
	if totalWeight == 0 || len(items) == 0 {
		return feeds.AggregatedPrice{}, errs.New(errs.KindInsufficientSources, "aggregate", "all update weights decayed to zero")
	}

	med := weightedMedian(items, totalWeight)

	var agreeingWeight float64
	prices := make([]float64, len(items))
	for i, it := range items {
		prices[i] = it.price
		if med != 0 && math.Abs(it.price-med)/med <= a.config.ConsensusEps {
			agreeingWeight += it.weight
		}
	}

	return feeds.AggregatedPrice{
		Symbol:         symbol,
		Price:          med,
		Timestamp:      now.UnixMilli(),
		Sources:        sources,
		Confidence:     clamp01(agreeingWeight / totalWeight),
		ConsensusScore: consensusScore(prices, med),
		VotingRound:    nil,
	}, nil
}

// weightedMedian interpolates at the 50th percentile of the cumulative
// weight distribution. Identical prices aggregate their weights before the
// percentile lookup; each point sits at the midpoint of its weight mass, and
// the median is linearly interpolated between surrounding points.
func weightedMedian(items []weighted, totalWeight float64) float64 {
	merged := make(map[float64]float64, len(items))
	for _, it := range items {
		merged[it.price] += it.weight
	}
	points := make([]weighted, 0, len(merged))
	for price, w := range merged {
		points = append(points, weighted{price: price, weight: w})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].price < points[j].price })

	if len(points) == 1 {
		return points[0].price
	}

	positions := make([]float64, len(points))
	var cum float64
	for i, pt := range points {
		positions[i] = (cum + pt.weight/2) / totalWeight
		cum += pt.weight
	}

	const target = 0.5
	if target <= positions[0] {
		return points[0].price
	}
	for i := 1; i < len(points); i++ {
		if target > positions[i] {
			continue
		}
		span := positions[i] - positions[i-1]
		if span == 0 {
			return points[i].price
		}
		frac := (target - positions[i-1]) / span
		return points[i-1].price + frac*(points[i].price-points[i-1].price)
	}
	return points[len(points)-1].price
}

// consensusScore is 1 − MAD/M clamped to [0,1]; identical prices yield 1.
func consensusScore(prices []float64, med float64) float64 {
	if med == 0 || len(prices) == 0 {
		return 0
	}
	deviations := make([]float64, len(prices))
	for i, p := range prices {
		deviations[i] = math.Abs(p - med)
	}
	sort.Float64s(deviations)
	var mad float64
	n := len(deviations)
	if n%2 == 1 {
		mad = deviations[n/2]
	} else {
		mad = (deviations[n/2-1] + deviations[n/2]) / 2
	}
	return clamp01(1 - mad/med)
}

func distinctSources(updates []feeds.PriceUpdate) []string {
	seen := make(map[string]bool, len(updates))
	var sources []string
	for _, u := range updates {
		if !seen[u.Source] {
			seen[u.Source] = true
			sources = append(sources, u.Source)
		}
	}
	sort.Strings(sources)
	return sources
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
