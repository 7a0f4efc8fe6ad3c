// Package validation filters stale, out-of-range, and outlier ticks before
// they reach aggregation. Results are memoized briefly so repeated
// submissions of the same tick do not re-run the rule set.
package validation

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/events"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// Issue is one rule violation or warning attached to a result.
type Issue struct {
	Kind      errs.Kind     `json:"kind"`
	Severity  errs.Severity `json:"severity"`
	Operation string        `json:"operation"`
	Message   string        `json:"message"`
}

// Result is the outcome of validating one update.
type Result struct {
	IsValid        bool               `json:"isValid"`
	Errors         []Issue            `json:"errors"`
	Warnings       []Issue            `json:"warnings"`
	Confidence     float64            `json:"confidence"`
	AdjustedUpdate *feeds.PriceUpdate `json:"adjustedUpdate,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// TrustedMajorityFunc decides whether a source may override the outlier rule.
// It receives the claimed source and the sources whose recent prices agree
// with the window median.
type TrustedMajorityFunc func(source string, agreeing []string) bool

// Config tunes the rule set. Zero values fall back to defaults.
type Config struct {
	MaxAge           time.Duration
	MinPrice         float64
	MaxPrice         float64
	OutlierThreshold float64
	ConsensusWeight  float64
	WindowSize       int
	RealTimeEnabled  bool
	BatchEnabled     bool
	CacheTTL         time.Duration
	CacheMaxEntries  int
	TrustedMajority  TrustedMajorityFunc
}

// DefaultConfig returns the documented rule defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:           2000 * time.Millisecond,
		MinPrice:         1e-9,
		MaxPrice:         1e12,
		OutlierThreshold: 0.05,
		ConsensusWeight:  0.5,
		WindowSize:       32,
		RealTimeEnabled:  true,
		BatchEnabled:     true,
		CacheTTL:         time.Second,
		CacheMaxEntries:  4096,
	}
}

// Validator applies the rule set with a per-feed recent-price window and a
// short-lived result cache.
type Validator struct {
	config Config
	bus    *events.Bus
	clock  func() time.Time

	cache *resultCache

	windowMu sync.Mutex
	windows  map[string]*priceWindow // canonical symbol -> recent prices
}

type windowSample struct {
	price  float64
	source string
	at     time.Time
}

type priceWindow struct {
	samples []windowSample
	max     int
}

func (w *priceWindow) push(s windowSample) {
	w.samples = append(w.samples, s)
	if len(w.samples) > w.max {
		w.samples = w.samples[len(w.samples)-w.max:]
	}
}

// New creates a validator. The bus may be nil for rule-only use.
func New(config Config, bus *events.Bus) *Validator {
	def := DefaultConfig()
	if config.MaxAge == 0 {
		config.MaxAge = def.MaxAge
	}
	if config.MaxPrice == 0 {
		config.MaxPrice = def.MaxPrice
	}
	if config.MinPrice == 0 {
		config.MinPrice = def.MinPrice
	}
	if config.OutlierThreshold == 0 {
		config.OutlierThreshold = def.OutlierThreshold
	}
	if config.WindowSize == 0 {
		config.WindowSize = def.WindowSize
	}
	if config.CacheTTL == 0 || config.CacheTTL > time.Second {
		config.CacheTTL = time.Second
	}
	if config.CacheMaxEntries == 0 {
		config.CacheMaxEntries = def.CacheMaxEntries
	}
	if config.TrustedMajority == nil {
		config.TrustedMajority = func(source string, agreeing []string) bool {
			for _, s := range agreeing {
				if s == source {
					return true
				}
			}
			return false
		}
	}
	return &Validator{
		config:  config,
		bus:     bus,
		clock:   time.Now,
		cache:   newResultCache(config.CacheMaxEntries, config.CacheTTL),
		windows: make(map[string]*priceWindow),
	}
}

// SetClock replaces the time source, for tests.
func (v *Validator) SetClock(clock func() time.Time) { v.clock = clock }

// Validate runs the rule set on a single update. When real-time validation
// is disabled it passes the update through with its own confidence.
func (v *Validator) Validate(update feeds.PriceUpdate) Result {
	now := v.clock()
	if !v.config.RealTimeEnabled {
		return Result{IsValid: true, Confidence: update.Confidence, Timestamp: now}
	}

	if cached, ok := v.cache.get(update, now); ok {
		return cached
	}

	result := v.applyRules(update, now)
	v.cache.put(update, result, now)

	if result.IsValid {
		v.observe(update, now)
		v.emit(events.TypeValidationPassed, update, result)
	} else {
		v.emit(events.TypeValidationFailed, update, result)
		for _, issue := range result.Errors {
			if issue.Severity == errs.SeverityCritical {
				v.emit(events.TypeValidationCritical, update, result)
				break
			}
		}
	}
	return result
}

// ValidateBatch applies the rule set to a list. When batch validation is
// disabled it returns all-valid passthrough results.
func (v *Validator) ValidateBatch(updates []feeds.PriceUpdate) []Result {
	results := make([]Result, len(updates))
	if !v.config.BatchEnabled {
		now := v.clock()
		for i, u := range updates {
			results[i] = Result{IsValid: true, Confidence: u.Confidence, Timestamp: now}
		}
		return results
	}
	for i, u := range updates {
		results[i] = v.Validate(u)
	}
	return results
}

func (v *Validator) applyRules(update feeds.PriceUpdate, now time.Time) Result {
	result := Result{IsValid: true, Confidence: update.Confidence, Timestamp: now}

	fail := func(kind errs.Kind, severity errs.Severity, op, msg string) {
		result.IsValid = false
		result.Errors = append(result.Errors, Issue{Kind: kind, Severity: severity, Operation: op, Message: msg})
	}

	// Type rule first: everything downstream assumes finite positive input.
	if math.IsNaN(update.Price) || math.IsInf(update.Price, 0) || update.Price <= 0 {
		fail(errs.KindValidationFailure, errs.SeverityCritical, "type_check", "price must be a finite positive number")
		return result
	}
	if update.Timestamp < 0 {
		fail(errs.KindValidationFailure, errs.SeverityHigh, "type_check", "timestamp must be non-negative")
		return result
	}

	if age := update.Age(now); age > v.config.MaxAge {
		fail(errs.KindValidationFailure, errs.SeverityMedium, "freshness_check", "update exceeds max age")
	}

	if update.Price < v.config.MinPrice || update.Price > v.config.MaxPrice {
		fail(errs.KindValidationFailure, errs.SeverityHigh, "range_check", "price outside configured range")
	}

	if result.IsValid {
		v.checkOutlier(update, now, &result)
	}
	return result
}

// checkOutlier compares the update against the recent median for the same
// symbol. An outlying update survives only when its source is in the trusted
// majority, in which case the result carries a warning and a confidence
// penalty.
func (v *Validator) checkOutlier(update feeds.PriceUpdate, now time.Time, result *Result) {
	v.windowMu.Lock()
	win := v.windows[update.Symbol]
	var samples []windowSample
	if win != nil {
		samples = append(samples, win.samples...)
	}
	v.windowMu.Unlock()

	if len(samples) < 3 {
		return
	}

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.price
	}
	med := median(prices)
	if med == 0 {
		return
	}

	deviation := math.Abs(update.Price-med) / med
	if deviation <= v.config.OutlierThreshold {
		return
	}

	var agreeing []string
	seen := make(map[string]bool)
	for _, s := range samples {
		if math.Abs(s.price-med)/med <= v.config.OutlierThreshold && !seen[s.source] {
			agreeing = append(agreeing, s.source)
			seen[s.source] = true
		}
	}

	if v.config.TrustedMajority(update.Source, agreeing) {
		result.Warnings = append(result.Warnings, Issue{
			Kind:      errs.KindValidationFailure,
			Severity:  errs.SeverityLow,
			Operation: "outlier_check",
			Message:   "outlier accepted via trusted-majority override",
		})
		result.Confidence = clamp01(result.Confidence * v.config.ConsensusWeight)
		return
	}

	result.IsValid = false
	result.Errors = append(result.Errors, Issue{
		Kind:      errs.KindValidationFailure,
		Severity:  errs.SeverityHigh,
		Operation: "outlier_check",
		Message:   "relative deviation from recent median exceeds threshold",
	})
}

func (v *Validator) observe(update feeds.PriceUpdate, now time.Time) {
	v.windowMu.Lock()
	defer v.windowMu.Unlock()
	win := v.windows[update.Symbol]
	if win == nil {
		win = &priceWindow{max: v.config.WindowSize}
		v.windows[update.Symbol] = win
	}
	win.push(windowSample{price: update.Price, source: update.Source, at: now})
}

func (v *Validator) emit(t events.Type, update feeds.PriceUpdate, result Result) {
	if v.bus == nil {
		return
	}
	v.bus.Publish(events.Event{Type: t, Source: update.Source, Payload: result})
	if t == events.TypeValidationCritical {
		log.Warn().Str("symbol", update.Symbol).Str("source", update.Source).Msg("critical validation error")
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
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
