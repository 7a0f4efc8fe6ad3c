// Package feeds defines the feed identity model and the normalized update
// types that flow from exchange adapters through validation and aggregation.
package feeds

import (
	"fmt"
	"time"
)

// Category tags a feed with its asset class.
type Category int

const (
	CategoryNone Category = iota
	CategoryCrypto
	CategoryForex
	CategoryCommodity
	CategoryStock
)

func (c Category) String() string {
	switch c {
	case CategoryCrypto:
		return "crypto"
	case CategoryForex:
		return "forex"
	case CategoryCommodity:
		return "commodity"
	case CategoryStock:
		return "stock"
	default:
		return "none"
	}
}

// FeedId identifies one price series. Identity is by value; the canonical
// name is BASE/QUOTE, uppercase, slash separated.
type FeedId struct {
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
}

func (f FeedId) String() string {
	return fmt.Sprintf("%d:%s", int(f.Category), f.Name)
}

// Key returns the cache key form for the current view.
func (f FeedId) Key() string { return "current:" + f.String() }

// RoundKey returns the cache key form for a voting-round snapshot.
func (f FeedId) RoundKey(round uint64) string {
	return fmt.Sprintf("round:%s:%d", f.String(), round)
}

// PriceUpdate is one raw tick as emitted by an adapter. Updates are never
// mutated after emission.
type PriceUpdate struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // ms since epoch
	Source     string  `json:"source"`
	Volume     float64 `json:"volume,omitempty"`
	Confidence float64 `json:"confidence"` // [0,1]
}

// Age reports how stale the update is relative to now.
func (u PriceUpdate) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(u.Timestamp))
}

// VolumeUpdate is one traded-volume observation for a symbol on one venue.
type VolumeUpdate struct {
	Symbol    string  `json:"symbol"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
	Source    string  `json:"source"`
}

// AggregatedPrice is the fused output of one aggregation pass.
type AggregatedPrice struct {
	Symbol         string   `json:"symbol"`
	Price          float64  `json:"price"`
	Timestamp      int64    `json:"timestamp"`
	Sources        []string `json:"sources"`
	Confidence     float64  `json:"confidence"`
	ConsensusScore float64  `json:"consensusScore"`
	VotingRound    *uint64  `json:"votingRound,omitempty"`
}
