// Package adapters maintains the streaming connections to exchanges and
// emits normalized price and volume updates. Each venue supplies a frame
// codec; the shared base adapter owns the websocket lifecycle, reconnect
// budget, and heartbeat policy.
package adapters

import (
	"context"
	"math"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// State is the adapter connection state machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSubscribing  State = "subscribing"
	StateSubscribed   State = "subscribed"
	StateReconnecting State = "reconnecting"
)

// Capabilities declares what one venue supports.
type Capabilities struct {
	SupportsWebSocket   bool
	SupportsREST        bool
	SupportsVolume      bool
	SupportsOrderBook   bool
	SupportedCategories []feeds.Category
}

// SupportsCategory reports whether the venue serves the category.
func (c Capabilities) SupportsCategory(cat feeds.Category) bool {
	for _, sc := range c.SupportedCategories {
		if sc == cat {
			return true
		}
	}
	return false
}

// Health is the adapter's self-reported condition.
type Health struct {
	Exchange    string    `json:"exchange"`
	State       State     `json:"state"`
	LastMessage time.Time `json:"lastMessage"`
	Reconnects  int64     `json:"reconnects"`
	Healthy     bool      `json:"healthy"`
}

// UpdateSink receives decoded price updates. Implementations must not block.
type UpdateSink func(feeds.PriceUpdate)

// VolumeSink receives decoded volume updates. Implementations must not block.
type VolumeSink func(feeds.VolumeUpdate)

// ErrorSink receives adapter errors. Implementations must not block.
type ErrorSink func(exchange string, err error)

// Adapter is the contract the orchestrator depends on.
type Adapter interface {
	Name() string
	Capabilities() Capabilities
	State() State
	Health() Health

	// Connect opens the streaming channel. No data is emitted before the
	// adapter reaches Connected.
	Connect(ctx context.Context) error
	Disconnect() error

	// Subscribe is idempotent per symbol; Unsubscribe never fails for a
	// symbol that was not subscribed.
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error

	SetUpdateSink(sink UpdateSink)
	SetVolumeSink(sink VolumeSink)
	SetErrorSink(sink ErrorSink)
}

// confidence scores a tick from its delivery latency, traded volume, and
// quoted spread: decreasing in latency and spread, increasing in normalized
// volume, clamped to [0,1].
func confidence(latency time.Duration, volume, refVolume, relSpread float64) float64 {
	latencyScore := math.Exp(-latency.Seconds())
	volumeScore := 0.5
	if refVolume > 0 && volume > 0 {
		volumeScore = volume / (volume + refVolume)
	}
	spreadScore := math.Exp(-50 * math.Max(relSpread, 0))

	score := 0.4*latencyScore + 0.3*volumeScore + 0.3*spreadScore
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
