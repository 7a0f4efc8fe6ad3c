package adapters

import (
	"encoding/json"
	"strconv"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// krakenCodec speaks the Kraken public websocket v1 protocol: slash
// separated pairs with legacy XBT/XDG tickers, array-framed channel data.
type krakenCodec struct {
	url string
}

// NewKraken creates the Kraken adapter.
func NewKraken(config Config) *BaseAdapter {
	caps := Capabilities{
		SupportsWebSocket:   true,
		SupportsREST:        true,
		SupportsVolume:      true,
		SupportsOrderBook:   true,
		SupportedCategories: []feeds.Category{feeds.CategoryCrypto, feeds.CategoryForex},
	}
	return NewBaseAdapter("kraken", caps, &krakenCodec{url: "wss://ws.kraken.com"}, config)
}

func (c *krakenCodec) URL() string { return c.url }

func (c *krakenCodec) Conventions() feeds.SymbolConventions {
	return feeds.SymbolConventions{
		Separator:  "/",
		BaseFirst:  true,
		CaseFormat: feeds.CaseUpper,
		SpecialMappings: map[string]string{
			"BTC":  "XBT",
			"DOGE": "XDG",
		},
	}
}

type krakenRequest struct {
	Event        string             `json:"event"`
	Pair         []string           `json:"pair"`
	Subscription krakenSubscription `json:"subscription"`
}

type krakenSubscription struct {
	Name string `json:"name"`
}

func (c *krakenCodec) SubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	frame, err := json.Marshal(krakenRequest{
		Event:        "subscribe",
		Pair:         exchangeSymbols,
		Subscription: krakenSubscription{Name: "ticker"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (c *krakenCodec) UnsubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	frame, err := json.Marshal(krakenRequest{
		Event:        "unsubscribe",
		Pair:         exchangeSymbols,
		Subscription: krakenSubscription{Name: "ticker"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// krakenTickerPayload is the ticker channel payload: c=[last price, lot],
// v=[volume today, volume 24h], b/a=[price, whole lots, lots].
type krakenTickerPayload struct {
	Close  []string `json:"c"`
	Volume []string `json:"v"`
	Bid    []string `json:"b"`
	Ask    []string `json:"a"`
}

// Decode parses Kraken's array framing: [channelID, payload, channelName,
// pair]. Event objects (heartbeats, subscription status) are skipped.
func (c *krakenCodec) Decode(message []byte) ([]DecodedTick, []DecodedVolume, error) {
	if len(message) == 0 || message[0] != '[' {
		return nil, nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, nil, nil
	}
	if len(frame) < 4 {
		return nil, nil, nil
	}

	var channelName, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channelName); err != nil || channelName != "ticker" {
		return nil, nil, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil || pair == "" {
		return nil, nil, nil
	}

	var payload krakenTickerPayload
	if err := json.Unmarshal(frame[1], &payload); err != nil {
		return nil, nil, err
	}
	if len(payload.Close) == 0 {
		return nil, nil, nil
	}

	price, err := strconv.ParseFloat(payload.Close[0], 64)
	if err != nil || price <= 0 {
		return nil, nil, err
	}

	var volume float64
	if len(payload.Volume) > 1 {
		volume, _ = strconv.ParseFloat(payload.Volume[1], 64)
	}

	var relSpread float64
	if len(payload.Bid) > 0 && len(payload.Ask) > 0 {
		bid, errB := strconv.ParseFloat(payload.Bid[0], 64)
		ask, errA := strconv.ParseFloat(payload.Ask[0], 64)
		if errB == nil && errA == nil && bid > 0 && ask > bid {
			relSpread = (ask - bid) / ((ask + bid) / 2)
		}
	}

	decoded := DecodedTick{
		Symbol:    pair,
		Price:     price,
		Volume:    volume,
		RelSpread: relSpread,
		// Kraken ticker frames carry no event time; the base adapter
		// stamps them on receipt.
		Timestamp: 0,
	}
	volumes := []DecodedVolume{{Symbol: pair, Volume: volume}}
	return []DecodedTick{decoded}, volumes, nil
}
