package adapters

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// coinbaseCodec speaks the Coinbase Exchange websocket feed: dash-separated
// product ids and a ticker channel with RFC3339 timestamps.
type coinbaseCodec struct {
	url string
}

// NewCoinbase creates the Coinbase adapter.
func NewCoinbase(config Config) *BaseAdapter {
	caps := Capabilities{
		SupportsWebSocket:   true,
		SupportsREST:        true,
		SupportsVolume:      true,
		SupportsOrderBook:   true,
		SupportedCategories: []feeds.Category{feeds.CategoryCrypto},
	}
	return NewBaseAdapter("coinbase", caps, &coinbaseCodec{url: "wss://ws-feed.exchange.coinbase.com"}, config)
}

func (c *coinbaseCodec) URL() string { return c.url }

func (c *coinbaseCodec) Conventions() feeds.SymbolConventions {
	return feeds.SymbolConventions{Separator: "-", BaseFirst: true, CaseFormat: feeds.CaseUpper}
}

type coinbaseRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (c *coinbaseCodec) SubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	frame, err := json.Marshal(coinbaseRequest{
		Type:       "subscribe",
		ProductIDs: exchangeSymbols,
		Channels:   []string{"ticker", "heartbeat"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (c *coinbaseCodec) UnsubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	frame, err := json.Marshal(coinbaseRequest{
		Type:       "unsubscribe",
		ProductIDs: exchangeSymbols,
		Channels:   []string{"ticker", "heartbeat"},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	LastSize  string `json:"last_size"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

func (c *coinbaseCodec) Decode(message []byte) ([]DecodedTick, []DecodedVolume, error) {
	var tick coinbaseTicker
	if err := json.Unmarshal(message, &tick); err != nil {
		return nil, nil, nil
	}
	if tick.Type != "ticker" || tick.ProductID == "" {
		return nil, nil, nil
	}

	price, err := strconv.ParseFloat(tick.Price, 64)
	if err != nil || price <= 0 {
		return nil, nil, err
	}

	ts := time.Now().UnixMilli()
	if parsed, err := time.Parse(time.RFC3339Nano, tick.Time); err == nil {
		ts = parsed.UnixMilli()
	}

	volume, _ := strconv.ParseFloat(tick.Volume24h, 64)
	var relSpread float64
	bid, errB := strconv.ParseFloat(tick.BestBid, 64)
	ask, errA := strconv.ParseFloat(tick.BestAsk, 64)
	if errB == nil && errA == nil && bid > 0 && ask > bid {
		relSpread = (ask - bid) / ((ask + bid) / 2)
	}

	decoded := DecodedTick{
		Symbol:    tick.ProductID,
		Price:     price,
		Volume:    volume,
		RelSpread: relSpread,
		Timestamp: ts,
	}
	volumes := []DecodedVolume{{Symbol: tick.ProductID, Volume: volume, Timestamp: ts}}
	return []DecodedTick{decoded}, volumes, nil
}
