package adapters

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
)

// binanceCodec speaks the Binance combined-stream protocol: lowercase
// concatenated symbols, SUBSCRIBE/UNSUBSCRIBE frames, 24h mini-ticker
// payloads.
type binanceCodec struct {
	url   string
	msgID atomic.Int64
}

// NewBinance creates the Binance adapter.
func NewBinance(config Config) *BaseAdapter {
	caps := Capabilities{
		SupportsWebSocket:   true,
		SupportsREST:        true,
		SupportsVolume:      true,
		SupportsOrderBook:   true,
		SupportedCategories: []feeds.Category{feeds.CategoryCrypto},
	}
	return NewBaseAdapter("binance", caps, &binanceCodec{url: "wss://stream.binance.com:9443/ws"}, config)
}

func (c *binanceCodec) URL() string { return c.url }

func (c *binanceCodec) Conventions() feeds.SymbolConventions {
	return feeds.SymbolConventions{Separator: "", BaseFirst: true, CaseFormat: feeds.CaseUpper}
}

type binanceRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *binanceCodec) SubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	return c.frames("SUBSCRIBE", exchangeSymbols)
}

func (c *binanceCodec) UnsubscribeFrames(exchangeSymbols []string) ([][]byte, error) {
	return c.frames("UNSUBSCRIBE", exchangeSymbols)
}

func (c *binanceCodec) frames(method string, exchangeSymbols []string) ([][]byte, error) {
	params := make([]string, 0, len(exchangeSymbols))
	for _, sym := range exchangeSymbols {
		params = append(params, strings.ToLower(sym)+"@ticker")
	}
	frame, err := json.Marshal(binanceRequest{Method: method, Params: params, ID: c.msgID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

// binanceTicker is the 24hr rolling ticker event.
type binanceTicker struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
}

func (c *binanceCodec) Decode(message []byte) ([]DecodedTick, []DecodedVolume, error) {
	var tick binanceTicker
	if err := json.Unmarshal(message, &tick); err != nil {
		// Subscription acks and list responses are not ticker events.
		return nil, nil, nil
	}
	if tick.EventType != "24hrTicker" || tick.Symbol == "" {
		return nil, nil, nil
	}

	price, err := strconv.ParseFloat(tick.LastPrice, 64)
	if err != nil || price <= 0 {
		return nil, nil, err
	}
	volume, _ := strconv.ParseFloat(tick.Volume, 64)

	var relSpread float64
	bid, errB := strconv.ParseFloat(tick.BidPrice, 64)
	ask, errA := strconv.ParseFloat(tick.AskPrice, 64)
	if errB == nil && errA == nil && bid > 0 && ask > bid {
		relSpread = (ask - bid) / ((ask + bid) / 2)
	}

	decoded := DecodedTick{
		Symbol:    tick.Symbol,
		Price:     price,
		Volume:    volume,
		RelSpread: relSpread,
		Timestamp: tick.EventTime,
	}
	volumes := []DecodedVolume{{Symbol: tick.Symbol, Volume: volume, Timestamp: tick.EventTime}}
	return []DecodedTick{decoded}, volumes, nil
}
