package adapters

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinanceSubscribeFrames(t *testing.T) {
	c := &binanceCodec{url: "wss://stream.binance.com:9443/ws"}
	frames, err := c.SubscribeFrames([]string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var req binanceRequest
	require.NoError(t, json.Unmarshal(frames[0], &req))
	assert.Equal(t, "SUBSCRIBE", req.Method)
	assert.Equal(t, []string{"btcusdt@ticker", "ethusdt@ticker"}, req.Params)
	assert.Positive(t, req.ID)

	frames, err = c.UnsubscribeFrames([]string{"BTCUSDT"})
	require.NoError(t, err)
	var unreq binanceRequest
	require.NoError(t, json.Unmarshal(frames[0], &unreq))
	assert.Equal(t, "UNSUBSCRIBE", unreq.Method)
	assert.Greater(t, unreq.ID, req.ID, "message ids are monotonic")
}

func TestBinanceDecodeTicker(t *testing.T) {
	c := &binanceCodec{}
	msg := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"50000.10","b":"50000.00","a":"50000.20","v":"1234.5"}`)

	ticks, volumes, err := c.Decode(msg)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "BTCUSDT", ticks[0].Symbol)
	assert.Equal(t, 50000.10, ticks[0].Price)
	assert.Equal(t, int64(1700000000000), ticks[0].Timestamp)
	assert.Greater(t, ticks[0].RelSpread, 0.0)
	require.Len(t, volumes, 1)
	assert.Equal(t, 1234.5, volumes[0].Volume)
}

func TestBinanceDecodeSkipsAcks(t *testing.T) {
	c := &binanceCodec{}
	for _, msg := range []string{
		`{"result":null,"id":1}`,
		`{"e":"trade","s":"BTCUSDT"}`,
		`not json`,
	} {
		ticks, volumes, err := c.Decode([]byte(msg))
		assert.NoError(t, err, msg)
		assert.Empty(t, ticks, msg)
		assert.Empty(t, volumes, msg)
	}
}

func TestCoinbaseSubscribeFrames(t *testing.T) {
	c := &coinbaseCodec{url: "wss://ws-feed.exchange.coinbase.com"}
	frames, err := c.SubscribeFrames([]string{"BTC-USD"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var req coinbaseRequest
	require.NoError(t, json.Unmarshal(frames[0], &req))
	assert.Equal(t, "subscribe", req.Type)
	assert.Equal(t, []string{"BTC-USD"}, req.ProductIDs)
	assert.Contains(t, req.Channels, "ticker")
	assert.Contains(t, req.Channels, "heartbeat")
}

func TestCoinbaseDecodeTicker(t *testing.T) {
	c := &coinbaseCodec{}
	msg := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"50000.10","best_bid":"50000.00","best_ask":"50000.20","volume_24h":"987.6","time":"2023-11-14T22:13:20.000000Z"}`)

	ticks, volumes, err := c.Decode(msg)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "BTC-USD", ticks[0].Symbol)
	assert.Equal(t, 50000.10, ticks[0].Price)

	want, _ := time.Parse(time.RFC3339Nano, "2023-11-14T22:13:20.000000Z")
	assert.Equal(t, want.UnixMilli(), ticks[0].Timestamp)
	require.Len(t, volumes, 1)
	assert.Equal(t, 987.6, volumes[0].Volume)
}

func TestCoinbaseDecodeSkipsNonTicker(t *testing.T) {
	c := &coinbaseCodec{}
	for _, msg := range []string{
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"heartbeat","product_id":"BTC-USD"}`,
	} {
		ticks, _, err := c.Decode([]byte(msg))
		assert.NoError(t, err, msg)
		assert.Empty(t, ticks, msg)
	}
}

func TestKrakenSubscribeFrames(t *testing.T) {
	c := &krakenCodec{url: "wss://ws.kraken.com"}
	frames, err := c.SubscribeFrames([]string{"XBT/USD"})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var req krakenRequest
	require.NoError(t, json.Unmarshal(frames[0], &req))
	assert.Equal(t, "subscribe", req.Event)
	assert.Equal(t, []string{"XBT/USD"}, req.Pair)
	assert.Equal(t, "ticker", req.Subscription.Name)
}

func TestKrakenDecodeTickerFrame(t *testing.T) {
	c := &krakenCodec{}
	msg := []byte(`[340,{"c":["50000.10","0.01"],"v":["120.5","1234.5"],"b":["50000.00","1","1.0"],"a":["50000.20","1","1.0"]},"ticker","XBT/USD"]`)

	ticks, volumes, err := c.Decode(msg)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "XBT/USD", ticks[0].Symbol)
	assert.Equal(t, 50000.10, ticks[0].Price)
	assert.Zero(t, ticks[0].Timestamp, "kraken frames are stamped on receipt")
	require.Len(t, volumes, 1)
	assert.Equal(t, 1234.5, volumes[0].Volume, "the 24h volume column is used")
}

func TestKrakenDecodeSkipsEventsAndHeartbeats(t *testing.T) {
	c := &krakenCodec{}
	for _, msg := range []string{
		`{"event":"heartbeat"}`,
		`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USD"}`,
		`[340,{"c":["50000.10","0.01"]},"trade","XBT/USD"]`,
		`[]`,
	} {
		ticks, _, err := c.Decode([]byte(msg))
		assert.NoError(t, err, msg)
		assert.Empty(t, ticks, msg)
	}
}

func TestKrakenConventionsMapLegacyTickers(t *testing.T) {
	conv := (&krakenCodec{}).Conventions()
	assert.Equal(t, "XBT", conv.SpecialMappings["BTC"])
	assert.Equal(t, "XDG", conv.SpecialMappings["DOGE"])
}

func TestConfidenceScoring(t *testing.T) {
	fast := confidence(10*time.Millisecond, 100, 100, 0.0001)
	slow := confidence(2*time.Second, 100, 100, 0.0001)
	assert.Greater(t, fast, slow, "latency lowers confidence")

	tight := confidence(10*time.Millisecond, 100, 100, 0.0001)
	wide := confidence(10*time.Millisecond, 100, 100, 0.05)
	assert.Greater(t, tight, wide, "spread lowers confidence")

	thin := confidence(10*time.Millisecond, 1, 1000, 0.0001)
	deep := confidence(10*time.Millisecond, 1000, 1000, 0.0001)
	assert.Greater(t, deep, thin, "volume raises confidence")

	for _, v := range []float64{fast, slow, tight, wide, thin, deep} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}
