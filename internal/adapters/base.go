package adapters

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/errs"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/feeds"
	"github.com/NiftyLeague/ftso-feed-value-provider-sub007/internal/retry"
)

// DecodedTick is one venue-format ticker decoded by a codec. The base
// adapter normalizes the symbol and attaches source and confidence.
type DecodedTick struct {
	Symbol    string // exchange-native symbol
	Price     float64
	Volume    float64
	RelSpread float64 // (ask-bid)/mid, 0 when unknown
	Timestamp int64   // ms since epoch
}

// DecodedVolume is one venue-format volume observation.
type DecodedVolume struct {
	Symbol    string
	Volume    float64
	Timestamp int64
}

// Codec translates between the venue wire format and normalized updates.
type Codec interface {
	URL() string
	Conventions() feeds.SymbolConventions
	SubscribeFrames(exchangeSymbols []string) ([][]byte, error)
	UnsubscribeFrames(exchangeSymbols []string) ([][]byte, error)
	// Decode parses one websocket message. Non-data frames return empty
	// slices and a nil error.
	Decode(message []byte) ([]DecodedTick, []DecodedVolume, error)
}

// Config tunes the shared connection machinery.
type Config struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	HandshakeTimeout     time.Duration
	OutboundRPS          float64 // subscribe-frame budget
	OutboundBurst        int
	RefVolume            float64 // volume normalization for confidence
}

// DefaultConfig matches the documented reconnect policy: base 5s, cap 60s,
// jitter 20%.
func DefaultConfig() Config {
	return Config{
		PingInterval:         15 * time.Second,
		PongTimeout:          10 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBase:        5 * time.Second,
		ReconnectCap:         60 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		OutboundRPS:          5,
		OutboundBurst:        10,
		RefVolume:            10,
	}
}

// BaseAdapter owns the websocket lifecycle for one venue.
type BaseAdapter struct {
	name   string
	caps   Capabilities
	codec  Codec
	config Config

	limiter *rate.Limiter

	mu            sync.RWMutex
	state         State
	conn          *websocket.Conn
	subscriptions map[string]string // canonical -> exchange symbol
	reconnects    int64

	writeMu sync.Mutex

	updateSink UpdateSink
	volumeSink VolumeSink
	errorSink  ErrorSink

	lastMessage atomic.Int64 // unix ms

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBaseAdapter builds the shared machinery for a venue codec.
func NewBaseAdapter(name string, caps Capabilities, codec Codec, config Config) *BaseAdapter {
	def := DefaultConfig()
	if config.PingInterval == 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = def.PongTimeout
	}
	if config.MaxReconnectAttempts == 0 {
		config.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if config.ReconnectBase == 0 {
		config.ReconnectBase = def.ReconnectBase
	}
	if config.ReconnectCap == 0 {
		config.ReconnectCap = def.ReconnectCap
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.OutboundRPS == 0 {
		config.OutboundRPS = def.OutboundRPS
	}
	if config.OutboundBurst == 0 {
		config.OutboundBurst = def.OutboundBurst
	}
	if config.RefVolume == 0 {
		config.RefVolume = def.RefVolume
	}
	return &BaseAdapter{
		name:          name,
		caps:          caps,
		codec:         codec,
		config:        config,
		limiter:       rate.NewLimiter(rate.Limit(config.OutboundRPS), config.OutboundBurst),
		state:         StateDisconnected,
		subscriptions: make(map[string]string),
	}
}

func (a *BaseAdapter) Name() string               { return a.name }
func (a *BaseAdapter) Capabilities() Capabilities { return a.caps }

func (a *BaseAdapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *BaseAdapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Health reports the adapter's self-assessed condition. An adapter is
// healthy while connected and receiving traffic within two ping intervals.
func (a *BaseAdapter) Health() Health {
	a.mu.RLock()
	state := a.state
	reconnects := a.reconnects
	a.mu.RUnlock()

	last := time.UnixMilli(a.lastMessage.Load())
	healthy := (state == StateConnected || state == StateSubscribed || state == StateSubscribing) &&
		time.Since(last) < 2*a.config.PingInterval

	return Health{
		Exchange:    a.name,
		State:       state,
		LastMessage: last,
		Reconnects:  reconnects,
		Healthy:     healthy,
	}
}

func (a *BaseAdapter) SetUpdateSink(sink UpdateSink) { a.updateSink = sink }
func (a *BaseAdapter) SetVolumeSink(sink VolumeSink) { a.volumeSink = sink }
func (a *BaseAdapter) SetErrorSink(sink ErrorSink)   { a.errorSink = sink }

// Connect dials the venue under the reconnect budget. It fails with
// ConnectionFailed once the budget is exhausted.
func (a *BaseAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateDisconnected {
		a.mu.Unlock()
		return nil
	}
	a.state = StateConnecting
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.mu.Unlock()

	policy := retry.Policy{
		MaxAttempts:       a.config.MaxReconnectAttempts,
		InitialDelay:      a.config.ReconnectBase,
		MaxDelay:          a.config.ReconnectCap,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		RetryableKinds:    []errs.Kind{errs.KindTransient, errs.KindConnectionFailed},
	}

	err := retry.Execute(ctx, a.name+"_connect", policy, func(ctx context.Context) error {
		return a.dial(ctx)
	})
	if err != nil {
		a.setState(StateDisconnected)
		return errs.Wrap(errs.KindConnectionFailed, a.name+"_connect", err)
	}

	a.setState(StateConnected)
	a.lastMessage.Store(time.Now().UnixMilli())

	a.wg.Add(2)
	go a.readLoop()
	go a.heartbeatLoop()

	log.Info().Str("exchange", a.name).Str("url", a.codec.URL()).Msg("adapter connected")
	return nil
}

func (a *BaseAdapter) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: a.config.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.codec.URL(), nil)
	if err != nil {
		return errs.Wrap(errs.KindTransient, a.name+"_dial", err)
	}

	conn.SetPongHandler(func(string) error {
		a.lastMessage.Store(time.Now().UnixMilli())
		return nil
	})

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	return nil
}

// Disconnect is terminal: the read loop and heartbeat stop and the state
// machine rests at Disconnected.
func (a *BaseAdapter) Disconnect() error {
	a.mu.Lock()
	if a.state == StateDisconnected {
		a.mu.Unlock()
		return nil
	}
	a.state = StateDisconnected
	cancel := a.cancel
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}
	a.wg.Wait()
	log.Info().Str("exchange", a.name).Msg("adapter disconnected")
	return nil
}

// Subscribe maps symbols to the venue convention and sends subscribe frames.
// Already-subscribed symbols are skipped.
func (a *BaseAdapter) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	if a.state != StateConnected && a.state != StateSubscribed && a.state != StateSubscribing {
		a.mu.Unlock()
		return errs.Newf(errs.KindConnectionFailed, a.name+"_subscribe", "adapter not connected (state %s)", a.state)
	}
	a.state = StateSubscribing

	var fresh []string
	for _, canonical := range symbols {
		if _, ok := a.subscriptions[canonical]; ok {
			continue
		}
		exSym, err := feeds.ToExchangeSymbol(canonical, a.codec.Conventions())
		if err != nil {
			a.mu.Unlock()
			return err
		}
		a.subscriptions[canonical] = exSym
		fresh = append(fresh, exSym)
	}
	a.mu.Unlock()

	if len(fresh) > 0 {
		frames, err := a.codec.SubscribeFrames(fresh)
		if err != nil {
			return errs.Wrap(errs.KindInternal, a.name+"_subscribe", err)
		}
		if err := a.sendFrames(ctx, frames); err != nil {
			return err
		}
	}

	a.setState(StateSubscribed)
	return nil
}

// Unsubscribe removes symbols; unknown symbols are ignored.
func (a *BaseAdapter) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	var gone []string
	for _, canonical := range symbols {
		if exSym, ok := a.subscriptions[canonical]; ok {
			delete(a.subscriptions, canonical)
			gone = append(gone, exSym)
		}
	}
	connected := a.conn != nil
	a.mu.Unlock()

	if len(gone) == 0 || !connected {
		return nil
	}
	frames, err := a.codec.UnsubscribeFrames(gone)
	if err != nil {
		return errs.Wrap(errs.KindInternal, a.name+"_unsubscribe", err)
	}
	return a.sendFrames(ctx, frames)
}

func (a *BaseAdapter) sendFrames(ctx context.Context, frames [][]byte) error {
	for _, frame := range frames {
		if err := a.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.KindCancelled, a.name+"_send", err)
		}
		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return errs.New(errs.KindConnectionFailed, a.name+"_send", "connection lost")
		}
		a.writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		a.writeMu.Unlock()
		if err != nil {
			return errs.Wrap(errs.KindTransient, a.name+"_send", err)
		}
	}
	return nil
}

// readLoop decodes inbound frames and pushes updates to the sinks. Sink
// calls are expected to be non-blocking; decode errors are reported through
// the error sink without stopping the loop.
func (a *BaseAdapter) readLoop() {
	defer a.wg.Done()
	for {
		a.mu.RLock()
		conn := a.conn
		a.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			a.reconnect(err)
			return
		}

		now := time.Now()
		a.lastMessage.Store(now.UnixMilli())

		ticks, volumes, err := a.codec.Decode(message)
		if err != nil {
			a.reportError(errs.Wrap(errs.KindValidationFailure, a.name+"_decode", err))
			continue
		}
		for _, tick := range ticks {
			a.emitTick(tick, now)
		}
		for _, vol := range volumes {
			a.emitVolume(vol)
		}
	}
}

func (a *BaseAdapter) emitTick(tick DecodedTick, now time.Time) {
	if a.updateSink == nil {
		return
	}
	canonical, err := feeds.NormalizeSymbol(tick.Symbol)
	if err != nil {
		a.reportError(err)
		return
	}
	ts := tick.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	latency := now.Sub(time.UnixMilli(ts))
	if latency < 0 {
		latency = 0
	}
	a.updateSink(feeds.PriceUpdate{
		Symbol:     canonical,
		Price:      tick.Price,
		Timestamp:  ts,
		Source:     a.name,
		Volume:     tick.Volume,
		Confidence: confidence(latency, tick.Volume, a.config.RefVolume, tick.RelSpread),
	})
}

func (a *BaseAdapter) emitVolume(vol DecodedVolume) {
	if a.volumeSink == nil {
		return
	}
	canonical, err := feeds.NormalizeSymbol(vol.Symbol)
	if err != nil {
		a.reportError(err)
		return
	}
	a.volumeSink(feeds.VolumeUpdate{
		Symbol:    canonical,
		Volume:    vol.Volume,
		Timestamp: vol.Timestamp,
		Source:    a.name,
	})
}

// heartbeatLoop sends a ping when the ping interval elapses without inbound
// traffic, and forces a reconnect when the pong timeout also elapses.
func (a *BaseAdapter) heartbeatLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.config.PingInterval / 3)
	defer ticker.Stop()

	var pingSentAt time.Time
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		last := time.UnixMilli(a.lastMessage.Load())
		quiet := time.Since(last)

		if quiet < a.config.PingInterval {
			pingSentAt = time.Time{}
			continue
		}

		if pingSentAt.IsZero() {
			a.mu.RLock()
			conn := a.conn
			a.mu.RUnlock()
			if conn == nil {
				return
			}
			a.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			a.writeMu.Unlock()
			if err != nil {
				a.reconnect(err)
				return
			}
			pingSentAt = time.Now()
			continue
		}

		if time.Since(pingSentAt) > a.config.PongTimeout {
			log.Warn().Str("exchange", a.name).Msg("pong timeout, treating connection as dead")
			a.reconnect(errs.New(errs.KindTransient, a.name+"_heartbeat", "pong timeout"))
			return
		}
	}
}

// reconnect tears down the connection and re-dials under the backoff budget,
// restoring existing subscriptions on success. Exhausting the budget leaves
// the adapter Disconnected and escalates through the error sink.
func (a *BaseAdapter) reconnect(cause error) {
	a.mu.Lock()
	if a.state == StateDisconnected || a.state == StateReconnecting {
		a.mu.Unlock()
		return
	}
	a.state = StateReconnecting
	a.reconnects++
	conn := a.conn
	a.conn = nil
	resubscribe := make([]string, 0, len(a.subscriptions))
	for canonical := range a.subscriptions {
		resubscribe = append(resubscribe, canonical)
	}
	a.subscriptions = make(map[string]string)
	ctx := a.ctx
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Warn().Str("exchange", a.name).Err(cause).Msg("adapter connection lost, reconnecting")

	policy := retry.Policy{
		MaxAttempts:       a.config.MaxReconnectAttempts,
		InitialDelay:      a.config.ReconnectBase,
		MaxDelay:          a.config.ReconnectCap,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
		RetryableKinds:    []errs.Kind{errs.KindTransient, errs.KindConnectionFailed},
	}
	err := retry.Execute(ctx, a.name+"_reconnect", policy, func(ctx context.Context) error {
		return a.dial(ctx)
	})
	if err != nil {
		a.setState(StateDisconnected)
		a.reportError(errs.Wrap(errs.KindConnectionFailed, a.name+"_reconnect", err))
		return
	}

	a.setState(StateConnected)
	a.lastMessage.Store(time.Now().UnixMilli())

	a.wg.Add(2)
	go a.readLoop()
	go a.heartbeatLoop()

	if len(resubscribe) > 0 {
		if err := a.Subscribe(ctx, resubscribe); err != nil {
			a.reportError(err)
		}
	}
}

func (a *BaseAdapter) reportError(err error) {
	if err == nil {
		return
	}
	if a.errorSink != nil {
		a.errorSink(a.name, err)
	}
}
