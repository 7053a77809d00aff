// Package connector implements the per-(venue, pair, channel) connector
// supervisor (spec §4.3): one independent state machine per tuple, cycling
// IDLE -> CONNECTING -> OPEN(subscribing) -> STREAMING -> CLOSED ->
// (backoff) -> CONNECTING, feeding decoded samples into the aggregation
// engine and answering venue pings on the same socket.
package connector

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/marketd/internal/decoder"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
	"github.com/sawpanic/marketd/internal/timeutil"
)

// State is one node of the connector's state machine (spec §4.3 diagram).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateStreaming
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope names the per-socket compression scheme the supervisor strips
// before handing bytes to the decoder (spec §4.2: "gzip, deflate, text" -
// "performed by the supervisor before dispatch, not by the decoder").
type Envelope int

const (
	EnvelopeText Envelope = iota
	EnvelopeGzip
	EnvelopeDeflate
)

// Conn is the minimal socket contract a Connector drives; the production
// Dialer returns a *websocket.Conn wrapped to satisfy it, tests inject a
// fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a Conn to url. Production code uses NewWebsocketDialer;
// tests substitute a fake so the state machine can be driven deterministically
// (spec §8).
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct{ *websocket.Conn }

type websocketDialer struct{ d websocket.Dialer }

// NewWebsocketDialer returns the production Dialer backed by
// gorilla/websocket.
func NewWebsocketDialer() Dialer {
	return &websocketDialer{d: *websocket.DefaultDialer}
}

func (w *websocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := w.d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsConn{c}, nil
}

// Config parameterises one Connector instance.
type Config struct {
	Venue       string
	Pair        market.Pair
	Channel     market.Channel
	URL         string
	Envelope    Envelope
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StableAfter is how long a connection must stay in STREAMING before a
	// subsequent failure resets backoff to BaseBackoff (spec §4.3: "Backoff
	// restarts from base after one full minute of stable STREAMING").
	StableAfter time.Duration
}

// Sink receives one normalised sample per decoded frame item, in arrival
// order (spec §5: "Per connector, decoded samples are emitted in arrival
// order").
type Sink func(ctx context.Context, s market.Sample) error

// Connector runs the state machine for one (venue, pair, channel) tuple.
// Construct with New and run with Run, which blocks until ctx is cancelled.
type Connector struct {
	cfg     Config
	dialer  Dialer
	decoder decoder.Decoder
	symbol  string
	sink    Sink
	clock   timeutil.Clock
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
	metrics *metrics.Registry

	state State
}

// SetMetrics attaches a metrics registry this connector reports state
// transitions, reconnect attempts, and decode errors to. Nil is a valid,
// no-op value; connectors work unmetered by default.
func (c *Connector) SetMetrics(reg *metrics.Registry) { c.metrics = reg }

func (c *Connector) setState(s State) {
	c.state = s
	if c.metrics != nil {
		c.metrics.ConnectorState.WithLabelValues(c.cfg.Venue, c.cfg.Pair.String(), c.cfg.Channel.String()).Set(float64(s))
	}
}

// New constructs a Connector. symbol is the venue-native wire symbol
// already produced by decoder.SymbolEncode for cfg.Pair.
func New(cfg Config, dialer Dialer, dec decoder.Decoder, symbol string, sink Sink, clock timeutil.Clock, log zerolog.Logger) *Connector {
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = time.Minute
	}
	breakerName := fmt.Sprintf("%s-%s-%s", cfg.Venue, cfg.Pair, cfg.Channel)
	return &Connector{
		cfg:    cfg,
		dialer: dialer,
		decoder: dec,
		symbol: symbol,
		sink:   sink,
		clock:  clock,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        breakerName,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     cfg.MaxBackoff,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log:   log.With().Str("venue", cfg.Venue).Str("pair", cfg.Pair.String()).Str("channel", cfg.Channel.String()).Logger(),
		state: StateIdle,
	}
}

// State returns the connector's current state, for observability/tests.
func (c *Connector) State() State { return c.state }

// Run drives the state machine until ctx is cancelled (spec §5 graceful
// shutdown: "supervisor tasks observe it at their next suspension point and
// exit"). It never returns samples after CLOSED and may drop in-flight
// partial frames on teardown (spec §4.3).
func (c *Connector) Run(ctx context.Context) {
	backoff := c.cfg.BaseBackoff
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		c.setState(StateConnecting)
		if c.metrics != nil {
			c.metrics.ConnectorReconnects.WithLabelValues(c.cfg.Venue, c.cfg.Pair.String(), c.cfg.Channel.String()).Inc()
		}
		conn, err := c.connect(ctx)
		if err != nil {
			c.log.Warn().Err(err).Dur("backoff", backoff).Msg("connector: connect failed")
			if !c.sleep(ctx, backoff) {
				c.setState(StateClosed)
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		c.setState(StateOpen)
		if err := c.subscribe(conn); err != nil {
			c.log.Warn().Err(err).Msg("connector: subscribe frame failed")
			conn.Close()
			c.setState(StateError)
			if !c.sleep(ctx, backoff) {
				c.setState(StateClosed)
				return
			}
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
			continue
		}

		var resubTimer *time.Timer
		if quirk := c.decoder.Quirk(); quirk.ResendSubscribeAfter > 0 {
			resubTimer = time.AfterFunc(quirk.ResendSubscribeAfter, func() {
				_ = c.subscribe(conn)
			})
		}

		c.setState(StateStreaming)
		streamStart := c.clock.Now()
		c.streamLoop(ctx, conn)
		if resubTimer != nil {
			resubTimer.Stop()
		}
		conn.Close()
		c.setState(StateClosed)

		if c.clock.Now().Sub(streamStart) >= c.cfg.StableAfter {
			backoff = c.cfg.BaseBackoff
		} else {
			backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
		}

		if !c.sleep(ctx, backoff) {
			return
		}
	}
}

// connect dials through the circuit breaker so repeated failures stop
// hammering an unreachable venue beyond the breaker's own threshold,
// independent of the backoff sequence.
func (c *Connector) connect(ctx context.Context) (Conn, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.dialer.Dial(ctx, c.cfg.URL)
	})
	if err != nil {
		return nil, fmt.Errorf("connector: dial %s: %w", c.cfg.URL, err)
	}
	return result.(Conn), nil
}

func (c *Connector) subscribe(conn Conn) error {
	frame, err := c.decoder.SubscribeFrame(c.symbol, c.cfg.Channel)
	if err != nil {
		return fmt.Errorf("connector: build subscribe frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("connector: write subscribe frame: %w", err)
	}
	return nil
}

// streamLoop reads frames until the socket errors or ctx is cancelled. It
// never yields samples after returning (spec §4.3).
func (c *Connector) streamLoop(ctx context.Context, conn Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("connector: read failed, cycling to reconnect")
			return
		}

		payload, err := c.unwrapEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("connector: envelope decode failed, dropping frame")
			continue
		}

		atMs := c.clock.NowMs()
		res, err := c.decoder.Decode(payload, atMs)
		if err != nil {
			// Decode failure: drop the frame, log, do not reconnect (spec §7).
			c.log.Warn().Err(err).Msg("connector: decode failed, dropping frame")
			if c.metrics != nil {
				c.metrics.ConnectorDecodeErrs.WithLabelValues(c.cfg.Venue, c.cfg.Pair.String(), c.cfg.Channel.String()).Inc()
			}
			continue
		}
		if res.Ping != nil {
			if err := conn.WriteMessage(websocket.TextMessage, res.Ping.Pong); err != nil {
				c.log.Debug().Err(err).Msg("connector: pong write failed, cycling to reconnect")
				return
			}
			continue
		}
		for _, sample := range res.Samples {
			if err := c.sink(ctx, sample); err != nil {
				c.log.Warn().Err(err).Msg("connector: sink rejected sample")
			}
		}
	}
}

func (c *Connector) unwrapEnvelope(data []byte) ([]byte, error) {
	switch c.cfg.Envelope {
	case EnvelopeGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case EnvelopeDeflate:
		r := flate.NewReader(bytes.NewReader(data))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return data, nil
	}
}

// sleep waits d or returns false immediately if ctx is cancelled first.
func (c *Connector) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
