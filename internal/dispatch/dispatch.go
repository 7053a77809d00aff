// Package dispatch implements the dispatcher (spec §4.6): routes aggregate
// samples to registry members matching coin/venue filters, applying each
// subscription's rate ceiling and attaching percent-change figures.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketd/internal/aggregate"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
	"github.com/sawpanic/marketd/internal/registry"
)

// methodFor classifies an aggregate sample into the JSON-RPC streaming
// method it feeds, plus the coin/venue it carries for subscription
// matching (spec §4.6).
func methodFor(s aggregate.AggregateSample) (method, coin, venue string, venueScoped bool) {
	switch s.Key.Value {
	case market.ValueIndex:
		return "index_price", "", "", false
	case market.ValuePairAvg:
		return "coin_average_price", s.Pair.Base, "", false
	case market.ValuePairVenuePrice:
		return "coin_exchange_price", s.Pair.Base, s.Venue, true
	case market.ValuePairVenueVolume:
		return "coin_exchange_volume", s.Pair.Base, s.Venue, true
	default:
		return "", "", "", false
	}
}

// candleMethodFor returns the candle-streaming counterpart of a sample
// method, or "" if that value has no candle method (spec §6 table).
func candleMethodFor(method string) string {
	switch method {
	case "index_price":
		return "index_price_candles"
	case "coin_average_price":
		return "coin_average_price_candles"
	default:
		return ""
	}
}

// CandleSource supplies the latest candle bucket for a series, used to
// serve candle-subscription methods on each update of the underlying
// series (package aggregate implements this).
type CandleSource interface {
	Candles(ctx context.Context, key market.SeriesKey, intervalSec, fromMs, toMs int64) ([]aggregate.Candle, error)
}

// Dispatcher is the dispatcher (spec §4.6). Construct with New.
type Dispatcher struct {
	reg     *registry.Registry
	candles CandleSource
	log     zerolog.Logger
	metrics *metrics.Registry
}

// New constructs a Dispatcher wired to reg (for subscription lookup and
// rate-limited sends) and candles (for on-demand candle bucket
// recomputation).
func New(reg *registry.Registry, candles CandleSource, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, candles: candles, log: log}
}

// SetMetrics attaches a metrics registry this dispatcher reports delivery
// counts to. Nil is a valid, no-op value.
func (d *Dispatcher) SetMetrics(reg *metrics.Registry) { d.metrics = reg }

// HandleSample is the aggregation engine's Sink: it walks subscriptions
// whose method matches s's derived kind and whose filters match s's
// coin/venue, dispatching to each (spec §4.6).
func (d *Dispatcher) HandleSample(ctx context.Context, s aggregate.AggregateSample) {
	method, coin, venue, venueScoped := methodFor(s)
	if method == "" {
		return
	}

	for _, sub := range d.reg.Snapshot(method) {
		if !sub.MatchesCoin(coin) {
			continue
		}
		if venueScoped && !sub.MatchesVenue(venue) {
			continue
		}
		d.dispatchSample(sub, s, coin, venue)
	}

	if candleMethod := candleMethodFor(method); candleMethod != "" {
		for _, sub := range d.reg.Snapshot(candleMethod) {
			if !sub.MatchesCoin(coin) {
				continue
			}
			d.dispatchCandle(ctx, sub, s, coin)
		}
	}
}

func (d *Dispatcher) dispatchSample(sub registry.Subscription, s aggregate.AggregateSample, coin, venue string) {
	key := registry.Key{ConnID: sub.ConnID, Method: sub.Method}
	sent, err := d.reg.Dispatch(key, s.AtMs, func() ([]byte, error) {
		result := sampleResult{Coin: coin, Exchange: venue, Value: s.Value, Timestamp: s.AtMs}
		if sub.PercentChangeIntervalSec > 0 {
			if pct, ok := s.PercentChange[sub.PercentChangeIntervalSec]; ok {
				result.PercentChange = &pct
			}
		}
		return json.Marshal(sampleMessage{ID: sub.SubID, JSONRPC: "2.0", Result: result})
	})
	if err != nil {
		d.log.Warn().Str("conn", sub.ConnID).Str("method", sub.Method).Err(err).Msg("dispatch: sample delivery failed")
		d.countDrop(sub.Method, "send_error")
		return
	}
	if sent {
		d.countSent(sub.Method)
	} else {
		d.countDrop(sub.Method, "rate_limited")
	}
}

func (d *Dispatcher) countSent(method string) {
	if d.metrics != nil {
		d.metrics.DispatchSent.WithLabelValues(method).Inc()
	}
}

func (d *Dispatcher) countDrop(method, reason string) {
	if d.metrics != nil {
		d.metrics.DispatchDropped.WithLabelValues(method, reason).Inc()
	}
}

func (d *Dispatcher) dispatchCandle(ctx context.Context, sub registry.Subscription, s aggregate.AggregateSample, coin string) {
	if sub.CandleIntervalSec <= 0 {
		return
	}
	bucketMs := sub.CandleIntervalSec * 1000
	fromMs := (s.AtMs/bucketMs)*bucketMs - bucketMs
	candles, err := d.candles.Candles(ctx, s.Key, sub.CandleIntervalSec, fromMs, s.AtMs)
	if err != nil {
		d.log.Warn().Str("conn", sub.ConnID).Err(err).Msg("dispatch: candle recompute failed")
		return
	}
	if len(candles) == 0 {
		return
	}
	latest := candles[len(candles)-1]

	key := registry.Key{ConnID: sub.ConnID, Method: sub.Method}
	sent, err := d.reg.Dispatch(key, latest.AtMs, func() ([]byte, error) {
		return json.Marshal(candleMessage{
			ID: sub.SubID, JSONRPC: "2.0",
			Result: candleResult{
				Coin: coin, Open: latest.Open, Close: latest.Close,
				Min: latest.Min, Max: latest.Max, Avg: latest.Avg, Timestamp: latest.AtMs,
			},
		})
	})
	if err != nil {
		d.log.Warn().Str("conn", sub.ConnID).Str("method", sub.Method).Err(err).Msg("dispatch: candle delivery failed")
		d.countDrop(sub.Method, "send_error")
		return
	}
	if sent {
		d.countSent(sub.Method)
	} else {
		d.countDrop(sub.Method, "rate_limited")
	}
}
