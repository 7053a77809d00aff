package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/registry"
	"github.com/sawpanic/marketd/internal/timeutil"
)

// handleSubscribe validates and installs a subscribe-family request (spec
// §4.7: "validates structurally ... returns a typed error code on failure
// without mutating the registry").
func (s *Server) handleSubscribe(connID string, sender registry.Sender, req request) any {
	var p subscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}

	needsCoins := req.Method != "index_price" && req.Method != "index_price_candles"
	if needsCoins && len(p.Coins) == 0 {
		return newError(req.ID, CodeInvalidParams, "coins must be non-empty")
	}
	for _, c := range p.Coins {
		if !s.coins[c] {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("unavailable coin %q", c))
		}
	}

	needsVenues := req.Method == "coin_exchange_price" || req.Method == "coin_exchange_volume"
	if needsVenues && len(p.Exchanges) == 0 {
		return newError(req.ID, CodeInvalidParams, "exchanges must be non-empty")
	}
	for _, v := range p.Exchanges {
		if !s.venues[v] {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("unavailable venue %q", v))
		}
	}

	if p.FrequencyMs < s.minFrequency {
		return newError(req.ID, CodeInvalidParams, fmt.Sprintf("frequency_ms must be >= %d", s.minFrequency))
	}

	isCandleMethod := req.Method == "index_price_candles" || req.Method == "coin_average_price_candles"
	var candleIntervalSec int64
	if isCandleMethod {
		if p.Interval == "" {
			return newError(req.ID, CodeInvalidParams, "interval is required")
		}
		sec, err := timeutil.ParseInterval(p.Interval)
		if err != nil {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid interval: %v", err))
		}
		candleIntervalSec = sec
	}

	var pctIntervalSec int64
	if p.PercentChangeInterval != "" {
		sec, err := timeutil.ParseInterval(p.PercentChangeInterval)
		if err != nil {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid percent_change_interval: %v", err))
		}
		pctIntervalSec = sec
	}

	sub := registry.Subscription{
		ConnID:                   connID,
		SubID:                    req.ID,
		Method:                   req.Method,
		Coins:                    toSet(p.Coins),
		Venues:                   toSet(p.Exchanges),
		FrequencyMs:              p.FrequencyMs,
		PercentChangeIntervalSec: pctIntervalSec,
		CandleIntervalSec:        candleIntervalSec,
	}

	ackPayload, err := json.Marshal(ack(req.ID))
	if err != nil {
		return newError(req.ID, CodeInternalError, "failed to build acknowledgement")
	}

	if err := s.reg.Subscribe(sub, sender, func() error { return sender.Send(ackPayload) }); err != nil {
		return newError(req.ID, CodeInternalError, fmt.Sprintf("subscribe failed: %v", err))
	}

	if pctIntervalSec > 0 {
		for _, key := range subscriptionSeriesKeys(req.Method, p.Coins, p.Exchanges) {
			s.engine.PercentChangeHolder().AddSubscriber(key, pctIntervalSec)
		}
	}

	// The ack was already written by the registry's ack callback.
	return nil
}

func (s *Server) handleUnsubscribe(connID string, req request) any {
	var p unsubscribeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if p.Method == "" {
		return newError(req.ID, CodeInvalidParams, "method must be non-empty")
	}
	s.reg.Unsubscribe(connID, p.Method)
	return ack(req.ID)
}

// handleHistorical serves a one-shot *_historical query (spec §4.7, §6).
func (s *Server) handleHistorical(ctx context.Context, req request) any {
	var p historicalParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
		}
	}
	if p.Interval == "" {
		return newError(req.ID, CodeInvalidParams, "interval is required")
	}
	intervalSec, err := timeutil.ParseInterval(p.Interval)
	if err != nil {
		return newError(req.ID, CodeInvalidParams, fmt.Sprintf("invalid interval: %v", err))
	}
	if p.From <= 0 {
		return newError(req.ID, CodeInvalidParams, "from must be positive")
	}
	to := p.To
	if to == 0 {
		to = s.clock.NowMs() / 1000
	}
	if to < p.From {
		return newError(req.ID, CodeInvalidParams, "to must be >= from")
	}

	base := historicalBaseMethod(req.Method)
	isCandle := base == "index_price_candles" || base == "coin_average_price_candles"

	if base != "index_price" && base != "index_price_candles" && p.Coin == "" {
		return newError(req.ID, CodeInvalidParams, "coin is required")
	}
	if p.Coin != "" && !s.coins[p.Coin] {
		return newError(req.ID, CodeInvalidParams, fmt.Sprintf("unavailable coin %q", p.Coin))
	}

	var key market.SeriesKey
	switch base {
	case "index_price", "index_price_candles":
		key = market.IndexSeriesKey()
	case "coin_average_price", "coin_average_price_candles":
		key = market.PairAvgSeriesKey(market.NewPair(p.Coin, "USD"))
	case "coin_exchange_price":
		if p.Exchange == "" || !s.venues[p.Exchange] {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("unavailable venue %q", p.Exchange))
		}
		key = market.PairVenuePriceSeriesKey(p.Exchange, market.NewPair(p.Coin, "USD"))
	case "coin_exchange_volume":
		if p.Exchange == "" || !s.venues[p.Exchange] {
			return newError(req.ID, CodeInvalidParams, fmt.Sprintf("unavailable venue %q", p.Exchange))
		}
		key = market.PairVenueVolumeSeriesKey(p.Exchange, market.NewPair(p.Coin, "USD"))
	default:
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("unrecognised historical method %q", req.Method))
	}

	if isCandle {
		candles, err := s.engine.Candles(ctx, key, intervalSec, p.From*1000, to*1000)
		if err != nil {
			return newError(req.ID, CodeInternalError, fmt.Sprintf("store error: %v", err))
		}
		out := make([]candleHistoricalResult, 0, len(candles))
		for _, c := range candles {
			out = append(out, candleHistoricalResult{Open: c.Open, Close: c.Close, Min: c.Min, Max: c.Max, Avg: c.Avg, Timestamp: c.AtMs})
		}
		return resultMessage{ID: req.ID, JSONRPC: "2.0", Result: out}
	}

	points, err := s.store.ReadRange(ctx, key, p.From*1000, to*1000)
	if err != nil {
		return newError(req.ID, CodeInternalError, fmt.Sprintf("store error: %v", err))
	}
	out := make([]historicalResult, 0, len(points))
	for _, pt := range points {
		out = append(out, historicalResult{Coin: p.Coin, Value: pt.Value, Timestamp: pt.AtMs})
	}
	return resultMessage{ID: req.ID, JSONRPC: "2.0", Result: out}
}

func historicalBaseMethod(method string) string {
	const suffix = "_historical"
	if len(method) <= len(suffix) {
		return method
	}
	return method[:len(method)-len(suffix)]
}

// subscriptionSeriesKeys returns the series keys a subscription's
// percent-change interval applies to (spec §3): the index has one key,
// coin_average_price has one pair-avg key per requested coin, and the
// venue-scoped methods (coin_exchange_price, coin_exchange_volume) have one
// key per (coin, exchange) pair, matching the series key the aggregation
// engine actually timestamps those samples under (engine.go's venueKey) so
// the window registered here is the one the dispatcher's s.PercentChange
// lookup for that sample's Key will actually find.
func subscriptionSeriesKeys(method string, coins, exchanges []string) []market.SeriesKey {
	switch method {
	case "index_price":
		return []market.SeriesKey{market.IndexSeriesKey()}
	case "coin_exchange_price":
		keys := make([]market.SeriesKey, 0, len(coins)*len(exchanges))
		for _, c := range coins {
			pair := market.NewPair(c, "USD")
			for _, v := range exchanges {
				keys = append(keys, market.PairVenuePriceSeriesKey(v, pair))
			}
		}
		return keys
	case "coin_exchange_volume":
		keys := make([]market.SeriesKey, 0, len(coins)*len(exchanges))
		for _, c := range coins {
			pair := market.NewPair(c, "USD")
			for _, v := range exchanges {
				keys = append(keys, market.PairVenueVolumeSeriesKey(v, pair))
			}
		}
		return keys
	default: // coin_average_price and any future pair-avg-scoped method
		keys := make([]market.SeriesKey, 0, len(coins))
		for _, c := range coins {
			keys = append(keys, market.PairAvgSeriesKey(market.NewPair(c, "USD")))
		}
		return keys
	}
}
