// Package aggregate implements the aggregation engine (spec §4.4): rolling
// per-pair averages across venues, the composite index price, percent-change
// windows, and candle computation over stored ranges.
package aggregate

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

// AggregateSample is one derived sample the engine hands to its sink: either
// a venue-level passthrough, a pair average, or the composite index.
// PercentChange carries the current value of every percent-change window
// registered against Key, keyed by interval-seconds, so the dispatcher can
// attach `last-pct` to outgoing messages without a second lookup (spec §4.4).
type AggregateSample struct {
	Key            market.SeriesKey
	Pair           market.Pair
	Venue          string // non-empty only for venue-scoped kinds
	Kind           market.SampleKind
	Value          float64
	AtMs           int64
	PercentChange  map[int64]float64
}

// Sink receives every sample the engine derives, in arrival order (spec §5:
// "Mutation of aggregate samples and dispatch are serialised within a single
// aggregation engine task").
type Sink func(AggregateSample)

type sourceKey struct {
	venue string
	pair  market.Pair
	kind  market.SampleKind
}

// Engine is the aggregation engine. Construct with NewEngine.
type Engine struct {
	mu sync.Mutex

	store     store.Store
	indexCoin map[market.Pair]bool
	pct       *PercentChangeHolder
	sink      Sink
	log       zerolog.Logger

	lastSourceAt map[sourceKey]int64
	venuePrices  map[market.Pair]map[string]float64
	pairAvg      map[market.Pair]float64
}

// NewEngine constructs an Engine. indexCoins is the configured set of
// USD-denominated pairs that contribute to the composite index (spec §4.4);
// sink receives every derived sample.
func NewEngine(st store.Store, indexCoins []market.Pair, sink Sink, log zerolog.Logger) *Engine {
	coinSet := make(map[market.Pair]bool, len(indexCoins))
	for _, p := range indexCoins {
		coinSet[p] = true
	}
	return &Engine{
		store:        st,
		indexCoin:    coinSet,
		pct:          NewPercentChangeHolder(),
		sink:         sink,
		log:          log,
		lastSourceAt: make(map[sourceKey]int64),
		venuePrices:  make(map[market.Pair]map[string]float64),
		pairAvg:      make(map[market.Pair]float64),
	}
}

// PercentChangeHolder exposes the engine's consolidated percent-change
// holder so the subscription registry can register/unregister interest in
// specific (series, interval) windows (spec §3).
func (e *Engine) PercentChangeHolder() *PercentChangeHolder { return e.pct }

// Ingest admits one normalised sample from a connector (spec §4.4 data
// flow: "venue frame -> decoder -> normalised sample -> aggregation
// engine"). Out-of-order or duplicate-timestamp samples for the same
// (venue, pair, kind) source stream are dropped per the Sample invariant
// (spec §3).
func (e *Engine) Ingest(ctx context.Context, s market.Sample) error {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) || s.Value < 0 {
		e.log.Warn().Str("venue", s.Venue).Str("pair", s.Pair.String()).Float64("value", s.Value).Msg("aggregate: dropping non-finite or negative sample")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	src := sourceKey{venue: s.Venue, pair: s.Pair, kind: s.Kind}
	if last, ok := e.lastSourceAt[src]; ok && s.AtMs <= last {
		return nil
	}
	e.lastSourceAt[src] = s.AtMs

	var venueKey market.SeriesKey
	if s.Kind == market.KindPrice {
		venueKey = market.PairVenuePriceSeriesKey(s.Venue, s.Pair)
	} else {
		venueKey = market.PairVenueVolumeSeriesKey(s.Venue, s.Pair)
	}
	if _, err := e.store.Insert(ctx, venueKey, s.AtMs, s.Value); err != nil {
		return fmt.Errorf("aggregate: insert venue series: %w", err)
	}
	e.emit(venueKey, s.Pair, s.Venue, s.Kind, s.Value, s.AtMs)

	if s.Kind != market.KindPrice || !s.Pair.IsUSDDenominated() {
		return nil
	}

	venues, ok := e.venuePrices[s.Pair]
	if !ok {
		venues = make(map[string]float64)
		e.venuePrices[s.Pair] = venues
	}
	venues[s.Venue] = s.Value

	avg := mean(venues)
	e.pairAvg[s.Pair] = avg
	avgKey := market.PairAvgSeriesKey(s.Pair)
	if _, err := e.store.Insert(ctx, avgKey, s.AtMs, avg); err != nil {
		return fmt.Errorf("aggregate: insert pair-avg series: %w", err)
	}
	e.emit(avgKey, s.Pair, "", market.KindPrice, avg, s.AtMs)

	if e.indexCoin[s.Pair] {
		return e.recomputeIndexLocked(ctx, s.AtMs)
	}
	return nil
}

// recomputeIndexLocked recomputes the composite index as the mean of every
// currently-known per-pair average among the configured index coins. A pair
// with no venue data yet contributes nothing, not a zero (spec §4.4).
func (e *Engine) recomputeIndexLocked(ctx context.Context, atMs int64) error {
	var sum float64
	var n int
	for pair := range e.indexCoin {
		if avg, ok := e.pairAvg[pair]; ok {
			sum += avg
			n++
		}
	}
	if n == 0 {
		return nil
	}
	idx := sum / float64(n)
	key := market.IndexSeriesKey()
	if _, err := e.store.Insert(ctx, key, atMs, idx); err != nil {
		return fmt.Errorf("aggregate: insert index series: %w", err)
	}
	e.emit(key, market.Pair{}, "", market.KindPrice, idx, atMs)
	return nil
}

func (e *Engine) emit(key market.SeriesKey, pair market.Pair, venue string, kind market.SampleKind, value float64, atMs int64) {
	pct := e.pct.Update(key, value, atMs)
	if e.sink == nil {
		return
	}
	e.sink(AggregateSample{
		Key: key, Pair: pair, Venue: venue, Kind: kind,
		Value: value, AtMs: atMs, PercentChange: pct,
	})
}

// Candles reads the stored range for key and buckets it by intervalSec
// using a running boundary seeded from the range's first point (spec §4.4).
func (e *Engine) Candles(ctx context.Context, key market.SeriesKey, intervalSec, fromMs, toMs int64) ([]Candle, error) {
	points, err := e.store.ReadRange(ctx, key, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("aggregate: read range for candles: %w", err)
	}
	return ComputeCandles(points, intervalSec*1000), nil
}

func mean(values map[string]float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
