package aggregate

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store/memstore"
)

func TestIngestComputesPairAverage(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)
	btc := market.NewPair("BTC", "USD")

	var got []AggregateSample
	e := NewEngine(st, []market.Pair{btc}, func(s AggregateSample) { got = append(got, s) }, zerolog.Nop())

	require.NoError(t, e.Ingest(ctx, market.Sample{Venue: "v1", Pair: btc, Kind: market.KindPrice, Value: 100.0, AtMs: 1000}))
	require.NoError(t, e.Ingest(ctx, market.Sample{Venue: "v2", Pair: btc, Kind: market.KindPrice, Value: 102.0, AtMs: 1000}))

	// Both averages land at t=1000; the store keeps the earlier-accepted
	// value at a duplicate timestamp, so the stored point is the first
	// average (100) while the emitted sample carries the new mean (101).
	avgKey := market.PairAvgSeriesKey(btc)
	v, err := st.Read(ctx, avgKey, 1000)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)

	var sawAvg bool
	for _, s := range got {
		if s.Key == avgKey && s.Value == 101.0 {
			sawAvg = true
		}
	}
	assert.True(t, sawAvg, "expected an emitted pair-avg sample of 101.0")
}

func TestIndexOmitsAbsentPairsRatherThanZero(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)
	btc := market.NewPair("BTC", "USD")
	eth := market.NewPair("ETH", "USD")

	e := NewEngine(st, []market.Pair{btc, eth}, nil, zerolog.Nop())
	require.NoError(t, e.Ingest(ctx, market.Sample{Venue: "v1", Pair: btc, Kind: market.KindPrice, Value: 200.0, AtMs: 1000}))

	idx, err := st.Read(ctx, market.IndexSeriesKey(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 200.0, idx, "index must equal the single known pair average, not be diluted by the absent pair")
}

func TestOutOfOrderSampleDropped(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)
	btc := market.NewPair("BTC", "USD")
	e := NewEngine(st, []market.Pair{btc}, nil, zerolog.Nop())

	require.NoError(t, e.Ingest(ctx, market.Sample{Venue: "v1", Pair: btc, Kind: market.KindPrice, Value: 100.0, AtMs: 2000}))
	require.NoError(t, e.Ingest(ctx, market.Sample{Venue: "v1", Pair: btc, Kind: market.KindPrice, Value: 50.0, AtMs: 1000}))

	venueKey := market.PairVenuePriceSeriesKey("v1", btc)
	_, err := st.Read(ctx, venueKey, 1000)
	assert.Error(t, err, "an earlier-timestamped sample must be dropped after a later one was admitted")
}

// TestCandlesMatchSpecScenario exercises the running-boundary bucketing
// (P5) grounded on the original's candles.rs: the bucket boundary starts at
// the first point's timestamp plus the interval and only advances by one
// interval each time a point falls on or past it, so a bucket can span more
// or less than one interval's worth of wall-clock time depending on how the
// points actually land. Timestamps are in milliseconds, as the store holds
// them. Here the first two points both land inside the first 60s window; the
// next point (1,070,000) trips the boundary and opens a second bucket whose
// own boundary (1,120,000) the fourth point (1,100,000) still falls under,
// so it joins rather than opening a third bucket.
func TestCandlesMatchSpecScenario(t *testing.T) {
	ctx := context.Background()
	st := memstore.New(0)
	key := market.IndexSeriesKey()

	for _, pt := range []struct {
		at  int64
		val float64
	}{{1_000_000, 10}, {1_030_000, 12}, {1_070_000, 8}, {1_100_000, 14}} {
		_, err := st.Insert(ctx, key, pt.at, pt.val)
		require.NoError(t, err)
	}

	e := NewEngine(st, nil, nil, zerolog.Nop())
	candles, err := e.Candles(ctx, key, 60, 1_000_000, 1_180_000)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, Candle{Open: 10, Close: 12, Min: 10, Max: 12, Avg: 11, AtMs: 1_030_000}, candles[0])
	assert.Equal(t, Candle{Open: 8, Close: 14, Min: 8, Max: 14, Avg: 11, AtMs: 1_100_000}, candles[1])
}

func TestPercentChangeRebaseline(t *testing.T) {
	w := &Window{IntervalSec: 60}

	pct, rebaselined := w.Update(100.0, 0)
	assert.Equal(t, 0.0, pct)
	assert.True(t, rebaselined)

	pct, rebaselined = w.Update(105.0, 30_000)
	assert.False(t, rebaselined, "update before the interval elapses must not touch the reference")

	pct, rebaselined = w.Update(110.0, 60_000)
	assert.True(t, rebaselined)
	assert.InDelta(t, 10.0, pct, 1e-9)
}

func TestPercentChangeHolderRemovesEmptyWindow(t *testing.T) {
	h := NewPercentChangeHolder()
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	h.AddSubscriber(key, 60)
	h.Update(key, 100.0, 0)
	_, ok := h.PctFor(key, 60)
	assert.True(t, ok)

	h.RemoveSubscriber(key, 60)
	_, ok = h.PctFor(key, 60)
	assert.False(t, ok, "window must be removed once its last subscriber leaves")
}
