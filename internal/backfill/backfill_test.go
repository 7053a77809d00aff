package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store/memstore"
)

// noopSleeper skips every sleep instantly, so tests run without waiting on
// the real 60s/10s pacing delays.
type noopSleeper struct{ calls []time.Duration }

func (n *noopSleeper) Sleep(_ context.Context, d time.Duration) error {
	n.calls = append(n.calls, d)
	return nil
}

type fakeSource struct {
	byCoin map[string][]DailyPrice
	err    error
	errFor string
}

func (f *fakeSource) DailyPrices(_ context.Context, coin string, fromSec, toSec int64) ([]DailyPrice, error) {
	if f.err != nil && (f.errFor == "" || f.errFor == coin) {
		return nil, f.err
	}
	return f.byCoin[coin], nil
}

func TestRunRejectsSpanBeyondDayCap(t *testing.T) {
	st := memstore.New(0)
	src := &fakeSource{}
	d := New(st, src, &noopSleeper{}, zerolog.Nop())

	from := int64(0)
	to := from + (MaxDays+1)*daySeconds

	err := d.Run(context.Background(), []string{"BTC"}, from, to)
	require.Error(t, err)

	keys, _ := st.IterKeys(context.Background())
	assert.Empty(t, keys, "rejected run must not mutate the store")
}

func TestRunPopulatesCoinAndIndexSeries(t *testing.T) {
	st := memstore.New(0)
	src := &fakeSource{byCoin: map[string][]DailyPrice{
		"BTC": {{AtSec: 0, High: 110, Low: 90}, {AtSec: daySeconds, High: 120, Low: 100}},
		"ETH": {{AtSec: 0, High: 10, Low: 8}, {AtSec: daySeconds, High: 12, Low: 10}},
	}}
	sleeper := &noopSleeper{}
	d := New(st, src, sleeper, zerolog.Nop())

	err := d.Run(context.Background(), []string{"BTC", "ETH"}, 0, 2*daySeconds)
	require.NoError(t, err)

	btcKey := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))
	pts, err := st.ReadRange(context.Background(), btcKey, 0, 2*daySeconds*1000)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 100.0, pts[0].Value)
	assert.Equal(t, 110.0, pts[1].Value)

	indexKey := market.IndexSeriesKey()
	idxPts, err := st.ReadRange(context.Background(), indexKey, 0, 2*daySeconds*1000)
	require.NoError(t, err)
	require.Len(t, idxPts, 2)
	assert.InDelta(t, (100.0+9.0)/2, idxPts[0].Value, 1e-9)
	assert.InDelta(t, (110.0+11.0)/2, idxPts[1].Value, 1e-9)

	// Only the fixed pre-sleep goes through the injected sleeper; inter-coin
	// pacing is the rate limiter's own token wait, which doesn't block here
	// since the first request against each fresh limiter has a full bucket.
	require.Len(t, sleeper.calls, 1)
	assert.Equal(t, PreSleep, sleeper.calls[0])
}

func TestRunAbortsOnUpstreamErrorAndSleeps(t *testing.T) {
	st := memstore.New(0)
	src := &fakeSource{
		byCoin: map[string][]DailyPrice{"BTC": {{AtSec: 0, High: 110, Low: 90}}},
		err:    errors.New("upstream unavailable"),
		errFor: "ETH",
	}
	sleeper := &noopSleeper{}
	d := New(st, src, sleeper, zerolog.Nop())

	err := d.Run(context.Background(), []string{"BTC", "ETH"}, 0, daySeconds)
	require.Error(t, err)

	// BTC succeeded before the abort; its point must remain.
	btcKey := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))
	pts, readErr := st.ReadRange(context.Background(), btcKey, 0, daySeconds*1000)
	require.NoError(t, readErr)
	require.Len(t, pts, 1)

	require.Len(t, sleeper.calls, 2) // pre-sleep, error-sleep
	assert.Equal(t, ErrorSleep, sleeper.calls[1])
}
