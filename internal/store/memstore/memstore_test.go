package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

func TestInsertReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	ok, err := s.Insert(ctx, key, 1000, 101.0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Read(ctx, key, 1000)
	require.NoError(t, err)
	assert.Equal(t, 101.0, v)

	_, err = s.Read(ctx, key, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertRateLimited(t *testing.T) {
	ctx := context.Background()
	s := New(100)
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	ok, err := s.Insert(ctx, key, 1000, 101.0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Insert(ctx, key, 1050, 102.0)
	require.NoError(t, err)
	assert.False(t, ok, "write within min-gap-ms must be silently dropped")

	ok, err = s.Insert(ctx, key, 1101, 103.0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInsertDuplicateTimestampKeepsEarlier(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	_, err := s.Insert(ctx, key, 1000, 101.0)
	require.NoError(t, err)
	ok, err := s.Insert(ctx, key, 1000, 999.0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := s.Read(ctx, key, 1000)
	require.NoError(t, err)
	assert.Equal(t, 101.0, v)
}

func TestReadRangeOrdering(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	for _, p := range []store.Point{{AtMs: 1060, Value: 8}, {AtMs: 1000, Value: 10}, {AtMs: 1120, Value: 14}, {AtMs: 1030, Value: 12}} {
		_, err := s.Insert(ctx, key, p.AtMs, p.Value)
		require.NoError(t, err)
	}

	pts, err := s.ReadRange(ctx, key, 1000, 1180)
	require.NoError(t, err)
	require.Len(t, pts, 4)
	assert.Equal(t, []int64{1000, 1030, 1060, 1120}, []int64{pts[0].AtMs, pts[1].AtMs, pts[2].AtMs, pts[3].AtMs})
}

func TestDeleteManyAndIterKeys(t *testing.T) {
	ctx := context.Background()
	s := New(0)
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	for _, at := range []int64{1000, 1060, 1120} {
		_, err := s.Insert(ctx, key, at, 1.0)
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteMany(ctx, key, []int64{1000, 1120}))
	pts, err := s.ReadRange(ctx, key, 0, 9999)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(1060), pts[0].AtMs)

	keys, err := s.IterKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []market.SeriesKey{key}, keys)
}
