package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

func TestInsertReadDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", time.Second, 0)
	require.NoError(t, err)
	defer s.Close()

	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	ok, err := s.Insert(ctx, key, 1000, 101.5)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Read(ctx, key, 1000)
	require.NoError(t, err)
	assert.Equal(t, 101.5, v)

	ok, err = s.Insert(ctx, key, 1000, 999.0)
	require.NoError(t, err)
	assert.False(t, ok, "duplicate timestamp must be dropped")

	require.NoError(t, s.Delete(ctx, key, 1000))
	_, err = s.Read(ctx, key, 1000)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertRateLimited(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", time.Second, 500)
	require.NoError(t, err)
	defer s.Close()

	key := market.PairAvgSeriesKey(market.NewPair("ETH", "USD"))
	ok, err := s.Insert(ctx, key, 1000, 1.0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Insert(ctx, key, 1200, 2.0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIterKeysRoundTripsEncoding(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", time.Second, 0)
	require.NoError(t, err)
	defer s.Close()

	key := market.PairVenuePriceSeriesKey("binance", market.NewPair("BTC", "USD"))
	_, err = s.Insert(ctx, key, 1000, 1.0)
	require.NoError(t, err)

	keys, err := s.IterKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key, keys[0])
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", time.Second, 0)
	require.NoError(t, err)
	defer s.Close()

	key := market.IndexSeriesKey()
	for _, at := range []int64{1000, 1060, 1120} {
		_, err := s.Insert(ctx, key, at, 1.0)
		require.NoError(t, err)
	}

	require.NoError(t, s.DeleteMany(ctx, key, []int64{1000, 1120}))
	pts, err := s.ReadRange(ctx, key, 0, 99999)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, int64(1060), pts[0].AtMs)
}
