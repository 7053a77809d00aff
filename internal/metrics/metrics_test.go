package metrics

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store/memstore"
)

// TestInstrumentedStoreCounters builds a single Registry (NewRegistry
// registers against the global Prometheus registerer, so constructing it
// more than once per process would panic on duplicate registration) and
// exercises every counter it should move through one InstrumentedStore.
func TestInstrumentedStoreCounters(t *testing.T) {
	reg := NewRegistry()
	st := Instrument(memstore.New(0), "memstore", reg)
	ctx := context.Background()
	key := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))

	ok, err := st.Insert(ctx, key, 1000, 100.0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.StoreInserts.WithLabelValues("memstore")))

	ok, err = st.Insert(ctx, key, 1000, 101.0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.StoreWriteDropped.WithLabelValues("memstore")))

	_, err = st.Read(ctx, key, 1000)
	require.NoError(t, err)
	_, err = st.ReadRange(ctx, key, 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(reg.StoreReads.WithLabelValues("memstore")))
}
