package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSeriesKeyRoundTrip(t *testing.T) {
	cases := []SeriesKey{
		IndexSeriesKey(),
		PairAvgSeriesKey(NewPair("BTC", "USD")),
		PairVenuePriceSeriesKey("binance", NewPair("ETH", "USD")),
		PairVenueVolumeSeriesKey("kraken", NewPair("BTC", "USD")),
	}
	for _, want := range cases {
		got, err := DecodeSeriesKey(want.Encode())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeSeriesKeyRejectsMalformed(t *testing.T) {
	_, err := DecodeSeriesKey("not-a-valid-key")
	assert.Error(t, err)
}
