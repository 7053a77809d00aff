package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairIsUSDDenominated(t *testing.T) {
	assert.True(t, NewPair("btc", "usd").IsUSDDenominated())
	assert.True(t, NewPair("usd", "jpy").IsUSDDenominated())
	assert.False(t, NewPair("btc", "eth").IsUSDDenominated())
}

func TestSeriesKeyEncodeRoundTripsShape(t *testing.T) {
	idx := IndexSeriesKey()
	require.Equal(t, "worker__index", idx.Encode())

	avg := PairAvgSeriesKey(NewPair("BTC", "USD"))
	assert.Equal(t, "worker__pair-avg__BTC_USD", avg.Encode())

	px := PairVenuePriceSeriesKey("binance", NewPair("ETH", "USD"))
	assert.Equal(t, "binance__pair-venue-price__ETH_USD", px.Encode())
}

func TestVenueMaskRoundTrip(t *testing.T) {
	v := NewVenue("kraken", ChannelTicker, ChannelTrades)
	canonical := NewPair("BTC", "USD")
	native := NewPair("XBT", "USD")
	v.AddMask(canonical, native)

	assert.Equal(t, native, v.Mask(canonical))
	assert.Equal(t, canonical, v.Unmask(native))
	assert.Equal(t, NewPair("ETH", "USD"), v.Mask(NewPair("ETH", "USD")))
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel("Trades")
	require.NoError(t, err)
	assert.Equal(t, ChannelTrades, c)

	_, err = ParseChannel("bogus")
	assert.Error(t, err)
}
