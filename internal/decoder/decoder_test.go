package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/market"
)

func TestBinanceDecodeTrade(t *testing.T) {
	venue := market.NewVenue("binance", market.ChannelTrades, market.ChannelTicker)
	d := NewBinance(venue)

	frame := []byte(`{"e":"trade","s":"BTCUSDT","p":"101.50","q":"0.25","T":1000}`)
	res, err := d.Decode(frame, 999)
	require.NoError(t, err)
	require.Len(t, res.Samples, 2)
	assert.Equal(t, market.NewPair("BTC", "USDT"), res.Samples[0].Pair)
	assert.Equal(t, 101.50, res.Samples[0].Value)
	assert.Equal(t, int64(1000), res.Samples[0].AtMs)
	assert.Equal(t, market.KindVolume, res.Samples[1].Kind)
}

func TestBinanceDecodePingReturnsShapedPong(t *testing.T) {
	venue := market.NewVenue("binance", market.ChannelTicker)
	d := NewBinance(venue)

	res, err := d.Decode([]byte(`{"ping":12345}`), 0)
	require.NoError(t, err)
	require.NotNil(t, res.Ping)
	assert.JSONEq(t, `{"pong":12345}`, string(res.Ping.Pong))
}

func TestKrakenDecodeTickerUnmasksXBT(t *testing.T) {
	venue := market.NewVenue("kraken", market.ChannelTicker)
	venue.AddMask(market.NewPair("BTC", "USD"), market.NewPair("XBT", "USD"))
	d := NewKraken(venue)

	frame := []byte(`[340,{"c":["101.50","0.1"]},"ticker","XBT/USD"]`)
	res, err := d.Decode(frame, 500)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, market.NewPair("BTC", "USD"), res.Samples[0].Pair)
	assert.Equal(t, 101.50, res.Samples[0].Value)
}

func TestKrakenHeartbeatIsPing(t *testing.T) {
	venue := market.NewVenue("kraken", market.ChannelTicker)
	d := NewKraken(venue)
	res, err := d.Decode([]byte(`{"event":"heartbeat"}`), 0)
	require.NoError(t, err)
	require.NotNil(t, res.Ping)
}

func TestOkcoinQuirkRequestsResubscribe(t *testing.T) {
	venue := market.NewVenue("okcoin", market.ChannelTicker)
	d := NewOkcoin(venue)
	assert.NotZero(t, d.Quirk().ResendSubscribeAfter)
}

func TestOkcoinDecodeTickerTable(t *testing.T) {
	venue := market.NewVenue("okcoin", market.ChannelTicker)
	d := NewOkcoin(venue)

	frame := []byte(`{"table":"spot/ticker","data":[{"instrument_id":"BTC-USD","last":"101.5","timestamp":"2024-01-01T00:00:00.000Z"}]}`)
	res, err := d.Decode(frame, 0)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, market.NewPair("BTC", "USD"), res.Samples[0].Pair)
}

func TestPoloniexDecodeTicker(t *testing.T) {
	venue := market.NewVenue("poloniex", market.ChannelTicker)
	d := NewPoloniex(venue)

	frame := []byte(`[1002,null,[121,"101.50","101.60","101.40"]]`)
	res, err := d.Decode(frame, 42)
	require.NoError(t, err)
	require.Len(t, res.Samples, 1)
	assert.Equal(t, market.NewPair("BTC", "USDT"), res.Samples[0].Pair)
	assert.Equal(t, 101.50, res.Samples[0].Value)
}

func TestRegistryGetUnknownVenue(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("bogus")
	assert.Error(t, err)
}
