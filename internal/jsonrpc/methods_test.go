package jsonrpc

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/aggregate"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store/memstore"
	"github.com/sawpanic/marketd/internal/timeutil"
)

func newTestServer(t *testing.T) (*Server, *aggregate.Engine) {
	t.Helper()
	st := memstore.New(0)
	engine := aggregate.NewEngine(st, []market.Pair{market.NewPair("BTC", "USD")}, nil, zerolog.Nop())
	cfg := Config{Coins: []string{"BTC", "ETH"}, Venues: []string{"BINANCE", "KRAKEN"}, MinFrequencyMs: 100}
	return NewServer(cfg, st, engine, timeutil.RealClock{}, zerolog.Nop()), engine
}

type recordingSender struct{ sent [][]byte }

func (r *recordingSender) Send(payload []byte) error {
	r.sent = append(r.sent, payload)
	return nil
}

func TestHandleSubscribeRejectsUnknownCoin(t *testing.T) {
	s, _ := newTestServer(t)
	req := request{ID: 1, Method: "coin_average_price", Params: []byte(`{"coins":["DOGE"],"frequency_ms":100}`)}
	resp := s.handleSubscribe("c1", newWSSender(nil), req)
	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, errResp.Error.Code)
}

func TestHandleSubscribeRejectsLowFrequency(t *testing.T) {
	s, _ := newTestServer(t)
	req := request{ID: 1, Method: "coin_average_price", Params: []byte(`{"coins":["BTC"],"frequency_ms":10}`)}
	resp := s.handleSubscribe("c1", newWSSender(nil), req)
	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, errResp.Error.Code)
}

func TestHandleUnsubscribeUnknownMethodIsNoop(t *testing.T) {
	s, _ := newTestServer(t)
	req := request{ID: 1, Method: "unsubscribe", Params: []byte(`{"method":"coin_average_price"}`)}
	resp := s.handleUnsubscribe("c1", req)
	_, ok := resp.(ackMessage)
	assert.True(t, ok)
}

func TestHandleHistoricalRejectsMissingInterval(t *testing.T) {
	s, _ := newTestServer(t)
	req := request{ID: 1, Method: "index_price_historical", Params: []byte(`{"from":1}`)}
	resp := s.handleHistorical(context.Background(), req)
	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidParams, errResp.Error.Code)
}

func TestHandleHistoricalReturnsStoredPoints(t *testing.T) {
	s, engine := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, engine.Ingest(ctx, market.Sample{Venue: "binance", Pair: market.NewPair("BTC", "USD"), Kind: market.KindPrice, Value: 100, AtMs: 1000}))

	req := request{ID: 2, Method: "coin_average_price_historical", Params: []byte(`{"coin":"BTC","interval":"1 minute","from":1,"to":2}`)}
	resp := s.handleHistorical(ctx, req)
	res, ok := resp.(resultMessage)
	require.True(t, ok)
	points, ok := res.Result.([]historicalResult)
	require.True(t, ok)
	require.Len(t, points, 1)
	assert.Equal(t, 100.0, points[0].Value)
}

func TestAvailableCoinsOneShot(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.handleMessage(context.Background(), "c1", newWSSender(nil), []byte(`{"id":1,"jsonrpc":"2.0","method":"available_coins"}`))
	res, ok := resp.(resultMessage)
	require.True(t, ok)
	coins, ok := res.Result.([]string)
	require.True(t, ok)
	assert.Len(t, coins, 2)
}

func TestHandleSubscribeRegistersPercentChangeOnVenueSeriesKey(t *testing.T) {
	s, engine := newTestServer(t)
	req := request{
		ID:     1,
		Method: "coin_exchange_price",
		Params: []byte(`{"coins":["BTC"],"exchanges":["BINANCE"],"frequency_ms":100,"percent_change_interval":"60 seconds"}`),
	}
	resp := s.handleSubscribe("c1", &recordingSender{}, req)
	assert.Nil(t, resp)

	venueKey := market.PairVenuePriceSeriesKey("BINANCE", market.NewPair("BTC", "USD"))
	_, ok := engine.PercentChangeHolder().PctFor(venueKey, 60)
	assert.True(t, ok, "percent-change window must be registered on the venue-scoped series key coin_exchange_price samples actually carry")

	avgKey := market.PairAvgSeriesKey(market.NewPair("BTC", "USD"))
	_, ok = engine.PercentChangeHolder().PctFor(avgKey, 60)
	assert.False(t, ok, "coin_exchange_price must not register a window on the pair-average key")
}

func TestHandleMessageParseError(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.handleMessage(context.Background(), "c1", newWSSender(nil), []byte(`not json`))
	errResp, ok := resp.(errorResponse)
	require.True(t, ok)
	assert.Equal(t, CodeParseError, errResp.Error.Code)
}
