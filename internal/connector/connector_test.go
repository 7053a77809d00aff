package connector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketd/internal/decoder"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/timeutil"
)

// fakeConn feeds a scripted sequence of frames, then blocks until closed.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	idx    int
	closed bool
	sent   [][]byte
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.idx >= len(f.frames) {
		return 0, nil, errClosed
	}
	frame := f.frames[f.idx]
	f.idx++
	return 1, frame, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var errClosed = &fakeErr{"fakeConn: closed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestConnectorStreamsDecodedSamplesInOrder(t *testing.T) {
	venue := market.NewVenue("binance", market.ChannelTicker)
	dec := decoder.NewBinance(venue)
	conn := &fakeConn{frames: [][]byte{
		[]byte(`{"e":"trade","s":"BTCUSDT","p":"100.0","q":"1.0","T":1000}`),
		[]byte(`{"e":"trade","s":"BTCUSDT","p":"101.0","q":"1.0","T":1001}`),
	}}
	dialer := &fakeDialer{conn: conn}

	var mu sync.Mutex
	var got []market.Sample
	sink := func(_ context.Context, s market.Sample) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
		return nil
	}

	cfg := Config{Venue: "binance", Pair: market.NewPair("BTC", "USDT"), Channel: market.ChannelTrades, URL: "wss://fake", BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	c := New(cfg, dialer, dec, "btcusdt", sink, timeutil.RealClock{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(got), 4) // price+volume per trade
	assert.Equal(t, 100.0, got[0].Value)
	assert.Equal(t, market.KindVolume, got[1].Kind)
}

func TestConnectorStopsAtContextCancel(t *testing.T) {
	venue := market.NewVenue("kraken", market.ChannelTicker)
	dec := decoder.NewKraken(venue)
	dialer := &fakeDialer{err: &fakeErr{"dial refused"}}

	sink := func(context.Context, market.Sample) error { return nil }
	cfg := Config{Venue: "kraken", Pair: market.NewPair("BTC", "USD"), Channel: market.ChannelTicker, URL: "wss://fake", BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	c := New(cfg, dialer, dec, "XBT/USD", sink, timeutil.RealClock{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connector did not exit after context cancellation")
	}
	assert.Equal(t, StateClosed, c.State())
}
