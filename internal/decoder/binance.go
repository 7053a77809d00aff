package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sawpanic/marketd/internal/market"
)

// binanceDecoder decodes Binance's combined-stream JSON payloads (trade,
// 24hr ticker, and partial-book-depth), following the field layout the
// teacher's exchanges/binance/book.go parses off the depth-diff stream.
type binanceDecoder struct {
	venue *market.Venue
}

// NewBinance constructs the Binance decoder.
func NewBinance(venue *market.Venue) Decoder {
	return &binanceDecoder{venue: venue}
}

func (d *binanceDecoder) Venue() string { return "binance" }

func (d *binanceDecoder) SymbolEncode(pair market.Pair) string {
	native := d.venue.Mask(pair)
	return strings.ToLower(native.Base + native.Quote)
}

func (d *binanceDecoder) SubscribeFrame(symbol string, channel market.Channel) ([]byte, error) {
	var stream string
	switch channel {
	case market.ChannelTicker:
		stream = symbol + "@ticker"
	case market.ChannelTrades:
		stream = symbol + "@trade"
	case market.ChannelBook:
		stream = symbol + "@depth20@100ms"
	default:
		return nil, fmt.Errorf("binance: unsupported channel %s", channel)
	}
	return json.Marshal(map[string]any{
		"method": "SUBSCRIBE",
		"params": []string{stream},
		"id":     1,
	})
}

type binanceTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Qty       string `json:"q"`
	TradeTime int64  `json:"T"`
}

type binanceTickerEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	Volume    string `json:"v"`
}

type binanceDepthEvent struct {
	EventType string     `json:"e"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

func (d *binanceDecoder) Decode(frame []byte, atMs int64) (Result, error) {
	var probe struct {
		EventType string `json:"e"`
		Ping      *int64 `json:"ping"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Result{}, fmt.Errorf("binance: decode: %w", err)
	}
	if probe.Ping != nil {
		pong, err := json.Marshal(map[string]int64{"pong": *probe.Ping})
		if err != nil {
			return Result{}, fmt.Errorf("binance: marshal pong: %w", err)
		}
		return Result{Ping: &Ping{Pong: pong}}, nil
	}

	switch probe.EventType {
	case "trade":
		var ev binanceTradeEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return Result{}, fmt.Errorf("binance: decode trade: %w", err)
		}
		pair, ok := splitBinanceSymbol(d.venue, ev.Symbol)
		if !ok {
			return Result{}, nil
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return Result{}, fmt.Errorf("binance: parse trade price: %w", err)
		}
		qty, err := strconv.ParseFloat(ev.Qty, 64)
		if err != nil {
			return Result{}, fmt.Errorf("binance: parse trade qty: %w", err)
		}
		at := ev.TradeTime
		if at == 0 {
			at = atMs
		}
		return Result{Samples: []market.Sample{
			{Venue: "binance", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: at},
			{Venue: "binance", Pair: pair, Kind: market.KindVolume, Value: qty, AtMs: at},
		}}, nil

	case "24hrTicker":
		var ev binanceTickerEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return Result{}, fmt.Errorf("binance: decode ticker: %w", err)
		}
		pair, ok := splitBinanceSymbol(d.venue, ev.Symbol)
		if !ok {
			return Result{}, nil
		}
		price, err := strconv.ParseFloat(ev.LastPrice, 64)
		if err != nil {
			return Result{}, fmt.Errorf("binance: parse ticker price: %w", err)
		}
		return Result{Samples: []market.Sample{
			{Venue: "binance", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: atMs},
		}}, nil

	case "depthUpdate":
		var ev binanceDepthEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			return Result{}, fmt.Errorf("binance: decode depth: %w", err)
		}
		pair, ok := splitBinanceSymbol(d.venue, ev.Symbol)
		if !ok {
			return Result{}, nil
		}
		// Book frames produce aggregated bid/ask totals, not full book
		// reconstruction (spec §4.2): mid price and summed depth volume.
		bidTop, bidVol, err := bestLevel(ev.Bids)
		if err != nil {
			return Result{}, fmt.Errorf("binance: parse bids: %w", err)
		}
		askTop, askVol, err := bestLevel(ev.Asks)
		if err != nil {
			return Result{}, fmt.Errorf("binance: parse asks: %w", err)
		}
		if bidTop == 0 && askTop == 0 {
			return Result{}, nil
		}
		mid := (bidTop + askTop) / 2
		return Result{Samples: []market.Sample{
			{Venue: "binance", Pair: pair, Kind: market.KindPrice, Value: mid, AtMs: atMs},
			{Venue: "binance", Pair: pair, Kind: market.KindVolume, Value: bidVol + askVol, AtMs: atMs},
		}}, nil

	default:
		// Unrecognised/handshake frame: zero samples (spec §4.2).
		return Result{}, nil
	}
}

func (d *binanceDecoder) Quirk() Quirk { return Quirk{} }

// bestLevel sums a depth side's volume and returns its best (first) price.
func bestLevel(levels [][]string) (price, volume float64, err error) {
	for i, lvl := range levels {
		if len(lvl) != 2 {
			continue
		}
		p, perr := strconv.ParseFloat(lvl[0], 64)
		if perr != nil {
			return 0, 0, perr
		}
		v, verr := strconv.ParseFloat(lvl[1], 64)
		if verr != nil {
			return 0, 0, verr
		}
		if i == 0 {
			price = p
		}
		volume += v
	}
	return price, volume, nil
}

// splitBinanceSymbol recovers the canonical pair from Binance's concatenated
// upper-case symbol (e.g. "BTCUSDT") by unmasking against every quote this
// decoder is configured to recognise.
func splitBinanceSymbol(venue *market.Venue, symbol string) (market.Pair, bool) {
	symbol = strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USD", "BTC", "ETH"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			base := strings.TrimSuffix(symbol, quote)
			canonical := venue.Unmask(market.NewPair(base, quote))
			return canonical, true
		}
	}
	return market.Pair{}, false
}
