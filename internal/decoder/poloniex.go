package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sawpanic/marketd/internal/market"
)

// poloniexPairCodes is Poloniex's numeric currency-pair channel table,
// opaque and venue-assigned. Spec §9 treats it as a static lookup data
// asset rather than something derived at runtime.
var poloniexPairCodes = map[string]int{
	"USDT_BTC": 121,
	"USDT_ETH": 149,
	"BTC_ETH":  148,
	"USDT_XRP": 117,
	"BTC_XRP":  127,
}

const poloniexTickerChannel = 1002

// poloniexDecoder decodes Poloniex's numeric-channel-ID array frames.
type poloniexDecoder struct {
	venue     *market.Venue
	codeToKey map[int]string
}

// NewPoloniex constructs the Poloniex decoder.
func NewPoloniex(venue *market.Venue) Decoder {
	codeToKey := make(map[int]string, len(poloniexPairCodes))
	for k, v := range poloniexPairCodes {
		codeToKey[v] = k
	}
	return &poloniexDecoder{venue: venue, codeToKey: codeToKey}
}

func (d *poloniexDecoder) Venue() string { return "poloniex" }

func (d *poloniexDecoder) SymbolEncode(pair market.Pair) string {
	native := d.venue.Mask(pair)
	return native.Quote + "_" + native.Base
}

func (d *poloniexDecoder) SubscribeFrame(symbol string, channel market.Channel) ([]byte, error) {
	code, ok := poloniexPairCodes[symbol]
	if !ok {
		return nil, fmt.Errorf("poloniex: no numeric channel code for pair %q", symbol)
	}
	switch channel {
	case market.ChannelTicker, market.ChannelTrades:
		return json.Marshal(map[string]any{"command": "subscribe", "channel": code})
	default:
		return nil, fmt.Errorf("poloniex: unsupported channel %s", channel)
	}
}

func (d *poloniexDecoder) Decode(frame []byte, atMs int64) (Result, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Result{}, fmt.Errorf("poloniex: decode: %w", err)
	}
	if len(raw) < 2 {
		return Result{}, nil
	}
	var channel int
	if err := json.Unmarshal(raw[0], &channel); err != nil {
		return Result{}, fmt.Errorf("poloniex: decode channel id: %w", err)
	}
	if channel >= 1000 && channel != poloniexTickerChannel {
		// Heartbeat/control channels (e.g. 1010 is the Poloniex heartbeat);
		// nothing decodable as market data. Numeric pair channels sit below
		// 1000 and fall through to the trade branch.
		return Result{}, nil
	}

	switch channel {
	case poloniexTickerChannel:
		var fields []json.RawMessage
		if len(raw) < 3 {
			return Result{}, nil
		}
		if err := json.Unmarshal(raw[2], &fields); err != nil {
			return Result{}, fmt.Errorf("poloniex: decode ticker fields: %w", err)
		}
		if len(fields) < 2 {
			return Result{}, nil
		}
		var pairCode int
		if err := json.Unmarshal(fields[0], &pairCode); err != nil {
			return Result{}, fmt.Errorf("poloniex: decode ticker pair code: %w", err)
		}
		key, ok := d.codeToKey[pairCode]
		if !ok {
			return Result{}, nil
		}
		var lastStr string
		if err := json.Unmarshal(fields[1], &lastStr); err != nil {
			return Result{}, fmt.Errorf("poloniex: decode ticker last price: %w", err)
		}
		price, err := strconv.ParseFloat(lastStr, 64)
		if err != nil {
			return Result{}, fmt.Errorf("poloniex: parse ticker last price: %w", err)
		}
		pair, ok := pairFromPoloniexKey(d.venue, key)
		if !ok {
			return Result{}, nil
		}
		return Result{Samples: []market.Sample{
			{Venue: "poloniex", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: atMs},
		}}, nil

	default:
		key, ok := d.codeToKey[channel]
		if !ok {
			return Result{}, nil
		}
		pair, ok := pairFromPoloniexKey(d.venue, key)
		if !ok {
			return Result{}, nil
		}
		if len(raw) < 3 {
			return Result{}, nil
		}
		var updates []json.RawMessage
		if err := json.Unmarshal(raw[2], &updates); err != nil {
			return Result{}, fmt.Errorf("poloniex: decode trade updates: %w", err)
		}
		var samples []market.Sample
		for _, upd := range updates {
			var entry []json.RawMessage
			if err := json.Unmarshal(upd, &entry); err != nil || len(entry) < 4 {
				continue
			}
			var kind string
			if err := json.Unmarshal(entry[0], &kind); err != nil || kind != "t" {
				continue
			}
			var priceStr, amountStr string
			if err := json.Unmarshal(entry[2], &priceStr); err != nil {
				continue
			}
			if err := json.Unmarshal(entry[3], &amountStr); err != nil {
				continue
			}
			price, err := strconv.ParseFloat(priceStr, 64)
			if err != nil {
				continue
			}
			amount, err := strconv.ParseFloat(amountStr, 64)
			if err != nil {
				continue
			}
			samples = append(samples,
				market.Sample{Venue: "poloniex", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: atMs},
				market.Sample{Venue: "poloniex", Pair: pair, Kind: market.KindVolume, Value: amount, AtMs: atMs},
			)
		}
		return Result{Samples: samples}, nil
	}
}

func (d *poloniexDecoder) Quirk() Quirk { return Quirk{} }

// pairFromPoloniexKey splits a "QUOTE_BASE"-shaped pair code key back into a
// canonical pair, unmasking via the venue's table.
func pairFromPoloniexKey(venue *market.Venue, key string) (market.Pair, bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '_' {
			quote, base := key[:i], key[i+1:]
			return venue.Unmask(market.NewPair(base, quote)), true
		}
	}
	return market.Pair{}, false
}
