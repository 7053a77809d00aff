package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/marketd/internal/market"
)

// okcoinDecoder decodes Okcoin's table-tagged JSON messages. Okcoin ships
// its payloads deflate-compressed (decompressed upstream by the supervisor,
// spec §4.2) and has the one documented venue quirk (spec §4.3): the
// subscribe frame is re-sent, reported here via Quirk rather than
// special-cased in the supervisor. The supervisor re-sends it 3s after
// writing the initial subscribe frame, whether or not a payload has been
// decoded by then.
type okcoinDecoder struct {
	venue *market.Venue
}

// NewOkcoin constructs the Okcoin decoder.
func NewOkcoin(venue *market.Venue) Decoder {
	return &okcoinDecoder{venue: venue}
}

func (d *okcoinDecoder) Venue() string { return "okcoin" }

func (d *okcoinDecoder) SymbolEncode(pair market.Pair) string {
	native := d.venue.Mask(pair)
	return native.Base + "-" + native.Quote
}

func (d *okcoinDecoder) SubscribeFrame(symbol string, channel market.Channel) ([]byte, error) {
	var name string
	switch channel {
	case market.ChannelTicker:
		name = "spot/ticker"
	case market.ChannelTrades:
		name = "spot/trade"
	case market.ChannelBook:
		name = "spot/depth5"
	default:
		return nil, fmt.Errorf("okcoin: unsupported channel %s", channel)
	}
	return json.Marshal(map[string]any{
		"op":   "subscribe",
		"args": []string{name + ":" + symbol},
	})
}

type okcoinTickerRow struct {
	InstrumentID string `json:"instrument_id"`
	Last         string `json:"last"`
	Timestamp    string `json:"timestamp"`
}

type okcoinTradeRow struct {
	InstrumentID string `json:"instrument_id"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	Timestamp    string `json:"timestamp"`
}

func (d *okcoinDecoder) Decode(frame []byte, atMs int64) (Result, error) {
	trimmed := strings.TrimSpace(string(frame))
	if trimmed == "pong" {
		return Result{Ping: &Ping{Pong: []byte("pong")}}, nil
	}

	var envelope struct {
		Event string          `json:"event"`
		Table string          `json:"table"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Result{}, fmt.Errorf("okcoin: decode: %w", err)
	}
	if envelope.Event != "" {
		// subscribe/unsubscribe/error acknowledgements: zero samples.
		return Result{}, nil
	}

	switch envelope.Table {
	case "spot/ticker":
		var rows []okcoinTickerRow
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			return Result{}, fmt.Errorf("okcoin: decode ticker rows: %w", err)
		}
		var samples []market.Sample
		for _, row := range rows {
			pair, ok := d.splitInstrumentID(row.InstrumentID)
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(row.Last, 64)
			if err != nil {
				return Result{}, fmt.Errorf("okcoin: parse ticker price: %w", err)
			}
			samples = append(samples, market.Sample{
				Venue: "okcoin", Pair: pair, Kind: market.KindPrice,
				Value: price, AtMs: parseOkcoinTime(row.Timestamp, atMs),
			})
		}
		return Result{Samples: samples}, nil

	case "spot/trade":
		var rows []okcoinTradeRow
		if err := json.Unmarshal(envelope.Data, &rows); err != nil {
			return Result{}, fmt.Errorf("okcoin: decode trade rows: %w", err)
		}
		var samples []market.Sample
		for _, row := range rows {
			pair, ok := d.splitInstrumentID(row.InstrumentID)
			if !ok {
				continue
			}
			price, err := strconv.ParseFloat(row.Price, 64)
			if err != nil {
				return Result{}, fmt.Errorf("okcoin: parse trade price: %w", err)
			}
			size, err := strconv.ParseFloat(row.Size, 64)
			if err != nil {
				return Result{}, fmt.Errorf("okcoin: parse trade size: %w", err)
			}
			at := parseOkcoinTime(row.Timestamp, atMs)
			samples = append(samples,
				market.Sample{Venue: "okcoin", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: at},
				market.Sample{Venue: "okcoin", Pair: pair, Kind: market.KindVolume, Value: size, AtMs: at},
			)
		}
		return Result{Samples: samples}, nil

	default:
		return Result{}, nil
	}
}

func (d *okcoinDecoder) Quirk() Quirk {
	return Quirk{ResendSubscribeAfter: 3 * time.Second}
}

func (d *okcoinDecoder) splitInstrumentID(id string) (market.Pair, bool) {
	legs := strings.SplitN(id, "-", 2)
	if len(legs) != 2 {
		return market.Pair{}, false
	}
	return d.venue.Unmask(market.NewPair(legs[0], legs[1])), true
}

func parseOkcoinTime(s string, fallbackMs int64) int64 {
	if s == "" {
		return fallbackMs
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallbackMs
	}
	return t.UnixMilli()
}
