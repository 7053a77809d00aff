package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/marketd/internal/market"
)

// coinbaseDecoder decodes Coinbase's "type"-tagged JSON messages (ticker and
// match/trade). Snapshot/l2update book frames are accepted but yield zero
// samples.
type coinbaseDecoder struct {
	venue *market.Venue
}

// NewCoinbase constructs the Coinbase decoder.
func NewCoinbase(venue *market.Venue) Decoder {
	return &coinbaseDecoder{venue: venue}
}

func (d *coinbaseDecoder) Venue() string { return "coinbase" }

func (d *coinbaseDecoder) SymbolEncode(pair market.Pair) string {
	native := d.venue.Mask(pair)
	return native.Base + "-" + native.Quote
}

func (d *coinbaseDecoder) SubscribeFrame(symbol string, channel market.Channel) ([]byte, error) {
	var name string
	switch channel {
	case market.ChannelTicker:
		name = "ticker"
	case market.ChannelTrades:
		name = "matches"
	case market.ChannelBook:
		name = "level2"
	default:
		return nil, fmt.Errorf("coinbase: unsupported channel %s", channel)
	}
	return json.Marshal(map[string]any{
		"type":        "subscribe",
		"product_ids": []string{symbol},
		"channels":    []string{name},
	})
}

func (d *coinbaseDecoder) Decode(frame []byte, atMs int64) (Result, error) {
	var probe struct {
		Type      string `json:"type"`
		ProductID string `json:"product_id"`
		Price     string `json:"price"`
		Size      string `json:"size"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Result{}, fmt.Errorf("coinbase: decode: %w", err)
	}

	switch probe.Type {
	case "ticker":
		pair, ok := d.splitProductID(probe.ProductID)
		if !ok {
			return Result{}, nil
		}
		price, err := strconv.ParseFloat(probe.Price, 64)
		if err != nil {
			return Result{}, fmt.Errorf("coinbase: parse ticker price: %w", err)
		}
		return Result{Samples: []market.Sample{
			{Venue: "coinbase", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: parseCoinbaseTime(probe.Time, atMs)},
		}}, nil

	case "match", "last_match":
		pair, ok := d.splitProductID(probe.ProductID)
		if !ok {
			return Result{}, nil
		}
		price, err := strconv.ParseFloat(probe.Price, 64)
		if err != nil {
			return Result{}, fmt.Errorf("coinbase: parse match price: %w", err)
		}
		size, err := strconv.ParseFloat(probe.Size, 64)
		if err != nil {
			return Result{}, fmt.Errorf("coinbase: parse match size: %w", err)
		}
		at := parseCoinbaseTime(probe.Time, atMs)
		return Result{Samples: []market.Sample{
			{Venue: "coinbase", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: at},
			{Venue: "coinbase", Pair: pair, Kind: market.KindVolume, Value: size, AtMs: at},
		}}, nil

	case "heartbeat":
		return Result{Ping: &Ping{Pong: []byte(`{"type":"heartbeat_ack"}`)}}, nil

	default:
		// subscriptions/snapshot/l2update/error acknowledgements: zero samples.
		return Result{}, nil
	}
}

func (d *coinbaseDecoder) Quirk() Quirk { return Quirk{} }

func (d *coinbaseDecoder) splitProductID(productID string) (market.Pair, bool) {
	legs := strings.SplitN(productID, "-", 2)
	if len(legs) != 2 {
		return market.Pair{}, false
	}
	return d.venue.Unmask(market.NewPair(legs[0], legs[1])), true
}

func parseCoinbaseTime(s string, fallbackMs int64) int64 {
	if s == "" {
		return fallbackMs
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fallbackMs
	}
	return t.UnixMilli()
}
