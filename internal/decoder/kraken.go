package decoder

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sawpanic/marketd/internal/market"
)

// krakenDecoder decodes Kraken's array-framed channel messages
// ([channelID, payload, channelName, pair]) and its JSON-object control
// frames (heartbeat, subscriptionStatus). Kraken spells some pairs
// differently on the wire (e.g. "XBT" for "BTC"), handled via the venue's
// mask table (market §9 supplemented feature).
type krakenDecoder struct {
	venue *market.Venue
}

// NewKraken constructs the Kraken decoder.
func NewKraken(venue *market.Venue) Decoder {
	return &krakenDecoder{venue: venue}
}

func (d *krakenDecoder) Venue() string { return "kraken" }

func (d *krakenDecoder) SymbolEncode(pair market.Pair) string {
	native := d.venue.Mask(pair)
	return native.Base + "/" + native.Quote
}

func (d *krakenDecoder) SubscribeFrame(symbol string, channel market.Channel) ([]byte, error) {
	var name string
	switch channel {
	case market.ChannelTicker:
		name = "ticker"
	case market.ChannelTrades:
		name = "trade"
	case market.ChannelBook:
		name = "book"
	default:
		return nil, fmt.Errorf("kraken: unsupported channel %s", channel)
	}
	return json.Marshal(map[string]any{
		"event":        "subscribe",
		"pair":         []string{symbol},
		"subscription": map[string]string{"name": name},
	})
}

func (d *krakenDecoder) Decode(frame []byte, atMs int64) (Result, error) {
	trimmed := strings.TrimSpace(string(frame))
	if strings.HasPrefix(trimmed, "{") {
		var ctrl struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(frame, &ctrl); err != nil {
			return Result{}, fmt.Errorf("kraken: decode control frame: %w", err)
		}
		if ctrl.Event == "heartbeat" {
			return Result{Ping: &Ping{Pong: []byte(`{"event":"pong"}`)}}, nil
		}
		// subscriptionStatus / systemStatus / error: zero samples.
		return Result{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Result{}, fmt.Errorf("kraken: decode array frame: %w", err)
	}
	if len(raw) < 4 {
		return Result{}, nil
	}
	var channelName, wirePair string
	if err := json.Unmarshal(raw[len(raw)-2], &channelName); err != nil {
		return Result{}, fmt.Errorf("kraken: decode channel name: %w", err)
	}
	if err := json.Unmarshal(raw[len(raw)-1], &wirePair); err != nil {
		return Result{}, fmt.Errorf("kraken: decode pair: %w", err)
	}
	legs := strings.SplitN(wirePair, "/", 2)
	if len(legs) != 2 {
		return Result{}, nil
	}
	pair := d.venue.Unmask(market.NewPair(legs[0], legs[1]))

	switch {
	case strings.HasPrefix(channelName, "ticker"):
		var payload struct {
			Close []string `json:"c"`
		}
		if err := json.Unmarshal(raw[1], &payload); err != nil {
			return Result{}, fmt.Errorf("kraken: decode ticker payload: %w", err)
		}
		if len(payload.Close) == 0 {
			return Result{}, nil
		}
		price, err := strconv.ParseFloat(payload.Close[0], 64)
		if err != nil {
			return Result{}, fmt.Errorf("kraken: parse ticker price: %w", err)
		}
		return Result{Samples: []market.Sample{
			{Venue: "kraken", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: atMs},
		}}, nil

	case strings.HasPrefix(channelName, "trade"):
		var trades [][]json.RawMessage
		if err := json.Unmarshal(raw[1], &trades); err != nil {
			return Result{}, fmt.Errorf("kraken: decode trades payload: %w", err)
		}
		var samples []market.Sample
		for _, t := range trades {
			if len(t) < 3 {
				continue
			}
			var priceStr, volStr, timeStr string
			if err := json.Unmarshal(t[0], &priceStr); err != nil {
				return Result{}, fmt.Errorf("kraken: parse trade price field: %w", err)
			}
			if err := json.Unmarshal(t[1], &volStr); err != nil {
				return Result{}, fmt.Errorf("kraken: parse trade volume field: %w", err)
			}
			if err := json.Unmarshal(t[2], &timeStr); err != nil {
				return Result{}, fmt.Errorf("kraken: parse trade time field: %w", err)
			}
			price, err := strconv.ParseFloat(priceStr, 64)
			if err != nil {
				return Result{}, fmt.Errorf("kraken: parse trade price: %w", err)
			}
			vol, err := strconv.ParseFloat(volStr, 64)
			if err != nil {
				return Result{}, fmt.Errorf("kraken: parse trade volume: %w", err)
			}
			at := atMs
			if secs, err := strconv.ParseFloat(timeStr, 64); err == nil && secs > 0 {
				at = int64(secs * 1000)
			}
			samples = append(samples,
				market.Sample{Venue: "kraken", Pair: pair, Kind: market.KindPrice, Value: price, AtMs: at},
				market.Sample{Venue: "kraken", Pair: pair, Kind: market.KindVolume, Value: vol, AtMs: at},
			)
		}
		return Result{Samples: samples}, nil

	case strings.HasPrefix(channelName, "book"):
		// Book frames, snapshots and incremental diffs alike, yield zero
		// samples; this decoder derives no bid/ask totals from them.
		return Result{}, nil

	default:
		return Result{}, nil
	}
}

func (d *krakenDecoder) Quirk() Quirk { return Quirk{} }
