// Package market defines the core data model shared across the store,
// decoders, connectors, and aggregation engine: pairs, venues, samples and
// series keys (spec §3).
package market

import (
	"fmt"
	"strings"
)

// Pair is an ordered (base, quote) ticker tuple, e.g. ("BTC", "USD").
type Pair struct {
	Base  string
	Quote string
}

// NewPair uppercases and trims both legs, matching the market config's
// "uppercase comma list" convention (spec §6).
func NewPair(base, quote string) Pair {
	return Pair{Base: strings.ToUpper(strings.TrimSpace(base)), Quote: strings.ToUpper(strings.TrimSpace(quote))}
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// IsUSDDenominated reports whether the pair's quote or base leg is USD; only
// such pairs contribute to the index price (spec §3).
func (p Pair) IsUSDDenominated() bool {
	return p.Quote == "USD" || p.Base == "USD"
}

// Channel is a per-venue subscription kind.
type Channel int

const (
	ChannelTicker Channel = iota
	ChannelTrades
	ChannelBook
)

func (c Channel) String() string {
	switch c {
	case ChannelTicker:
		return "ticker"
	case ChannelTrades:
		return "trades"
	case ChannelBook:
		return "book"
	default:
		return "unknown"
	}
}

// ParseChannel parses the market config's channel names (spec §6: "subset
// of {ticker, trades, book}").
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ticker":
		return ChannelTicker, nil
	case "trades", "trade":
		return ChannelTrades, nil
	case "book":
		return ChannelBook, nil
	default:
		return 0, fmt.Errorf("market: unknown channel %q", s)
	}
}

// SampleKind distinguishes a price reading from a volume reading.
type SampleKind int

const (
	KindPrice SampleKind = iota
	KindVolume
)

func (k SampleKind) String() string {
	if k == KindVolume {
		return "volume"
	}
	return "price"
}

// Sample is a single normalised datum emitted by a decoder (spec §3).
// Invariants enforced by callers (connector/aggregation engine), not by this
// type: Value is finite and non-negative, and AtMs is monotonically
// non-decreasing per (Venue, Pair, Kind) source stream.
type Sample struct {
	Venue string
	Pair  Pair
	Kind  SampleKind
	Value float64
	AtMs  int64
}

// MarketValue names the kind of derived series a series key addresses.
type MarketValue int

const (
	// ValueIndex is the composite index price; it has no pair.
	ValueIndex MarketValue = iota
	// ValuePairAvg is a per-pair average across venues.
	ValuePairAvg
	// ValuePairVenuePrice is a single venue's last-trade price for a pair.
	ValuePairVenuePrice
	// ValuePairVenueVolume is a single venue's last-trade volume for a pair.
	ValuePairVenueVolume
)

func (v MarketValue) String() string {
	switch v {
	case ValueIndex:
		return "index"
	case ValuePairAvg:
		return "pair-avg"
	case ValuePairVenuePrice:
		return "pair-venue-price"
	case ValuePairVenueVolume:
		return "pair-venue-volume"
	default:
		return "unknown"
	}
}

// WorkerOwner is the owner string for series whose value isn't tied to a
// single venue (the index and pair averages), matching the original's
// "worker" owner convention for aggregation-derived series.
const WorkerOwner = "worker"

// SeriesKey identifies one persisted/hot series (spec §3). Pair is the zero
// value for Value == ValueIndex.
type SeriesKey struct {
	Owner string // "worker" or a venue name
	Value MarketValue
	Pair  Pair // absent (zero Pair) only for ValueIndex
}

// IndexSeriesKey is the single series key for the composite index.
func IndexSeriesKey() SeriesKey {
	return SeriesKey{Owner: WorkerOwner, Value: ValueIndex}
}

// PairAvgSeriesKey is the series key for a pair's cross-venue average.
func PairAvgSeriesKey(p Pair) SeriesKey {
	return SeriesKey{Owner: WorkerOwner, Value: ValuePairAvg, Pair: p}
}

// PairVenuePriceSeriesKey is the series key for one venue's price of a pair.
// The venue name is lower-cased, the spelling decoders stamp on samples, so
// upper-case configured exchange names address the same series.
func PairVenuePriceSeriesKey(venue string, p Pair) SeriesKey {
	return SeriesKey{Owner: strings.ToLower(venue), Value: ValuePairVenuePrice, Pair: p}
}

// PairVenueVolumeSeriesKey is the series key for one venue's volume of a pair.
// The venue name is lower-cased as in PairVenuePriceSeriesKey.
func PairVenueVolumeSeriesKey(venue string, p Pair) SeriesKey {
	return SeriesKey{Owner: strings.ToLower(venue), Value: ValuePairVenueVolume, Pair: p}
}

// Encode renders the composite, lexicographically prefix-scannable key
// string described in spec §3: "<entity>__<timestamp-ms>". Only the entity
// portion is rendered here; no backend appends the timestamp to it. The
// sqlite backend stores the encoded entity and AtMs in separate columns and
// range-scans on that column pair.
func (k SeriesKey) Encode() string {
	if k.Value == ValueIndex {
		return fmt.Sprintf("%s__%s", k.Owner, k.Value)
	}
	return fmt.Sprintf("%s__%s__%s_%s", k.Owner, k.Value, k.Pair.Base, k.Pair.Quote)
}

func (k SeriesKey) String() string { return k.Encode() }
