package market

import (
	"fmt"
	"strings"
)

// ParseMarketValue is the inverse of MarketValue.String, used to decode
// persisted composite keys (spec §3).
func ParseMarketValue(s string) (MarketValue, error) {
	switch s {
	case "index":
		return ValueIndex, nil
	case "pair-avg":
		return ValuePairAvg, nil
	case "pair-venue-price":
		return ValuePairVenuePrice, nil
	case "pair-venue-volume":
		return ValuePairVenueVolume, nil
	default:
		return 0, fmt.Errorf("market: unknown market-value %q", s)
	}
}

// DecodeSeriesKey parses the composite key string produced by
// SeriesKey.Encode. Used by the sweeper and the cold store's iter_keys scan
// to recover a series key's structure from its persisted string form.
func DecodeSeriesKey(encoded string) (SeriesKey, error) {
	parts := strings.Split(encoded, "__")
	switch len(parts) {
	case 2:
		value, err := ParseMarketValue(parts[1])
		if err != nil {
			return SeriesKey{}, err
		}
		if value != ValueIndex {
			return SeriesKey{}, fmt.Errorf("market: series key %q missing pair for value %s", encoded, value)
		}
		return SeriesKey{Owner: parts[0], Value: value}, nil
	case 3:
		value, err := ParseMarketValue(parts[1])
		if err != nil {
			return SeriesKey{}, err
		}
		legs := strings.SplitN(parts[2], "_", 2)
		if len(legs) != 2 {
			return SeriesKey{}, fmt.Errorf("market: series key %q has malformed pair component", encoded)
		}
		return SeriesKey{Owner: parts[0], Value: value, Pair: Pair{Base: legs[0], Quote: legs[1]}}, nil
	default:
		return SeriesKey{}, fmt.Errorf("market: series key %q has unexpected shape", encoded)
	}
}
