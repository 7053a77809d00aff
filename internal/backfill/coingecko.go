package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// coinGeckoIDs maps the configured coin symbols to CoinGecko's API coin
// ids, matching the aggregator-fallback naming the teacher's
// internal/bench/sources price source falls back to when no exchange-native
// series is available.
var coinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"XRP":  "ripple",
	"LTC":  "litecoin",
	"USDT": "tether",
	"BCH":  "bitcoin-cash",
	"ADA":  "cardano",
	"DOT":  "polkadot",
	"DOGE": "dogecoin",
	"SOL":  "solana",
}

// CoinGeckoSource is a PriceSource backed by CoinGecko's public
// market_chart/range endpoint, used as the back-fill driver's daily
// high/low source (spec §4.8).
type CoinGeckoSource struct {
	client  *http.Client
	baseURL string
}

// NewCoinGeckoSource constructs a CoinGeckoSource. client may be nil, in
// which case http.DefaultClient is used.
func NewCoinGeckoSource(client *http.Client) *CoinGeckoSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &CoinGeckoSource{client: client, baseURL: "https://api.coingecko.com/api/v3"}
}

type coinGeckoRangeResponse struct {
	Prices [][2]float64 `json:"prices"`
}

// DailyPrices implements PriceSource. It buckets CoinGecko's raw price
// series (timestamp-ms, price) into UTC day buckets and reports each day's
// observed high/low.
func (s *CoinGeckoSource) DailyPrices(ctx context.Context, coin string, fromSec, toSec int64) ([]DailyPrice, error) {
	id, ok := coinGeckoIDs[strings.ToUpper(coin)]
	if !ok {
		return nil, fmt.Errorf("backfill: no CoinGecko id configured for coin %q", coin)
	}

	url := fmt.Sprintf("%s/coins/%s/market_chart/range?vs_currency=usd&from=%d&to=%d", s.baseURL, id, fromSec, toSec)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("backfill: build request for %s: %w", coin, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backfill: request %s: %w", coin, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backfill: %s: unexpected status %s", coin, resp.Status)
	}

	var parsed coinGeckoRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("backfill: decode response for %s: %w", coin, err)
	}

	byDay := make(map[int64]*DailyPrice)
	var order []int64
	for _, point := range parsed.Prices {
		atSec := int64(point[0]) / 1000
		dayStart := atSec - (atSec % daySeconds)
		price := point[1]

		day, ok := byDay[dayStart]
		if !ok {
			day = &DailyPrice{AtSec: dayStart, High: price, Low: price}
			byDay[dayStart] = day
			order = append(order, dayStart)
			continue
		}
		if price > day.High {
			day.High = price
		}
		if price < day.Low {
			day.Low = price
		}
	}

	out := make([]DailyPrice, 0, len(order))
	for _, day := range order {
		out = append(out, *byDay[day])
	}
	return out, nil
}
