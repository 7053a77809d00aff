// Package backfill implements the historical back-fill driver (spec §4.8):
// a one-shot pass that pulls daily high/low prices for a set of coins from
// an external price source and seeds the store's per-coin and index series
// with daily midpoints, so that freshly-launched deployments have history
// to answer *_historical queries against before the live feed has had time
// to accumulate it.
package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/net/ratelimit"
	"github.com/sawpanic/marketd/internal/store"
)

// MaxDays bounds how many days a single Run call will pull (spec §4.8,
// property P8): a request spanning more than this many days is rejected
// before any network call or store write happens.
const MaxDays = 2000

// PreSleep is the fixed pause before the first coin is queried (spec §4.8),
// giving the external API's own rate window room to settle after a
// deployment restart.
const PreSleep = 60 * time.Second

// InterCoinGap paces successive coins' requests (spec §4.8).
const InterCoinGap = 10 * time.Second

// ErrorSleep is the fixed pause after an upstream failure, before Run
// aborts (spec §4.8: "on error, sleep 60s then abort").
const ErrorSleep = 60 * time.Second

const daySeconds = 86400

// DailyPrice is one day's high/low for a coin, as reported by a
// PriceSource. AtSec is the UTC midnight timestamp the day begins at.
type DailyPrice struct {
	AtSec     int64
	High, Low float64
}

// Mid returns the day's (high+low)/2 representative price (spec §4.8).
func (d DailyPrice) Mid() float64 { return (d.High + d.Low) / 2 }

// PriceSource supplies daily OHLC-derived prices for one coin over
// [fromSec, toSec). Implementations wrap whatever external daily-price API
// the deployment is configured against.
type PriceSource interface {
	DailyPrices(ctx context.Context, coin string, fromSec, toSec int64) ([]DailyPrice, error)
}

// Sleeper abstracts the pacing delays so tests can run the driver without
// actually waiting; RealSleeper is the production implementation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps using the real clock, returning early if ctx is
// cancelled.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Driver runs the historical back-fill pass.
type Driver struct {
	store   store.Store
	source  PriceSource
	limiter *ratelimit.Limiter
	sleeper Sleeper
	log     zerolog.Logger
}

// New constructs a Driver. The limiter paces inter-coin requests at one
// call per InterCoinGap per the "backfill" host bucket. Each Driver builds
// its own limiter; New takes no limiter argument.
func New(st store.Store, source PriceSource, sleeper Sleeper, log zerolog.Logger) *Driver {
	if sleeper == nil {
		sleeper = RealSleeper{}
	}
	return &Driver{
		store:   st,
		source:  source,
		limiter: ratelimit.NewLimiter(1.0/InterCoinGap.Seconds(), 1),
		sleeper: sleeper,
		log:     log,
	}
}

// Run back-fills [fromSec, toSec) for every coin in coins, writing each
// coin's daily midpoint into its pair-average series and the cross-coin
// average of those midpoints into the index series (spec §4.8).
//
// Run rejects the request without touching the store if the requested
// span exceeds MaxDays (P8). On the first upstream error it sleeps
// ErrorSleep and returns the error without processing further coins,
// leaving whatever coins already succeeded in the store (spec §4.8:
// "abort, don't roll back what's already landed").
func (d *Driver) Run(ctx context.Context, coins []string, fromSec, toSec int64) error {
	if toSec < fromSec {
		return fmt.Errorf("backfill: to (%d) precedes from (%d)", toSec, fromSec)
	}
	dayCount := (toSec - fromSec) / daySeconds
	if dayCount > MaxDays {
		return fmt.Errorf("backfill: requested span of %d days exceeds the %d day cap", dayCount, MaxDays)
	}

	if err := d.sleeper.Sleep(ctx, PreSleep); err != nil {
		return fmt.Errorf("backfill: pre-sleep interrupted: %w", err)
	}

	indexSums := make(map[int64]float64)
	indexCounts := make(map[int64]int)

	for i, coin := range coins {
		if i > 0 {
			if err := d.limiter.Wait(ctx, "backfill"); err != nil {
				return fmt.Errorf("backfill: pacing wait interrupted: %w", err)
			}
		}

		prices, err := d.source.DailyPrices(ctx, coin, fromSec, toSec)
		if err != nil {
			d.log.Error().Err(err).Str("coin", coin).Msg("backfill: upstream request failed")
			if sleepErr := d.sleeper.Sleep(ctx, ErrorSleep); sleepErr != nil {
				return fmt.Errorf("backfill: error-sleep interrupted: %w", sleepErr)
			}
			return fmt.Errorf("backfill: fetching %s: %w", coin, err)
		}

		pair := market.NewPair(coin, "USD")
		key := market.PairAvgSeriesKey(pair)
		for _, p := range prices {
			mid := p.Mid()
			atMs := p.AtSec * 1000
			if _, err := d.store.Insert(ctx, key, atMs, mid); err != nil {
				return fmt.Errorf("backfill: storing %s@%d: %w", coin, p.AtSec, err)
			}
			indexSums[p.AtSec] += mid
			indexCounts[p.AtSec]++
		}
		d.log.Info().Str("coin", coin).Int("days", len(prices)).Msg("backfill: coin populated")
	}

	indexKey := market.IndexSeriesKey()
	for atSec, sum := range indexSums {
		avg := sum / float64(indexCounts[atSec])
		if _, err := d.store.Insert(ctx, indexKey, atSec*1000, avg); err != nil {
			return fmt.Errorf("backfill: storing index@%d: %w", atSec, err)
		}
	}

	return nil
}
