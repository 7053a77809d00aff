// Package sweeper implements the retention sweeper (spec §4.9): a
// periodic pass over every persisted series that thins points older than a
// configured retention horizon down to one (the earliest) per minute
// bucket, bounding cold-store growth for long-running deployments while
// still answering historical queries spanning old data, at reduced
// resolution, within a few seconds of wall time.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/marketd/internal/store"
)

const minuteMs = 60_000

// Sweeper runs the retention pass on an interval, against a single Store.
type Sweeper struct {
	store    store.Store
	retainMs int64
	interval time.Duration
	nowMs    func() int64
	log      zerolog.Logger
}

// New constructs a Sweeper. retain is how long a point survives at full
// resolution before being eligible for thinning; interval is how often
// RunForever repeats the pass. nowMs supplies the current time in
// milliseconds (tests substitute a fixed clock).
func New(st store.Store, retain time.Duration, interval time.Duration, nowMs func() int64, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    st,
		retainMs: retain.Milliseconds(),
		interval: interval,
		nowMs:    nowMs,
		log:      log,
	}
}

// RunForever runs SweepOnce every interval until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweeper: pass failed")
			}
		}
	}
}

// SweepOnce thins every series once. For each series, points with
// AtMs <= now-retainMs are grouped into one-minute buckets; within each
// bucket only the earliest point survives (P6), and the rest are removed
// in one DeleteMany batch per series. Points newer than the retention
// horizon are left untouched.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	keys, err := s.store.IterKeys(ctx)
	if err != nil {
		return fmt.Errorf("sweeper: iter_keys: %w", err)
	}

	cutoff := s.nowMs() - s.retainMs
	if cutoff <= 0 {
		return nil
	}

	for _, key := range keys {
		points, err := s.store.ReadRange(ctx, key, 0, cutoff)
		if err != nil {
			return fmt.Errorf("sweeper: read_range for %s: %w", key.Encode(), err)
		}
		if len(points) == 0 {
			continue
		}

		keepBucket := make(map[int64]bool)
		var drop []int64
		for _, p := range points {
			bucket := p.AtMs - (p.AtMs % minuteMs)
			if keepBucket[bucket] {
				drop = append(drop, p.AtMs)
				continue
			}
			keepBucket[bucket] = true
		}

		if len(drop) == 0 {
			continue
		}
		if err := s.store.DeleteMany(ctx, key, drop); err != nil {
			return fmt.Errorf("sweeper: delete_many for %s: %w", key.Encode(), err)
		}
		s.log.Debug().Str("series", key.Encode()).Int("dropped", len(drop)).Msg("sweeper: thinned series")
	}
	return nil
}
