// Package memstore implements the hot, in-process backend of the tiered
// store (spec §4.1): a plain in-memory map guarded by a single read/write
// lock, matching the mutex-guarded-map idiom used throughout the teacher's
// exchanges/binance/book.go provider cache.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

type series struct {
	points       []store.Point // kept sorted ascending by AtMs
	lastAccepted int64
	hasAccepted  bool
}

// Store is the in-memory Store backend. Zero value is not usable; use New.
type Store struct {
	mu       sync.RWMutex
	series   map[market.SeriesKey]*series
	minGapMs int64
}

// New constructs an in-memory Store. minGapMs is the per-series write rate
// limit floor (spec §4.1's "min-gap-ms").
func New(minGapMs int64) *Store {
	return &Store{series: make(map[market.SeriesKey]*series), minGapMs: minGapMs}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Read(_ context.Context, key market.SeriesKey, atMs int64) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[key]
	if !ok {
		return 0, store.ErrNotFound
	}
	i := sort.Search(len(ser.points), func(i int) bool { return ser.points[i].AtMs >= atMs })
	if i < len(ser.points) && ser.points[i].AtMs == atMs {
		return ser.points[i].Value, nil
	}
	return 0, store.ErrNotFound
}

func (s *Store) ReadRange(_ context.Context, key market.SeriesKey, fromMs, toMs int64) ([]store.Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ser, ok := s.series[key]
	if !ok {
		return nil, nil
	}
	lo := sort.Search(len(ser.points), func(i int) bool { return ser.points[i].AtMs >= fromMs })
	hi := sort.Search(len(ser.points), func(i int) bool { return ser.points[i].AtMs > toMs })
	out := make([]store.Point, hi-lo)
	copy(out, ser.points[lo:hi])
	return out, nil
}

func (s *Store) Insert(_ context.Context, key market.SeriesKey, atMs int64, value float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		ser = &series{}
		s.series[key] = ser
	}

	if ser.hasAccepted && atMs-ser.lastAccepted < s.minGapMs {
		return false, nil
	}

	i := sort.Search(len(ser.points), func(i int) bool { return ser.points[i].AtMs >= atMs })
	if i < len(ser.points) && ser.points[i].AtMs == atMs {
		// Invariant: strictly increasing AtMs per key (spec §3). A
		// duplicate timestamp is dropped, keeping the earlier value.
		return false, nil
	}
	ser.points = append(ser.points, store.Point{})
	copy(ser.points[i+1:], ser.points[i:])
	ser.points[i] = store.Point{AtMs: atMs, Value: value}
	ser.lastAccepted = atMs
	ser.hasAccepted = true
	return true, nil
}

func (s *Store) Delete(_ context.Context, key market.SeriesKey, atMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		return nil
	}
	i := sort.Search(len(ser.points), func(i int) bool { return ser.points[i].AtMs >= atMs })
	if i < len(ser.points) && ser.points[i].AtMs == atMs {
		ser.points = append(ser.points[:i], ser.points[i+1:]...)
	}
	return nil
}

func (s *Store) DeleteMany(_ context.Context, key market.SeriesKey, atsMs []int64) error {
	if len(atsMs) == 0 {
		return nil
	}
	drop := make(map[int64]bool, len(atsMs))
	for _, at := range atsMs {
		drop[at] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.series[key]
	if !ok {
		return nil
	}
	kept := ser.points[:0]
	for _, p := range ser.points {
		if !drop[p.AtMs] {
			kept = append(kept, p)
		}
	}
	ser.points = kept
	return nil
}

func (s *Store) IterKeys(_ context.Context) ([]market.SeriesKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]market.SeriesKey, 0, len(s.series))
	for k := range s.series {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) Close() error { return nil }
