package metrics

import (
	"context"

	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/store"
)

// InstrumentedStore wraps a store.Store, counting inserts, dropped writes
// (rate-limited or duplicate-timestamp), and reads against a Registry without
// changing either backend's behaviour.
type InstrumentedStore struct {
	store.Store
	backend string
	reg     *Registry
}

// Instrument wraps st, labelling its metrics with backend (e.g. "memstore",
// "sqlitestore").
func Instrument(st store.Store, backend string, reg *Registry) store.Store {
	return &InstrumentedStore{Store: st, backend: backend, reg: reg}
}

func (s *InstrumentedStore) Read(ctx context.Context, key market.SeriesKey, atMs int64) (float64, error) {
	s.reg.StoreReads.WithLabelValues(s.backend).Inc()
	return s.Store.Read(ctx, key, atMs)
}

func (s *InstrumentedStore) ReadRange(ctx context.Context, key market.SeriesKey, fromMs, toMs int64) ([]store.Point, error) {
	s.reg.StoreReads.WithLabelValues(s.backend).Inc()
	return s.Store.ReadRange(ctx, key, fromMs, toMs)
}

func (s *InstrumentedStore) Insert(ctx context.Context, key market.SeriesKey, atMs int64, value float64) (bool, error) {
	inserted, err := s.Store.Insert(ctx, key, atMs, value)
	if err != nil {
		return inserted, err
	}
	if inserted {
		s.reg.StoreInserts.WithLabelValues(s.backend).Inc()
	} else {
		s.reg.StoreWriteDropped.WithLabelValues(s.backend).Inc()
	}
	return inserted, err
}
