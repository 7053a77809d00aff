// Package store defines the tiered storage capability set (spec §4.1): a
// uniform keyed interface over (series key, timestamp) -> float64, realised
// by two interchangeable backends (package memstore, package sqlitestore).
package store

import (
	"context"
	"errors"

	"github.com/sawpanic/marketd/internal/market"
)

// ErrNotFound is returned by Read when no point exists at the given key/at.
var ErrNotFound = errors.New("store: point not found")

// Point is one persisted (timestamp, value) pair within a series.
type Point struct {
	AtMs  int64
	Value float64
}

// Store is the capability set every backend implements (spec §4.1 / §9
// "Polymorphism over stores"): read, read_range, insert, delete,
// delete_many, iter_keys. No runtime downcast — callers hold a Store value,
// never a concrete backend type.
type Store interface {
	// Read returns the value at exactly (key, at), or ErrNotFound.
	Read(ctx context.Context, key market.SeriesKey, atMs int64) (float64, error)

	// ReadRange returns all points for key with AtMs in [from, to], ordered
	// ascending by AtMs.
	ReadRange(ctx context.Context, key market.SeriesKey, fromMs, toMs int64) ([]Point, error)

	// Insert records (key, at, value). It returns inserted=false without
	// error when the write is silently dropped because it arrived within
	// the per-series minimum gap of the last accepted write for that key
	// (write rate limiting, spec §4.1), or because a point already exists at
	// (key, at), in which case the earlier value is kept.
	Insert(ctx context.Context, key market.SeriesKey, atMs int64, value float64) (inserted bool, err error)

	// Delete removes the point at exactly (key, at), if any.
	Delete(ctx context.Context, key market.SeriesKey, atMs int64) error

	// DeleteMany removes every point at (key, ats[i]) in one batch.
	DeleteMany(ctx context.Context, key market.SeriesKey, atsMs []int64) error

	// IterKeys lists every series key currently known to the backend, for
	// sweeper scans.
	IterKeys(ctx context.Context) ([]market.SeriesKey, error)

	// Close releases any backend resources (file handles, connections).
	Close() error
}
