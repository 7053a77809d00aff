package aggregate

import "github.com/sawpanic/marketd/internal/store"

// Candle is an OHLC+avg aggregate over one bucket of a series (spec §3).
type Candle struct {
	Open  float64
	Close float64
	Min   float64
	Max   float64
	Avg   float64
	AtMs  int64 // the bucket's closing sample timestamp
}

// ComputeCandles buckets points (already ordered ascending by AtMs, as
// Store.ReadRange guarantees) using a running boundary, grounded on the
// original's candles.rs: the first bucket's boundary is its first point's
// timestamp plus bucketSize. Points before the boundary join the open
// bucket; once a point lands on or past the boundary, the open bucket
// closes (emitting one Candle), a new bucket opens with that point as its
// first member, and the boundary advances by one more bucketSize (spec
// §4.4, P5). bucketSize is expressed in the same unit as the points' AtMs
// field; callers operating on millisecond store data pass intervalSec*1000.
func ComputeCandles(points []store.Point, bucketSize int64) []Candle {
	if bucketSize <= 0 || len(points) == 0 {
		return nil
	}

	var candles []Candle
	var bucket []store.Point
	boundary := points[0].AtMs + bucketSize

	for _, p := range points {
		if len(bucket) > 0 && p.AtMs >= boundary {
			candles = append(candles, bucketToCandle(bucket))
			bucket = nil
			boundary += bucketSize
		}
		bucket = append(bucket, p)
	}
	if len(bucket) > 0 {
		candles = append(candles, bucketToCandle(bucket))
	}

	return candles
}

func bucketToCandle(points []store.Point) Candle {
	c := Candle{
		Open:  points[0].Value,
		Close: points[len(points)-1].Value,
		Min:   points[0].Value,
		Max:   points[0].Value,
		AtMs:  points[len(points)-1].AtMs,
	}
	var sum float64
	for _, p := range points {
		sum += p.Value
		if p.Value < c.Min {
			c.Min = p.Value
		}
		if p.Value > c.Max {
			c.Max = p.Value
		}
	}
	c.Avg = sum / float64(len(points))
	return c
}
