package aggregate

import (
	"sync"

	"github.com/sawpanic/marketd/internal/market"
)

// Window is a rolling percent-change reference for one (series key,
// interval) pair (spec §3 "Percent-change window", P7). Re-baselines once
// now - reference-at >= interval-sec: the reference snaps to the new value
// and last-pct is recomputed as 100*(new-old)/old. Earlier updates never
// touch the reference.
type Window struct {
	IntervalSec int64

	hasRef  bool
	refVal  float64
	refAtMs int64
	lastPct float64

	subscribers int
}

// Update feeds a new value at atMs into the window. It returns the
// percent-change currently attached to outgoing samples for this interval,
// and whether the reference was just re-baselined.
func (w *Window) Update(value float64, atMs int64) (pct float64, rebaselined bool) {
	if !w.hasRef {
		w.hasRef = true
		w.refVal = value
		w.refAtMs = atMs
		w.lastPct = 0
		return 0, true
	}

	if atMs-w.refAtMs >= w.IntervalSec*1000 {
		old := w.refVal
		w.refVal = value
		w.refAtMs = atMs
		if old != 0 {
			w.lastPct = 100 * (value - old) / old
		} else {
			w.lastPct = 0
		}
		return w.lastPct, true
	}
	return w.lastPct, false
}

// LastPct returns the percent change currently attached to this window
// without feeding a new value.
func (w *Window) LastPct() float64 { return w.lastPct }

// PercentChangeHolder is the single consolidated store of percent-change
// windows (spec §9 "a single percent-change holder"), keyed by (series key,
// interval-sec). Windows are reference-counted by subscriber and removed
// once empty (spec §3).
type PercentChangeHolder struct {
	mu      sync.Mutex
	windows map[market.SeriesKey]map[int64]*Window
}

// NewPercentChangeHolder constructs an empty holder.
func NewPercentChangeHolder() *PercentChangeHolder {
	return &PercentChangeHolder{windows: make(map[market.SeriesKey]map[int64]*Window)}
}

// AddSubscriber registers one more subscriber referencing (key,
// intervalSec), creating the window if it didn't already exist.
func (h *PercentChangeHolder) AddSubscriber(key market.SeriesKey, intervalSec int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byInterval, ok := h.windows[key]
	if !ok {
		byInterval = make(map[int64]*Window)
		h.windows[key] = byInterval
	}
	w, ok := byInterval[intervalSec]
	if !ok {
		w = &Window{IntervalSec: intervalSec}
		byInterval[intervalSec] = w
	}
	w.subscribers++
}

// RemoveSubscriber decrements the reference count for (key, intervalSec)
// and deletes the window once no subscriber references it.
func (h *PercentChangeHolder) RemoveSubscriber(key market.SeriesKey, intervalSec int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byInterval, ok := h.windows[key]
	if !ok {
		return
	}
	w, ok := byInterval[intervalSec]
	if !ok {
		return
	}
	w.subscribers--
	if w.subscribers <= 0 {
		delete(byInterval, intervalSec)
		if len(byInterval) == 0 {
			delete(h.windows, key)
		}
	}
}

// Update feeds a new (key, value, atMs) observation into every window
// registered for that key, returning a map of intervalSec -> current pct
// for windows a dispatcher can attach to outgoing samples.
func (h *PercentChangeHolder) Update(key market.SeriesKey, value float64, atMs int64) map[int64]float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	byInterval, ok := h.windows[key]
	if !ok {
		return nil
	}
	out := make(map[int64]float64, len(byInterval))
	for interval, w := range byInterval {
		pct, _ := w.Update(value, atMs)
		out[interval] = pct
	}
	return out
}

// PctFor returns the last known percent-change for (key, intervalSec)
// without mutating any window, or (0, false) if no such window exists.
func (h *PercentChangeHolder) PctFor(key market.SeriesKey, intervalSec int64) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byInterval, ok := h.windows[key]
	if !ok {
		return 0, false
	}
	w, ok := byInterval[intervalSec]
	if !ok {
		return 0, false
	}
	return w.lastPct, true
}
