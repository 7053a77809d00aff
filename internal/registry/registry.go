// Package registry implements the subscription registry (spec §4.5): a
// mapping (connection-id, method) -> subscription, with per-subscription
// rate-limited senders.
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultMinFrequencyMs is the floor applied to every subscription's
// frequency-ms (spec §6 "ws_answer_timeout_ms (>=100) - minimum
// per-subscription dispatch gap").
const DefaultMinFrequencyMs = 100

// Sender delivers one already-serialised message to a client. Send failures
// are treated as a disconnect (spec §4.6, §7): the registry removes the
// subscription and the caller must stop referencing it.
type Sender interface {
	Send(payload []byte) error
}

// Key identifies one subscription slot (spec §3: "at most one active
// subscription per (connection-id, method)").
type Key struct {
	ConnID string
	Method string
}

// Subscription is one installed client request (spec §3).
type Subscription struct {
	ConnID                   string
	SubID                    any // the JSON-RPC request id, echoed back on every dispatch
	Method                   string
	Coins                    map[string]bool // empty/nil: no coin filter (e.g. index_price)
	Venues                   map[string]bool // empty/nil: no venue filter
	FrequencyMs              int64
	PercentChangeIntervalSec int64 // 0: none requested
	CandleIntervalSec        int64 // 0: none requested
}

// MatchesCoin reports whether this subscription's coin filter (if any)
// includes coin.
func (s Subscription) MatchesCoin(coin string) bool {
	if len(s.Coins) == 0 {
		return true
	}
	return s.Coins[coin]
}

// MatchesVenue reports whether this subscription's venue filter (if any)
// includes venue, compared case-insensitively: configured exchange names are
// upper-case while decoders stamp lower-case venue names on samples.
func (s Subscription) MatchesVenue(venue string) bool {
	if len(s.Venues) == 0 {
		return true
	}
	for v := range s.Venues {
		if strings.EqualFold(v, venue) {
			return true
		}
	}
	return false
}

type entry struct {
	sub            Subscription
	sender         Sender
	lastDispatchMs int64
	hasDispatched  bool
}

// Registry is the subscription registry (spec §4.5). Construct with New.
type Registry struct {
	mu             sync.RWMutex
	subs           map[Key]*entry
	minFrequencyMs int64
	onRemove       func(Subscription)
}

// New constructs an empty Registry. onRemove, if non-nil, is called whenever
// a subscription is removed (resubscribe replacement, explicit unsubscribe,
// disconnect, or send failure) so an owner can drop percent-change window
// memberships (spec §4.5 "disconnect ... drops its percent-change
// memberships").
func New(minFrequencyMs int64, onRemove func(Subscription)) *Registry {
	if minFrequencyMs <= 0 {
		minFrequencyMs = DefaultMinFrequencyMs
	}
	return &Registry{
		subs:           make(map[Key]*entry),
		minFrequencyMs: minFrequencyMs,
		onRemove:       onRemove,
	}
}

// Subscribe installs sub, replacing any existing entry for the same
// (connection-id, method) key (spec §4.5). ack is invoked before the
// registry is mutated; if it fails, the entry is not installed (and any
// prior entry for the key is left untouched).
func (r *Registry) Subscribe(sub Subscription, sender Sender, ack func() error) error {
	if sub.FrequencyMs < r.minFrequencyMs {
		sub.FrequencyMs = r.minFrequencyMs
	}

	if err := ack(); err != nil {
		return fmt.Errorf("registry: subscribe acknowledgement failed, not installed: %w", err)
	}

	key := Key{ConnID: sub.ConnID, Method: sub.Method}

	r.mu.Lock()
	old, hadOld := r.subs[key]
	r.subs[key] = &entry{sub: sub, sender: sender}
	r.mu.Unlock()

	if hadOld && r.onRemove != nil {
		r.onRemove(old.sub)
	}
	return nil
}

// Unsubscribe removes the (connID, method) entry, if any.
func (r *Registry) Unsubscribe(connID, method string) (Subscription, bool) {
	key := Key{ConnID: connID, Method: method}

	r.mu.Lock()
	e, ok := r.subs[key]
	if ok {
		delete(r.subs, key)
	}
	r.mu.Unlock()

	if !ok {
		return Subscription{}, false
	}
	if r.onRemove != nil {
		r.onRemove(e.sub)
	}
	return e.sub, true
}

// Disconnect removes every subscription owned by connID (spec §4.5).
func (r *Registry) Disconnect(connID string) []Subscription {
	r.mu.Lock()
	var removed []Subscription
	for key, e := range r.subs {
		if key.ConnID == connID {
			removed = append(removed, e.sub)
			delete(r.subs, key)
		}
	}
	r.mu.Unlock()

	if r.onRemove != nil {
		for _, sub := range removed {
			r.onRemove(sub)
		}
	}
	return removed
}

// Snapshot returns a point-in-time copy of every subscription whose Method
// equals method, for the dispatcher to filter by coin/venue.
func (r *Registry) Snapshot(method string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Subscription
	for key, e := range r.subs {
		if key.Method == method {
			out = append(out, e.sub)
		}
	}
	return out
}

// Dispatch attempts to deliver one message to the subscription at key. It
// enforces the strict rate ceiling (spec §4.5: delivered only if
// `sample.at - last-dispatch > frequency-ms`) and, on the sender's write
// failure, removes the subscription (treated as a disconnect, spec §7).
// build is called at most once, only once the rate check has passed.
func (r *Registry) Dispatch(key Key, atMs int64, build func() ([]byte, error)) (sent bool, err error) {
	r.mu.RLock()
	e, ok := r.subs[key]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	if e.hasDispatched && atMs-e.lastDispatchMs <= e.sub.FrequencyMs {
		r.mu.Unlock()
		return false, nil
	}
	r.mu.Unlock()

	payload, err := build()
	if err != nil {
		return false, fmt.Errorf("registry: build payload: %w", err)
	}

	if sendErr := e.sender.Send(payload); sendErr != nil {
		r.mu.Lock()
		delete(r.subs, key)
		r.mu.Unlock()
		if r.onRemove != nil {
			r.onRemove(e.sub)
		}
		return false, fmt.Errorf("registry: send failed, subscription removed: %w", sendErr)
	}

	r.mu.Lock()
	e.lastDispatchMs = atMs
	e.hasDispatched = true
	r.mu.Unlock()
	return true, nil
}

// Get returns the subscription at key, if any, without side effects.
func (r *Registry) Get(key Key) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.subs[key]
	if !ok {
		return Subscription{}, false
	}
	return e.sub, true
}
