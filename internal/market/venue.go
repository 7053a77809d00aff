package market

import "sync"

// Venue describes one upstream exchange's capability set (spec §3: "a named
// upstream exchange. Capability set per venue: {ticker, trade, book}
// channels, a symbol-encoding function ... and a decoder"). The
// symbol-encoding function and decoder themselves live in package decoder;
// Venue carries the channel set and the pair-mask table supplementing the
// original's market_spine.rs add_mask_pair/get_masked_value behaviour.
type Venue struct {
	Name     string
	Channels map[Channel]bool

	mu    sync.RWMutex
	masks map[Pair]Pair // canonical pair -> venue-native spelling
}

// NewVenue constructs a Venue supporting the given channels.
func NewVenue(name string, channels ...Channel) *Venue {
	set := make(map[Channel]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &Venue{Name: name, Channels: set, masks: make(map[Pair]Pair)}
}

// SupportsChannel reports whether the venue publishes the given channel.
func (v *Venue) SupportsChannel(c Channel) bool {
	return v.Channels[c]
}

// AddMask registers that this venue spells canonical as native on the wire,
// e.g. a venue that calls "XBT" what the system canonically calls "BTC".
func (v *Venue) AddMask(canonical, native Pair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.masks[canonical] = native
}

// Mask returns the venue-native spelling of a canonical pair, falling back
// to the canonical spelling unchanged when no mask is registered.
func (v *Venue) Mask(canonical Pair) Pair {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if native, ok := v.masks[canonical]; ok {
		return native
	}
	return canonical
}

// Unmask reverses Mask, recovering the canonical pair from a venue-native
// one. Used by decoders translating an inbound wire symbol back to the
// system's canonical pair spelling.
func (v *Venue) Unmask(native Pair) Pair {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for canonical, n := range v.masks {
		if n == native {
			return canonical
		}
	}
	return native
}
