// Package decoder implements the venue decoder capability set (spec §4.2,
// §9 "Polymorphism over venues"): one instance per supported exchange, each
// exposing {symbol-encode, subscribe-frame, decode} as pure functions. The
// supervisor (package connector) performs envelope decompression and feeds
// decoded bytes to these decoders; decoders never touch a socket.
package decoder

import (
	"fmt"
	"time"

	"github.com/sawpanic/marketd/internal/market"
)

// Ping is reported by Decode when an inbound frame is a venue heartbeat
// rather than market data (spec §4.2). Pong is the verbatim (or
// venue-shaped) reply the supervisor must write back on the same socket.
type Ping struct {
	Pong []byte
}

// Result is the outcome of decoding one inbound frame: zero or more
// normalised samples (batched trade updates can yield many; handshake or
// heartbeat frames yield zero), or a Ping.
type Result struct {
	Samples []market.Sample
	Ping    *Ping
}

// Quirk describes a venue-specific idiosyncrasy the connector supervisor
// must accommodate beyond the generic state machine (spec §4.3: "the Okcoin
// venue decoder requires the subscribe frame to be re-sent ~3s after a
// successful deflate payload"), generalised here so any venue can register
// one instead of special-casing Okcoin in the supervisor.
type Quirk struct {
	// ResendSubscribeAfter is non-zero when the decoder wants its subscribe
	// frame re-sent once per connection. The connector starts this timer when
	// it writes the initial subscribe frame, not when the first payload is
	// decoded.
	ResendSubscribeAfter time.Duration
}

// Decoder is the per-venue capability set (spec §4.2, §9).
type Decoder interface {
	// Venue is the canonical venue name this decoder serves.
	Venue() string

	// SymbolEncode maps a canonical pair to this venue's wire symbol,
	// consulting the venue's mask table (market.Venue.Mask) where relevant.
	SymbolEncode(pair market.Pair) string

	// SubscribeFrame builds the outbound bytes to subscribe to one
	// (symbol, channel) pair on this venue's socket.
	SubscribeFrame(symbol string, channel market.Channel) ([]byte, error)

	// Decode turns one already-decompressed inbound frame into normalised
	// samples or a ping. AtMs is the monotonic receipt timestamp the
	// decoder should stamp onto emitted samples when the venue payload
	// carries no usable timestamp of its own.
	Decode(frame []byte, atMs int64) (Result, error)

	// Quirk reports this decoder's connector-supervisor idiosyncrasies, if
	// any. The zero Quirk means none.
	Quirk() Quirk
}

// Registry maps venue name -> Decoder, matching the "tagged variant/trait
// realised as a registered instance set" pattern of spec §9.
type Registry struct {
	decoders map[string]Decoder
}

// NewRegistry builds a Registry from the given decoders, keyed by their own
// Venue() name.
func NewRegistry(decoders ...Decoder) *Registry {
	r := &Registry{decoders: make(map[string]Decoder, len(decoders))}
	for _, d := range decoders {
		r.decoders[d.Venue()] = d
	}
	return r
}

// Get returns the decoder registered for venue, or an error if none is.
func (r *Registry) Get(venue string) (Decoder, error) {
	d, ok := r.decoders[venue]
	if !ok {
		return nil, fmt.Errorf("decoder: no decoder registered for venue %q", venue)
	}
	return d, nil
}

// Venues lists every registered venue name.
func (r *Registry) Venues() []string {
	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	return names
}
