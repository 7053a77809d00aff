// Package jsonrpc implements the client-facing JSON-RPC 2.0 over WebSocket
// front end (spec §4.7, §6): request parsing/validation/routing, subscribe
// installation into the subscription registry, and one-shot historical /
// available_coins queries against the store and aggregation engine.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/marketd/internal/aggregate"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/registry"
	"github.com/sawpanic/marketd/internal/store"
	"github.com/sawpanic/marketd/internal/timeutil"
)

// CandleEngine is the subset of *aggregate.Engine the front end needs for
// one-shot candle queries and percent-change window membership.
type CandleEngine interface {
	Candles(ctx context.Context, key market.SeriesKey, intervalSec, fromMs, toMs int64) ([]aggregate.Candle, error)
	PercentChangeHolder() *aggregate.PercentChangeHolder
}

// Server is the JSON-RPC front end (spec §4.7). Construct with NewServer
// and mount Handler() on an HTTP mux.
type Server struct {
	reg          *registry.Registry
	store        store.Store
	engine       CandleEngine
	clock        timeutil.Clock
	upgrader     websocket.Upgrader
	coins        map[string]bool
	venues       map[string]bool
	minFrequency int64
	log          zerolog.Logger
}

// Config parameterises one Server.
type Config struct {
	Coins          []string // configured coins (spec §6 market config)
	Venues         []string // configured exchanges
	MinFrequencyMs int64    // ws_answer_timeout_ms (spec §6)
}

// NewServer constructs a Server. Subscription removal (resubscribe,
// unsubscribe, disconnect, send failure) drops the matching percent-change
// window membership (spec §4.5).
func NewServer(cfg Config, st store.Store, engine CandleEngine, clock timeutil.Clock, log zerolog.Logger) *Server {
	s := &Server{
		store:        st,
		engine:       engine,
		clock:        clock,
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		coins:        toSet(cfg.Coins),
		venues:       toSet(cfg.Venues),
		minFrequency: cfg.MinFrequencyMs,
		log:          log,
	}
	s.reg = registry.New(cfg.MinFrequencyMs, s.onSubscriptionRemoved)
	return s
}

// Registry exposes the installed subscription registry, e.g. for the
// dispatcher to attach to.
func (s *Server) Registry() *registry.Registry { return s.reg }

func toSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

// onSubscriptionRemoved drops this subscription's percent-change window
// memberships (spec §4.5 "disconnect ... drops its percent-change
// memberships"; P1 applies the same cleanup on resubscribe replacement).
func (s *Server) onSubscriptionRemoved(sub registry.Subscription) {
	if sub.PercentChangeIntervalSec <= 0 {
		return
	}
	for _, key := range subscriptionSeriesKeys(sub.Method, coinList(sub.Coins), coinList(sub.Venues)) {
		s.engine.PercentChangeHolder().RemoveSubscriber(key, sub.PercentChangeIntervalSec)
	}
}

func coinList(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Handler upgrades inbound HTTP requests to WebSocket connections and runs
// each connection's JSON-RPC request loop (spec §6 "ws_host, ws_port").
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Msg("jsonrpc: upgrade failed")
			return
		}
		s.serveConn(r.Context(), conn)
	}
}

// serveConn drives one client connection until its socket closes (spec §7:
// "Client socket write failure - treat as disconnect").
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	sender := newWSSender(conn)
	log := s.log.With().Str("conn", connID).Logger()
	defer func() {
		removed := s.reg.Disconnect(connID)
		sender.Close()
		log.Info().Int("removed_subscriptions", len(removed)).Msg("jsonrpc: connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("jsonrpc: read failed")
			return
		}
		resp := s.handleMessage(ctx, connID, sender, data)
		if resp == nil {
			continue
		}
		payload, err := json.Marshal(resp)
		if err != nil {
			log.Error().Err(err).Msg("jsonrpc: marshal response failed")
			continue
		}
		if err := sender.Send(payload); err != nil {
			log.Debug().Err(err).Msg("jsonrpc: response send failed")
			return
		}
	}
}

// handleMessage parses and routes one inbound frame, returning the message
// to write back to the client, or nil when the method has already written
// its own reply (a successful subscribe, whose ack is sent by the registry
// before the subscription is installed).
func (s *Server) handleMessage(ctx context.Context, connID string, sender *wsSender, data []byte) any {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return newError(nil, CodeParseError, fmt.Sprintf("parse error: %v", err))
	}
	if req.Method == "" {
		return newError(req.ID, CodeInvalidRequest, "missing method")
	}

	switch req.Method {
	case "available_coins":
		return resultMessage{ID: req.ID, JSONRPC: "2.0", Result: coinList(s.coins)}

	case "unsubscribe":
		return s.handleUnsubscribe(connID, req)

	case "index_price", "coin_average_price", "coin_exchange_price", "coin_exchange_volume",
		"index_price_candles", "coin_average_price_candles":
		return s.handleSubscribe(connID, sender, req)

	default:
		if isHistoricalMethod(req.Method) {
			return s.handleHistorical(ctx, req)
		}
		return newError(req.ID, CodeMethodNotFound, fmt.Sprintf("unrecognised method %q", req.Method))
	}
}

func isHistoricalMethod(method string) bool {
	return len(method) > len("_historical") && method[len(method)-len("_historical"):] == "_historical"
}
