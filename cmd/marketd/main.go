package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketd/internal/aggregate"
	"github.com/sawpanic/marketd/internal/backfill"
	"github.com/sawpanic/marketd/internal/config"
	"github.com/sawpanic/marketd/internal/connector"
	"github.com/sawpanic/marketd/internal/decoder"
	"github.com/sawpanic/marketd/internal/dispatch"
	"github.com/sawpanic/marketd/internal/jsonrpc"
	"github.com/sawpanic/marketd/internal/market"
	"github.com/sawpanic/marketd/internal/metrics"
	"github.com/sawpanic/marketd/internal/store"
	"github.com/sawpanic/marketd/internal/store/memstore"
	"github.com/sawpanic/marketd/internal/store/sqlitestore"
	"github.com/sawpanic/marketd/internal/sweeper"
	"github.com/sawpanic/marketd/internal/timeutil"
)

const appName = "marketd"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var serviceConfigPath string
	var marketConfigPath string
	var fillHistoricalTimestamp string

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "JSON-RPC market-data aggregator and fan-out service",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fillHistoricalTimestamp != "" {
				if len(args) != 1 {
					return fmt.Errorf("--fill_historical requires exactly one <coins> argument")
				}
				return runFillHistorical(serviceConfigPath, marketConfigPath, fillHistoricalTimestamp, args[0])
			}
			return runServe(serviceConfigPath, marketConfigPath)
		},
	}

	rootCmd.Flags().StringVar(&serviceConfigPath, "service_config", "", "service configuration file (required)")
	rootCmd.Flags().StringVar(&marketConfigPath, "market_config", "", "market configuration file (required)")
	rootCmd.Flags().StringVar(&fillHistoricalTimestamp, "fill_historical", "", "run a one-shot historical back-fill: from[,to] seconds-since-epoch")
	_ = rootCmd.MarkFlagRequired("service_config")
	_ = rootCmd.MarkFlagRequired("market_config")

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("marketd: fatal")
		os.Exit(1)
	}
}

func setLogLevel(levelName string) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(svc *config.ServiceConfig) (store.Store, string, error) {
	backend := strings.ToLower(svc.Storage)
	switch backend {
	case "", "none", "disabled", "memory":
		return memstore.New(0), "memstore", nil
	case "sqlite":
		st, err := sqlitestore.Open("marketd.db", time.Duration(svc.RestTimeoutSec)*time.Second, 0)
		if err != nil {
			return nil, "", fmt.Errorf("marketd: open sqlite store: %w", err)
		}
		return st, "sqlitestore", nil
	default:
		return nil, "", fmt.Errorf("marketd: unrecognised storage backend %q", svc.Storage)
	}
}

// buildDecoders constructs the decoder registry and the per-venue socket
// endpoints (spec §4.2, §4.3); runServe builds one connector per (venue,
// pair, channel) tuple from them. Each venue's canonical-to-native pair mask and socket URL are
// fixed deployment facts, not configuration, matching the teacher's own
// exchange-adapter wiring in cmd/cryptorun/main.go.
func buildDecoders(mkt *config.MarketConfig) (*decoder.Registry, map[string]connectorEndpoint, error) {
	binanceVenue := market.NewVenue("binance", market.ChannelTicker, market.ChannelTrades, market.ChannelBook)
	krakenVenue := market.NewVenue("kraken", market.ChannelTicker, market.ChannelTrades, market.ChannelBook)
	coinbaseVenue := market.NewVenue("coinbase", market.ChannelTicker, market.ChannelTrades, market.ChannelBook)
	okcoinVenue := market.NewVenue("okcoin", market.ChannelTicker, market.ChannelTrades, market.ChannelBook)
	poloniexVenue := market.NewVenue("poloniex", market.ChannelTicker, market.ChannelTrades)

	krakenVenue.AddMask(market.NewPair("BTC", "USD"), market.NewPair("XBT", "USD"))

	reg := decoder.NewRegistry(
		decoder.NewBinance(binanceVenue),
		decoder.NewKraken(krakenVenue),
		decoder.NewCoinbase(coinbaseVenue),
		decoder.NewOkcoin(okcoinVenue),
		decoder.NewPoloniex(poloniexVenue),
	)

	endpoints := map[string]connectorEndpoint{
		"binance":  {url: "wss://stream.binance.com:9443/ws", envelope: connector.EnvelopeText},
		"kraken":   {url: "wss://ws.kraken.com", envelope: connector.EnvelopeText},
		"coinbase": {url: "wss://ws-feed.exchange.coinbase.com", envelope: connector.EnvelopeText},
		"okcoin":   {url: "wss://real.okcoin.com:8443/ws/v3", envelope: connector.EnvelopeDeflate},
		"poloniex": {url: "wss://ws.poloniex.com/ws/public", envelope: connector.EnvelopeText},
	}

	for _, venue := range mkt.Exchanges {
		if _, err := reg.Get(strings.ToLower(venue)); err != nil {
			return nil, nil, fmt.Errorf("marketd: market config names unsupported exchange %q: %w", venue, err)
		}
	}
	return reg, endpoints, nil
}

type connectorEndpoint struct {
	url      string
	envelope connector.Envelope
}

func runServe(serviceConfigPath, marketConfigPath string) error {
	svc, err := config.LoadServiceConfig(serviceConfigPath)
	if err != nil {
		return err
	}
	mkt, err := config.LoadMarketConfig(marketConfigPath)
	if err != nil {
		return err
	}
	setLogLevel(svc.LogLevel)

	baseStore, backendName, err := openStore(svc)
	if err != nil {
		return err
	}
	defer baseStore.Close()

	metricsReg := metrics.NewRegistry()
	st := metrics.Instrument(baseStore, backendName, metricsReg)

	decoders, endpoints, err := buildDecoders(mkt)
	if err != nil {
		return err
	}

	var indexPairs []market.Pair
	for _, coin := range mkt.Coins {
		indexPairs = append(indexPairs, market.NewPair(coin, "USD"))
	}

	clock := timeutil.RealClock{}

	var dispatcher *dispatch.Dispatcher
	engine := aggregate.NewEngine(st, indexPairs, func(s aggregate.AggregateSample) {
		dispatcher.HandleSample(context.Background(), s)
	}, log.Logger)

	jsonrpcSrv := jsonrpc.NewServer(jsonrpc.Config{
		Coins:          mkt.Coins,
		Venues:         mkt.Exchanges,
		MinFrequencyMs: svc.WSAnswerTimeoutMs,
	}, st, engine, clock, log.Logger)

	dispatcher = dispatch.New(jsonrpcSrv.Registry(), engine, log.Logger)
	dispatcher.SetMetrics(metricsReg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	for _, venueName := range mkt.Exchanges {
		venue := strings.ToLower(venueName)
		dec, err := decoders.Get(venue)
		if err != nil {
			return err
		}
		endpoint, ok := endpoints[venue]
		if !ok {
			return fmt.Errorf("marketd: no connector endpoint registered for %q", venue)
		}
		for _, coin := range mkt.Coins {
			pair := market.NewPair(coin, "USD")
			for _, chName := range mkt.Channels {
				channel, err := market.ParseChannel(chName)
				if err != nil {
					return err
				}
				symbol := dec.SymbolEncode(pair)
				conn := connector.New(connector.Config{
					Venue:    venue,
					Pair:     pair,
					Channel:  channel,
					URL:      endpoint.url,
					Envelope: endpoint.envelope,
				}, connector.NewWebsocketDialer(), dec, symbol, func(ctx context.Context, s market.Sample) error {
					return engine.Ingest(ctx, s)
				}, clock, log.Logger)
				conn.SetMetrics(metricsReg)

				wg.Add(1)
				go func() {
					defer wg.Done()
					conn.Run(ctx)
				}()
			}
		}
	}

	sweep := sweeper.New(st, time.Duration(svc.RetainSec)*time.Second, time.Duration(svc.SweepIntervalSec)*time.Second, clock.NowMs, log.Logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweep.RunForever(ctx)
	}()

	var httpServer *http.Server
	if svc.WS {
		mux := http.NewServeMux()
		mux.Handle("/", jsonrpcSrv.Handler())
		if svc.Metrics {
			mux.Handle("/metrics", metricsReg.Handler())
		}
		httpServer = &http.Server{Addr: svc.WSAddr(), Handler: mux}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", svc.WSAddr()).Msg("marketd: ws listener starting")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("marketd: ws listener failed")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("marketd: shutdown signal received, draining")
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	wg.Wait()
	return nil
}

func runFillHistorical(serviceConfigPath, marketConfigPath, timestampArg, coinsArg string) error {
	svc, err := config.LoadServiceConfig(serviceConfigPath)
	if err != nil {
		return err
	}
	if _, err := config.LoadMarketConfig(marketConfigPath); err != nil {
		return err
	}
	setLogLevel(svc.LogLevel)

	fromSec, toSec, err := parseFillHistoricalTimestamp(timestampArg)
	if err != nil {
		return err
	}
	coins := parseCoinsArg(coinsArg)
	if len(coins) == 0 {
		return fmt.Errorf("marketd: --fill_historical requires at least one coin")
	}

	baseStore, backendName, err := openStore(svc)
	if err != nil {
		return err
	}
	defer baseStore.Close()

	metricsReg := metrics.NewRegistry()
	st := metrics.Instrument(baseStore, backendName, metricsReg)

	source := backfill.NewCoinGeckoSource(nil)
	driver := backfill.New(st, source, nil, log.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := driver.Run(ctx, coins, fromSec, toSec); err != nil {
		return fmt.Errorf("marketd: historical back-fill failed: %w", err)
	}
	log.Info().Strs("coins", coins).Msg("marketd: historical back-fill complete")
	return nil
}

// parseFillHistoricalTimestamp parses the "from[,to]" seconds-since-epoch
// form the --fill_historical flag takes (spec §6); to defaults to now.
func parseFillHistoricalTimestamp(raw string) (fromSec, toSec int64, err error) {
	parts := strings.SplitN(raw, ",", 2)
	fromSec, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("marketd: invalid --fill_historical from timestamp %q: %w", parts[0], err)
	}
	if len(parts) == 2 {
		toSec, err = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("marketd: invalid --fill_historical to timestamp %q: %w", parts[1], err)
		}
	} else {
		toSec = timeutil.ToSeconds(time.Now())
	}
	return fromSec, toSec, nil
}

func parseCoinsArg(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
