// Package metrics wires connector, store, and dispatcher operational
// counters into Prometheus (spec's ambient observability surface),
// following the MetricsRegistry-struct-plus-MustRegister idiom of the
// teacher's internal/interfaces/http/metrics.go.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this service exposes at /metrics.
type Registry struct {
	ConnectorState      *prometheus.GaugeVec
	ConnectorReconnects *prometheus.CounterVec
	ConnectorDecodeErrs *prometheus.CounterVec

	StoreInserts       *prometheus.CounterVec
	StoreWriteDropped  *prometheus.CounterVec
	StoreReads         *prometheus.CounterVec

	DispatchSent    *prometheus.CounterVec
	DispatchDropped *prometheus.CounterVec
}

// NewRegistry builds and registers every metric with the default Prometheus
// registerer.
func NewRegistry() *Registry {
	r := &Registry{
		ConnectorState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketd_connector_state",
				Help: "Current connector supervisor state (0=idle,1=connecting,2=open,3=streaming,4=closed,5=error)",
			},
			[]string{"venue", "pair", "channel"},
		),
		ConnectorReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_connector_reconnects_total",
				Help: "Total number of connector reconnect attempts by venue/pair/channel",
			},
			[]string{"venue", "pair", "channel"},
		),
		ConnectorDecodeErrs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_connector_decode_errors_total",
				Help: "Total number of frames dropped due to decode errors",
			},
			[]string{"venue", "pair", "channel"},
		),
		StoreInserts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_store_inserts_total",
				Help: "Total number of accepted store inserts by backend",
			},
			[]string{"backend"},
		),
		StoreWriteDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_store_write_dropped_total",
				Help: "Total number of writes dropped by per-series write rate limiting or as duplicate timestamps",
			},
			[]string{"backend"},
		),
		StoreReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_store_reads_total",
				Help: "Total number of store reads (Read + ReadRange) by backend",
			},
			[]string{"backend"},
		),
		DispatchSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_dispatch_sent_total",
				Help: "Total number of messages dispatched to subscribers by method",
			},
			[]string{"method"},
		),
		DispatchDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketd_dispatch_dropped_total",
				Help: "Total number of dispatch attempts dropped, by method and reason",
			},
			[]string{"method", "reason"},
		),
	}

	prometheus.MustRegister(
		r.ConnectorState,
		r.ConnectorReconnects,
		r.ConnectorDecodeErrs,
		r.StoreInserts,
		r.StoreWriteDropped,
		r.StoreReads,
		r.DispatchSent,
		r.DispatchDropped,
	)
	return r
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
