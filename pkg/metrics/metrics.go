// Package metrics exposes the read-only diagnostic counters spec.md §7
// calls for (bytes/packets/drops, lost-push count, ring occupancy) as a
// Prometheus scrape target plus a liveness probe (SPEC_FULL.md §3
// "Diagnostics HTTP endpoint"). Grounded on runZeroInc-sockstats's
// exporter: promauto-registered gauges/counters served by promhttp.Handler
// on a plain net/http server (pkg/exporter, cmd/exporter_example1).
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge this service exports. No mutating
// routes are served alongside them (SPEC_FULL.md §3: the diagnostics
// surface stays read-only, unlike the network-control API spec.md's
// Non-goals exclude).
type Metrics struct {
	BytesTotal   prometheus.Counter
	PacketsTotal prometheus.Counter
	DropsTotal   prometheus.Counter

	RingOccupancy *prometheus.GaugeVec
	RingDropped   *prometheus.GaugeVec

	DoubleBufferLostPushes *prometheus.GaugeVec

	ConsumerProcessed *prometheus.GaugeVec
	ConsumerMalformed *prometheus.GaugeVec

	server *http.Server
}

// New registers every metric against its own registry, so multiple
// Metrics instances (e.g. in tests) never collide on prometheus's default
// global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		BytesTotal:   factory.NewCounter(prometheus.CounterOpts{Name: "tpmdaq_receiver_bytes_total"}),
		PacketsTotal: factory.NewCounter(prometheus.CounterOpts{Name: "tpmdaq_receiver_packets_total"}),
		DropsTotal:   factory.NewCounter(prometheus.CounterOpts{Name: "tpmdaq_receiver_drops_total"}),
		RingOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpmdaq_ring_occupancy",
		}, []string{"consumer"}),
		RingDropped: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpmdaq_ring_dropped_total",
		}, []string{"consumer"}),
		DoubleBufferLostPushes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpmdaq_doublebuffer_lost_pushes_total",
		}, []string{"consumer"}),
		ConsumerProcessed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpmdaq_consumer_processed_total",
		}, []string{"consumer"}),
		ConsumerMalformed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tpmdaq_consumer_malformed_total",
		}, []string{"consumer"}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	m.server = &http.Server{Handler: mux}
	return m
}

// Serve starts the HTTP endpoint on addr. It blocks until the server stops
// or ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	m.server.Addr = addr
	errc := make(chan error, 1)
	go func() { errc <- m.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return m.server.Shutdown(context.Background())
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
