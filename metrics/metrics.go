// Package metrics exposes the daemon's counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BusTransfers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bwrelay_bus_transfers_total",
		Help: "SPI frames sent to the relay card.",
	})
	BusErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bwrelay_bus_transfer_errors_total",
		Help: "SPI transfers that failed.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bwrelay_commands_total",
		Help: "Commands received by the daemon, by kind.",
	}, []string{"kind"})
	RelayState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bwrelay_relay_on",
		Help: "1 if the relay is switched on.",
	}, []string{"relay"})
)

// ObserveState publishes the packed relay state as one gauge per relay.
func ObserveState(channels int, bits uint8) {
	for i := 0; i < channels; i++ {
		v := 0.0
		if bits&(1<<uint(i)) != 0 {
			v = 1
		}
		RelayState.WithLabelValues(strconv.Itoa(i)).Set(v)
	}
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
}

func NewServer(listen string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run blocks until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		slog.Info("Serving metrics", "listen", s.srv.Addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
