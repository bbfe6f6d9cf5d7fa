package dsseserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vaultmesh/apocm/internal/config"
	"github.com/vaultmesh/apocm/internal/logging"
	"github.com/vaultmesh/apocm/internal/metrics"
	"github.com/vaultmesh/apocm/internal/serverstore"
)

// Run starts a Server against cfg and blocks until ctx is canceled.
// Grounded on the pack's reverse-proxy main (a /metrics promhttp.Handler
// served alongside the primary listener) and the NAS server's cron-backed
// scheduler lifecycle.
func Run(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	store := serverstore.New(cfg.StorageRoot)
	server := New(store, logger, m)

	network, address := "tcp", cfg.ListenAddress
	if after, ok := strings.CutPrefix(cfg.ListenAddress, "unix:"); ok {
		network, address = "unix", after
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("dsseserver: listen: %w", err)
	}
	logger.Info("listening", logging.KeyLocalAddr, ln.Addr().String())

	logHostStatus(logger, cfg.StorageRoot)

	scheduler := NewCompactionScheduler(server)
	if err := scheduler.Start(cfg.CompactionSchedule); err != nil {
		ln.Close()
		return fmt.Errorf("dsseserver: start compaction scheduler: %w", err)
	}
	defer scheduler.Stop()

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.KeyError, err.Error())
			}
		}()
		logger.Info("metrics listening", logging.KeyLocalAddr, cfg.MetricsAddress)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		ln.Close()
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		<-serveErr
		return ctx.Err()
	case err := <-serveErr:
		if metricsSrv != nil {
			metricsSrv.Close()
		}
		return err
	}
}
