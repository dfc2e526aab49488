package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xPuncker/fleetcron/internal/config"
	"github.com/0xPuncker/fleetcron/internal/delivery"
	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics", "", "address to expose /metrics on, empty disables")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	promRegistry := prometheus.NewRegistry()

	handlers := delivery.NewRegistry()
	delivery.RegisterBuiltins(handlers)

	server := delivery.NewServer(handlers, delivery.ServerConfig{
		Count:   cfg.Worker.Count,
		Codec:   delivery.GetCodec(cfg.Worker.Codec),
		Metrics: metrics.NewRegistry(promRegistry),
	}, logger)

	if _, err := server.Listen(cfg.Worker.Listen); err != nil {
		logger.Fatalf("Failed to start worker pool: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	if *metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, *metricsAddr, promRegistry, logger)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatalf("Worker pool exited: %v", err)
	}
	logger.Info("Worker pool stopped")
}

func serveMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", addr).Info("Worker metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
