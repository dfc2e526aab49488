package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/0xPuncker/fleetcron/internal/api"
	"github.com/0xPuncker/fleetcron/internal/config"
	"github.com/0xPuncker/fleetcron/internal/control"
	"github.com/0xPuncker/fleetcron/internal/cron"
	"github.com/0xPuncker/fleetcron/internal/delivery"
	"github.com/0xPuncker/fleetcron/internal/dispatch"
	"github.com/0xPuncker/fleetcron/internal/lease"
	"github.com/0xPuncker/fleetcron/internal/metrics"
	"github.com/0xPuncker/fleetcron/internal/mutex"
	"github.com/0xPuncker/fleetcron/internal/node"
	"github.com/0xPuncker/fleetcron/internal/notifications"
	"github.com/0xPuncker/fleetcron/internal/poller"
	"github.com/0xPuncker/fleetcron/internal/runlog"
	"github.com/0xPuncker/fleetcron/internal/store"
	seed "github.com/0xPuncker/fleetcron/pkg/config"
	"github.com/dimiro1/banner"
	"github.com/mattn/go-colorable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const bannerText = `
{{ .Title "fleetcron" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   false,
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

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Scheduler exited: %v", err)
	}
	logger.Info("Scheduler stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	jobs := store.New(db, cfg.Database, logger)
	if err := jobs.Bootstrap(ctx); err != nil {
		return err
	}

	leases, err := openLeaseStore(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer leases.Close()

	identity, degraded, err := node.Resolve(cfg.Node.ID, cfg.Node.AllowMissingIdentity)
	if err != nil {
		return err
	}
	if degraded {
		logger.Warn("No node identity found, every fire on this node will claim server ownership")
	}
	logger.WithField("node", identity).Info("Resolved node identity")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg := metrics.NewRegistry(promRegistry)

	worker := delivery.NewClient(
		cfg.Worker.Addr,
		logger,
		delivery.WithCodec(delivery.GetCodec(cfg.Worker.Codec)),
		delivery.WithDialTimeout(config.Duration(cfg.Worker.DialTimeout, 5*time.Second)),
	)

	var alerter *notifications.NotificationService
	if cfg.Slack.WebhookURL != "" {
		slack, err := notifications.NewSlackService(cfg.Slack.WebhookURL, logger)
		if err != nil {
			return err
		}
		alerter = notifications.NewNotificationService(slack, identity, notifications.DefaultCooldown)
	}

	dispatchCfg := dispatch.Config{
		RunInBackground: cfg.Scheduler.RunInBackground,
		AllowEval:       cfg.Dispatch.AllowEval,
		HTTPTimeout:     config.Duration(cfg.Dispatch.HTTPTimeout, 30*time.Second),
		CommandTimeout:  config.Duration(cfg.Dispatch.CommandTimeout, time.Hour),
		MaxOutput:       cfg.Dispatch.MaxOutput,
		Submitter:       worker,
		Metrics:         reg,
	}
	if alerter != nil {
		dispatchCfg.Alerter = alerter
	}

	dispatcher := dispatch.New(
		mutex.NewTaskMutex(leases, config.Duration(cfg.Lease.TaskTTL, mutex.DefaultTTL)),
		mutex.NewServerMutex(leases, identity, config.Duration(cfg.Lease.ServerTTL, mutex.DefaultTTL), logger),
		jobs,
		runlog.NewStoreSink(jobs, cfg.Scheduler.WriteLog, logger),
		dispatchCfg,
		logger,
	)

	registry := cron.NewRegistry(jobs, dispatcher, reg, logger)
	defer registry.Close()

	if err := registry.Load(ctx); err != nil {
		logger.Errorf("Some jobs could not be armed: %v", err)
	}

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, jobs, registry, logger); err != nil {
			logger.Errorf("Seed jobs incomplete: %v", err)
		}
	}

	if err := registry.Start(); err != nil {
		return err
	}
	logger.WithField("armed", registry.Len()).Info("Scheduler started")

	if alerter != nil {
		go func() {
			if err := alerter.NotifyStartup(ctx, registry.Len()); err != nil {
				logger.Warnf("Failed to send startup notification: %v", err)
			}
		}()
	}

	svc := control.NewService(registry, jobs, logger)
	tcp := control.NewTCPServer(svc, logger)
	if _, err := tcp.Listen(cfg.Server.Listen); err != nil {
		return err
	}

	drift := poller.New(registry, jobs, reg, logger, config.Duration(cfg.Poller.Interval, 0))
	handler := api.NewHandler(svc, registry, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tcp.Serve(gctx)
	})
	g.Go(func() error {
		return api.StartServer(gctx, handler, promRegistry, api.ServerConfig{
			Addr:         cfg.Server.HTTPListen,
			ReadTimeout:  config.Duration(cfg.Server.ReadTimeout, 15*time.Second),
			WriteTimeout: config.Duration(cfg.Server.WriteTimeout, 15*time.Second),
		})
	})
	g.Go(func() error {
		drift.Start(gctx)
		return nil
	})

	logger.Info("Press Ctrl+C to stop.")

	err = g.Wait()
	logger.Info("Shutting down scheduler...")
	drift.Stop()
	registry.Stop()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openLeaseStore(ctx context.Context, cfg config.RedisConfig, logger *logrus.Logger) (lease.Store, error) {
	if len(cfg.Addrs) == 0 {
		logger.Warn("No redis address configured, using an in-process lease store (single node only)")
		return lease.NewMemoryStore(), nil
	}

	leases, err := lease.NewRedisStore(lease.Config{
		Redis:     lease.NewRedisClient(cfg.Addrs, cfg.Password, cfg.DB),
		KeyPrefix: cfg.KeyPrefix,
		Timeout:   config.Duration(cfg.Timeout, 3*time.Second),
	})
	if err != nil {
		return nil, err
	}
	if err := leases.Ping(ctx); err != nil {
		_ = leases.Close()
		return nil, err
	}
	return leases, nil
}

func applySeed(ctx context.Context, path string, jobs *store.Store, registry *cron.Registry, logger *logrus.Logger) error {
	s, err := seed.LoadSeed(path)
	if err != nil {
		return err
	}
	created, err := s.Apply(ctx, jobs, registry, logger)
	logger.WithFields(logrus.Fields{
		"file":    path,
		"created": created,
	}).Info("Applied seed jobs")
	return err
}
