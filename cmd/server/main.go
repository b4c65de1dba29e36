package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricefeed/internal/broadcast"
	"pricefeed/internal/cache"
	"pricefeed/internal/config"
	"pricefeed/internal/exchanges"
	grpcServer "pricefeed/internal/grpc"
	"pricefeed/internal/models"
	"pricefeed/internal/pubsub"
	"pricefeed/internal/ratelimit"
	"pricefeed/internal/server"
	"pricefeed/internal/services/aggregator"
	priceService "pricefeed/internal/services/price"
	"pricefeed/internal/services/symbols"
	"pricefeed/internal/session"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting price feed service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Redis unavailable, cache reads will fall back to exchanges")
	} else {
		logger.Info("Redis connected successfully")
	}

	tickerCache := cache.NewTickerCache(redisClient, cfg.Cache.TickerTTL, logger)
	sink := newSnapshotSink(cfg, redisClient, logger)
	defer sink.Close()

	// Exchange adapters
	registry := buildRegistry(ctx, cfg, logger)
	defer registry.Close()

	// Sessions and fan-out
	sessions := session.NewRegistry(logger)
	hub := server.NewHub(cfg.Session.SendBuffer, cfg.Session.MaxSendFailures, logger)
	engine := broadcast.NewEngine(sessions, hub, logger)
	controller := broadcast.NewController(sessions, engine, logger)

	tracked := symbols.NewManager(cfg.Symbols.File, cfg.Symbols.Max, logger)
	logger.Infof("Tracking %d symbols", tracked.Count())

	prices := priceService.NewService(
		registry,
		engine,
		sessions,
		tracked,
		tickerCache,
		sink,
		priceService.Mode(cfg.Price.BroadcastMode),
		logger,
	)
	controller.OnSubscribe(func(accepted []string) {
		prices.EnsureLive(ctx, accepted)
	})

	httpSrv := server.NewServer(server.Options{
		Port:        cfg.Server.HTTPPort,
		Environment: cfg.Server.Environment,
		Version:     version,
		IdleTimeout: cfg.Session.IdleTimeout,
	}, sessions, hub, engine, controller, registry, prices, logger)

	healthSrv := grpcServer.NewServer(cfg.Server.GRPCPort, registry, logger)
	registry.OnHealthChange(healthSrv.SetExchangeHealth)
	healthSrv.Refresh()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpSrv.Start)
	g.Go(healthSrv.Start)

	g.Go(func() error {
		prices.Run(gctx, cfg.Price.PollInterval)
		return nil
	})
	g.Go(func() error {
		registry.StartHealthProbes(gctx, cfg.Exchange.HealthInterval)
		return nil
	})
	g.Go(func() error {
		httpSrv.RunHousekeeping(gctx, cfg.Session.ReapInterval, cfg.Session.IdleTimeout, cfg.Session.Retention)
		return nil
	})
	if cfg.Symbols.ReloadInterval > 0 {
		g.Go(func() error {
			tracked.StartAutoReload(gctx, cfg.Symbols.ReloadInterval)
			return nil
		})
	}
	if cfg.Redis.InboundChannel != "" {
		inbound := pubsub.NewSubscriber(redisClient, cfg.Redis.InboundChannel, func(t *models.Ticker) {
			engine.BroadcastTicker(t)
		}, logger)
		g.Go(func() error {
			if err := inbound.Run(gctx); err != nil {
				logger.WithError(err).Warn("Inbound ticker feed stopped")
			}
			return nil
		})
	}

	// Stop servers once anything fails or a signal arrives
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP shutdown failed")
		}
		healthSrv.Stop()
		return nil
	})

	logger.Infof("Price feed service v%s started", version)

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Service stopped with error")
	}
	logger.Info("Shutdown complete")
}

func buildRegistry(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *aggregator.Registry {
	selector, _ := aggregator.SelectorByName(cfg.Price.BestPolicy)

	budget := ratelimit.NewTracker(cfg.Exchange.RateWindow)
	pacers := ratelimit.NewLimiterManager()
	registry := aggregator.NewRegistry(budget, pacers, logger, aggregator.Options{
		FetchTimeout: cfg.Exchange.FetchTimeout,
		BatchTimeout: cfg.Exchange.BatchTimeout,
		Selector:     selector,
	})

	httpClient := exchanges.NewHTTPClient(cfg.Exchange.ProxyURL)

	for _, name := range cfg.Exchange.EnabledExchanges() {
		adapter, err := exchanges.New(name, exchanges.Options{
			HTTPClient: httpClient,
			Logger:     logger,
			StaleAfter: cfg.Exchange.StaleAfter,
		})
		if err != nil {
			logger.WithError(err).Warn("Skipping exchange")
			continue
		}

		limits := cfg.Exchange.Limits[name]
		pacers.RegisterExchange(name, limits.RPS, limits.Burst)
		budget.SetLimit(name, limits.PerMinute)

		if err := registry.Register(ctx, adapter); err != nil {
			logger.WithError(err).WithField("exchange", name).Warn("Failed to register exchange")
		}
	}

	logger.Infof("Registered %d exchanges", len(registry.Exchanges()))
	return registry
}

func newSnapshotSink(cfg *config.Config, client *redis.Client, logger *logrus.Logger) pubsub.SnapshotSink {
	switch cfg.Snapshot.Sink {
	case config.SinkKafka:
		logger.Infof("Publishing snapshots to Kafka topic %s", cfg.Snapshot.KafkaTopic)
		return pubsub.NewKafkaSink(cfg.Snapshot.KafkaBrokers, cfg.Snapshot.KafkaTopic, logger)
	case config.SinkRedis:
		logger.Infof("Publishing snapshots to Redis channel %s", cfg.Redis.SnapshotChannel)
		return pubsub.NewPublisher(client, cfg.Redis.SnapshotChannel, logger)
	default:
		return pubsub.NopSink{}
	}
}
