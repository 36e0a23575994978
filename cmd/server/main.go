package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"xscrow/internal/asset"
	"xscrow/internal/config"
	"xscrow/internal/events"
	"xscrow/internal/idempotency"
	"xscrow/internal/oracle"
	"xscrow/internal/registry"
	"xscrow/internal/server"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config error", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventLog := events.NewLog(events.WithLogger(logger))
	if cfg.Events.RabbitMQURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.Events.RabbitMQURL, cfg.Events.Exchange, logger)
		if err != nil {
			logger.Warn("rabbitmq unavailable, events stay local", slog.Any("err", err))
			eventLog.AddSink(events.FallbackPublisher{Logger: logger})
		} else {
			defer publisher.Close()
			eventLog.AddSink(publisher)
		}
	}

	var (
		products registry.Store    = registry.NewMemoryStore()
		idem     idempotency.Store = idempotency.NewMemoryStore()
		database server.HealthChecker
	)
	if cfg.Service.DatabaseURL != "" {
		pgProducts, err := registry.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			logger.Error("registry store error", slog.Any("err", err))
			os.Exit(1)
		}
		defer pgProducts.Close()

		pgIdem, err := idempotency.NewPostgresStore(ctx, pgProducts.Pool())
		if err != nil {
			logger.Error("idempotency store error", slog.Any("err", err))
			os.Exit(1)
		}

		products, idem, database = pgProducts, pgIdem, pgProducts
	}
	if purger, ok := idem.(idempotency.Purger); ok {
		janitor, err := idempotency.NewJanitor(purger, cfg.Service.PurgeSchedule, logger)
		if err != nil {
			logger.Error("idempotency purge schedule error", slog.Any("err", err))
			os.Exit(1)
		}
		janitor.Start()
		defer janitor.Stop()
	}

	var (
		assets asset.Resolver = asset.NewDirectory(true)
		chain  server.HealthChecker
	)
	if cfg.Chain.PrivateKey != "" {
		resolver, err := asset.NewEthResolver(ctx, asset.EthConfig{
			RPCURL:        cfg.Chain.RPCURL,
			PrivateKeyHex: cfg.Chain.PrivateKey,
		})
		if err != nil {
			logger.Error("chain client error", slog.Any("err", err))
			os.Exit(1)
		}
		defer resolver.Close()
		assets, chain = resolver, resolver
		logger.Info("custodial signer ready", slog.String("signer", resolver.Signer().Hex()))
	}

	var network oracle.Network = oracle.NewMemoryNetwork(cfg.Oracle.Operator)
	if cfg.Oracle.VerifierURL != "" {
		network = &oracle.WebhookNetwork{
			URL:    cfg.Oracle.VerifierURL,
			Secret: cfg.Oracle.OperatorSecret,
			Client: &http.Client{Timeout: 10 * time.Second},
		}
	}

	factory, err := registry.NewFactory(ctx, registry.Config{
		Address:  cfg.Chain.FactoryAddress,
		Network:  network,
		Operator: cfg.Oracle.Operator,
		JobID:    []byte(cfg.Oracle.JobID),
		Assets:   assets,
		Store:    products,
		Log:      eventLog,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("factory error", slog.Any("err", err))
		os.Exit(1)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Factory:  factory,
		Network:  network,
		Events:   eventLog,
		Store:    idem,
		Chain:    chain,
		Database: database,
		Logger:   logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.Any("err", err))
	}
}
