package main

import (
	"Go2Attribution/internal/api"
	"Go2Attribution/internal/config"
	"Go2Attribution/internal/engine/manager"
	"Go2Attribution/internal/engine/stream"
	"Go2Attribution/internal/query"
	"Go2Attribution/internal/rpc"
	"Go2Attribution/pkg/logutil"
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	noStream := flag.Bool("no-stream", false, "Do not consume probe messages from NATS.")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := logutil.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	logger := logutil.GetLogger()
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", *configPath))

	// 2. Engine, writers and alerter
	mgr, err := manager.NewManager(cfg)
	if err != nil {
		logger.Fatal("failed to create manager", zap.Error(err))
	}
	mgr.Start()

	// 3. Probe stream
	var consumer *stream.Consumer
	if !*noStream {
		consumer, err = stream.NewConsumer(cfg.Probe, mgr.Sink())
		if err != nil {
			logger.Fatal("failed to create stream consumer", zap.Error(err))
		}
		if err := consumer.Start(); err != nil {
			logger.Fatal("failed to start stream consumer", zap.Error(err))
		}
	}

	// 4. History querier
	var querier query.Querier
	if cfg.API.QueryClickHouse != nil {
		querier, err = query.NewClickHouseQuerier(*cfg.API.QueryClickHouse)
		if err != nil {
			logger.Warn("history endpoints disabled", zap.Error(err))
			querier = nil
		} else {
			defer querier.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: api.NewHandler(mgr, mgr.Sink(), querier).Router(),
	}
	health := rpc.NewHealthServer(mgr.Done())

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("API server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cfg.GRPC.ListenAddr != "" {
		g.Go(func() error {
			return health.ListenAndServe(cfg.GRPC.ListenAddr)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server forced to shutdown", zap.Error(err))
		}
		health.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server failed", zap.Error(err))
	}

	// Stop the inputs before the manager so the final export sees everything.
	if consumer != nil {
		consumer.Stop()
	}
	if err := mgr.Stop(); err != nil {
		logger.Error("failed to stop manager cleanly", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
