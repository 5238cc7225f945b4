// Copyright (C) 2025 Tillerworks (oss@tillerworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tillerworks/tiller/pkg/logging"
	"github.com/tillerworks/tiller/services/engine"
	"github.com/tillerworks/tiller/services/engine/config"
	"github.com/tillerworks/tiller/services/engine/events"
	"github.com/tillerworks/tiller/services/engine/observability"
	"github.com/tillerworks/tiller/services/engine/state"
	"github.com/tillerworks/tiller/services/engine/storage"
	"github.com/tillerworks/tiller/services/engine/telemetry"
	"github.com/tillerworks/tiller/services/engine/tools"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the goal engine HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tillerd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tillerd %s\n", version)
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "tillerd",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.ServiceVersion = version
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	storageCfg := storage.DefaultConfig(cfg.Storage.Path)
	if cfg.Storage.InMemory {
		storageCfg = storage.InMemoryConfig()
	}
	storageCfg.Logger = logger.Logger
	store, err := storage.Open(storageCfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close storage", slog.Any("error", err))
		}
	}()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.BuiltinConfig{
		FileRoot: cfg.Tools.FileRoot,
		Records:  store,
	}); err != nil {
		return err
	}

	invoker := tools.NewInvoker(registry, store, logger.Logger, tools.InvokerOptions{
		DefaultTimeout: cfg.Tools.DefaultTimeout,
		RatePerSecond:  cfg.Tools.RatePerSecond,
		RateBurst:      cfg.Tools.RateBurst,
	})

	sampler := state.NewSampler(cfg.Engine.StateRoots)
	if err := sampler.Watch(); err != nil {
		logger.Warn("state watching disabled", slog.Any("error", err))
	}
	defer sampler.Close()

	hub := events.NewHub(logger.Logger)

	svc, err := engine.NewService(engine.Deps{
		Store:    store,
		Registry: registry,
		Invoker:  invoker,
		Sampler:  sampler,
		Hub:      hub,
		Metrics:  observability.NewMetrics(nil),
		Logger:   logger.Logger,
		Config:   cfg.Engine,
	})
	if err != nil {
		return fmt.Errorf("wire service: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	engine.SetupRoutes(router, svc)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("address", srv.Addr),
			slog.String("version", version),
			slog.Int("tools", registry.Count()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", slog.String("reason", "context cancelled"))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
