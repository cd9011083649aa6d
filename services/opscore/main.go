// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/pkg/cache"
	"github.com/AleutianAI/AleutianOps/pkg/kvstore"
	"github.com/AleutianAI/AleutianOps/pkg/logging"
	"github.com/AleutianAI/AleutianOps/pkg/monitoring"
	"github.com/AleutianAI/AleutianOps/pkg/queue"
	"github.com/AleutianAI/AleutianOps/services/opscore/config"
	"github.com/AleutianAI/AleutianOps/services/opscore/handlers"
	"github.com/AleutianAI/AleutianOps/services/opscore/routes"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		otelEndpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("opscore-service")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

func main() {
	appLogger := logging.New(logging.Config{
		Service: "opscore",
		JSON:    true,
		LogDir:  os.Getenv("OPSCORE_LOG_DIR"),
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	cfgPath := os.Getenv("OPSCORE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	// --- Key-value store: redis in production, memory otherwise ---
	var kv kvstore.Store
	if cfg.Redis.Addr != "" {
		kv = kvstore.NewRedisStore(kvstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		logger.Info("using redis kv store", "addr", cfg.Redis.Addr)
	} else {
		kv = kvstore.NewMemoryStore(time.Minute)
		logger.Info("using in-memory kv store")
	}
	defer kv.Close()

	cacheSvc := cache.NewService(kv, cache.WithServiceLogger(logger))
	warmer := cache.NewWarmer(cacheSvc, cache.WithWarmerLogger(logger))

	// --- Job store: badger on disk, or in memory without a data dir ---
	jobStore, err := queue.NewBadgerStore(cfg.Queue.DataDir)
	if err != nil {
		log.Fatalf("failed to open job store: %v", err)
	}
	manager := queue.NewManager(jobStore, logger)
	defer manager.Close()

	dlq, err := queue.NewDeadLetterQueue(manager, queue.WithDLQLogger(logger))
	if err != nil {
		log.Fatalf("failed to create dead-letter queue: %v", err)
	}
	dlq.StartSweeper()
	defer dlq.StopSweeper()

	// --- Monitoring façade ---
	svc, err := monitoring.NewService(monitoring.Config{
		CollectInterval:    cfg.Monitoring.CollectInterval(),
		HealthInterval:     cfg.Monitoring.HealthInterval(),
		RuleInterval:       cfg.Monitoring.RuleInterval(),
		EnableOptimization: cfg.Monitoring.EnableOptimization,
		Thresholds: monitoring.Thresholds{
			CPUPercent:          cfg.Monitoring.Thresholds.CPUPercent,
			MemoryPercent:       cfg.Monitoring.Thresholds.MemoryPercent,
			ErrorRatePercent:    cfg.Monitoring.Thresholds.ErrorRatePercent,
			CacheHitRatePercent: cfg.Monitoring.Thresholds.CacheHitRatePercent,
			QueueBacklog:        cfg.Monitoring.Thresholds.QueueBacklog,
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build monitoring service: %v", err)
	}
	defer svc.Shutdown()

	if err := svc.RegisterKeyValueStore("kvstore", kv); err != nil {
		log.Fatalf("failed to register kv store: %v", err)
	}
	if err := svc.RegisterQueueSystem("jobs", manager, nil); err != nil {
		log.Fatalf("failed to register queue system: %v", err)
	}
	if err := svc.RegisterCacheService("cache", cacheSvc, warmer); err != nil {
		log.Fatalf("failed to register cache service: %v", err)
	}

	if report := warmer.WarmStartup(context.Background()); len(report.Failed) > 0 {
		logger.Warn("startup warm finished with failures", "failed", report.Failed)
	}
	warmer.StartScheduled()
	defer warmer.StopScheduled()

	// --- Hot-reload alert thresholds from the config file ---
	if cfgPath != "" {
		stopWatch, err := config.Watch(cfgPath, logger, func(th config.ThresholdsConfig) {
			err := svc.UpdateThresholds(monitoring.Thresholds{
				CPUPercent:          th.CPUPercent,
				MemoryPercent:       th.MemoryPercent,
				ErrorRatePercent:    th.ErrorRatePercent,
				CacheHitRatePercent: th.CacheHitRatePercent,
				QueueBacklog:        th.QueueBacklog,
			})
			if err != nil {
				logger.Error("failed to apply new thresholds", "error", err)
			}
		})
		if err != nil {
			logger.Warn("config watch disabled", "error", err)
		} else {
			defer stopWatch()
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("opscore-service"))
	router.Use(svc.Middleware())
	routes.SetupRoutes(router, handlers.New(svc, logger))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("opscore listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
}
