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
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianVision/pkg/logging"
	"github.com/AleutianAI/AleutianVision/services/modelops/classifier"
	"github.com/AleutianAI/AleutianVision/services/modelops/config"
	"github.com/AleutianAI/AleutianVision/services/modelops/experiment"
	"github.com/AleutianAI/AleutianVision/services/modelops/retrain"
	"github.com/AleutianAI/AleutianVision/services/modelops/routes"
	storagebadger "github.com/AleutianAI/AleutianVision/services/modelops/storage/badger"
	"github.com/AleutianAI/AleutianVision/services/modelops/version"
	"github.com/AleutianAI/AleutianVision/services/modelops/winner"

	// --- OpenTelemetry imports ---
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
)

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	if endpoint == "" {
		endpoint = "aleutian-otel-collector:4317"
	}
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("modelops-service")))
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
	cfg, err := config.Load(os.Getenv("MODELOPS_CONFIG"))
	if err != nil {
		log.Fatalf("FATAL: could not load configuration: %v", err)
	}

	appLogger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "modelops-service",
		JSON:    true,
	})
	defer appLogger.Close()
	logger := appLogger.Slog()
	slog.SetDefault(logger)

	// --- Init the tracer ---
	cleanup, err := initTracer(cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storagebadger.Open(storagebadger.DefaultConfig(cfg.Storage.DataDir))
	if err != nil {
		log.Fatalf("FATAL: could not open the database: %v", err)
	}
	defer db.Close()

	artifacts, err := version.NewArtifacts(cfg.Storage.ArtifactsDir)
	if err != nil {
		log.Fatalf("FATAL: could not prepare the artifact directory: %v", err)
	}

	versionStore, err := version.NewStore(ctx, db, artifacts, nil, logger)
	if err != nil {
		log.Fatalf("FATAL: could not open the version store: %v", err)
	}
	if err := versionStore.EnsureInitialized(ctx, version.Performance{}); err != nil {
		log.Fatalf("FATAL: could not initialize the version store: %v", err)
	}

	// The classifier sidecar is optional: without it the service still
	// manages experiments and versions, but verification smoke checks
	// and retraining are unavailable.
	var sidecar *classifier.HTTPClient
	if cfg.Classifier.BaseURL != "" {
		sidecar, err = classifier.NewHTTPClient(cfg.Classifier.BaseURL, logger)
		if err != nil {
			log.Fatalf("FATAL: could not create the classifier client: %v", err)
		}
	} else {
		slog.Info("CLASSIFIER_SERVICE_URL not set, running without the classifier sidecar")
	}

	orch := experiment.NewOrchestrator(experiment.NewStore(db), experiment.OrchestratorConfig{
		DefaultSplitPercentage: cfg.Experiment.DefaultSplitPercentage,
		DefaultMinSampleSize:   cfg.Experiment.DefaultMinSampleSize,
		DefaultMaxDuration:     cfg.Experiment.DefaultMaxDuration.Std(),
		MinEvaluationWindow:    cfg.Experiment.MinEvaluationWindow.Std(),
	}, nil, logger)

	var predictor classifier.Predictor
	if sidecar != nil {
		predictor = sidecar
	}
	winnerSvc := winner.NewService(db, orch, versionStore, predictor, winner.Config{
		AutoDeployEnabled:           cfg.Winner.AutoDeployEnabled,
		MinimumConfidenceLevel:      cfg.Winner.MinimumConfidenceLevel,
		MinimumImprovementThreshold: cfg.Winner.MinimumImprovementThreshold,
		MinimumSampleSize:           cfg.Winner.MinimumSampleSize,
		MinimumTestDuration:         cfg.Winner.MinimumTestDuration.Std(),
		DeploymentStrategy:          version.Strategy(cfg.Winner.DeploymentStrategy),
		RollbackOnFailure:           cfg.Winner.RollbackOnFailure,
		NotificationEnabled:         cfg.Winner.NotificationEnabled,
		CanarySteps:                 cfg.Winner.CanarySteps,
	}, nil, logger)

	var sched *retrain.Scheduler
	if sidecar != nil {
		monitor := retrain.NewMonitor(sidecar, versionStore, cfg.Monitor.MonitorConfig(), nil, logger)
		sched, err = retrain.NewScheduler(ctx, db, monitor, sidecar, sidecar, versionStore, orch,
			cfg.Scheduler.SchedulerConfig(), nil, logger)
		if err != nil {
			log.Fatalf("FATAL: could not create the scheduler: %v", err)
		}
		if err := sched.Start(ctx); err != nil {
			log.Fatalf("FATAL: could not start the scheduler: %v", err)
		}
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("modelops-service"))
	routes.SetupRoutes(router, orch, versionStore, winnerSvc, sched)

	server := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting the modelops server", "port", cfg.Server.Port)
		if serr := server.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if sched != nil && sched.IsRunning() {
			if serr := sched.Stop(shutdownCtx); serr != nil {
				slog.Error("scheduler shutdown failed", "error", serr)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
	slog.Info("modelops server stopped")
}
