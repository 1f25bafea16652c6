// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command funnel starts the query funnel API server.
//
// The funnel turns natural-language questions about clinical reporting data
// into validated, read-only SQL:
//   - Hybrid intent classification (pattern detectors with an AI fallback)
//   - Question decomposition into an ordered sub-question plan
//   - SQL safety validation (read-only statements, bounded CTE depth)
//   - Two-phase conversational query composition
//
// Usage:
//
//	go run ./cmd/funnel
//	go run ./cmd/funnel -port 9090
//
// Providers are configured through environment variables:
//
//	ANTHROPIC_API_KEY=... GEMINI_API_KEY=... go run ./cmd/funnel
//	OPENWEBUI_BASE_URL=http://localhost:3000 OPENWEBUI_API_KEY=... go run ./cmd/funnel
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/v1/funnel/health
//
//	# Classify a question
//	curl -X POST http://localhost:8080/v1/funnel/classify \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "Which wounds healed within 4 weeks?", "customerId": "acme"}'
//
//	# Run the full funnel
//	curl -X POST http://localhost:8080/v1/funnel/run \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "Count wounds by type per facility", "customerId": "acme"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vantahealth/queryfunnel/services/funnel"
	"github.com/vantahealth/queryfunnel/services/funnel/config"
	"github.com/vantahealth/queryfunnel/services/funnel/events"
	"github.com/vantahealth/queryfunnel/services/funnel/intent"
	"github.com/vantahealth/queryfunnel/services/funnel/providers"
	badgerstore "github.com/vantahealth/queryfunnel/services/funnel/storage/badger"
)

const eventBufferSize = 256

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	defaultModel := flag.String("default-model", "claude-3-5-sonnet-20240620", "Model used when a request names none")
	flag.Parse()

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace ids flow from incoming headers
	// through every handler and provider call.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ctx := context.Background()

	rules, err := config.GetIntentRules(ctx)
	if err != nil {
		slog.Error("Failed to load intent rules", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Intent cache BadgerDB. Graceful degradation: if the directory is
	// unavailable the cache runs in memory only and classifications are
	// recomputed after a restart.
	var intentStore intent.Store
	var intentDB *badgerstore.DB
	cacheDir := os.Getenv("INTENT_CACHE_DIR")
	if cacheDir == "" {
		if home, homeErr := os.UserHomeDir(); homeErr == nil {
			cacheDir = filepath.Join(home, ".queryfunnel", "cache", "intent")
		}
	}
	if cacheDir != "" {
		cfg := badgerstore.DefaultConfig()
		cfg.Path = cacheDir
		db, dbErr := badgerstore.OpenDB(cfg)
		if dbErr != nil {
			slog.Warn("Intent cache BadgerDB unavailable, persistence disabled",
				slog.String("path", cacheDir),
				slog.String("error", dbErr.Error()))
		} else {
			intentDB = db
			intentStore = intent.NewBadgerStore(db, slog.Default())
			slog.Info("Intent cache BadgerDB opened", slog.String("path", cacheDir))
		}
	}

	cache := intent.NewCache(intent.CacheConfig{Store: intentStore}, slog.Default())

	prober := providers.NewProber(providers.ProberConfig{})
	orchestrator := providers.NewOrchestrator(prober, slog.Default())
	selector := providers.NewSelector(prober)

	worker := events.NewWorker(eventBufferSize, slog.Default())

	classifier := intent.NewClassifier(intent.ClassifierConfig{
		Detectors:      intent.NewDetectors(rules),
		Cache:          cache,
		Selector:       selector,
		Callers:        orchestrator,
		Publisher:      worker,
		DefaultModelID: *defaultModel,
	})

	svc := funnel.NewService(funnel.ServiceConfig{
		Classifier:     classifier,
		Orchestrator:   orchestrator,
		HealthDir:      prober,
		Publisher:      worker,
		DefaultModelID: *defaultModel,
	})
	handlers := funnel.NewHandlers(svc)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("queryfunnel"))
	if *debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	funnel.RegisterRoutes(v1, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Graceful shutdown: stop background loops, flush events, close Badger.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		slog.Info("Shutting down query funnel server")
		prober.Stop()
		cache.Stop()
		worker.Stop()
		if intentDB != nil {
			if closeErr := intentDB.Close(); closeErr != nil {
				slog.Warn("Failed to close intent cache BadgerDB",
					slog.String("error", closeErr.Error()))
			}
		}
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Starting query funnel server",
		slog.String("address", addr),
		slog.String("default_model", *defaultModel))
	if err := router.Run(addr); err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
