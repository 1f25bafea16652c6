// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	providerSelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "providers",
		Name:      "selections_total",
		Help:      "Provider selections by outcome: direct, fallback, failed",
	}, []string{"outcome"})

	providerFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "providers",
		Name:      "fallbacks_total",
		Help:      "Fallback selections by excluded and chosen provider",
	}, []string{"excluded", "chosen"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var orchestratorTracer = otel.Tracer("queryfunnel.providers.orchestrator")

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator resolves model ids to healthy ModelCaller instances, falling
// back to an alternative provider when the requested one fails its health
// check.
//
// Description:
//
//	GetProvider resolves the model id through the static registry,
//	instantiates the backend, and probes it with TestConnection. When the
//	probe fails and fallback is allowed, the health directory is consulted
//	and the first healthy other provider (by fixed priority order) is
//	instantiated with its default model. Constructor failures during
//	fallback are skipped per candidate, never fatal on their own.
//
// Thread Safety: Safe for concurrent use after construction.
type Orchestrator struct {
	constructors map[ProviderType]Constructor
	healthDir    HealthDirectory
	logger       *slog.Logger
}

// Fallback pairs a chosen fallback provider type with its instance.
type Fallback struct {
	Provider ProviderType
	Instance ModelCaller
}

// NewOrchestrator creates an Orchestrator backed by the production provider
// constructors.
//
// Inputs:
//   - healthDir: Provider health directory. Must not be nil.
//   - logger: Logger instance. May be nil (defaults to slog.Default).
//
// Outputs:
//   - *Orchestrator: Ready to use. Never nil.
func NewOrchestrator(healthDir HealthDirectory, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		constructors: defaultConstructors(),
		healthDir:    healthDir,
		logger:       logger,
	}
}

// NewOrchestratorWithConstructors creates an Orchestrator with an injected
// constructor set. Used by tests to substitute fake backends.
func NewOrchestratorWithConstructors(healthDir HealthDirectory, constructors map[ProviderType]Constructor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		constructors: constructors,
		healthDir:    healthDir,
		logger:       logger,
	}
}

// GetProvider returns a healthy ModelCaller for the given model id.
//
// Description:
//
//	Unknown model ids fail with *UnsupportedModelError. When allowFallback
//	is false, a constructor failure fails with *ConstructionError and a
//	failed health check fails with *HealthCheckError; either condition
//	otherwise triggers FindFallback. When no healthy fallback exists the
//	call fails with *NoFallbackError.
//
// Inputs:
//   - ctx: Context for cancellation and the health probe deadline.
//   - modelID: The requested model id.
//   - allowFallback: Whether an unhealthy provider may be substituted.
//
// Outputs:
//   - ModelCaller: A backend that passed its connection test.
//   - error: Typed error per the rules above.
func (o *Orchestrator) GetProvider(ctx context.Context, modelID string, allowFallback bool) (ModelCaller, error) {
	ctx, span := orchestratorTracer.Start(ctx, "providers.Orchestrator.GetProvider")
	defer span.End()
	span.SetAttributes(
		attribute.String("model_id", modelID),
		attribute.Bool("allow_fallback", allowFallback),
	)

	providerType, ok := ProviderForModel(modelID)
	if !ok {
		err := &UnsupportedModelError{ModelID: modelID}
		span.SetStatus(codes.Error, err.Error())
		providerSelectionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", string(providerType)))

	instance, err := o.construct(providerType, modelID)
	if err == nil && instance.TestConnection(ctx) {
		providerSelectionsTotal.WithLabelValues("direct").Inc()
		return instance, nil
	}
	if err != nil {
		o.logger.Warn("provider construction failed",
			slog.String("provider", string(providerType)),
			slog.String("model", modelID),
			slog.String("error", err.Error()),
		)
	} else {
		o.logger.Warn("provider failed health check",
			slog.String("provider", string(providerType)),
			slog.String("model", modelID),
		)
	}

	if !allowFallback {
		var derr error
		if err != nil {
			derr = &ConstructionError{Provider: providerType, ModelID: modelID, Err: err}
		} else {
			derr = &HealthCheckError{Provider: providerType, ModelID: modelID}
		}
		span.SetStatus(codes.Error, derr.Error())
		providerSelectionsTotal.WithLabelValues("failed").Inc()
		return nil, derr
	}

	fallback, fbErr := o.FindFallback(ctx, providerType)
	if fbErr != nil || fallback == nil {
		nerr := &NoFallbackError{ModelID: modelID}
		span.SetStatus(codes.Error, nerr.Error())
		providerSelectionsTotal.WithLabelValues("failed").Inc()
		return nil, nerr
	}

	o.logger.Info("provider fallback selected",
		slog.String("requested_provider", string(providerType)),
		slog.String("fallback_provider", string(fallback.Provider)),
		slog.String("fallback_model", fallback.Instance.Model()),
	)
	providerSelectionsTotal.WithLabelValues("fallback").Inc()
	providerFallbacksTotal.WithLabelValues(string(providerType), string(fallback.Provider)).Inc()
	span.SetAttributes(attribute.String("fallback_provider", string(fallback.Provider)))
	return fallback.Instance, nil
}

// FindFallback selects the first healthy provider other than excludeType.
//
// Description:
//
//	Reads the provider health directory and walks the fixed priority order
//	(anthropic, google, openwebui). A candidate must have a healthy record
//	and a working constructor; constructor failures are logged and skipped
//	so a broken candidate never blocks the next one. Returns (nil, nil)
//	when no healthy candidate remains.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - excludeType: The provider type to skip (the one that just failed).
//
// Outputs:
//   - *Fallback: The chosen provider and instance, or nil when none.
//   - error: Non-nil only when the health directory itself fails.
func (o *Orchestrator) FindFallback(ctx context.Context, excludeType ProviderType) (*Fallback, error) {
	healths, err := o.healthDir.GetAllProviderHealth(ctx)
	if err != nil {
		return nil, err
	}

	healthy := make(map[ProviderType]bool, len(healths))
	for _, h := range healths {
		if h.IsHealthy {
			healthy[h.ProviderType] = true
		}
	}

	for _, candidate := range fallbackPriority {
		if candidate == excludeType || !healthy[candidate] {
			continue
		}
		instance, err := o.construct(candidate, DefaultModel(candidate))
		if err != nil {
			// Construction failures must not block fallback; move on to
			// the next candidate in priority order.
			o.logger.Warn("fallback candidate construction failed, trying next",
				slog.String("candidate", string(candidate)),
				slog.String("error", err.Error()),
			)
			continue
		}
		return &Fallback{Provider: candidate, Instance: instance}, nil
	}

	return nil, nil
}

// construct instantiates a backend for the given provider type and model id.
func (o *Orchestrator) construct(p ProviderType, model string) (ModelCaller, error) {
	ctor, ok := o.constructors[p]
	if !ok {
		return nil, &UnsupportedModelError{ModelID: model}
	}
	return ctor(model)
}
