// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose builds conversational SQL: given a prior turn's question
// and query, it decides whether the new question builds on them and, if so,
// synthesizes a composed query through the model caller.
//
// Phase A (the decision) fails safe: any call or parse failure yields
// shouldCompose=false so the funnel generates an independent query instead
// of risking a wrong composition. Phase B (the composition) fails hard:
// returning malformed or unsafe SQL is worse than failing the turn, so
// missing fields and safety violations are typed, fatal errors.
package compose

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vantahealth/queryfunnel/services/funnel/providers"
	"github.com/vantahealth/queryfunnel/services/funnel/sqlsafety"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "compose",
		Name:      "decisions_total",
		Help:      "Composition decisions by outcome: compose, independent, error",
	}, []string{"outcome"})

	compositionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "compose",
		Name:      "compositions_total",
		Help:      "Successful compositions by strategy",
	}, []string{"strategy"})

	safetyRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "compose",
		Name:      "safety_rejections_total",
		Help:      "Composed queries rejected by post-validation",
	})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var composerTracer = otel.Tracer("queryfunnel.compose")

// =============================================================================
// Types
// =============================================================================

// Strategy names how a composed query relates to the previous one.
type Strategy string

const (
	// StrategyCTE wraps the previous query as a named CTE. Preferred.
	StrategyCTE Strategy = "cte"

	// StrategyMergedWhere appends to the previous WHERE clause.
	StrategyMergedWhere Strategy = "merged_where"

	// StrategyFresh ignores the previous query. Chosen by the model when
	// composition turns out not to be warranted despite Phase A.
	StrategyFresh Strategy = "fresh"
)

// maxTopLevelCTEs bounds CTE nesting. Each composition turn may wrap an
// already-composed query, so without a ceiling a long conversation produces
// unboundedly deep CTE chains; capping at 3 forces merged_where or fresh
// once nesting grows.
const maxTopLevelCTEs = 3

// Decision is the Phase A outcome.
type Decision struct {
	ShouldCompose bool    `json:"shouldCompose"`
	Reasoning     string  `json:"reasoning"`
	Confidence    float64 `json:"confidence"`
}

// Composed is a safety-validated composed query.
type Composed struct {
	SQL string `json:"sql"`

	Strategy Strategy `json:"strategy"`

	// IsBuildingOnPrevious is derived from Strategy, never trusted from the
	// model: true iff the strategy is not fresh.
	IsBuildingOnPrevious bool `json:"isBuildingOnPrevious"`

	Reasoning string `json:"reasoning"`
}

// SafetyError is returned when a composed query fails post-validation.
type SafetyError struct {
	Reasons []string
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("compose: composed query failed safety validation: %v", e.Reasons)
}

// =============================================================================
// Composer
// =============================================================================

// Composer drives the two-phase conversational composition flow against a
// model caller supplied by the provider orchestrator.
//
// Thread Safety: Safe for concurrent use after construction.
type Composer struct {
	caller providers.ModelCaller
	logger *slog.Logger
}

// NewComposer creates a Composer.
//
// Inputs:
//   - caller: The model backend. Must not be nil.
//   - logger: Logger instance. May be nil (defaults to slog.Default).
func NewComposer(caller providers.ModelCaller, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{caller: caller, logger: logger}
}

// ShouldComposeQuery decides whether the current question builds on the
// previous turn's query.
//
// Description:
//
//	Delegates to the model with the decision prompt and parses the reply
//	permissively. Fails safe: any call or parse failure returns
//	shouldCompose=false with zero confidence rather than an error, so the
//	caller generates an independent query.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - currentQuestion: The new question this turn.
//   - previousQuestion: The prior turn's question.
//   - previousSQL: The prior turn's validated SQL.
//
// Outputs:
//   - Decision: Never an error; degraded to {false, 0.0} on failure.
func (c *Composer) ShouldComposeQuery(ctx context.Context, currentQuestion, previousQuestion, previousSQL string) Decision {
	ctx, span := composerTracer.Start(ctx, "compose.ShouldComposeQuery")
	defer span.End()

	reply, err := c.caller.Complete(ctx, decisionSystemPrompt,
		buildDecisionMessage(currentQuestion, previousQuestion, previousSQL))
	if err != nil {
		c.logger.Warn("composition decision call failed, defaulting to independent query",
			slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "decision call failed")
		decisionsTotal.WithLabelValues("error").Inc()
		return Decision{ShouldCompose: false, Confidence: 0.0, Reasoning: "error: " + err.Error()}
	}

	decision, err := parseDecision(reply)
	if err != nil {
		c.logger.Warn("composition decision reply unparseable, defaulting to independent query",
			slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "decision parse failed")
		decisionsTotal.WithLabelValues("error").Inc()
		return Decision{ShouldCompose: false, Confidence: 0.0, Reasoning: "error: " + err.Error()}
	}

	outcome := "independent"
	if decision.ShouldCompose {
		outcome = "compose"
	}
	decisionsTotal.WithLabelValues(outcome).Inc()
	span.SetAttributes(
		attribute.Bool("should_compose", decision.ShouldCompose),
		attribute.Float64("confidence", decision.Confidence),
	)
	return decision
}

// ComposeQuery synthesizes a composed query. Only called after a positive
// Phase A decision.
//
// Description:
//
//	Delegates to the model with the composition prompt, parses the reply,
//	and validates the result: required fields (sql, strategy), the SQL
//	safety rules, the CTE ceiling, and the temp-table ban. The composed
//	query is never returned unvalidated.
//
// Outputs:
//   - *Composed: The validated composition, with advisory rewrites applied.
//   - error: *FormatError for missing/invalid fields; *SafetyError for
//     validation failures; wrapped transport errors otherwise.
func (c *Composer) ComposeQuery(ctx context.Context, previousSQL, previousQuestion, currentQuestion string) (*Composed, error) {
	ctx, span := composerTracer.Start(ctx, "compose.ComposeQuery")
	defer span.End()

	reply, err := c.caller.Complete(ctx, compositionSystemPrompt,
		buildCompositionMessage(previousSQL, previousQuestion, currentQuestion))
	if err != nil {
		span.SetStatus(codes.Error, "composition call failed")
		return nil, fmt.Errorf("compose: composition call: %w", err)
	}

	composed, err := parseComposition(reply)
	if err != nil {
		span.SetStatus(codes.Error, "composition parse failed")
		return nil, err
	}

	if reasons := c.validateComposed(composed); len(reasons) > 0 {
		safetyRejectionsTotal.Inc()
		span.SetStatus(codes.Error, "composition failed safety validation")
		return nil, &SafetyError{Reasons: reasons}
	}

	compositionsTotal.WithLabelValues(string(composed.Strategy)).Inc()
	span.SetAttributes(attribute.String("strategy", string(composed.Strategy)))
	return composed, nil
}

// validateComposed runs the mandatory post-validation over a parsed
// composition. Advisory rewrites from the general validator are folded back
// into the SQL. Returns the collected fatal reasons, empty when clean.
func (c *Composer) validateComposed(composed *Composed) []string {
	var reasons []string

	report := sqlsafety.Validate(composed.SQL)
	if !report.IsValid {
		reasons = append(reasons, report.Warnings...)
	} else {
		composed.SQL = report.ModifiedSQL
	}

	if n := sqlsafety.CountTopLevelCTEs(composed.SQL); n > maxTopLevelCTEs {
		reasons = append(reasons, fmt.Sprintf("Too many CTEs: %d (limit %d)", n, maxTopLevelCTEs))
	}

	if sqlsafety.HasTempTablePattern(composed.SQL) {
		reasons = append(reasons, "temp-table patterns are not allowed in composed queries")
	}

	return reasons
}

// parseDecision parses a Phase A reply. shouldCompose must be present and
// boolean; reasoning and confidence default when absent.
func parseDecision(reply string) (Decision, error) {
	raw, err := extractJSONObject(reply)
	if err != nil {
		return Decision{}, err
	}

	var wire struct {
		ShouldCompose *bool    `json:"shouldCompose"`
		Reasoning     string   `json:"reasoning"`
		Confidence    *float64 `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Decision{}, &FormatError{Reason: "decision object is not valid JSON: " + err.Error()}
	}
	if wire.ShouldCompose == nil {
		return Decision{}, &FormatError{Reason: "decision object is missing boolean shouldCompose"}
	}

	decision := Decision{
		ShouldCompose: *wire.ShouldCompose,
		Reasoning:     wire.Reasoning,
		Confidence:    1.0,
	}
	if decision.Reasoning == "" {
		decision.Reasoning = "no reasoning provided"
	}
	if wire.Confidence != nil {
		decision.Confidence = *wire.Confidence
	}
	return decision, nil
}

// parseComposition parses a Phase B reply. sql and strategy are required;
// strategy must be one of the three known values.
func parseComposition(reply string) (*Composed, error) {
	raw, err := extractJSONObject(reply)
	if err != nil {
		return nil, err
	}

	var wire struct {
		SQL       string `json:"sql"`
		Strategy  string `json:"strategy"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &FormatError{Reason: "composition object is not valid JSON: " + err.Error()}
	}
	if wire.SQL == "" {
		return nil, &FormatError{Reason: "composition object is missing sql"}
	}

	strategy := Strategy(wire.Strategy)
	switch strategy {
	case StrategyCTE, StrategyMergedWhere, StrategyFresh:
	default:
		return nil, &FormatError{Reason: fmt.Sprintf("unknown composition strategy %q", wire.Strategy)}
	}

	return &Composed{
		SQL:                  wire.SQL,
		Strategy:             strategy,
		IsBuildingOnPrevious: strategy != StrategyFresh,
		Reasoning:            wire.Reasoning,
	}, nil
}
