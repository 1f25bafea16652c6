// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/vantahealth/queryfunnel/services/funnel/events"
	"github.com/vantahealth/queryfunnel/services/funnel/providers"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	classificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "classifications_total",
		Help:      "Classifications by method (pattern, ai, fallback, cache).",
	}, []string{"method"})

	disagreementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "disagreements_total",
		Help:      "Pattern-vs-model intent mismatches observed.",
	})

	aiFallbackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "ai_fallback_duration_seconds",
		Help:      "Duration of model fallback classifications in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	aiTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "intent",
		Name:      "ai_timeouts_total",
		Help:      "Model fallback calls abandoned at the timeout.",
	})
)

var classifierTracer = otel.Tracer("queryfunnel.intent")

// =============================================================================
// Thresholds and Defaults
// =============================================================================

const (
	// ConfidenceThreshold gates the pattern fast path. At or above it the
	// detector result is accepted without a model call.
	ConfidenceThreshold = 0.85

	// DefaultAITimeout bounds the model fallback call.
	DefaultAITimeout = 60 * time.Second
)

// The fallback limiter bounds sustained model-call rate with a small burst
// allowance; a denied reservation degrades the request instead of queueing.
const (
	defaultAIRatePerSecond = 5
	defaultAIBurst         = 10
)

// =============================================================================
// Collaborator Contracts
// =============================================================================

// ModelSelector picks a model for a task. Satisfied by *providers.Selector.
type ModelSelector interface {
	SelectModel(ctx context.Context, req providers.SelectionRequest) (*providers.SelectionResult, error)
}

// CallerSource resolves a model id into a usable caller. Satisfied by
// *providers.Orchestrator.
type CallerSource interface {
	GetProvider(ctx context.Context, modelID string, allowFallback bool) (providers.ModelCaller, error)
}

// =============================================================================
// Classifier
// =============================================================================

// Options tune a single classification call.
type Options struct {
	// SkipCache bypasses the cache read (the result is still cached).
	SkipCache bool

	// Timeout overrides DefaultAITimeout when positive.
	Timeout time.Duration

	// DefaultModelID is used when model selection fails. Empty falls back
	// to the classifier's configured default.
	DefaultModelID string
}

// Classifier orchestrates pattern detectors, the cache, and the model
// fallback.
//
// Description:
//
//	Classify never returns an error: any failure at any stage degrades to
//	{unknown, 0, fallback} so classification is never a hard failure point
//	for the caller. Identical concurrent fallback calls are collapsed via
//	singleflight; a rate limiter bounds total model-call pressure.
//
// Thread Safety: Safe for concurrent use after construction.
type Classifier struct {
	detectors []Detector
	cache     *Cache
	selector  ModelSelector
	callers   CallerSource
	publisher events.Publisher
	limiter   *rate.Limiter
	group     singleflight.Group

	defaultModelID string
	timeout        time.Duration
	logger         *slog.Logger
}

// ClassifierConfig wires a Classifier's collaborators.
type ClassifierConfig struct {
	Detectors []Detector
	Cache     *Cache
	Selector  ModelSelector
	Callers   CallerSource

	// Publisher receives usage and disagreement events. Nil means discard.
	Publisher events.Publisher

	// DefaultModelID is the terminal fallback when model selection fails
	// and the caller supplied none.
	DefaultModelID string

	// Timeout overrides DefaultAITimeout when positive.
	Timeout time.Duration

	// Limiter overrides the default fallback rate limiter. Nil uses the
	// default; tests inject rate.NewLimiter(rate.Inf, 0).
	Limiter *rate.Limiter

	Logger *slog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAITimeout
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Limit(defaultAIRatePerSecond), defaultAIBurst)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{
		detectors:      cfg.Detectors,
		cache:          cfg.Cache,
		selector:       cfg.Selector,
		callers:        cfg.Callers,
		publisher:      cfg.Publisher,
		limiter:        cfg.Limiter,
		defaultModelID: cfg.DefaultModelID,
		timeout:        cfg.Timeout,
		logger:         cfg.Logger,
	}
}

// Classify determines the intent of a question.
//
// Description:
//
//	Stages: cache check (pattern tier wins), pattern fast path, 0.85
//	threshold gate, model fallback with timeout, disagreement logging,
//	cache write. Any uncaught failure yields the degraded terminal result
//	rather than an error.
//
// Inputs:
//   - ctx: Context for cancellation and tracing.
//   - question: The user's analytical question.
//   - customerID: Tenant scope for the cache key.
//   - opts: Per-call options. May be nil.
//
// Outputs:
//   - Result: Never an error; degraded to {unknown, 0, fallback} on failure.
func (c *Classifier) Classify(ctx context.Context, question, customerID string, opts *Options) Result {
	ctx, span := classifierTracer.Start(ctx, "intent.Classify")
	defer span.End()

	if opts == nil {
		opts = &Options{}
	}

	if !opts.SkipCache && c.cache != nil {
		if cached, ok := c.cache.Get(ctx, question, customerID); ok {
			classificationsTotal.WithLabelValues("cache").Inc()
			span.SetAttributes(
				attribute.String("intent", string(cached.Intent)),
				attribute.Bool("cache_hit", true),
			)
			return *cached
		}
	}

	best := c.bestPatternMatch(question)

	if best != nil && best.Confidence >= ConfidenceThreshold {
		result := Result{
			Intent:          best.Intent,
			Confidence:      best.Confidence,
			Method:          MethodPattern,
			MatchedPatterns: best.Signals,
		}
		c.finish(ctx, question, customerID, result)
		classificationsTotal.WithLabelValues("pattern").Inc()
		span.SetAttributes(attribute.String("intent", string(result.Intent)))
		return result
	}

	aiResult, err := c.aiClassify(ctx, question, customerID, opts)
	if err != nil {
		c.logger.Warn("intent classification degraded to fallback",
			slog.String("customer_id", customerID),
			slog.String("error", err.Error()))
		classificationsTotal.WithLabelValues("fallback").Inc()
		span.SetStatus(codes.Error, "classification degraded")
		return Result{
			Intent:     IntentUnknown,
			Confidence: 0,
			Method:     MethodFallback,
			Reasoning:  "classification error: " + err.Error(),
		}
	}

	if best != nil && best.Intent != aiResult.Intent {
		disagreementsTotal.Inc()
		c.publisher.Publish(events.TypeDisagreement, map[string]any{
			"question_key":       CacheKey(question, customerID),
			"pattern_intent":     describeMatch(best),
			"ai_intent":          string(aiResult.Intent),
			"pattern_signals":    best.Signals,
			"ai_confidence":      aiResult.Confidence,
			"pattern_confidence": best.Confidence,
		})
	}

	c.finish(ctx, question, customerID, *aiResult)
	classificationsTotal.WithLabelValues("ai").Inc()
	span.SetAttributes(attribute.String("intent", string(aiResult.Intent)))
	return *aiResult
}

// bestPatternMatch runs every detector and returns the highest-confidence
// match, or nil when none fired.
func (c *Classifier) bestPatternMatch(question string) *Match {
	var best *Match
	for _, d := range c.detectors {
		m := d.Detect(question)
		if m == nil {
			continue
		}
		if best == nil || m.Confidence > best.Confidence {
			best = m
		}
	}
	return best
}

// finish caches the result and emits the usage event. Both are
// fire-and-forget with respect to the caller.
func (c *Classifier) finish(ctx context.Context, question, customerID string, result Result) {
	if c.cache != nil {
		c.cache.Put(ctx, question, customerID, result)
	}
	c.publisher.Publish(events.TypeUsage, map[string]any{
		"question_key": CacheKey(question, customerID),
		"intent":       string(result.Intent),
		"method":       string(result.Method),
		"confidence":   result.Confidence,
	})
}

// aiClassify runs the model fallback. Identical concurrent questions share
// one flight.
func (c *Classifier) aiClassify(ctx context.Context, question, customerID string, opts *Options) (*Result, error) {
	key := CacheKey(question, customerID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.aiClassifyOnce(ctx, question, opts)
	})
	if err != nil {
		return nil, err
	}
	result := v.(Result)
	return &result, nil
}

func (c *Classifier) aiClassifyOnce(ctx context.Context, question string, opts *Options) (any, error) {
	ctx, span := classifierTracer.Start(ctx, "intent.aiClassify")
	defer span.End()

	if !c.limiter.Allow() {
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("intent: model fallback rate limit exceeded")
	}

	modelID := c.selectModelID(ctx, opts)
	span.SetAttributes(attribute.String("model_id", modelID))

	caller, err := c.callers.GetProvider(ctx, modelID, true)
	if err != nil {
		return nil, fmt.Errorf("intent: resolving provider: %w", err)
	}

	timeout := c.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		text, err := caller.Complete(callCtx, classifySystemPrompt, buildClassifyMessage(question))
		ch <- outcome{text: text, err: err}
	}()

	var reply string
	select {
	case o := <-ch:
		if o.err != nil {
			return nil, fmt.Errorf("intent: model call: %w", o.err)
		}
		reply = o.text
	case <-callCtx.Done():
		aiTimeoutsTotal.Inc()
		span.SetStatus(codes.Error, "model call timed out")
		return nil, fmt.Errorf("intent: model call timed out after %s", timeout)
	}
	aiFallbackDuration.Observe(time.Since(start).Seconds())

	result, err := parseAIReply(reply)
	if err != nil {
		return nil, err
	}
	return *result, nil
}

// selectModelID asks the selection collaborator for a lightweight model and
// falls back to the configured default id rather than aborting.
func (c *Classifier) selectModelID(ctx context.Context, opts *Options) string {
	fallbackID := opts.DefaultModelID
	if fallbackID == "" {
		fallbackID = c.defaultModelID
	}

	if c.selector == nil {
		return fallbackID
	}
	sel, err := c.selector.SelectModel(ctx, providers.SelectionRequest{
		Complexity: "simple",
		TaskType:   "intent classification",
	})
	if err != nil {
		c.logger.Warn("model selection failed, using default model",
			slog.String("default_model", fallbackID),
			slog.String("error", err.Error()))
		return fallbackID
	}
	return sel.ModelID
}

// =============================================================================
// Model Reply Parsing
// =============================================================================

const classifySystemPrompt = `You classify analytical questions about clinical wound-care reporting data into exactly one intent:

- "temporal_proximity": outcomes relative to a quantified time window (e.g. healed within 4 weeks of admission).
- "assessment_correlation": relating assessment quantities (wound area, depth, pain scores) to treatments, settings, or other factors.
- "workflow_status": pending, overdue, or incomplete work items (unsigned assessments, outstanding referrals).
- "unknown": none of the above.

Reply with a JSON object only:
{"intent": "<one of the four values>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`

func buildClassifyMessage(question string) string {
	return "Question: " + question
}

// parseAIReply parses the structured classification reply. Handles a bare
// JSON object, optionally wrapped in a fenced block.
func parseAIReply(reply string) (*Result, error) {
	trimmed := strings.TrimSpace(reply)
	if after, ok := strings.CutPrefix(trimmed, "```"); ok {
		if idx := strings.IndexByte(after, '\n'); idx >= 0 {
			after = after[idx+1:]
		}
		if end := strings.LastIndex(after, "```"); end >= 0 {
			trimmed = strings.TrimSpace(after[:end])
		}
	}

	var wire struct {
		Intent     string   `json:"intent"`
		Confidence *float64 `json:"confidence"`
		Reasoning  string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return nil, fmt.Errorf("intent: unparseable model reply: %w", err)
	}

	intent := Intent(wire.Intent)
	switch intent {
	case IntentTemporalProximity, IntentAssessmentCorrelation, IntentWorkflowStatus, IntentUnknown:
	default:
		return nil, fmt.Errorf("intent: model returned unknown intent %q", wire.Intent)
	}

	confidence := 0.5
	if wire.Confidence != nil {
		confidence = *wire.Confidence
	}

	return &Result{
		Intent:     intent,
		Confidence: confidence,
		Method:     MethodAI,
		Reasoning:  wire.Reasoning,
	}, nil
}
