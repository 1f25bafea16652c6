// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package funnel drives the query funnel: a question is classified,
// decomposed into ordered sub-questions, and each sub-question resolved to
// safety-validated SQL. Conversational turns can instead compose onto the
// previous turn's query.
package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vantahealth/queryfunnel/services/funnel/compose"
	"github.com/vantahealth/queryfunnel/services/funnel/convo"
	"github.com/vantahealth/queryfunnel/services/funnel/decompose"
	"github.com/vantahealth/queryfunnel/services/funnel/events"
	"github.com/vantahealth/queryfunnel/services/funnel/intent"
	"github.com/vantahealth/queryfunnel/services/funnel/providers"
	"github.com/vantahealth/queryfunnel/services/funnel/sqlsafety"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	funnelRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "service",
		Name:      "runs_total",
		Help:      "Funnel runs by outcome (ok, decompose_error, step_error).",
	}, []string{"outcome"})

	funnelStepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "funnel",
		Subsystem: "service",
		Name:      "steps_total",
		Help:      "Sub-question steps resolved to validated SQL.",
	})
)

var serviceTracer = otel.Tracer("queryfunnel.service")

// =============================================================================
// Service
// =============================================================================

// Service wires the funnel's components behind the HTTP surface.
//
// Thread Safety: Safe for concurrent use. Conversation state is guarded by
// an internal mutex.
type Service struct {
	classifier   *intent.Classifier
	orchestrator *providers.Orchestrator
	healthDir    providers.HealthDirectory
	publisher    events.Publisher

	defaultModelID string
	logger         *slog.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
}

// conversation tracks per-conversation state across turns.
type conversation struct {
	context convo.Context

	// lastQuestion/lastSQL feed the composer's "previous turn".
	lastQuestion string
	lastSQL      string
}

// ServiceConfig wires a Service's collaborators.
type ServiceConfig struct {
	Classifier   *intent.Classifier
	Orchestrator *providers.Orchestrator
	HealthDir    providers.HealthDirectory

	// Publisher receives usage events. Nil means discard.
	Publisher events.Publisher

	// DefaultModelID is used when a request names no model.
	DefaultModelID string

	Logger *slog.Logger
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		classifier:     cfg.Classifier,
		orchestrator:   cfg.Orchestrator,
		healthDir:      cfg.HealthDir,
		publisher:      cfg.Publisher,
		defaultModelID: cfg.DefaultModelID,
		logger:         cfg.Logger,
		conversations:  make(map[string]*conversation),
	}
}

// =============================================================================
// Request / Response Types
// =============================================================================

// RunRequest asks the funnel to resolve a question end to end.
type RunRequest struct {
	Question       string `json:"question" binding:"required"`
	CustomerID     string `json:"customerId" binding:"required"`
	ConversationID string `json:"conversationId"`
	ModelID        string `json:"modelId"`
}

// StepResult is one resolved sub-question.
type StepResult struct {
	Step     int      `json:"step"`
	Question string   `json:"question"`
	SQL      string   `json:"sql"`
	Warnings []string `json:"warnings,omitempty"`

	// Chart is a presentation hint: bar, line, or table.
	Chart string `json:"chart"`
}

// RunResult is the funnel's end-to-end output for one question.
type RunResult struct {
	Intent    intent.Result `json:"intent"`
	Steps     []StepResult  `json:"steps"`
	MessageID string        `json:"messageId"`
}

// ComposeRequest asks for a conversational composition against the
// conversation's previous turn.
type ComposeRequest struct {
	CurrentQuestion string `json:"currentQuestion" binding:"required"`
	ConversationID  string `json:"conversationId" binding:"required"`
	ModelID         string `json:"modelId"`
}

// ComposeResult carries the decision and, when composition happened, the
// validated composed query.
type ComposeResult struct {
	Decision compose.Decision  `json:"decision"`
	Composed *compose.Composed `json:"composed,omitempty"`
}

// =============================================================================
// Operations
// =============================================================================

// Classify exposes intent classification.
func (s *Service) Classify(ctx context.Context, question, customerID string) intent.Result {
	return s.classifier.Classify(ctx, question, customerID, nil)
}

// ValidateSQL exposes the safety validator.
func (s *Service) ValidateSQL(sql string) *sqlsafety.Report {
	return sqlsafety.Validate(sql)
}

// ProviderHealth reports the health directory's view of every provider.
func (s *Service) ProviderHealth(ctx context.Context) ([]providers.ProviderHealth, error) {
	if s.healthDir == nil {
		return nil, fmt.Errorf("funnel: no health directory configured")
	}
	return s.healthDir.GetAllProviderHealth(ctx)
}

// RunFunnel resolves a question into validated per-step SQL.
//
// Description:
//
//	Classifies the question, asks the model for an ordered decomposition,
//	validates the step graph, then resolves each step to SQL and runs the
//	safety validator over it. A fatal validation failure on any step fails
//	the run; advisory rewrites are folded into the returned SQL.
func (s *Service) RunFunnel(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := serviceTracer.Start(ctx, "funnel.RunFunnel")
	defer span.End()
	span.SetAttributes(attribute.String("customer_id", req.CustomerID))

	intentResult := s.classifier.Classify(ctx, req.Question, req.CustomerID, nil)

	caller, err := s.resolveCaller(ctx, req.ModelID)
	if err != nil {
		funnelRunsTotal.WithLabelValues("decompose_error").Inc()
		span.SetStatus(codes.Error, "provider resolution failed")
		return nil, err
	}

	steps, err := s.decomposeQuestion(ctx, caller, req.Question, intentResult)
	if err != nil {
		funnelRunsTotal.WithLabelValues("decompose_error").Inc()
		span.SetStatus(codes.Error, "decomposition failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("step_count", len(steps)))

	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		sql, err := s.generateStepSQL(ctx, caller, step, results)
		if err != nil {
			funnelRunsTotal.WithLabelValues("step_error").Inc()
			span.SetStatus(codes.Error, "step resolution failed")
			return nil, fmt.Errorf("funnel: step %d: %w", step.Number, err)
		}

		report := sqlsafety.Validate(sql)
		if !report.IsValid {
			funnelRunsTotal.WithLabelValues("step_error").Inc()
			span.SetStatus(codes.Error, "step failed safety validation")
			return nil, fmt.Errorf("funnel: step %d produced unsafe SQL: %s",
				step.Number, strings.Join(report.Warnings, "; "))
		}

		funnelStepsTotal.Inc()
		results = append(results, StepResult{
			Step:     step.Number,
			Question: step.Question,
			SQL:      report.ModifiedSQL,
			Warnings: report.Warnings,
			Chart:    recommendChart(report.ModifiedSQL),
		})
	}

	messageID := uuid.NewString()
	if req.ConversationID != "" && len(results) > 0 {
		final := results[len(results)-1]
		s.recordTurn(req.ConversationID, req.CustomerID, messageID, req.Question, final.SQL)
	}

	s.publisher.Publish(events.TypeUsage, map[string]any{
		"operation":   "run",
		"customer_id": req.CustomerID,
		"intent":      string(intentResult.Intent),
		"steps":       len(results),
	})
	funnelRunsTotal.WithLabelValues("ok").Inc()

	return &RunResult{Intent: intentResult, Steps: results, MessageID: messageID}, nil
}

// ComposeTurn runs the two-phase conversational composition for a
// follow-up question.
//
// Description:
//
//	Phase A decides whether the question builds on the conversation's
//	previous turn; a negative or failed decision returns with no composed
//	query and no error. A positive decision runs Phase B, whose result
//	replaces the conversation's previous turn.
func (s *Service) ComposeTurn(ctx context.Context, req ComposeRequest) (*ComposeResult, error) {
	ctx, span := serviceTracer.Start(ctx, "funnel.ComposeTurn")
	defer span.End()

	prevQuestion, prevSQL, ok := s.previousTurn(req.ConversationID)
	if !ok {
		return nil, fmt.Errorf("funnel: conversation %s has no previous query to compose on", req.ConversationID)
	}

	caller, err := s.resolveCaller(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	composer := compose.NewComposer(caller, s.logger)

	decision := composer.ShouldComposeQuery(ctx, req.CurrentQuestion, prevQuestion, prevSQL)
	result := &ComposeResult{Decision: decision}
	if !decision.ShouldCompose {
		return result, nil
	}

	composed, err := composer.ComposeQuery(ctx, prevSQL, prevQuestion, req.CurrentQuestion)
	if err != nil {
		span.SetStatus(codes.Error, "composition failed")
		return nil, err
	}
	result.Composed = composed

	s.recordTurn(req.ConversationID, "", uuid.NewString(), req.CurrentQuestion, composed.SQL)
	return result, nil
}

// RecordResultMetadata attaches executed-result metadata to a conversation.
// Entity values are one-way hashed before storage; raw rows never enter the
// conversation context.
func (s *Service) RecordResultMetadata(conversationID, messageID string, rowCount int, columns, entityValues []string) convo.Context {
	hashes := make([]string, 0, len(entityValues))
	for _, v := range entityValues {
		hashes = append(hashes, convo.HashEntity(v))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(conversationID)
	conv.context = convo.AddResult(conv.context, convo.ResultSetRef{
		MessageID:    messageID,
		RowCount:     rowCount,
		Columns:      columns,
		EntityHashes: hashes,
	})
	return conv.context
}

// ConversationContext returns a copy of the conversation's context and its
// serialized size estimate.
func (s *Service) ConversationContext(conversationID string) (convo.Context, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return convo.Context{}, 0, false
	}
	return conv.context, convo.EstimateSize(conv.context), true
}

// ClearConversation drops a conversation's result-set history.
func (s *Service) ClearConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.context = convo.Clear(conv.context)
		conv.lastQuestion = ""
		conv.lastSQL = ""
	}
}

// =============================================================================
// Internals
// =============================================================================

func (s *Service) resolveCaller(ctx context.Context, modelID string) (providers.ModelCaller, error) {
	if modelID == "" {
		modelID = s.defaultModelID
	}
	caller, err := s.orchestrator.GetProvider(ctx, modelID, true)
	if err != nil {
		return nil, fmt.Errorf("funnel: resolving provider: %w", err)
	}
	return caller, nil
}

// conversation returns the tracked conversation, creating it on first use.
// Caller must hold s.mu.
func (s *Service) conversation(id string) *conversation {
	conv, ok := s.conversations[id]
	if !ok {
		conv = &conversation{context: convo.Context{ConversationID: id}}
		s.conversations[id] = conv
	}
	return conv
}

func (s *Service) recordTurn(conversationID, customerID, messageID, question, sql string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversation(conversationID)
	if customerID != "" {
		conv.context.CustomerID = customerID
	}
	conv.lastQuestion = question
	conv.lastSQL = sql
	conv.context = convo.AddResult(conv.context, convo.ResultSetRef{MessageID: messageID})
}

func (s *Service) previousTurn(conversationID string) (question, sql string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, exists := s.conversations[conversationID]
	if !exists || conv.lastSQL == "" {
		return "", "", false
	}
	return conv.lastQuestion, conv.lastSQL, true
}

// decomposeQuestion asks the model for an ordered sub-question plan and
// validates the dependency graph.
func (s *Service) decomposeQuestion(ctx context.Context, caller providers.ModelCaller, question string, intentResult intent.Result) ([]decompose.Step, error) {
	reply, err := caller.Complete(ctx, decomposeSystemPrompt, buildDecomposeMessage(question, intentResult))
	if err != nil {
		return nil, fmt.Errorf("funnel: decomposition call: %w", err)
	}

	steps, err := parseSteps(reply)
	if err != nil {
		return nil, err
	}
	if err := decompose.ValidateSteps(steps); err != nil {
		return nil, fmt.Errorf("funnel: invalid decomposition: %w", err)
	}
	return steps, nil
}

// generateStepSQL resolves one sub-question to SQL, giving the model the
// already-resolved dependency queries as context.
func (s *Service) generateStepSQL(ctx context.Context, caller providers.ModelCaller, step decompose.Step, resolved []StepResult) (string, error) {
	reply, err := caller.Complete(ctx, sqlSystemPrompt, buildSQLMessage(step, resolved))
	if err != nil {
		return "", fmt.Errorf("generation call: %w", err)
	}
	sql := extractSQL(reply)
	if sql == "" {
		return "", fmt.Errorf("model reply contained no SQL")
	}
	return sql, nil
}

// parseSteps accepts either a bare JSON array of steps or an object with a
// "steps" field, optionally fenced.
func parseSteps(reply string) ([]decompose.Step, error) {
	trimmed := stripFence(reply)

	var steps []decompose.Step
	if err := json.Unmarshal([]byte(trimmed), &steps); err == nil {
		return steps, nil
	}

	var wrapper struct {
		Steps []decompose.Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapper); err == nil && len(wrapper.Steps) > 0 {
		return wrapper.Steps, nil
	}

	return nil, fmt.Errorf("funnel: unparseable decomposition reply")
}

// extractSQL pulls the SQL statement out of a model reply, handling fenced
// blocks and surrounding prose.
func extractSQL(reply string) string {
	trimmed := stripFence(reply)

	// A reply that already starts with the statement needs no searching.
	upper := strings.ToUpper(strings.TrimSpace(trimmed))
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH") {
		return strings.TrimSpace(trimmed)
	}

	// Otherwise take everything from the first SELECT/WITH keyword on.
	for _, kw := range []string{"SELECT", "WITH"} {
		if idx := strings.Index(strings.ToUpper(trimmed), kw); idx >= 0 {
			return strings.TrimSpace(trimmed[idx:])
		}
	}
	return ""
}

func stripFence(s string) string {
	trimmed := strings.TrimSpace(s)
	after, ok := strings.CutPrefix(trimmed, "```")
	if !ok {
		return trimmed
	}
	if idx := strings.IndexByte(after, '\n'); idx >= 0 {
		after = after[idx+1:]
	}
	if end := strings.LastIndex(after, "```"); end >= 0 {
		after = after[:end]
	}
	return strings.TrimSpace(after)
}

// recommendChart picks a presentation hint from the query's shape.
func recommendChart(sql string) string {
	upper := strings.ToUpper(sql)
	switch {
	case strings.Contains(upper, "GROUP BY") &&
		(strings.Contains(upper, "DATE") || strings.Contains(upper, "MONTH") || strings.Contains(upper, "WEEK")):
		return "line"
	case strings.Contains(upper, "GROUP BY"):
		return "bar"
	default:
		return "table"
	}
}

// =============================================================================
// Prompts
// =============================================================================

const decomposeSystemPrompt = `You decompose an analytical question about clinical wound-care reporting data into ordered sub-questions.

Reply with a JSON array only. Each element: {"step": <1-based number>, "question": "<sub-question>", "dependsOn": null | <step number> | [<step numbers>]}.
Steps must form a continuous sequence starting at 1, and a step may only depend on earlier steps. Use a single step when the question needs no decomposition.`

func buildDecomposeMessage(question string, intentResult intent.Result) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	if intentResult.Intent != intent.IntentUnknown {
		b.WriteString("\nDetected intent: ")
		b.WriteString(string(intentResult.Intent))
	}
	return b.String()
}

const sqlSystemPrompt = `You write a single SQL query against the clinical reporting schema (tables live under the "rpt" schema: Patient, Wound, WoundAssessment, WoundMeasurement, Encounter, Facility, Clinician, Treatment, LabResult).

Rules: SELECT or WITH statements only; no data modification; no temp tables. Reply with the SQL statement only.`

func buildSQLMessage(step decompose.Step, resolved []StepResult) string {
	var b strings.Builder
	b.WriteString("Sub-question: ")
	b.WriteString(step.Question)
	for _, dep := range step.DependsOn {
		for _, r := range resolved {
			if r.Step == dep {
				fmt.Fprintf(&b, "\n\nQuery for step %d (%s):\n%s", r.Step, r.Question, r.SQL)
			}
		}
	}
	return b.String()
}
