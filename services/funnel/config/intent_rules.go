// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates YAML configuration for the funnel's
// pattern detectors. A default rule set ships embedded in the binary;
// deployments can layer their own keyword vocabulary on top.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Embedded Default Intent Rules
// =============================================================================

//go:embed intent_rules.yaml
var defaultIntentRulesYAML []byte

// MaxYAMLFileSize bounds config file parsing.
const MaxYAMLFileSize = 1 << 20 // 1 MiB

var configTracer = otel.Tracer("queryfunnel.config")

// =============================================================================
// Intent Rule Types
// =============================================================================

// IntentRules holds the keyword vocabulary for every pattern detector.
//
// Thread Safety: Immutable after loading; safe for concurrent use.
type IntentRules struct {
	// TemporalProximity configures the "outcome within a time window" detector.
	TemporalProximity TemporalProximityRules `yaml:"temporal_proximity"`

	// AssessmentCorrelation configures the "relate assessments to factors" detector.
	AssessmentCorrelation AssessmentCorrelationRules `yaml:"assessment_correlation"`

	// WorkflowStatus configures the "pending/overdue work items" detector.
	WorkflowStatus WorkflowStatusRules `yaml:"workflow_status"`
}

// TemporalProximityRules describes the temporal-proximity detector signals.
// The numeric time unit is the mandatory anchor; without it the detector
// returns no match regardless of the other signals.
type TemporalProximityRules struct {
	// ProximityKeywords are words that relate an outcome to a time window.
	ProximityKeywords []string `yaml:"proximity_keywords"`

	// TimeUnits are unit words accepted after a number (e.g. "4 weeks").
	TimeUnits []string `yaml:"time_units"`

	// OutcomeKeywords are clinical outcome words that complete the signal.
	OutcomeKeywords []string `yaml:"outcome_keywords"`

	// FullConfidence is assigned when all three signal classes match.
	FullConfidence float64 `yaml:"full_confidence"`

	// PartialConfidence is assigned when the anchor matches without an outcome.
	PartialConfidence float64 `yaml:"partial_confidence"`
}

// AssessmentCorrelationRules describes the assessment-correlation detector.
// At least one assessment noun is the mandatory anchor.
type AssessmentCorrelationRules struct {
	// CorrelationKeywords are verbs/nouns expressing a relationship question.
	CorrelationKeywords []string `yaml:"correlation_keywords"`

	// AssessmentNouns name assessment-domain quantities.
	AssessmentNouns []string `yaml:"assessment_nouns"`

	// DomainNouns name the other side of a correlation (treatments, settings).
	DomainNouns []string `yaml:"domain_nouns"`

	FullConfidence    float64 `yaml:"full_confidence"`
	PartialConfidence float64 `yaml:"partial_confidence"`
}

// WorkflowStatusRules describes the workflow-status detector. A status
// keyword is the mandatory anchor.
type WorkflowStatusRules struct {
	// StatusKeywords are work-state words (pending, overdue, unsigned).
	StatusKeywords []string `yaml:"status_keywords"`

	// WorkflowEntities are the work items a status can apply to.
	WorkflowEntities []string `yaml:"workflow_entities"`

	FullConfidence    float64 `yaml:"full_confidence"`
	PartialConfidence float64 `yaml:"partial_confidence"`
}

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultFullConfidence applies when a rule omits full_confidence.
	DefaultFullConfidence = 0.9

	// DefaultPartialConfidence applies when a rule omits partial_confidence.
	DefaultPartialConfidence = 0.6
)

// =============================================================================
// Singleton Intent Rules
// =============================================================================

var (
	intentRulesMu      sync.RWMutex
	intentRulesOnce    sync.Once
	cachedIntentRules  *IntentRules
	intentRulesLoadErr error
)

// GetIntentRules returns the cached intent rules.
//
// Description:
//
//	Loads the embedded default rules on first call and caches for
//	subsequent calls. Uses sync.Once for thread-safe initialization.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil.
//
// Outputs:
//
//	*IntentRules - The loaded rules. Never nil on success.
//	error - Non-nil if loading or validation failed.
//
// Thread Safety: Safe for concurrent use via sync.Once.
func GetIntentRules(ctx context.Context) (*IntentRules, error) {
	if ctx == nil {
		return nil, fmt.Errorf("GetIntentRules: ctx must not be nil")
	}

	intentRulesMu.RLock()
	if cachedIntentRules != nil || intentRulesLoadErr != nil {
		rules, err := cachedIntentRules, intentRulesLoadErr
		intentRulesMu.RUnlock()
		return rules, err
	}
	intentRulesMu.RUnlock()

	intentRulesMu.Lock()
	defer intentRulesMu.Unlock()

	if cachedIntentRules != nil || intentRulesLoadErr != nil {
		return cachedIntentRules, intentRulesLoadErr
	}

	intentRulesOnce.Do(func() {
		data := defaultIntentRulesYAML
		if path := os.Getenv("INTENT_RULES_PATH"); path != "" {
			fileData, readErr := os.ReadFile(path)
			if readErr != nil {
				intentRulesLoadErr = fmt.Errorf("GetIntentRules: reading %s: %w", path, readErr)
				return
			}
			slog.Info("Loading intent rules from override file", slog.String("path", path))
			data = fileData
		}
		cachedIntentRules, intentRulesLoadErr = LoadIntentRules(ctx, data)
	})

	return cachedIntentRules, intentRulesLoadErr
}

// ResetIntentRules resets the cached rules for testing.
//
// Thread Safety: Safe for concurrent use.
func ResetIntentRules() {
	intentRulesMu.Lock()
	defer intentRulesMu.Unlock()
	cachedIntentRules = nil
	intentRulesLoadErr = nil
	intentRulesOnce = sync.Once{}
}

// LoadIntentRules loads and validates IntentRules from YAML bytes.
//
// Description:
//
//	Parses the YAML, applies confidence defaults for missing fields, and
//	validates that every detector carries its anchor vocabulary.
//
// Inputs:
//
//	ctx - Context for tracing.
//	data - Raw YAML bytes to parse.
//
// Outputs:
//
//	*IntentRules - The validated rules.
//	error - Non-nil if parsing or validation fails.
func LoadIntentRules(ctx context.Context, data []byte) (*IntentRules, error) {
	_, span := configTracer.Start(ctx, "config.LoadIntentRules")
	defer span.End()

	if len(data) == 0 {
		return nil, fmt.Errorf("LoadIntentRules: empty YAML data")
	}
	if len(data) > MaxYAMLFileSize {
		return nil, fmt.Errorf("LoadIntentRules: YAML data exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}

	var rules IntentRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("LoadIntentRules: parsing YAML: %w", err)
	}

	applyConfidenceDefaults(&rules)

	if err := validateIntentRules(&rules); err != nil {
		return nil, fmt.Errorf("LoadIntentRules: validation: %w", err)
	}

	span.SetAttributes(
		attribute.Int("proximity_keywords", len(rules.TemporalProximity.ProximityKeywords)),
		attribute.Int("correlation_keywords", len(rules.AssessmentCorrelation.CorrelationKeywords)),
		attribute.Int("status_keywords", len(rules.WorkflowStatus.StatusKeywords)),
	)

	slog.Info("intent rules loaded",
		slog.Int("proximity_keywords", len(rules.TemporalProximity.ProximityKeywords)),
		slog.Int("correlation_keywords", len(rules.AssessmentCorrelation.CorrelationKeywords)),
		slog.Int("status_keywords", len(rules.WorkflowStatus.StatusKeywords)),
	)

	return &rules, nil
}

func applyConfidenceDefaults(rules *IntentRules) {
	pairs := []struct {
		full    *float64
		partial *float64
	}{
		{&rules.TemporalProximity.FullConfidence, &rules.TemporalProximity.PartialConfidence},
		{&rules.AssessmentCorrelation.FullConfidence, &rules.AssessmentCorrelation.PartialConfidence},
		{&rules.WorkflowStatus.FullConfidence, &rules.WorkflowStatus.PartialConfidence},
	}
	for _, p := range pairs {
		if *p.full <= 0 {
			*p.full = DefaultFullConfidence
		}
		if *p.partial <= 0 {
			*p.partial = DefaultPartialConfidence
		}
	}
}

// validateIntentRules checks each detector for a usable vocabulary.
func validateIntentRules(rules *IntentRules) error {
	if len(rules.TemporalProximity.TimeUnits) == 0 {
		return fmt.Errorf("temporal_proximity: time_units must not be empty")
	}
	if len(rules.TemporalProximity.ProximityKeywords) == 0 {
		return fmt.Errorf("temporal_proximity: proximity_keywords must not be empty")
	}
	if len(rules.AssessmentCorrelation.AssessmentNouns) == 0 {
		return fmt.Errorf("assessment_correlation: assessment_nouns must not be empty")
	}
	if len(rules.AssessmentCorrelation.CorrelationKeywords) == 0 {
		return fmt.Errorf("assessment_correlation: correlation_keywords must not be empty")
	}
	if len(rules.WorkflowStatus.StatusKeywords) == 0 {
		return fmt.Errorf("workflow_status: status_keywords must not be empty")
	}
	if len(rules.WorkflowStatus.WorkflowEntities) == 0 {
		return fmt.Errorf("workflow_status: workflow_entities must not be empty")
	}

	for name, pair := range map[string][2]float64{
		"temporal_proximity":     {rules.TemporalProximity.FullConfidence, rules.TemporalProximity.PartialConfidence},
		"assessment_correlation": {rules.AssessmentCorrelation.FullConfidence, rules.AssessmentCorrelation.PartialConfidence},
		"workflow_status":        {rules.WorkflowStatus.FullConfidence, rules.WorkflowStatus.PartialConfidence},
	} {
		if pair[0] > 1 || pair[1] > 1 {
			return fmt.Errorf("%s: confidence values must be in (0,1]", name)
		}
		if pair[1] >= pair[0] {
			return fmt.Errorf("%s: partial_confidence must be below full_confidence", name)
		}
	}

	return nil
}
