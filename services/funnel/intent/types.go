// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies analytical questions into clinical reporting
// intents. Deterministic pattern detectors provide the fast path; a model
// call is the fallback when no detector is confident enough.
package intent

// Intent is a supported question category.
type Intent string

const (
	// IntentTemporalProximity asks about an outcome within a time window,
	// e.g. "which wounds healed within 4 weeks of admission".
	IntentTemporalProximity Intent = "temporal_proximity"

	// IntentAssessmentCorrelation relates assessment quantities to
	// treatments or settings, e.g. "does dressing type affect wound area".
	IntentAssessmentCorrelation Intent = "assessment_correlation"

	// IntentWorkflowStatus asks about pending or overdue work items,
	// e.g. "which assessments are still unsigned".
	IntentWorkflowStatus Intent = "workflow_status"

	// IntentUnknown is the degraded terminal intent.
	IntentUnknown Intent = "unknown"
)

// Method records how a classification was produced.
type Method string

const (
	// MethodPattern means a detector matched above the threshold.
	MethodPattern Method = "pattern"

	// MethodAI means the model fallback produced the result.
	MethodAI Method = "ai"

	// MethodFallback marks the degraded result returned when every stage
	// failed. Never cached.
	MethodFallback Method = "fallback"
)

// Result is a single classification outcome.
type Result struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Method     Method  `json:"method"`

	// MatchedPatterns lists the detector sub-signals that fired, e.g.
	// "proximity:within" or "timeUnit:4 weeks". Pattern method only.
	MatchedPatterns []string `json:"matchedPatterns,omitempty"`

	// Reasoning is the model's explanation. AI method only.
	Reasoning string `json:"reasoning,omitempty"`
}
