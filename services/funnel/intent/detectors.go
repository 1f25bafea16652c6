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
	"fmt"
	"regexp"
	"strings"

	"github.com/vantahealth/queryfunnel/services/funnel/config"
)

// =============================================================================
// Detector Contract
// =============================================================================

// Match is a positive detector outcome.
type Match struct {
	Intent Intent

	// Confidence in [0,1] per the detector's graduated policy.
	Confidence float64

	// Signals are the matched sub-signals, e.g. "proximity:within".
	Signals []string
}

// Detector is one deterministic keyword scorer.
//
// Description:
//
//	Detect returns nil when the question does not carry the detector's
//	mandatory anchor signal. Detectors never guess: absence of the anchor
//	is no match, not a low-confidence match.
//
// Thread Safety: Implementations are immutable after construction.
type Detector interface {
	Name() string
	Detect(question string) *Match
}

// NewDetectors builds the full detector set from loaded rules.
func NewDetectors(rules *config.IntentRules) []Detector {
	return []Detector{
		newTemporalProximityDetector(rules.TemporalProximity),
		newAssessmentCorrelationDetector(rules.AssessmentCorrelation),
		newWorkflowStatusDetector(rules.WorkflowStatus),
	}
}

// =============================================================================
// Temporal Proximity
// =============================================================================

// temporalProximityDetector matches "outcome within a time window" questions.
// The numeric time unit (e.g. "4 weeks") is the anchor: a bare proximity
// word without a quantified window is too ambiguous to classify.
type temporalProximityDetector struct {
	rules      config.TemporalProximityRules
	timeUnitRe *regexp.Regexp
}

func newTemporalProximityDetector(rules config.TemporalProximityRules) *temporalProximityDetector {
	units := make([]string, len(rules.TimeUnits))
	for i, u := range rules.TimeUnits {
		units[i] = regexp.QuoteMeta(strings.ToLower(u))
	}
	re := regexp.MustCompile(`\b(\d+)\s+(` + strings.Join(units, "|") + `)\b`)
	return &temporalProximityDetector{rules: rules, timeUnitRe: re}
}

func (d *temporalProximityDetector) Name() string { return "temporal_proximity" }

func (d *temporalProximityDetector) Detect(question string) *Match {
	q := normalizeQuestion(question)

	unit := d.timeUnitRe.FindString(q)
	if unit == "" {
		return nil
	}
	proximity := firstPhrase(q, d.rules.ProximityKeywords)
	if proximity == "" {
		return nil
	}

	signals := []string{
		"proximity:" + proximity,
		"timeUnit:" + unit,
	}

	confidence := d.rules.PartialConfidence
	if outcome := firstPhrase(q, d.rules.OutcomeKeywords); outcome != "" {
		signals = append(signals, "outcome:"+outcome)
		confidence = d.rules.FullConfidence
	}

	return &Match{Intent: IntentTemporalProximity, Confidence: confidence, Signals: signals}
}

// =============================================================================
// Assessment Correlation
// =============================================================================

// assessmentCorrelationDetector matches "relate X to Y" questions. At least
// one assessment-domain noun is the anchor; the correlation keyword alone
// matches far too many generic comparison questions.
type assessmentCorrelationDetector struct {
	rules config.AssessmentCorrelationRules
}

func newAssessmentCorrelationDetector(rules config.AssessmentCorrelationRules) *assessmentCorrelationDetector {
	return &assessmentCorrelationDetector{rules: rules}
}

func (d *assessmentCorrelationDetector) Name() string { return "assessment_correlation" }

func (d *assessmentCorrelationDetector) Detect(question string) *Match {
	q := normalizeQuestion(question)

	assessments := allPhrases(q, d.rules.AssessmentNouns)
	if len(assessments) == 0 {
		return nil
	}
	correlation := firstPhrase(q, d.rules.CorrelationKeywords)
	if correlation == "" {
		return nil
	}

	signals := []string{"correlation:" + correlation}
	for _, a := range assessments {
		signals = append(signals, "assessment:"+a)
	}

	// A second noun on either side completes the pair being related.
	domains := allPhrases(q, d.rules.DomainNouns)
	for _, n := range domains {
		signals = append(signals, "domain:"+n)
	}

	confidence := d.rules.PartialConfidence
	if len(assessments)+len(domains) >= 2 {
		confidence = d.rules.FullConfidence
	}

	return &Match{Intent: IntentAssessmentCorrelation, Confidence: confidence, Signals: signals}
}

// =============================================================================
// Workflow Status
// =============================================================================

// workflowStatusDetector matches "what work is outstanding" questions. The
// status keyword is the anchor.
type workflowStatusDetector struct {
	rules config.WorkflowStatusRules
}

func newWorkflowStatusDetector(rules config.WorkflowStatusRules) *workflowStatusDetector {
	return &workflowStatusDetector{rules: rules}
}

func (d *workflowStatusDetector) Name() string { return "workflow_status" }

func (d *workflowStatusDetector) Detect(question string) *Match {
	q := normalizeQuestion(question)

	status := firstPhrase(q, d.rules.StatusKeywords)
	if status == "" {
		return nil
	}

	signals := []string{"status:" + status}
	confidence := d.rules.PartialConfidence
	if entity := firstPhrase(q, d.rules.WorkflowEntities); entity != "" {
		signals = append(signals, "entity:"+entity)
		confidence = d.rules.FullConfidence
	}

	return &Match{Intent: IntentWorkflowStatus, Confidence: confidence, Signals: signals}
}

// =============================================================================
// Helpers
// =============================================================================

var whitespaceRe = regexp.MustCompile(`\s+`)

// normalizeQuestion lowercases, collapses whitespace, and strips trailing
// punctuation so cache keys and keyword scans agree on the same form.
func normalizeQuestion(q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	q = whitespaceRe.ReplaceAllString(q, " ")
	return strings.TrimRight(q, "?!. ")
}

// firstPhrase returns the first phrase from candidates present in text as a
// whole word or phrase, or "" when none match.
func firstPhrase(text string, candidates []string) string {
	for _, c := range candidates {
		if containsPhrase(text, strings.ToLower(c)) {
			return strings.ToLower(c)
		}
	}
	return ""
}

// allPhrases returns every candidate phrase present in text, in rule order.
func allPhrases(text string, candidates []string) []string {
	var found []string
	for _, c := range candidates {
		if containsPhrase(text, strings.ToLower(c)) {
			found = append(found, strings.ToLower(c))
		}
	}
	return found
}

// containsPhrase reports whether phrase occurs in text bounded by non-word
// bytes. Substring matching alone would fire "order" inside "disorder".
// A trailing "s" on the text side is tolerated so singular vocabulary
// entries match simple plurals ("assessment" matches "assessments").
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for i := 0; i <= len(text)-len(phrase); {
		idx := strings.Index(text[i:], phrase)
		if idx < 0 {
			return false
		}
		start := i + idx
		end := start + len(phrase)
		if start == 0 || !isWordByte(text[start-1]) {
			if end == len(text) || !isWordByte(text[end]) {
				return true
			}
			if text[end] == 's' && (end+1 == len(text) || !isWordByte(text[end+1])) {
				return true
			}
		}
		i = start + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}

// describeMatch renders a match for disagreement logs.
func describeMatch(m *Match) string {
	if m == nil {
		return "none"
	}
	return fmt.Sprintf("%s(%.2f)", m.Intent, m.Confidence)
}
