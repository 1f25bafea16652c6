// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compose

import "fmt"

// decisionSystemPrompt instructs the model to judge whether the current
// question builds on the previous one. The reply must be a JSON object.
const decisionSystemPrompt = `You decide whether a follow-up analytical question builds on the previous query in a conversation about clinical reporting data.

Signals that the question BUILDS ON the previous one:
- Pronoun references to prior results ("which ones", "of those", "them")
- Vague aggregation with no named entities ("how many", "what percentage")
- Refinement language ("only the", "just show", "narrow to")

Signals that the question is INDEPENDENT:
- Newly named, distinct entities or metrics
- A disjoint time window or population
- A complete question that stands alone

Reply with a single JSON object:
{"shouldCompose": true|false, "reasoning": "<one sentence>", "confidence": <0.0-1.0>}`

// compositionSystemPrompt instructs the model to synthesize composed SQL
// using one of three strategies. The reply must be a JSON object.
const compositionSystemPrompt = `You compose a new SQL query that reuses the previous turn's query. Choose exactly one strategy:

- "cte" (preferred): wrap the previous query as a named CTE and select/filter from it.
- "merged_where": append the new condition to the previous query's WHERE clause.
- "fresh": ignore the previous query when composition is not actually warranted.

Rules: SELECT/WITH statements only, no temp tables, at most 3 CTEs total.

Reply with a single JSON object:
{"sql": "<the composed SQL>", "strategy": "cte"|"merged_where"|"fresh", "reasoning": "<one sentence>"}`

// buildDecisionMessage assembles the user message for the Phase A call.
func buildDecisionMessage(currentQuestion, previousQuestion, previousSQL string) string {
	return fmt.Sprintf("Previous question: %s\n\nPrevious SQL:\n%s\n\nCurrent question: %s",
		previousQuestion, previousSQL, currentQuestion)
}

// buildCompositionMessage assembles the user message for the Phase B call.
func buildCompositionMessage(previousSQL, previousQuestion, currentQuestion string) string {
	return fmt.Sprintf("Previous question: %s\n\nPrevious SQL:\n%s\n\nCompose SQL answering: %s",
		previousQuestion, previousSQL, currentQuestion)
}
