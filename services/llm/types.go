// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm contains hand-rolled HTTP clients for the model providers the
// query funnel can talk to: Anthropic, Google, and OpenWebUI (any
// OpenAI-compatible gateway).
//
// Each client exposes the same capability set: Complete for plain text
// completion, ExecuteModel for completion with token usage, TestConnection
// as a cheap health probe, and AvailableModels. The providers package wraps
// these behind its ModelCaller interface.
package llm

import "time"

// ModelResult is the low-level result of a model execution, including token
// usage for cost accounting.
type ModelResult struct {
	// ResponseText is the assistant's reply.
	ResponseText string

	// Usage carries the provider-reported token counts. Zero when the
	// provider did not report usage.
	Usage TokenUsage
}

// TokenUsage holds provider-reported token counts for one call.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// defaultHTTPTimeout bounds every provider HTTP round trip. Individual calls
// can impose tighter deadlines through their context.
const defaultHTTPTimeout = 60 * time.Second
