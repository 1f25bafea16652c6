// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers resolves model ids to model-calling backends and handles
// health-based fallback between them.
//
// The registry mapping model id to provider is a plain lookup table, not
// inheritance-based dispatch. Fallback selection reads the provider health
// directory and picks the first healthy candidate in a fixed priority order;
// it never mutates the originally requested provider's state.
//
// Thread Safety:
//
//	All interfaces in this package must be implemented as safe for
//	concurrent use.
package providers

import (
	"context"
	"time"

	"github.com/vantahealth/queryfunnel/services/llm"
)

// ProviderType identifies a model-calling backend.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderGoogle    ProviderType = "google"
	ProviderOpenWebUI ProviderType = "openwebui"
)

// ValidProviders lists every known provider type.
var ValidProviders = []ProviderType{ProviderAnthropic, ProviderGoogle, ProviderOpenWebUI}

// fallbackPriority is the fixed ranking used when selecting a substitute for
// an unhealthy provider.
var fallbackPriority = []ProviderType{ProviderAnthropic, ProviderGoogle, ProviderOpenWebUI}

// ModelCaller is the capability set every provider backend exposes.
//
// Description:
//
//	Complete is the plain text-in/text-out call used by the composer and
//	classifier. ExecuteModel additionally returns token usage. TestConnection
//	is a cheap health probe run before a backend is handed to a caller.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ModelCaller interface {
	// Complete sends a system prompt and user message, returning reply text.
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)

	// ExecuteModel sends a completion request and returns the reply with
	// provider-reported token usage.
	ExecuteModel(ctx context.Context, systemPrompt, userMessage string) (*llm.ModelResult, error)

	// TestConnection reports whether the backend is reachable and usable.
	TestConnection(ctx context.Context) bool

	// AvailableModels lists the model ids this backend can serve.
	AvailableModels() []string

	// Model returns the model id this instance is bound to.
	Model() string
}

// ProviderHealth is one provider's health record as reported by the health
// directory. The orchestrator consumes these read-only.
type ProviderHealth struct {
	ProviderType   ProviderType `json:"providerType"`
	ProviderName   string       `json:"providerName"`
	IsHealthy      bool         `json:"isHealthy"`
	LastChecked    time.Time    `json:"lastChecked"`
	ResponseTimeMs float64      `json:"responseTimeMs"`
	ErrorMessage   string       `json:"errorMessage,omitempty"`
}

// HealthDirectory reports the health of every enabled provider configuration.
//
// Thread Safety: Implementations must be safe for concurrent use.
type HealthDirectory interface {
	GetAllProviderHealth(ctx context.Context) ([]ProviderHealth, error)
}
