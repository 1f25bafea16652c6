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

import "github.com/vantahealth/queryfunnel/services/llm"

// Constructor builds a ModelCaller bound to a specific model id. It fails
// when the provider's configuration (API key, base URL) is missing.
type Constructor func(model string) (ModelCaller, error)

// registryEntry binds one model id to its provider type.
type registryEntry struct {
	provider ProviderType
}

// modelRegistry maps model ids to provider types. Plain lookup table; adding
// a model means adding a row here, nothing else.
var modelRegistry = map[string]registryEntry{
	"claude-3-5-sonnet-20240620": {provider: ProviderAnthropic},
	"claude-3-5-haiku-20241022":  {provider: ProviderAnthropic},
	"claude-3-opus-20240229":     {provider: ProviderAnthropic},

	"gemini-1.5-flash": {provider: ProviderGoogle},
	"gemini-1.5-pro":   {provider: ProviderGoogle},
	"gemini-2.0-flash": {provider: ProviderGoogle},

	"llama3.1:8b":  {provider: ProviderOpenWebUI},
	"llama3.1:70b": {provider: ProviderOpenWebUI},
	"qwen2.5:14b":  {provider: ProviderOpenWebUI},
}

// defaultModels maps each provider type to the model id used when the
// provider is instantiated as a fallback for another.
var defaultModels = map[ProviderType]string{
	ProviderAnthropic: llm.DefaultAnthropicModel,
	ProviderGoogle:    llm.DefaultGoogleModel,
	ProviderOpenWebUI: llm.DefaultOpenWebUIModel,
}

// lightweightModels maps each provider type to its cheapest configured model,
// used by the model selector for low-complexity tasks such as intent
// classification.
var lightweightModels = map[ProviderType]string{
	ProviderAnthropic: "claude-3-5-haiku-20241022",
	ProviderGoogle:    "gemini-1.5-flash",
	ProviderOpenWebUI: "llama3.1:8b",
}

// defaultConstructors builds the production Constructor set backed by the
// llm package clients. Tests inject their own set.
func defaultConstructors() map[ProviderType]Constructor {
	return map[ProviderType]Constructor{
		ProviderAnthropic: func(model string) (ModelCaller, error) {
			return llm.NewAnthropicClientForModel(model)
		},
		ProviderGoogle: func(model string) (ModelCaller, error) {
			return llm.NewGoogleClientForModel(model)
		},
		ProviderOpenWebUI: func(model string) (ModelCaller, error) {
			return llm.NewOpenWebUIClientForModel(model)
		},
	}
}

// ProviderForModel resolves a model id to its provider type.
func ProviderForModel(modelID string) (ProviderType, bool) {
	entry, ok := modelRegistry[modelID]
	return entry.provider, ok
}

// DefaultModel returns the default model id for a provider type.
func DefaultModel(p ProviderType) string {
	return defaultModels[p]
}
