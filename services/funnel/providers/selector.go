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

import (
	"context"
	"fmt"
)

// SelectionRequest describes the task a model is being selected for.
type SelectionRequest struct {
	// UserSelectedModelID is an explicit model choice. When set and known,
	// it wins for non-simple tasks.
	UserSelectedModelID string

	// Complexity is a task-complexity hint: "simple", "moderate", "complex".
	Complexity string

	// TaskType names the task, e.g. "intent_classification".
	TaskType string
}

// SelectionResult is the chosen model with the reasoning behind the choice.
type SelectionResult struct {
	ModelID   string
	Provider  ProviderType
	Rationale string
}

// Selector picks a model id for a task based on complexity and provider
// health. The intent classifier uses it to route simple classification calls
// to the cheapest healthy model.
//
// Thread Safety: Safe for concurrent use.
type Selector struct {
	healthDir HealthDirectory
}

// NewSelector creates a Selector backed by the given health directory.
func NewSelector(healthDir HealthDirectory) *Selector {
	return &Selector{healthDir: healthDir}
}

// SelectModel picks a model for the request.
//
// Description:
//
//	For simple tasks, the lightweight model of the first healthy provider
//	in priority order wins: an explicit user selection is deliberately
//	ignored there, because simple tasks never justify a heavyweight model.
//	For other complexities, a known user selection wins; otherwise the
//	default model of the first healthy provider is chosen.
//
// Outputs:
//   - *SelectionResult: The chosen model. Never nil on success.
//   - error: Non-nil when the health directory fails or no provider is
//     healthy. Callers fall back to their own default model id.
func (s *Selector) SelectModel(ctx context.Context, req SelectionRequest) (*SelectionResult, error) {
	if req.Complexity != "simple" && req.UserSelectedModelID != "" {
		if provider, ok := ProviderForModel(req.UserSelectedModelID); ok {
			return &SelectionResult{
				ModelID:   req.UserSelectedModelID,
				Provider:  provider,
				Rationale: "user-selected model",
			}, nil
		}
	}

	healths, err := s.healthDir.GetAllProviderHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("providers: selecting model for %s: %w", req.TaskType, err)
	}

	healthy := make(map[ProviderType]bool, len(healths))
	for _, h := range healths {
		if h.IsHealthy {
			healthy[h.ProviderType] = true
		}
	}

	for _, candidate := range fallbackPriority {
		if !healthy[candidate] {
			continue
		}
		modelID := defaultModels[candidate]
		rationale := fmt.Sprintf("default model of first healthy provider (%s)", candidate)
		if req.Complexity == "simple" {
			modelID = lightweightModels[candidate]
			rationale = fmt.Sprintf("lightweight model for simple %s task (%s)", req.TaskType, candidate)
		}
		return &SelectionResult{ModelID: modelID, Provider: candidate, Rationale: rationale}, nil
	}

	return nil, fmt.Errorf("providers: no healthy provider available for %s", req.TaskType)
}
