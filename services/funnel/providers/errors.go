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

import "fmt"

// UnsupportedModelError is returned when a model id has no registry entry.
type UnsupportedModelError struct {
	ModelID string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("providers: unsupported model %q", e.ModelID)
}

// HealthCheckError is returned when a provider fails its connection test and
// fallback is not permitted.
type HealthCheckError struct {
	Provider ProviderType
	ModelID  string
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("providers: health check failed for provider %s (model %s)", e.Provider, e.ModelID)
}

// ConstructionError is returned when a provider backend could not be built at
// all, typically a missing API key, and fallback is not permitted. It is
// distinct from HealthCheckError because no connection test ever ran.
type ConstructionError struct {
	Provider ProviderType
	ModelID  string
	Err      error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("providers: constructing provider %s (model %s): %v", e.Provider, e.ModelID, e.Err)
}

func (e *ConstructionError) Unwrap() error {
	return e.Err
}

// NoFallbackError is returned when the requested provider is unhealthy and no
// healthy fallback candidate could be initialized.
type NoFallbackError struct {
	ModelID string
}

func (e *NoFallbackError) Error() string {
	return fmt.Sprintf("providers: failed to initialize provider for model %s: no healthy fallback available", e.ModelID)
}
