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
	"errors"
	"testing"
	"time"
)

func TestProber_PopulatedBeforeFirstRequest(t *testing.T) {
	p := NewProber(ProberConfig{
		Interval:     time.Hour,
		Constructors: healthyConstructors(),
	})
	defer p.Stop()

	healths, err := p.GetAllProviderHealth(context.Background())
	if err != nil {
		t.Fatalf("GetAllProviderHealth failed: %v", err)
	}
	if len(healths) != len(ValidProviders) {
		t.Fatalf("got %d entries, want %d", len(healths), len(ValidProviders))
	}
	for _, h := range healths {
		if !h.IsHealthy {
			t.Errorf("%s reported unhealthy against a healthy fake", h.ProviderType)
		}
		if h.LastChecked.IsZero() {
			t.Errorf("%s missing LastChecked timestamp", h.ProviderType)
		}
	}
}

func TestProber_ConstructorFailureMarksUnhealthy(t *testing.T) {
	ctors := healthyConstructors()
	ctors[ProviderGoogle] = func(model string) (ModelCaller, error) {
		return nil, errors.New("GEMINI_API_KEY not set")
	}

	p := NewProber(ProberConfig{Interval: time.Hour, Constructors: ctors})
	defer p.Stop()

	healths, _ := p.GetAllProviderHealth(context.Background())
	var google *ProviderHealth
	for i := range healths {
		if healths[i].ProviderType == ProviderGoogle {
			google = &healths[i]
		}
	}
	if google == nil {
		t.Fatal("google entry missing from directory")
	}
	if google.IsHealthy {
		t.Error("a failed constructor must report unhealthy")
	}
	if google.ErrorMessage == "" {
		t.Error("expected the constructor error to be recorded")
	}
}

func TestProber_FailedConnectionTest(t *testing.T) {
	ctors := map[ProviderType]Constructor{
		ProviderAnthropic: func(model string) (ModelCaller, error) {
			return &fakeCaller{model: model, healthy: false}, nil
		},
	}

	p := NewProber(ProberConfig{Interval: time.Hour, Constructors: ctors})
	defer p.Stop()

	healths, _ := p.GetAllProviderHealth(context.Background())
	if len(healths) != 1 {
		t.Fatalf("got %d entries, want 1", len(healths))
	}
	if healths[0].IsHealthy {
		t.Error("failed connection test must report unhealthy")
	}
}

func TestProber_StopIsIdempotent(t *testing.T) {
	p := NewProber(ProberConfig{Interval: time.Hour, Constructors: healthyConstructors()})
	p.Stop()
	p.Stop()
}
