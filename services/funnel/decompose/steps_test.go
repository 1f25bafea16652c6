// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decompose

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateSteps_ValidDecomposition(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "List wound types"},
		{Number: 2, Question: "Count by type", DependsOn: []int{1}},
	}
	if err := ValidateSteps(steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSteps_MultipleDependencies(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "List facilities"},
		{Number: 2, Question: "List wound types"},
		{Number: 3, Question: "Cross facility and type", DependsOn: []int{1, 2}},
	}
	if err := ValidateSteps(steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSteps_MissingStepInSequence(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "a"},
		{Number: 3, Question: "c", DependsOn: []int{1}},
	}
	err := ValidateSteps(steps)
	if err == nil {
		t.Fatal("expected error for gap in sequence")
	}
	if !strings.Contains(err.Error(), "continuous sequence") {
		t.Errorf("error = %q, want mention of continuous sequence", err)
	}
}

func TestValidateSteps_SelfDependency(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "a"},
		{Number: 2, Question: "b", DependsOn: []int{2}},
	}
	err := ValidateSteps(steps)
	if err == nil {
		t.Fatal("expected error for self-dependency")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Step != 2 {
		t.Errorf("violation step = %d, want 2", verr.Step)
	}
}

func TestValidateSteps_ForwardDependency(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "a", DependsOn: []int{2}},
		{Number: 2, Question: "b"},
	}
	if err := ValidateSteps(steps); err == nil {
		t.Fatal("expected error for forward dependency")
	}
}

func TestValidateSteps_NonExistentDependency(t *testing.T) {
	steps := []Step{
		{Number: 1, Question: "a"},
		{Number: 2, Question: "b", DependsOn: []int{7}},
	}
	err := ValidateSteps(steps)
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	if !strings.Contains(err.Error(), "non-existent step 7") {
		t.Errorf("error = %q, want mention of non-existent step 7", err)
	}
}

func TestValidateSteps_NotStartingAtOne(t *testing.T) {
	steps := []Step{
		{Number: 2, Question: "b"},
		{Number: 3, Question: "c"},
	}
	if err := ValidateSteps(steps); err == nil {
		t.Fatal("expected error for sequence not starting at 1")
	}
}

func TestValidateSteps_Empty(t *testing.T) {
	if err := ValidateSteps(nil); err == nil {
		t.Fatal("expected error for empty decomposition")
	}
}

func TestStep_UnmarshalDependsOnForms(t *testing.T) {
	cases := []struct {
		raw  string
		want []int
	}{
		{`{"step":1,"question":"a"}`, nil},
		{`{"step":1,"question":"a","dependsOn":null}`, nil},
		{`{"step":2,"question":"b","dependsOn":1}`, []int{1}},
		{`{"step":3,"question":"c","dependsOn":[1,2]}`, []int{1, 2}},
	}
	for _, tc := range cases {
		var s Step
		if err := json.Unmarshal([]byte(tc.raw), &s); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.raw, err)
		}
		if len(s.DependsOn) != len(tc.want) {
			t.Errorf("%s: DependsOn = %v, want %v", tc.raw, s.DependsOn, tc.want)
			continue
		}
		for i := range tc.want {
			if s.DependsOn[i] != tc.want[i] {
				t.Errorf("%s: DependsOn = %v, want %v", tc.raw, s.DependsOn, tc.want)
			}
		}
	}
}

func TestStep_UnmarshalRejectsBadDependsOn(t *testing.T) {
	var s Step
	if err := json.Unmarshal([]byte(`{"step":1,"question":"a","dependsOn":"two"}`), &s); err == nil {
		t.Fatal("expected error for string dependsOn")
	}
}
