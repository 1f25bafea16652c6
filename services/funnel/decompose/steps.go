// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decompose models the decomposition of a complex analytical question
// into ordered sub-questions and validates the result before any SQL is
// generated for it.
//
// A decomposition is valid when its step numbers form the contiguous sequence
// 1..N and every dependency points strictly backward. Backward-only edges make
// the graph acyclic by construction, so no separate cycle detection is needed.
package decompose

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Step is one sub-question in a decomposition.
//
// Description:
//
//	Produced once per decomposition call by the model, validated immediately
//	via ValidateSteps, and discarded if invalid. DependsOn is normalized to
//	a list on decode: the wire format may carry null, a single step number,
//	or an array of step numbers.
type Step struct {
	// Number is the 1-based position of this step.
	Number int `json:"step"`

	// Question is the sub-question text resolved to SQL by the funnel.
	Question string `json:"question"`

	// DependsOn lists the step numbers this step builds on. Empty when the
	// step is independent.
	DependsOn []int `json:"dependsOn,omitempty"`
}

// UnmarshalJSON accepts dependsOn as null, a single number, or an array.
func (s *Step) UnmarshalJSON(data []byte) error {
	var wire struct {
		Number    int             `json:"step"`
		Question  string          `json:"question"`
		DependsOn json.RawMessage `json:"dependsOn"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	s.Number = wire.Number
	s.Question = wire.Question
	s.DependsOn = nil

	if len(wire.DependsOn) == 0 || string(wire.DependsOn) == "null" {
		return nil
	}

	var single int
	if err := json.Unmarshal(wire.DependsOn, &single); err == nil {
		s.DependsOn = []int{single}
		return nil
	}

	var many []int
	if err := json.Unmarshal(wire.DependsOn, &many); err != nil {
		return fmt.Errorf("decompose: dependsOn must be a step number or list of step numbers: %w", err)
	}
	s.DependsOn = many
	return nil
}

// ValidationError describes the first dependency-graph violation found.
type ValidationError struct {
	// Step is the step number where the violation was detected. Zero when
	// the violation concerns the sequence as a whole.
	Step int

	// Reason is a human-readable description of the violation.
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("decompose: step %d: %s", e.Step, e.Reason)
	}
	return fmt.Sprintf("decompose: %s", e.Reason)
}

// ValidateSteps checks a decomposition for dependency-graph violations.
//
// Description:
//
//	Fails on the first violation found: a dependency on a step that does not
//	exist, a dependency on the current or a future step, or step numbers
//	that do not form the contiguous sequence 1..N. Dependencies pointing
//	strictly backward guarantee the graph is a DAG, so passing validation
//	also guarantees acyclicity.
//
// Inputs:
//   - steps: The decomposition to validate. Must not be empty.
//
// Outputs:
//   - error: Nil when valid; *ValidationError on the first violation.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return &ValidationError{Reason: "decomposition has no steps"}
	}

	declared := make(map[int]bool, len(steps))
	for _, s := range steps {
		declared[s.Number] = true
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				return &ValidationError{
					Step:   s.Number,
					Reason: fmt.Sprintf("depends on non-existent step %d", dep),
				}
			}
			if dep >= s.Number {
				return &ValidationError{
					Step:   s.Number,
					Reason: fmt.Sprintf("cannot depend on a future or current step (%d)", dep),
				}
			}
		}
	}

	numbers := make([]int, 0, len(steps))
	for n := range declared {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	if len(numbers) != len(steps) {
		return &ValidationError{Reason: "step numbers must be unique"}
	}
	for i, n := range numbers {
		if n != i+1 {
			return &ValidationError{
				Reason: fmt.Sprintf("step numbers must form a continuous sequence starting from 1 (got %v)", numbers),
			}
		}
	}

	return nil
}
