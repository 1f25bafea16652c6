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

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vantahealth/queryfunnel/services/llm"
)

// mockCaller lets tests script the model reply per call.
type mockCaller struct {
	completeFn func(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

func (m *mockCaller) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return m.completeFn(ctx, systemPrompt, userMessage)
}

func (m *mockCaller) ExecuteModel(ctx context.Context, systemPrompt, userMessage string) (*llm.ModelResult, error) {
	text, err := m.completeFn(ctx, systemPrompt, userMessage)
	if err != nil {
		return nil, err
	}
	return &llm.ModelResult{ResponseText: text}, nil
}

func (m *mockCaller) TestConnection(ctx context.Context) bool { return true }
func (m *mockCaller) AvailableModels() []string               { return []string{"mock-model"} }
func (m *mockCaller) Model() string                           { return "mock-model" }

func fixedReply(reply string) *mockCaller {
	return &mockCaller{
		completeFn: func(context.Context, string, string) (string, error) {
			return reply, nil
		},
	}
}

func TestShouldComposeQuery_FollowUp(t *testing.T) {
	caller := fixedReply(`{"shouldCompose": true, "reasoning": "pronoun reference to prior result set", "confidence": 0.92}`)
	c := NewComposer(caller, nil)

	decision := c.ShouldComposeQuery(context.Background(),
		"Which ones are older than 40?",
		"Show female patients",
		"SELECT TOP 1000 * FROM rpt.Patient WHERE sex = 'F'")

	if !decision.ShouldCompose {
		t.Fatal("expected shouldCompose=true for a follow-up question")
	}
	if decision.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", decision.Confidence)
	}
}

func TestShouldComposeQuery_CallFailureFailsSafe(t *testing.T) {
	caller := &mockCaller{
		completeFn: func(context.Context, string, string) (string, error) {
			return "", errors.New("upstream timeout")
		},
	}
	c := NewComposer(caller, nil)

	decision := c.ShouldComposeQuery(context.Background(), "q", "prev q", "SELECT 1")

	if decision.ShouldCompose {
		t.Fatal("call failure must default to shouldCompose=false")
	}
	if decision.Confidence != 0.0 {
		t.Errorf("confidence = %v, want 0.0 on failure", decision.Confidence)
	}
	if !strings.HasPrefix(decision.Reasoning, "error:") {
		t.Errorf("reasoning = %q, want error prefix", decision.Reasoning)
	}
}

func TestShouldComposeQuery_GarbageReplyFailsSafe(t *testing.T) {
	for _, reply := range []string{
		"I think the user is building on the previous query.",
		`{"reasoning": "missing the decision field"}`,
		`{"shouldCompose": "yes"}`,
	} {
		c := NewComposer(fixedReply(reply), nil)
		decision := c.ShouldComposeQuery(context.Background(), "q", "prev", "SELECT 1")
		if decision.ShouldCompose {
			t.Errorf("reply %q: expected shouldCompose=false", reply)
		}
		if decision.Confidence != 0.0 {
			t.Errorf("reply %q: confidence = %v, want 0.0", reply, decision.Confidence)
		}
	}
}

func TestShouldComposeQuery_DefaultsForMissingOptionalFields(t *testing.T) {
	c := NewComposer(fixedReply(`{"shouldCompose": true}`), nil)

	decision := c.ShouldComposeQuery(context.Background(), "q", "prev", "SELECT 1")

	if !decision.ShouldCompose {
		t.Fatal("expected shouldCompose=true")
	}
	if decision.Confidence != 1.0 {
		t.Errorf("confidence = %v, want default 1.0", decision.Confidence)
	}
	if decision.Reasoning != "no reasoning provided" {
		t.Errorf("reasoning = %q, want placeholder", decision.Reasoning)
	}
}

func TestComposeQuery_CTEStrategy(t *testing.T) {
	reply := "```json\n" + `{
		"sql": "WITH prev AS (SELECT TOP 1000 id, age FROM rpt.Patient WHERE sex = 'F') SELECT TOP 1000 id FROM prev WHERE age > 40",
		"strategy": "cte",
		"reasoning": "filter on the previous result set"
	}` + "\n```"
	c := NewComposer(fixedReply(reply), nil)

	composed, err := c.ComposeQuery(context.Background(),
		"SELECT TOP 1000 id, age FROM rpt.Patient WHERE sex = 'F'",
		"Show female patients",
		"Which ones are older than 40?")
	if err != nil {
		t.Fatalf("ComposeQuery returned error: %v", err)
	}
	if composed.Strategy != StrategyCTE {
		t.Errorf("strategy = %q, want cte", composed.Strategy)
	}
	if !composed.IsBuildingOnPrevious {
		t.Error("cte strategy must set IsBuildingOnPrevious")
	}
	if !strings.Contains(composed.SQL, "WITH prev AS") {
		t.Errorf("unexpected SQL: %q", composed.SQL)
	}
}

func TestComposeQuery_FreshStrategyNotBuildingOnPrevious(t *testing.T) {
	c := NewComposer(fixedReply(`{"sql": "SELECT TOP 1000 id FROM rpt.Facility", "strategy": "fresh"}`), nil)

	composed, err := c.ComposeQuery(context.Background(), "SELECT 1", "prev", "List facilities")
	if err != nil {
		t.Fatalf("ComposeQuery returned error: %v", err)
	}
	if composed.IsBuildingOnPrevious {
		t.Error("fresh strategy must not set IsBuildingOnPrevious")
	}
}

func TestComposeQuery_MissingFieldsAreFormatErrors(t *testing.T) {
	cases := map[string]string{
		"missing sql":      `{"strategy": "cte"}`,
		"missing strategy": `{"sql": "SELECT 1"}`,
		"bad strategy":     `{"sql": "SELECT 1", "strategy": "union_all"}`,
		"not json":         "here is your query: SELECT 1",
	}
	for name, reply := range cases {
		c := NewComposer(fixedReply(reply), nil)
		_, err := c.ComposeQuery(context.Background(), "SELECT 1", "prev", "q")
		var formatErr *FormatError
		if !errors.As(err, &formatErr) {
			t.Errorf("%s: error = %v, want *FormatError", name, err)
		}
	}
}

func TestComposeQuery_RejectsUnsafeSQL(t *testing.T) {
	cases := map[string]struct {
		sql    string
		reason string
	}{
		"dangerous keyword": {
			sql:    "SELECT id FROM rpt.Patient; DROP TABLE rpt.Patient",
			reason: "DROP",
		},
		"temp table": {
			sql:    "SELECT id INTO TEMP scratch FROM rpt.Patient",
			reason: "temp-table",
		},
		"too many CTEs": {
			sql: "WITH a AS (SELECT 1), b AS (SELECT 2), c AS (SELECT 3), d AS (SELECT 4) " +
				"SELECT TOP 1000 * FROM a",
			reason: "Too many CTEs: 4",
		},
	}
	for name, tc := range cases {
		reply := `{"sql": ` + quoteJSON(tc.sql) + `, "strategy": "cte"}`
		c := NewComposer(fixedReply(reply), nil)
		_, err := c.ComposeQuery(context.Background(), "SELECT 1", "prev", "q")
		var safetyErr *SafetyError
		if !errors.As(err, &safetyErr) {
			t.Fatalf("%s: error = %v, want *SafetyError", name, err)
		}
		if !containsReason(safetyErr.Reasons, tc.reason) {
			t.Errorf("%s: reasons %v missing %q", name, safetyErr.Reasons, tc.reason)
		}
	}
}

func TestComposeQuery_AppliesAdvisoryRewrites(t *testing.T) {
	c := NewComposer(fixedReply(`{"sql": "SELECT id FROM Patient", "strategy": "merged_where"}`), nil)

	composed, err := c.ComposeQuery(context.Background(), "SELECT 1", "prev", "q")
	if err != nil {
		t.Fatalf("ComposeQuery returned error: %v", err)
	}
	if !strings.Contains(composed.SQL, "TOP 1000") {
		t.Errorf("row limit not applied: %q", composed.SQL)
	}
	if !strings.Contains(composed.SQL, "rpt.Patient") {
		t.Errorf("schema prefix not applied: %q", composed.SQL)
	}
}

// TestConversationalFollowUpFlow runs both phases the way the funnel does for
// a follow-up turn.
func TestConversationalFollowUpFlow(t *testing.T) {
	previousSQL := "SELECT TOP 1000 id, age FROM rpt.Patient WHERE sex = 'F'"
	caller := &mockCaller{
		completeFn: func(_ context.Context, systemPrompt, _ string) (string, error) {
			if systemPrompt == decisionSystemPrompt {
				return `{"shouldCompose": true, "reasoning": "refines prior cohort", "confidence": 0.9}`, nil
			}
			return `{"sql": "WITH prev AS (` + previousSQL + `) SELECT TOP 1000 id FROM prev WHERE age > 40", "strategy": "cte", "reasoning": "age filter over prior cohort"}`, nil
		},
	}
	c := NewComposer(caller, nil)

	decision := c.ShouldComposeQuery(context.Background(),
		"Which ones are older than 40?", "Show female patients", previousSQL)
	if !decision.ShouldCompose {
		t.Fatal("expected a compose decision for the follow-up")
	}

	composed, err := c.ComposeQuery(context.Background(), previousSQL,
		"Show female patients", "Which ones are older than 40?")
	if err != nil {
		t.Fatalf("ComposeQuery returned error: %v", err)
	}
	if composed.Strategy != StrategyCTE || !composed.IsBuildingOnPrevious {
		t.Errorf("unexpected composition: %+v", composed)
	}
}

func quoteJSON(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func containsReason(reasons []string, substr string) bool {
	for _, r := range reasons {
		if strings.Contains(r, substr) {
			return true
		}
	}
	return false
}
