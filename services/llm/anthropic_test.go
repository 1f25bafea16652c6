// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicClient_ExecuteModel_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %q", r.Header.Get("anthropic-version"), anthropicAPIVersion)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Model != "claude-test" {
			t.Errorf("model = %q, want claude-test", req.Model)
		}
		if req.System != "You are a SQL assistant." {
			t.Errorf("system = %q", req.System)
		}

		resp := anthropicResponse{
			ID:   "msg-123",
			Type: "message",
			Role: "assistant",
			Content: []anthropicContent{
				{Type: "text", Text: "SELECT 1"},
			},
			Usage: &anthropicUsage{InputTokens: 20, OutputTokens: 4},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL)

	result, err := client.ExecuteModel(context.Background(), "You are a SQL assistant.", "give me a query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ResponseText != "SELECT 1" {
		t.Errorf("ResponseText = %q, want SELECT 1", result.ResponseText)
	}
	if result.Usage.InputTokens != 20 || result.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v, want {20 4}", result.Usage)
	}
}

func TestAnthropicClient_ExecuteModel_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicResponse{
			Error: &anthropicError{Type: "overloaded_error", Message: "try again later"},
		})
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL)

	_, err := client.ExecuteModel(context.Background(), "", "hello")
	if err == nil {
		t.Fatal("expected error for API error payload")
	}
	if !strings.Contains(err.Error(), "overloaded_error") {
		t.Errorf("error should carry the API error type: %v", err)
	}
}

func TestAnthropicClient_Complete_DelegatesToExecuteModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "hello"}},
		})
	}))
	defer server.Close()

	client := NewAnthropicClientWithConfig("test-key", "claude-test", server.URL)

	text, err := client.Complete(context.Background(), "", "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "hello" {
		t.Errorf("Complete = %q, want hello", text)
	}
}
