// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package funnel

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

// setupTestRouter builds a gin engine with the funnel routes registered.
func setupTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc))
	return router
}

func TestHandleValidateSQL_RewritesAndWarns(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	body := `{"sql": "SELECT id FROM Patient"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/funnel/validate-sql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		IsValid     bool     `json:"isValid"`
		ModifiedSQL string   `json:"modifiedSql"`
		Warnings    []string `json:"warnings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !resp.IsValid {
		t.Error("a plain SELECT must validate")
	}
	if !strings.Contains(resp.ModifiedSQL, "TOP 1000") || !strings.Contains(resp.ModifiedSQL, "rpt.Patient") {
		t.Errorf("advisory rewrites missing: %q", resp.ModifiedSQL)
	}
	if len(resp.Warnings) == 0 {
		t.Error("rewrites must be reported as warnings")
	}
}

func TestHandleValidateSQL_MissingBody(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/funnel/validate-sql", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleClassify(t *testing.T) {
	caller := &scriptedCaller{model: "claude-3-5-sonnet-20240620", replies: map[string]string{
		classifyKey: `{"intent": "workflow_status", "confidence": 0.8, "reasoning": "status question"}`,
	}}
	svc := newTestService(t, caller)
	router := setupTestRouter(svc)

	body := `{"question": "Which assessments are overdue?", "customerId": "acme"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/funnel/classify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Intent string `json:"intent"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Intent != "workflow_status" {
		t.Errorf("intent = %q, want workflow_status", resp.Intent)
	}
}

func TestHandleCompose_NoPreviousTurn(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	body := `{"currentQuestion": "Which ones?", "conversationId": "conv-x"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/funnel/compose", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
}

func TestHandleGetConversation_NotFound(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/funnel/conversations/never-seen", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleRecordResultAndGetConversation(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	body := `{"messageId": "msg-1", "rowCount": 7, "columns": ["id"], "entityValues": ["patient-1"]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/funnel/conversations/conv-1/results", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("record status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "patient-1") {
		t.Error("raw entity values must never appear in responses")
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/funnel/conversations/conv-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestHandleClearConversation(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	svc.RecordResultMetadata("conv-1", "msg-1", 1, []string{"id"}, nil)
	router := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodDelete, "/v1/funnel/conversations/conv-1/results", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/funnel/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleProviderHealth(t *testing.T) {
	svc := newTestService(t, &scriptedCaller{model: "claude-3-5-sonnet-20240620"})
	router := setupTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/funnel/providers/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "anthropic") {
		t.Errorf("expected the anthropic entry in %s", w.Body.String())
	}
}
