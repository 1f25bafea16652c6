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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// DefaultGoogleModel is used when no model is configured and by the fallback
// orchestrator when it instantiates this provider as a substitute.
const DefaultGoogleModel = "gemini-1.5-flash"

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type googleRequest struct {
	Contents          []googleContent  `json:"contents"`
	SystemInstruction *googleContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type googleResponse struct {
	Candidates []googleCandidate `json:"candidates"`
	Usage      *googleUsage      `json:"usageMetadata,omitempty"`
	Error      *googleError      `json:"error,omitempty"`
}

type googleCandidate struct {
	Content      googleContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type googleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GoogleClient talks to the Gemini generateContent API.
//
// Thread Safety: Safe for concurrent use after construction.
type GoogleClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewGoogleClientWithConfig creates a GoogleClient with explicit
// configuration, bypassing the environment. Useful for tests with mock
// servers.
func NewGoogleClientWithConfig(apiKey, model, baseURL string) *GoogleClient {
	return &GoogleClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewGoogleClient creates a GoogleClient from GEMINI_API_KEY and
// GEMINI_MODEL. Fails when the API key is missing; defaults the model when
// unset.
func NewGoogleClient() (*GoogleClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("google: API key is missing (GEMINI_API_KEY)")
	}

	model := os.Getenv("GEMINI_MODEL")
	if model == "" {
		model = DefaultGoogleModel
		slog.Info("GEMINI_MODEL not set, defaulting to", "model", model)
	}

	return &GoogleClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultGoogleBaseURL,
	}, nil
}

// NewGoogleClientForModel creates a client from the environment but with an
// explicit model id, overriding GEMINI_MODEL.
func NewGoogleClientForModel(model string) (*GoogleClient, error) {
	client, err := NewGoogleClient()
	if err != nil {
		return nil, err
	}
	if model != "" {
		client.model = model
	}
	return client, nil
}

// Complete sends a system prompt and user message and returns the reply text.
func (g *GoogleClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	result, err := g.ExecuteModel(ctx, systemPrompt, userMessage)
	if err != nil {
		return "", err
	}
	return result.ResponseText, nil
}

// ExecuteModel sends a generateContent request and returns the reply with
// token usage.
func (g *GoogleClient) ExecuteModel(ctx context.Context, systemPrompt, userMessage string) (*ModelResult, error) {
	reqPayload := googleRequest{
		Contents: []googleContent{
			{Role: "user", Parts: []googlePart{{Text: userMessage}}},
		},
		GenerationConfig: &googleGenConfig{MaxOutputTokens: 4096},
	}
	if systemPrompt != "" {
		reqPayload.SystemInstruction = &googleContent{Parts: []googlePart{{Text: systemPrompt}}}
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("google: marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("google: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	slog.Debug("Sending request to Gemini", slog.String("model", g.model))

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("google: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("google: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("google: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp googleResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("google: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("google: API error [%d] %s: %s",
			apiResp.Error.Code, apiResp.Error.Status, apiResp.Error.Message)
	}
	if len(apiResp.Candidates) == 0 {
		return nil, fmt.Errorf("google: returned no candidates")
	}

	var text strings.Builder
	for _, part := range apiResp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("google: returned empty text content")
	}

	result := &ModelResult{ResponseText: text.String()}
	if apiResp.Usage != nil {
		result.Usage = TokenUsage{
			InputTokens:  apiResp.Usage.PromptTokenCount,
			OutputTokens: apiResp.Usage.CandidatesTokenCount,
		}
	}
	return result, nil
}

// TestConnection probes the API with a minimal request.
func (g *GoogleClient) TestConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := g.ExecuteModel(probeCtx, "", "ping")
	if err != nil {
		slog.Warn("Gemini connection test failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// AvailableModels lists the model ids this client can serve.
func (g *GoogleClient) AvailableModels() []string {
	return []string{
		"gemini-1.5-flash",
		"gemini-1.5-pro",
		"gemini-2.0-flash",
	}
}

// Model returns the configured model id.
func (g *GoogleClient) Model() string {
	return g.model
}
