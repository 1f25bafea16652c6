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

// DefaultOpenWebUIModel is used when no model is configured and by the
// fallback orchestrator when it instantiates this provider as a substitute.
const DefaultOpenWebUIModel = "llama3.1:8b"

type openwebuiRequest struct {
	Model    string             `json:"model"`
	Messages []openwebuiMessage `json:"messages"`
	Stream   bool               `json:"stream"`
}

type openwebuiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openwebuiResponse struct {
	Choices []openwebuiChoice `json:"choices"`
	Usage   *openwebuiUsage   `json:"usage,omitempty"`
	Error   *openwebuiError   `json:"error,omitempty"`
}

type openwebuiChoice struct {
	Message openwebuiMessage `json:"message"`
}

type openwebuiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openwebuiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// OpenWebUIClient talks to a self-hosted OpenWebUI gateway through its
// OpenAI-compatible chat completions endpoint.
//
// Thread Safety: Safe for concurrent use after construction.
type OpenWebUIClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewOpenWebUIClientWithConfig creates an OpenWebUIClient with explicit
// configuration, bypassing the environment. Useful for tests with mock
// servers.
func NewOpenWebUIClientWithConfig(apiKey, model, baseURL string) *OpenWebUIClient {
	return &OpenWebUIClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewOpenWebUIClient creates an OpenWebUIClient from OPENWEBUI_BASE_URL,
// OPENWEBUI_API_KEY, and OPENWEBUI_MODEL. The base URL is required; the API
// key is optional (self-hosted gateways often run without auth).
func NewOpenWebUIClient() (*OpenWebUIClient, error) {
	baseURL := os.Getenv("OPENWEBUI_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("openwebui: base URL is missing (OPENWEBUI_BASE_URL)")
	}

	model := os.Getenv("OPENWEBUI_MODEL")
	if model == "" {
		model = DefaultOpenWebUIModel
		slog.Info("OPENWEBUI_MODEL not set, defaulting to", "model", model)
	}

	return &OpenWebUIClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     os.Getenv("OPENWEBUI_API_KEY"),
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}, nil
}

// NewOpenWebUIClientForModel creates a client from the environment but with
// an explicit model id, overriding OPENWEBUI_MODEL.
func NewOpenWebUIClientForModel(model string) (*OpenWebUIClient, error) {
	client, err := NewOpenWebUIClient()
	if err != nil {
		return nil, err
	}
	if model != "" {
		client.model = model
	}
	return client, nil
}

// Complete sends a system prompt and user message and returns the reply text.
func (o *OpenWebUIClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	result, err := o.ExecuteModel(ctx, systemPrompt, userMessage)
	if err != nil {
		return "", err
	}
	return result.ResponseText, nil
}

// ExecuteModel sends a chat completion request and returns the reply with
// token usage.
func (o *OpenWebUIClient) ExecuteModel(ctx context.Context, systemPrompt, userMessage string) (*ModelResult, error) {
	messages := make([]openwebuiMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, openwebuiMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, openwebuiMessage{Role: "user", Content: userMessage})

	reqBody, err := json.Marshal(openwebuiRequest{Model: o.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("openwebui: marshaling request: %w", err)
	}

	url := o.baseURL + "/api/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("openwebui: creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	slog.Debug("Sending request to OpenWebUI", "model", o.model)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openwebui: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openwebui: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openwebui: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp openwebuiResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("openwebui: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("openwebui: API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return nil, fmt.Errorf("openwebui: returned no choices")
	}

	text := apiResp.Choices[0].Message.Content
	if text == "" {
		return nil, fmt.Errorf("openwebui: returned empty message content")
	}

	result := &ModelResult{ResponseText: text}
	if apiResp.Usage != nil {
		result.Usage = TokenUsage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		}
	}
	return result, nil
}

// TestConnection probes the gateway with a minimal request.
func (o *OpenWebUIClient) TestConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := o.ExecuteModel(probeCtx, "", "ping")
	if err != nil {
		slog.Warn("OpenWebUI connection test failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// AvailableModels lists the model ids this client can serve.
func (o *OpenWebUIClient) AvailableModels() []string {
	return []string{
		"llama3.1:8b",
		"llama3.1:70b",
		"qwen2.5:14b",
	}
}

// Model returns the configured model id.
func (o *OpenWebUIClient) Model() string {
	return o.model
}
