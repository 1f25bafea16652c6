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

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com/v1/messages"

	// DefaultAnthropicModel is used when no model is configured and by the
	// fallback orchestrator when it instantiates this provider as a
	// substitute for an unhealthy one.
	DefaultAnthropicModel = "claude-3-5-sonnet-20240620"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`

	Temperature *float64 `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicClient talks to the Anthropic Messages API.
//
// Thread Safety: Safe for concurrent use after construction.
type AnthropicClient struct {
	httpClient *http.Client
	apiKey     string
	model      string
	baseURL    string
}

// NewAnthropicClientWithConfig creates an AnthropicClient with explicit
// configuration. Useful for testing with mock servers or when configuration
// comes from a source other than environment variables.
func NewAnthropicClientWithConfig(apiKey, model, baseURL string) *AnthropicClient {
	return &AnthropicClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
	}
}

// NewAnthropicClient creates an AnthropicClient from the environment.
//
// Description:
//
//	Reads ANTHROPIC_API_KEY (falling back to the container secrets path) and
//	ANTHROPIC_MODEL. Fails when no API key can be found; defaults the model
//	when unset.
//
// Outputs:
//   - *AnthropicClient: The configured client.
//   - error: Non-nil when the API key is missing.
func NewAnthropicClient() (*AnthropicClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("ANTHROPIC_MODEL")

	if apiKey == "" {
		secretPath := "/run/secrets/anthropic_api_key"
		if content, err := os.ReadFile(secretPath); err == nil {
			apiKey = strings.TrimSpace(string(content))
			slog.Info("Read Anthropic API key from container secrets")
		}
	}

	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: API key is missing (ANTHROPIC_API_KEY)")
	}

	if model == "" {
		model = DefaultAnthropicModel
		slog.Info("ANTHROPIC_MODEL not set, defaulting to", "model", model)
	}

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultAnthropicBaseURL,
	}, nil
}

// NewAnthropicClientForModel creates a client from the environment but with
// an explicit model id, overriding ANTHROPIC_MODEL. Used by the provider
// registry, which resolves the model id before construction.
func NewAnthropicClientForModel(model string) (*AnthropicClient, error) {
	client, err := NewAnthropicClient()
	if err != nil {
		return nil, err
	}
	if model != "" {
		client.model = model
	}
	return client, nil
}

// Complete sends a system prompt and user message and returns the reply text.
func (a *AnthropicClient) Complete(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	result, err := a.ExecuteModel(ctx, systemPrompt, userMessage)
	if err != nil {
		return "", err
	}
	return result.ResponseText, nil
}

// ExecuteModel sends a completion request and returns the reply with token
// usage.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - systemPrompt: Instructions for the model. May be empty.
//   - userMessage: The user's message.
//
// Outputs:
//   - *ModelResult: Reply text plus provider-reported token usage.
//   - error: Non-nil on transport, API, or decode failure.
func (a *AnthropicClient) ExecuteModel(ctx context.Context, systemPrompt, userMessage string) (*ModelResult, error) {
	reqPayload := anthropicRequest{
		Model:     a.model,
		System:    systemPrompt,
		Messages:  []anthropicMessage{{Role: "user", Content: userMessage}},
		MaxTokens: 4096,
	}

	reqBody, err := json.Marshal(reqPayload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating HTTP request: %w", err)
	}
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, fmt.Errorf("anthropic: reading response body (status %d): %w", resp.StatusCode, readErr)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: API returned status %d: %s", resp.StatusCode, SafeLogString(string(bodyBytes)))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("anthropic: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic: API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("anthropic: received empty content")
	}

	result := &ModelResult{ResponseText: text.String()}
	if apiResp.Usage != nil {
		result.Usage = TokenUsage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		}
	}
	return result, nil
}

// TestConnection probes the API with a minimal request.
//
// Description:
//
//	Sends a one-token completion with a short deadline. Any non-error
//	response counts as healthy. Used by the fallback orchestrator before
//	handing the client to a caller.
func (a *AnthropicClient) TestConnection(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := a.ExecuteModel(probeCtx, "", "ping")
	if err != nil {
		slog.Warn("Anthropic connection test failed", slog.String("error", err.Error()))
		return false
	}
	return true
}

// AvailableModels lists the model ids this client can serve.
func (a *AnthropicClient) AvailableModels() []string {
	return []string{
		"claude-3-5-sonnet-20240620",
		"claude-3-5-haiku-20241022",
		"claude-3-opus-20240229",
	}
}

// Model returns the configured model id.
func (a *AnthropicClient) Model() string {
	return a.model
}
