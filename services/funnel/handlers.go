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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vantahealth/queryfunnel/services/funnel/compose"
	"github.com/vantahealth/queryfunnel/services/funnel/providers"
)

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handlers holds the HTTP handlers for the funnel endpoints.
type Handlers struct {
	service *Service
}

// NewHandlers creates the handler set.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// getOrCreateRequestID returns the inbound X-Request-ID or generates one.
func getOrCreateRequestID(c *gin.Context) string {
	if id := c.GetHeader("X-Request-ID"); id != "" {
		return id
	}
	return uuid.NewString()
}

// HandleClassify classifies a question's intent.
//
// POST /v1/funnel/classify
func (h *Handlers) HandleClassify(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleClassify")

	var req struct {
		Question   string `json:"question" binding:"required"`
		CustomerID string `json:"customerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question and customerId are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result := h.service.Classify(c.Request.Context(), req.Question, req.CustomerID)
	logger.Info("classified question",
		slog.String("intent", string(result.Intent)),
		slog.String("method", string(result.Method)),
	)
	c.JSON(http.StatusOK, result)
}

// HandleValidateSQL runs the safety validator over a candidate statement.
//
// POST /v1/funnel/validate-sql
func (h *Handlers) HandleValidateSQL(c *gin.Context) {
	var req struct {
		SQL string `json:"sql" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "sql is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	c.JSON(http.StatusOK, h.service.ValidateSQL(req.SQL))
}

// HandleRun resolves a question end to end.
//
// POST /v1/funnel/run
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRun")

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "question and customerId are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.service.RunFunnel(c.Request.Context(), req)
	if err != nil {
		logger.Error("funnel run failed", slog.String("error", err.Error()))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "FUNNEL_FAILED",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleCompose runs the two-phase conversational composition.
//
// POST /v1/funnel/compose
func (h *Handlers) HandleCompose(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCompose")

	var req ComposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "currentQuestion and conversationId are required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result, err := h.service.ComposeTurn(c.Request.Context(), req)
	if err != nil {
		var safetyErr *compose.SafetyError
		var formatErr *compose.FormatError
		switch {
		case errors.As(err, &safetyErr):
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: safetyErr.Error(),
				Code:  "UNSAFE_COMPOSITION",
			})
		case errors.As(err, &formatErr):
			c.JSON(http.StatusBadGateway, ErrorResponse{
				Error: formatErr.Error(),
				Code:  "MALFORMED_MODEL_REPLY",
			})
		default:
			logger.Error("composition failed", slog.String("error", err.Error()))
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: err.Error(),
				Code:  "COMPOSE_FAILED",
			})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// HandleRecordResult attaches executed-result metadata to a conversation.
//
// POST /v1/funnel/conversations/:id/results
func (h *Handlers) HandleRecordResult(c *gin.Context) {
	conversationID := c.Param("id")

	var req struct {
		MessageID    string   `json:"messageId" binding:"required"`
		RowCount     int      `json:"rowCount"`
		Columns      []string `json:"columns"`
		EntityValues []string `json:"entityValues"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "messageId is required",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	ctx := h.service.RecordResultMetadata(conversationID, req.MessageID, req.RowCount, req.Columns, req.EntityValues)
	c.JSON(http.StatusOK, gin.H{
		"conversationId": conversationID,
		"resultSets":     len(ctx.ReferencedResultSets),
	})
}

// HandleGetConversation returns a conversation's context metadata.
//
// GET /v1/funnel/conversations/:id
func (h *Handlers) HandleGetConversation(c *gin.Context) {
	conversationID := c.Param("id")

	ctx, size, ok := h.service.ConversationContext(conversationID)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: "conversation not found",
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"context":       ctx,
		"estimatedSize": size,
	})
}

// HandleClearConversation drops a conversation's result-set history.
//
// DELETE /v1/funnel/conversations/:id/results
func (h *Handlers) HandleClearConversation(c *gin.Context) {
	h.service.ClearConversation(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// HandleHealth reports service liveness.
//
// GET /v1/funnel/health
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleProviderHealth reports every provider's health.
//
// GET /v1/funnel/providers/health
func (h *Handlers) HandleProviderHealth(c *gin.Context) {
	health, err := h.service.ProviderHealth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: err.Error(),
			Code:  "HEALTH_UNAVAILABLE",
		})
		return
	}
	if health == nil {
		health = []providers.ProviderHealth{}
	}
	c.JSON(http.StatusOK, gin.H{"providers": health})
}
