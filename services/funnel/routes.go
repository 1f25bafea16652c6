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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all funnel routes with the router.
//
// Description:
//
//	Registers all /v1/funnel/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Endpoints:
//
//	POST /v1/funnel/classify - Classify a question's intent
//	POST /v1/funnel/validate-sql - Run the SQL safety validator
//	POST /v1/funnel/run - Resolve a question end to end
//	POST /v1/funnel/compose - Compose onto the previous conversational turn
//
//	POST   /v1/funnel/conversations/:id/results - Record result metadata
//	GET    /v1/funnel/conversations/:id - Inspect conversation context
//	DELETE /v1/funnel/conversations/:id/results - Clear result history
//
//	GET /v1/funnel/health - Health check
//	GET /v1/funnel/providers/health - Per-provider health
//
// Example:
//
//	service := funnel.NewService(cfg)
//	handlers := funnel.NewHandlers(service)
//
//	v1 := router.Group("/v1")
//	funnel.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	funnel := rg.Group("/funnel")
	{
		// Core pipeline
		funnel.POST("/classify", handlers.HandleClassify)
		funnel.POST("/validate-sql", handlers.HandleValidateSQL)
		funnel.POST("/run", handlers.HandleRun)
		funnel.POST("/compose", handlers.HandleCompose)

		// Conversation context
		funnel.POST("/conversations/:id/results", handlers.HandleRecordResult)
		funnel.GET("/conversations/:id", handlers.HandleGetConversation)
		funnel.DELETE("/conversations/:id/results", handlers.HandleClearConversation)

		// Health checks
		funnel.GET("/health", handlers.HandleHealth)
		funnel.GET("/providers/health", handlers.HandleProviderHealth)
	}
}
