// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/MemoryChat/services/orchestrator/handlers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the session API on router. When gatherer is nil the
// /metrics route is not registered.
func SetupRoutes(router *gin.Engine, svc handlers.SessionService, gatherer prometheus.Gatherer) {
	router.GET("/health", handlers.Health(svc))
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	router.POST("/memory-chat", handlers.HandleMemoryChat(svc))

	// Session administration routes
	router.GET("/session/:sessionId", handlers.GetSession(svc))
	router.POST("/session/:sessionId/delete", handlers.DeleteSession(svc))
	router.POST("/sessions/clear", handlers.ClearSessions(svc))
	router.GET("/sessions", handlers.ListSessions(svc))
}
