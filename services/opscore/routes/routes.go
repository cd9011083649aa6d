// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes maps the monitoring admin surface onto gin.
package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianOps/services/opscore/handlers"
)

// SetupRoutes registers the /v1/monitoring surface.
func SetupRoutes(router *gin.Engine, h *handlers.Handlers) {
	v1 := router.Group("/v1")
	monitoring := v1.Group("/monitoring")
	{
		monitoring.GET("/status", h.Status)
		monitoring.GET("/health", h.Health)
		monitoring.GET("/metrics", h.Metrics)
		monitoring.GET("/metrics/prometheus", h.MetricsPrometheus)

		alerts := monitoring.Group("/alerts")
		{
			alerts.GET("", h.Alerts)
			alerts.GET("/ws", h.AlertsWebSocket)
			alerts.POST("/:name/acknowledge", h.AcknowledgeAlert)
			alerts.POST("/:name/resolve", h.ResolveAlert)
			alerts.POST("/:name/silence", h.SilenceAlert)
			alerts.DELETE("/silence/:id", h.Unsilence)
		}

		optimization := monitoring.Group("/optimization")
		{
			optimization.GET("", h.Optimization)
			optimization.POST("/analyze", h.Analyze)
			optimization.POST("/optimize", h.Optimize)
			optimization.POST("/toggle", h.ToggleOptimization)
		}
	}
}
