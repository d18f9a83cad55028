// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"github.com/gin-gonic/gin"
)

// buildRouter assembles the HTTP surface.
func (s *Service) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealthz())
	router.GET("/readyz", handleReadyz(s))
	if s.cfg.Server.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(s.provider.Handler))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.POST("/events", handleIngest(s))
		v1.GET("/ingest/status", handleIngestStatus(s))

		graphGroup := v1.Group("/graph")
		{
			graphGroup.GET("/snapshot", handleSnapshot(s))
			graphGroup.GET("/nodes/:kind/*id", handleGetNode(s))
		}

		centralityGroup := v1.Group("/centrality")
		{
			centralityGroup.GET("/top", handleTopCentrality(s))
			centralityGroup.GET("/repos/*id", handleInfluential(s))
			centralityGroup.GET("/connection", handleConnection(s))
		}

		v1.GET("/trends", handleTopTopics(s))
		v1.GET("/trends/:topic", handleTopicSeries(s))

		v1.GET("/signals", handleSignals(s))
		v1.GET("/signals/stream", handleSignalStream(s))
	}

	return router
}
