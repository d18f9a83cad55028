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
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yksanjo/github-intelligence/services/engine/events"
	"github.com/yksanjo/github-intelligence/services/engine/graph"
)

// ingestResult is the per-event outcome in an ingest response.
type ingestResult struct {
	DedupKey  string `json:"dedup_key"`
	Admission string `json:"admission"`
	Error     string `json:"error,omitempty"`
}

// ingestResponse summarizes one ingest request.
type ingestResponse struct {
	Accepted     int            `json:"accepted"`
	Deduplicated int            `json:"deduplicated"`
	Rejected     int            `json:"rejected"`
	Results      []ingestResult `json:"results"`

	// RetryAfter suggests a poll backoff when the budget is saturated.
	RetryAfter string `json:"retry_after,omitempty"`
}

// handleIngest accepts one event or a JSON array of events.
//
// Saturation stops the batch: remaining events are not admitted, the
// response is 429, and Retry-After carries the suggested poll interval.
func handleIngest(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 8<<20))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		var batch []*events.Event
		trimmed := bytes.TrimLeft(body, " \t\r\n")
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(body, &batch); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event array: " + err.Error()})
				return
			}
		} else {
			var ev events.Event
			if err := json.Unmarshal(body, &ev); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event: " + err.Error()})
				return
			}
			batch = []*events.Event{&ev}
		}
		if len(batch) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
			return
		}

		resp := ingestResponse{Results: make([]ingestResult, 0, len(batch))}
		saturated := false
		for _, ev := range batch {
			if saturated {
				resp.Rejected++
				resp.Results = append(resp.Results, ingestResult{
					DedupKey:  ev.DedupKey,
					Admission: events.AdmissionRejected.String(),
					Error:     ErrRateLimited.Error(),
				})
				continue
			}

			admission, err := s.pipeline.Submit(c.Request.Context(), ev)
			result := ingestResult{DedupKey: ev.DedupKey, Admission: admission.String()}
			switch {
			case errors.Is(err, ErrRateLimited):
				saturated = true
				result.Error = err.Error()
			case err != nil:
				result.Error = err.Error()
			}
			switch admission {
			case events.AdmissionAccepted:
				resp.Accepted++
			case events.AdmissionDeduplicated:
				resp.Deduplicated++
			default:
				resp.Rejected++
			}
			resp.Results = append(resp.Results, result)
		}

		status := http.StatusAccepted
		if saturated {
			status = http.StatusTooManyRequests
			interval := s.gate.PollInterval()
			resp.RetryAfter = interval.String()
			c.Header("Retry-After", strconv.Itoa(int(interval/time.Second)))
		} else if resp.Accepted == 0 && resp.Rejected > 0 {
			status = http.StatusBadRequest
		}
		c.JSON(status, resp)
	}
}

// handleIngestStatus reports admission and pipeline health for pollers
// tuning their cadence.
func handleIngestStatus(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"poll_interval":  s.gate.PollInterval().String(),
			"saturated":      s.gate.Saturated(),
			"parked_orphans": s.pipeline.OrphanCount(),
			"graph_version":  s.store.Version(),
			"nodes":          s.store.NodeCount(),
			"edges":          s.store.EdgeCount(),
		})
	}
}

// handleSnapshot returns the current graph snapshot, or a persisted
// historical version when ?version= is given.
func handleSnapshot(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Query("version"); v != "" {
			version, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version"})
				return
			}
			sn, err := s.log.LoadSnapshot(c.Request.Context(), version)
			if errors.Is(err, ErrSnapshotNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found", "version": version})
				return
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, sn)
			return
		}

		sn, err := s.store.Snapshot(0)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sn)
	}
}

// handleGetNode looks up one node. The id segment is a wildcard so
// repository ids ("facebook/react") keep their slash.
func handleGetNode(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		kind := graph.ParseNodeKind(c.Param("kind"))
		if kind == graph.NodeKindUnknown {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown node kind"})
			return
		}
		externalID := strings.TrimPrefix(c.Param("id"), "/")
		if externalID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing node id"})
			return
		}

		id := graph.NodeID{Kind: kind, ExternalID: externalID}
		node, ok := s.store.GetNode(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found", "id": id.String()})
			return
		}
		score, _ := s.centrality.Score(id)
		c.JSON(http.StatusOK, gin.H{"node": node, "centrality": score})
	}
}

// handleTopCentrality returns the k highest-scored nodes.
func handleTopCentrality(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := intQuery(c, "k", 10)
		c.JSON(http.StatusOK, gin.H{
			"version": s.store.Version(),
			"scores":  s.centrality.Top(k),
		})
	}
}

// handleInfluential returns the most influential developers connected
// to one repository.
func handleInfluential(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		repo := strings.TrimPrefix(c.Param("id"), "/")
		if repo == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing repository id"})
			return
		}
		id := graph.NodeID{Kind: graph.NodeKindRepository, ExternalID: repo}
		if !s.store.HasLiveNode(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "repository not found", "id": id.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"repository": id.String(),
			"developers": s.centrality.InfluentialInRepo(id, intQuery(c, "k", 10)),
		})
	}
}

// handleConnection finds a shortest path between two nodes, ignoring
// edge direction. Ids use the canonical "kind:external_id" form.
func handleConnection(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		from, err := graph.ParseNodeID(c.Query("from"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: " + err.Error()})
			return
		}
		to, err := graph.ParseNodeID(c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: " + err.Error()})
			return
		}

		path := s.centrality.FindConnection(from, to)
		if path == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "no connection",
				"from":  from.String(),
				"to":    to.String(),
			})
			return
		}
		hops := make([]string, len(path))
		for i, id := range path {
			hops[i] = id.String()
		}
		c.JSON(http.StatusOK, gin.H{"path": hops, "length": len(hops) - 1})
	}
}

// handleTopTopics returns the most active topics by closed-bucket count.
func handleTopTopics(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"topics": s.trends.TopTopics(intQuery(c, "n", 20))})
	}
}

// handleTopicSeries returns the bucket series for one topic.
func handleTopicSeries(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		topic := c.Param("topic")
		buckets := s.trends.ClosedBuckets(topic, intQuery(c, "n", 24))
		if len(buckets) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no activity for topic", "topic": topic})
			return
		}
		c.JSON(http.StatusOK, gin.H{"topic": topic, "buckets": buckets})
	}
}

// handleSignals returns recently emitted breakout signals, newest first.
func handleSignals(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"signals": s.detector.Recent(intQuery(c, "n", 50))})
	}
}

func handleHealthz() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func handleReadyz(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "version": s.store.Version()})
	}
}

func intQuery(c *gin.Context, name string, fallback int) int {
	v := c.Query(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
