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
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/yksanjo/github-intelligence/services/engine/breakout"
	"github.com/yksanjo/github-intelligence/services/engine/trends"
)

// dialSignalStream connects a websocket client to the running router.
func dialSignalStream(t *testing.T, svc *Service) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(svc.buildRouter())
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/signals/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "websocket dial")
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func closedTopicBucket(topic string, start time.Time, count int64) trends.Bucket {
	return trends.Bucket{
		Topic:  topic,
		Start:  start,
		End:    start.Add(time.Hour),
		Count:  count,
		Weight: count,
		Closed: true,
	}
}

// =============================================================================
// Signal streaming
// =============================================================================

func TestSignalStream_DeliversFiredSignal(t *testing.T) {
	svc := newTestService(t)
	ws := dialSignalStream(t, svc)

	// Build a calm six-window baseline, then spike the seventh.
	start := ingestTime
	for i, count := range []int64{10, 12, 8, 11, 9, 10} {
		svc.detector.ObserveBucket(closedTopicBucket("zig", start.Add(time.Duration(i)*time.Hour), count))
	}
	svc.detector.ObserveBucket(closedTopicBucket("zig", start.Add(6*time.Hour), 1000))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var sig breakout.Signal
	require.NoError(t, ws.ReadJSON(&sig), "expected a streamed signal")

	require.Equal(t, breakout.SignalGrowthSpike, sig.Kind)
	require.Equal(t, "zig", sig.Entity)
	require.Equal(t, float64(1000), sig.Value)
	require.Greater(t, sig.ZScore, 3.0)
}

func TestSignalStream_QuietDetectorSendsNothing(t *testing.T) {
	svc := newTestService(t)
	ws := dialSignalStream(t, svc)

	// Below-threshold activity must not reach the subscriber.
	for i, count := range []int64{10, 12, 8, 11, 9, 10, 11} {
		svc.detector.ObserveBucket(closedTopicBucket("go", ingestTime.Add(time.Duration(i)*time.Hour), count))
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	var sig breakout.Signal
	err := ws.ReadJSON(&sig)
	require.Error(t, err, "expected read timeout, got signal %+v", sig)
}
