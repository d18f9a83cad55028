// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/yksanjo/github-intelligence/services/engine/telemetry"
)

// Sentinel errors returned by Admit.
var (
	// ErrRateLimited indicates the admission gate is closed. The
	// caller must retry with backoff; the event is not lost.
	ErrRateLimited = errors.New("admission gate closed: rate limited")

	// ErrMalformedEvent indicates a schema violation. The event is
	// dropped and counted; this is never fatal.
	ErrMalformedEvent = errors.New("malformed event")
)

// Gate is the admission control face the ingestor consults per event.
//
// Implemented by admission.Controller.
type Gate interface {
	// Allow reports whether one more event fits the rate budget.
	Allow() bool
}

// Ingestor normalizes, deduplicates, and admits incoming events.
//
// Description:
//
//	Ingestor is the single entry point for both the polling and the
//	webhook channel. It enforces the dedup window and admission
//	control; ordering and staleness merging happen downstream in the
//	graph store, which sees only admitted events.
//
// Thread Safety: Safe for concurrent use.
type Ingestor struct {
	dedup   *dedupWindow
	gate    Gate
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// IngestorOptions configures Ingestor behavior.
type IngestorOptions struct {
	// DedupWindowSize is the recent-history window capacity.
	// Default: DefaultDedupWindowSize.
	DedupWindowSize int

	// Gate is the admission controller. Nil means always open.
	Gate Gate

	// Logger for dropped-event diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// Metrics records admit outcomes. May be nil in tests.
	Metrics *telemetry.Metrics
}

// NewIngestor creates an ingestor.
func NewIngestor(opts IngestorOptions) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		dedup:   newDedupWindow(opts.DedupWindowSize),
		gate:    opts.Gate,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Admit validates and admits one event.
//
// Description:
//
//	Outcomes, in evaluation order:
//
//	 1. Schema violation: AdmissionRejected + ErrMalformedEvent.
//	    Logged and counted, never fatal.
//	 2. Gate closed: AdmissionRejected + ErrRateLimited. The caller
//	    retries with backoff; this is recoverable, not data loss.
//	 3. DedupKey seen in the window: AdmissionDeduplicated, nil error.
//	    State is untouched; replaying a seen event never changes the
//	    store version or content.
//	 4. Otherwise: AdmissionAccepted.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	ev - The event to admit.
//
// Outputs:
//
//	Admission - The outcome.
//	error - ErrMalformedEvent or ErrRateLimited on rejection.
//
// Thread Safety: Safe for concurrent use.
func (in *Ingestor) Admit(ctx context.Context, ev *Event) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return AdmissionRejected, err
	}

	if err := ev.Validate(); err != nil {
		in.logger.Warn("dropping malformed event",
			slog.String("error", err.Error()),
			slog.String("channel", channelOf(ev)),
		)
		in.count(ctx, "malformed")
		return AdmissionRejected, errors.Join(ErrMalformedEvent, err)
	}

	if in.gate != nil && !in.gate.Allow() {
		in.count(ctx, "rejected")
		return AdmissionRejected, ErrRateLimited
	}

	// Dedup is checked after the gate so a rejected event can be
	// retried without its key already burned.
	if !in.dedup.Mark(ev.DedupKey) {
		in.count(ctx, "deduplicated")
		return AdmissionDeduplicated, nil
	}

	in.count(ctx, "accepted")
	return AdmissionAccepted, nil
}

// Forget releases an event's dedup key after a failed hand-off.
//
// An accepted event marks its key during Admit; if the caller then
// fails to schedule the event, the observation is gone but the key
// would still deduplicate a retry. Forget undoes the mark so the same
// event can be resubmitted.
func (in *Ingestor) Forget(ev *Event) {
	if ev == nil {
		return
	}
	in.dedup.Forget(ev.DedupKey)
}

func (in *Ingestor) count(ctx context.Context, outcome string) {
	if in.metrics == nil {
		return
	}
	in.metrics.EventsTotal.Add(ctx, 1, metric.WithAttributes(telemetry.Outcome(outcome)))
}

func channelOf(ev *Event) string {
	if ev == nil {
		return ""
	}
	return string(ev.Channel)
}
