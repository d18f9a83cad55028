// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admission throttles ingestion against the external API rate
// budget and schedules the polling cadence.
//
// GitHub is rate-limited and only partially observable; the controller
// turns the remaining budget into two signals: a per-event gate for
// the ingestor, and a suggested poll interval for the scraper
// collaborator that stretches as the budget drains.
package admission

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default controller settings.
const (
	// DefaultRateBudget is the default request budget per interval.
	DefaultRateBudget = 5000

	// DefaultBudgetInterval is the interval the budget refills over.
	// Matches the GitHub authenticated API window.
	DefaultBudgetInterval = time.Hour

	// DefaultBurst is the default burst allowance.
	DefaultBurst = 100

	// DefaultPollFloor is the minimum poll interval regardless of
	// available budget.
	DefaultPollFloor = 30 * time.Second
)

// Options configures the Controller.
type Options struct {
	// RateBudget is the number of requests allowed per BudgetInterval.
	// Default: 5000.
	RateBudget int

	// BudgetInterval is the refill window. Default: 1h.
	BudgetInterval time.Duration

	// Burst is the token bucket burst size. Default: 100.
	Burst int

	// PollFloor is the minimum suggested poll interval. Default: 30s.
	PollFloor time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		RateBudget:     DefaultRateBudget,
		BudgetInterval: DefaultBudgetInterval,
		Burst:          DefaultBurst,
		PollFloor:      DefaultPollFloor,
	}
}

// Controller is a token bucket admission gate.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	opts    Options
}

// NewController creates a controller from options, applying defaults
// for zero values.
func NewController(opts Options) *Controller {
	if opts.RateBudget <= 0 {
		opts.RateBudget = DefaultRateBudget
	}
	if opts.BudgetInterval <= 0 {
		opts.BudgetInterval = DefaultBudgetInterval
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}
	if opts.PollFloor <= 0 {
		opts.PollFloor = DefaultPollFloor
	}
	return &Controller{
		limiter: rate.NewLimiter(budgetRate(opts), opts.Burst),
		opts:    opts,
	}
}

func budgetRate(opts Options) rate.Limit {
	return rate.Limit(float64(opts.RateBudget) / opts.BudgetInterval.Seconds())
}

// Allow consumes one token if available.
//
// Outputs:
//
//	bool - False means the gate is closed; the ingestor rejects the
//	event as TransientRateLimited and the caller retries with backoff.
func (c *Controller) Allow() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiter.Allow()
}

// Wait blocks until a token is available or the context is done.
//
// Used by batch replays that prefer queuing over rejection.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	limiter := c.limiter
	c.mu.RUnlock()
	return limiter.Wait(ctx)
}

// Saturated reports backpressure: the bucket cannot cover a full burst.
//
// EventIngestor surfaces this to callers so poll scrapers can slow
// down before hard rejections start.
func (c *Controller) Saturated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.limiter.Tokens() < 1
}

// PollInterval suggests a polling cadence for the scraper.
//
// Description:
//
//	The base cadence spreads the budget evenly over the refill window.
//	As the bucket drains the suggestion stretches, mirroring how the
//	source API's remaining-budget header is honored: low remaining
//	budget means wait longer, never hammer.
//
// Outputs:
//
//	time.Duration - Never below PollFloor.
func (c *Controller) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	base := c.opts.BudgetInterval / time.Duration(c.opts.RateBudget)
	tokens := c.limiter.Tokens()
	burst := float64(c.opts.Burst)

	// Scale from 1x at a full bucket toward 4x at empty.
	fill := math.Max(0, math.Min(1, tokens/burst))
	scaled := time.Duration(float64(base) * (1 + 3*(1-fill)))
	if scaled < c.opts.PollFloor {
		return c.opts.PollFloor
	}
	return scaled
}

// SetBudget replaces the rate budget at runtime (config hot reload).
//
// The bucket is rebuilt; accumulated tokens reset to the new burst.
func (c *Controller) SetBudget(budget int, interval time.Duration, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if budget > 0 {
		c.opts.RateBudget = budget
	}
	if interval > 0 {
		c.opts.BudgetInterval = interval
	}
	if burst > 0 {
		c.opts.Burst = burst
	}
	c.limiter = rate.NewLimiter(budgetRate(c.opts), c.opts.Burst)
}
