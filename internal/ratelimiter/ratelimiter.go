// Package ratelimiter implements the Rate Governor (spec §4.D): per-job
// admission control combining a sliding-60-second request window, a
// concurrency semaphore, and quota-exceeded backoff.
//
// Generalized from the teacher's fixed-size token-channel RateLimiter: a
// channel can express a concurrency cap but not "count of requests in the
// last 60 seconds," so the window here is tracked as a pruned slice of
// timestamps, matching the RateLimiterState shape in internal/model.
package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"svg2pptx-batch/internal/model"
)

// Kind distinguishes the two admission classes the Governor gates.
type Kind int

const (
	KindRequest Kind = iota // a generic remote call counted against the per-minute window
	KindUpload               // an upload counted against both the window and the concurrency cap
)

// ErrQuotaExceeded is returned by Admit while a quota backoff window is in
// effect.
var ErrQuotaExceeded = fmt.Errorf("rate governor: quota exceeded, backoff in effect")

// ErrBudgetExhausted is returned by Admit when the sliding window or
// concurrency cap is full.
var ErrBudgetExhausted = fmt.Errorf("rate governor: budget exhausted")

const slidingWindow = 60 * time.Second

// adjustEveryAdmissions and adjustEveryInterval implement the monitor
// cadence decided in DESIGN.md's Open Question #3: Adjust runs automatically
// every 100 admissions or 5 seconds, whichever comes first.
const (
	adjustEveryAdmissions = 100
	adjustEveryInterval   = 5 * time.Second
)

// Governor holds one job's RateLimiterState and serializes admission
// decisions so that two admissions can never both observe the last
// remaining token (spec §4.D "Ordering").
type Governor struct {
	mu               sync.Mutex
	state            model.RateLimiterState
	quotaRetryCounts map[model.QuotaErrorReason]int

	admissionsSinceAdjust int
	lastAdjustAt          time.Time
	quotaErrorSinceAdjust bool
}

// New creates a Governor seeded with the given per-minute request budget and
// concurrency cap.
func New(maxRequestsPerMinute, maxConcurrentUploads int) *Governor {
	return &Governor{
		state: model.RateLimiterState{
			MaxRequestsPerMinute: maxRequestsPerMinute,
			MaxConcurrentUploads: maxConcurrentUploads,
		},
		quotaRetryCounts: make(map[model.QuotaErrorReason]int),
		lastAdjustAt:     time.Now().UTC(),
	}
}

// FromState rehydrates a Governor from a previously persisted
// RateLimiterState, e.g. after loading a Job from the Store.
func FromState(state model.RateLimiterState) *Governor {
	return &Governor{
		state:            state,
		quotaRetryCounts: make(map[model.QuotaErrorReason]int),
		lastAdjustAt:     time.Now().UTC(),
	}
}

// State returns a copy of the current RateLimiterState for persistence back
// onto the owning Job.
func (g *Governor) State() model.RateLimiterState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cloneState()
}

func (g *Governor) cloneState() model.RateLimiterState {
	cp := g.state
	cp.RequestTimestamps = append([]time.Time(nil), g.state.RequestTimestamps...)
	cp.ActiveOperations = append([]model.ActiveOperation(nil), g.state.ActiveOperations...)
	return cp
}

// Admit attempts to admit one operation of the given kind, identified by
// opID (only meaningful for KindUpload, where it is later passed to
// Release). Blocking is the caller's responsibility: Admit always returns
// immediately, either granting the slot (nil) or returning
// ErrBudgetExhausted / ErrQuotaExceeded; the quota reset time is available
// from State().QuotaResetTime.
func (g *Governor) Admit(ctx context.Context, kind Kind, opID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()

	if g.state.QuotaExceeded {
		if g.state.QuotaResetTime != nil && now.Before(*g.state.QuotaResetTime) {
			return ErrQuotaExceeded
		}
		g.state.QuotaExceeded = false
		g.state.QuotaResetTime = nil
		g.state.QuotaErrorReason = ""
	}

	g.pruneWindowLocked(now)

	if len(g.state.RequestTimestamps) >= g.state.MaxRequestsPerMinute {
		return ErrBudgetExhausted
	}
	if kind == KindUpload && len(g.state.ActiveOperations) >= g.state.MaxConcurrentUploads {
		return ErrBudgetExhausted
	}

	g.state.RequestTimestamps = append(g.state.RequestTimestamps, now)
	if kind == KindUpload {
		g.state.ActiveOperations = append(g.state.ActiveOperations, model.ActiveOperation{
			OperationID: opID,
			StartedAt:   now,
		})
	}

	g.admissionsSinceAdjust++
	if g.admissionsSinceAdjust >= adjustEveryAdmissions || now.Sub(g.lastAdjustAt) >= adjustEveryInterval {
		g.adjustLocked(g.quotaErrorSinceAdjust)
		g.admissionsSinceAdjust = 0
		g.quotaErrorSinceAdjust = false
		g.lastAdjustAt = now
	}
	return nil
}

// Release removes the active operation identified by opID, freeing a
// concurrency slot. A no-op if opID is not tracked (e.g. it was never a
// KindUpload admission).
func (g *Governor) Release(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.state.ActiveOperations[:0]
	for _, op := range g.state.ActiveOperations {
		if op.OperationID != opID {
			out = append(out, op)
		}
	}
	g.state.ActiveOperations = out
}

func (g *Governor) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-slidingWindow)
	kept := g.state.RequestTimestamps[:0]
	for _, ts := range g.state.RequestTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	g.state.RequestTimestamps = kept
}

// backoffDelay maps a quota reason to its base delay, keyed by the retry
// count k (number of quota_exceeded responses seen for this reason since
// the last RecordSuccess).
func backoffDelay(reason model.QuotaErrorReason, k int) time.Duration {
	switch reason {
	case model.QuotaDailyLimit:
		return 24 * time.Hour
	case model.QuotaRateLimit, model.QuotaUserRateLimit:
		minutes := 60 * (1 << uint(k))
		if minutes > 480 {
			minutes = 480
		}
		return time.Duration(minutes) * time.Minute
	default:
		return 2 * time.Hour
	}
}

// RecordQuotaExceeded applies the backoff table from spec §4.D: sets
// quota_exceeded, computes quota_reset_time from reason and the running
// retry count k (the number of quota_exceeded responses seen for this
// reason since the last RecordSuccess), and rejects all
// admissions until that time.
func (g *Governor) RecordQuotaExceeded(reason model.QuotaErrorReason) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := g.quotaRetryCounts[reason]
	g.quotaRetryCounts[reason] = k + 1

	delay := backoffDelay(reason, k)
	resetAt := time.Now().UTC().Add(delay)

	g.state.QuotaExceeded = true
	g.state.QuotaResetTime = &resetAt
	g.state.QuotaErrorReason = reason
	g.quotaErrorSinceAdjust = true
}

// RecordSuccess clears any quota backoff state and resets retry counters (a
// successful call after the reset time implies the provider's quota has
// recovered).
func (g *Governor) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.QuotaExceeded {
		g.state.QuotaExceeded = false
		g.state.QuotaResetTime = nil
		g.state.QuotaErrorReason = ""
	}
	g.quotaRetryCounts = make(map[model.QuotaErrorReason]int)
}

// Adjust implements the dynamic up/down-scaling policy from spec §4.D,
// evaluated against the current window occupancy. Admit already calls this
// automatically every 100 admissions or 5 seconds (DESIGN.md's Open Question
// #3); exported for callers that want to force an evaluation, e.g. tests or
// an operator-triggered rebalance.
func (g *Governor) Adjust(recentQuotaErrors bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adjustLocked(recentQuotaErrors)
}

func (g *Governor) adjustLocked(recentQuotaErrors bool) {
	now := time.Now().UTC()
	g.pruneWindowLocked(now)

	requestUtil := ratio(len(g.state.RequestTimestamps), g.state.MaxRequestsPerMinute)
	concurrencyUtil := ratio(len(g.state.ActiveOperations), g.state.MaxConcurrentUploads)
	maxUtil := requestUtil
	if concurrencyUtil > maxUtil {
		maxUtil = concurrencyUtil
	}

	if recentQuotaErrors {
		return
	}

	switch {
	case maxUtil > 0.8:
		g.state.MaxConcurrentUploads = maxInt(1, int(float64(g.state.MaxConcurrentUploads)*0.8))
		g.state.MaxRequestsPerMinute = maxInt(10, int(float64(g.state.MaxRequestsPerMinute)*0.8))
	case maxUtil < 0.4:
		g.state.MaxConcurrentUploads = minInt(20, ceilMul(g.state.MaxConcurrentUploads, 1.2))
		g.state.MaxRequestsPerMinute = minInt(150, ceilMul(g.state.MaxRequestsPerMinute, 1.1))
	}
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func ceilMul(v int, factor float64) int {
	out := int(float64(v) * factor)
	if out <= v && factor > 1 {
		out = v + 1
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
