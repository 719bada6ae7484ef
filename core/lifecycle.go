package core

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Phase is the lifecycle stage of a RequestRecord.
type Phase int

const (
	PhaseQueued Phase = iota
	PhaseAIInflight
	PhaseDBInflight
	PhaseDone
)

// RequestRecord tracks one in-flight user request and its two independent
// cancellation tokens.
type RequestRecord struct {
	RequestID string
	Phase     Phase

	aiCancel context.CancelFunc
	dbCancel context.CancelFunc

	AICtx context.Context
	DBCtx context.Context

	cancelOnce sync.Once
	cancelled  bool
}

// RequestTracker is the Request Lifecycle Manager (C2). At most one tracked
// request may have Phase != PhaseDone at any moment; this invariant is
// enforced by the caller (C5), which must not call Begin again before the
// previous request reaches PhaseDone.
type RequestTracker struct {
	mu       sync.Mutex
	requests map[string]*RequestRecord
}

// NewRequestTracker returns an empty tracker.
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{requests: make(map[string]*RequestRecord)}
}

// Begin allocates a new request id and two independent cancellation tokens
// (one for the AI call, one for DB calls), derived from parent.
func (t *RequestTracker) Begin(parent context.Context) *RequestRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	aiCtx, aiCancel := context.WithCancel(parent)
	dbCtx, dbCancel := context.WithCancel(parent)

	rec := &RequestRecord{
		RequestID: uuid.New().String(),
		Phase:     PhaseQueued,
		aiCancel:  aiCancel,
		dbCancel:  dbCancel,
		AICtx:     aiCtx,
		DBCtx:     dbCtx,
	}
	t.requests[rec.RequestID] = rec
	return rec
}

// SetPhase updates the phase of a tracked request. No-op if unknown.
func (t *RequestTracker) SetPhase(requestID string, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.requests[requestID]; ok {
		rec.Phase = phase
	}
}

// Cancel signals both tokens of the given request. Idempotent: returns true
// only on the call that actually fired the cancellation.
func (t *RequestTracker) Cancel(requestID string) bool {
	t.mu.Lock()
	rec, ok := t.requests[requestID]
	done := ok && rec.Phase == PhaseDone
	t.mu.Unlock()
	if !ok || done {
		return false
	}

	fired := false
	rec.cancelOnce.Do(func() {
		rec.aiCancel()
		rec.dbCancel()
		rec.cancelled = true
		fired = true
	})
	return fired
}

// CancelAll cancels every request whose phase is not yet Done.
func (t *RequestTracker) CancelAll() {
	t.mu.Lock()
	recs := make([]*RequestRecord, 0, len(t.requests))
	for _, rec := range t.requests {
		if rec.Phase != PhaseDone {
			recs = append(recs, rec)
		}
	}
	t.mu.Unlock()

	for _, rec := range recs {
		rec.cancelOnce.Do(func() {
			rec.aiCancel()
			rec.dbCancel()
			rec.cancelled = true
		})
	}
}

// Complete marks a request done and releases its tokens. Completed tokens
// are never re-signalled: a later Cancel call on the same id is a no-op
// because Phase is Done, and CancelAll skips it for the same reason.
func (t *RequestTracker) Complete(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.requests[requestID]; ok {
		rec.Phase = PhaseDone
		// Release the context trees even if never explicitly cancelled,
		// to avoid leaking the derived contexts.
		rec.aiCancel()
		rec.dbCancel()
	}
}

// IsCancelled reports whether the given request has been cancelled.
func (t *RequestTracker) IsCancelled(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.requests[requestID]; ok {
		return rec.cancelled
	}
	return false
}

// ActiveCount returns the number of requests with phase != Done. Used by C5
// to enforce the at-most-one-active-request invariant before calling Begin.
func (t *RequestTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.requests {
		if rec.Phase != PhaseDone {
			n++
		}
	}
	return n
}
