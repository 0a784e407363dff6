// Package tracker enforces the instantiation ceiling for repeated requests.
package tracker

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tilegate/tilegate/internal/fingerprint"
)

const (
	// DefaultLimit is the maximum number of identical requests that may be sent.
	DefaultLimit = 3
	// DefaultCapacity bounds the number of distinct fingerprints retained.
	DefaultCapacity = 64
)

// Record stores the tracked state for one request fingerprint.
type Record struct {
	Fingerprint  fingerprint.Key
	Occurrences  int
	LastResponse any
}

// Tracker keeps a bounded record of recent request fingerprints and their
// outcomes. The per-fingerprint ceiling converts runaway identical requests
// into immediate local rejections; the capacity bound keeps memory flat over
// long sessions by evicting the oldest-seen fingerprint first.
type Tracker struct {
	mu       sync.Mutex
	limit    int
	capacity int
	records  map[fingerprint.Key]*Record
	order    []fingerprint.Key

	evictionCounter metric.Int64Counter
	recordCounter   metric.Int64Counter
}

// New constructs a tracker with the provided per-fingerprint limit and
// distinct-fingerprint capacity. Non-positive arguments fall back to defaults.
func New(limit, capacity int) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	t := new(Tracker)
	t.limit = limit
	t.capacity = capacity
	t.records = make(map[fingerprint.Key]*Record, capacity)
	t.order = make([]fingerprint.Key, 0, capacity)

	meter := otel.Meter("tracker")
	t.evictionCounter, _ = meter.Int64Counter("tracker.records.evicted",
		metric.WithDescription("Number of fingerprint records evicted by the capacity bound"),
		metric.WithUnit("{record}"))
	t.recordCounter, _ = meter.Int64Counter("tracker.attempts.recorded",
		metric.WithDescription("Number of request attempts recorded"),
		metric.WithUnit("{attempt}"))

	return t
}

// Limit returns the configured per-fingerprint ceiling.
func (t *Tracker) Limit() int {
	return t.limit
}

// CanBePerformed reports whether a request with the given fingerprint is still
// under the instantiation ceiling. It never mutates tracker state.
func (t *Tracker) CanBePerformed(key fingerprint.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return true
	}
	return rec.Occurrences < t.limit
}

// Record registers one request attempt for the fingerprint, storing the latest
// response (success or failure alike). It must be called exactly once per
// attempt or the ceiling undercounts actual backend load.
func (t *Tracker) Record(ctx context.Context, key fingerprint.Key, response any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[key]
	if !ok {
		rec = &Record{Fingerprint: key, Occurrences: 0, LastResponse: nil}
		t.records[key] = rec
		t.order = append(t.order, key)
	}
	rec.Occurrences++
	rec.LastResponse = response

	if t.recordCounter != nil {
		t.recordCounter.Add(ctx, 1)
	}

	for len(t.order) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
		if t.evictionCounter != nil {
			t.evictionCounter.Add(ctx, 1)
		}
	}
}

// Occurrences returns the recorded attempt count for the fingerprint.
func (t *Tracker) Occurrences(key fingerprint.Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return 0
	}
	return rec.Occurrences
}

// LastResponse returns the most recent response stored for the fingerprint.
func (t *Tracker) LastResponse(key fingerprint.Key) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[key]
	if !ok {
		return nil, false
	}
	return rec.LastResponse, true
}

// Len reports the number of distinct fingerprints currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Reset discards all tracked records.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[fingerprint.Key]*Record, t.capacity)
	t.order = t.order[:0]
}
