// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Deduplicate and throttle repeated errors using a rolling per-minute
// counter keyed by a fingerprint of (type, type-code, source-method).

package throttle

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// DefaultLimitPerMinute is how many identical errors pass per minute.
	DefaultLimitPerMinute = 100
	// cleanupHorizon bounds how long a stale fingerprint entry survives.
	cleanupHorizon = 5 * time.Minute
)

type fingerprintEntry struct {
	minute time.Time
	count  int
}

// Governor decides whether a captured error is worth sending or is a repeat
// already seen too often this minute.
type Governor struct {
	log   *base.LogObject
	limit int

	// The whole check-and-increment sequence runs under one lock; a
	// read-modify-write split would undercount concurrent callers.
	mu            sync.Mutex
	counters      map[string]fingerprintEntry
	currentMinute time.Time

	nowFunc func() time.Time
}

// NewGovernor creates a Governor. limitPerMinute <= 0 selects the default.
func NewGovernor(log *base.LogObject, limitPerMinute int) *Governor {
	if limitPerMinute <= 0 {
		limitPerMinute = DefaultLimitPerMinute
	}
	return &Governor{
		log:      log,
		limit:    limitPerMinute,
		counters: make(map[string]fingerprintEntry),
		nowFunc:  time.Now,
	}
}

// ErrorShouldBeSent reports whether the error is under this minute's ceiling
// for its fingerprint. The first occurrence in any minute always passes.
func (g *Governor) ErrorShouldBeSent(item *types.ErrorItem) bool {
	if item == nil {
		return false
	}
	fp := Fingerprint(item.Innermost())
	minute := g.nowFunc().Truncate(time.Minute)

	g.mu.Lock()
	defer g.mu.Unlock()

	if !minute.Equal(g.currentMinute) {
		g.purgeLocked(minute)
		g.currentMinute = minute
	}

	entry, ok := g.counters[fp]
	if !ok || !entry.minute.Equal(minute) {
		g.counters[fp] = fingerprintEntry{minute: minute, count: 1}
		return true
	}
	entry.count++
	g.counters[fp] = entry
	if entry.count > g.limit {
		g.log.Functionf("%s suppressing error fingerprint %s, count %d over limit %d",
			base.SelfLogMarker, fp, entry.count, g.limit)
		return false
	}
	return true
}

// purgeLocked drops fingerprints whose minute fell behind the cleanup
// horizon. Called lazily when the minute boundary is crossed.
func (g *Governor) purgeLocked(minute time.Time) {
	cutoff := minute.Add(-cleanupHorizon)
	for fp, entry := range g.counters {
		if entry.minute.Before(cutoff) {
			delete(g.counters, fp)
		}
	}
}

// Fingerprint hashes the identifying fields of an error. Stable across
// processes so server-side grouping matches.
func Fingerprint(item *types.ErrorItem) string {
	h := md5.New()
	h.Write([]byte(item.ErrorType))
	h.Write([]byte{'|'})
	h.Write([]byte(item.ErrorTypeCode))
	h.Write([]byte{'|'})
	h.Write([]byte(item.SourceMethod))
	return hex.EncodeToString(h.Sum(nil))
}
