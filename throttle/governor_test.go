// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package throttle

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

func testLog() *base.LogObject {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return base.NewSourceLogObject(logger, "test", 1234)
}

func testItem(errType, code, method string) *types.ErrorItem {
	return &types.ErrorItem{
		ErrorType:     errType,
		ErrorTypeCode: code,
		SourceMethod:  method,
	}
}

func TestGovernorLimitPerMinute(t *testing.T) {
	g := NewGovernor(testLog(), 100)
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	item := testItem("TimeoutError", "28", "db.Query")
	passed := 0
	for i := 0; i < 150; i++ {
		if g.ErrorShouldBeSent(item) {
			passed++
		}
	}
	assert.Equal(t, 100, passed)
}

func TestGovernorMinuteRollover(t *testing.T) {
	g := NewGovernor(testLog(), 2)
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	item := testItem("TimeoutError", "28", "db.Query")
	assert.True(t, g.ErrorShouldBeSent(item))
	assert.True(t, g.ErrorShouldBeSent(item))
	assert.False(t, g.ErrorShouldBeSent(item))

	// Next minute starts a fresh count.
	now = now.Add(time.Minute)
	assert.True(t, g.ErrorShouldBeSent(item))
}

func TestGovernorDistinctFingerprints(t *testing.T) {
	g := NewGovernor(testLog(), 1)
	now := time.Date(2025, 3, 10, 12, 0, 30, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	assert.True(t, g.ErrorShouldBeSent(testItem("A", "1", "m")))
	assert.False(t, g.ErrorShouldBeSent(testItem("A", "1", "m")))
	// A different type, code or method is a different budget.
	assert.True(t, g.ErrorShouldBeSent(testItem("B", "1", "m")))
	assert.True(t, g.ErrorShouldBeSent(testItem("A", "2", "m")))
	assert.True(t, g.ErrorShouldBeSent(testItem("A", "1", "other")))
}

func TestGovernorFingerprintsInnermost(t *testing.T) {
	g := NewGovernor(testLog(), 1)

	inner := testItem("RootCause", "7", "io.Read")
	wrapped := &types.ErrorItem{
		ErrorType:  "WrapperError",
		InnerError: &types.ErrorItem{ErrorType: "Middle", InnerError: inner},
	}
	assert.Equal(t, Fingerprint(inner), Fingerprint(wrapped.Innermost()))

	// Wrapping layers share the inner budget.
	assert.True(t, g.ErrorShouldBeSent(wrapped))
	assert.False(t, g.ErrorShouldBeSent(inner))
}

func TestGovernorNilItem(t *testing.T) {
	g := NewGovernor(testLog(), 10)
	assert.False(t, g.ErrorShouldBeSent(nil))
}

func TestGovernorPurgesStaleFingerprints(t *testing.T) {
	g := NewGovernor(testLog(), 10)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	g.nowFunc = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		g.ErrorShouldBeSent(testItem("E", fmt.Sprint(i), "m"))
	}
	assert.Len(t, g.counters, 50)

	// Crossing a minute boundary well past the horizon drops them all.
	now = now.Add(10 * time.Minute)
	g.ErrorShouldBeSent(testItem("fresh", "0", "m"))
	assert.Len(t, g.counters, 1)
}
