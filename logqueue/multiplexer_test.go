// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package logqueue

import (
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

func testLog() *base.LogObject {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return base.NewSourceLogObject(logger, "test", 1234)
}

func testIdentity(app string) types.AppIdentity {
	return types.AppIdentity{
		DeviceName:        "host-1",
		ConfiguredAppName: app,
	}
}

func testMsg(text string) *types.LogMsg {
	return &types.LogMsg{Msg: text, EpochMs: time.Now().UnixMilli()}
}

func TestQueueAndBatchOrder(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	for i := 0; i < 5; i++ {
		m.QueueMessage(id, testMsg(fmt.Sprintf("msg-%d", i)))
	}
	assert.Equal(t, 5, m.Depth())

	batches := m.GetAppLogBatches(100, 25)
	require.Len(t, batches[id], 1)
	batch := batches[id][0]
	require.Len(t, batch, 5)
	for i, msg := range batch {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Msg)
	}
	assert.True(t, m.IsEmpty())
}

func TestBatchSizeAndCount(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	for i := 0; i < 25; i++ {
		m.QueueMessage(id, testMsg(fmt.Sprintf("msg-%d", i)))
	}

	batches := m.GetAppLogBatches(10, 2)
	require.Len(t, batches[id], 2)
	assert.Len(t, batches[id][0], 10)
	assert.Len(t, batches[id][1], 10)
	// The remainder stays queued for the next cycle.
	assert.Equal(t, 5, m.Depth())
}

func TestBatchesSplitByIdentity(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	idA := testIdentity("app-a")
	idB := testIdentity("app-b")
	m.QueueMessage(idA, testMsg("from-a"))
	m.QueueMessage(idB, testMsg("from-b"))

	batches := m.GetAppLogBatches(100, 25)
	require.Len(t, batches, 2)
	assert.Equal(t, "from-a", batches[idA][0][0].Msg)
	assert.Equal(t, "from-b", batches[idB][0][0].Msg)
}

func TestSelfLogsFiltered(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	m.QueueMessage(id, testMsg("regular message"))
	m.QueueMessage(id, testMsg(base.SelfLogMarker+" queue full"))
	m.QueueMessage(id, testMsg("another message"))

	batches := m.GetAppLogBatches(100, 25)
	require.Len(t, batches[id], 1)
	batch := batches[id][0]
	require.Len(t, batch, 2)
	assert.Equal(t, "regular message", batch[0].Msg)
	assert.Equal(t, "another message", batch[1].Msg)
}

func TestIsFullAggregatesAcrossIdentities(t *testing.T) {
	m := NewMultiplexer(testLog(), 4)
	m.QueueMessage(testIdentity("app-a"), testMsg("1"))
	m.QueueMessage(testIdentity("app-a"), testMsg("2"))
	assert.False(t, m.IsFull())
	m.QueueMessage(testIdentity("app-b"), testMsg("3"))
	m.QueueMessage(testIdentity("app-b"), testMsg("4"))
	assert.True(t, m.IsFull())
}

func TestRemoveOldMessages(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	old := testMsg("stale")
	old.EpochMs = now.Add(-6 * time.Minute).UnixMilli()
	fresh := testMsg("fresh")
	fresh.EpochMs = now.Add(-time.Minute).UnixMilli()
	m.QueueMessage(id, old)
	m.QueueMessage(id, fresh)

	dropped := m.RemoveOldMessagesFromQueue()
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, m.Depth())

	batches := m.GetAppLogBatches(100, 25)
	assert.Equal(t, "fresh", batches[id][0][0].Msg)
}

func TestReQueueIncrementsRetryCount(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	msg := testMsg("retry me")

	m.ReQueueBatch(id, []*types.LogMsg{msg})
	assert.Equal(t, int32(1), msg.UploadErrors)
	assert.Equal(t, 1, m.Depth())
}

func TestReQueueDropsAfterRetryCeiling(t *testing.T) {
	m := NewMultiplexer(testLog(), 0)
	id := testIdentity("app-a")
	msg := testMsg("doomed")
	msg.UploadErrors = maxUploadRetries

	m.ReQueueBatch(id, []*types.LogMsg{msg})
	assert.True(t, m.IsEmpty())
}

func TestReQueueNoopWhenFull(t *testing.T) {
	m := NewMultiplexer(testLog(), 1)
	id := testIdentity("app-a")
	m.QueueMessage(id, testMsg("occupant"))
	require.True(t, m.IsFull())

	msg := testMsg("bounced")
	m.ReQueueBatch(id, []*types.LogMsg{msg})
	assert.Equal(t, 1, m.Depth())
	// The retry counter is untouched when nothing was requeued.
	assert.Equal(t, int32(0), msg.UploadErrors)
}
