// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// One FIFO queue of log messages per application identity, with an aggregate
// fullness bound across all queues.

package logqueue

import (
	"strings"
	"sync"
	"time"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// DefaultMaxQueueSize bounds the sum of all queue depths.
	DefaultMaxQueueSize = 10000
	// maxMessageAge is how long an unsent message stays eligible.
	maxMessageAge = 5 * time.Minute
	// maxUploadRetries is the requeue ceiling per message.
	maxUploadRetries = 10
)

// Multiplexer owns the per-identity queues. Producers append concurrently;
// the shipping scheduler is the single consumer. No other component touches
// the queues directly.
type Multiplexer struct {
	log     *base.LogObject
	maxSize int

	mu     sync.Mutex
	queues map[types.AppIdentity][]*types.LogMsg

	nowFunc func() time.Time
}

// NewMultiplexer creates a Multiplexer. maxSize <= 0 selects the default.
func NewMultiplexer(log *base.LogObject, maxSize int) *Multiplexer {
	if maxSize <= 0 {
		maxSize = DefaultMaxQueueSize
	}
	return &Multiplexer{
		log:     log,
		maxSize: maxSize,
		queues:  make(map[types.AppIdentity][]*types.LogMsg),
		nowFunc: time.Now,
	}
}

// QueueMessage appends msg to the identity's queue, creating the queue on
// first use. Capacity is the caller's concern via IsFull; a single queue is
// never bounded on its own.
func (m *Multiplexer) QueueMessage(identity types.AppIdentity, msg *types.LogMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[identity] = append(m.queues[identity], msg)
}

// IsFull reports whether the aggregate depth reached the configured bound.
func (m *Multiplexer) IsFull() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked() >= m.maxSize
}

// IsEmpty reports whether no queue holds any message.
func (m *Multiplexer) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked() == 0
}

// Depth returns the aggregate number of queued messages.
func (m *Multiplexer) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked()
}

func (m *Multiplexer) depthLocked() int {
	total := 0
	for _, q := range m.queues {
		total += len(q)
	}
	return total
}

// RemoveOldMessagesFromQueue trims expired messages from the head of every
// queue. Queues are time-ordered by insertion, so this is a prefix trim that
// stops at the first unexpired entry. Returns the number dropped.
func (m *Multiplexer) RemoveOldMessagesFromQueue() int {
	cutoff := m.nowFunc().Add(-maxMessageAge)
	dropped := 0

	m.mu.Lock()
	defer m.mu.Unlock()
	for identity, q := range m.queues {
		i := 0
		for i < len(q) && q[i].Timestamp().Before(cutoff) {
			i++
		}
		if i > 0 {
			dropped += i
			m.queues[identity] = q[i:]
		}
	}
	if dropped > 0 {
		m.log.Warnf("%s dropped %d expired log messages", base.SelfLogMarker, dropped)
	}
	return dropped
}

// GetAppLogBatches drains up to maxNumberOfBatches batches of up to
// maxBatchSize messages from every identity's queue and returns the snapshot
// grouped by identity. Messages containing the agent's own self-log marker
// are silently discarded to avoid feedback loops.
func (m *Multiplexer) GetAppLogBatches(maxBatchSize, maxNumberOfBatches int) map[types.AppIdentity][][]*types.LogMsg {
	out := make(map[types.AppIdentity][][]*types.LogMsg)

	m.mu.Lock()
	defer m.mu.Unlock()
	for identity, q := range m.queues {
		var batches [][]*types.LogMsg
		var batch []*types.LogMsg
		taken := 0
		for taken < len(q) && len(batches) < maxNumberOfBatches {
			msg := q[taken]
			taken++
			if strings.Contains(msg.Msg, base.SelfLogMarker) {
				continue
			}
			batch = append(batch, msg)
			if len(batch) == maxBatchSize {
				batches = append(batches, batch)
				batch = nil
			}
		}
		// A partial batch can only exist when the queue ran out before
		// the batch quota did, so appending it never exceeds the quota.
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
		if taken == len(q) {
			delete(m.queues, identity)
		} else {
			m.queues[identity] = q[taken:]
		}
		if len(batches) > 0 {
			out[identity] = batches
		}
	}
	return out
}

// ReQueueBatch pushes a failed batch back onto its identity's queue,
// dropping messages that exhausted the retry ceiling. A full multiplexer
// makes this a no-op so retry storms cannot grow the queues further.
func (m *Multiplexer) ReQueueBatch(identity types.AppIdentity, batch []*types.LogMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depthLocked() >= m.maxSize {
		m.log.Warnf("%s queue full, not requeueing %d messages",
			base.SelfLogMarker, len(batch))
		return
	}
	requeued := 0
	for _, msg := range batch {
		msg.UploadErrors++
		if msg.UploadErrors > maxUploadRetries {
			m.log.Warnf("%s dropping message %s after %d failed uploads",
				base.SelfLogMarker, msg.ID, msg.UploadErrors-1)
			continue
		}
		m.queues[identity] = append(m.queues[identity], msg)
		requeued++
	}
	m.log.Functionf("%s requeued %d of %d messages for %s",
		base.SelfLogMarker, requeued, len(batch), identity.DisplayName())
}
