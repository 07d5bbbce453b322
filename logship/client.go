// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package logship

import (
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/logqueue"
	"github.com/stackify/stackify-api-go/throttle"
	"github.com/stackify/stackify-api-go/types"
)

// Client is the single entry point producers call. It stamps id and
// ordering metadata on every message and forwards it to the shipper.
type Client struct {
	log      *base.LogObject
	shipper  *Shipper
	queue    *logqueue.Multiplexer
	governor *throttle.Governor

	// Wall clocks resolve to milliseconds while producers can log far
	// faster; the counter gives messages sharing one millisecond a stable
	// total order.
	orderMu      sync.Mutex
	lastEpochMs  int64
	orderCounter int32
}

// NewClient wires the façade over its collaborators.
func NewClient(log *base.LogObject, shipper *Shipper,
	queue *logqueue.Multiplexer, governor *throttle.Governor) *Client {
	return &Client{
		log:      log,
		shipper:  shipper,
		queue:    queue,
		governor: governor,
	}
}

// CanQueue reports whether the queues have capacity for another message.
func (c *Client) CanQueue() bool {
	return !c.queue.IsFull()
}

// QueueMessage stamps msg and enqueues it for shipping. A full queue drops
// the message with a log line; the caller is never blocked.
func (c *Client) QueueMessage(identity types.AppIdentity, msg *types.LogMsg) {
	if msg == nil {
		return
	}
	if !c.CanQueue() {
		c.log.Warnf("%s queues full, dropping message", base.SelfLogMarker)
		return
	}
	if msg.ID == "" {
		if id, err := uuid.NewV1(); err == nil {
			msg.ID = id.String()
		}
	}
	c.stampOrder(msg)
	c.shipper.QueueLogMessage(identity, msg)
}

// stampOrder assigns the intra-millisecond sequence number. A newer
// timestamp resets the counter, an equal one increments it, and an older one
// leaves Order at its zero default.
func (c *Client) stampOrder(msg *types.LogMsg) {
	c.orderMu.Lock()
	defer c.orderMu.Unlock()
	switch {
	case msg.EpochMs > c.lastEpochMs:
		c.lastEpochMs = msg.EpochMs
		c.orderCounter = 1
		msg.Order = 1
	case msg.EpochMs == c.lastEpochMs:
		c.orderCounter++
		msg.Order = c.orderCounter
	}
}

// ErrorShouldBeSent delegates to the error governor.
func (c *Client) ErrorShouldBeSent(item *types.ErrorItem) bool {
	return c.governor.ErrorShouldBeSent(item)
}

// PauseUpload suspends or resumes shipping without dropping queued messages.
func (c *Client) PauseUpload(paused bool) {
	c.shipper.Pause(paused)
}

// Close flushes and stops the shipper.
func (c *Client) Close() {
	c.shipper.Stop()
}
