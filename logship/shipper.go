// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Recurring drain of the per-identity log queues. A single goroutine owns
// the timer and processes one tick at a time, so drains never overlap; the
// interval adapts to throughput between cycles.

package logship

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/flextimer"
	"github.com/stackify/stackify-api-go/logqueue"
	"github.com/stackify/stackify-api-go/transport"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// DefaultMaxBatchSize is the message cap per upload call.
	DefaultMaxBatchSize = 100
	// DefaultMaxBatches is the batch cap per identity per cycle.
	DefaultMaxBatches = 25

	initialInterval = 2 * time.Second
	minInterval     = 1 * time.Second
	maxInterval     = 5 * time.Second
	// speedUpThreshold halves the interval when a cycle moves this much.
	speedUpThreshold = 100
	// slowDownThreshold grows the interval when a cycle moves less than this.
	slowDownThreshold = 10
	intervalGrowth    = 1.25
)

// RejectedHandler receives batches the endpoint permanently refused (4xx)
// or that were never sent (status 0). Invoked fire-and-forget.
type RejectedHandler func(batch []*types.LogMsg, statusCode int)

// Config tunes the Shipper. Zero values select the defaults.
type Config struct {
	MaxBatchSize int
	MaxBatches   int
	OnRejected   RejectedHandler
}

// Shipper drains the multiplexer on an adaptive timer and uploads batches
// concurrently through the transport.
type Shipper struct {
	log          *base.LogObject
	queue        *logqueue.Multiplexer
	client       *transport.Client
	maxBatchSize int
	maxBatches   int
	onRejected   RejectedHandler

	startOnce sync.Once
	ticker    flextimer.TickerHandle
	// interval is owned by the run goroutine once started.
	interval time.Duration
	done     chan struct{}

	mu            sync.Mutex
	started       bool
	paused        bool
	stopRequested bool
}

// NewShipper creates a Shipper. The timer is armed lazily on the first
// queued message.
func NewShipper(log *base.LogObject, queue *logqueue.Multiplexer,
	client *transport.Client, cfg Config) *Shipper {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = DefaultMaxBatches
	}
	return &Shipper{
		log:          log,
		queue:        queue,
		client:       client,
		maxBatchSize: cfg.MaxBatchSize,
		maxBatches:   cfg.MaxBatches,
		onRejected:   cfg.OnRejected,
		interval:     initialInterval,
		done:         make(chan struct{}),
	}
}

// QueueLogMessage puts msg on the identity's queue and arms the drain timer
// if this is the first message ever.
func (s *Shipper) QueueLogMessage(identity types.AppIdentity, msg *types.LogMsg) {
	s.queue.QueueMessage(identity, msg)
	s.ensureStarted()
}

func (s *Shipper) ensureStarted() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		s.ticker = flextimer.NewIntervalTicker(s.interval)
		go s.run()
	})
}

func (s *Shipper) run() {
	defer close(s.done)
	for range s.ticker.C {
		s.mu.Lock()
		skip := s.paused || s.stopRequested
		s.mu.Unlock()
		if skip {
			continue
		}
		processed := s.drainCycle(context.Background())
		s.adjustInterval(processed)
	}
}

// drainCycle trims expired messages, drains all identities' batches and
// uploads them concurrently, waiting for every upload before returning the
// number of messages handled.
func (s *Shipper) drainCycle(ctx context.Context) int {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s drain cycle panic: %v", base.SelfLogMarker, r)
		}
	}()

	s.queue.RemoveOldMessagesFromQueue()
	batches := s.queue.GetAppLogBatches(s.maxBatchSize, s.maxBatches)
	if len(batches) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var processed int64
	for identity, identityBatches := range batches {
		for _, batch := range identityBatches {
			wg.Add(1)
			go func(identity types.AppIdentity, batch []*types.LogMsg) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.log.Errorf("%s batch upload panic: %v",
							base.SelfLogMarker, r)
					}
				}()
				atomic.AddInt64(&processed, int64(len(batch)))
				s.uploadBatch(ctx, identity, batch)
			}(identity, batch)
		}
	}
	wg.Wait()
	return int(atomic.LoadInt64(&processed))
}

func (s *Shipper) uploadBatch(ctx context.Context, identity types.AppIdentity,
	batch []*types.LogMsg) {

	info, err := s.client.IdentifyApp(ctx, identity)
	if err != nil {
		// No account mapping yet; the batch stays eligible.
		s.log.Functionf("%s identify failed for %s: %v", base.SelfLogMarker,
			identity.DisplayName(), err)
		s.queue.ReQueueBatch(identity, batch)
		return
	}
	group := types.LogMsgGroup{
		CDID:       info.DeviceID,
		CDAppID:    info.DeviceAppID,
		AppNameID:  info.AppNameID,
		AppEnvID:   info.EnvID,
		ServerName: identity.DeviceName,
		AppName:    identity.ConfiguredAppName,
		AppLoc:     identity.AppLocation,
		Env:        identity.ConfiguredEnvironmentName,
		Platform:   identity.Platform,
		Msgs:       batch,
	}
	body, err := json.Marshal(group)
	if err != nil {
		s.log.Errorf("%s marshaling batch for %s: %v", base.SelfLogMarker,
			identity.DisplayName(), err)
		return
	}

	reqURL := fmt.Sprintf("%s/%d", s.client.LogURL(), len(batch))
	rv, _ := s.client.SendJSON(ctx, reqURL, body,
		transport.RequestOptions{UseBearer: true, Identity: &identity})
	switch {
	case rv.StatusCode >= 200 && rv.StatusCode < 300:
		// Delivered; the batch is done.
	case rv.StatusCode == 0 || (rv.StatusCode >= 400 && rv.StatusCode < 500):
		// Never sent, or permanently refused. Retrying would loop forever;
		// hand the batch to the host instead.
		s.deliverRejected(batch, rv.StatusCode)
	default:
		s.queue.ReQueueBatch(identity, batch)
	}
}

// deliverRejected notifies the host about an undeliverable batch exactly
// once, without letting a misbehaving handler hurt the drain loop.
func (s *Shipper) deliverRejected(batch []*types.LogMsg, statusCode int) {
	s.log.Warnf("%s batch of %d rejected with status %d", base.SelfLogMarker,
		len(batch), statusCode)
	if s.onRejected == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorf("%s rejected-logs handler panic: %v",
					base.SelfLogMarker, r)
			}
		}()
		s.onRejected(batch, statusCode)
	}()
}

// adjustInterval retunes the drain timer from the last cycle's throughput.
func (s *Shipper) adjustInterval(processed int) {
	next := nextInterval(s.interval, processed)
	if next != s.interval {
		s.log.Functionf("%s drain interval %v -> %v after %d messages",
			base.SelfLogMarker, s.interval, next, processed)
		s.interval = next
		s.ticker.UpdateInterval(next)
	}
}

// nextInterval halves under load, grows 1.25x when close to idle and clamps
// to [minInterval, maxInterval]. Moderate throughput keeps the current value.
func nextInterval(current time.Duration, processed int) time.Duration {
	switch {
	case processed >= speedUpThreshold && current > minInterval:
		current /= 2
		if current < minInterval {
			current = minInterval
		}
	case processed < slowDownThreshold && current < maxInterval:
		current = time.Duration(float64(current) * intervalGrowth)
		if current > maxInterval {
			current = maxInterval
		}
	}
	return current
}

// Pause suppresses tick processing without tearing down the timer. Resume
// with Pause(false).
func (s *Shipper) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// FlushNow kicks the timer for an immediate drain.
func (s *Shipper) FlushNow() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.ticker.TickNow()
	}
}

// Stop flags stop-requested, tears down the timer and performs one final
// best-effort flush of all queues before returning. Idempotent.
func (s *Shipper) Stop() {
	s.mu.Lock()
	if s.stopRequested {
		s.mu.Unlock()
		return
	}
	s.stopRequested = true
	started := s.started
	s.mu.Unlock()

	if started {
		s.ticker.StopTicker()
		<-s.done
	}
	s.drainCycle(context.Background())
}
