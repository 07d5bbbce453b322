// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Minute-bucketed metric aggregation. Raw observations land on a queue;
// a recurring drain reduces them into per-minute buckets, resolves each
// bucket to a remote monitor id and uploads completed minutes.

package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/flextimer"
	"github.com/stackify/stackify-api-go/transport"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// maxRawQueue is the sanity cap on undigested observations.
	maxRawQueue = 100000
	// maxLiveAggregates caps distinct live buckets, protecting memory
	// under a metric-name explosion.
	maxLiveAggregates = 1000
	// maxUploadBatch is how many buckets one upload cycle may carry.
	maxUploadBatch = 50
	// purgeAge drops buckets regardless of upload outcome.
	purgeAge = 10 * time.Minute

	initialInterval = 5 * time.Second
	// fastDrainInterval applies right after a cycle that aggregated
	// something and fully succeeded; bursty volume drains quickly while
	// uploads keep working.
	fastDrainInterval = 100 * time.Millisecond
	settleInterval    = 2 * time.Second
)

type batchEntry struct {
	agg *types.MetricAggregate
	// absolute is set once a non-increment gauge observation lands in the
	// entry; the merge then overwrites instead of adding.
	absolute bool
}

// Engine owns the raw queue and the three aggregate tables. Producers queue
// observations concurrently; the single drain loop is the only consumer.
type Engine struct {
	log      *base.LogObject
	client   *transport.Client
	identity types.AppIdentity

	mu             sync.Mutex
	rawQueue       []types.Metric
	aggregates     map[string]*types.MetricAggregate
	lastAggregates map[string]*types.MetricAggregate
	settings       map[string]types.MetricSetting
	// incrementKeys marks gauges fed through IncrementGauge. Only the
	// eager enqueue path may mutate their last-aggregate entry; the drain
	// path skips them when refreshing the table, so an increment is never
	// counted twice.
	incrementKeys map[string]bool
	monitorIDs    map[string]int64
	everUsed      bool
	started       bool
	stopping      bool
	paused        bool

	ticker   flextimer.TickerHandle
	interval time.Duration
	done     chan struct{}

	nowFunc func() time.Time
}

// NewEngine creates an Engine for one application identity. The drain timer
// is armed lazily on the first queued metric.
func NewEngine(log *base.LogObject, client *transport.Client,
	identity types.AppIdentity) *Engine {
	return &Engine{
		log:            log,
		client:         client,
		identity:       identity,
		aggregates:     make(map[string]*types.MetricAggregate),
		lastAggregates: make(map[string]*types.MetricAggregate),
		settings:       make(map[string]types.MetricSetting),
		incrementKeys:  make(map[string]bool),
		monitorIDs:     make(map[string]int64),
		interval:       initialInterval,
		done:           make(chan struct{}),
		nowFunc:        time.Now,
	}
}

// Configure sets the continuity/clamping behavior for one metric.
func (e *Engine) Configure(category, name string, t types.MetricType,
	setting types.MetricSetting) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings[types.MetricNameKey(category, name, t)] = setting
}

// QueueMetric pushes one raw observation. Increment gauges additionally
// update the last-aggregate table eagerly so latest-value readers see them
// before the next drain cycle.
func (e *Engine) QueueMetric(m types.Metric) {
	if m.Category == "" || m.Name == "" {
		return
	}
	if m.Occurred.IsZero() {
		m.Occurred = e.nowFunc().UTC()
	}

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.everUsed = true
	if len(e.rawQueue) >= maxRawQueue {
		e.mu.Unlock()
		e.log.Warnf("%s raw metric queue at cap %d, dropping %s-%s",
			base.SelfLogMarker, maxRawQueue, m.Category, m.Name)
		return
	}
	e.rawQueue = append(e.rawQueue, m)
	if m.Type == types.MetricTypeLast && m.IsIncrement {
		e.eagerIncrementLocked(m)
	}
	startLoop := !e.started
	e.started = true
	e.mu.Unlock()

	if startLoop {
		e.ticker = flextimer.NewIntervalTicker(e.interval)
		go e.run()
	}
}

// eagerIncrementLocked applies an increment-gauge delta to the
// last-aggregate table. Sole writer of increment state there.
func (e *Engine) eagerIncrementLocked(m types.Metric) {
	nameKey := types.MetricNameKey(m.Category, m.Name, m.Type)
	e.incrementKeys[nameKey] = true
	last, ok := e.lastAggregates[nameKey]
	if !ok {
		last = &types.MetricAggregate{
			Category: m.Category,
			Name:     m.Name,
			Type:     m.Type,
		}
		e.lastAggregates[nameKey] = last
	}
	last.Value += m.Value
	last.Count = 1
	last.OccurredUtc = m.Occurred.UTC().Truncate(time.Minute)
	e.clampGaugeLocked(last)
}

func (e *Engine) clampGaugeLocked(agg *types.MetricAggregate) {
	setting := e.settings[agg.NameKey()]
	if agg.Value < 0 && !setting.AllowNegativeGauge {
		agg.Value = 0
	}
	// Corruption guard: a running value at the numeric sentinel means
	// arithmetic went off the rails somewhere upstream.
	if agg.Value == math.MaxFloat64 || agg.Value == -math.MaxFloat64 {
		agg.Value = 0
	}
}

// ReadAllQueuedMetrics drains raw observations up to "now", groups them by
// aggregate key in one pass, then merges each group into the live table.
// Returns the number of observations digested.
func (e *Engine) ReadAllQueuedMetrics() int {
	now := e.nowFunc()

	e.mu.Lock()
	defer e.mu.Unlock()

	var rest []types.Metric
	batch := make(map[string]*batchEntry)
	var order []string
	digested := 0
	for _, m := range e.rawQueue {
		if m.Occurred.After(now) {
			rest = append(rest, m)
			continue
		}
		digested++
		minute := m.Occurred.UTC().Truncate(time.Minute)
		probe := types.MetricAggregate{
			Category:    m.Category,
			Name:        m.Name,
			Type:        m.Type,
			OccurredUtc: minute,
		}
		key := probe.AggregateKey()
		entry, ok := batch[key]
		if !ok {
			entry = &batchEntry{agg: &types.MetricAggregate{
				Category:    m.Category,
				Name:        m.Name,
				Type:        m.Type,
				OccurredUtc: minute,
			}}
			batch[key] = entry
			order = append(order, key)
		}
		e.applyObservationLocked(entry, m)
	}
	e.rawQueue = rest

	for _, key := range order {
		e.mergeBatchLocked(key, batch[key])
	}
	return digested
}

func (e *Engine) applyObservationLocked(entry *batchEntry, m types.Metric) {
	agg := entry.agg
	switch m.Type {
	case types.MetricTypeLast:
		if m.IsIncrement {
			agg.Value += m.Value
		} else {
			agg.Value = m.Value
			entry.absolute = true
		}
		agg.Count = 1
		e.clampGaugeLocked(agg)
	default:
		agg.Value += m.Value
		agg.Count++
	}
}

// mergeBatchLocked folds one batch group into the live table, honoring the
// live-aggregate cap for new keys.
func (e *Engine) mergeBatchLocked(key string, entry *batchEntry) {
	live, ok := e.aggregates[key]
	if !ok {
		if len(e.aggregates) >= maxLiveAggregates {
			e.log.Warnf("%s live aggregate cap %d reached, dropping %s",
				base.SelfLogMarker, maxLiveAggregates, key)
			return
		}
		cp := *entry.agg
		e.aggregates[key] = &cp
		return
	}
	switch live.Type {
	case types.MetricTypeLast:
		if entry.absolute {
			live.Value = entry.agg.Value
		} else {
			live.Value += entry.agg.Value
		}
		live.Count = 1
		e.clampGaugeLocked(live)
	default:
		live.Value += entry.agg.Value
		live.Count += entry.agg.Count
	}
}

// HandleZeroReports synthesizes continuity aggregates for the current minute
// for every configured name key that saw no observations. Counter types are
// never carried forward, only zero-filled, to avoid double counting.
func (e *Engine) HandleZeroReports(currentMinute time.Time) {
	currentMinute = currentMinute.UTC().Truncate(time.Minute)

	e.mu.Lock()
	defer e.mu.Unlock()
	for nameKey, last := range e.lastAggregates {
		setting := e.settings[nameKey]
		if !setting.AutoReportZeroIfNothingReported &&
			!setting.AutoReportLastValueIfNothingReported {
			continue
		}
		isCounter := last.Type == types.MetricTypeCounter ||
			last.Type == types.MetricTypeCounterTime
		synth := &types.MetricAggregate{
			Category:    last.Category,
			Name:        last.Name,
			Type:        last.Type,
			OccurredUtc: currentMinute,
			Count:       1,
		}
		if setting.AutoReportLastValueIfNothingReported && !isCounter {
			synth.Value = last.Value
		}
		key := synth.AggregateKey()
		if _, ok := e.aggregates[key]; ok {
			continue
		}
		if len(e.aggregates) >= maxLiveAggregates {
			continue
		}
		e.aggregates[key] = synth
	}
}

// snapshotRecent refreshes the last-aggregate table from live buckets so
// latest-value queries track the newest data. Increment-gauge entries are
// skipped; the eager enqueue path is their only writer.
func (e *Engine) snapshotRecent(now time.Time) {
	cutoff := now.Add(-purgeAge)

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, agg := range e.aggregates {
		if !agg.OccurredUtc.After(cutoff) {
			continue
		}
		nameKey := agg.NameKey()
		if e.incrementKeys[nameKey] {
			continue
		}
		last, ok := e.lastAggregates[nameKey]
		if !ok || !agg.OccurredUtc.Before(last.OccurredUtc) {
			cp := *agg
			e.lastAggregates[nameKey] = &cp
		}
	}
}

// PurgeOldMetrics unconditionally drops live buckets older than cutoff,
// bounding memory when uploads are disabled or persistently failing.
func (e *Engine) PurgeOldMetrics(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	purged := 0
	for key, agg := range e.aggregates {
		if agg.OccurredUtc.Before(cutoff) {
			delete(e.aggregates, key)
			purged++
		}
	}
	if purged > 0 {
		e.log.Functionf("%s purged %d stale metric buckets",
			base.SelfLogMarker, purged)
	}
	return purged
}

// GetLatestMetric returns the most recent aggregate for category/name, of
// any metric type. Read-only snapshot.
func (e *Engine) GetLatestMetric(category, name string) (types.MetricAggregate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, last := range e.lastAggregates {
		if last.Category == category && last.Name == name {
			return *last, true
		}
	}
	return types.MetricAggregate{}, false
}

// GetLatestMetrics returns a snapshot of the whole last-aggregate table.
func (e *Engine) GetLatestMetrics() []types.MetricAggregate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.MetricAggregate, 0, len(e.lastAggregates))
	for _, last := range e.lastAggregates {
		out = append(out, *last)
	}
	return out
}

// Pause suppresses drain-cycle processing without tearing down the timer.
func (e *Engine) Pause(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
}

// StopMetricsQueue stops the drain loop and forces one synchronous upload
// cycle for a minute slightly in the future so final values flush at
// shutdown. Idempotent; a no-op if no metric was ever queued.
func (e *Engine) StopMetricsQueue(reason string) {
	e.mu.Lock()
	if !e.everUsed || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	started := e.started
	e.mu.Unlock()

	e.log.Noticef("%s stopping metrics queue: %s", base.SelfLogMarker, reason)
	if started {
		e.ticker.StopTicker()
		<-e.done
	}
	// Push the bucket boundary past every live minute so the final cycle
	// considers all of them complete.
	futureMinute := e.nowFunc().UTC().Add(2 * time.Minute).Truncate(time.Minute)
	e.UploadMetrics(context.Background(), futureMinute)
}

func (e *Engine) run() {
	defer close(e.done)
	for range e.ticker.C {
		e.mu.Lock()
		skip := e.paused || e.stopping
		e.mu.Unlock()
		if skip {
			continue
		}
		currentMinute := e.nowFunc().UTC().Truncate(time.Minute)
		processed, ok := e.UploadMetrics(context.Background(), currentMinute)
		next := settleInterval
		if processed > 0 && ok {
			next = fastDrainInterval
		}
		if next != e.interval {
			e.interval = next
			e.ticker.UpdateInterval(next)
		}
	}
}

// UploadMetrics runs one full cycle: drain the raw queue, synthesize
// continuity aggregates, refresh the latest-value table, then upload up to
// maxUploadBatch completed buckets. Returns the number of raw observations
// digested and whether the cycle fully succeeded.
func (e *Engine) UploadMetrics(ctx context.Context, currentMinute time.Time) (int, bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("%s metric cycle panic: %v", base.SelfLogMarker, r)
		}
	}()

	processed := e.ReadAllQueuedMetrics()
	now := e.nowFunc()
	e.HandleZeroReports(currentMinute)
	e.snapshotRecent(now)
	defer e.PurgeOldMetrics(now.Add(-purgeAge))

	e.mu.Lock()
	empty := len(e.aggregates) == 0
	e.mu.Unlock()
	if empty {
		return processed, true
	}

	if e.client.IsRecentError() || !e.client.IsAuthorized() {
		e.log.Functionf("%s transport in cooldown, skipping metric upload",
			base.SelfLogMarker)
		return processed, false
	}

	selected := e.takeUploadable(currentMinute, now)
	if len(selected) == 0 {
		return processed, true
	}

	info, err := e.client.IdentifyApp(ctx, e.identity)
	if err != nil {
		e.restore(selected)
		return processed, false
	}

	var resolved, unresolved []*types.MetricAggregate
	for _, agg := range selected {
		monitorID, err := e.resolveMonitorID(ctx, agg, info)
		if err != nil {
			unresolved = append(unresolved, agg)
			continue
		}
		agg.MonitorID = monitorID
		resolved = append(resolved, agg)
	}

	ok := true
	if len(unresolved) > 0 {
		e.restore(unresolved)
		ok = false
	}
	if len(resolved) > 0 {
		if err := e.submit(ctx, resolved); err != nil {
			e.log.Warnf("%s metric upload failed: %v", base.SelfLogMarker, err)
			e.restore(resolved)
			ok = false
		}
	}
	return processed, ok
}

// takeUploadable removes and returns up to maxUploadBatch buckets strictly
// older than currentMinute and inside the purge window. Buckets left behind
// by the cap simply wait for the next cycle.
func (e *Engine) takeUploadable(currentMinute, now time.Time) []*types.MetricAggregate {
	currentMinute = currentMinute.UTC().Truncate(time.Minute)
	oldest := now.Add(-purgeAge)

	e.mu.Lock()
	defer e.mu.Unlock()
	var selected []*types.MetricAggregate
	for key, agg := range e.aggregates {
		if len(selected) >= maxUploadBatch {
			break
		}
		if agg.OccurredUtc.Before(currentMinute) && agg.OccurredUtc.After(oldest) {
			selected = append(selected, agg)
			delete(e.aggregates, key)
		}
	}
	return selected
}

// restore puts failed or unresolved buckets back into the live table for the
// next cycle. If the same key accumulated fresh data meanwhile, counters are
// combined and gauges keep the fresher value.
func (e *Engine) restore(aggs []*types.MetricAggregate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, agg := range aggs {
		key := agg.AggregateKey()
		live, ok := e.aggregates[key]
		if !ok {
			e.aggregates[key] = agg
			continue
		}
		switch live.Type {
		case types.MetricTypeLast:
			// Keep the fresher gauge value already in the table.
		default:
			live.Value += agg.Value
			live.Count += agg.Count
		}
	}
}

func (e *Engine) resolveMonitorID(ctx context.Context,
	agg *types.MetricAggregate, info types.IdentifiedApp) (int64, error) {

	cacheKey := fmt.Sprintf("%s-%d", agg.NameKey(), info.DeviceAppID)
	e.mu.Lock()
	monitorID, ok := e.monitorIDs[cacheKey]
	e.mu.Unlock()
	if ok {
		return monitorID, nil
	}

	monitorID, err := e.client.GetMetricInfo(ctx, types.GetMetricInfoRequest{
		Category:     agg.Category,
		MetricName:   agg.Name,
		MetricTypeID: agg.Type.MonitorTypeID(),
		DeviceID:     info.DeviceID,
		DeviceAppID:  info.DeviceAppID,
		AppNameID:    info.AppNameID,
	})
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.monitorIDs[cacheKey] = monitorID
	e.mu.Unlock()
	return monitorID, nil
}

func (e *Engine) submit(ctx context.Context, aggs []*types.MetricAggregate) error {
	payload := make([]types.MetricForUpload, 0, len(aggs))
	for _, agg := range aggs {
		payload = append(payload, types.MetricForUpload{
			MonitorID:     agg.MonitorID,
			Value:         math.Round(agg.Value*100) / 100,
			Count:         agg.Count,
			OccurredUtc:   agg.OccurredUtc.UTC().Format(time.RFC3339),
			MonitorTypeID: agg.Type.MonitorTypeID(),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = e.client.SendJSON(ctx, e.client.APIURL("Metrics/SubmitMetricsByID"),
		body, transport.RequestOptions{UseBearer: true, Identity: &e.identity})
	return err
}
