// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	"github.com/stackify/stackify-api-go/types"
)

// Count adds value to the category/name counter for the current minute.
func (e *Engine) Count(category, name string, value float64) {
	e.QueueMetric(types.Metric{
		Category: category,
		Name:     name,
		Type:     types.MetricTypeCounter,
		Value:    value,
	})
}

// Time records an elapsed duration against a counter-time metric. The backend
// reports the per-occurrence average.
func (e *Engine) Time(category, name string, elapsed time.Duration) {
	e.QueueMetric(types.Metric{
		Category: category,
		Name:     name,
		Type:     types.MetricTypeCounterTime,
		Value:    elapsed.Seconds(),
	})
}

// Average records one sample of an averaged metric.
func (e *Engine) Average(category, name string, value float64) {
	e.QueueMetric(types.Metric{
		Category: category,
		Name:     name,
		Type:     types.MetricTypeAverage,
		Value:    value,
	})
}

// SetGauge sets the gauge to an absolute value. Last write in a minute wins.
func (e *Engine) SetGauge(category, name string, value float64) {
	e.QueueMetric(types.Metric{
		Category: category,
		Name:     name,
		Type:     types.MetricTypeLast,
		Value:    value,
	})
}

// IncrementGauge adds delta to the gauge's running value. Visible through
// GetLatestMetric immediately, before the next aggregation cycle.
func (e *Engine) IncrementGauge(category, name string, delta float64) {
	e.QueueMetric(types.Metric{
		Category:    category,
		Name:        name,
		Type:        types.MetricTypeLast,
		Value:       delta,
		IsIncrement: true,
	})
}
