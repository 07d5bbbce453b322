// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"time"
)

// MetricType selects the reducer applied to raw observations sharing one
// minute bucket.
type MetricType int

const (
	// MetricTypeCounter sums values and counts observations.
	MetricTypeCounter MetricType = iota + 1
	// MetricTypeCounterTime is a counter whose value is elapsed seconds;
	// the backend averages it by count.
	MetricTypeCounterTime
	// MetricTypeAverage sums values; count carries the divisor.
	MetricTypeAverage
	// MetricTypeLast is a gauge: last write wins, or accumulates when the
	// observation is an increment.
	MetricTypeLast
)

// MonitorTypeID maps a MetricType to the backend's monitor type identifier.
func (t MetricType) MonitorTypeID() int {
	switch t {
	case MetricTypeCounter:
		return 129
	case MetricTypeCounterTime:
		return 131
	case MetricTypeAverage:
		return 132
	case MetricTypeLast:
		return 134
	default:
		return 0
	}
}

func (t MetricType) String() string {
	switch t {
	case MetricTypeCounter:
		return "counter"
	case MetricTypeCounterTime:
		return "counter-time"
	case MetricTypeAverage:
		return "average"
	case MetricTypeLast:
		return "gauge"
	default:
		return fmt.Sprintf("unknown-%d", int(t))
	}
}

// Metric is one raw observation as produced by a call site.
type Metric struct {
	Category string
	Name     string
	Type     MetricType
	Value    float64
	// IsIncrement marks a gauge observation as a delta rather than an
	// absolute value.
	IsIncrement bool
	Occurred    time.Time
}

// MetricSetting controls continuity and clamping behavior for one name key.
type MetricSetting struct {
	// AutoReportZeroIfNothingReported synthesizes a zero aggregate for
	// minutes with no observations.
	AutoReportZeroIfNothingReported bool
	// AutoReportLastValueIfNothingReported carries the last value forward
	// through silent minutes. Never honored for counter types.
	AutoReportLastValueIfNothingReported bool
	// AllowNegativeGauge permits an increment gauge to go below zero.
	AllowNegativeGauge bool
}

// MetricAggregate is one minute bucket of reduced observations.
type MetricAggregate struct {
	Category    string
	Name        string
	Type        MetricType
	Value       float64
	Count       int64
	OccurredUtc time.Time
	// MonitorID is the remote identifier, zero until resolved.
	MonitorID int64
}

// AggregateKey is the minute-scoped bucketing key.
func (a *MetricAggregate) AggregateKey() string {
	return fmt.Sprintf("%s-%s-%d-%s", a.Category, a.Name, int(a.Type),
		a.OccurredUtc.UTC().Format(time.RFC3339))
}

// NameKey is the minute-independent key used for last-value continuity.
func (a *MetricAggregate) NameKey() string {
	return MetricNameKey(a.Category, a.Name, a.Type)
}

// MetricNameKey builds the minute-independent key for a metric.
func MetricNameKey(category, name string, t MetricType) string {
	return fmt.Sprintf("%s-%s-%d", category, name, int(t))
}

// MetricForUpload is the wire shape posted to Metrics/SubmitMetricsByID.
type MetricForUpload struct {
	MonitorID     int64   `json:"MonitorID"`
	Value         float64 `json:"Value"`
	Count         int64   `json:"Count"`
	OccurredUtc   string  `json:"OccurredUtc"`
	MonitorTypeID int     `json:"MonitorTypeID"`
}

// GetMetricInfoRequest is the wire shape posted to Metrics/GetMetricInfo.
type GetMetricInfoRequest struct {
	Category     string `json:"Category"`
	MetricName   string `json:"MetricName"`
	MetricTypeID int    `json:"MetricTypeID"`
	DeviceID     int64  `json:"DeviceID"`
	DeviceAppID  int64  `json:"DeviceAppID"`
	AppNameID    string `json:"AppNameID"`
}
