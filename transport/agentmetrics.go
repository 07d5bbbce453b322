// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Counters for the agent's own delivery activity. Just successes and
// failures, plus per-URL message and byte counts.

package transport

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// URLMetrics counts attempts against one endpoint URL.
type URLMetrics struct {
	TryMsgCount   int64
	TryByteCount  int64
	SentMsgCount  int64
	SentByteCount int64
	RecvMsgCount  int64
	RecvByteCount int64
}

// MetricsSnapshot is a copy of the counters at one point in time.
type MetricsSnapshot struct {
	FailureCount uint64
	SuccessCount uint64
	LastFailure  time.Time
	LastSuccess  time.Time
	URLCounters  map[string]URLMetrics
}

// AgentMetrics tracks delivery counters and mirrors them into prometheus.
type AgentMetrics struct {
	mu           sync.Mutex
	failureCount uint64
	successCount uint64
	lastFailure  time.Time
	lastSuccess  time.Time
	urlCounters  map[string]*URLMetrics

	promSuccess   *prometheus.CounterVec
	promFailure   *prometheus.CounterVec
	promSentBytes *prometheus.CounterVec
}

// NewAgentMetrics creates the counters and registers the prometheus
// collectors. A nil registerer keeps the collectors in a private registry so
// the default one is not polluted.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &AgentMetrics{
		urlCounters: make(map[string]*URLMetrics),
		promSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackify",
			Subsystem: "agent",
			Name:      "send_success_total",
			Help:      "Successful sends to the collection endpoint.",
		}, []string{"url"}),
		promFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackify",
			Subsystem: "agent",
			Name:      "send_failure_total",
			Help:      "Failed sends to the collection endpoint.",
		}, []string{"url"}),
		promSentBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stackify",
			Subsystem: "agent",
			Name:      "sent_bytes_total",
			Help:      "Bytes successfully sent to the collection endpoint.",
		}, []string{"url"}),
	}
	reg.MustRegister(m.promSuccess, m.promFailure, m.promSentBytes)
	return m
}

func (m *AgentMetrics) counters(url string) *URLMetrics {
	u, ok := m.urlCounters[url]
	if !ok {
		u = &URLMetrics{}
		m.urlCounters[url] = u
	}
	return u
}

// RecordSuccess counts one delivered request.
func (m *AgentMetrics) RecordSuccess(url string, reqLen, respLen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successCount++
	m.lastSuccess = time.Now()
	u := m.counters(url)
	u.SentMsgCount++
	u.SentByteCount += reqLen
	u.RecvMsgCount++
	u.RecvByteCount += respLen
	m.promSuccess.WithLabelValues(url).Inc()
	m.promSentBytes.WithLabelValues(url).Add(float64(reqLen))
}

// RecordFailure counts one failed request.
func (m *AgentMetrics) RecordFailure(url string, reqLen, respLen int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failureCount++
	m.lastFailure = time.Now()
	u := m.counters(url)
	u.TryMsgCount++
	u.TryByteCount += reqLen
	if respLen != 0 {
		u.RecvMsgCount++
		u.RecvByteCount += respLen
	}
	m.promFailure.WithLabelValues(url).Inc()
}

// Snapshot returns a copy of all counters.
func (m *AgentMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		FailureCount: m.failureCount,
		SuccessCount: m.successCount,
		LastFailure:  m.lastFailure,
		LastSuccess:  m.lastSuccess,
		URLCounters:  make(map[string]URLMetrics, len(m.urlCounters)),
	}
	for url, u := range m.urlCounters {
		snap.URLCounters[url] = *u
	}
	return snap
}
