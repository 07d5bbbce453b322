// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Package stackify is the in-process telemetry agent. The host hands it log
// messages and metric observations; the agent buffers, aggregates and ships
// them to the collection endpoint in the background, absorbing endpoint
// outages without ever blocking the host.
package stackify

import (
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/logqueue"
	"github.com/stackify/stackify-api-go/logship"
	"github.com/stackify/stackify-api-go/metrics"
	"github.com/stackify/stackify-api-go/throttle"
	"github.com/stackify/stackify-api-go/transport"
	"github.com/stackify/stackify-api-go/types"
)

const agentName = "stackify-agent"

// Config configures one Agent.
type Config struct {
	// APIKey authenticates the account.
	APIKey string
	// APIURL is the base collection endpoint.
	APIURL string
	// LogURL, AuthURL and ProxyURL override the derived endpoints.
	LogURL   string
	AuthURL  string
	ProxyURL string
	// UseGzip compresses upload bodies.
	UseGzip bool

	// Identity names the application this process reports as.
	Identity types.AppIdentity

	// MaxQueueSize bounds buffered log messages across all identities.
	MaxQueueSize int
	// ErrorLimitPerMinute caps identical errors passed per minute.
	ErrorLimitPerMinute int
	// OnRejectedLogs receives batches the endpoint permanently refused.
	OnRejectedLogs logship.RejectedHandler

	// Logger receives the agent's own diagnostics. Defaults to a logrus
	// logger at Info writing to stderr.
	Logger *logrus.Logger
	// Registerer receives the agent's delivery counters; nil keeps them in
	// a private registry.
	Registerer prometheus.Registerer
}

// Agent is the host-facing façade over the log pipeline, the metric engine
// and the shared transport.
type Agent struct {
	log       *base.LogObject
	transport *transport.Client
	logs      *logship.Client
	shipper   *logship.Shipper
	metrics   *metrics.Engine
	identity  types.AppIdentity

	closeOnce sync.Once
}

// New wires an Agent from cfg. Nothing is sent and no goroutine runs until
// the first message or metric is queued.
func New(cfg Config) (*Agent, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stackify: APIKey not configured")
	}
	if cfg.Identity.DeviceName == "" || cfg.Identity.ConfiguredAppName == "" {
		return nil, fmt.Errorf("stackify: identity needs DeviceName and app name")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.AddHook(&base.SourceHook{AgentName: agentName, AgentPid: os.Getpid()})
	log := base.NewSourceLogObject(logger, agentName, os.Getpid())

	client, err := transport.NewClient(log, transport.Config{
		APIKey:   cfg.APIKey,
		APIURL:   cfg.APIURL,
		LogURL:   cfg.LogURL,
		AuthURL:  cfg.AuthURL,
		ProxyURL: cfg.ProxyURL,
		UseGzip:  cfg.UseGzip,
	}, cfg.Registerer)
	if err != nil {
		return nil, err
	}

	queue := logqueue.NewMultiplexer(log, cfg.MaxQueueSize)
	shipper := logship.NewShipper(log, queue, client, logship.Config{
		OnRejected: cfg.OnRejectedLogs,
	})
	governor := throttle.NewGovernor(log, cfg.ErrorLimitPerMinute)

	return &Agent{
		log:       log,
		transport: client,
		logs:      logship.NewClient(log, shipper, queue, governor),
		shipper:   shipper,
		metrics:   metrics.NewEngine(log, client, cfg.Identity),
		identity:  cfg.Identity,
	}, nil
}

// CanQueue reports whether the log queues still have capacity.
func (a *Agent) CanQueue() bool {
	return a.logs.CanQueue()
}

// QueueMessage buffers one log message for background shipping. Never blocks;
// a full queue drops the message.
func (a *Agent) QueueMessage(msg *types.LogMsg) {
	a.logs.QueueMessage(a.identity, msg)
}

// ErrorShouldBeSent reports whether a captured error is under this minute's
// dedup ceiling for its fingerprint.
func (a *Agent) ErrorShouldBeSent(item *types.ErrorItem) bool {
	return a.logs.ErrorShouldBeSent(item)
}

// Metrics exposes the metric helpers (Count, Time, Average, SetGauge,
// IncrementGauge, Configure, GetLatestMetric).
func (a *Agent) Metrics() *metrics.Engine {
	return a.metrics
}

// PauseUpload suspends or resumes all background uploads without dropping
// buffered data.
func (a *Agent) PauseUpload(paused bool) {
	a.logs.PauseUpload(paused)
	a.metrics.Pause(paused)
}

// FlushNow kicks an immediate log drain instead of waiting for the next tick.
func (a *Agent) FlushNow() {
	a.shipper.FlushNow()
}

// TransportMetrics returns a snapshot of the agent's own delivery counters.
func (a *Agent) TransportMetrics() transport.MetricsSnapshot {
	return a.transport.Metrics.Snapshot()
}

// Close flushes buffered logs and metrics best-effort and stops the
// background loops. Idempotent.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.logs.Close()
		a.metrics.StopMetricsQueue("agent closing")
	})
}
