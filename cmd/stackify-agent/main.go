// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// stackify-agent is a demo driver for the telemetry agent. It queues
// synthetic log messages and metrics against a real account until
// interrupted, then flushes and exits.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	stackify "github.com/stackify/stackify-api-go"
	"github.com/stackify/stackify-api-go/types"
)

var (
	apiKey   string
	apiURL   string
	proxyURL string
	appName  string
	envName  string
	server   string
	useGzip  bool
	debug    bool
	rate     time.Duration
)

func main() {
	cmd := &cobra.Command{
		Use:   "stackify-agent",
		Short: "Generate demo telemetry against a collection endpoint",
		RunE:  run,
	}
	flags := cmd.Flags()
	flags.StringVar(&apiKey, "api-key", os.Getenv("STACKIFY_API_KEY"),
		"account API key")
	flags.StringVar(&apiURL, "api-url", "https://api.stackify.com",
		"collection endpoint base URL")
	flags.StringVar(&proxyURL, "proxy-url", "", "forward proxy URL")
	flags.StringVar(&appName, "app", "stackify-agent-demo", "application name")
	flags.StringVar(&envName, "env", "dev", "environment name")
	flags.StringVar(&server, "server", hostname(), "reported server name")
	flags.BoolVar(&useGzip, "gzip", true, "gzip upload bodies")
	flags.BoolVar(&debug, "debug", false, "verbose agent diagnostics")
	flags.DurationVar(&rate, "rate", time.Second, "interval between events")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if apiKey == "" {
		return fmt.Errorf("an API key is required (--api-key or STACKIFY_API_KEY)")
	}

	logger := logrus.New()
	if debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	agent, err := stackify.New(stackify.Config{
		APIKey:   apiKey,
		APIURL:   apiURL,
		ProxyURL: proxyURL,
		UseGzip:  useGzip,
		Identity: types.AppIdentity{
			DeviceName:                server,
			ConfiguredAppName:         appName,
			ConfiguredEnvironmentName: envName,
			Platform:                  "go",
		},
		Logger: logger,
		OnRejectedLogs: func(batch []*types.LogMsg, statusCode int) {
			logger.Warnf("endpoint refused %d messages with status %d",
				len(batch), statusCode)
		},
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	logger.Infof("queueing demo telemetry every %v, ctrl-c to stop", rate)
	ticker := time.NewTicker(rate)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-stop:
			logger.Info("flushing and shutting down")
			return nil
		case <-ticker.C:
			seq++
			agent.QueueMessage(types.NewLogMsg("INFO",
				fmt.Sprintf("demo event %d", seq)))
			agent.Metrics().Count("demo", "events", 1)
			agent.Metrics().Average("demo", "sequence", float64(seq))
			if seq%10 == 0 {
				item := &types.ErrorItem{
					Message:      "demo failure",
					ErrorType:    "DemoError",
					SourceMethod: "main.run",
				}
				if agent.ErrorShouldBeSent(item) {
					msg := types.NewLogMsg("ERROR", "demo failure")
					msg.Ex = item
					agent.QueueMessage(msg)
				}
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}
