// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package stackify

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackify/stackify-api-go/types"
)

// fakeEndpoint stands in for the whole collection API.
type fakeEndpoint struct {
	srv     *httptest.Server
	mu      sync.Mutex
	groups  []types.LogMsgGroup
	metrics [][]types.MetricForUpload
}

func newFakeEndpoint() *fakeEndpoint {
	fe := &fakeEndpoint{}
	fe.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth/token":
			io.WriteString(w, `{"access_token":"tok","expires_in":3600}`)
		case r.URL.Path == "/Identity/IdentifyApp":
			io.WriteString(w, `{"DeviceID":11,"DeviceAppID":22,"AppNameID":"an-1","EnvID":"env-1"}`)
		case r.URL.Path == "/Metrics/GetMetricInfo":
			io.WriteString(w, `{"MonitorID":4242}`)
		case r.URL.Path == "/Metrics/SubmitMetricsByID":
			body, _ := io.ReadAll(r.Body)
			var payload []types.MetricForUpload
			json.Unmarshal(body, &payload)
			fe.mu.Lock()
			fe.metrics = append(fe.metrics, payload)
			fe.mu.Unlock()
		case strings.HasPrefix(r.URL.Path, "/Log/Save/"):
			body, _ := io.ReadAll(r.Body)
			var group types.LogMsgGroup
			json.Unmarshal(body, &group)
			fe.mu.Lock()
			fe.groups = append(fe.groups, group)
			fe.mu.Unlock()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return fe
}

func (fe *fakeEndpoint) groupCount() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return len(fe.groups)
}

func (fe *fakeEndpoint) metricCount() int {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return len(fe.metrics)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestAgent(t *testing.T, fe *fakeEndpoint) *Agent {
	t.Helper()
	agent, err := New(Config{
		APIKey: "test-key",
		APIURL: fe.srv.URL,
		Identity: types.AppIdentity{
			DeviceName:                "host-1",
			ConfiguredAppName:         "app-a",
			ConfiguredEnvironmentName: "test",
			Platform:                  "go",
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return agent
}

func TestNewRequiresAPIKeyAndIdentity(t *testing.T) {
	_, err := New(Config{APIURL: "https://api.example.com"})
	assert.Error(t, err)

	_, err = New(Config{
		APIKey: "k",
		APIURL: "https://api.example.com",
	})
	assert.Error(t, err)

	_, err = New(Config{
		APIKey: "k",
		APIURL: "https://api.example.com",
		Identity: types.AppIdentity{
			DeviceName:        "host-1",
			ConfiguredAppName: "app-a",
		},
		Logger: quietLogger(),
	})
	assert.NoError(t, err)
}

func TestAgentShipsLogMessages(t *testing.T) {
	g := gomega.NewGomegaWithT(t)
	fe := newFakeEndpoint()
	defer fe.srv.Close()
	agent := newTestAgent(t, fe)
	defer agent.Close()

	agent.QueueMessage(types.NewLogMsg("INFO", "end to end"))
	agent.FlushNow()

	g.Eventually(fe.groupCount, 3*time.Second, 10*time.Millisecond).
		Should(gomega.Equal(1))
	fe.mu.Lock()
	group := fe.groups[0]
	fe.mu.Unlock()
	require.Len(t, group.Msgs, 1)
	assert.Equal(t, "end to end", group.Msgs[0].Msg)
	assert.NotEmpty(t, group.Msgs[0].ID)
	assert.Equal(t, int64(11), group.CDID)

	snap := agent.TransportMetrics()
	assert.NotZero(t, snap.SuccessCount)
}

func TestAgentFlushesMetricsOnClose(t *testing.T) {
	fe := newFakeEndpoint()
	defer fe.srv.Close()
	agent := newTestAgent(t, fe)

	agent.Metrics().Count("app", "requests", 2)
	agent.Close()

	assert.Equal(t, 1, fe.metricCount())
	fe.mu.Lock()
	payload := fe.metrics[0]
	fe.mu.Unlock()
	require.Len(t, payload, 1)
	assert.Equal(t, 2.0, payload[0].Value)
	assert.Equal(t, int64(4242), payload[0].MonitorID)

	// Close is idempotent.
	agent.Close()
}

func TestAgentErrorGovernor(t *testing.T) {
	fe := newFakeEndpoint()
	defer fe.srv.Close()
	agent := newTestAgent(t, fe)
	defer agent.Close()

	item := &types.ErrorItem{ErrorType: "E", SourceMethod: "m"}
	passed := 0
	for i := 0; i < 150; i++ {
		if agent.ErrorShouldBeSent(item) {
			passed++
		}
	}
	// The wall clock may cross a minute boundary mid-loop, which grants one
	// extra first-of-minute pass.
	assert.GreaterOrEqual(t, passed, 100)
	assert.LessOrEqual(t, passed, 101)
	assert.False(t, agent.ErrorShouldBeSent(nil))
}

func TestAgentCanQueue(t *testing.T) {
	fe := newFakeEndpoint()
	defer fe.srv.Close()
	agent := newTestAgent(t, fe)
	defer agent.Close()

	assert.True(t, agent.CanQueue())
}
