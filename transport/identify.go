// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"github.com/stackify/stackify-api-go/base"
	"github.com/stackify/stackify-api-go/types"
)

const (
	// identifyRetryAfterFailure spaces out re-checks after a failed identify.
	identifyRetryAfterFailure = 5 * time.Minute
	// identifyRefreshAfterSuccess is how long a resolved mapping is trusted.
	identifyRefreshAfterSuccess = 15 * time.Minute
)

type identifyState struct {
	info        types.IdentifiedApp
	resolved    bool
	lastAttempt time.Time
	lastSuccess time.Time
}

// IdentifyApp resolves the identity to its remote account mapping, caching
// the result. A fresh mapping is served from cache; a stale-but-resolved
// mapping is served while re-checks are in cooldown.
func (c *Client) IdentifyApp(ctx context.Context, identity types.AppIdentity) (types.IdentifiedApp, error) {
	c.identifyMu.Lock()
	defer c.identifyMu.Unlock()

	st, ok := c.identified[identity]
	if !ok {
		st = &identifyState{}
		c.identified[identity] = st
	}
	now := c.nowFunc()
	if st.resolved && now.Sub(st.lastSuccess) < identifyRefreshAfterSuccess {
		return st.info, nil
	}
	if !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < identifyRetryAfterFailure {
		if st.resolved {
			// Serve the stale mapping rather than hammer the endpoint.
			return st.info, nil
		}
		return types.IdentifiedApp{}, fmt.Errorf(
			"identify for %s in cooldown", identity.DisplayName())
	}
	st.lastAttempt = now

	reqBody, err := json.Marshal(struct {
		DeviceName                string `json:"DeviceName"`
		AppName                   string `json:"AppName"`
		AppLocation               string `json:"AppLocation,omitempty"`
		ConfiguredEnvironmentName string `json:"ConfiguredEnvironmentName,omitempty"`
		WebAppID                  string `json:"WebAppID,omitempty"`
		IsAzureWorker             bool   `json:"IsAzureWorker,omitempty"`
		Platform                  string `json:"Platform,omitempty"`
	}{
		DeviceName:                identity.DeviceName,
		AppName:                   identity.ConfiguredAppName,
		AppLocation:               identity.AppLocation,
		ConfiguredEnvironmentName: identity.ConfiguredEnvironmentName,
		WebAppID:                  identity.WebAppID,
		IsAzureWorker:             identity.IsAzureWorker,
		Platform:                  identity.Platform,
	})
	if err != nil {
		return types.IdentifiedApp{}, err
	}

	rv, err := c.SendJSON(ctx, c.APIURL("Identity/IdentifyApp"), reqBody,
		RequestOptions{Timeout: c.cfg.MetadataTimeout})
	if err != nil {
		if st.resolved {
			return st.info, nil
		}
		return types.IdentifiedApp{}, err
	}

	var p fastjson.Parser
	v, err := p.ParseBytes(rv.RespContents)
	if err != nil {
		return types.IdentifiedApp{}, fmt.Errorf(
			"parsing identify response: %w", err)
	}
	st.info = types.IdentifiedApp{
		DeviceID:    v.GetInt64("DeviceID"),
		DeviceAppID: v.GetInt64("DeviceAppID"),
		AppNameID:   string(v.GetStringBytes("AppNameID")),
		EnvID:       string(v.GetStringBytes("EnvID")),
	}
	st.resolved = true
	st.lastSuccess = now
	c.log.Functionf("%s identified %s as device %d app %d",
		base.SelfLogMarker, identity.DisplayName(), st.info.DeviceID,
		st.info.DeviceAppID)
	return st.info, nil
}

// GetMetricInfo resolves one metric bucket to its remote monitor id.
func (c *Client) GetMetricInfo(ctx context.Context, req types.GetMetricInfoRequest) (int64, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}
	rv, err := c.SendJSON(ctx, c.APIURL("Metrics/GetMetricInfo"), reqBody,
		RequestOptions{Timeout: c.cfg.MetadataTimeout})
	if err != nil {
		return 0, err
	}
	var p fastjson.Parser
	v, err := p.ParseBytes(rv.RespContents)
	if err != nil {
		return 0, fmt.Errorf("parsing metric info response: %w", err)
	}
	monitorID := v.GetInt64("MonitorID")
	if monitorID == 0 {
		return 0, fmt.Errorf("metric info response carries no MonitorID")
	}
	return monitorID, nil
}
