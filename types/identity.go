// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// AppIdentity identifies the logical application instance that owns a log
// queue and a token-cache entry. All fields are value types so the struct is
// comparable and can be used directly as a map key. Two identities built
// separately with the same field values refer to the same tenant.
type AppIdentity struct {
	DeviceName                string
	AppLocation               string
	ConfiguredAppName         string
	ConfiguredEnvironmentName string
	WebAppID                  string
	IsAzureWorker             bool
	Platform                  string
}

// DisplayName returns a short human-readable label used in log lines.
func (id AppIdentity) DisplayName() string {
	return fmt.Sprintf("%s/%s/%s", id.DeviceName, id.ConfiguredAppName,
		id.ConfiguredEnvironmentName)
}

// IdentifiedApp holds the remote identifiers the controller assigns to an
// AppIdentity. Cached by the transport client and refreshed per the identify
// re-check intervals.
type IdentifiedApp struct {
	DeviceID    int64
	DeviceAppID int64
	AppNameID   string
	EnvID       string
}
