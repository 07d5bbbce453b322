// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"github.com/sirupsen/logrus"
)

// SourceHook adds source and pid fields to entries that do not carry them,
// so lines logged through the bare logger are still attributable.
type SourceHook struct {
	AgentName string
	AgentPid  int
}

// Fire adds source and pid if not already set
func (hook *SourceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["source"]; !ok {
		entry.Data["source"] = hook.AgentName
	}
	if _, ok := entry.Data["pid"]; !ok {
		entry.Data["pid"] = hook.AgentPid
	}
	return nil
}

// Levels installs the SourceHook for all levels
func (hook *SourceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}
