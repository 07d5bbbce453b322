// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package base

import (
	"github.com/sirupsen/logrus"
)

// SelfLogMarker prefixes every diagnostic line the agent writes about its own
// activity. The queue layer drops any captured message containing it so the
// agent never ships logs about shipping logs.
const SelfLogMarker = "stackify-agent:"

// LogObject carries a logrus logger plus the structured fields identifying
// the component that owns it. Every internal log line of the agent goes
// through a LogObject.
type LogObject struct {
	Initialized bool
	Fields      logrus.Fields
	logger      *logrus.Logger
}

// NewSourceLogObject creates a LogObject stamped with the agent name and pid.
func NewSourceLogObject(logger *logrus.Logger, agentName string, agentPid int) *LogObject {
	return &LogObject{
		Initialized: true,
		Fields: logrus.Fields{
			"source": agentName,
			"pid":    agentPid,
		},
		logger: logger,
	}
}

// Tracef :
func (object *LogObject) Tracef(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Tracef(format, args...)
}

// Functionf : routine progress of a component; maps to Debug.
func (object *LogObject) Functionf(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Debugf(format, args...)
}

// Noticef :
func (object *LogObject) Noticef(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Infof(format, args...)
}

// Warnf :
func (object *LogObject) Warnf(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Warnf(format, args...)
}

// Warning :
func (object *LogObject) Warning(args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Warning(args...)
}

// Errorf :
func (object *LogObject) Errorf(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Errorf(format, args...)
}

// Error :
func (object *LogObject) Error(args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Error(args...)
}

// Fatalf :
func (object *LogObject) Fatalf(format string, args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Fatalf(format, args...)
}

// Fatal :
func (object *LogObject) Fatal(args ...interface{}) {
	if !object.Initialized {
		logrus.Fatal("LogObject used without initialization")
		return
	}
	object.logger.WithFields(object.Fields).Fatal(args...)
}
