// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// LogMsg is one captured log event. Producers construct it (directly or via
// a framework adapter) and hand it to the log client, which stamps the id,
// thread and order fields before it lands on a per-identity queue.
type LogMsg struct {
	// ID is a time-ordered unique id, generated lazily by the log client
	// if the producer did not set one.
	ID string `json:"ID,omitempty"`
	// Msg is the rendered message text.
	Msg string `json:"Msg"`
	// Ex carries the structured error chain, if any.
	Ex *ErrorItem `json:"Ex,omitempty"`
	// Th is the goroutine id as reported by the producer.
	Th string `json:"Th,omitempty"`
	// ThOs is the OS thread id, when known.
	ThOs string `json:"ThOs,omitempty"`
	// TransID groups messages belonging to one logical transaction.
	TransID string `json:"TransID,omitempty"`
	// EpochMs is the capture time in milliseconds since the Unix epoch.
	EpochMs int64 `json:"EpochMs"`
	Level   string `json:"Level,omitempty"`
	// URL and route of the request being served when the event was produced.
	URLFull  string `json:"UrlFull,omitempty"`
	URLRoute string `json:"UrlRoute,omitempty"`
	// SrcMethod and SrcLine locate the call site.
	SrcMethod string   `json:"SrcMethod,omitempty"`
	SrcLine   int      `json:"SrcLine,omitempty"`
	Tags      []string `json:"Tags,omitempty"`
	// Order disambiguates messages sharing one millisecond timestamp.
	// Assigned by the log client; zero means "not ordered".
	Order int32 `json:"Order,omitempty"`
	// UploadErrors counts failed upload attempts. Not part of the wire
	// format; used by the requeue ceiling.
	UploadErrors int32 `json:"-"`
}

// NewLogMsg returns a LogMsg stamped with the current wall clock.
func NewLogMsg(level, msg string) *LogMsg {
	return &LogMsg{
		Msg:     msg,
		Level:   level,
		EpochMs: time.Now().UnixMilli(),
	}
}

// Timestamp returns the capture time of the message.
func (m *LogMsg) Timestamp() time.Time {
	return time.UnixMilli(m.EpochMs)
}

// ErrorItem is a pre-built, serialization-ready view of an error and its
// cause chain. Reflection-based extraction of hidden fields is the adapter's
// job; the core only consumes this shape.
type ErrorItem struct {
	Message       string            `json:"Message,omitempty"`
	ErrorType     string            `json:"ErrorType,omitempty"`
	ErrorTypeCode string            `json:"ErrorTypeCode,omitempty"`
	SourceMethod  string            `json:"SourceMethod,omitempty"`
	Data          map[string]string `json:"Data,omitempty"`
	InnerError    *ErrorItem        `json:"InnerError,omitempty"`
}

// Innermost walks the cause chain and returns the deepest error. Used for
// fingerprinting so that wrapper layers do not defeat deduplication.
func (e *ErrorItem) Innermost() *ErrorItem {
	cur := e
	for cur.InnerError != nil {
		cur = cur.InnerError
	}
	return cur
}

// LogMsgGroup is the upload envelope for one identity's batch.
type LogMsgGroup struct {
	CDID       int64     `json:"CDID,omitempty"`
	CDAppID    int64     `json:"CDAppID,omitempty"`
	AppNameID  string    `json:"AppNameID,omitempty"`
	AppEnvID   string    `json:"AppEnvID,omitempty"`
	ServerName string    `json:"ServerName,omitempty"`
	AppName    string    `json:"AppName,omitempty"`
	AppLoc     string    `json:"AppLoc,omitempty"`
	Env        string    `json:"Env,omitempty"`
	Platform   string    `json:"Platform,omitempty"`
	Msgs       []*LogMsg `json:"Msgs"`
}
