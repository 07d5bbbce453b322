// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

package types

// SenderResult classifies the outcome of one transport send. Failures are
// returned as data so callers can apply retry policy without unwinding.
type SenderResult uint8

const (
	// SenderStatusNone indicates success (2xx).
	SenderStatusNone SenderResult = iota
	// SenderStatusFailed means the request never left the process
	// (dial error, serialization error); reported with status code 0.
	SenderStatusFailed
	// SenderStatusRemTempFail is a temporary remote failure (5xx or an
	// unknown status) eligible for requeue.
	SenderStatusRemTempFail
	// SenderStatusRejected is a permanent rejection (4xx other than 401);
	// retrying would loop forever.
	SenderStatusRejected
	// SenderStatusUnauthorized is a 401; triggers the auth cooldown.
	SenderStatusUnauthorized
)

func (s SenderResult) String() string {
	switch s {
	case SenderStatusNone:
		return "none"
	case SenderStatusFailed:
		return "failed"
	case SenderStatusRemTempFail:
		return "remote-temp-failure"
	case SenderStatusRejected:
		return "rejected"
	case SenderStatusUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}
