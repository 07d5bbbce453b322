// Copyright (c) 2025 Stackify, LLC.
// SPDX-License-Identifier: Apache-2.0

// Provide tickers whose interval can be retuned while they run.
// Usage:
//  ticker := NewIntervalTicker(interval)
//  select ticker.C
//  ticker.UpdateInterval(newInterval)
//  ticker.TickNow()
//  ticker.StopTicker()

package flextimer

import (
	"time"
)

// The drain loops re-arm their timer at the end of every cycle with a freshly
// computed interval. The ticker goroutine owns the underlying time.Timer;
// callers only talk to it over channels, so there is never more than one
// armed timer and no races on reconfiguration.

// TickerHandle is the caller's handle. Receive ticks from C.
type TickerHandle struct {
	C           <-chan time.Time
	privateChan chan<- time.Time
	configChan  chan<- tickerConfig
}

type tickerConfig struct {
	interval time.Duration
	stop     bool
}

// NewIntervalTicker creates a ticker firing every interval until retuned or
// stopped.
func NewIntervalTicker(interval time.Duration) TickerHandle {
	configChan := make(chan tickerConfig, 1)
	tickChan := make(chan time.Time, 1)
	go runTicker(configChan, tickChan)
	configChan <- tickerConfig{interval: interval}
	return TickerHandle{C: tickChan, privateChan: tickChan, configChan: configChan}
}

// UpdateInterval replaces the interval. The pending timer is discarded and
// re-armed with the new duration.
func (t TickerHandle) UpdateInterval(interval time.Duration) {
	t.configChan <- tickerConfig{interval: interval}
}

// TickNow inserts a tick immediately, in addition to the running timer.
// The send is non-blocking: if a tick is already pending the kick is
// dropped, since the pending tick serves the same purpose.
func (t TickerHandle) TickNow() {
	select {
	case t.privateChan <- time.Now():
	default:
	}
}

// StopTicker terminates the ticker goroutine and closes C.
func (t TickerHandle) StopTicker() {
	t.configChan <- tickerConfig{stop: true}
}

func runTicker(config <-chan tickerConfig, tick chan<- time.Time) {
	// Wait for initial config
	c := <-config
	for {
		if c.stop {
			close(tick)
			return
		}
		timer := time.NewTimer(c.interval)
		select {
		case now := <-timer.C:
			// Non-blocking send: a consumer that has not drained the
			// previous tick does not need another one queued behind it.
			select {
			case tick <- now:
			default:
			}
		case c = <-config:
			timer.Stop()
		}
	}
}
