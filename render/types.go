// Copyright 2022 The viewcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package render coordinates the shared render rate of all connected viewers.
//
// Each viewer requests a frame rate. The coordinator drives a single periodic render tick
// at the highest requested rate, and keeps that rate correct as viewers connect, change
// their request, or disconnect.
package render

import (
	"math"
	"time"
)

// SubscriberID opaque identity of one viewer connection
type SubscriberID string

// RateRequest a viewer announcing or changing its desired frame rate
type RateRequest struct {
	// ID is the identity of the requesting viewer
	ID SubscriberID `json:"id"`
	// FPS is the requested frames per second
	FPS *float64 `json:"fps"`
}

// Tick one firing of the render timer
type Tick struct {
	// Rate is the FPS the timer was running at
	Rate float64 `json:"fps"`
	// Epoch identifies the timer which fired. It changes whenever the timer is replaced.
	Epoch uint64 `json:"-"`
	// Seq is the sequence number of delivered ticks
	Seq uint64 `json:"seq"`
	// At is when the timer fired
	At time.Time `json:"at"`
}

// TickHandler consumer of render ticks
type TickHandler func(tick Tick) error

// TickEmitter routes a timer firing back into the coordinator's event loop
type TickEmitter func(tick Tick) error

// RateStatus snapshot of the coordinator state
type RateStatus struct {
	// Rate is the current shared render rate. Zero means no active viewer.
	Rate float64 `json:"fps"`
	// Holder is the viewer currently holding the max rate
	Holder SubscriberID `json:"holder,omitempty"`
	// Subscribers is the number of viewers which requested a rate
	Subscribers int `json:"subscribers"`
	// Connected is the number of connected viewers
	Connected int `json:"connected"`
	// Running whether the render timer is active
	Running bool `json:"running"`
}

// validRate whether the rate is a usable FPS value
func validRate(rate float64) bool {
	return rate > 0 && !math.IsInf(rate, 0) && !math.IsNaN(rate)
}

// tickInterval convert FPS to timer interval, bounded to [minTickInterval, maxTickInterval]
func tickInterval(rate float64) time.Duration {
	nanos := float64(time.Second) / rate
	if nanos >= float64(maxTickInterval) {
		return maxTickInterval
	}
	interval := time.Duration(nanos)
	if interval < minTickInterval {
		return minTickInterval
	}
	return interval
}

const (
	minTickInterval = time.Millisecond
	// maxTickInterval also guards the float to Duration conversion against overflow
	maxTickInterval = time.Hour
)
