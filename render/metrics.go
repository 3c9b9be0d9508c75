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

package render

import "github.com/prometheus/client_golang/prometheus"

// Metrics render coordinator metrics
type Metrics struct {
	// RenderRate the current shared render rate
	RenderRate prometheus.Gauge
	// RateSubscribers number of viewers with a rate request
	RateSubscribers prometheus.Gauge
	// ConnectedViewers number of connected viewers
	ConnectedViewers prometheus.Gauge
	// Ticks number of render ticks delivered
	Ticks prometheus.Counter
	// TimerRestarts number of times the render timer was (re)started
	TimerRestarts prometheus.Counter
	// DroppedRequests number of rate requests dropped as malformed
	DroppedRequests prometheus.Counter
}

// NewMetrics define and register the render coordinator metrics
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RenderRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "rate_fps",
			Help: "Current shared render rate in frames per second",
		}),
		RateSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "rate_subscribers",
			Help: "Number of viewers which requested a render rate",
		}),
		ConnectedViewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "connected_viewers",
			Help: "Number of connected viewers",
		}),
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "ticks_total",
			Help: "Number of render ticks delivered",
		}),
		TimerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "timer_restarts_total",
			Help: "Number of times the render timer was started at a new rate",
		}),
		DroppedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "render", Name: "dropped_rate_requests_total",
			Help: "Number of malformed or unexpected rate requests dropped",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.RenderRate,
		m.RateSubscribers,
		m.ConnectedViewers,
		m.Ticks,
		m.TimerRestarts,
		m.DroppedRequests,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
