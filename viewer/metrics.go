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

package viewer

import "github.com/prometheus/client_golang/prometheus"

// Metrics viewer session metrics
type Metrics struct {
	// Sessions number of open viewer sessions
	Sessions prometheus.Gauge
	// SentMessages number of messages queued to viewers
	SentMessages prometheus.Counter
	// DroppedMessages number of messages dropped because a viewer's send queue was full
	DroppedMessages prometheus.Counter
	// ReceivedMessages number of messages received from viewers, by event
	ReceivedMessages *prometheus.CounterVec
}

// NewMetrics define and register the viewer session metrics
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "viewcast", Subsystem: "viewer", Name: "sessions",
			Help: "Number of open viewer sessions",
		}),
		SentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "viewer", Name: "sent_messages_total",
			Help: "Number of messages queued for delivery to viewers",
		}),
		DroppedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "viewer", Name: "dropped_messages_total",
			Help: "Number of messages dropped on a full viewer send queue",
		}),
		ReceivedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "viewcast", Subsystem: "viewer", Name: "received_messages_total",
			Help: "Number of messages received from viewers",
		}, []string{"event"}),
	}
	for _, collector := range []prometheus.Collector{
		m.Sessions, m.SentMessages, m.DroppedMessages, m.ReceivedMessages,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
