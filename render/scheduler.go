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

import (
	"fmt"
	"time"

	"github.com/alwitt/viewcast/common"
	"github.com/apex/log"
)

// EmissionScheduler owns the single render timer
//
// Not thread safe. It is meant to be driven from one event loop, with the TickEmitter
// routing timer firings back into that same loop, where Deliver is called.
type EmissionScheduler interface {
	// SetRate run the render timer at a new rate. Zero stops the timer.
	SetRate(rate float64) error
	// Rate the rate the timer is running at
	Rate() float64
	// Running whether the timer is active
	Running() bool
	// AddTickHandler add a consumer of render ticks
	AddTickHandler(handler TickHandler)
	// Deliver pass a tick to all consumers, unless it came from a replaced or stopped timer
	Deliver(tick Tick) bool
	// Close stop the timer. Idempotent.
	Close() error
}

// emissionSchedulerImpl implements EmissionScheduler
type emissionSchedulerImpl struct {
	common.Component
	timer    common.IntervalTimer
	emitter  TickEmitter
	handlers []TickHandler
	metrics  *Metrics
	rate     float64
	running  bool
	epoch    uint64
	seq      uint64
}

// GetEmissionScheduler define a new EmissionScheduler
func GetEmissionScheduler(
	name string, timer common.IntervalTimer, emitter TickEmitter, metrics *Metrics,
) (EmissionScheduler, error) {
	logTags := log.Fields{
		"module": "render", "component": "emission-scheduler", "instance": name,
	}
	if timer == nil || emitter == nil {
		return nil, fmt.Errorf("emission scheduler requires a timer and a tick emitter")
	}
	return &emissionSchedulerImpl{
		Component: common.Component{LogTags: logTags},
		timer:     timer,
		emitter:   emitter,
		handlers:  make([]TickHandler, 0),
		metrics:   metrics,
	}, nil
}

func (s *emissionSchedulerImpl) Rate() float64 {
	return s.rate
}

func (s *emissionSchedulerImpl) Running() bool {
	return s.running
}

func (s *emissionSchedulerImpl) AddTickHandler(handler TickHandler) {
	s.handlers = append(s.handlers, handler)
}

// stopTimer cancel the active timer, if any
func (s *emissionSchedulerImpl) stopTimer() error {
	if !s.running {
		return nil
	}
	// Ticks still in flight from this timer now carry a stale epoch
	s.epoch++
	s.running = false
	s.rate = 0
	if err := s.timer.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop render timer")
		return err
	}
	return nil
}

// SetRate run the render timer at a new rate
func (s *emissionSchedulerImpl) SetRate(rate float64) error {
	if rate == s.rate {
		return nil
	}
	if rate < 0 || (rate > 0 && !validRate(rate)) {
		return fmt.Errorf("invalid render rate %f", rate)
	}
	// Always cancel before starting the replacement
	if err := s.stopTimer(); err != nil {
		return err
	}
	if rate == 0 {
		log.WithFields(s.LogTags).Info("Render timer idle")
		if s.metrics != nil {
			s.metrics.RenderRate.Set(0)
		}
		return nil
	}

	epoch := s.epoch
	interval := tickInterval(rate)
	if err := s.timer.Start(interval, func() error {
		return s.emitter(Tick{Rate: rate, Epoch: epoch, At: time.Now()})
	}, false); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to start render timer at %f", rate)
		return err
	}
	s.rate = rate
	s.running = true
	log.WithFields(s.LogTags).Infof("Render timer running at %.2f FPS (%s)", rate, interval)
	if s.metrics != nil {
		s.metrics.RenderRate.Set(rate)
		s.metrics.TimerRestarts.Inc()
	}
	return nil
}

// Deliver pass a tick to all consumers
func (s *emissionSchedulerImpl) Deliver(tick Tick) bool {
	if !s.running || tick.Epoch != s.epoch {
		log.WithFields(s.LogTags).Debugf("Dropping stale tick from epoch %d", tick.Epoch)
		return false
	}
	s.seq++
	tick.Seq = s.seq
	if s.metrics != nil {
		s.metrics.Ticks.Inc()
	}
	for _, handler := range s.handlers {
		if err := handler(tick); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Tick %d handler failed", tick.Seq)
		}
	}
	return true
}

// Close stop the timer
func (s *emissionSchedulerImpl) Close() error {
	err := s.stopTimer()
	if s.metrics != nil {
		s.metrics.RenderRate.Set(0)
	}
	return err
}
