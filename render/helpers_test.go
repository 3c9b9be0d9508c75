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
	"sync"
	"time"

	"github.com/alwitt/viewcast/common"
)

// fakeIntervalTimer records timer operations, and fires only when told to
type fakeIntervalTimer struct {
	lock     sync.Mutex
	running  bool
	interval time.Duration
	handler  common.TimeoutHandler
	starts   int
	stops    int
}

func (t *fakeIntervalTimer) Start(
	interval time.Duration, handler common.TimeoutHandler, oneShot bool,
) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.running {
		return fmt.Errorf("timer already running")
	}
	t.running = true
	t.interval = interval
	t.handler = handler
	t.starts++
	return nil
}

func (t *fakeIntervalTimer) Stop() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.running {
		t.running = false
		t.stops++
	}
	return nil
}

// fire call the most recently installed handler, even if the timer was stopped since
func (t *fakeIntervalTimer) fire() error {
	t.lock.Lock()
	handler := t.handler
	t.lock.Unlock()
	if handler == nil {
		return fmt.Errorf("timer never started")
	}
	return handler()
}

func (t *fakeIntervalTimer) counts() (int, int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.starts, t.stops
}

func (t *fakeIntervalTimer) isRunning() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.running
}

func fps(v float64) *float64 {
	return &v
}
