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
	"math"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestEmissionSchedulerRateChanges(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	timer := &fakeIntervalTimer{}
	var uut EmissionScheduler
	emitted := []Tick{}
	emitter := func(tick Tick) error {
		emitted = append(emitted, tick)
		return nil
	}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)

	_, err = GetEmissionScheduler("ut-scheduler", nil, emitter, nil)
	assert.NotNil(err)
	uut, err = GetEmissionScheduler("ut-scheduler", timer, emitter, metrics)
	assert.Nil(err)

	delivered := []Tick{}
	uut.AddTickHandler(func(tick Tick) error {
		delivered = append(delivered, tick)
		return nil
	})
	uut.AddTickHandler(func(tick Tick) error {
		return fmt.Errorf("dummy error")
	})

	// Case 0: idle to idle is a no-op
	{
		assert.Nil(uut.SetRate(0))
		starts, stops := timer.counts()
		assert.Equal(0, starts)
		assert.Equal(0, stops)
		assert.False(uut.Running())
	}

	// Case 1: invalid rate
	{
		assert.NotNil(uut.SetRate(-1))
		assert.False(uut.Running())
	}

	// Case 2: start at 20 FPS
	{
		assert.Nil(uut.SetRate(20))
		assert.True(uut.Running())
		assert.Equal(20.0, uut.Rate())
		assert.Equal(time.Millisecond*50, timer.interval)
		starts, stops := timer.counts()
		assert.Equal(1, starts)
		assert.Equal(0, stops)
		assert.Equal(20.0, testutil.ToFloat64(metrics.RenderRate))
	}

	// Case 3: a firing is delivered
	{
		assert.Nil(timer.fire())
		assert.Len(emitted, 1)
		assert.Equal(20.0, emitted[0].Rate)
		assert.True(uut.Deliver(emitted[0]))
		assert.Len(delivered, 1)
		assert.Equal(uint64(1), delivered[0].Seq)
		assert.Equal(1.0, testutil.ToFloat64(metrics.Ticks))
	}

	// Case 4: same rate is a no-op
	{
		assert.Nil(uut.SetRate(20))
		starts, stops := timer.counts()
		assert.Equal(1, starts)
		assert.Equal(0, stops)
	}

	// Case 5: new rate replaces the timer; the old timer's ticks are stale
	{
		assert.Nil(uut.SetRate(10))
		starts, stops := timer.counts()
		assert.Equal(2, starts)
		assert.Equal(1, stops)
		assert.Equal(time.Millisecond*100, timer.interval)
		assert.False(uut.Deliver(emitted[0]))
		assert.Len(delivered, 1)

		assert.Nil(timer.fire())
		assert.Len(emitted, 2)
		assert.Equal(10.0, emitted[1].Rate)
		assert.True(uut.Deliver(emitted[1]))
		assert.Len(delivered, 2)
		assert.Equal(uint64(2), delivered[1].Seq)
		assert.Equal(2.0, testutil.ToFloat64(metrics.TimerRestarts))
	}

	// Case 6: stop
	{
		assert.Nil(uut.SetRate(0))
		assert.False(uut.Running())
		assert.False(timer.isRunning())
		assert.False(uut.Deliver(emitted[1]))
		assert.Equal(0.0, testutil.ToFloat64(metrics.RenderRate))
	}

	// Case 7: restart from idle
	{
		assert.Nil(uut.SetRate(10))
		assert.True(uut.Running())
		assert.True(timer.isRunning())
		starts, _ := timer.counts()
		assert.Equal(3, starts)
	}

	// Case 8: close is idempotent
	{
		assert.Nil(uut.Close())
		assert.Nil(uut.Close())
		assert.False(uut.Running())
		assert.False(timer.isRunning())
		_, stops := timer.counts()
		assert.Equal(3, stops)
	}
}

func TestTickInterval(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(time.Second, tickInterval(1))
	assert.Equal(time.Millisecond*125, tickInterval(8))
	assert.Equal(time.Millisecond*400, tickInterval(2.5))
	assert.Equal(minTickInterval, tickInterval(1e9))

	// Very slow rates saturate instead of wrapping around
	assert.Equal(maxTickInterval, tickInterval(1e-10))
	assert.Equal(maxTickInterval, tickInterval(math.SmallestNonzeroFloat64))
	assert.Equal(maxTickInterval, tickInterval(1.0/3600))
	assert.Equal(time.Minute, tickInterval(1.0/60))
}
