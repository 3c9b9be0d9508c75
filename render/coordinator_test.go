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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/viewcast/common"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func testRenderConfig() common.RenderConfig {
	return common.RenderConfig{MaxFPS: 120, EventQueueDepth: 16, AssertInvariants: true}
}

// defineSyncCoordinator define a coordinator driven directly, without the event loop
func defineSyncCoordinator(
	t *testing.T, ctxt context.Context, name string,
) (*rateCoordinatorImpl, *fakeIntervalTimer) {
	timer := &fakeIntervalTimer{}
	uut, err := GetRateCoordinator(ctxt, name, testRenderConfig(), timer, nil)
	assert.Nil(t, err)
	return uut.(*rateCoordinatorImpl), timer
}

func TestRateCoordinatorConnectOrder(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	type request struct {
		id   SubscriberID
		rate float64
	}
	orders := [][]request{
		{{"A", 5}, {"B", 3}, {"C", 8}},
		{{"C", 8}, {"B", 3}, {"A", 5}},
		{{"B", 3}, {"C", 8}, {"A", 5}},
		{{"A", 5}, {"C", 8}, {"B", 3}},
	}
	for _, order := range orders {
		uut, timer := defineSyncCoordinator(t, ctxt, "ut-connect-order")
		for _, req := range order {
			assert.Nil(uut.ProcessConnect(req.id))
			assert.Nil(uut.ProcessRateRequest(RateRequest{ID: req.id, FPS: fps(req.rate)}))
		}
		status := uut.CurrentStatus()
		assert.Equal(8.0, status.Rate)
		assert.Equal(SubscriberID("C"), status.Holder)
		assert.Equal(3, status.Subscribers)
		assert.Equal(3, status.Connected)
		assert.True(status.Running)
		assert.Equal(8.0, uut.scheduler.Rate())
		assert.Equal(time.Millisecond*125, timer.interval)
	}
}

func TestRateCoordinatorHolderLowersRate(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: another viewer takes over
	{
		uut, timer := defineSyncCoordinator(t, ctxt, "ut-holder-lowers")
		assert.Nil(uut.ProcessConnect("A"))
		assert.Nil(uut.ProcessConnect("B"))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(8)}))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "B", FPS: fps(3)}))
		assert.Equal(SubscriberID("A"), uut.tracker.Holder())
		starts, stops := timer.counts()
		assert.Equal(1, starts)
		assert.Equal(0, stops)

		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(2)}))
		assert.Equal(3.0, uut.tracker.Rate())
		assert.Equal(SubscriberID("B"), uut.tracker.Holder())
		assert.Equal(3.0, uut.scheduler.Rate())
		starts, stops = timer.counts()
		assert.Equal(2, starts)
		assert.Equal(1, stops)
	}

	// Case 1: lone viewer adopts its own lower rate
	{
		uut, timer := defineSyncCoordinator(t, ctxt, "ut-holder-lowers")
		assert.Nil(uut.ProcessConnect("A"))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(8)}))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(2)}))
		assert.Equal(2.0, uut.tracker.Rate())
		assert.Equal(SubscriberID("A"), uut.tracker.Holder())
		assert.Equal(2.0, uut.scheduler.Rate())
		assert.Equal(time.Millisecond*500, timer.interval)
	}
}

func TestRateCoordinatorTiedDisconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, timer := defineSyncCoordinator(t, ctxt, "ut-tied-disconnect")
	assert.Nil(uut.ProcessConnect("A"))
	assert.Nil(uut.ProcessConnect("B"))
	assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(5)}))
	assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "B", FPS: fps(5)}))
	assert.Equal(SubscriberID("A"), uut.tracker.Holder())

	assert.Nil(uut.ProcessDisconnect("A"))
	assert.Equal(5.0, uut.tracker.Rate())
	assert.Equal(SubscriberID("B"), uut.tracker.Holder())
	assert.Equal(5.0, uut.scheduler.Rate())
	// Rate did not change, so the timer was left alone
	starts, stops := timer.counts()
	assert.Equal(1, starts)
	assert.Equal(0, stops)
}

func TestRateCoordinatorLastDisconnect(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, timer := defineSyncCoordinator(t, ctxt, "ut-last-disconnect")
	assert.Nil(uut.ProcessConnect("A"))
	assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(10)}))
	assert.True(timer.isRunning())

	// Case 0: last viewer leaves
	{
		assert.Nil(uut.ProcessDisconnect("A"))
		status := uut.CurrentStatus()
		assert.Equal(0.0, status.Rate)
		assert.Equal(SubscriberID(""), status.Holder)
		assert.Equal(0, status.Subscribers)
		assert.Equal(0, status.Connected)
		assert.False(status.Running)
		assert.False(timer.isRunning())
	}

	// Case 1: unknown viewer leaving is a no-op
	{
		assert.Nil(uut.ProcessDisconnect("unknown"))
		starts, stops := timer.counts()
		assert.Equal(1, starts)
		assert.Equal(1, stops)
	}

	// Case 2: a new viewer restarts the timer from idle
	{
		assert.Nil(uut.ProcessConnect("B"))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "B", FPS: fps(4)}))
		assert.True(timer.isRunning())
		assert.Equal(4.0, uut.scheduler.Rate())
		assert.Equal(SubscriberID("B"), uut.tracker.Holder())
	}
}

func TestRateCoordinatorRedundantAndMalformed(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := &fakeIntervalTimer{}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	assert.Nil(err)
	config := testRenderConfig()
	config.MaxFPS = 60
	coordinator, err := GetRateCoordinator(ctxt, "ut-malformed", config, timer, metrics)
	assert.Nil(err)
	uut := coordinator.(*rateCoordinatorImpl)

	assert.Nil(uut.ProcessConnect("A"))
	assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(10)}))

	// Case 0: same rate again causes no cancel / start pair
	{
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(10)}))
		starts, stops := timer.counts()
		assert.Equal(1, starts)
		assert.Equal(0, stops)
	}

	// Case 1: malformed requests are dropped
	{
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "", FPS: fps(30)}))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A"}))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(0)}))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "A", FPS: fps(-3)}))
		assert.Equal(10.0, uut.tracker.Rate())
		assert.Equal(4.0, testutil.ToFloat64(metrics.DroppedRequests))
	}

	// Case 2: requests from viewers which are not connected are dropped
	{
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "ghost", FPS: fps(30)}))
		assert.Equal(10.0, uut.tracker.Rate())
		assert.Equal(1, uut.registry.Len())
	}

	// Case 3: requests above the cap are clamped
	{
		assert.Nil(uut.ProcessConnect("B"))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "B", FPS: fps(500)}))
		assert.Equal(60.0, uut.tracker.Rate())
		assert.Equal(60.0, testutil.ToFloat64(metrics.RenderRate))
		assert.Equal(2.0, testutil.ToFloat64(metrics.RateSubscribers))
		assert.Equal(2.0, testutil.ToFloat64(metrics.ConnectedViewers))
	}

	// Case 4: a connected viewer with no rate request leaving changes nothing
	{
		assert.Nil(uut.ProcessConnect("C"))
		assert.Nil(uut.ProcessDisconnect("C"))
		assert.Equal(60.0, uut.tracker.Rate())
		assert.Equal(2, uut.registry.Len())
	}

	// Case 5: shutdown clears everything
	{
		assert.Nil(uut.ProcessClose())
		status := uut.CurrentStatus()
		assert.Equal(RateStatus{}, status)
		assert.False(timer.isRunning())
		// Events after shutdown are ignored
		assert.Nil(uut.ProcessConnect("D"))
		assert.Nil(uut.ProcessRateRequest(RateRequest{ID: "D", FPS: fps(5)}))
		assert.False(timer.isRunning())
		assert.Equal(0.0, testutil.ToFloat64(metrics.RateSubscribers))
	}
}

func TestRateCoordinatorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := &fakeIntervalTimer{}
	uut, err := GetRateCoordinator(ctxt, "ut-event-loop", testRenderConfig(), timer, nil)
	assert.Nil(err)

	ticks := make(chan Tick, 4)
	assert.Nil(uut.AddTickHandler(func(tick Tick) error {
		ticks <- tick
		return nil
	}))

	// Not started yet
	{
		useCtxt, useCancel := context.WithTimeout(ctxt, time.Second)
		assert.NotNil(uut.SubscriberConnected("A", true, useCtxt))
		useCancel()
	}

	assert.Nil(uut.Start(&wg))
	assert.NotNil(uut.Start(&wg))
	assert.NotNil(uut.AddTickHandler(func(tick Tick) error { return nil }))

	useCtxt, useCancel := context.WithTimeout(ctxt, time.Second*5)
	defer useCancel()

	assert.Nil(uut.SubscriberConnected("A", true, useCtxt))
	assert.Nil(uut.SubscriberConnected("B", false, useCtxt))
	assert.Nil(uut.RequestRate(RateRequest{ID: "A", FPS: fps(25)}, true, useCtxt))
	assert.Nil(uut.RequestRate(RateRequest{ID: "B", FPS: fps(5)}, false, useCtxt))

	// Status queries are ordered after the previous events
	status, err := uut.Status(useCtxt)
	assert.Nil(err)
	assert.Equal(25.0, status.Rate)
	assert.Equal(SubscriberID("A"), status.Holder)
	assert.Equal(2, status.Subscribers)
	assert.True(status.Running)

	// Timer firings pass through the loop to the tick handlers
	assert.Nil(timer.fire())
	select {
	case tick := <-ticks:
		assert.Equal(25.0, tick.Rate)
		assert.Equal(uint64(1), tick.Seq)
	case <-useCtxt.Done():
		assert.Fail("tick not delivered")
	}

	// A firing from the replaced timer is never delivered
	staleFire := timer.handler
	assert.Nil(uut.SubscriberDisconnected("A", true, useCtxt))
	assert.Nil(staleFire())
	status, err = uut.Status(useCtxt)
	assert.Nil(err)
	assert.Equal(5.0, status.Rate)
	assert.Equal(SubscriberID("B"), status.Holder)
	select {
	case <-ticks:
		assert.Fail("stale tick delivered")
	default:
	}

	// Close is idempotent, and stops everything
	assert.Nil(uut.Close(useCtxt))
	assert.Nil(uut.Close(useCtxt))
	assert.False(timer.isRunning())
	assert.NotNil(uut.RequestRate(RateRequest{ID: "B", FPS: fps(50)}, true, useCtxt))
	_, err = uut.Status(useCtxt)
	assert.NotNil(err)
	assert.NotNil(uut.Start(&wg))
}

func TestRateCoordinatorRealTimer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer, err := common.GetIntervalTimerInstance("ut-real-timer", ctxt, &wg)
	assert.Nil(err)
	uut, err := GetRateCoordinator(ctxt, "ut-real-timer", testRenderConfig(), timer, nil)
	assert.Nil(err)

	tickLock := sync.Mutex{}
	tickCount := 0
	assert.Nil(uut.AddTickHandler(func(tick Tick) error {
		tickLock.Lock()
		defer tickLock.Unlock()
		tickCount++
		return nil
	}))
	getTickCount := func() int {
		tickLock.Lock()
		defer tickLock.Unlock()
		return tickCount
	}
	assert.Nil(uut.Start(&wg))

	useCtxt, useCancel := context.WithTimeout(ctxt, time.Second*5)
	defer useCancel()

	assert.Nil(uut.SubscriberConnected("A", true, useCtxt))
	assert.Nil(uut.RequestRate(RateRequest{ID: "A", FPS: fps(50)}, true, useCtxt))
	assert.Eventually(func() bool {
		return getTickCount() >= 3
	}, time.Second*2, time.Millisecond*10)

	// Last viewer leaving stops the ticks
	assert.Nil(uut.SubscriberDisconnected("A", true, useCtxt))
	time.Sleep(time.Millisecond * 50)
	stopped := getTickCount()
	time.Sleep(time.Millisecond * 100)
	assert.Equal(stopped, getTickCount())

	assert.Nil(uut.Close(useCtxt))
}

func TestRateCoordinatorCloseWhileTickBlocked(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	timer := &fakeIntervalTimer{}
	uut, err := GetRateCoordinator(ctxt, "ut-close-blocked", testRenderConfig(), timer, nil)
	assert.Nil(err)

	entered := make(chan bool, 1)
	release := make(chan bool)
	deliverLock := sync.Mutex{}
	delivered := 0
	assert.Nil(uut.AddTickHandler(func(tick Tick) error {
		deliverLock.Lock()
		delivered++
		deliverLock.Unlock()
		entered <- true
		<-release
		return nil
	}))
	assert.Nil(uut.Start(&wg))

	useCtxt, useCancel := context.WithTimeout(ctxt, time.Second*5)
	defer useCancel()

	assert.Nil(uut.SubscriberConnected("A", true, useCtxt))
	assert.Nil(uut.RequestRate(RateRequest{ID: "A", FPS: fps(10)}, true, useCtxt))
	assert.True(timer.isRunning())

	// Park the event loop inside a tick handler
	assert.Nil(timer.fire())
	select {
	case <-entered:
	case <-useCtxt.Done():
		assert.Fail("tick not delivered")
	}

	// Close gives up waiting, but the timer is already stopped
	{
		shortCtxt, shortCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		assert.Equal(context.DeadlineExceeded, uut.Close(shortCtxt))
		shortCancel()
		assert.False(timer.isRunning())
	}

	// Repeated Close still waits for the teardown
	{
		shortCtxt, shortCancel := context.WithTimeout(ctxt, time.Millisecond*50)
		assert.Equal(context.DeadlineExceeded, uut.Close(shortCtxt))
		shortCancel()
	}

	// Firings after the stop are never delivered
	assert.NotNil(timer.fire())

	close(release)
	assert.Nil(uut.Close(useCtxt))
	assert.Nil(uut.Close(useCtxt))
	assert.False(timer.isRunning())
	assert.Equal(RateStatus{}, uut.(*rateCoordinatorImpl).CurrentStatus())
	deliverLock.Lock()
	assert.Equal(1, delivered)
	deliverLock.Unlock()
}
