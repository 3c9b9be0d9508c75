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
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/viewcast/common"
	"github.com/apex/log"
)

// RateCoordinator bridges viewer connection events to the shared render rate
//
// All events, including render timer firings, are processed one at a time on a single
// event loop. When "blocking" is set, the call waits for the event to be processed.
type RateCoordinator interface {
	// AddTickHandler add a consumer of render ticks. Must be called before Start.
	AddTickHandler(handler TickHandler) error
	// Start the coordinator event loop
	Start(wg *sync.WaitGroup) error
	// SubscriberConnected a viewer connected
	SubscriberConnected(id SubscriberID, blocking bool, callCtxt context.Context) error
	// RequestRate a viewer announced or changed its desired rate
	RequestRate(request RateRequest, blocking bool, callCtxt context.Context) error
	// SubscriberDisconnected a viewer disconnected
	SubscriberDisconnected(id SubscriberID, blocking bool, callCtxt context.Context) error
	// Status fetch a snapshot of the coordinator state
	Status(callCtxt context.Context) (RateStatus, error)
	// Close stop the render timer, and drop all viewer state. Idempotent.
	Close(callCtxt context.Context) error
}

// rateCoordinatorImpl implements RateCoordinator
type rateCoordinatorImpl struct {
	common.Component
	tp        common.TaskProcessor
	registry  *RateRegistry
	tracker   *MaxRateTracker
	scheduler EmissionScheduler
	timer     common.IntervalTimer
	metrics   *Metrics
	config    common.RenderConfig
	// connected set of connected viewers. Only touched by the event loop.
	connected map[SubscriberID]bool
	// shutdown whether the viewer state was torn down
	shutdown bool

	lock       sync.Mutex
	started    bool
	closed     bool
	closedChan chan struct{}
	// teardownDone closed once the viewer state is dropped after the loop exits
	teardownDone chan struct{}
	loopWG       sync.WaitGroup
}

// GetRateCoordinator define a new RateCoordinator
//
// The render timer is only ever started and stopped by the coordinator.
func GetRateCoordinator(
	ctxt context.Context,
	name string,
	config common.RenderConfig,
	timer common.IntervalTimer,
	metrics *Metrics,
) (RateCoordinator, error) {
	logTags := log.Fields{
		"module": "render", "component": "rate-coordinator", "instance": name,
	}
	if !validRate(config.MaxFPS) {
		return nil, fmt.Errorf("invalid max FPS %f", config.MaxFPS)
	}
	tp, err := common.GetNewTaskProcessorInstance(name, config.EventQueueDepth, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &rateCoordinatorImpl{
		Component:  common.Component{LogTags: logTags},
		tp:         tp,
		registry:   NewRateRegistry(),
		tracker:      &MaxRateTracker{},
		timer:        timer,
		metrics:      metrics,
		config:       config,
		connected:    make(map[SubscriberID]bool),
		closedChan:   make(chan struct{}),
		teardownDone: make(chan struct{}),
	}
	// Timer firings re-enter through the event loop
	scheduler, err := GetEmissionScheduler(name, timer, func(tick Tick) error {
		return tp.Submit(tick, ctxt)
	}, metrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define emission scheduler")
		return nil, err
	}
	instance.scheduler = scheduler

	// Add handlers
	handlers := map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(coordinatorConnectEvent{}):    instance.processConnectEvent,
		reflect.TypeOf(coordinatorRateEvent{}):       instance.processRateEvent,
		reflect.TypeOf(coordinatorDisconnectEvent{}): instance.processDisconnectEvent,
		reflect.TypeOf(coordinatorStatusQuery{}):     instance.processStatusQuery,
		reflect.TypeOf(Tick{}):                       instance.processTick,
	}
	for theType, handler := range handlers {
		if err := tp.AddToTaskExecutionMap(theType, handler); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// AddTickHandler add a consumer of render ticks
func (c *rateCoordinatorImpl) AddTickHandler(handler TickHandler) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.started {
		return fmt.Errorf("tick handlers can not be added after start")
	}
	c.scheduler.AddTickHandler(handler)
	return nil
}

// Start the coordinator event loop
func (c *rateCoordinatorImpl) Start(wg *sync.WaitGroup) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.closed {
		return fmt.Errorf("coordinator already closed")
	}
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	if err := c.tp.StartEventLoop(&c.loopWG); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to start event loop")
		return err
	}
	c.started = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.loopWG.Wait()
	}()
	return nil
}

// submit pass an event to the event loop, and optionally wait for the result
func (c *rateCoordinatorImpl) submit(
	event interface{}, resultChan chan error, blocking bool, callCtxt context.Context,
) error {
	c.lock.Lock()
	if !c.started || c.closed {
		c.lock.Unlock()
		return fmt.Errorf("coordinator not running")
	}
	c.lock.Unlock()

	if err := c.tp.Submit(event, callCtxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Failed to submit %s", reflect.TypeOf(event))
		return err
	}
	if !blocking {
		return nil
	}
	select {
	case err := <-resultChan:
		return err
	case <-c.closedChan:
		return fmt.Errorf("coordinator closed")
	case <-callCtxt.Done():
		return callCtxt.Err()
	}
}

// =========================================================================

type coordinatorConnectEvent struct {
	id       SubscriberID
	blocking bool
	resultCB func(err error)
}

// SubscriberConnected a viewer connected
func (c *rateCoordinatorImpl) SubscriberConnected(
	id SubscriberID, blocking bool, callCtxt context.Context,
) error {
	resultChan := make(chan error, 1)
	return c.submit(coordinatorConnectEvent{
		id: id, blocking: blocking, resultCB: func(err error) { resultChan <- err },
	}, resultChan, blocking, callCtxt)
}

// processConnectEvent support TaskProcessor, handle coordinatorConnectEvent
func (c *rateCoordinatorImpl) processConnectEvent(param interface{}) error {
	event, ok := param.(coordinatorConnectEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for viewer connect", reflect.TypeOf(param),
		)
	}
	err := c.ProcessConnect(event.id)
	if event.blocking {
		event.resultCB(err)
	}
	return err
}

// ProcessConnect record a connected viewer. It does not take part in the max rate until
// it requests a rate.
func (c *rateCoordinatorImpl) ProcessConnect(id SubscriberID) error {
	if c.shutdown {
		return nil
	}
	if id == "" {
		return fmt.Errorf("viewer connected without an ID")
	}
	c.connected[id] = true
	log.WithFields(c.LogTags).Debugf("Viewer '%s' connected", id)
	c.afterEvent()
	return nil
}

// =========================================================================

type coordinatorRateEvent struct {
	request  RateRequest
	blocking bool
	resultCB func(err error)
}

// RequestRate a viewer announced or changed its desired rate
func (c *rateCoordinatorImpl) RequestRate(
	request RateRequest, blocking bool, callCtxt context.Context,
) error {
	resultChan := make(chan error, 1)
	return c.submit(coordinatorRateEvent{
		request: request, blocking: blocking, resultCB: func(err error) { resultChan <- err },
	}, resultChan, blocking, callCtxt)
}

// processRateEvent support TaskProcessor, handle coordinatorRateEvent
func (c *rateCoordinatorImpl) processRateEvent(param interface{}) error {
	event, ok := param.(coordinatorRateEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for rate request", reflect.TypeOf(param),
		)
	}
	err := c.ProcessRateRequest(event.request)
	if event.blocking {
		event.resultCB(err)
	}
	return err
}

// dropRequest silently drop a rate request
func (c *rateCoordinatorImpl) dropRequest(request RateRequest, reason string) {
	log.WithFields(c.LogTags).Debugf("Dropping rate request from '%s': %s", request.ID, reason)
	if c.metrics != nil {
		c.metrics.DroppedRequests.Inc()
	}
}

// ProcessRateRequest apply a viewer's rate request
//
// Malformed requests, and requests from viewers which are not connected, are dropped
// without error.
func (c *rateCoordinatorImpl) ProcessRateRequest(request RateRequest) error {
	if c.shutdown {
		return nil
	}
	if request.ID == "" || request.FPS == nil {
		c.dropRequest(request, "missing ID or FPS")
		return nil
	}
	if !validRate(*request.FPS) {
		c.dropRequest(request, "FPS not positive")
		return nil
	}
	if !c.connected[request.ID] {
		c.dropRequest(request, "viewer not connected")
		return nil
	}
	rate := *request.FPS
	if rate > c.config.MaxFPS {
		rate = c.config.MaxFPS
	}
	if !c.registry.Set(request.ID, rate) {
		c.dropRequest(request, "rejected by registry")
		return nil
	}
	if c.tracker.OnSet(c.registry, request.ID, rate) {
		if err := c.scheduler.SetRate(c.tracker.Rate()); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to update render rate")
			return err
		}
	}
	c.afterEvent()
	return nil
}

// =========================================================================

type coordinatorDisconnectEvent struct {
	id       SubscriberID
	blocking bool
	resultCB func(err error)
}

// SubscriberDisconnected a viewer disconnected
func (c *rateCoordinatorImpl) SubscriberDisconnected(
	id SubscriberID, blocking bool, callCtxt context.Context,
) error {
	resultChan := make(chan error, 1)
	return c.submit(coordinatorDisconnectEvent{
		id: id, blocking: blocking, resultCB: func(err error) { resultChan <- err },
	}, resultChan, blocking, callCtxt)
}

// processDisconnectEvent support TaskProcessor, handle coordinatorDisconnectEvent
func (c *rateCoordinatorImpl) processDisconnectEvent(param interface{}) error {
	event, ok := param.(coordinatorDisconnectEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for viewer disconnect", reflect.TypeOf(param),
		)
	}
	err := c.ProcessDisconnect(event.id)
	if event.blocking {
		event.resultCB(err)
	}
	return err
}

// ProcessDisconnect remove a viewer, and recompute the max rate
func (c *rateCoordinatorImpl) ProcessDisconnect(id SubscriberID) error {
	if c.shutdown {
		return nil
	}
	delete(c.connected, id)
	if !c.registry.Remove(id) {
		// Viewer never requested a rate
		c.afterEvent()
		return nil
	}
	changed, empty := c.tracker.OnRemove(c.registry)
	if empty {
		log.WithFields(c.LogTags).Infof("Last rate subscriber '%s' left", id)
		if err := c.scheduler.SetRate(0); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to stop render timer")
			return err
		}
	} else if changed {
		if err := c.scheduler.SetRate(c.tracker.Rate()); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to update render rate")
			return err
		}
	}
	c.afterEvent()
	return nil
}

// =========================================================================

type coordinatorStatusQuery struct {
	resultCB func(status RateStatus)
}

// Status fetch a snapshot of the coordinator state
func (c *rateCoordinatorImpl) Status(callCtxt context.Context) (RateStatus, error) {
	statusChan := make(chan RateStatus, 1)
	if err := c.submit(coordinatorStatusQuery{
		resultCB: func(status RateStatus) { statusChan <- status },
	}, nil, false, callCtxt); err != nil {
		return RateStatus{}, err
	}
	select {
	case status := <-statusChan:
		return status, nil
	case <-c.closedChan:
		return RateStatus{}, fmt.Errorf("coordinator closed")
	case <-callCtxt.Done():
		return RateStatus{}, callCtxt.Err()
	}
}

// processStatusQuery support TaskProcessor, handle coordinatorStatusQuery
func (c *rateCoordinatorImpl) processStatusQuery(param interface{}) error {
	query, ok := param.(coordinatorStatusQuery)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for status query", reflect.TypeOf(param),
		)
	}
	query.resultCB(c.CurrentStatus())
	return nil
}

// CurrentStatus snapshot of the coordinator state
func (c *rateCoordinatorImpl) CurrentStatus() RateStatus {
	return RateStatus{
		Rate:        c.tracker.Rate(),
		Holder:      c.tracker.Holder(),
		Subscribers: c.registry.Len(),
		Connected:   len(c.connected),
		Running:     c.scheduler.Running(),
	}
}

// =========================================================================

// processTick support TaskProcessor, handle Tick
func (c *rateCoordinatorImpl) processTick(param interface{}) error {
	tick, ok := param.(Tick)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for tick", reflect.TypeOf(param))
	}
	c.scheduler.Deliver(tick)
	return nil
}

// =========================================================================

// Close stop the render timer, and drop all viewer state
//
// Events still queued when Close is called are discarded. The timer is stopped at once.
// The viewer state is dropped once the event loop exits, even if callCtxt expires first.
// Repeated calls wait for that teardown.
func (c *rateCoordinatorImpl) Close(callCtxt context.Context) error {
	c.lock.Lock()
	if !c.closed {
		c.closed = true
		close(c.closedChan)
		// Firings racing with the stop carry an epoch the loop will never deliver
		if err := c.timer.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to stop render timer")
		}
		_ = c.tp.StopEventLoop()
		go func() {
			defer close(c.teardownDone)
			// Wait for the event loop to exit, so the state is no longer shared
			c.loopWG.Wait()
			_ = c.ProcessClose()
		}()
	}
	c.lock.Unlock()

	select {
	case <-c.teardownDone:
		return nil
	case <-callCtxt.Done():
		log.WithError(callCtxt.Err()).WithFields(c.LogTags).Error("Event loop did not exit")
		return callCtxt.Err()
	}
}

// ProcessClose stop the render timer, and drop all viewer state, regardless of the
// current state
func (c *rateCoordinatorImpl) ProcessClose() error {
	c.shutdown = true
	err := c.scheduler.Close()
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failed to close emission scheduler")
	}
	c.registry.Clear()
	c.tracker.Reset()
	c.connected = make(map[SubscriberID]bool)
	c.updateMetrics()
	log.WithFields(c.LogTags).Info("Rate coordinator closed")
	return err
}

// =========================================================================

// afterEvent run the post event checks, and refresh metrics
func (c *rateCoordinatorImpl) afterEvent() {
	if c.config.AssertInvariants {
		if err := c.tracker.Verify(c.registry); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Max rate invariant violated")
			panic(err)
		}
		if c.scheduler.Rate() != c.tracker.Rate() {
			err := fmt.Errorf(
				"render timer at %f while max rate is %f", c.scheduler.Rate(), c.tracker.Rate(),
			)
			log.WithError(err).WithFields(c.LogTags).Error("Render rate invariant violated")
			panic(err)
		}
	}
	c.updateMetrics()
}

// updateMetrics refresh the gauges
func (c *rateCoordinatorImpl) updateMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.RateSubscribers.Set(float64(c.registry.Len()))
	c.metrics.ConnectedViewers.Set(float64(len(c.connected)))
}
