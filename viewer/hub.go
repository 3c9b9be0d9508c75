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

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/viewcast/common"
	"github.com/alwitt/viewcast/render"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// ViewerHub manages the connected viewers, and the state shared with all of them
type ViewerHub interface {
	// ServeSession run a viewer session over an upgraded websocket connection. Blocks until
	// the session ends.
	ServeSession(conn *websocket.Conn, params common.SessionParam) error
	// DrawPrimitive add or replace a primitive, and broadcast it
	DrawPrimitive(primitive Primitive) error
	// DrawBoxGrid draw a box grid. A nil color uses the default.
	DrawBoxGrid(id string, start, end Vec3, color interface{}) error
	// DrawLine draw a line through the points. A nil color uses the default.
	DrawLine(id string, points []Vec3, color interface{}) error
	// DrawPoints draw points. A nil color, or non-positive size, uses the default.
	DrawPoints(id string, points []Vec3, color interface{}, size float64) error
	// Erase remove a primitive, and broadcast the removal
	Erase(id string) error
	// Primitives list the current primitives in the order they were first drawn
	Primitives() []Primitive
	// UpdatePosition broadcast the bot's new position
	UpdatePosition(update PositionUpdate) error
	// AddBlockClickHandler add a consumer of viewer block clicks
	AddBlockClickHandler(handler BlockClickHandler)
	// SessionCount number of open sessions
	SessionCount() int
	// Stop end all sessions, refuse new ones, and wait for the open sessions to exit.
	// Idempotent.
	Stop(callCtxt context.Context) error
}

// storedPrimitive a primitive with its draw order
type storedPrimitive struct {
	order     uint64
	primitive Primitive
}

// viewerHubImpl implements ViewerHub
type viewerHubImpl struct {
	common.Component
	runtimeCtxt  context.Context
	stopSessions context.CancelFunc
	config      common.ViewerSessionConfig
	coordinator render.RateCoordinator
	metrics     *Metrics
	validate    *validator.Validate

	lock          sync.Mutex
	stopped       bool
	sessionWG     sync.WaitGroup
	sessions      map[render.SubscriberID]*viewerSession
	primitives    map[string]storedPrimitive
	drawCount     uint64
	lastPosition  []byte
	clickHandlers []BlockClickHandler
}

// GetViewerHub define a new ViewerHub
//
// Sessions end when the root context is cancelled.
func GetViewerHub(
	rootCtxt context.Context,
	name string,
	config common.ViewerSessionConfig,
	coordinator render.RateCoordinator,
	metrics *Metrics,
) (ViewerHub, error) {
	logTags := log.Fields{
		"module": "viewer", "component": "hub", "instance": name,
	}
	if coordinator == nil {
		return nil, fmt.Errorf("no rate coordinator provided")
	}
	if metrics == nil {
		return nil, fmt.Errorf("no metrics provided")
	}
	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid session config")
		return nil, err
	}
	runtimeCtxt, cancel := context.WithCancel(rootCtxt)
	return &viewerHubImpl{
		Component:    common.Component{LogTags: logTags},
		runtimeCtxt:  runtimeCtxt,
		stopSessions: cancel,
		config:       config,
		coordinator:  coordinator,
		metrics:      metrics,
		validate:     validate,
		sessions:     make(map[render.SubscriberID]*viewerSession),
		primitives:   make(map[string]storedPrimitive),
	}, nil
}

// =========================================================================
// Sessions

// register add a new session, and prepare the frames which bring it up to date
//
// The snapshot is taken under the same lock which guards broadcasts, so the session sees
// every change after the snapshot exactly once.
func (h *viewerHubImpl) register(session *viewerSession) ([][]byte, error) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, ok := h.sessions[session.id]; ok {
		return nil, fmt.Errorf("session %s already registered", session.id)
	}

	initial := [][]byte{}
	hello, err := encodeEnvelope(EventHello, HelloMsg{ID: session.id})
	if err != nil {
		return nil, err
	}
	initial = append(initial, hello)
	version, err := encodeEnvelope(EventVersion, h.config.GameVersion)
	if err != nil {
		return nil, err
	}
	initial = append(initial, version)
	for _, primitive := range h.listPrimitives() {
		frame, err := encodeEnvelope(EventPrimitive, primitive)
		if err != nil {
			return nil, err
		}
		initial = append(initial, frame)
	}
	if h.lastPosition != nil {
		initial = append(initial, h.lastPosition)
	}

	h.sessions[session.id] = session
	h.metrics.Sessions.Set(float64(len(h.sessions)))
	return initial, nil
}

// unregister remove a session
func (h *viewerHubImpl) unregister(id render.SubscriberID) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.sessions, id)
	h.metrics.Sessions.Set(float64(len(h.sessions)))
}

// SessionCount number of open sessions
func (h *viewerHubImpl) SessionCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.sessions)
}

// Stop end all sessions, refuse new ones, and wait for the open sessions to exit
func (h *viewerHubImpl) Stop(callCtxt context.Context) error {
	h.lock.Lock()
	h.stopped = true
	h.lock.Unlock()
	h.stopSessions()

	sessionsDone := make(chan struct{})
	go func() {
		h.sessionWG.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
		return nil
	case <-callCtxt.Done():
		log.WithError(callCtxt.Err()).WithFields(h.LogTags).Error("Sessions did not exit")
		return callCtxt.Err()
	}
}

// trackSession count a new session, unless the hub is stopped
func (h *viewerHubImpl) trackSession() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.stopped {
		return false
	}
	h.sessionWG.Add(1)
	return true
}

// ServeSession run a viewer session over an upgraded websocket connection
func (h *viewerHubImpl) ServeSession(conn *websocket.Conn, params common.SessionParam) error {
	if !h.trackSession() {
		_ = conn.Close()
		return fmt.Errorf("viewer hub stopped")
	}
	defer h.sessionWG.Done()
	defer conn.Close()
	if params.ID == "" {
		return fmt.Errorf("session ID missing")
	}
	id := render.SubscriberID(params.ID)
	runtimeCtxt, cancel := context.WithCancel(
		context.WithValue(h.runtimeCtxt, common.SessionParam{}, params),
	)
	defer cancel()
	logTags, err := common.UpdateLogTags(runtimeCtxt, h.LogTags)
	if err != nil {
		return err
	}

	session := newViewerSession(id, conn, h.config, logTags)
	initial, err := h.register(session)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to register session")
		return err
	}
	defer h.unregister(id)

	if err := h.coordinator.SubscriberConnected(id, true, runtimeCtxt); err != nil {
		log.WithError(err).WithFields(logTags).Error("Rate coordinator rejected session")
		return err
	}
	defer func() {
		// The session context is gone by now
		disconnectCtxt, disconnectCancel := context.WithTimeout(
			context.Background(), session.writeTimeout,
		)
		defer disconnectCancel()
		if err := h.coordinator.SubscriberDisconnected(id, false, disconnectCtxt); err != nil {
			// Expected when the whole server is going down
			if h.runtimeCtxt.Err() != nil {
				log.WithError(err).WithFields(logTags).Debug("Session end not reported")
			} else {
				log.WithError(err).WithFields(logTags).Error("Failed to report session end")
			}
		}
	}()

	log.WithFields(logTags).Info("Viewer session started")

	writerWG := sync.WaitGroup{}
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		defer conn.Close()
		// A failed writer also ends the reader by closing the connection
		_ = session.writeLoop(runtimeCtxt, initial)
	}()

	err = session.readLoop(runtimeCtxt, func(raw []byte) {
		h.handleInbound(runtimeCtxt, session, raw)
	})
	cancel()
	writerWG.Wait()

	log.WithFields(logTags).Info("Viewer session ended")
	if err == context.Canceled {
		return nil
	}
	return err
}

// handleInbound process one message from a viewer
func (h *viewerHubImpl) handleInbound(
	ctxt context.Context, session *viewerSession, raw []byte,
) {
	var msg Envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).WithFields(session.LogTags).Debug("Dropping unparsable message")
		return
	}
	switch msg.Event {
	case EventRenderFPS, EventBlockClicked:
		h.metrics.ReceivedMessages.WithLabelValues(msg.Event).Inc()
	default:
		h.metrics.ReceivedMessages.WithLabelValues("unknown").Inc()
	}
	switch msg.Event {
	case EventRenderFPS:
		var request render.RateRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			log.WithError(err).WithFields(session.LogTags).Debug("Dropping malformed rate request")
			return
		}
		// A viewer may only speak for itself
		if request.ID != "" && request.ID != session.id {
			log.WithFields(session.LogTags).Debugf(
				"Dropping rate request for another viewer %s", request.ID,
			)
			return
		}
		if err := h.coordinator.RequestRate(request, false, ctxt); err != nil {
			log.WithError(err).WithFields(session.LogTags).Error("Failed to submit rate request")
		}
	case EventBlockClicked:
		var click BlockClick
		if err := json.Unmarshal(msg.Data, &click); err != nil {
			log.WithError(err).WithFields(session.LogTags).Debug("Dropping malformed block click")
			return
		}
		log.WithFields(session.LogTags).Infof(
			"Block clicked at (%v, %v, %v) face %d button %d",
			click.Block.X, click.Block.Y, click.Block.Z, click.Face, click.Button,
		)
		h.lock.Lock()
		handlers := make([]BlockClickHandler, len(h.clickHandlers))
		copy(handlers, h.clickHandlers)
		h.lock.Unlock()
		for _, handler := range handlers {
			handler(session.id, click)
		}
	default:
		log.WithFields(session.LogTags).Debugf("Dropping unknown event '%s'", msg.Event)
	}
}

// AddBlockClickHandler add a consumer of viewer block clicks
func (h *viewerHubImpl) AddBlockClickHandler(handler BlockClickHandler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.clickHandlers = append(h.clickHandlers, handler)
}

// broadcast queue a frame to every session. Caller must hold the lock.
func (h *viewerHubImpl) broadcast(frame []byte) {
	for id, session := range h.sessions {
		if session.enqueue(frame) {
			h.metrics.SentMessages.Inc()
		} else {
			h.metrics.DroppedMessages.Inc()
			log.WithFields(h.LogTags).Debugf("Send queue of %s full, dropping message", id)
		}
	}
}

// =========================================================================
// Primitives

// listPrimitives list primitives in draw order. Caller must hold the lock.
func (h *viewerHubImpl) listPrimitives() []Primitive {
	stored := make([]storedPrimitive, 0, len(h.primitives))
	for _, entry := range h.primitives {
		stored = append(stored, entry)
	}
	sort.Slice(stored, func(i, j int) bool { return stored[i].order < stored[j].order })
	result := make([]Primitive, len(stored))
	for idx, entry := range stored {
		result[idx] = entry.primitive
	}
	return result
}

// Primitives list the current primitives in the order they were first drawn
func (h *viewerHubImpl) Primitives() []Primitive {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.listPrimitives()
}

// DrawPrimitive add or replace a primitive, and broadcast it
func (h *viewerHubImpl) DrawPrimitive(primitive Primitive) error {
	primitive.applyDefaults()
	if err := primitive.Validate(h.validate); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Invalid primitive '%s'", primitive.ID)
		return err
	}
	frame, err := encodeEnvelope(EventPrimitive, primitive)
	if err != nil {
		return err
	}

	h.lock.Lock()
	defer h.lock.Unlock()
	entry, ok := h.primitives[primitive.ID]
	if !ok {
		h.drawCount++
		entry.order = h.drawCount
	}
	entry.primitive = primitive
	h.primitives[primitive.ID] = entry
	h.broadcast(frame)
	return nil
}

// DrawBoxGrid draw a box grid
func (h *viewerHubImpl) DrawBoxGrid(id string, start, end Vec3, color interface{}) error {
	return h.DrawPrimitive(Primitive{
		Type: PrimitiveBoxGrid, ID: id, Start: &start, End: &end, Color: color,
	})
}

// DrawLine draw a line through the points
func (h *viewerHubImpl) DrawLine(id string, points []Vec3, color interface{}) error {
	return h.DrawPrimitive(Primitive{
		Type: PrimitiveLine, ID: id, Points: points, Color: color,
	})
}

// DrawPoints draw points
func (h *viewerHubImpl) DrawPoints(
	id string, points []Vec3, color interface{}, size float64,
) error {
	primitive := Primitive{Type: PrimitivePoints, ID: id, Points: points, Color: color}
	if size > 0 {
		primitive.Size = &size
	}
	return h.DrawPrimitive(primitive)
}

// Erase remove a primitive, and broadcast the removal
//
// Viewers are told even if the primitive is not known here.
func (h *viewerHubImpl) Erase(id string) error {
	if id == "" {
		return fmt.Errorf("primitive ID missing")
	}
	frame, err := encodeEnvelope(EventPrimitive, erasedPrimitive{ID: id})
	if err != nil {
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.primitives, id)
	h.broadcast(frame)
	return nil
}

// =========================================================================
// Position

// UpdatePosition broadcast the bot's new position
//
// Pitch is only forwarded in first person mode.
func (h *viewerHubImpl) UpdatePosition(update PositionUpdate) error {
	msg := positionMsg{Pos: update.Pos, Yaw: update.Yaw, AddMesh: true}
	if h.config.FirstPerson {
		msg.Pitch = update.Pitch
	}
	frame, err := encodeEnvelope(EventPosition, msg)
	if err != nil {
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	h.lastPosition = frame
	h.broadcast(frame)
	return nil
}
