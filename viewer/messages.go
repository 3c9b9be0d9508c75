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

// Package viewer serves connected viewers over websocket sessions.
//
// Each session is told its ID, the game version, the current overlay primitives and the
// last known bot position. Afterwards it receives primitive and position changes as they
// happen. Viewers report their desired render rate, and block clicks, back to the server.
package viewer

import (
	"encoding/json"
	"fmt"

	"github.com/alwitt/viewcast/render"
)

// Events exchanged with the viewers
const (
	// EventHello server -> viewer: the session ID
	EventHello = "hello"
	// EventVersion server -> viewer: the game version
	EventVersion = "version"
	// EventPrimitive server -> viewer: a primitive was drawn or erased
	EventPrimitive = "primitive"
	// EventPosition server -> viewer: the bot moved
	EventPosition = "position"
	// EventRenderFPS viewer -> server: desired render rate
	EventRenderFPS = "renderFPS"
	// EventBlockClicked viewer -> server: a block was clicked
	EventBlockClicked = "blockClicked"
)

// Envelope one message on a viewer session
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// encodeEnvelope serialize an event with its data
func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s data: %w", event, err)
	}
	return json.Marshal(&Envelope{Event: event, Data: payload})
}

// HelloMsg data of EventHello
type HelloMsg struct {
	ID render.SubscriberID `json:"id"`
}

// Vec3 a point in the world
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PositionUpdate the bot's position
type PositionUpdate struct {
	Pos   Vec3     `json:"pos"`
	Yaw   float64  `json:"yaw"`
	Pitch *float64 `json:"pitch,omitempty"`
}

// positionMsg data of EventPosition
type positionMsg struct {
	Pos     Vec3     `json:"pos"`
	Yaw     float64  `json:"yaw"`
	Pitch   *float64 `json:"pitch,omitempty"`
	AddMesh bool     `json:"addMesh"`
}

// BlockClick data of EventBlockClicked
type BlockClick struct {
	Block  Vec3 `json:"block"`
	Face   int  `json:"face"`
	Button int  `json:"button"`
}

// BlockClickHandler consumer of viewer block clicks
type BlockClickHandler func(session render.SubscriberID, click BlockClick)
