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

// Package bridge connects the viewer server with the bot over NATS.
//
// The bot publishes primitive changes and its position. The viewer server publishes render
// ticks, and the block clicks of viewers.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/viewcast/common"
	"github.com/alwitt/viewcast/core"
	"github.com/alwitt/viewcast/render"
	"github.com/alwitt/viewcast/viewer"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Primitive command operations
const (
	PrimitiveOpDraw  = "draw"
	PrimitiveOpErase = "erase"
)

// PrimitiveCommand a primitive change requested by the bot
type PrimitiveCommand struct {
	// Op is the operation
	Op string `json:"op" validate:"required,oneof=draw erase"`
	// ID is the primitive to erase
	ID string `json:"id,omitempty" validate:"required_if=Op erase"`
	// Primitive is the primitive to draw
	Primitive *viewer.Primitive `json:"primitive,omitempty" validate:"required_if=Op draw"`
}

// BlockClickEvent a viewer clicked on a block
type BlockClickEvent struct {
	// Session is the viewer session
	Session render.SubscriberID `json:"session"`
	viewer.BlockClick
}

// Subjects the NATS subjects used by the bridge
type Subjects struct {
	// Primitive carries PrimitiveCommand from the bot
	Primitive string
	// Position carries viewer.PositionUpdate from the bot
	Position string
	// Render carries render.Tick to the bot
	Render string
	// BlockClicked carries BlockClickEvent to the bot
	BlockClicked string
}

// SubjectsWithPrefix define the bridge subjects under a common prefix
func SubjectsWithPrefix(prefix string) Subjects {
	return Subjects{
		Primitive:    fmt.Sprintf("%s.primitive", prefix),
		Position:     fmt.Sprintf("%s.position", prefix),
		Render:       fmt.Sprintf("%s.render", prefix),
		BlockClicked: fmt.Sprintf("%s.block_clicked", prefix),
	}
}

// BotBridge relays between the bot, and the viewer server
type BotBridge interface {
	// Start subscribe to the bot's subjects
	Start() error
	// PublishTick publish a render tick. Usable as a render.TickHandler.
	PublishTick(tick render.Tick) error
	// PublishBlockClick publish a viewer block click. Usable as a viewer.BlockClickHandler.
	PublishBlockClick(session render.SubscriberID, click viewer.BlockClick)
	// Stop unsubscribe from the bot's subjects
	Stop(ctxt context.Context) error
}

// natsBotBridge implements BotBridge
type natsBotBridge struct {
	common.Component
	client   *core.NatsClient
	hub      viewer.ViewerHub
	subjects Subjects
	validate *validator.Validate

	lock          sync.Mutex
	subscriptions []*nats.Subscription
}

// GetNATSBotBridge define a new NATS backed BotBridge
func GetNATSBotBridge(
	client *core.NatsClient, subjects Subjects, hub viewer.ViewerHub,
) (BotBridge, error) {
	logTags := log.Fields{
		"module": "bridge", "component": "nats-bot-bridge", "instance": subjects.Primitive,
	}
	if client == nil {
		return nil, fmt.Errorf("no NATS client provided")
	}
	if hub == nil {
		return nil, fmt.Errorf("no viewer hub provided")
	}
	return &natsBotBridge{
		Component: common.Component{LogTags: logTags},
		client:    client,
		hub:       hub,
		subjects:  subjects,
		validate:  validator.New(),
	}, nil
}

// Start subscribe to the bot's subjects
func (b *natsBotBridge) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.subscriptions) > 0 {
		return fmt.Errorf("bridge already started")
	}
	ctxt, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	subs, err := b.client.SubscribeAll(ctxt, map[string]nats.MsgHandler{
		b.subjects.Primitive: b.handlePrimitive,
		b.subjects.Position:  b.handlePosition,
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to subscribe to bot subjects")
		return err
	}
	b.subscriptions = subs
	return nil
}

const subscribeTimeout = time.Second * 5

// Stop unsubscribe from the bot's subjects
func (b *natsBotBridge) Stop(ctxt context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.client.UnsubscribeAll(b.subscriptions)
	b.subscriptions = nil
	return b.client.NATs().FlushWithContext(ctxt)
}

// handlePrimitive apply a primitive change from the bot
func (b *natsBotBridge) handlePrimitive(msg *nats.Msg) {
	var cmd PrimitiveCommand
	if err := core.DecodeJSON(msg, &cmd); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to parse primitive command")
		return
	}
	if err := b.validate.Struct(&cmd); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Invalid primitive command")
		return
	}
	var err error
	switch cmd.Op {
	case PrimitiveOpDraw:
		err = b.hub.DrawPrimitive(*cmd.Primitive)
	case PrimitiveOpErase:
		err = b.hub.Erase(cmd.ID)
	}
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Primitive %s failed", cmd.Op)
	}
}

// handlePosition relay the bot's position
func (b *natsBotBridge) handlePosition(msg *nats.Msg) {
	var update viewer.PositionUpdate
	if err := core.DecodeJSON(msg, &update); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to parse position update")
		return
	}
	if err := b.hub.UpdatePosition(update); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Position update failed")
	}
}

// PublishTick publish a render tick
func (b *natsBotBridge) PublishTick(tick render.Tick) error {
	return b.client.PublishJSON(b.subjects.Render, &tick)
}

// PublishBlockClick publish a viewer block click
func (b *natsBotBridge) PublishBlockClick(session render.SubscriberID, click viewer.BlockClick) {
	event := BlockClickEvent{Session: session, BlockClick: click}
	if err := b.client.PublishJSON(b.subjects.BlockClicked, &event); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to publish block click")
	}
}
