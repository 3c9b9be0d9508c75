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
	"time"

	"github.com/alwitt/viewcast/common"
	"github.com/alwitt/viewcast/render"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// viewerSession one connected viewer
//
// A session has one reader, and one writer goroutine. Everything sent to the viewer goes
// through the bounded send queue, which the writer drains.
type viewerSession struct {
	common.Component
	id           render.SubscriberID
	conn         *websocket.Conn
	send         chan []byte
	limiter      *rate.Limiter
	writeTimeout time.Duration
	pingInterval time.Duration
}

// newViewerSession define a new viewer session
func newViewerSession(
	id render.SubscriberID,
	conn *websocket.Conn,
	config common.ViewerSessionConfig,
	logTags log.Fields,
) *viewerSession {
	return &viewerSession{
		Component:    common.Component{LogTags: logTags},
		id:           id,
		conn:         conn,
		send:         make(chan []byte, config.SendBuffer),
		limiter:      rate.NewLimiter(rate.Limit(config.InboundRateLimit), config.InboundBurst),
		writeTimeout: time.Second * time.Duration(config.WriteTimeout),
		pingInterval: time.Second * time.Duration(config.PingInterval),
	}
}

// pongWait how long to wait for any message, including pong, from the viewer
func (s *viewerSession) pongWait() time.Duration {
	return s.pingInterval * 2
}

// enqueue queue a frame for delivery. Returns false if the send queue is full.
func (s *viewerSession) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// write send one frame to the viewer
func (s *viewerSession) write(messageType int, frame []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, frame)
}

// writeLoop deliver the initial frames, and then whatever is queued, until the context ends
func (s *viewerSession) writeLoop(ctxt context.Context, initial [][]byte) error {
	for _, frame := range initial {
		if err := s.write(websocket.TextMessage, frame); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failed to send session setup")
			return err
		}
	}

	pinger := time.NewTicker(s.pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctxt.Done():
			// Say goodbye. The viewer may already be gone.
			_ = s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout),
			)
			return nil
		case frame := <-s.send:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to send message")
				return err
			}
		case <-pinger.C:
			if err := s.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(s.writeTimeout),
			); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failed to send ping")
				return err
			}
		}
	}
}

// readLoop read messages from the viewer until the connection fails, or the context ends
//
// Messages are passed to the handler in the order received. The reader waits on the
// session's inbound limiter before reading the next message.
func (s *viewerSession) readLoop(ctxt context.Context, handler func(raw []byte)) error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait())); err != nil {
		return err
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})
	for {
		if err := s.limiter.Wait(ctxt); err != nil {
			return err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(s.LogTags).Error("Viewer connection failed")
				return err
			}
			log.WithFields(s.LogTags).Debug("Viewer connection closed")
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWait())); err != nil {
			return err
		}
		handler(raw)
	}
}
