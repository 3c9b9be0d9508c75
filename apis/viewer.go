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

package apis

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/viewcast/common"
	"github.com/alwitt/viewcast/render"
	"github.com/alwitt/viewcast/viewer"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIRestViewerHandler REST handler for the viewer server
type APIRestViewerHandler struct {
	goutils.RestAPIHandler
	hub         viewer.ViewerHub
	coordinator render.RateCoordinator
	upgrader    websocket.Upgrader
}

// GetAPIRestViewerHandler define APIRestViewerHandler
func GetAPIRestViewerHandler(
	hub viewer.ViewerHub,
	coordinator render.RateCoordinator,
	httpConfig *common.HTTPConfig,
) (APIRestViewerHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "viewer",
	}
	if hub == nil || coordinator == nil {
		return APIRestViewerHandler{}, fmt.Errorf("viewer hub and rate coordinator are required")
	}
	return APIRestViewerHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		hub:         hub,
		coordinator: coordinator,
		// Viewers are served from anywhere
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// =======================================================================
// Viewer sessions

// -----------------------------------------------------------------------

// ViewerSocket godoc
// @Summary Establish a viewer session
// @Description Upgrade to a websocket viewer session. The session first receives its ID,
// the game version, all current primitives, and the last known bot position. Afterwards
// it receives primitive and position changes. The viewer reports its desired render rate
// with "renderFPS" messages.
// @tags Viewer
// @Param Viewcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/viewer/socket [get]
func (h APIRestViewerHandler) ViewerSocket(w http.ResponseWriter, r *http.Request) {
	params := common.SessionParam{ID: uuid.New().String(), RemoteAddr: r.RemoteAddr}
	if h.CallRequestIDHeaderField != nil {
		params.RequestID = r.Header.Get(*h.CallRequestIDHeaderField)
	}
	logTags := log.Fields{}
	for k, v := range h.LogTags {
		logTags[k] = v
	}
	params.UpdateLogTags(logTags)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already responded
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	if err := h.hub.ServeSession(conn, params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Viewer session failed")
	}
}

// ViewerSocketHandler Wrapper around ViewerSocket
func (h APIRestViewerHandler) ViewerSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ViewerSocket(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRenderStatus response with the render rate status
type APIRestRespRenderStatus struct {
	goutils.RestAPIBaseResponse
	// Render is the render rate status
	Render render.RateStatus `json:"render"`
}

// RenderStatus godoc
// @Summary Query the render rate
// @Description Query the shared render rate, and which viewer holds it
// @tags Viewer
// @Produce json
// @Param Viewcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespRenderStatus "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Viewcast-Request-ID "Request ID to match against logs"
// @Router /v1/viewer/render [get]
func (h APIRestViewerHandler) RenderStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	status, err := h.coordinator.Status(r.Context())
	if err != nil {
		msg := "Unable to query render status"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespRenderStatus{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Render: status,
	}
}

// RenderStatusHandler Wrapper around RenderStatus
func (h APIRestViewerHandler) RenderStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RenderStatus(w, r)
	}
}

// =======================================================================
// Primitives

// -----------------------------------------------------------------------

// APIRestRespPrimitives response with the current primitives
type APIRestRespPrimitives struct {
	goutils.RestAPIBaseResponse
	// Primitives are the current primitives in draw order
	Primitives []viewer.Primitive `json:"primitives"`
}

// ListPrimitives godoc
// @Summary List primitives
// @Description List the primitives currently drawn, in the order they were first drawn
// @tags Primitive
// @Produce json
// @Param Viewcast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespPrimitives "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Viewcast-Request-ID "Request ID to match against logs"
// @Router /v1/primitive [get]
func (h APIRestViewerHandler) ListPrimitives(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespPrimitives{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Primitives: h.hub.Primitives(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListPrimitivesHandler Wrapper around ListPrimitives
func (h APIRestViewerHandler) ListPrimitivesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListPrimitives(w, r)
	}
}

// -----------------------------------------------------------------------

// DrawPrimitive godoc
// @Summary Draw a primitive
// @Description Draw a primitive, or replace the primitive with the same ID. The change is
// pushed to every viewer.
// @tags Primitive
// @Accept json
// @Produce json
// @Param Viewcast-Request-ID header string false "User provided request ID to match against logs"
// @Param primitiveID path string true "Primitive ID"
// @Param primitive body viewer.Primitive true "Primitive to draw"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Viewcast-Request-ID "Request ID to match against logs"
// @Router /v1/primitive/{primitiveID} [put]
func (h APIRestViewerHandler) DrawPrimitive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	primitiveID, ok := vars["primitiveID"]
	if !ok {
		msg := "No primitive ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	// Parse the parameters
	var primitive viewer.Primitive
	if err := json.NewDecoder(r.Body).Decode(&primitive); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if primitive.ID != "" && primitive.ID != primitiveID {
		msg := "Primitive ID mismatch"
		detail := fmt.Sprintf("body ID '%s' != path ID '%s'", primitive.ID, primitiveID)
		log.WithFields(localLogTags).Errorf(detail)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, detail)
		return
	}
	primitive.ID = primitiveID

	if err := h.hub.DrawPrimitive(primitive); err != nil {
		msg := "Invalid primitive"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DrawPrimitiveHandler Wrapper around DrawPrimitive
func (h APIRestViewerHandler) DrawPrimitiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DrawPrimitive(w, r)
	}
}

// -----------------------------------------------------------------------

// ErasePrimitive godoc
// @Summary Erase a primitive
// @Description Erase a primitive. The removal is pushed to every viewer.
// @tags Primitive
// @Produce json
// @Param Viewcast-Request-ID header string false "User provided request ID to match against logs"
// @Param primitiveID path string true "Primitive ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Viewcast-Request-ID "Request ID to match against logs"
// @Router /v1/primitive/{primitiveID} [delete]
func (h APIRestViewerHandler) ErasePrimitive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	primitiveID, ok := vars["primitiveID"]
	if !ok {
		msg := "No primitive ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, msg)
		return
	}

	if err := h.hub.Erase(primitiveID); err != nil {
		msg := "Failed to erase primitive"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ErasePrimitiveHandler Wrapper around ErasePrimitive
func (h APIRestViewerHandler) ErasePrimitiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ErasePrimitive(w, r)
	}
}

// =======================================================================
// Health

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For viewer server liveness check
// @Description Will return success to indicate the viewer server is live
// @tags Viewer
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestViewerHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestViewerHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For viewer server readiness check
// @Description Will return success if the render coordinator is processing events
// @tags Viewer
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestViewerHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if _, err := h.coordinator.Status(r.Context()); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestViewerHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
