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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/viewcast/apis"
	"github.com/alwitt/viewcast/bridge"
	"github.com/alwitt/viewcast/common"
	"github.com/alwitt/viewcast/core"
	"github.com/alwitt/viewcast/render"
	"github.com/alwitt/viewcast/viewer"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// BotBridgeParams parameters for connecting the viewer server with the bot
type BotBridgeParams struct {
	// Client is the NATS client
	Client *core.NatsClient
	// SubjectPrefix is the prefix of the bridge subjects
	SubjectPrefix string
}

// RunViewerServer run the viewer server
//
// The bot bridge is only started when bridgeParams is provided.
func RunViewerServer(
	runTimeContext context.Context,
	config *common.ViewerServerConfig,
	instance string,
	bridgeParams *BotBridgeParams,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "viewer",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid viewer server config")
		return err
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Metrics

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	renderMetrics, err := render.NewMetrics(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define render metrics")
		return err
	}
	viewerMetrics, err := viewer.NewMetrics(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define viewer metrics")
		return err
	}

	// -------------------------------------------------------------------
	// Render rate coordination

	// The coordinator outlives the sessions, so it runs on the outer context
	coordinatorWG := sync.WaitGroup{}
	defer coordinatorWG.Wait()
	coordinatorCtxt, coordinatorCancel := context.WithCancel(context.Background())
	defer coordinatorCancel()

	renderTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-render", instance), coordinatorCtxt, &coordinatorWG,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define render timer")
		return err
	}
	coordinator, err := render.GetRateCoordinator(
		coordinatorCtxt, instance, config.Render, renderTimer, renderMetrics,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define rate coordinator")
		return err
	}
	if err := coordinator.AddTickHandler(func(tick render.Tick) error {
		log.WithFields(logTags).Debugf("Render tick %d at %.2f FPS", tick.Seq, tick.Rate)
		return nil
	}); err != nil {
		return err
	}

	hub, err := viewer.GetViewerHub(localCtxt, instance, config.Session, coordinator, viewerMetrics)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define viewer hub")
		return err
	}

	// -------------------------------------------------------------------
	// Bot bridge

	var botBridge bridge.BotBridge
	if bridgeParams != nil {
		botBridge, err = bridge.GetNATSBotBridge(
			bridgeParams.Client, bridge.SubjectsWithPrefix(bridgeParams.SubjectPrefix), hub,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define bot bridge")
			return err
		}
		if err := coordinator.AddTickHandler(botBridge.PublishTick); err != nil {
			return err
		}
		hub.AddBlockClickHandler(botBridge.PublishBlockClick)
	}

	if err := coordinator.Start(&coordinatorWG); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start rate coordinator")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := coordinator.Close(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during rate coordinator stop")
		}
		coordinatorCancel()
	}()

	if botBridge != nil {
		if err := botBridge.Start(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start bot bridge")
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			if err := botBridge.Stop(ctx); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failure during bot bridge stop")
			}
		}()
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestViewerHandler(hub, coordinator, &config.HTTPSetting)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.Endpoints.PathPrefix, nil)

	// Viewer sessions. Upgraded connections skip the request logging.
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/viewer/socket", map[string]http.HandlerFunc{
		"get": httpHandler.ViewerSocketHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/viewer/render", map[string]http.HandlerFunc{
		"get": httpHandler.LoggingMiddleware(httpHandler.RenderStatusHandler()),
	})

	// Primitives
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/primitive", map[string]http.HandlerFunc{
		"get": httpHandler.LoggingMiddleware(httpHandler.ListPrimitivesHandler()),
	})
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/primitive/{primitiveID}", map[string]http.HandlerFunc{
			"put":    httpHandler.LoggingMiddleware(httpHandler.DrawPrimitiveHandler()),
			"delete": httpHandler.LoggingMiddleware(httpHandler.ErasePrimitiveHandler()),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": httpHandler.ReadyHandler(),
	})

	// Metrics
	_ = apis.RegisterPathPrefix(mainRouter, "/metrics", map[string]http.HandlerFunc{
		"get": promhttp.HandlerFor(registry, promhttp.HandlerOpts{}).ServeHTTP,
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	// Viewer sessions are long lived, so no write timeout
	httpSrv := &http.Server{
		Addr:        serverListen,
		ReadTimeout: time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout: time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:     h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Hijacked viewer connections are not tracked by the HTTP server. Their sessions must
	// exit before the coordinator closes.
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := hub.Stop(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during viewer hub stop")
		}
	}

	return nil
}
