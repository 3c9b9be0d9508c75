package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/viewcast/common"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient NATS client used by the bot bridge
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// Close close a NATS client
func (c *NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// NATs fetch the NATS client
func (c *NatsClient) NATs() *nats.Conn {
	return c.nc
}

// SubscribeAll subscribe to every subject in the handler map
//
// Either all subscriptions are made, or none remain. The server has registered the
// subscriptions when this returns.
func (c *NatsClient) SubscribeAll(
	ctxt context.Context, handlers map[string]nats.MsgHandler,
) ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handler := range handlers {
		sub, err := c.nc.Subscribe(subject, handler)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to subscribe to %s", subject)
			c.UnsubscribeAll(subs)
			return nil, err
		}
		log.WithFields(c.LogTags).Debugf("Subscribed to %s", subject)
		subs = append(subs, sub)
	}
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Subscription flush failed")
		c.UnsubscribeAll(subs)
		return nil, err
	}
	return subs, nil
}

// UnsubscribeAll release subscriptions. Failures are logged.
func (c *NatsClient) UnsubscribeAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf("Unable to unsubscribe %s", sub.Subject)
		}
	}
}

// PublishJSON serialize a payload as JSON, and publish it on a subject
func (c *NatsClient) PublishJSON(subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("unable to serialize payload for %s: %w", subject, err)
	}
	return c.nc.Publish(subject, data)
}

// DecodeJSON parse a received message as JSON
func DecodeJSON(msg *nats.Msg, target interface{}) error {
	if err := json.Unmarshal(msg.Data, target); err != nil {
		return fmt.Errorf("unable to parse message on %s: %w", msg.Subject, err)
	}
	return nil
}

// GetNATSClient define a new NATS client
func GetNATSClient(param NATSConnectParams) (*NatsClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "nats-client",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return &NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
