// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Package mqtt publishes changed channel values and accepts write values:
//
//	<prefix>/<bridge>/<component>/<channel>      value as JSON, retained
//	<prefix>/<bridge>/<component>/<channel>/set  next write value
//	<prefix>/status                              online / offline
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/grid-x/modbusbridge/bridge"
	"github.com/grid-x/modbusbridge/codec"
	"github.com/grid-x/modbusbridge/internal/config"
	"github.com/grid-x/modbusbridge/protocol"
)

const (
	publishTimeout = 5 * time.Second
	setSuffix      = "set"
)

// Client is the part of paho.Client the adapter uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

// NewClient creates a paho client for cfg. Subscriptions survive reconnects.
func NewClient(cfg config.MQTTConfig, logger *zap.Logger) paho.Client {
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetWill(statusTopic(cfg.TopicPrefix), "offline", 1, true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(c paho.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
		c.Publish(statusTopic(cfg.TopicPrefix), 1, true, "online")
	})
	return paho.NewClient(opts)
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// Adapter connects the bridges to a broker.
type Adapter struct {
	client  Client
	prefix  string
	qos     byte
	bridges map[string]*bridge.Bridge
	logger  *zap.Logger

	// retry is the connect schedule; nil uses an unbounded exponential one.
	retry func() backoff.BackOff
}

// New creates an adapter publishing below prefix.
func New(client Client, prefix string, qos byte, bridges []*bridge.Bridge, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		bridges: make(map[string]*bridge.Bridge, len(bridges)),
		logger:  logger,
	}
	for _, b := range bridges {
		a.bridges[b.Name()] = b
	}
	return a
}

// Topic returns the value topic of a channel.
func (a *Adapter) Topic(bridgeName, component string, ch protocol.ChannelID) string {
	return fmt.Sprintf("%s/%s/%s/%s", a.prefix, bridgeName, component, ch)
}

// Run connects, subscribes to set topics and publishes every new image
// until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer a.client.Disconnect(250)

	setTopic := a.prefix + "/+/+/+/" + setSuffix
	if err := wait(a.client.Subscribe(setTopic, a.qos, a.handleSet)); err != nil {
		return fmt.Errorf("mqtt: subscribe %s: %w", setTopic, err)
	}

	var wg sync.WaitGroup
	for name, b := range a.bridges {
		images, cancel := b.Subscribe(1)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			a.forward(ctx, name, images)
		}(name)
		defer cancel()
	}

	<-ctx.Done()
	wg.Wait()
	a.client.Unsubscribe(setTopic)
	a.client.Publish(statusTopic(a.prefix), 1, true, "offline")
	return nil
}

func (a *Adapter) connect(ctx context.Context) error {
	var b backoff.BackOff
	if a.retry != nil {
		b = a.retry()
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = 0
		eb.MaxInterval = 30 * time.Second
		b = eb
	}
	return backoff.RetryNotify(func() error {
		return wait(a.client.Connect())
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		a.logger.Warn("MQTT connect failed", zap.Error(err), zap.Duration("retry_in", d))
	})
}

func wait(t paho.Token) error {
	if !t.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt: timeout after %v", publishTimeout)
	}
	return t.Error()
}

// forward publishes the values that changed between consecutive images.
func (a *Adapter) forward(ctx context.Context, name string, images <-chan *bridge.Image) {
	var prev *bridge.Image
	for {
		select {
		case <-ctx.Done():
			return
		case img, ok := <-images:
			if !ok {
				return
			}
			a.publish(name, img.Changed(prev))
			prev = img
		}
	}
}

func (a *Adapter) publish(name string, changed map[string]bridge.Values) {
	for component, values := range changed {
		for ch, v := range values {
			payload, err := v.MarshalJSON()
			if err != nil {
				a.logger.Warn("cannot encode value", zap.String("channel", string(ch)), zap.Error(err))
				continue
			}
			topic := a.Topic(name, component, ch)
			if err := wait(a.client.Publish(topic, a.qos, true, payload)); err != nil {
				a.logger.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
			}
		}
	}
}

// handleSet queues the payload of a set topic as next write value. The
// payload is a JSON scalar or a bare word; null withdraws a queued value.
func (a *Adapter) handleSet(_ paho.Client, msg paho.Message) {
	topic := strings.TrimPrefix(msg.Topic(), a.prefix+"/")
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != setSuffix {
		a.logger.Warn("unexpected set topic", zap.String("topic", msg.Topic()))
		return
	}
	b, ok := a.bridges[parts[0]]
	if !ok {
		a.logger.Warn("set for unknown bridge", zap.String("topic", msg.Topic()))
		return
	}
	v := codec.ParseValue(strings.Trim(strings.TrimSpace(string(msg.Payload())), `"`))
	if err := b.SetNextWriteValue(parts[1], protocol.ChannelID(parts[2]), v); err != nil {
		a.logger.Warn("set rejected", zap.String("topic", msg.Topic()), zap.Error(err))
		return
	}
	a.logger.Debug("write value queued", zap.String("topic", msg.Topic()), zap.Stringer("value", v))
}
