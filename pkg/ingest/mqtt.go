// Copyright 2024 Forgewatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Topic layout: telemetry/{tenant_slug}/{device_id}/{metric}.
const mqttTopicFilter = "telemetry/+/+/+"

// reconnectCap bounds the exponential backoff of all broker adapters.
const reconnectCap = 60 * time.Second

// MQTTOptions configure the MQTT subscriber.
type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// QoS for the telemetry subscription. The wire contract is QoS 1.
	QoS byte
	// InboxSize bounds the adapter's inbox.
	InboxSize int
}

// MQTTAdapter subscribes to the telemetry topic tree and funnels
// messages into the pipeline. Messages are acknowledged only once they
// are accepted into the inbox, so a full inbox defers acks and the
// broker throttles redelivery.
type MQTTAdapter struct {
	logger   log.Logger
	opts     MQTTOptions
	pipeline *Pipeline
	inbox    *Inbox
	client   mqtt.Client
}

// NewMQTTAdapter constructs the adapter. The connection is established
// by Run.
func NewMQTTAdapter(logger log.Logger, opts MQTTOptions, p *Pipeline, metrics *Metrics) *MQTTAdapter {
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	return &MQTTAdapter{
		logger:   log.With(logger, "component", "ingest-mqtt"),
		opts:     opts,
		pipeline: p,
		inbox:    NewInbox("mqtt", opts.InboxSize, metrics),
	}
}

// Run connects, subscribes and drains the inbox until ctx is cancelled.
func (a *MQTTAdapter) Run(ctx context.Context) error {
	copts := mqtt.NewClientOptions().
		AddBroker(a.opts.BrokerURL).
		SetClientID(a.opts.ClientID).
		SetUsername(a.opts.Username).
		SetPassword(a.opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectCap).
		SetAutoAckDisabled(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			_ = level.Warn(a.logger).Log("msg", "broker connection lost", "err", err)
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(mqttTopicFilter, a.opts.QoS, a.handle); token.Wait() && token.Error() != nil {
				_ = level.Error(a.logger).Log("msg", "subscribe failed", "err", token.Error())
			}
		})

	a.client = mqtt.NewClient(copts)
	if token := a.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", token.Error())
	}
	_ = level.Info(a.logger).Log("msg", "mqtt adapter started", "broker", a.opts.BrokerURL)

	err := a.inbox.Drain(ctx, a.logger, a.pipeline)
	a.client.Disconnect(250)
	return err
}

// handle parses the topic and enqueues the message. The ack is withheld
// while the inbox is full; QoS 1 redelivery retries the message.
func (a *MQTTAdapter) handle(client mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 4 || parts[0] != "telemetry" {
		_ = level.Debug(a.logger).Log("msg", "ignoring message on unexpected topic", "topic", msg.Topic())
		msg.Ack()
		return
	}
	in := Inbound{
		Protocol: "mqtt",
		// The broker authenticates client credentials; registration is
		// keyed on the device id segment.
		PeerID:  parts[2],
		Metric:  parts[3],
		Payload: msg.Payload(),
	}
	if a.inbox.TryPush(in) {
		msg.Ack()
	}
}
