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
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPOptions configure the AMQP 0-9-1 consumer.
type AMQPOptions struct {
	URL string
	// Queues are the tenant ingest queues, telemetry.ingest.{slug}.
	Queues []string
	// Prefetch bounds unacked deliveries per channel.
	Prefetch  int
	InboxSize int
}

// AMQPAdapter consumes the tenant ingest queues with manual acks.
// Deliveries are acked only after inbox acceptance; a full inbox defers
// acks so the broker throttles on the prefetch window.
type AMQPAdapter struct {
	logger   log.Logger
	opts     AMQPOptions
	pipeline *Pipeline
	inbox    *Inbox
}

// NewAMQPAdapter constructs the adapter.
func NewAMQPAdapter(logger log.Logger, opts AMQPOptions, p *Pipeline, metrics *Metrics) *AMQPAdapter {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 64
	}
	return &AMQPAdapter{
		logger:   log.With(logger, "component", "ingest-amqp"),
		opts:     opts,
		pipeline: p,
		inbox:    NewInbox("amqp", opts.InboxSize, metrics),
	}
}

// Run consumes until ctx is cancelled, reconnecting with exponential
// backoff capped at one minute.
func (a *AMQPAdapter) Run(ctx context.Context) error {
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.MaxInterval = reconnectCap
		bo.MaxElapsedTime = 0
		for {
			if ctx.Err() != nil {
				return
			}
			if err := a.consume(ctx); err != nil && ctx.Err() == nil {
				wait := bo.NextBackOff()
				_ = level.Warn(a.logger).Log("msg", "amqp consume ended, reconnecting", "err", err, "backoff", wait)
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				continue
			}
			bo.Reset()
		}
	}()
	return a.inbox.Drain(ctx, a.logger, a.pipeline)
}

func (a *AMQPAdapter) consume(ctx context.Context) error {
	conn, err := amqp.Dial(a.opts.URL)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(a.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("amqp qos: %w", err)
	}

	deliveries := make(chan amqp.Delivery)
	for _, queue := range a.opts.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("amqp declare %s: %w", queue, err)
		}
		qd, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("amqp consume %s: %w", queue, err)
		}
		go func() {
			for d := range qd {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	_ = level.Info(a.logger).Log("msg", "amqp adapter consuming", "queues", len(a.opts.Queues))

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closed:
			return fmt.Errorf("amqp connection closed: %v", cerr)
		case d := <-deliveries:
			a.handle(d)
		}
	}
}

// handle enqueues one delivery. The payload is the shared wire JSON;
// device and metric travel as message headers. A full inbox nacks with
// requeue, which combined with the prefetch window throttles the broker.
func (a *AMQPAdapter) handle(d amqp.Delivery) {
	in := Inbound{
		Protocol: "amqp",
		PeerID:   headerString(d.Headers, "device_id"),
		Metric:   headerString(d.Headers, "metric"),
		Payload:  d.Body,
	}
	if a.inbox.TryPush(in) {
		_ = d.Ack(false)
	} else {
		_ = d.Nack(false, true)
	}
}

func headerString(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[key].(string); ok {
		return v
	}
	return ""
}
