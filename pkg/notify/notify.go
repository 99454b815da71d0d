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

// Package notify fans pipeline events out to their channels: email,
// hardened webhooks and the push stream. Every dispatch is recorded as
// a delivery attempt.
package notify

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// Target addresses one dispatch: a recipient and, for webhooks, the
// signing secret.
type Target struct {
	Recipient string
	Secret    string
}

// Channel delivers events to one kind of destination.
type Channel interface {
	Name() string
	// Validate rejects a target before any network activity.
	Validate(target Target) error
	// Dispatch delivers one event. Channels retry transient faults
	// internally per their own schedule.
	Dispatch(ctx context.Context, ev model.Event, target Target) error
}

// Broadcaster receives every event for the push stream, independent of
// configured actions.
type Broadcaster interface {
	Broadcast(ev model.Event)
}

// DeliveryStore persists delivery attempts.
type DeliveryStore interface {
	ActionsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*model.Action, error)
	RecordDelivery(ctx context.Context, d *model.DeliveryAttempt) error
	UpdateDeliveryStatus(ctx context.Context, tenantID, id uuid.UUID, status model.DeliveryStatus, errMsg string) error
}

type item struct {
	attemptID uuid.UUID
	ev        model.Event
	target    Target
}

type registered struct {
	channel Channel
	queue   chan item
	workers int
}

// Dispatcher routes events to registered channels through bounded
// per-channel queues. A full queue rejects with a backpressure error;
// callers log and retry on their next tick.
type Dispatcher struct {
	logger      log.Logger
	store       DeliveryStore
	broadcaster Broadcaster
	channels    map[string]*registered
	now         func() time.Time

	dispatched *prometheus.CounterVec
	failed     *prometheus.CounterVec
	rejected   *prometheus.CounterVec
}

// NewDispatcher constructs a dispatcher. broadcaster may be nil.
func NewDispatcher(logger log.Logger, reg prometheus.Registerer, store DeliveryStore, broadcaster Broadcaster) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Dispatcher{
		logger:      log.With(logger, "component", "dispatch"),
		store:       store,
		broadcaster: broadcaster,
		channels:    map[string]*registered{},
		now:         time.Now,
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_notify_dispatched_total",
			Help: "Number of notifications dispatched successfully.",
		}, []string{"channel"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_notify_failed_total",
			Help: "Number of notifications that failed after channel retries.",
		}, []string{"channel"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_notify_backpressure_total",
			Help: "Number of notifications rejected because a channel queue was full.",
		}, []string{"channel"}),
	}
	if reg != nil {
		reg.MustRegister(d.dispatched, d.failed, d.rejected)
	}
	return d
}

// Register adds a channel with its queue bound and worker count.
// Must be called before Run.
func (d *Dispatcher) Register(ch Channel, queueSize, workers int) {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 2
	}
	d.channels[ch.Name()] = &registered{
		channel: ch,
		queue:   make(chan item, queueSize),
		workers: workers,
	}
}

// Run drains the channel queues until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for _, r := range d.channels {
		for i := 0; i < r.workers; i++ {
			go d.worker(ctx, r)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context, r *registered) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.queue:
			d.deliver(ctx, r.channel, it)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, it item) {
	err := ch.Dispatch(ctx, it.ev, it.target)
	if err != nil {
		d.failed.WithLabelValues(ch.Name()).Inc()
		msg := model.CodeOf(err)
		if msg == "" {
			msg = err.Error()
		}
		_ = level.Warn(d.logger).Log("msg", "delivery failed",
			"channel", ch.Name(), "recipient", it.target.Recipient, "err", err)
		d.updateStatus(ctx, it, model.DeliveryFailed, msg)
		return
	}
	d.dispatched.WithLabelValues(ch.Name()).Inc()
	d.updateStatus(ctx, it, model.DeliverySent, "")
}

func (d *Dispatcher) updateStatus(ctx context.Context, it item, status model.DeliveryStatus, errMsg string) {
	if err := d.store.UpdateDeliveryStatus(ctx, it.ev.TenantID, it.attemptID, status, errMsg); err != nil {
		_ = level.Warn(d.logger).Log("msg", "delivery status update failed", "attempt", it.attemptID, "err", err)
	}
}

// Notify broadcasts the event on the push stream and fans it out to the
// referenced actions.
func (d *Dispatcher) Notify(ctx context.Context, ev model.Event, actionIDs []uuid.UUID) error {
	if d.broadcaster != nil {
		d.broadcaster.Broadcast(ev)
	}
	if len(actionIDs) == 0 {
		return nil
	}
	actions, err := d.store.ActionsByIDs(ctx, ev.TenantID, actionIDs)
	if err != nil {
		return err
	}
	var firstErr error
	for _, action := range actions {
		name := channelName(action.Kind)
		err := d.enqueue(ctx, name, ev, Target{Recipient: action.Address, Secret: action.Secret})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Direct enqueues one event for one recipient on a named channel. Used
// by the escalation engine.
func (d *Dispatcher) Direct(ctx context.Context, ev model.Event, channel, recipient string) error {
	return d.enqueue(ctx, channel, ev, Target{Recipient: recipient})
}

func channelName(kind model.ActionKind) string {
	switch kind {
	case model.ActionEmail:
		return "email"
	case model.ActionWebhook:
		return "webhook"
	case model.ActionPush:
		return "push"
	}
	return string(kind)
}

// enqueue validates the target, records the attempt and queues it.
// Validation failures are recorded as failed deliveries without any
// network activity.
func (d *Dispatcher) enqueue(ctx context.Context, channel string, ev model.Event, target Target) error {
	r, ok := d.channels[channel]
	if !ok {
		return model.Errorf(model.KindValidation, "unknown_channel", "no channel %q registered", channel)
	}
	it := item{attemptID: uuid.New(), ev: ev, target: target}
	attempt := &model.DeliveryAttempt{
		ID:        it.attemptID,
		TenantID:  ev.TenantID,
		AlertID:   ev.AlertID,
		Channel:   channel,
		Recipient: target.Recipient,
		Status:    model.DeliveryQueued,
		At:        d.now(),
	}
	if err := d.store.RecordDelivery(ctx, attempt); err != nil {
		return err
	}
	if err := r.channel.Validate(target); err != nil {
		d.failed.WithLabelValues(channel).Inc()
		code := model.CodeOf(err)
		if code == "" {
			code = err.Error()
		}
		d.updateStatus(ctx, it, model.DeliveryFailed, code)
		return err
	}
	select {
	case r.queue <- it:
		return nil
	default:
		d.rejected.WithLabelValues(channel).Inc()
		d.updateStatus(ctx, it, model.DeliveryFailed, "backpressure")
		return model.Errorf(model.KindTransient, "backpressure", "channel %q queue is full", channel)
	}
}
