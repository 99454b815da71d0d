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

// Package ingest funnels device telemetry from all supported protocols
// into the unified telemetry record and the store.
package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/store"
	"github.com/forgewatch/forge-engine/pkg/tenant"
)

// TelemetryStore is the slice of the store the pipeline writes to.
type TelemetryStore interface {
	Append(ctx context.Context, rec *model.TelemetryRecord) error
	ResolveRegistration(ctx context.Context, protocol, peerID string) (*store.Registration, error)
	InsertDeadLetter(ctx context.Context, dl *store.DeadLetter) error
}

// Invalidator drops cached snapshots after a telemetry write.
type Invalidator interface {
	InvalidateDevice(ctx context.Context, tenantID, deviceID uuid.UUID)
}

// TenantResolver resolves tenant contexts at the ingestion boundary
// and enforces the daily telemetry quota.
type TenantResolver interface {
	Resolve(ctx context.Context, id uuid.UUID) (*tenant.Context, error)
	CheckQuota(ctx context.Context, tc *tenant.Context, q tenant.Quota) error
}

// Metrics are the shared ingestion counters, labeled by protocol.
type Metrics struct {
	Ingested     *prometheus.CounterVec
	Rejected     *prometheus.CounterVec
	UnknownPeers *prometheus.CounterVec
	DeadLetters  *prometheus.CounterVec
	InboxFull    *prometheus.CounterVec
}

// NewMetrics registers the ingestion counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingest_records_total",
			Help: "Number of telemetry records accepted and appended.",
		}, []string{"protocol"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingest_rejected_total",
			Help: "Number of payloads rejected at validation.",
		}, []string{"protocol", "reason"}),
		UnknownPeers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingest_unknown_peers_total",
			Help: "Number of messages from peers with no device registration.",
		}, []string{"protocol"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingest_dead_letters_total",
			Help: "Number of payloads dropped to the dead-letter sink.",
		}, []string{"protocol"}),
		InboxFull: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingest_inbox_full_total",
			Help: "Number of messages deferred or dropped because the adapter inbox was full.",
		}, []string{"protocol"}),
	}
	if reg != nil {
		reg.MustRegister(m.Ingested, m.Rejected, m.UnknownPeers, m.DeadLetters, m.InboxFull)
	}
	return m
}

// Pipeline is the protocol-independent half of ingestion: resolve the
// peer, parse, validate, append, invalidate.
type Pipeline struct {
	logger  log.Logger
	store   TelemetryStore
	cache   Invalidator
	tenants TenantResolver
	metrics *Metrics
	now     func() time.Time

	// validation swaps atomically on config reload.
	validation atomic.Pointer[Validation]
}

// NewPipeline wires the ingestion pipeline.
func NewPipeline(logger log.Logger, st TelemetryStore, cache Invalidator, tenants TenantResolver, v *Validation, metrics *Metrics) *Pipeline {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if v == nil {
		v = &Validation{}
	}
	p := &Pipeline{
		logger:  logger,
		store:   st,
		cache:   cache,
		tenants: tenants,
		metrics: metrics,
		now:     time.Now,
	}
	p.validation.Store(v)
	return p
}

// SetValidation replaces the validation policy. Called on config
// reload; in-flight messages finish against the policy they started
// with.
func (p *Pipeline) SetValidation(v *Validation) {
	if v == nil {
		v = &Validation{}
	}
	p.validation.Store(v)
}

// Inbound is one raw message handed over by a protocol adapter.
type Inbound struct {
	Protocol string
	// PeerID is the protocol-level peer identity (MQTT client id, AMQP
	// queue suffix, CoAP token subject, OPC-UA session name).
	PeerID string
	// Metric as addressed on the wire (topic segment, node name).
	Metric  string
	Payload []byte
}

// Ingest runs one message through the full pipeline. Validation
// failures land in the dead-letter sink and are not returned as errors;
// only infrastructure failures surface, so adapters can decide whether
// to redeliver.
func (p *Pipeline) Ingest(ctx context.Context, in Inbound) error {
	reg, err := p.store.ResolveRegistration(ctx, in.Protocol, in.PeerID)
	if err != nil {
		if model.IsNotFound(err) {
			p.metrics.UnknownPeers.WithLabelValues(in.Protocol).Inc()
			_ = level.Warn(p.logger).Log("msg", "rejecting unknown peer", "protocol", in.Protocol, "peer", in.PeerID)
			return nil
		}
		return err
	}
	tc, err := p.tenants.Resolve(ctx, reg.TenantID)
	if err != nil {
		return err
	}
	if !tc.CanWrite() {
		p.reject(in, "tenant_suspended")
		return nil
	}
	if err := p.tenants.CheckQuota(ctx, tc, tenant.QuotaTelemetryPerDay); err != nil {
		if model.KindOf(err) == model.KindQuotaExceeded {
			p.reject(in, "quota_exceeded")
			return nil
		}
		return err
	}

	ts, value, unit, attrs, err := ParsePayload(in.Payload)
	if err != nil {
		p.deadLetter(ctx, in, err)
		return nil
	}
	if err := p.validation.Load().Check(in.Metric, value, ts, p.now()); err != nil {
		p.deadLetter(ctx, in, err)
		return nil
	}

	rec := &model.TelemetryRecord{
		TenantID:   tc.TenantID,
		DeviceID:   reg.DeviceID,
		Timestamp:  ts,
		Metric:     in.Metric,
		Value:      value,
		Unit:       unit,
		Attributes: attrs,
	}
	if err := p.appendWithRetry(ctx, rec); err != nil {
		return err
	}
	p.cache.InvalidateDevice(ctx, tc.TenantID, reg.DeviceID)
	p.metrics.Ingested.WithLabelValues(in.Protocol).Inc()
	return nil
}

// appendWithRetry retries transient store faults with bounded backoff.
// Permanent faults surface immediately.
func (p *Pipeline) appendWithRetry(ctx context.Context, rec *model.TelemetryRecord) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := p.store.Append(ctx, rec)
		if err != nil && !model.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func (p *Pipeline) reject(in Inbound, reason string) {
	p.metrics.Rejected.WithLabelValues(in.Protocol, reason).Inc()
	_ = level.Debug(p.logger).Log("msg", "payload rejected", "protocol", in.Protocol, "peer", in.PeerID, "reason", reason)
}

func (p *Pipeline) deadLetter(ctx context.Context, in Inbound, cause error) {
	reason := model.CodeOf(cause)
	if reason == "" {
		reason = cause.Error()
	}
	p.metrics.Rejected.WithLabelValues(in.Protocol, reason).Inc()
	p.metrics.DeadLetters.WithLabelValues(in.Protocol).Inc()
	dl := &store.DeadLetter{
		ID:       uuid.New(),
		Protocol: in.Protocol,
		Peer:     in.PeerID,
		Payload:  in.Payload,
		Reason:   cause.Error(),
		At:       p.now(),
	}
	if err := p.store.InsertDeadLetter(ctx, dl); err != nil {
		_ = level.Error(p.logger).Log("msg", "dead-letter insert failed", "protocol", in.Protocol, "err", err)
	}
}

// Inbox is the bounded buffer between a protocol listener and its drain
// loop. Draining is single-threaded so records of one device stream are
// appended in receive order.
type Inbox struct {
	ch       chan Inbound
	metrics  *Metrics
	protocol string
}

// NewInbox returns an inbox with the given capacity.
func NewInbox(protocol string, capacity int, metrics *Metrics) *Inbox {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Inbox{
		ch:       make(chan Inbound, capacity),
		metrics:  metrics,
		protocol: protocol,
	}
}

// TryPush enqueues a message, reporting false when the inbox is full.
// The adapter translates false into its protocol's backpressure signal.
func (b *Inbox) TryPush(in Inbound) bool {
	select {
	case b.ch <- in:
		return true
	default:
		b.metrics.InboxFull.WithLabelValues(b.protocol).Inc()
		return false
	}
}

// Drain processes inbox messages until ctx is cancelled. Per-message
// errors are logged; the loop never stops on a bad message.
func (b *Inbox) Drain(ctx context.Context, logger log.Logger, p *Pipeline) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-b.ch:
			if err := p.Ingest(ctx, in); err != nil {
				_ = level.Error(logger).Log("msg", "ingest failed", "protocol", in.Protocol, "peer", in.PeerID, "err", err)
			}
		}
	}
}
