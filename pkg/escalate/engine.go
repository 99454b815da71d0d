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

// Package escalate walks alerts through their escalation policy tiers
// until someone acknowledges. Pending tier fires are persisted and kept
// in an in-memory queue keyed by fire time; firing re-reads the alert
// state so a cancellation race costs at most one spurious notification
// per tier.
package escalate

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/oncall"
	"github.com/forgewatch/forge-engine/pkg/store"
)

// Store is the slice of the persistence layer the engine drives.
type Store interface {
	AlertByID(ctx context.Context, tenantID, alertID uuid.UUID) (*model.Alert, error)
	PoliciesByTenant(ctx context.Context, tenantID uuid.UUID) ([]*model.EscalationPolicy, error)
	PolicyByID(ctx context.Context, tenantID, policyID uuid.UUID) (*model.EscalationPolicy, error)
	ScheduleTier(ctx context.Context, t *store.EscalationTimer) error
	PendingTimers(ctx context.Context) ([]store.EscalationTimer, error)
	HasPendingTimers(ctx context.Context, tenantID, alertID uuid.UUID) (bool, error)
	MarkTimerFired(ctx context.Context, tenantID, timerID uuid.UUID) (bool, error)
	CancelTimersForAlert(ctx context.Context, tenantID, alertID uuid.UUID) error
	UsersWithRole(ctx context.Context, tenantID uuid.UUID, role string) ([]string, error)
	ScheduleByID(ctx context.Context, tenantID, scheduleID uuid.UUID) (*model.OnCallSchedule, error)
}

// Dispatcher delivers one event to one recipient over one channel.
type Dispatcher interface {
	Direct(ctx context.Context, ev model.Event, channel, recipient string) error
}

// timerQueue is a min-heap of pending tier fires by fire time.
type timerQueue []store.EscalationTimer

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].FireAt.Before(q[j].FireAt) }
func (q timerQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *timerQueue) Push(x any)        { *q = append(*q, x.(store.EscalationTimer)) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	*q = old[:n-1]
	return t
}

// Engine schedules and fires escalation tiers.
type Engine struct {
	logger     log.Logger
	store      Store
	dispatcher Dispatcher
	now        func() time.Time

	mu    sync.Mutex
	queue timerQueue
	wake  chan struct{}

	tiersFired     prometheus.Counter
	tiersCancelled prometheus.Counter
	unassigned     prometheus.Counter
	dispatchFailed prometheus.Counter
}

// NewEngine wires the engine.
func NewEngine(logger log.Logger, reg prometheus.Registerer, st Store, dispatcher Dispatcher) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		logger:     log.With(logger, "component", "escalation"),
		store:      st,
		dispatcher: dispatcher,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		tiersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_escalation_tiers_fired_total",
			Help: "Number of escalation tiers fired.",
		}),
		tiersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_escalation_tiers_cancelled_total",
			Help: "Number of due tiers skipped because the alert had settled.",
		}),
		unassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_escalation_unassigned_total",
			Help: "Number of tier fires whose schedule resolved to unassigned with no secondary.",
		}),
		dispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_escalation_dispatch_failures_total",
			Help: "Number of tier notifications that failed to dispatch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.tiersFired, e.tiersCancelled, e.unassigned, e.dispatchFailed)
	}
	return e
}

// AlertCreated schedules the first tier of the first policy matching
// the alert's severity. No matching policy means no escalation.
func (e *Engine) AlertCreated(ctx context.Context, a *model.Alert) error {
	policies, err := e.store.PoliciesByTenant(ctx, a.TenantID)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if p.Matches(a.Severity) {
			return e.scheduleTier(ctx, a.TenantID, a.ID, p, 0)
		}
	}
	return nil
}

// AlertSettled cancels all pending tiers of an alert.
func (e *Engine) AlertSettled(ctx context.Context, tenantID, alertID uuid.UUID) error {
	return e.store.CancelTimersForAlert(ctx, tenantID, alertID)
}

// AlertBreached restarts escalation for an unsettled alert whose tiers
// have all fired. Alerts with a tier still pending are left alone.
func (e *Engine) AlertBreached(ctx context.Context, a *model.Alert) error {
	pending, err := e.store.HasPendingTimers(ctx, a.TenantID, a.ID)
	if err != nil || pending {
		return err
	}
	return e.AlertCreated(ctx, a)
}

func (e *Engine) scheduleTier(ctx context.Context, tenantID, alertID uuid.UUID, p *model.EscalationPolicy, tier int) error {
	if tier >= len(p.Tiers) {
		return nil
	}
	t := store.EscalationTimer{
		ID:       uuid.New(),
		TenantID: tenantID,
		AlertID:  alertID,
		PolicyID: p.ID,
		Tier:     tier,
		FireAt:   e.now().Add(p.Tiers[tier].Wait),
	}
	if err := e.store.ScheduleTier(ctx, &t); err != nil {
		return err
	}
	e.mu.Lock()
	heap.Push(&e.queue, t)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run fires due timers until ctx is cancelled. The queue is rebuilt
// from persisted timers on start, so pending tiers survive restarts.
func (e *Engine) Run(ctx context.Context) error {
	pending, err := e.store.PendingTimers(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.queue = append(e.queue, pending...)
	heap.Init(&e.queue)
	e.mu.Unlock()
	_ = level.Info(e.logger).Log("msg", "escalation engine started", "pending", len(pending))

	for {
		wait := e.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
		for {
			t, ok := e.popDue()
			if !ok {
				break
			}
			e.fire(ctx, t)
		}
	}
}

func (e *Engine) nextWait() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return time.Minute
	}
	wait := time.Until(e.queue[0].FireAt)
	if wait < 0 {
		return 0
	}
	return wait
}

func (e *Engine) popDue() (store.EscalationTimer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 || e.queue[0].FireAt.After(e.now()) {
		return store.EscalationTimer{}, false
	}
	return heap.Pop(&e.queue).(store.EscalationTimer), true
}

// fire delivers one due tier. The fired flag flips first so a timer
// cancelled or fired elsewhere is skipped; the alert state is re-read
// before dispatch.
func (e *Engine) fire(ctx context.Context, t store.EscalationTimer) {
	ok, err := e.store.MarkTimerFired(ctx, t.TenantID, t.ID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "timer fire mark failed", "timer", t.ID, "err", err)
		return
	}
	if !ok {
		e.tiersCancelled.Inc()
		return
	}
	a, err := e.store.AlertByID(ctx, t.TenantID, t.AlertID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "escalating alert lookup failed", "alert", t.AlertID, "err", err)
		return
	}
	if a.State != model.StateNew {
		// Acknowledged or settled since scheduling.
		e.tiersCancelled.Inc()
		return
	}
	p, err := e.store.PolicyByID(ctx, t.TenantID, t.PolicyID)
	if err != nil {
		_ = level.Warn(e.logger).Log("msg", "policy lookup failed", "policy", t.PolicyID, "err", err)
		return
	}
	if t.Tier >= len(p.Tiers) {
		return
	}
	tier := p.Tiers[t.Tier]
	e.tiersFired.Inc()

	recipients := e.resolve(ctx, t.TenantID, tier)
	ev := model.Event{
		Type:       model.EventAlertCreated,
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		Severity:   a.Severity,
		DeviceID:   a.DeviceID,
		Message:    a.Message,
		Metadata: model.Attributes{
			"escalation_policy": p.Name,
			"escalation_tier":   t.Tier + 1,
		},
		OccurredAt: e.now().UTC(),
	}
	for _, recipient := range recipients {
		for _, channel := range tier.Channels {
			if err := e.dispatcher.Direct(ctx, ev, channel, recipient); err != nil {
				e.dispatchFailed.Inc()
				_ = level.Warn(e.logger).Log("msg", "tier dispatch failed",
					"alert", a.ID, "tier", t.Tier+1, "channel", channel, "recipient", recipient, "err", err)
			}
		}
	}

	if err := e.scheduleTier(ctx, t.TenantID, t.AlertID, p, t.Tier+1); err != nil {
		_ = level.Error(e.logger).Log("msg", "next tier scheduling failed", "alert", a.ID, "err", err)
	}
}

// resolve turns a tier's recipient reference into principals at fire
// time.
func (e *Engine) resolve(ctx context.Context, tenantID uuid.UUID, tier model.EscalationTier) []string {
	switch tier.RecipientKind {
	case model.RecipientUser:
		return []string{tier.RecipientRef}
	case model.RecipientRole:
		principals, err := e.store.UsersWithRole(ctx, tenantID, tier.RecipientRef)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "role resolution failed", "role", tier.RecipientRef, "err", err)
			return nil
		}
		return principals
	case model.RecipientSchedule:
		scheduleID, err := uuid.Parse(tier.RecipientRef)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "bad schedule reference", "ref", tier.RecipientRef, "err", err)
			return nil
		}
		sched, err := e.store.ScheduleByID(ctx, tenantID, scheduleID)
		if err != nil {
			_ = level.Warn(e.logger).Log("msg", "schedule lookup failed", "schedule", scheduleID, "err", err)
			return nil
		}
		if principal, ok := oncall.Resolve(sched, e.now()); ok {
			return []string{principal}
		}
		if tier.SecondaryRef != "" {
			return []string{tier.SecondaryRef}
		}
		e.unassigned.Inc()
		_ = level.Warn(e.logger).Log("msg", "schedule unassigned and no secondary recipient", "schedule", scheduleID)
		return nil
	}
	_ = level.Warn(e.logger).Log("msg", "unknown recipient kind", "kind", tier.RecipientKind)
	return nil
}
