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

package alert

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/rules"
)

// Store is the slice of the persistence layer the core drives.
type Store interface {
	CreateAlert(ctx context.Context, a *model.Alert, sla *model.SLARecord) error
	AlertByID(ctx context.Context, tenantID, alertID uuid.UUID) (*model.Alert, error)
	OpenAlertForRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*model.Alert, error)
	TransitionAlert(ctx context.Context, tenantID uuid.UUID, tr *model.StateTransition, fromVersion int) error
	MarkAcknowledged(ctx context.Context, tenantID, alertID uuid.UUID, at time.Time, ttaSeconds int64, breached bool) error
	MarkResolved(ctx context.Context, tenantID, alertID uuid.UUID, at time.Time, ttrSeconds int64, breached bool) error
	SLAByAlert(ctx context.Context, tenantID, alertID uuid.UUID) (*model.SLARecord, error)
	RuleByID(ctx context.Context, tenantID, ruleID uuid.UUID) (*model.Rule, error)
	ActiveGroup(ctx context.Context, key model.GroupKey) (*model.AlertGroup, error)
	CreateGroup(ctx context.Context, g *model.AlertGroup, alertID uuid.UUID) error
	AttachToGroup(ctx context.Context, tenantID, groupID, alertID uuid.UUID, at time.Time) error
	TouchGroup(ctx context.Context, tenantID, groupID uuid.UUID, at time.Time) error
	CloseGroup(ctx context.Context, tenantID, groupID uuid.UUID) error
	GroupForAlert(ctx context.Context, tenantID, alertID uuid.UUID) (*model.AlertGroup, error)
	CloseGroupIfTerminal(ctx context.Context, tenantID, groupID uuid.UUID) (bool, error)
}

// Notifier fans an event out: always to the push stream, and to the
// email/webhook actions referenced by id.
type Notifier interface {
	Notify(ctx context.Context, ev model.Event, actionIDs []uuid.UUID) error
}

// Escalator is the escalation engine's intake.
type Escalator interface {
	AlertCreated(ctx context.Context, a *model.Alert) error
	// AlertSettled cancels pending tiers after ack/resolve/suppress/expire.
	AlertSettled(ctx context.Context, tenantID, alertID uuid.UUID) error
}

// NotifyPolicy decides which alerts of an active group fan out.
type NotifyPolicy string

const (
	NotifyFirst       NotifyPolicy = "first"
	NotifyEvery       NotifyPolicy = "every"
	NotifyRateLimited NotifyPolicy = "rate_limited"
)

// GroupingOptions tune alert grouping.
type GroupingOptions struct {
	// Window is how long after last_occurrence a group still attracts
	// new alerts.
	Window   time.Duration
	NotifyOn NotifyPolicy
	// RatePerMinute applies to NotifyRateLimited.
	RatePerMinute int
}

// Options tune the core.
type Options struct {
	Grouping GroupingOptions
	// SLA are the default targets; TenantSLA overrides per tenant.
	SLA       SLATargets
	TenantSLA map[uuid.UUID]SLATargets
}

// Core owns alert creation and lifecycle transitions.
type Core struct {
	logger    log.Logger
	store     Store
	notifier  Notifier
	escalator Escalator
	opts      Options
	now       func() time.Time

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter

	created      prometheus.Counter
	deduplicated prometheus.Counter
	transitions  *prometheus.CounterVec
	groupsOpened prometheus.Counter
	groupsClosed prometheus.Counter
	suppressed   prometheus.Counter
}

// NewCore wires the core. escalator may be nil when escalation is not
// configured.
func NewCore(logger log.Logger, reg prometheus.Registerer, opts Options, st Store, notifier Notifier, escalator Escalator) *Core {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Grouping.Window <= 0 {
		opts.Grouping.Window = 5 * time.Minute
	}
	if opts.Grouping.NotifyOn == "" {
		opts.Grouping.NotifyOn = NotifyFirst
	}
	if opts.Grouping.RatePerMinute <= 0 {
		opts.Grouping.RatePerMinute = 1
	}
	if opts.SLA == nil {
		opts.SLA = DefaultSLATargets()
	}
	c := &Core{
		logger:    log.With(logger, "component", "alert-core"),
		store:     st,
		notifier:  notifier,
		escalator: escalator,
		opts:      opts,
		now:       time.Now,
		limiters:  map[uuid.UUID]*rate.Limiter{},
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_created_total",
			Help: "Number of alerts created.",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_deduplicated_total",
			Help: "Number of rule fires absorbed by an open alert.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_alert_transitions_total",
			Help: "Number of alert state transitions by target state.",
		}, []string{"to"}),
		groupsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alert_groups_opened_total",
			Help: "Number of alert groups opened.",
		}),
		groupsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alert_groups_closed_total",
			Help: "Number of alert groups closed.",
		}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alert_notifications_suppressed_total",
			Help: "Number of fan-outs suppressed by the grouping policy.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.created, c.deduplicated, c.transitions, c.groupsOpened, c.groupsClosed, c.suppressed)
	}
	return c
}

func (c *Core) targetsFor(tenantID uuid.UUID) SLATargets {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.opts.TenantSLA[tenantID]; ok {
		return t
	}
	return c.opts.SLA
}

// SetTenantSLA replaces the per-tenant SLA overrides. Called on config
// reload; alerts already created keep their recorded targets.
func (c *Core) SetTenantSLA(overrides map[uuid.UUID]SLATargets) {
	c.mu.Lock()
	c.opts.TenantSLA = overrides
	c.mu.Unlock()
}

// RuleFired creates an alert for a fired evaluation, unless the rule
// already has an open alert. Deduplicated fires still count against the
// group's occurrence bookkeeping.
func (c *Core) RuleFired(ctx context.Context, rule *model.Rule, res rules.Result) error {
	now := c.now()
	open, err := c.store.OpenAlertForRule(ctx, rule.TenantID, rule.ID)
	if err != nil && !model.IsNotFound(err) {
		return err
	}
	if err == nil {
		c.deduplicated.Inc()
		if g, gerr := c.store.GroupForAlert(ctx, open.TenantID, open.ID); gerr == nil {
			if terr := c.store.TouchGroup(ctx, g.TenantID, g.ID, now); terr != nil && !model.IsConflict(terr) {
				_ = level.Warn(c.logger).Log("msg", "group occurrence bump failed", "group", g.ID, "err", terr)
			}
		}
		return nil
	}

	a := &model.Alert{
		ID:        uuid.New(),
		TenantID:  rule.TenantID,
		RuleID:    rule.ID,
		DeviceID:  rule.DeviceID,
		Metric:    rule.Metric,
		Family:    rule.Family,
		Severity:  rule.Severity,
		Message:   res.Message,
		Metadata:  res.Metadata,
		CreatedAt: now,
		State:     model.StateNew,
	}
	var sla *model.SLARecord
	if target, ok := c.targetsFor(rule.TenantID)[rule.Severity]; ok {
		sla = &model.SLARecord{
			AlertID:   a.ID,
			TenantID:  a.TenantID,
			TargetTTA: int64(target.TTA.Seconds()),
			TargetTTR: int64(target.TTR.Seconds()),
		}
	}
	if err := c.store.CreateAlert(ctx, a, sla); err != nil {
		return err
	}
	c.created.Inc()

	notify, err := c.group(ctx, a)
	if err != nil {
		// Grouping is best-effort bookkeeping; the alert stands.
		_ = level.Warn(c.logger).Log("msg", "alert grouping failed", "alert", a.ID, "err", err)
		notify = true
	}

	if c.escalator != nil {
		if err := c.escalator.AlertCreated(ctx, a); err != nil {
			_ = level.Error(c.logger).Log("msg", "escalation scheduling failed", "alert", a.ID, "err", err)
		}
	}

	if !notify {
		c.suppressed.Inc()
		return nil
	}
	return c.notifier.Notify(ctx, model.Event{
		Type:       model.EventAlertCreated,
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		Severity:   a.Severity,
		DeviceID:   a.DeviceID,
		Message:    a.Message,
		Metadata:   a.Metadata,
		OccurredAt: a.CreatedAt.UTC(),
	}, rule.Actions)
}

// group attaches the alert to its active group or opens a new one, and
// returns whether the grouping policy lets this alert fan out.
func (c *Core) group(ctx context.Context, a *model.Alert) (bool, error) {
	key := model.GroupKey{TenantID: a.TenantID, DeviceID: a.DeviceID, Metric: a.Metric}
	g, err := c.store.ActiveGroup(ctx, key)
	if err != nil {
		if !model.IsNotFound(err) {
			return true, err
		}
		return true, c.openGroup(ctx, a)
	}
	if a.CreatedAt.Sub(g.LastOccurrence) > c.opts.Grouping.Window {
		// The active group went quiet; retire it before opening its
		// successor, so a key never has two active groups.
		if err := c.store.CloseGroup(ctx, g.TenantID, g.ID); err != nil {
			_ = level.Warn(c.logger).Log("msg", "quiet group closure failed", "group", g.ID, "err", err)
		} else {
			c.groupsClosed.Inc()
			c.mu.Lock()
			delete(c.limiters, g.ID)
			c.mu.Unlock()
		}
		return true, c.openGroup(ctx, a)
	}
	if err := c.store.AttachToGroup(ctx, a.TenantID, g.ID, a.ID, a.CreatedAt); err != nil {
		if model.IsConflict(err) {
			// Lost the race against group closure.
			return true, c.openGroup(ctx, a)
		}
		return true, err
	}
	switch c.opts.Grouping.NotifyOn {
	case NotifyEvery:
		return true, nil
	case NotifyRateLimited:
		return c.limiterFor(g.ID).Allow(), nil
	default:
		return false, nil
	}
}

func (c *Core) openGroup(ctx context.Context, a *model.Alert) error {
	c.groupsOpened.Inc()
	return c.store.CreateGroup(ctx, &model.AlertGroup{
		ID:              uuid.New(),
		TenantID:        a.TenantID,
		DeviceID:        a.DeviceID,
		Metric:          a.Metric,
		Status:          model.GroupActive,
		FirstOccurrence: a.CreatedAt,
		LastOccurrence:  a.CreatedAt,
		OccurrenceCount: 1,
	}, a.ID)
}

func (c *Core) limiterFor(groupID uuid.UUID) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[groupID]
	if !ok {
		n := c.opts.Grouping.RatePerMinute
		l = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
		c.limiters[groupID] = l
	}
	return l
}

// RuleAutoDisabled emits the rule.auto_disabled event.
func (c *Core) RuleAutoDisabled(ctx context.Context, rule *model.Rule, streak int) {
	err := c.notifier.Notify(ctx, model.Event{
		Type:       model.EventRuleAutoDisabled,
		TenantID:   rule.TenantID,
		AlertID:    uuid.Nil,
		Severity:   rule.Severity,
		DeviceID:   rule.DeviceID,
		Message:    "rule disabled after repeated evaluation errors",
		Metadata:   model.Attributes{"rule_id": rule.ID.String(), "error_streak": streak},
		OccurredAt: c.now().UTC(),
	}, rule.Actions)
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "auto-disable event not delivered", "rule", rule.ID, "err", err)
	}
}

// Acknowledge moves an alert to ACKNOWLEDGED and records its TTA.
func (c *Core) Acknowledge(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error) {
	return c.transition(ctx, tenantID, alertID, model.StateAcknowledged, principal, note)
}

// Investigate moves an alert to INVESTIGATING.
func (c *Core) Investigate(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error) {
	return c.transition(ctx, tenantID, alertID, model.StateInvestigating, principal, note)
}

// Resolve moves an alert to RESOLVED and records its TTR.
func (c *Core) Resolve(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error) {
	return c.transition(ctx, tenantID, alertID, model.StateResolved, principal, note)
}

// Suppress moves an alert to SUPPRESSED.
func (c *Core) Suppress(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error) {
	return c.transition(ctx, tenantID, alertID, model.StateSuppressed, principal, note)
}

// Expire moves a stale alert to EXPIRED. Called by the sweep.
func (c *Core) Expire(ctx context.Context, tenantID, alertID uuid.UUID) (*model.Alert, error) {
	return c.transition(ctx, tenantID, alertID, model.StateExpired, "system", "expired by sweep")
}

// transition validates and applies one lifecycle edge. A version
// conflict is retried once with jittered backoff.
func (c *Core) transition(ctx context.Context, tenantID, alertID uuid.UUID, to model.AlertState, principal, note string) (*model.Alert, error) {
	a, err := c.attempt(ctx, tenantID, alertID, to, principal, note)
	if model.IsConflict(err) {
		jitter := time.Duration(10+rand.Intn(40)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter):
		}
		a, err = c.attempt(ctx, tenantID, alertID, to, principal, note)
	}
	if err != nil {
		return nil, err
	}
	c.transitions.WithLabelValues(string(to)).Inc()
	c.settle(ctx, a, to, principal)
	return a, nil
}

func (c *Core) attempt(ctx context.Context, tenantID, alertID uuid.UUID, to model.AlertState, principal, note string) (*model.Alert, error) {
	a, err := c.store.AlertByID(ctx, tenantID, alertID)
	if err != nil {
		return nil, err
	}
	if err := validateTransition(a.State, to); err != nil {
		return nil, err
	}
	tr := &model.StateTransition{
		AlertID:     alertID,
		From:        a.State,
		To:          to,
		ByPrincipal: principal,
		Note:        note,
		At:          c.now(),
	}
	if err := c.store.TransitionAlert(ctx, tenantID, tr, a.StateVersion); err != nil {
		return nil, err
	}
	a.State = to
	a.StateVersion++
	return a, nil
}

// settle runs the side effects of a committed transition: SLA marks,
// escalation cancellation, group closure and the state-change event.
func (c *Core) settle(ctx context.Context, a *model.Alert, to model.AlertState, principal string) {
	now := c.now()
	switch to {
	case model.StateAcknowledged:
		c.markSLA(ctx, a, now, false)
		c.cancelEscalation(ctx, a)
	case model.StateResolved:
		c.markSLA(ctx, a, now, true)
		c.cancelEscalation(ctx, a)
		c.closeGroup(ctx, a)
	case model.StateSuppressed, model.StateExpired:
		c.cancelEscalation(ctx, a)
		c.closeGroup(ctx, a)
	}

	err := c.notifier.Notify(ctx, model.Event{
		Type:       model.EventAlertStateChanged,
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		Severity:   a.Severity,
		DeviceID:   a.DeviceID,
		Message:    string(to),
		Metadata:   model.Attributes{"state": string(to), "by_principal": principal},
		OccurredAt: now.UTC(),
	}, c.actionsOf(ctx, a))
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "state-change event not delivered", "alert", a.ID, "err", err)
	}
}

// markSLA computes tta or ttr against the alert's targets.
func (c *Core) markSLA(ctx context.Context, a *model.Alert, at time.Time, resolve bool) {
	sla, err := c.store.SLAByAlert(ctx, a.TenantID, a.ID)
	if err != nil {
		if !model.IsNotFound(err) {
			_ = level.Warn(c.logger).Log("msg", "sla lookup failed", "alert", a.ID, "err", err)
		}
		// No SLA row (INFO): nothing to mark.
		return
	}
	elapsed := int64(at.Sub(a.CreatedAt).Seconds())
	if resolve {
		err = c.store.MarkResolved(ctx, a.TenantID, a.ID, at, elapsed, elapsed > sla.TargetTTR)
	} else {
		err = c.store.MarkAcknowledged(ctx, a.TenantID, a.ID, at, elapsed, elapsed > sla.TargetTTA)
	}
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "sla mark failed", "alert", a.ID, "err", err)
	}
}

func (c *Core) cancelEscalation(ctx context.Context, a *model.Alert) {
	if c.escalator == nil {
		return
	}
	if err := c.escalator.AlertSettled(ctx, a.TenantID, a.ID); err != nil {
		_ = level.Warn(c.logger).Log("msg", "escalation cancellation failed", "alert", a.ID, "err", err)
	}
}

func (c *Core) closeGroup(ctx context.Context, a *model.Alert) {
	g, err := c.store.GroupForAlert(ctx, a.TenantID, a.ID)
	if err != nil {
		if !model.IsNotFound(err) {
			_ = level.Warn(c.logger).Log("msg", "group lookup failed", "alert", a.ID, "err", err)
		}
		return
	}
	closed, err := c.store.CloseGroupIfTerminal(ctx, a.TenantID, g.ID)
	if err != nil {
		_ = level.Warn(c.logger).Log("msg", "group closure failed", "group", g.ID, "err", err)
		return
	}
	if closed {
		c.groupsClosed.Inc()
		c.mu.Lock()
		delete(c.limiters, g.ID)
		c.mu.Unlock()
	}
}

// actionsOf resolves the action ids of the alert's rule for fan-out.
func (c *Core) actionsOf(ctx context.Context, a *model.Alert) []uuid.UUID {
	if a.RuleID == uuid.Nil {
		return nil
	}
	rule, err := c.store.RuleByID(ctx, a.TenantID, a.RuleID)
	if err != nil {
		if !model.IsNotFound(err) {
			_ = level.Warn(c.logger).Log("msg", "rule lookup failed", "rule", a.RuleID, "err", err)
		}
		return nil
	}
	return rule.Actions
}
