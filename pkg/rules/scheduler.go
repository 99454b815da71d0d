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

package rules

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// DefaultInterval is the evaluation cadence applied when none is
// configured.
const DefaultInterval = 30 * time.Second

// DefaultMaxErrorStreak is the consecutive-error count after which a
// rule is auto-disabled.
const DefaultMaxErrorStreak = 5

// Source is the slice of the store the scheduler reads and mutates.
type Source interface {
	TenantIDsWithEnabledRules(ctx context.Context) ([]uuid.UUID, error)
	EnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, error)
	BumpRuleErrorStreak(ctx context.Context, tenantID, ruleID uuid.UUID) (int, error)
	ResetRuleErrorStreak(ctx context.Context, tenantID, ruleID uuid.UUID) error
	SetRuleEnabled(ctx context.Context, tenantID, ruleID uuid.UUID, enabled bool) error
}

// RuleCache fronts the enabled-rule listing.
type RuleCache interface {
	EnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, bool)
	SetEnabledRules(ctx context.Context, tenantID uuid.UUID, rules []*model.Rule)
	InvalidateRules(ctx context.Context, tenantID uuid.UUID)
}

// Sink consumes evaluation outcomes that leave the engine: fired rules
// and auto-disable notices. The sink owns alert creation and its
// deduplication against open alerts.
type Sink interface {
	RuleFired(ctx context.Context, rule *model.Rule, res Result) error
	RuleAutoDisabled(ctx context.Context, rule *model.Rule, streak int)
}

// SchedulerOptions tune the scheduler.
type SchedulerOptions struct {
	// Interval is the base evaluation cadence.
	Interval time.Duration
	// TenantIntervals override the cadence per tenant.
	TenantIntervals map[uuid.UUID]time.Duration
	// Workers bounds concurrent evaluations. Defaults to NumCPU.
	Workers int
	// MaxErrorStreak is the auto-disable limit.
	MaxErrorStreak int
}

// Scheduler drives rule evaluation: every tenant with enabled rules is
// evaluated on its cadence, rules fan out to a bounded worker pool, and
// a per-rule guard keeps evaluations of the same rule from overlapping.
type Scheduler struct {
	logger    log.Logger
	opts      SchedulerOptions
	source    Source
	cache     RuleCache
	evaluator *Evaluator
	sink      Sink
	sem       *semaphore.Weighted
	now       func() time.Time

	mu          sync.Mutex
	inflight    map[uuid.UUID]struct{}
	lastErrored map[uuid.UUID]bool
	nextRun     map[uuid.UUID]time.Time

	ticks        prometheus.Counter
	evaluations  *prometheus.CounterVec
	evalDuration prometheus.Histogram
	autoDisabled prometheus.Counter
}

// NewScheduler wires the scheduler. cache may be nil.
func NewScheduler(logger log.Logger, reg prometheus.Registerer, opts SchedulerOptions, source Source, cache RuleCache, ev *Evaluator, sink Sink) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxErrorStreak <= 0 {
		opts.MaxErrorStreak = DefaultMaxErrorStreak
	}
	s := &Scheduler{
		logger:      log.With(logger, "component", "rule-scheduler"),
		opts:        opts,
		source:      source,
		cache:       cache,
		evaluator:   ev,
		sink:        sink,
		sem:         semaphore.NewWeighted(int64(opts.Workers)),
		now:         time.Now,
		inflight:    map[uuid.UUID]struct{}{},
		lastErrored: map[uuid.UUID]bool{},
		nextRun:     map[uuid.UUID]time.Time{},
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_rule_ticks_total",
			Help: "Number of scheduler ticks.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_rule_evaluations_total",
			Help: "Number of rule evaluations by outcome.",
		}, []string{"outcome"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_rule_evaluation_duration_seconds",
			Help:    "Duration of single rule evaluations.",
			Buckets: prometheus.DefBuckets,
		}),
		autoDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_rules_auto_disabled_total",
			Help: "Number of rules disabled after consecutive evaluation errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.ticks, s.evaluations, s.evalDuration, s.autoDisabled)
	}
	return s
}

func (s *Scheduler) intervalFor(tenantID uuid.UUID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if iv, ok := s.opts.TenantIntervals[tenantID]; ok && iv > 0 {
		return iv
	}
	return s.opts.Interval
}

// SetTenantIntervals replaces the per-tenant cadence overrides. Called
// on config reload.
func (s *Scheduler) SetTenantIntervals(intervals map[uuid.UUID]time.Duration) {
	s.mu.Lock()
	s.opts.TenantIntervals = intervals
	s.mu.Unlock()
}

// Run ticks until ctx is cancelled. The scan runs every second so
// per-tenant cadence overrides fire close to their due time.
func (s *Scheduler) Run(ctx context.Context) error {
	_ = level.Info(s.logger).Log("msg", "rule scheduler started",
		"interval", s.opts.Interval, "workers", s.opts.Workers)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.ticks.Inc()
	tenants, err := s.source.TenantIDsWithEnabledRules(ctx)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "tenant listing failed", "err", err)
		return
	}
	now := s.now()
	for _, tenantID := range tenants {
		iv := s.intervalFor(tenantID)
		s.mu.Lock()
		due := now.Compare(s.nextRun[tenantID]) >= 0
		if due {
			s.nextRun[tenantID] = now.Add(iv)
		}
		s.mu.Unlock()
		if due {
			s.evaluateTenant(ctx, tenantID)
		}
	}
}

// evaluateTenant fans the tenant's enabled rules out to the pool.
// Evaluations of distinct rules are independent, including across
// tenants; only the pool bounds them.
func (s *Scheduler) evaluateTenant(ctx context.Context, tenantID uuid.UUID) {
	rules, err := s.enabledRules(ctx, tenantID)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "rule listing failed", "tenant", tenantID, "err", err)
		return
	}
	freshness := s.intervalFor(tenantID)
	for _, rule := range rules {
		if !s.acquireRule(rule.ID) {
			// Previous evaluation of this rule is still in flight.
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.releaseRule(rule.ID)
			return
		}
		go func(rule *model.Rule) {
			defer s.sem.Release(1)
			defer s.releaseRule(rule.ID)
			start := s.now()
			res := s.evaluator.Evaluate(ctx, rule, freshness)
			s.evalDuration.Observe(s.now().Sub(start).Seconds())
			s.evaluations.WithLabelValues(string(res.Outcome)).Inc()
			s.settle(ctx, rule, res)
		}(rule)
	}
}

func (s *Scheduler) enabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, error) {
	if s.cache != nil {
		if rules, ok := s.cache.EnabledRules(ctx, tenantID); ok {
			return rules, nil
		}
	}
	rules, err := s.source.EnabledRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetEnabledRules(ctx, tenantID, rules)
	}
	return rules, nil
}

// settle applies the outcome: fired results go to the sink, errors feed
// the auto-disable streak, anything else clears it.
func (s *Scheduler) settle(ctx context.Context, rule *model.Rule, res Result) {
	if res.Outcome == OutcomeError {
		_ = level.Warn(s.logger).Log("msg", "rule evaluation failed",
			"tenant", rule.TenantID, "rule", rule.ID, "reason", res.Reason)
		s.bumpStreak(ctx, rule)
		return
	}
	s.clearStreak(ctx, rule)
	if res.Outcome != OutcomeFired {
		return
	}
	if err := s.sink.RuleFired(ctx, rule, res); err != nil {
		_ = level.Error(s.logger).Log("msg", "fired rule not delivered",
			"tenant", rule.TenantID, "rule", rule.ID, "err", err)
	}
}

func (s *Scheduler) bumpStreak(ctx context.Context, rule *model.Rule) {
	s.mu.Lock()
	s.lastErrored[rule.ID] = true
	s.mu.Unlock()
	streak, err := s.source.BumpRuleErrorStreak(ctx, rule.TenantID, rule.ID)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "error streak update failed", "rule", rule.ID, "err", err)
		return
	}
	if streak < s.opts.MaxErrorStreak {
		return
	}
	if err := s.source.SetRuleEnabled(ctx, rule.TenantID, rule.ID, false); err != nil {
		_ = level.Error(s.logger).Log("msg", "auto-disable failed", "rule", rule.ID, "err", err)
		return
	}
	if s.cache != nil {
		s.cache.InvalidateRules(ctx, rule.TenantID)
	}
	s.autoDisabled.Inc()
	_ = level.Warn(s.logger).Log("msg", "rule auto-disabled",
		"tenant", rule.TenantID, "rule", rule.ID, "streak", streak)
	s.sink.RuleAutoDisabled(ctx, rule, streak)
}

// clearStreak resets the persisted streak only when the previous
// evaluation of this rule errored, to avoid a write per clean pass.
func (s *Scheduler) clearStreak(ctx context.Context, rule *model.Rule) {
	s.mu.Lock()
	errored := s.lastErrored[rule.ID]
	if errored {
		delete(s.lastErrored, rule.ID)
	}
	s.mu.Unlock()
	if !errored {
		return
	}
	if err := s.source.ResetRuleErrorStreak(ctx, rule.TenantID, rule.ID); err != nil {
		_ = level.Warn(s.logger).Log("msg", "error streak reset failed", "rule", rule.ID, "err", err)
	}
}

func (s *Scheduler) acquireRule(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseRule(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
