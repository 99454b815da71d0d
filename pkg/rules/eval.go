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

// Package rules evaluates enabled rules against recent telemetry on a
// fixed cadence and hands fired evaluations to the alert core.
package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/store"
)

// Outcome classifies one rule evaluation.
type Outcome string

const (
	// OutcomeFired means the predicate held; an alert is produced
	// unless deduplicated downstream.
	OutcomeFired Outcome = "fired"
	// OutcomeOK means the predicate was evaluated and did not hold.
	OutcomeOK Outcome = "ok"
	// OutcomeInsufficientData means the inputs were missing or stale.
	// Silent: no alert, no error.
	OutcomeInsufficientData Outcome = "insufficient_data"
	// OutcomeError means the evaluation itself failed. The rule stays
	// enabled until its error streak crosses the auto-disable limit.
	OutcomeError Outcome = "error"
)

// Result is the outcome of evaluating one rule once.
type Result struct {
	Outcome  Outcome
	Message  string
	Metadata model.Attributes
	// Reason is set for OutcomeError.
	Reason string
}

func fired(msg string, md model.Attributes) Result {
	return Result{Outcome: OutcomeFired, Message: msg, Metadata: md}
}

func evalError(reason string) Result {
	return Result{Outcome: OutcomeError, Reason: reason}
}

var okResult = Result{Outcome: OutcomeOK}
var insufficient = Result{Outcome: OutcomeInsufficientData}

// DataSource is the slice of the store the evaluator reads.
type DataSource interface {
	Latest(ctx context.Context, tenantID, deviceID uuid.UUID, metric string) (*model.TelemetryRecord, error)
	WindowAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, end time.Time, window time.Duration) (*store.WindowStats, error)
}

// ReadCache fronts the evaluator's hot reads with short-TTL entries:
// per-device latest snapshots and window aggregates.
type ReadCache interface {
	DeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID) (map[string]*model.TelemetryRecord, bool)
	SetDeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID, snap map[string]*model.TelemetryRecord)
	Aggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, dst any) bool
	SetAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, v any)
}

// Evaluator evaluates single rules. It is stateless and safe for
// concurrent use.
type Evaluator struct {
	source DataSource
	cache  ReadCache
	now    func() time.Time
}

// NewEvaluator constructs an evaluator. cache may be nil.
func NewEvaluator(source DataSource, cache ReadCache) *Evaluator {
	return &Evaluator{source: source, cache: cache, now: time.Now}
}

// Evaluate runs one rule. freshness is the scheduler cadence: readings
// older than it do not count as "current" for COMPARISON rules.
func (e *Evaluator) Evaluate(ctx context.Context, rule *model.Rule, freshness time.Duration) Result {
	switch rule.Family {
	case model.FamilyThreshold:
		return e.evalThreshold(ctx, rule)
	case model.FamilyComparison:
		return e.evalComparison(ctx, rule, freshness)
	case model.FamilyTimeWindow:
		return e.evalTimeWindow(ctx, rule)
	case model.FamilyStatistical:
		return e.evalStatistical(ctx, rule)
	}
	return evalError(fmt.Sprintf("unknown rule family %q", rule.Family))
}

// latest reads a device's newest value for one metric, snapshot cache
// first. A store read refreshes the cached snapshot; telemetry appends
// invalidate it, so a hit is never older than the last write.
func (e *Evaluator) latest(ctx context.Context, tenantID, deviceID uuid.UUID, metric string) (*model.TelemetryRecord, error) {
	var snap map[string]*model.TelemetryRecord
	if e.cache != nil {
		if s, ok := e.cache.DeviceLatest(ctx, tenantID, deviceID); ok {
			if rec, ok := s[metric]; ok {
				return rec, nil
			}
			snap = s
		}
	}
	rec, err := e.source.Latest(ctx, tenantID, deviceID, metric)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if snap == nil {
			snap = map[string]*model.TelemetryRecord{}
		}
		snap[metric] = rec
		e.cache.SetDeviceLatest(ctx, tenantID, deviceID, snap)
	}
	return rec, nil
}

func (e *Evaluator) evalThreshold(ctx context.Context, rule *model.Rule) Result {
	if !rule.Params.Op.Valid() {
		return evalError(fmt.Sprintf("invalid operator %q", rule.Params.Op))
	}
	rec, err := e.latest(ctx, rule.TenantID, rule.DeviceID, rule.Metric)
	if err != nil {
		if model.IsNotFound(err) {
			return insufficient
		}
		return evalError(err.Error())
	}
	if !rule.Params.Op.Apply(rec.Value, rule.Params.Value) {
		return okResult
	}
	return fired(
		fmt.Sprintf("%s %v %s %v", rule.Metric, rec.Value, rule.Params.Op, rule.Params.Value),
		model.Attributes{
			"metric":    rule.Metric,
			"value":     rec.Value,
			"op":        string(rule.Params.Op),
			"threshold": rule.Params.Value,
			"ts":        rec.Timestamp.UTC().Format(time.RFC3339Nano),
		})
}

func (e *Evaluator) evalComparison(ctx context.Context, rule *model.Rule, freshness time.Duration) Result {
	p := rule.Params
	if !p.Op.Valid() {
		return evalError(fmt.Sprintf("invalid operator %q", p.Op))
	}
	if p.MetricA == "" || p.MetricB == "" {
		return evalError("comparison rule missing metric_a or metric_b")
	}
	cutoff := e.now().Add(-freshness)
	a, err := e.latest(ctx, rule.TenantID, rule.DeviceID, p.MetricA)
	if err != nil {
		if model.IsNotFound(err) {
			return insufficient
		}
		return evalError(err.Error())
	}
	b, err := e.latest(ctx, rule.TenantID, rule.DeviceID, p.MetricB)
	if err != nil {
		if model.IsNotFound(err) {
			return insufficient
		}
		return evalError(err.Error())
	}
	// Both readings must be current within the cadence window.
	if a.Timestamp.Before(cutoff) || b.Timestamp.Before(cutoff) {
		return insufficient
	}
	if !p.Op.Apply(a.Value, b.Value) {
		return okResult
	}
	return fired(
		fmt.Sprintf("%s %v %s %s %v", p.MetricA, a.Value, p.Op, p.MetricB, b.Value),
		model.Attributes{
			"metric_a": p.MetricA,
			"value_a":  a.Value,
			"metric_b": p.MetricB,
			"value_b":  b.Value,
			"op":       string(p.Op),
		})
}

// windowStats fetches the trailing-window aggregates, cache first.
func (e *Evaluator) windowStats(ctx context.Context, rule *model.Rule) (*store.WindowStats, time.Duration, error) {
	window := time.Duration(rule.Params.WindowSeconds) * time.Second
	if window <= 0 {
		return nil, 0, fmt.Errorf("invalid window_seconds %d", rule.Params.WindowSeconds)
	}
	var st store.WindowStats
	if e.cache != nil && e.cache.Aggregate(ctx, rule.TenantID, rule.DeviceID, rule.Metric, window, &st) {
		return &st, window, nil
	}
	stp, err := e.source.WindowAggregate(ctx, rule.TenantID, rule.DeviceID, rule.Metric, e.now(), window)
	if err != nil {
		return nil, 0, err
	}
	if e.cache != nil {
		e.cache.SetAggregate(ctx, rule.TenantID, rule.DeviceID, rule.Metric, window, stp)
	}
	return stp, window, nil
}

func (e *Evaluator) evalTimeWindow(ctx context.Context, rule *model.Rule) Result {
	p := rule.Params
	if !p.Op.Valid() {
		return evalError(fmt.Sprintf("invalid operator %q", p.Op))
	}
	st, window, err := e.windowStats(ctx, rule)
	if err != nil {
		return evalError(err.Error())
	}
	if st.Count == 0 {
		return insufficient
	}
	var agg float64
	switch p.Aggregate {
	case model.AggAvg:
		agg = st.Avg
	case model.AggMin:
		agg = st.Min
	case model.AggMax:
		agg = st.Max
	case model.AggSum:
		agg = st.Sum
	case model.AggCount:
		agg = float64(st.Count)
	default:
		return evalError(fmt.Sprintf("unknown aggregate %q for TIME_WINDOW", p.Aggregate))
	}
	if !p.Op.Apply(agg, p.Value) {
		return okResult
	}
	return fired(
		fmt.Sprintf("%s(%s over %s) %v %s %v", p.Aggregate, rule.Metric, window, agg, p.Op, p.Value),
		model.Attributes{
			"metric":         rule.Metric,
			"aggregate":      p.Aggregate,
			"window_seconds": p.WindowSeconds,
			"value":          agg,
			"op":             string(p.Op),
			"threshold":      p.Value,
		})
}

func (e *Evaluator) evalStatistical(ctx context.Context, rule *model.Rule) Result {
	p := rule.Params
	if !p.Op.Valid() {
		return evalError(fmt.Sprintf("invalid operator %q", p.Op))
	}
	st, window, err := e.windowStats(ctx, rule)
	if err != nil {
		return evalError(err.Error())
	}
	// Spread measures need at least two samples.
	if st.Count < 2 {
		return insufficient
	}
	var measure float64
	switch p.Aggregate {
	case model.AggStddev:
		measure = st.Stddev
	case model.AggZscore:
		if st.Latest == nil {
			return insufficient
		}
		if st.Stddev == 0 {
			// A flat series has no meaningful z-score.
			return insufficient
		}
		measure = (*st.Latest - st.Avg) / st.Stddev
	default:
		return evalError(fmt.Sprintf("unknown aggregate %q for STATISTICAL", p.Aggregate))
	}
	if !p.Op.Apply(measure, p.Value) {
		return okResult
	}
	return fired(
		fmt.Sprintf("%s(%s over %s) %v %s %v", p.Aggregate, rule.Metric, window, measure, p.Op, p.Value),
		model.Attributes{
			"metric":         rule.Metric,
			"aggregate":      p.Aggregate,
			"window_seconds": p.WindowSeconds,
			"value":          measure,
			"op":             string(p.Op),
			"threshold":      p.Value,
		})
}
