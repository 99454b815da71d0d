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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/store"
)

var evalNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	latest map[string]*model.TelemetryRecord
	stats  *store.WindowStats
	err    error

	latestCalls int
}

func (s *fakeSource) Latest(ctx context.Context, tenantID, deviceID uuid.UUID, metric string) (*model.TelemetryRecord, error) {
	s.latestCalls++
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.latest[metric]
	if !ok {
		return nil, model.Errorf(model.KindNotFound, "no_data", "no reading for %s", metric)
	}
	return rec, nil
}

func (s *fakeSource) WindowAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, end time.Time, window time.Duration) (*store.WindowStats, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stats, nil
}

func reading(metric string, value float64, age time.Duration) *model.TelemetryRecord {
	return &model.TelemetryRecord{Metric: metric, Value: value, Timestamp: evalNow.Add(-age)}
}

func newTestEvaluator(src *fakeSource) *Evaluator {
	e := NewEvaluator(src, nil)
	e.now = func() time.Time { return evalNow }
	return e
}

func thresholdRule(op model.CompareOp, value float64) *model.Rule {
	return &model.Rule{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		DeviceID: uuid.New(),
		Metric:   "temperature",
		Family:   model.FamilyThreshold,
		Params:   model.RuleParams{Op: op, Value: value},
		Severity: model.SeverityHigh,
	}
}

func TestEvaluateThreshold(t *testing.T) {
	src := &fakeSource{latest: map[string]*model.TelemetryRecord{
		"temperature": reading("temperature", 91, time.Minute),
	}}
	e := newTestEvaluator(src)

	res := e.Evaluate(context.Background(), thresholdRule(model.OpGT, 85), 30*time.Second)
	assert.Equal(t, OutcomeFired, res.Outcome)
	assert.Contains(t, res.Message, "temperature")
	assert.Equal(t, 91.0, res.Metadata["value"])

	res = e.Evaluate(context.Background(), thresholdRule(model.OpGT, 95), 30*time.Second)
	assert.Equal(t, OutcomeOK, res.Outcome)
}

func TestEvaluateThresholdNoData(t *testing.T) {
	e := newTestEvaluator(&fakeSource{latest: map[string]*model.TelemetryRecord{}})
	res := e.Evaluate(context.Background(), thresholdRule(model.OpGT, 85), 30*time.Second)
	assert.Equal(t, OutcomeInsufficientData, res.Outcome)
}

func TestEvaluateThresholdInvalidOp(t *testing.T) {
	e := newTestEvaluator(&fakeSource{})
	res := e.Evaluate(context.Background(), thresholdRule(model.CompareOp("~"), 85), 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "invalid operator")
}

func TestEvaluateThresholdSourceError(t *testing.T) {
	e := newTestEvaluator(&fakeSource{err: model.Errorf(model.KindTransient, "db_unavailable", "timeout")})
	res := e.Evaluate(context.Background(), thresholdRule(model.OpGT, 85), 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.NotEmpty(t, res.Reason)
}

func TestEvaluateComparison(t *testing.T) {
	rule := thresholdRule(model.OpGT, 0)
	rule.Family = model.FamilyComparison
	rule.Params = model.RuleParams{Op: model.OpGT, MetricA: "intake_pressure", MetricB: "output_pressure"}

	src := &fakeSource{latest: map[string]*model.TelemetryRecord{
		"intake_pressure": reading("intake_pressure", 8.1, 10*time.Second),
		"output_pressure": reading("output_pressure", 6.4, 10*time.Second),
	}}
	e := newTestEvaluator(src)

	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 8.1, res.Metadata["value_a"])
	assert.Equal(t, 6.4, res.Metadata["value_b"])
}

func TestEvaluateComparisonStaleReading(t *testing.T) {
	rule := thresholdRule(model.OpGT, 0)
	rule.Family = model.FamilyComparison
	rule.Params = model.RuleParams{Op: model.OpGT, MetricA: "intake_pressure", MetricB: "output_pressure"}

	// One side is older than the cadence; the pair is not comparable.
	src := &fakeSource{latest: map[string]*model.TelemetryRecord{
		"intake_pressure": reading("intake_pressure", 8.1, 10*time.Second),
		"output_pressure": reading("output_pressure", 6.4, 2*time.Minute),
	}}
	e := newTestEvaluator(src)

	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeInsufficientData, res.Outcome)
}

func TestEvaluateComparisonMissingMetric(t *testing.T) {
	rule := thresholdRule(model.OpGT, 0)
	rule.Family = model.FamilyComparison
	rule.Params = model.RuleParams{Op: model.OpGT, MetricA: "intake_pressure"}

	e := newTestEvaluator(&fakeSource{})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "metric_b")
}

func TestEvaluateTimeWindow(t *testing.T) {
	rule := thresholdRule(model.OpGE, 80)
	rule.Family = model.FamilyTimeWindow
	rule.Params = model.RuleParams{Op: model.OpGE, Value: 80, WindowSeconds: 600, Aggregate: model.AggAvg}

	e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 12, Avg: 83.5, Min: 78, Max: 91, Sum: 1002}})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 83.5, res.Metadata["value"])

	for agg, want := range map[string]float64{
		model.AggMin:   78,
		model.AggMax:   91,
		model.AggSum:   1002,
		model.AggCount: 12,
	} {
		rule.Params.Aggregate = agg
		rule.Params.Op = model.OpEQ
		rule.Params.Value = want
		res := e.Evaluate(context.Background(), rule, 30*time.Second)
		assert.Equal(t, OutcomeFired, res.Outcome, "aggregate %s", agg)
	}
}

func TestEvaluateTimeWindowEmptyWindow(t *testing.T) {
	rule := thresholdRule(model.OpGE, 80)
	rule.Family = model.FamilyTimeWindow
	rule.Params = model.RuleParams{Op: model.OpGE, Value: 80, WindowSeconds: 600, Aggregate: model.AggAvg}

	e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 0}})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeInsufficientData, res.Outcome)
}

func TestEvaluateTimeWindowBadParams(t *testing.T) {
	rule := thresholdRule(model.OpGE, 80)
	rule.Family = model.FamilyTimeWindow

	rule.Params = model.RuleParams{Op: model.OpGE, WindowSeconds: 0, Aggregate: model.AggAvg}
	e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 1}})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)

	rule.Params = model.RuleParams{Op: model.OpGE, WindowSeconds: 600, Aggregate: "median"}
	res = e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
}

func TestEvaluateStatisticalStddev(t *testing.T) {
	rule := thresholdRule(model.OpGT, 5)
	rule.Family = model.FamilyStatistical
	rule.Params = model.RuleParams{Op: model.OpGT, Value: 5, WindowSeconds: 600, Aggregate: model.AggStddev}

	e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 10, Stddev: 7.2}})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeFired, res.Outcome)
}

func TestEvaluateStatisticalZscore(t *testing.T) {
	rule := thresholdRule(model.OpGT, 3)
	rule.Family = model.FamilyStatistical
	rule.Params = model.RuleParams{Op: model.OpGT, Value: 3, WindowSeconds: 600, Aggregate: model.AggZscore}

	latest := 130.0
	e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 10, Avg: 100, Stddev: 8, Latest: &latest}})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	// z = (130-100)/8 = 3.75
	assert.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 3.75, res.Metadata["value"])
}

func TestEvaluateStatisticalInsufficient(t *testing.T) {
	rule := thresholdRule(model.OpGT, 3)
	rule.Family = model.FamilyStatistical
	rule.Params = model.RuleParams{Op: model.OpGT, Value: 3, WindowSeconds: 600, Aggregate: model.AggZscore}

	t.Run("fewer than two samples", func(t *testing.T) {
		e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 1}})
		res := e.Evaluate(context.Background(), rule, 30*time.Second)
		assert.Equal(t, OutcomeInsufficientData, res.Outcome)
	})
	t.Run("flat series", func(t *testing.T) {
		latest := 100.0
		e := newTestEvaluator(&fakeSource{stats: &store.WindowStats{Count: 10, Avg: 100, Stddev: 0, Latest: &latest}})
		res := e.Evaluate(context.Background(), rule, 30*time.Second)
		assert.Equal(t, OutcomeInsufficientData, res.Outcome)
	})
}

func TestEvaluateUnknownFamily(t *testing.T) {
	rule := thresholdRule(model.OpGT, 1)
	rule.Family = model.RuleFamily("SEASONAL")
	e := newTestEvaluator(&fakeSource{})
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Contains(t, res.Reason, "unknown rule family")
}

type countingCache struct {
	entries   map[string]*store.WindowStats
	snapshots map[uuid.UUID]map[string]*model.TelemetryRecord
	hits      int
	sets      int
	snapHits  int
	snapSets  int
}

func (c *countingCache) key(metric string, window time.Duration) string {
	return metric + "/" + window.String()
}

func (c *countingCache) DeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID) (map[string]*model.TelemetryRecord, bool) {
	snap, ok := c.snapshots[deviceID]
	if !ok {
		return nil, false
	}
	c.snapHits++
	return snap, true
}

func (c *countingCache) SetDeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID, snap map[string]*model.TelemetryRecord) {
	if c.snapshots == nil {
		c.snapshots = map[uuid.UUID]map[string]*model.TelemetryRecord{}
	}
	c.snapSets++
	c.snapshots[deviceID] = snap
}

func (c *countingCache) Aggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, dst any) bool {
	st, ok := c.entries[c.key(metric, window)]
	if !ok {
		return false
	}
	c.hits++
	*dst.(*store.WindowStats) = *st
	return true
}

func (c *countingCache) SetAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, v any) {
	c.sets++
	c.entries[c.key(metric, window)] = v.(*store.WindowStats)
}

func TestWindowStatsCacheFirst(t *testing.T) {
	rule := thresholdRule(model.OpGE, 80)
	rule.Family = model.FamilyTimeWindow
	rule.Params = model.RuleParams{Op: model.OpGE, Value: 80, WindowSeconds: 600, Aggregate: model.AggAvg}

	cache := &countingCache{entries: map[string]*store.WindowStats{}}
	e := NewEvaluator(&fakeSource{stats: &store.WindowStats{Count: 5, Avg: 85}}, cache)
	e.now = func() time.Time { return evalNow }

	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 0, cache.hits)
	assert.Equal(t, 1, cache.sets)

	res = e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 1, cache.hits, "second evaluation is served from cache")
	assert.Equal(t, 1, cache.sets)
}

func TestLatestReadThrough(t *testing.T) {
	rule := thresholdRule(model.OpGT, 85)
	src := &fakeSource{latest: map[string]*model.TelemetryRecord{
		"temperature": reading("temperature", 91, time.Minute),
	}}
	cache := &countingCache{}
	e := NewEvaluator(src, cache)
	e.now = func() time.Time { return evalNow }

	// The first evaluation misses and refreshes the device snapshot.
	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 1, src.latestCalls)
	assert.Equal(t, 1, cache.snapSets)

	res = e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 1, src.latestCalls, "second evaluation is served from the snapshot")
	assert.Equal(t, 1, cache.snapHits)
}

func TestLatestReadThroughGrowsSnapshot(t *testing.T) {
	rule := thresholdRule(model.OpGT, 0)
	rule.Family = model.FamilyComparison
	rule.Params = model.RuleParams{Op: model.OpGT, MetricA: "intake_pressure", MetricB: "output_pressure"}

	src := &fakeSource{latest: map[string]*model.TelemetryRecord{
		"intake_pressure": reading("intake_pressure", 8.1, 10*time.Second),
		"output_pressure": reading("output_pressure", 6.4, 10*time.Second),
	}}
	cache := &countingCache{}
	e := NewEvaluator(src, cache)
	e.now = func() time.Time { return evalNow }

	res := e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 2, src.latestCalls)

	// The snapshot now covers both metrics; a re-evaluation never
	// touches the store.
	res = e.Evaluate(context.Background(), rule, 30*time.Second)
	require.Equal(t, OutcomeFired, res.Outcome)
	assert.Equal(t, 2, src.latestCalls)
}
