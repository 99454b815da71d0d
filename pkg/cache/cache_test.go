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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/store"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewWithClient(nil, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestDeviceLatestRoundTrip(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	tenantID, deviceID := uuid.New(), uuid.New()

	_, ok := c.DeviceLatest(ctx, tenantID, deviceID)
	assert.False(t, ok)

	snap := map[string]*model.TelemetryRecord{
		"temperature": {
			TenantID:  tenantID,
			DeviceID:  deviceID,
			Metric:    "temperature",
			Value:     87.5,
			Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	c.SetDeviceLatest(ctx, tenantID, deviceID, snap)

	got, ok := c.DeviceLatest(ctx, tenantID, deviceID)
	require.True(t, ok)
	require.Contains(t, got, "temperature")
	assert.Equal(t, 87.5, got["temperature"].Value)

	// The snapshot expires on its own.
	mr.FastForward(2 * time.Minute)
	_, ok = c.DeviceLatest(ctx, tenantID, deviceID)
	assert.False(t, ok)
}

func TestInvalidateDevice(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	tenantID, deviceID := uuid.New(), uuid.New()

	c.SetDeviceLatest(ctx, tenantID, deviceID, map[string]*model.TelemetryRecord{
		"temperature": {Metric: "temperature", Value: 1},
	})
	c.SetAggregate(ctx, tenantID, deviceID, "temperature", 10*time.Minute, &store.WindowStats{Count: 5, Avg: 85})

	// A different device's entries survive the invalidation.
	otherDevice := uuid.New()
	c.SetAggregate(ctx, tenantID, otherDevice, "temperature", 10*time.Minute, &store.WindowStats{Count: 2})

	c.InvalidateDevice(ctx, tenantID, deviceID)

	_, ok := c.DeviceLatest(ctx, tenantID, deviceID)
	assert.False(t, ok)
	var st store.WindowStats
	assert.False(t, c.Aggregate(ctx, tenantID, deviceID, "temperature", 10*time.Minute, &st))
	assert.True(t, c.Aggregate(ctx, tenantID, otherDevice, "temperature", 10*time.Minute, &st))
}

func TestEnabledRulesRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	tenantID := uuid.New()

	rules := []*model.Rule{{
		ID:       uuid.New(),
		TenantID: tenantID,
		Metric:   "temperature",
		Family:   model.FamilyThreshold,
		Params:   model.RuleParams{Op: model.OpGT, Value: 85},
		Severity: model.SeverityHigh,
		Enabled:  true,
	}}
	c.SetEnabledRules(ctx, tenantID, rules)

	got, ok := c.EnabledRules(ctx, tenantID)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, rules[0].ID, got[0].ID)
	assert.Equal(t, model.OpGT, got[0].Params.Op)

	c.InvalidateRules(ctx, tenantID)
	_, ok = c.EnabledRules(ctx, tenantID)
	assert.False(t, ok)
}

func TestAggregateTTLClamped(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()
	tenantID, deviceID := uuid.New(), uuid.New()

	// A tiny window still keeps its aggregate for the 30s floor.
	c.SetAggregate(ctx, tenantID, deviceID, "temperature", 10*time.Second, &store.WindowStats{Count: 1})
	mr.FastForward(20 * time.Second)
	var st store.WindowStats
	assert.True(t, c.Aggregate(ctx, tenantID, deviceID, "temperature", 10*time.Second, &st))
	mr.FastForward(15 * time.Second)
	assert.False(t, c.Aggregate(ctx, tenantID, deviceID, "temperature", 10*time.Second, &st))

	// A huge window is capped at the 10m ceiling.
	c.SetAggregate(ctx, tenantID, deviceID, "pressure", 24*time.Hour, &store.WindowStats{Count: 1})
	mr.FastForward(11 * time.Minute)
	assert.False(t, c.Aggregate(ctx, tenantID, deviceID, "pressure", 24*time.Hour, &st))
}

func TestDisabledCache(t *testing.T) {
	c, err := New(nil, nil, "")
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	tenantID, deviceID := uuid.New(), uuid.New()

	// Everything no-ops: reads miss, writes and invalidations return.
	c.SetDeviceLatest(ctx, tenantID, deviceID, map[string]*model.TelemetryRecord{"m": {Value: 1}})
	_, ok := c.DeviceLatest(ctx, tenantID, deviceID)
	assert.False(t, ok)
	c.InvalidateDevice(ctx, tenantID, deviceID)
	c.InvalidateRules(ctx, tenantID)
	assert.NoError(t, c.Close())
}

func TestBadCacheURL(t *testing.T) {
	_, err := New(nil, nil, "not-a-url")
	require.Error(t, err)
	assert.Equal(t, "bad_cache_url", model.CodeOf(err))
}
