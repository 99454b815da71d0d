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

// Package cache fronts the hot read paths with short-TTL snapshots.
// The cache is a performance hint, never authoritative: misses and
// backend outages fall through to the store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/forgewatch/forge-engine/pkg/model"
)

const (
	deviceLatestTTL = 60 * time.Second
	rulesTTL        = 10 * time.Minute

	aggregateTTLMin = 30 * time.Second
	aggregateTTLMax = 10 * time.Minute
)

// Cache is a tenant-prefixed key-value cache with TTLs. A nil backing
// client (CACHE_URL absent) disables it: reads miss, writes no-op and
// the pipeline continues on the slow path.
type Cache struct {
	client *redis.Client
	logger log.Logger

	hits       prometheus.Counter
	misses     prometheus.Counter
	errorsCtr  prometheus.Counter
	invalidate prometheus.Counter
}

// New returns a cache backed by the Redis endpoint at url. An empty url
// returns a disabled cache.
func New(logger log.Logger, reg prometheus.Registerer, url string) (*Cache, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Cache{
		logger: logger,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_hits_total",
			Help: "Number of cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_misses_total",
			Help: "Number of cache misses, including misses while the backend is unreachable.",
		}),
		errorsCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_errors_total",
			Help: "Number of cache backend errors, treated as misses.",
		}),
		invalidate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_cache_invalidations_total",
			Help: "Number of cache invalidations emitted by writers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.hits, c.misses, c.errorsCtr, c.invalidate)
	}
	if url == "" {
		_ = level.Info(logger).Log("msg", "cache disabled, running on the slow path")
		return c, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_cache_url", err)
	}
	c.client = redis.NewClient(opts)
	return c, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(logger log.Logger, client *redis.Client) *Cache {
	c, _ := New(logger, nil, "")
	c.client = client
	return c
}

// Enabled reports whether a backend is configured.
func (c *Cache) Enabled() bool { return c.client != nil }

// Close releases the backing client.
func (c *Cache) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}

func deviceLatestKey(tenantID, deviceID uuid.UUID) string {
	return fmt.Sprintf("device:%s:%s:latest", tenantID, deviceID)
}

func rulesKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("rules:%s:enabled", tenantID)
}

func aggregateKey(tenantID, deviceID uuid.UUID, metric string, window time.Duration) string {
	return fmt.Sprintf("aggregate:%s:%s:%s:%ds", tenantID, deviceID, metric, int(window.Seconds()))
}

// get unmarshals the value at key into dst. Backend errors count as
// misses; the caller falls through to the store.
func (c *Cache) get(ctx context.Context, key string, dst any) bool {
	if c.client == nil {
		c.misses.Inc()
		return false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.errorsCtr.Inc()
			_ = level.Debug(c.logger).Log("msg", "cache get failed", "key", key, "err", err)
		}
		c.misses.Inc()
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.errorsCtr.Inc()
		c.misses.Inc()
		return false
	}
	c.hits.Inc()
	return true
}

// set stores the value at key with a TTL. Failures are logged, never
// surfaced: the cache must not fail the write path.
func (c *Cache) set(ctx context.Context, key string, v any, ttl time.Duration) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.errorsCtr.Inc()
		return
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.errorsCtr.Inc()
		_ = level.Debug(c.logger).Log("msg", "cache set failed", "key", key, "err", err)
	}
}

// DeviceLatest returns the cached per-metric snapshot of a device.
func (c *Cache) DeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID) (map[string]*model.TelemetryRecord, bool) {
	var snap map[string]*model.TelemetryRecord
	ok := c.get(ctx, deviceLatestKey(tenantID, deviceID), &snap)
	return snap, ok
}

// SetDeviceLatest caches the per-metric snapshot of a device.
func (c *Cache) SetDeviceLatest(ctx context.Context, tenantID, deviceID uuid.UUID, snap map[string]*model.TelemetryRecord) {
	c.set(ctx, deviceLatestKey(tenantID, deviceID), snap, deviceLatestTTL)
}

// InvalidateDevice drops the device snapshot and its aggregates after a
// telemetry write. Failures are logged but never fail the write.
func (c *Cache) InvalidateDevice(ctx context.Context, tenantID, deviceID uuid.UUID) {
	if c.client == nil {
		return
	}
	c.invalidate.Inc()
	if err := c.client.Del(ctx, deviceLatestKey(tenantID, deviceID)).Err(); err != nil {
		c.errorsCtr.Inc()
		_ = level.Warn(c.logger).Log("msg", "cache invalidation failed", "tenant", tenantID, "device", deviceID, "err", err)
	}
	// Aggregates for the device share a scan prefix.
	pattern := fmt.Sprintf("aggregate:%s:%s:*", tenantID, deviceID)
	iter := c.client.Scan(ctx, 0, pattern, 64).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.errorsCtr.Inc()
		}
	}
	if err := iter.Err(); err != nil {
		c.errorsCtr.Inc()
		_ = level.Debug(c.logger).Log("msg", "aggregate invalidation scan failed", "err", err)
	}
}

// EnabledRules returns the cached enabled-rule list of a tenant.
func (c *Cache) EnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, bool) {
	var rules []*model.Rule
	ok := c.get(ctx, rulesKey(tenantID), &rules)
	return rules, ok
}

// SetEnabledRules caches the enabled-rule list of a tenant.
func (c *Cache) SetEnabledRules(ctx context.Context, tenantID uuid.UUID, rules []*model.Rule) {
	c.set(ctx, rulesKey(tenantID), rules, rulesTTL)
}

// InvalidateRules drops the enabled-rule list after a rule mutation.
func (c *Cache) InvalidateRules(ctx context.Context, tenantID uuid.UUID) {
	if c.client == nil {
		return
	}
	c.invalidate.Inc()
	if err := c.client.Del(ctx, rulesKey(tenantID)).Err(); err != nil {
		c.errorsCtr.Inc()
		_ = level.Warn(c.logger).Log("msg", "rules invalidation failed", "tenant", tenantID, "err", err)
	}
}

// Aggregate returns a cached window aggregate.
func (c *Cache) Aggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, dst any) bool {
	return c.get(ctx, aggregateKey(tenantID, deviceID, metric, window), dst)
}

// SetAggregate caches a window aggregate. The TTL is half the window,
// clamped to [30s, 10m].
func (c *Cache) SetAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, window time.Duration, v any) {
	ttl := window / 2
	if ttl < aggregateTTLMin {
		ttl = aggregateTTLMin
	}
	if ttl > aggregateTTLMax {
		ttl = aggregateTTLMax
	}
	c.set(ctx, aggregateKey(tenantID, deviceID, metric, window), v, ttl)
}
