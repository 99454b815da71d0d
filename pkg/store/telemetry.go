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

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// rangeRowCap is the hard upper bound on rows returned by Range.
const rangeRowCap = 10000

// Append writes one telemetry record. Appends are idempotent on
// (tenant, device, metric, ts); the newer value wins.
func (s *Store) Append(ctx context.Context, rec *model.TelemetryRecord) error {
	if err := s.guardTenant(rec.TenantID); err != nil {
		return err
	}
	attrs, err := json.Marshal(nonNilAttrs(rec.Attributes))
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_attributes", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry (tenant_id, device_id, metric, ts, value, unit, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, device_id, metric, ts)
		DO UPDATE SET value = EXCLUDED.value, unit = EXCLUDED.unit, attributes = EXCLUDED.attributes`,
		rec.TenantID, rec.DeviceID, rec.Metric, rec.Timestamp.UTC(), rec.Value, rec.Unit, attrs)
	return classify(err)
}

// Latest returns the most recent record for a device metric, or a
// not_found error when the series is empty.
func (s *Store) Latest(ctx context.Context, tenantID, deviceID uuid.UUID, metric string) (*model.TelemetryRecord, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec model.TelemetryRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT tenant_id, device_id, metric, ts, value, unit FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND metric = $3
		ORDER BY ts DESC LIMIT 1`,
		tenantID, deviceID, metric)
	if err != nil {
		return nil, classify(err)
	}
	return &rec, nil
}

// LatestAll returns the most recent record per metric for a device.
// Feeds the device snapshot cache.
func (s *Store) LatestAll(ctx context.Context, tenantID, deviceID uuid.UUID) (map[string]*model.TelemetryRecord, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var recs []model.TelemetryRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT DISTINCT ON (metric) tenant_id, device_id, metric, ts, value, unit FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2
		ORDER BY metric, ts DESC`,
		tenantID, deviceID)
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]*model.TelemetryRecord, len(recs))
	for i := range recs {
		out[recs[i].Metric] = &recs[i]
	}
	return out, nil
}

// Range returns records in [from, to) in timestamp order, capped at the
// smaller of limit and the adapter's hard cap.
func (s *Store) Range(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, from, to time.Time, limit int) ([]model.TelemetryRecord, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > rangeRowCap {
		limit = rangeRowCap
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var recs []model.TelemetryRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT tenant_id, device_id, metric, ts, value, unit FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND metric = $3 AND ts >= $4 AND ts < $5
		ORDER BY ts LIMIT $6`,
		tenantID, deviceID, metric, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// WindowStats are the aggregates over a trailing window used by
// TIME_WINDOW and STATISTICAL rules.
type WindowStats struct {
	Count  int64    `db:"count"`
	Sum    float64  `db:"sum"`
	Avg    float64  `db:"avg"`
	Min    float64  `db:"min"`
	Max    float64  `db:"max"`
	Stddev float64  `db:"stddev"`
	Latest *float64 `db:"latest"`
}

// WindowAggregate computes aggregates for the trailing window ending at
// the given instant. A zero Count means insufficient data.
func (s *Store) WindowAggregate(ctx context.Context, tenantID, deviceID uuid.UUID, metric string, end time.Time, window time.Duration) (*WindowStats, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var st WindowStats
	err := s.db.GetContext(ctx, &st, `
		SELECT count(*) AS count,
		       coalesce(sum(value), 0) AS sum,
		       coalesce(avg(value), 0) AS avg,
		       coalesce(min(value), 0) AS min,
		       coalesce(max(value), 0) AS max,
		       coalesce(stddev_pop(value), 0) AS stddev,
		       (SELECT value FROM telemetry
		        WHERE tenant_id = $1 AND device_id = $2 AND metric = $3 AND ts >= $4 AND ts < $5
		        ORDER BY ts DESC LIMIT 1) AS latest
		FROM telemetry
		WHERE tenant_id = $1 AND device_id = $2 AND metric = $3 AND ts >= $4 AND ts < $5`,
		tenantID, deviceID, metric, end.Add(-window).UTC(), end.UTC())
	if err != nil {
		return nil, classify(err)
	}
	return &st, nil
}

func nonNilAttrs(a model.Attributes) model.Attributes {
	if a == nil {
		return model.Attributes{}
	}
	return a
}
