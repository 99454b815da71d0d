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

type scheduleRow struct {
	ID           uuid.UUID          `db:"id"`
	TenantID     uuid.UUID          `db:"tenant_id"`
	Name         string             `db:"name"`
	Rotation     model.RotationUnit `db:"rotation"`
	ShiftSeconds int64              `db:"shift_seconds"`
	Timezone     string             `db:"timezone"`
	Anchor       time.Time          `db:"anchor"`
	Principals   []byte             `db:"principals"`
}

// ScheduleByID loads an on-call schedule with its overrides in
// definition order.
func (s *Store) ScheduleByID(ctx context.Context, tenantID, scheduleID uuid.UUID) (*model.OnCallSchedule, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, name, rotation, shift_seconds, timezone, anchor, principals
		FROM on_call_schedules WHERE tenant_id = $1 AND id = $2`,
		tenantID, scheduleID)
	if err != nil {
		return nil, classify(err)
	}
	sched := &model.OnCallSchedule{
		ID:          row.ID,
		TenantID:    row.TenantID,
		Name:        row.Name,
		Rotation:    row.Rotation,
		ShiftLength: time.Duration(row.ShiftSeconds) * time.Second,
		Timezone:    row.Timezone,
		Anchor:      row.Anchor,
	}
	if err := json.Unmarshal(row.Principals, &sched.Principals); err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_schedule_principals", err)
	}
	type overrideRow struct {
		Principal string    `db:"principal"`
		From      time.Time `db:"from_at"`
		To        time.Time `db:"to_at"`
	}
	var overrides []overrideRow
	err = s.db.SelectContext(ctx, &overrides, `
		SELECT principal, from_at, to_at FROM on_call_overrides
		WHERE tenant_id = $1 AND schedule_id = $2 ORDER BY position`,
		tenantID, scheduleID)
	if err != nil {
		return nil, classify(err)
	}
	for _, o := range overrides {
		sched.Overrides = append(sched.Overrides, model.OnCallOverride{
			Principal: o.Principal, From: o.From, To: o.To,
		})
	}
	return sched, nil
}

// CreateSchedule persists a schedule and its overrides.
func (s *Store) CreateSchedule(ctx context.Context, sched *model.OnCallSchedule) error {
	if err := s.guardTenant(sched.TenantID); err != nil {
		return err
	}
	principals, err := json.Marshal(sched.Principals)
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_schedule_principals", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO on_call_schedules (id, tenant_id, name, rotation, shift_seconds, timezone, anchor, principals)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sched.ID, sched.TenantID, sched.Name, sched.Rotation,
		int64(sched.ShiftLength.Seconds()), sched.Timezone, sched.Anchor.UTC(), principals); err != nil {
		return classify(err)
	}
	for i, o := range sched.Overrides {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO on_call_overrides (tenant_id, schedule_id, position, principal, from_at, to_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			sched.TenantID, sched.ID, i, o.Principal, o.From.UTC(), o.To.UTC()); err != nil {
			return classify(err)
		}
	}
	return nil
}
