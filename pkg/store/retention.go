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
	"time"

	"github.com/google/uuid"
)

// RetentionClass is a purgeable data class.
type RetentionClass string

const (
	RetainTelemetry   RetentionClass = "telemetry"
	RetainAlerts      RetentionClass = "alerts"
	RetainDeadLetters RetentionClass = "dead_letters"
)

// PurgeTelemetry deletes a tenant's telemetry older than the cutoff.
// Returns the number of rows removed.
func (s *Store) PurgeTelemetry(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM telemetry WHERE tenant_id = $1 AND ts < $2`,
		tenantID, cutoff.UTC())
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeAlerts deletes a tenant's terminal alerts older than the cutoff
// together with their state history, SLA rows, group memberships and
// delivery attempts. History rows go in the same pass as the parent.
func (s *Store) PurgeAlerts(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		WITH victims AS (
			SELECT id FROM alerts
			WHERE tenant_id = $1 AND created_at < $2
			  AND state IN ('RESOLVED', 'EXPIRED', 'SUPPRESSED')
		),
		d1 AS (DELETE FROM alert_states WHERE tenant_id = $1 AND alert_id IN (SELECT id FROM victims)),
		d2 AS (DELETE FROM alert_slas WHERE tenant_id = $1 AND alert_id IN (SELECT id FROM victims)),
		d3 AS (DELETE FROM alert_group_members WHERE tenant_id = $1 AND alert_id IN (SELECT id FROM victims)),
		d4 AS (DELETE FROM delivery_attempts WHERE tenant_id = $1 AND alert_id IN (SELECT id FROM victims))
		DELETE FROM alerts WHERE tenant_id = $1 AND id IN (SELECT id FROM victims)`,
		tenantID, cutoff.UTC())
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeDeadLetters deletes dead letters older than the cutoff.
func (s *Store) PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE at < $1`, cutoff.UTC())
	if err != nil {
		return 0, classify(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TenantIDs lists all tenants, for the retention sweep.
func (s *Store) TenantIDs(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var ids []uuid.UUID
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM tenants`); err != nil {
		return nil, classify(err)
	}
	return ids, nil
}
