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

type policyRow struct {
	ID         uuid.UUID `db:"id"`
	TenantID   uuid.UUID `db:"tenant_id"`
	Name       string    `db:"name"`
	Severities []byte    `db:"severities"`
	Tiers      []byte    `db:"tiers"`
}

func (r *policyRow) toModel() (*model.EscalationPolicy, error) {
	p := &model.EscalationPolicy{ID: r.ID, TenantID: r.TenantID, Name: r.Name}
	if err := json.Unmarshal(r.Severities, &p.Severities); err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_policy_severities", err)
	}
	if err := json.Unmarshal(r.Tiers, &p.Tiers); err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_policy_tiers", err)
	}
	return p, nil
}

// PoliciesByTenant lists a tenant's escalation policies in definition
// order. The first policy matching an alert's severity applies.
func (s *Store) PoliciesByTenant(ctx context.Context, tenantID uuid.UUID) ([]*model.EscalationPolicy, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rows []policyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, name, severities, tiers FROM escalation_policies
		WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	policies := make([]*model.EscalationPolicy, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// CreatePolicy persists an escalation policy.
func (s *Store) CreatePolicy(ctx context.Context, p *model.EscalationPolicy) error {
	if err := s.guardTenant(p.TenantID); err != nil {
		return err
	}
	severities, err := json.Marshal(p.Severities)
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_policy_severities", err)
	}
	tiers, err := json.Marshal(p.Tiers)
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_policy_tiers", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalation_policies (id, tenant_id, name, severities, tiers)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.TenantID, p.Name, severities, tiers)
	return classify(err)
}

// EscalationTimer is one scheduled tier fire.
type EscalationTimer struct {
	ID       uuid.UUID `db:"id"`
	TenantID uuid.UUID `db:"tenant_id"`
	AlertID  uuid.UUID `db:"alert_id"`
	PolicyID uuid.UUID `db:"policy_id"`
	Tier     int       `db:"tier"`
	FireAt   time.Time `db:"fire_at"`
}

// ScheduleTier persists a pending tier fire.
func (s *Store) ScheduleTier(ctx context.Context, t *EscalationTimer) error {
	if err := s.guardTenant(t.TenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_timers (id, tenant_id, alert_id, policy_id, tier, fire_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.TenantID, t.AlertID, t.PolicyID, t.Tier, t.FireAt.UTC())
	return classify(err)
}

// PendingTimers returns every unfired, uncancelled timer across
// tenants, for rebuilding the in-memory queue after restart.
func (s *Store) PendingTimers(ctx context.Context) ([]EscalationTimer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var timers []EscalationTimer
	err := s.db.SelectContext(ctx, &timers, `
		SELECT id, tenant_id, alert_id, policy_id, tier, fire_at FROM escalation_timers
		WHERE NOT fired AND NOT cancelled ORDER BY fire_at`)
	if err != nil {
		return nil, classify(err)
	}
	return timers, nil
}

// HasPendingTimers reports whether an alert has a tier still scheduled.
func (s *Store) HasPendingTimers(ctx context.Context, tenantID, alertID uuid.UUID) (bool, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM escalation_timers
		WHERE tenant_id = $1 AND alert_id = $2 AND NOT fired AND NOT cancelled`,
		tenantID, alertID)
	if err != nil {
		return false, classify(err)
	}
	return n > 0, nil
}

// MarkTimerFired flips a timer to fired. Returns false when the timer
// was already fired or cancelled, which makes firing idempotent.
func (s *Store) MarkTimerFired(ctx context.Context, tenantID, timerID uuid.UUID) (bool, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalation_timers SET fired = TRUE
		WHERE tenant_id = $1 AND id = $2 AND NOT fired AND NOT cancelled`,
		tenantID, timerID)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTimersForAlert cancels all pending tiers of an alert. Called on
// acknowledge, resolve and suppress.
func (s *Store) CancelTimersForAlert(ctx context.Context, tenantID, alertID uuid.UUID) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalation_timers SET cancelled = TRUE
		WHERE tenant_id = $1 AND alert_id = $2 AND NOT fired AND NOT cancelled`,
		tenantID, alertID)
	return classify(err)
}

// PolicyByID loads one escalation policy.
func (s *Store) PolicyByID(ctx context.Context, tenantID, policyID uuid.UUID) (*model.EscalationPolicy, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row policyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, name, severities, tiers FROM escalation_policies
		WHERE tenant_id = $1 AND id = $2`, tenantID, policyID)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// UsersWithRole lists principals holding a role in the tenant, for the
// role recipient resolver.
func (s *Store) UsersWithRole(ctx context.Context, tenantID uuid.UUID, role string) ([]string, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var principals []string
	err := s.db.SelectContext(ctx, &principals, `
		SELECT principal FROM tenant_users WHERE tenant_id = $1 AND roles ? $2`,
		tenantID, role)
	if err != nil {
		return nil, classify(err)
	}
	return principals, nil
}
