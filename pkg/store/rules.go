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

	"github.com/google/uuid"

	"github.com/forgewatch/forge-engine/pkg/model"
)

type ruleRow struct {
	ID          uuid.UUID        `db:"id"`
	TenantID    uuid.UUID        `db:"tenant_id"`
	DeviceID    uuid.UUID        `db:"device_id"`
	Metric      string           `db:"metric"`
	Family      model.RuleFamily `db:"family"`
	Params      []byte           `db:"params"`
	Severity    model.Severity   `db:"severity"`
	Enabled     bool             `db:"enabled"`
	Actions     []byte           `db:"actions"`
	ErrorStreak int              `db:"error_streak"`
}

func (r *ruleRow) toModel() (*model.Rule, error) {
	rule := &model.Rule{
		ID:       r.ID,
		TenantID: r.TenantID,
		DeviceID: r.DeviceID,
		Metric:   r.Metric,
		Family:   r.Family,
		Severity: r.Severity,
		Enabled:  r.Enabled,
	}
	if err := json.Unmarshal(r.Params, &rule.Params); err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_rule_params", err)
	}
	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &rule.Actions); err != nil {
			return nil, model.WrapError(model.KindPermanent, "bad_rule_actions", err)
		}
	}
	return rule, nil
}

// CreateRule persists a rule. The target device must belong to the same
// tenant; a cross-tenant reference is a validation error.
func (s *Store) CreateRule(ctx context.Context, rule *model.Rule) error {
	if err := s.guardTenant(rule.TenantID); err != nil {
		return err
	}
	if !rule.Family.Valid() {
		return model.Errorf(model.KindValidation, "bad_rule_family", "unknown family %q", rule.Family)
	}
	if !rule.Severity.Valid() {
		return model.Errorf(model.KindValidation, "bad_severity", "unknown severity %q", rule.Severity)
	}
	var n int
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.GetContext(ctx, &n, `
		SELECT count(*) FROM devices WHERE tenant_id = $1 AND id = $2`,
		rule.TenantID, rule.DeviceID); err != nil {
		return classify(err)
	}
	if n == 0 {
		return model.Errorf(model.KindValidation, "cross_tenant_device",
			"device %s does not belong to tenant %s", rule.DeviceID, rule.TenantID)
	}
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_rule_params", err)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_rule_actions", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, tenant_id, device_id, metric, family, params, severity, enabled, actions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rule.ID, rule.TenantID, rule.DeviceID, rule.Metric, rule.Family, params, rule.Severity, rule.Enabled, actions)
	return classify(err)
}

// EnabledRules returns all enabled rules of a tenant.
func (s *Store) EnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rows []ruleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, device_id, metric, family, params, severity, enabled, actions, error_streak
		FROM rules WHERE tenant_id = $1 AND enabled`, tenantID)
	if err != nil {
		return nil, classify(err)
	}
	rules := make([]*model.Rule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RuleByID loads one rule.
func (s *Store) RuleByID(ctx context.Context, tenantID, ruleID uuid.UUID) (*model.Rule, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row ruleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, device_id, metric, family, params, severity, enabled, actions, error_streak
		FROM rules WHERE tenant_id = $1 AND id = $2`, tenantID, ruleID)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// TenantIDsWithEnabledRules lists tenants the scheduler must visit.
func (s *Store) TenantIDsWithEnabledRules(ctx context.Context) ([]uuid.UUID, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT tenant_id FROM rules WHERE enabled`)
	if err != nil {
		return nil, classify(err)
	}
	return ids, nil
}

// SetRuleEnabled flips the enabled flag and resets the error streak.
func (s *Store) SetRuleEnabled(ctx context.Context, tenantID, ruleID uuid.UUID, enabled bool) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET enabled = $3, error_streak = 0 WHERE tenant_id = $1 AND id = $2`,
		tenantID, ruleID, enabled)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindNotFound, "not_found", "rule %s", ruleID)
	}
	return nil
}

// BumpRuleErrorStreak increments the consecutive-error counter and
// returns the new streak. The engine auto-disables past its threshold.
func (s *Store) BumpRuleErrorStreak(ctx context.Context, tenantID, ruleID uuid.UUID) (int, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var streak int
	err := s.db.GetContext(ctx, &streak, `
		UPDATE rules SET error_streak = error_streak + 1
		WHERE tenant_id = $1 AND id = $2 RETURNING error_streak`,
		tenantID, ruleID)
	if err != nil {
		return 0, classify(err)
	}
	return streak, nil
}

// ResetRuleErrorStreak clears the consecutive-error counter.
func (s *Store) ResetRuleErrorStreak(ctx context.Context, tenantID, ruleID uuid.UUID) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE rules SET error_streak = 0 WHERE tenant_id = $1 AND id = $2 AND error_streak <> 0`,
		tenantID, ruleID)
	return classify(err)
}

// ActionsByIDs resolves the action references attached to a rule.
func (s *Store) ActionsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*model.Action, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlxIn(`
		SELECT id, tenant_id, kind, address, secret FROM actions
		WHERE tenant_id = ? AND id IN (?)`, tenantID, ids)
	if err != nil {
		return nil, model.WrapError(model.KindPermanent, "bad_query", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var actions []*model.Action
	if err := s.db.SelectContext(ctx, &actions, s.db.Rebind(query), args...); err != nil {
		return nil, classify(err)
	}
	return actions, nil
}
