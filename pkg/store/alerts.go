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
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/forgewatch/forge-engine/pkg/model"
)

type alertRow struct {
	ID           uuid.UUID        `db:"id"`
	TenantID     uuid.UUID        `db:"tenant_id"`
	RuleID       uuid.UUID        `db:"rule_id"`
	DeviceID     uuid.UUID        `db:"device_id"`
	Metric       string           `db:"metric"`
	Family       model.RuleFamily `db:"family"`
	Severity     model.Severity   `db:"severity"`
	Message      string           `db:"message"`
	Metadata     []byte           `db:"metadata"`
	State        model.AlertState `db:"state"`
	StateVersion int              `db:"state_version"`
	CreatedAt    time.Time        `db:"created_at"`
}

func (r *alertRow) toModel() (*model.Alert, error) {
	a := &model.Alert{
		ID:           r.ID,
		TenantID:     r.TenantID,
		RuleID:       r.RuleID,
		DeviceID:     r.DeviceID,
		Metric:       r.Metric,
		Family:       r.Family,
		Severity:     r.Severity,
		Message:      r.Message,
		State:        r.State,
		StateVersion: r.StateVersion,
		CreatedAt:    r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &a.Metadata); err != nil {
			return nil, model.WrapError(model.KindPermanent, "bad_alert_metadata", err)
		}
	}
	return a, nil
}

const alertColumns = `id, tenant_id, rule_id, device_id, metric, family, severity, message, metadata, state, state_version, created_at`

// CreateAlert inserts the alert, its first history row and its SLA row
// in one transaction.
func (s *Store) CreateAlert(ctx context.Context, a *model.Alert, sla *model.SLARecord) error {
	if err := s.guardTenant(a.TenantID); err != nil {
		return err
	}
	metadata, err := json.Marshal(nonNilAttrs(a.Metadata))
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_alert_metadata", err)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO alerts (id, tenant_id, rule_id, device_id, metric, family, severity, message, metadata, state, state_version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'NEW', 1, $10)`,
			a.ID, a.TenantID, a.RuleID, a.DeviceID, a.Metric, a.Family, a.Severity, a.Message, metadata, a.CreatedAt.UTC()); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_states (tenant_id, alert_id, from_state, to_state, by_principal, note, at)
			VALUES ($1, $2, '', 'NEW', 'system', '', $3)`,
			a.TenantID, a.ID, a.CreatedAt.UTC()); err != nil {
			return classify(err)
		}
		if sla != nil {
			if _, err := tx.Exec(`
				INSERT INTO alert_slas (tenant_id, alert_id, target_tta_seconds, target_ttr_seconds, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				a.TenantID, a.ID, sla.TargetTTA, sla.TargetTTR, a.CreatedAt.UTC()); err != nil {
				return classify(err)
			}
		}
		return nil
	})
}

// AlertByID loads one alert with its current state.
func (s *Store) AlertByID(ctx context.Context, tenantID, alertID uuid.UUID) (*model.Alert, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 AND id = $2`,
		tenantID, alertID)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// AlertsByTenant lists a tenant's alerts, newest first, optionally
// filtered by state. limit caps the page, defaulting to 100.
func (s *Store) AlertsByTenant(ctx context.Context, tenantID uuid.UUID, state model.AlertState, limit int) ([]*model.Alert, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1`
	args := []any{tenantID}
	if state != "" {
		query += ` AND state = $2`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ` + strconv.Itoa(limit)
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify(err)
	}
	out := make([]*model.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// OpenAlertForRule returns the alert keeping a rule deduplicated, if
// any: the newest alert of the rule still in a non-terminal state.
func (s *Store) OpenAlertForRule(ctx context.Context, tenantID, ruleID uuid.UUID) (*model.Alert, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row alertRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+alertColumns+` FROM alerts
		WHERE tenant_id = $1 AND rule_id = $2 AND state IN ('NEW', 'ACKNOWLEDGED', 'INVESTIGATING')
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, ruleID)
	if err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// TransitionAlert appends a history row and advances the current state
// under an optimistic version check. A concurrent transition surfaces
// as a conflict; the caller retries once.
func (s *Store) TransitionAlert(ctx context.Context, tenantID uuid.UUID, tr *model.StateTransition, fromVersion int) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE alerts SET state = $4, state_version = state_version + 1
			WHERE tenant_id = $1 AND id = $2 AND state_version = $3`,
			tenantID, tr.AlertID, fromVersion, tr.To)
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errorf(model.KindConflict, "stale_state_version",
				"alert %s version %d is stale", tr.AlertID, fromVersion)
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_states (tenant_id, alert_id, from_state, to_state, by_principal, note, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tenantID, tr.AlertID, tr.From, tr.To, tr.ByPrincipal, tr.Note, tr.At.UTC()); err != nil {
			return classify(err)
		}
		return nil
	})
}

// StateHistory returns the append-only transition history of an alert.
func (s *Store) StateHistory(ctx context.Context, tenantID, alertID uuid.UUID) ([]model.StateTransition, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var trs []model.StateTransition
	err := s.db.SelectContext(ctx, &trs, `
		SELECT alert_id, from_state, to_state, by_principal, note, at FROM alert_states
		WHERE tenant_id = $1 AND alert_id = $2 ORDER BY at`,
		tenantID, alertID)
	if err != nil {
		return nil, classify(err)
	}
	return trs, nil
}

// SLAByAlert loads the SLA record of an alert.
func (s *Store) SLAByAlert(ctx context.Context, tenantID, alertID uuid.UUID) (*model.SLARecord, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sla model.SLARecord
	err := s.db.GetContext(ctx, &sla, `
		SELECT alert_id, tenant_id, target_tta_seconds, target_ttr_seconds, acknowledged_at, resolved_at,
		       tta_seconds, ttr_seconds, tta_breached, ttr_breached
		FROM alert_slas WHERE tenant_id = $1 AND alert_id = $2`,
		tenantID, alertID)
	if err != nil {
		return nil, classify(err)
	}
	return &sla, nil
}

// MarkAcknowledged records acknowledged_at and the computed TTA.
func (s *Store) MarkAcknowledged(ctx context.Context, tenantID, alertID uuid.UUID, at time.Time, ttaSeconds int64, breached bool) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_slas SET acknowledged_at = $3, tta_seconds = $4, tta_breached = $5
		WHERE tenant_id = $1 AND alert_id = $2 AND acknowledged_at IS NULL`,
		tenantID, alertID, at.UTC(), ttaSeconds, breached)
	return classify(err)
}

// MarkResolved records resolved_at and the computed TTR.
func (s *Store) MarkResolved(ctx context.Context, tenantID, alertID uuid.UUID, at time.Time, ttrSeconds int64, breached bool) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_slas SET resolved_at = $3, ttr_seconds = $4, ttr_breached = $5
		WHERE tenant_id = $1 AND alert_id = $2 AND resolved_at IS NULL`,
		tenantID, alertID, at.UTC(), ttrSeconds, breached)
	return classify(err)
}

// OverdueSLA is one overdue-but-unresolved alert found by the sweep.
type OverdueSLA struct {
	TenantID    uuid.UUID      `db:"tenant_id"`
	AlertID     uuid.UUID      `db:"alert_id"`
	DeviceID    uuid.UUID      `db:"device_id"`
	Severity    model.Severity `db:"severity"`
	TTAOverdue  bool           `db:"tta_overdue"`
	TTROverdue  bool           `db:"ttr_overdue"`
}

// SweepOverdueSLAs marks breach flags on alerts past their targets and
// returns the rows newly marked, for breach-event emission.
func (s *Store) SweepOverdueSLAs(ctx context.Context, now time.Time) ([]OverdueSLA, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out []OverdueSLA
	err := s.db.SelectContext(ctx, &out, `
		WITH marked AS (
			UPDATE alert_slas sla SET
				tta_breached = tta_breached OR (sla.acknowledged_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_tta_seconds)),
				ttr_breached = ttr_breached OR (sla.resolved_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_ttr_seconds))
			FROM alerts a
			WHERE a.tenant_id = sla.tenant_id AND a.id = sla.alert_id
			  AND a.state IN ('NEW', 'ACKNOWLEDGED', 'INVESTIGATING')
			  AND (
				(NOT sla.tta_breached AND sla.acknowledged_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_tta_seconds))
				OR
				(NOT sla.ttr_breached AND sla.resolved_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_ttr_seconds))
			  )
			RETURNING sla.tenant_id, sla.alert_id, a.device_id, a.severity,
				(sla.acknowledged_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_tta_seconds)) AS tta_overdue,
				(sla.resolved_at IS NULL AND $1 > sla.created_at + make_interval(secs => sla.target_ttr_seconds)) AS ttr_overdue
		)
		SELECT * FROM marked`, now.UTC())
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// StaleNewAlerts returns NEW alerts older than maxAge, for expiry.
func (s *Store) StaleNewAlerts(ctx context.Context, cutoff time.Time) ([]*model.Alert, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+alertColumns+` FROM alerts WHERE state = 'NEW' AND created_at < $1`,
		cutoff.UTC())
	if err != nil {
		return nil, classify(err)
	}
	alerts := make([]*model.Alert, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// ActiveGroup returns the active group for a grouping key, honoring the
// family wildcard, or a not_found error.
func (s *Store) ActiveGroup(ctx context.Context, key model.GroupKey) (*model.AlertGroup, error) {
	if err := s.guardTenant(key.TenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var g model.AlertGroup
	err := s.db.GetContext(ctx, &g, `
		SELECT id, tenant_id, device_id, metric, status, first_occurrence, last_occurrence, occurrence_count
		FROM alert_groups
		WHERE tenant_id = $1 AND device_id = $2 AND metric = $3 AND status = 'active'
		ORDER BY last_occurrence DESC LIMIT 1`,
		key.TenantID, key.DeviceID, key.Metric)
	if err != nil {
		return nil, classify(err)
	}
	return &g, nil
}

// CreateGroup opens a new active group seeded with one alert.
func (s *Store) CreateGroup(ctx context.Context, g *model.AlertGroup, alertID uuid.UUID) error {
	if err := s.guardTenant(g.TenantID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO alert_groups (id, tenant_id, device_id, family, metric, status, first_occurrence, last_occurrence, occurrence_count)
			VALUES ($1, $2, $3, '*', $4, 'active', $5, $5, 1)`,
			g.ID, g.TenantID, g.DeviceID, g.Metric, g.FirstOccurrence.UTC()); err != nil {
			return classify(err)
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_group_members (tenant_id, group_id, alert_id) VALUES ($1, $2, $3)`,
			g.TenantID, g.ID, alertID); err != nil {
			return classify(err)
		}
		return nil
	})
}

// AttachToGroup adds an alert to an active group and bumps occurrence
// bookkeeping. Closed groups never gain members.
func (s *Store) AttachToGroup(ctx context.Context, tenantID, groupID, alertID uuid.UUID, at time.Time) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			UPDATE alert_groups SET last_occurrence = $3, occurrence_count = occurrence_count + 1
			WHERE tenant_id = $1 AND id = $2 AND status = 'active'`,
			tenantID, groupID, at.UTC())
		if err != nil {
			return classify(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.Errorf(model.KindConflict, "group_closed", "group %s is not active", groupID)
		}
		if _, err := tx.Exec(`
			INSERT INTO alert_group_members (tenant_id, group_id, alert_id) VALUES ($1, $2, $3)`,
			tenantID, groupID, alertID); err != nil {
			return classify(err)
		}
		return nil
	})
}

// TouchGroup bumps occurrence bookkeeping without adding a member.
// Used when a fire was deduplicated against an open alert: the
// occurrence still counts against the group.
func (s *Store) TouchGroup(ctx context.Context, tenantID, groupID uuid.UUID, at time.Time) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_groups SET last_occurrence = $3, occurrence_count = occurrence_count + 1
		WHERE tenant_id = $1 AND id = $2 AND status = 'active'`,
		tenantID, groupID, at.UTC())
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindConflict, "group_closed", "group %s is not active", groupID)
	}
	return nil
}

// CloseGroup retires an active group unconditionally. Used when a
// group went quiet past the grouping window and a successor opens for
// the same key.
func (s *Store) CloseGroup(ctx context.Context, tenantID, groupID uuid.UUID) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE alert_groups SET status = 'closed'
		WHERE tenant_id = $1 AND id = $2 AND status = 'active'`,
		tenantID, groupID)
	return classify(err)
}

// GroupForAlert returns the group an alert belongs to, if any.
func (s *Store) GroupForAlert(ctx context.Context, tenantID, alertID uuid.UUID) (*model.AlertGroup, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var g model.AlertGroup
	err := s.db.GetContext(ctx, &g, `
		SELECT g.id, g.tenant_id, g.device_id, g.metric, g.status, g.first_occurrence, g.last_occurrence, g.occurrence_count
		FROM alert_groups g
		JOIN alert_group_members m ON m.tenant_id = g.tenant_id AND m.group_id = g.id
		WHERE g.tenant_id = $1 AND m.alert_id = $2`,
		tenantID, alertID)
	if err != nil {
		return nil, classify(err)
	}
	return &g, nil
}

// CloseGroupIfTerminal closes the group when every member alert has
// reached a terminal state. Returns true when the group was closed.
func (s *Store) CloseGroupIfTerminal(ctx context.Context, tenantID, groupID uuid.UUID) (bool, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_groups g SET status = 'closed'
		WHERE g.tenant_id = $1 AND g.id = $2 AND g.status = 'active'
		  AND NOT EXISTS (
			SELECT 1 FROM alert_group_members m
			JOIN alerts a ON a.tenant_id = m.tenant_id AND a.id = m.alert_id
			WHERE m.tenant_id = g.tenant_id AND m.group_id = g.id
			  AND a.state NOT IN ('RESOLVED', 'EXPIRED', 'SUPPRESSED'))`,
		tenantID, groupID)
	if err != nil {
		return false, classify(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
