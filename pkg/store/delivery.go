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

	"github.com/google/uuid"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// RecordDelivery persists one notification delivery attempt.
func (s *Store) RecordDelivery(ctx context.Context, d *model.DeliveryAttempt) error {
	if err := s.guardTenant(d.TenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_attempts (id, tenant_id, alert_id, channel, recipient, status, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TenantID, d.AlertID, d.Channel, d.Recipient, d.Status, d.Error, d.At.UTC())
	return classify(err)
}

// UpdateDeliveryStatus advances the status of a recorded attempt.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, tenantID, id uuid.UUID, status model.DeliveryStatus, errMsg string) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_attempts SET status = $3, error = $4 WHERE tenant_id = $1 AND id = $2`,
		tenantID, id, status, errMsg)
	return classify(err)
}

// DeliveriesByAlert lists delivery attempts for an alert.
func (s *Store) DeliveriesByAlert(ctx context.Context, tenantID, alertID uuid.UUID) ([]model.DeliveryAttempt, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var out []model.DeliveryAttempt
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, tenant_id, alert_id, channel, recipient, status, error, at
		FROM delivery_attempts WHERE tenant_id = $1 AND alert_id = $2 ORDER BY at`,
		tenantID, alertID)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}
