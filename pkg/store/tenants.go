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

type tenantRow struct {
	ID       uuid.UUID          `db:"id"`
	Slug     string             `db:"slug"`
	Status   model.TenantStatus `db:"status"`
	Tier     string             `db:"tier"`
	Quotas   []byte             `db:"quotas"`
	Features []byte             `db:"features"`
}

func (r *tenantRow) toModel() (*model.Tenant, error) {
	t := &model.Tenant{ID: r.ID, Slug: r.Slug, Status: r.Status, Tier: r.Tier}
	if len(r.Quotas) > 0 {
		if err := json.Unmarshal(r.Quotas, &t.Quotas); err != nil {
			return nil, model.WrapError(model.KindPermanent, "bad_tenant_quotas", err)
		}
	}
	if len(r.Features) > 0 {
		if err := json.Unmarshal(r.Features, &t.Features); err != nil {
			return nil, model.WrapError(model.KindPermanent, "bad_tenant_features", err)
		}
	}
	return t, nil
}

const tenantColumns = `id, slug, status, tier, quotas, features`

// TenantByID loads a tenant by id.
func (s *Store) TenantByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row tenantRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id); err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// TenantBySlug loads a tenant by its wire slug.
func (s *Store) TenantBySlug(ctx context.Context, slug string) (*model.Tenant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var row tenantRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug); err != nil {
		return nil, classify(err)
	}
	return row.toModel()
}

// DeviceCount returns the tenant's current device count for quota checks.
func (s *Store) DeviceCount(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.scopedCount(ctx, tenantID, `SELECT count(*) FROM devices WHERE tenant_id = $1`)
}

// UserCount returns the tenant's current user count for quota checks.
func (s *Store) UserCount(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.scopedCount(ctx, tenantID, `SELECT count(*) FROM tenant_users WHERE tenant_id = $1`)
}

// TelemetryCountToday returns today's ingested point count for the
// telemetry-per-day quota.
func (s *Store) TelemetryCountToday(ctx context.Context, tenantID uuid.UUID) (int, error) {
	return s.scopedCount(ctx, tenantID, `
		SELECT count(*) FROM telemetry WHERE tenant_id = $1 AND ts >= date_trunc('day', now())`)
}

func (s *Store) scopedCount(ctx context.Context, tenantID uuid.UUID, query string) (int, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	if err := s.db.GetContext(ctx, &n, query, tenantID); err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// CreateDevice persists a device. Quota checks run at the boundary
// before this is called.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	if err := s.guardTenant(d.TenantID); err != nil {
		return err
	}
	attrs, err := json.Marshal(nonNilAttrs(d.Attributes))
	if err != nil {
		return model.WrapError(model.KindValidation, "bad_attributes", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	status := d.Status
	if status == "" {
		status = "unknown"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, tenant_id, name, type, location, status, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.TenantID, d.Name, d.Type, d.Location, status, attrs, d.CreatedAt.UTC())
	return classify(err)
}

// SetDeviceStatus records the device-reported status string.
func (s *Store) SetDeviceStatus(ctx context.Context, tenantID, deviceID uuid.UUID, status string) error {
	if err := s.guardTenant(tenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE devices SET status = $3 WHERE tenant_id = $1 AND id = $2`,
		tenantID, deviceID, status)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Errorf(model.KindNotFound, "device_not_found", "device %s not found", deviceID)
	}
	return nil
}

// DevicesByTenant lists a tenant's devices.
func (s *Store) DevicesByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Device, error) {
	if err := s.guardTenant(tenantID); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var devices []model.Device
	err := s.db.SelectContext(ctx, &devices, `
		SELECT id, tenant_id, name, type, location, status, created_at FROM devices WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, classify(err)
	}
	return devices, nil
}

// Registration maps a protocol peer to its (tenant, device) pair.
type Registration struct {
	TenantID       uuid.UUID `db:"tenant_id"`
	DeviceID       uuid.UUID `db:"device_id"`
	Protocol       string    `db:"protocol"`
	PeerID         string    `db:"peer_id"`
	CredentialHash string    `db:"credential_hash"`
}

// ResolveRegistration looks up the registration of a protocol peer.
// Unknown peers surface as not_found and are rejected by the adapter.
func (s *Store) ResolveRegistration(ctx context.Context, protocol, peerID string) (*Registration, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var reg Registration
	err := s.db.GetContext(ctx, &reg, `
		SELECT tenant_id, device_id, protocol, peer_id, credential_hash
		FROM device_registrations WHERE protocol = $1 AND peer_id = $2`,
		protocol, peerID)
	if err != nil {
		return nil, classify(err)
	}
	return &reg, nil
}

// RegisterDevice binds a protocol peer id to a device.
func (s *Store) RegisterDevice(ctx context.Context, reg *Registration) error {
	if err := s.guardTenant(reg.TenantID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_registrations (tenant_id, device_id, protocol, peer_id, credential_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (protocol, peer_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, device_id = EXCLUDED.device_id,
			credential_hash = EXCLUDED.credential_hash`,
		reg.TenantID, reg.DeviceID, reg.Protocol, reg.PeerID, reg.CredentialHash)
	return classify(err)
}
