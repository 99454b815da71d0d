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

// Package tenant resolves and enforces the tenant context carried
// through every boundary call of the pipeline.
package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// Enforcement selects how strictly tenant scoping is applied. Permissive
// mode is for development only.
type Enforcement string

const (
	EnforcementStrict     Enforcement = "strict"
	EnforcementPermissive Enforcement = "permissive"
)

// Context is the tenant bundle carried explicitly through the call
// stack. It is never stored in a process-global.
type Context struct {
	TenantID uuid.UUID
	Slug     string
	Tier     string
	Status   model.TenantStatus
	Features []string
	Quotas   model.Quotas
	// Principal is the authenticated actor, empty for machine ingest.
	Principal string
}

// HasFeature reports whether the tenant has the named feature flag.
func (c *Context) HasFeature(name string) bool {
	for _, f := range c.Features {
		if f == name {
			return true
		}
	}
	return false
}

// CanWrite reports whether the tenant may perform mutating operations.
// Suspended tenants reject all writes.
func (c *Context) CanWrite() bool {
	return c.Status != model.TenantSuspended
}

// Store is the subset of the tenant store the resolver needs.
type Store interface {
	TenantByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	TenantBySlug(ctx context.Context, slug string) (*model.Tenant, error)
	// Counts returns current usage for quota checks.
	DeviceCount(ctx context.Context, tenantID uuid.UUID) (int, error)
	UserCount(ctx context.Context, tenantID uuid.UUID) (int, error)
	TelemetryCountToday(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// Resolver builds tenant contexts from ids or slugs.
type Resolver struct {
	store Store
}

// NewResolver returns a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the tenant context for the given tenant id.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) (*Context, error) {
	t, err := r.store.TenantByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromTenant(t), nil
}

// ResolveSlug returns the tenant context for the given slug. Ingestion
// adapters address tenants by slug on the wire.
func (r *Resolver) ResolveSlug(ctx context.Context, slug string) (*Context, error) {
	t, err := r.store.TenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return fromTenant(t), nil
}

func fromTenant(t *model.Tenant) *Context {
	return &Context{
		TenantID: t.ID,
		Slug:     t.Slug,
		Tier:     t.Tier,
		Status:   t.Status,
		Features: t.Features,
		Quotas:   t.Quotas,
	}
}

// Quota identifies one of the per-tenant creation limits.
type Quota int

const (
	QuotaDevices Quota = iota + 1
	QuotaUsers
	QuotaTelemetryPerDay
)

// CheckQuota verifies that one more creation of the given kind stays
// within the tenant's limit. Exceeding returns a quota_exceeded error
// regardless of other permissions.
func (r *Resolver) CheckQuota(ctx context.Context, tc *Context, q Quota) error {
	var current, limit int
	var err error
	switch q {
	case QuotaDevices:
		limit = tc.Quotas.MaxDevices
		current, err = r.store.DeviceCount(ctx, tc.TenantID)
	case QuotaUsers:
		limit = tc.Quotas.MaxUsers
		current, err = r.store.UserCount(ctx, tc.TenantID)
	case QuotaTelemetryPerDay:
		limit = tc.Quotas.MaxTelemetryPerDay
		current, err = r.store.TelemetryCountToday(ctx, tc.TenantID)
	default:
		return model.Errorf(model.KindPermanent, "unknown_quota", "quota kind %d", q)
	}
	if err != nil {
		return err
	}
	if limit > 0 && current+1 > limit {
		return model.Errorf(model.KindQuotaExceeded, "quota_exceeded",
			"tenant %s quota reached (%d/%d)", tc.TenantID, current, limit)
	}
	return nil
}
