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

// Package retention ages out telemetry, settled alerts and dead letters
// on per-tenant schedules.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/store"
)

// Policy holds how long each data class is kept. A zero duration keeps
// the class forever.
type Policy struct {
	Telemetry   time.Duration
	Alerts      time.Duration
	DeadLetters time.Duration
}

// merge fills the override's zero fields from the default policy.
func (p Policy) merge(def Policy) Policy {
	if p.Telemetry == 0 {
		p.Telemetry = def.Telemetry
	}
	if p.Alerts == 0 {
		p.Alerts = def.Alerts
	}
	if p.DeadLetters == 0 {
		p.DeadLetters = def.DeadLetters
	}
	return p
}

// Store is the slice of the persistence layer the sweep uses.
type Store interface {
	TenantIDs(ctx context.Context) ([]uuid.UUID, error)
	PurgeTelemetry(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
	PurgeAlerts(ctx context.Context, tenantID uuid.UUID, cutoff time.Time) (int64, error)
	PurgeDeadLetters(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperOptions tune the retention sweep.
type SweeperOptions struct {
	// Interval between passes.
	Interval time.Duration
	// Default applies to tenants without an override.
	Default Policy
	// Overrides replace the default per tenant; zero fields inherit.
	Overrides map[uuid.UUID]Policy
}

// Sweeper runs the periodic purge. One failing tenant never stops the
// pass.
type Sweeper struct {
	logger log.Logger
	store  Store
	now    func() time.Time

	mu   sync.Mutex
	opts SweeperOptions

	purged *prometheus.CounterVec
}

// NewSweeper wires the sweep.
func NewSweeper(logger log.Logger, reg prometheus.Registerer, opts SweeperOptions, st Store) *Sweeper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	s := &Sweeper{
		logger: log.With(logger, "component", "retention"),
		opts:   opts,
		store:  st,
		now:    time.Now,
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_retention_purged_rows_total",
			Help: "Number of rows removed by the retention sweep.",
		}, []string{"class"}),
	}
	if reg != nil {
		reg.MustRegister(s.purged)
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) policyFor(tenantID uuid.UUID) Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.opts.Overrides[tenantID]; ok {
		return p.merge(s.opts.Default)
	}
	return s.opts.Default
}

// SetPolicies replaces the retention policies. Called on config reload.
func (s *Sweeper) SetPolicies(def Policy, overrides map[uuid.UUID]Policy) {
	s.mu.Lock()
	s.opts.Default = def
	s.opts.Overrides = overrides
	s.mu.Unlock()
}

// Sweep runs one purge pass over every tenant.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	tenants, err := s.store.TenantIDs(ctx)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "tenant listing failed", "err", err)
		return
	}
	for _, id := range tenants {
		p := s.policyFor(id)
		if p.Telemetry > 0 {
			n, err := s.store.PurgeTelemetry(ctx, id, now.Add(-p.Telemetry))
			s.record(store.RetainTelemetry, id, n, err)
		}
		if p.Alerts > 0 {
			n, err := s.store.PurgeAlerts(ctx, id, now.Add(-p.Alerts))
			s.record(store.RetainAlerts, id, n, err)
		}
	}
	s.mu.Lock()
	deadLetters := s.opts.Default.DeadLetters
	s.mu.Unlock()
	if deadLetters > 0 {
		n, err := s.store.PurgeDeadLetters(ctx, now.Add(-deadLetters))
		s.record(store.RetainDeadLetters, uuid.Nil, n, err)
	}
}

func (s *Sweeper) record(class store.RetentionClass, tenantID uuid.UUID, n int64, err error) {
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "purge failed", "class", class, "tenant", tenantID, "err", err)
		return
	}
	if n > 0 {
		s.purged.WithLabelValues(string(class)).Add(float64(n))
		_ = level.Debug(s.logger).Log("msg", "purged rows", "class", class, "tenant", tenantID, "rows", n)
	}
}
