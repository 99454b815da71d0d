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

package alert

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/store"
)

// SweepStore is the slice of the store the sweep reads.
type SweepStore interface {
	SweepOverdueSLAs(ctx context.Context, now time.Time) ([]store.OverdueSLA, error)
	StaleNewAlerts(ctx context.Context, cutoff time.Time) ([]*model.Alert, error)
}

// Breacher consumes breach events; the escalation engine restarts
// escalation for unsettled alerts whose tiers all fired.
type Breacher interface {
	AlertBreached(ctx context.Context, a *model.Alert) error
}

// SweeperOptions tune the background sweep.
type SweeperOptions struct {
	// Interval between sweeps.
	Interval time.Duration
	// MaxNewAge expires NEW alerts older than this. Zero disables expiry.
	MaxNewAge time.Duration
}

// Sweeper runs the per-minute background pass: it marks overdue SLAs,
// emits breach events and expires stale NEW alerts. Errors are logged
// per entry; one bad alert never stops the pass.
type Sweeper struct {
	logger   log.Logger
	opts     SweeperOptions
	store    SweepStore
	core     *Core
	breacher Breacher
	now      func() time.Time

	maxNewAge atomic.Int64

	breaches prometheus.Counter
	expired  prometheus.Counter
}

// NewSweeper wires the sweep. breacher may be nil.
func NewSweeper(logger log.Logger, reg prometheus.Registerer, opts SweeperOptions, st SweepStore, core *Core, breacher Breacher) *Sweeper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	s := &Sweeper{
		logger:   log.With(logger, "component", "sla-sweep"),
		opts:     opts,
		store:    st,
		core:     core,
		breacher: breacher,
		now:      time.Now,
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_sla_breaches_total",
			Help: "Number of SLA breach events emitted by the sweep.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_alerts_expired_total",
			Help: "Number of stale NEW alerts expired by the sweep.",
		}),
	}
	s.maxNewAge.Store(int64(opts.MaxNewAge))
	if reg != nil {
		reg.MustRegister(s.breaches, s.expired)
	}
	return s
}

// SetMaxNewAge replaces the NEW-alert expiry age. Called on config
// reload; zero disables expiry.
func (s *Sweeper) SetMaxNewAge(age time.Duration) {
	s.maxNewAge.Store(int64(age))
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
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := s.now()
	overdue, err := s.store.SweepOverdueSLAs(ctx, now)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "sla sweep failed", "err", err)
	} else {
		for _, od := range overdue {
			s.breach(ctx, od, now)
		}
	}
	maxNewAge := time.Duration(s.maxNewAge.Load())
	if maxNewAge <= 0 {
		return
	}
	stale, err := s.store.StaleNewAlerts(ctx, now.Add(-maxNewAge))
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "stale alert listing failed", "err", err)
		return
	}
	for _, a := range stale {
		if _, err := s.core.Expire(ctx, a.TenantID, a.ID); err != nil {
			_ = level.Warn(s.logger).Log("msg", "alert expiry failed", "alert", a.ID, "err", err)
			continue
		}
		s.expired.Inc()
	}
}

// breach emits one sla.breached event to the push stream and the
// alert's actions, and hands it to the escalation engine.
func (s *Sweeper) breach(ctx context.Context, od store.OverdueSLA, now time.Time) {
	s.breaches.Inc()
	var what string
	switch {
	case od.TTAOverdue && od.TTROverdue:
		what = "acknowledge and resolve targets missed"
	case od.TTAOverdue:
		what = "acknowledge target missed"
	default:
		what = "resolve target missed"
	}
	a, err := s.core.store.AlertByID(ctx, od.TenantID, od.AlertID)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "breached alert lookup failed", "alert", od.AlertID, "err", err)
		return
	}
	ev := model.Event{
		Type:       model.EventSLABreached,
		TenantID:   od.TenantID,
		AlertID:    od.AlertID,
		Severity:   od.Severity,
		DeviceID:   od.DeviceID,
		Message:    fmt.Sprintf("SLA breach: %s", what),
		Metadata:   model.Attributes{"tta_overdue": od.TTAOverdue, "ttr_overdue": od.TTROverdue},
		OccurredAt: now.UTC(),
	}
	if err := s.core.notifier.Notify(ctx, ev, s.core.actionsOf(ctx, a)); err != nil {
		_ = level.Warn(s.logger).Log("msg", "breach event not delivered", "alert", od.AlertID, "err", err)
	}
	if s.breacher != nil {
		if err := s.breacher.AlertBreached(ctx, a); err != nil {
			_ = level.Warn(s.logger).Log("msg", "breach escalation failed", "alert", od.AlertID, "err", err)
		}
	}
}
