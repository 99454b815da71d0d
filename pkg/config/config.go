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

// Package config loads the reloadable overrides file and converts it
// into the option shapes the pipeline components consume.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/forgewatch/forge-engine/pkg/alert"
	"github.com/forgewatch/forge-engine/pkg/ingest"
	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/retention"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "15m" or "72h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// SLAOverride replaces the acknowledge/resolve targets of one severity.
type SLAOverride struct {
	Acknowledge Duration `yaml:"acknowledge"`
	Resolve     Duration `yaml:"resolve"`
}

// RetentionOverride replaces retention windows; zero fields inherit.
type RetentionOverride struct {
	Telemetry   Duration `yaml:"telemetry"`
	Alerts      Duration `yaml:"alerts"`
	DeadLetters Duration `yaml:"dead_letters"`
}

func (r RetentionOverride) policy() retention.Policy {
	return retention.Policy{
		Telemetry:   r.Telemetry.Std(),
		Alerts:      r.Alerts.Std(),
		DeadLetters: r.DeadLetters.Std(),
	}
}

// TenantOverride carries one tenant's deviations from the defaults.
type TenantOverride struct {
	SLA       map[string]SLAOverride `yaml:"sla"`
	Cadence   Duration               `yaml:"cadence"`
	Retention *RetentionOverride     `yaml:"retention"`
}

// MetricPolicy is the ingestion allow-list and bounds.
type MetricPolicy struct {
	Allowed []string `yaml:"allowed"`
	Bounds  map[string]struct {
		Min float64 `yaml:"min"`
		Max float64 `yaml:"max"`
	} `yaml:"bounds"`
}

// AlertPolicy tunes grouping and expiry.
type AlertPolicy struct {
	MaxNewAge     Duration `yaml:"max_new_age"`
	GroupWindow   Duration `yaml:"group_window"`
	NotifyOn      string   `yaml:"notify_on"`
	RatePerMinute int      `yaml:"rate_per_minute"`
}

// Overrides is the reloadable part of the configuration.
type Overrides struct {
	Tenants   map[string]TenantOverride `yaml:"tenants"`
	Metrics   MetricPolicy              `yaml:"metrics"`
	Alerts    AlertPolicy               `yaml:"alerts"`
	Retention RetentionOverride         `yaml:"retention"`
	Webhook   struct {
		TestHosts []string `yaml:"test_hosts"`
	} `yaml:"webhook"`
}

// Load reads and validates an overrides file. An empty path yields
// empty overrides.
func Load(path string) (*Overrides, error) {
	o := &Overrides{}
	if path == "" {
		return o, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(raw, o); err != nil {
		return nil, err
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Overrides) validate() error {
	for id, t := range o.Tenants {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("tenants: key %q is not a tenant id", id)
		}
		for sev := range t.SLA {
			if !model.Severity(sev).Valid() {
				return fmt.Errorf("tenants[%s].sla: unknown severity %q", id, sev)
			}
		}
	}
	switch o.Alerts.NotifyOn {
	case "", string(alert.NotifyFirst), string(alert.NotifyEvery), string(alert.NotifyRateLimited):
	default:
		return fmt.Errorf("alerts.notify_on %q: want first, every or rate_limited", o.Alerts.NotifyOn)
	}
	return nil
}

// TenantSLA converts the per-tenant SLA overrides, filling unnamed
// severities from the defaults.
func (o *Overrides) TenantSLA(defaults alert.SLATargets) map[uuid.UUID]alert.SLATargets {
	out := map[uuid.UUID]alert.SLATargets{}
	for id, t := range o.Tenants {
		if len(t.SLA) == 0 {
			continue
		}
		tid, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		targets := alert.SLATargets{}
		for sev, target := range defaults {
			targets[sev] = target
		}
		for sev, ov := range t.SLA {
			targets[model.Severity(sev)] = alert.SLATarget{
				TTA: ov.Acknowledge.Std(),
				TTR: ov.Resolve.Std(),
			}
		}
		out[tid] = targets
	}
	return out
}

// TenantCadence converts the per-tenant evaluation cadence overrides.
func (o *Overrides) TenantCadence() map[uuid.UUID]time.Duration {
	out := map[uuid.UUID]time.Duration{}
	for id, t := range o.Tenants {
		if t.Cadence <= 0 {
			continue
		}
		if tid, err := uuid.Parse(id); err == nil {
			out[tid] = t.Cadence.Std()
		}
	}
	return out
}

// Validation converts the metric policy for the ingestion pipeline.
func (o *Overrides) Validation() *ingest.Validation {
	v := &ingest.Validation{}
	if len(o.Metrics.Allowed) > 0 {
		v.AllowedMetrics = make(map[string]struct{}, len(o.Metrics.Allowed))
		for _, m := range o.Metrics.Allowed {
			v.AllowedMetrics[m] = struct{}{}
		}
	}
	if len(o.Metrics.Bounds) > 0 {
		v.Bounds = make(map[string]ingest.MetricBounds, len(o.Metrics.Bounds))
		for m, b := range o.Metrics.Bounds {
			v.Bounds[m] = ingest.MetricBounds{Min: b.Min, Max: b.Max}
		}
	}
	return v
}

// RetentionOptions converts the retention defaults and per-tenant
// overrides.
func (o *Overrides) RetentionOptions() (retention.Policy, map[uuid.UUID]retention.Policy) {
	def := o.Retention.policy()
	per := map[uuid.UUID]retention.Policy{}
	for id, t := range o.Tenants {
		if t.Retention == nil {
			continue
		}
		if tid, err := uuid.Parse(id); err == nil {
			per[tid] = t.Retention.policy()
		}
	}
	return def, per
}

// GroupingOptions converts the alert grouping policy.
func (o *Overrides) GroupingOptions() alert.GroupingOptions {
	g := alert.GroupingOptions{
		Window:        o.Alerts.GroupWindow.Std(),
		NotifyOn:      alert.NotifyPolicy(o.Alerts.NotifyOn),
		RatePerMinute: o.Alerts.RatePerMinute,
	}
	if g.NotifyOn == "" {
		g.NotifyOn = alert.NotifyFirst
	}
	return g
}
