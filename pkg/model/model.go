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

// Package model holds the domain entities shared across the pipeline:
// devices, telemetry records, rules, alerts and their lifecycle state,
// SLA records, alert groups, escalation policies, on-call schedules,
// notification actions and tenants.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Severity orders alerts by urgency. The zero value is invalid.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// RuleFamily selects the evaluation strategy for a rule.
type RuleFamily string

const (
	FamilyThreshold   RuleFamily = "THRESHOLD"
	FamilyComparison  RuleFamily = "COMPARISON"
	FamilyTimeWindow  RuleFamily = "TIME_WINDOW"
	FamilyStatistical RuleFamily = "STATISTICAL"
)

// Valid reports whether f is one of the known rule families.
func (f RuleFamily) Valid() bool {
	switch f {
	case FamilyThreshold, FamilyComparison, FamilyTimeWindow, FamilyStatistical:
		return true
	}
	return false
}

// CompareOp is a binary predicate over floats used by all rule families.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpLE CompareOp = "<="
	OpGT CompareOp = ">"
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// Apply evaluates the predicate "a op b".
func (op CompareOp) Apply(a, b float64) bool {
	switch op {
	case OpLT:
		return a < b
	case OpLE:
		return a <= b
	case OpGT:
		return a > b
	case OpGE:
		return a >= b
	case OpEQ:
		return a == b
	case OpNE:
		return a != b
	}
	return false
}

// Valid reports whether op is a known comparison operator.
func (op CompareOp) Valid() bool {
	switch op {
	case OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE:
		return true
	}
	return false
}

// Attributes is the schema-agnostic attribute side-channel carried by
// telemetry records and alert metadata. Values are scalars, nested maps
// or lists; it is persisted as JSON and never interpreted by the core.
type Attributes map[string]any

// Device is a tenant-owned telemetry source.
type Device struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	Name       string     `db:"name" json:"name"`
	Type       string     `db:"type" json:"type"`
	Location   string     `db:"location" json:"location,omitempty"`
	Status     string     `db:"status" json:"status"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	Attributes Attributes `db:"-" json:"attributes,omitempty"`
}

// TelemetryRecord is a single reading. Immutable once written.
type TelemetryRecord struct {
	TenantID   uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	DeviceID   uuid.UUID  `db:"device_id" json:"device_id"`
	Timestamp  time.Time  `db:"ts" json:"ts"`
	Metric     string     `db:"metric" json:"metric"`
	Value      float64    `db:"value" json:"value"`
	Unit       string     `db:"unit" json:"unit,omitempty"`
	Attributes Attributes `db:"-" json:"attrs,omitempty"`
}

// RuleParams is the family-specific parameter bundle of a rule. Fields
// not used by the rule's family are ignored.
type RuleParams struct {
	// THRESHOLD, TIME_WINDOW, STATISTICAL.
	Op    CompareOp `json:"op,omitempty"`
	Value float64   `json:"value,omitempty"`
	// COMPARISON.
	MetricA string `json:"metric_a,omitempty"`
	MetricB string `json:"metric_b,omitempty"`
	// TIME_WINDOW, STATISTICAL.
	WindowSeconds int    `json:"window_seconds,omitempty"`
	Aggregate     string `json:"aggregate,omitempty"`
}

// Aggregates understood by TIME_WINDOW rules.
const (
	AggAvg   = "avg"
	AggMin   = "min"
	AggMax   = "max"
	AggSum   = "sum"
	AggCount = "count"
)

// Aggregates understood by STATISTICAL rules.
const (
	AggStddev = "stddev"
	AggZscore = "zscore"
)

// Rule is a tenant-scoped evaluation definition.
type Rule struct {
	ID       uuid.UUID   `db:"id" json:"id"`
	TenantID uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	DeviceID uuid.UUID   `db:"device_id" json:"device_id"`
	Metric   string      `db:"metric" json:"metric"`
	Family   RuleFamily  `db:"family" json:"family"`
	Params   RuleParams  `db:"-" json:"params"`
	Severity Severity    `db:"severity" json:"severity"`
	Enabled  bool        `db:"enabled" json:"enabled"`
	Actions  []uuid.UUID `db:"-" json:"actions,omitempty"`
}

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	StateNew           AlertState = "NEW"
	StateAcknowledged  AlertState = "ACKNOWLEDGED"
	StateInvestigating AlertState = "INVESTIGATING"
	StateResolved      AlertState = "RESOLVED"
	StateSuppressed    AlertState = "SUPPRESSED"
	StateExpired       AlertState = "EXPIRED"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s AlertState) Terminal() bool {
	switch s {
	case StateResolved, StateSuppressed, StateExpired:
		return true
	}
	return false
}

// Alert is a rule firing or an externally sourced anomaly. Immutable
// except for lifecycle fields kept in the state history.
type Alert struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	TenantID  uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	RuleID    uuid.UUID  `db:"rule_id" json:"rule_id"`
	DeviceID  uuid.UUID  `db:"device_id" json:"device_id"`
	Metric    string     `db:"metric" json:"metric"`
	Family    RuleFamily `db:"family" json:"family"`
	Severity  Severity   `db:"severity" json:"severity"`
	Message   string     `db:"message" json:"message"`
	Metadata  Attributes `db:"-" json:"metadata,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`

	// Current lifecycle state and its monotonic version, maintained by
	// the alert core. Version increments on every transition.
	State        AlertState `db:"state" json:"state"`
	StateVersion int        `db:"state_version" json:"state_version"`
}

// StateTransition is one append-only history row for an alert.
type StateTransition struct {
	AlertID     uuid.UUID  `db:"alert_id" json:"alert_id"`
	From        AlertState `db:"from_state" json:"from"`
	To          AlertState `db:"to_state" json:"to"`
	ByPrincipal string     `db:"by_principal" json:"by_principal"`
	Note        string     `db:"note" json:"note,omitempty"`
	At          time.Time  `db:"at" json:"at"`
}

// SLARecord tracks time-to-acknowledge and time-to-resolve for one alert.
type SLARecord struct {
	AlertID        uuid.UUID  `db:"alert_id" json:"alert_id"`
	TenantID       uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	TargetTTA      int64      `db:"target_tta_seconds" json:"target_tta_seconds"`
	TargetTTR      int64      `db:"target_ttr_seconds" json:"target_ttr_seconds"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	TTASeconds     *int64     `db:"tta_seconds" json:"tta_seconds,omitempty"`
	TTRSeconds     *int64     `db:"ttr_seconds" json:"ttr_seconds,omitempty"`
	TTABreached    bool       `db:"tta_breached" json:"tta_breached"`
	TTRBreached    bool       `db:"ttr_breached" json:"ttr_breached"`
}

// GroupStatus is the lifecycle of an alert group.
type GroupStatus string

const (
	GroupActive GroupStatus = "active"
	GroupClosed GroupStatus = "closed"
)

// GroupKey collapses related alerts into one group. Family is part of
// the key unless the grouping policy wildcards it.
type GroupKey struct {
	TenantID uuid.UUID  `json:"tenant_id"`
	DeviceID uuid.UUID  `json:"device_id"`
	Family   RuleFamily `json:"family"`
	Metric   string     `json:"metric"`
}

// AlertGroup aggregates alerts judged to be the same event.
type AlertGroup struct {
	ID              uuid.UUID   `db:"id" json:"id"`
	TenantID        uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	DeviceID        uuid.UUID   `db:"device_id" json:"device_id"`
	Metric          string      `db:"metric" json:"metric"`
	Status          GroupStatus `db:"status" json:"status"`
	FirstOccurrence time.Time   `db:"first_occurrence" json:"first_occurrence"`
	LastOccurrence  time.Time   `db:"last_occurrence" json:"last_occurrence"`
	OccurrenceCount int         `db:"occurrence_count" json:"occurrence_count"`
}

// RecipientKind selects how an escalation tier resolves its recipient.
type RecipientKind string

const (
	RecipientUser     RecipientKind = "user"
	RecipientRole     RecipientKind = "role"
	RecipientSchedule RecipientKind = "schedule"
)

// EscalationTier is one step of an escalation policy.
type EscalationTier struct {
	Wait          time.Duration `json:"wait"`
	Channels      []string      `json:"channels"`
	RecipientKind RecipientKind `json:"recipient_kind"`
	// RecipientRef is a user id, role name or schedule id depending on kind.
	RecipientRef string `json:"recipient_ref"`
	// SecondaryRef is consulted when a schedule resolves to unassigned.
	SecondaryRef string `json:"secondary_ref,omitempty"`
}

// EscalationPolicy is an ordered list of tiers applied to a severity set.
type EscalationPolicy struct {
	ID         uuid.UUID        `db:"id" json:"id"`
	TenantID   uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	Name       string           `db:"name" json:"name"`
	Severities []Severity       `db:"-" json:"severities"`
	Tiers      []EscalationTier `db:"-" json:"tiers"`
}

// Matches reports whether the policy applies to the given severity.
func (p *EscalationPolicy) Matches(s Severity) bool {
	for _, ps := range p.Severities {
		if ps == s {
			return true
		}
	}
	return false
}

// RotationUnit is the cadence of an on-call rotation.
type RotationUnit string

const (
	RotateDaily  RotationUnit = "daily"
	RotateWeekly RotationUnit = "weekly"
	RotateCustom RotationUnit = "custom"
)

// OnCallOverride pins a principal for a bounded window. Overrides are
// applied in definition order; the first containing window wins.
type OnCallOverride struct {
	Principal string    `json:"principal"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

// OnCallSchedule is a named rotation of principals.
type OnCallSchedule struct {
	ID       uuid.UUID    `db:"id" json:"id"`
	TenantID uuid.UUID    `db:"tenant_id" json:"tenant_id"`
	Name     string       `db:"name" json:"name"`
	Rotation RotationUnit `db:"rotation" json:"rotation"`
	// ShiftLength applies to custom rotations only.
	ShiftLength time.Duration    `db:"-" json:"shift_length,omitempty"`
	Timezone    string           `db:"timezone" json:"timezone"`
	Anchor      time.Time        `db:"anchor" json:"anchor"`
	Principals  []string         `db:"-" json:"principals"`
	Overrides   []OnCallOverride `db:"-" json:"overrides,omitempty"`
}

// ActionKind selects the notification channel of an action.
type ActionKind string

const (
	ActionEmail   ActionKind = "EMAIL"
	ActionWebhook ActionKind = "WEBHOOK"
	ActionPush    ActionKind = "PUSH"
)

// Action is a side-effect reference attached to rules.
type Action struct {
	ID       uuid.UUID  `db:"id" json:"id"`
	TenantID uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	Kind     ActionKind `db:"kind" json:"kind"`
	// Address is an email address, webhook URL or push channel name.
	Address string `db:"address" json:"address"`
	// Secret signs webhook payloads. Empty for other kinds.
	Secret string `db:"secret" json:"-"`
}

// TenantStatus gates what operations a tenant may perform.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
)

// Quotas are per-tenant creation limits.
type Quotas struct {
	MaxDevices         int `json:"max_devices"`
	MaxUsers           int `json:"max_users"`
	MaxTelemetryPerDay int `json:"max_telemetry_per_day"`
}

// Tenant owns every other entity; all queries are scoped by it.
type Tenant struct {
	ID       uuid.UUID    `db:"id" json:"id"`
	Slug     string       `db:"slug" json:"slug"`
	Status   TenantStatus `db:"status" json:"status"`
	Tier     string       `db:"tier" json:"tier"`
	Quotas   Quotas       `db:"-" json:"quotas"`
	Features []string     `db:"-" json:"features,omitempty"`
}

// HasFeature reports whether the tenant has the named feature flag.
func (t *Tenant) HasFeature(name string) bool {
	for _, f := range t.Features {
		if f == name {
			return true
		}
	}
	return false
}

// EventType enumerates outbound pipeline events.
type EventType string

const (
	EventAlertCreated      EventType = "alert.created"
	EventAlertStateChanged EventType = "alert.state_changed"
	EventSLABreached       EventType = "sla.breached"
	EventRuleAutoDisabled  EventType = "rule.auto_disabled"
)

// Event is the unified outbound message delivered by every notification
// channel. Its JSON shape is the webhook wire format.
type Event struct {
	Type       EventType  `json:"event"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	AlertID    uuid.UUID  `json:"alert_id"`
	Severity   Severity   `json:"severity"`
	DeviceID   uuid.UUID  `json:"device_id"`
	Message    string     `json:"message"`
	Metadata   Attributes `json:"metadata,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// DeliveryStatus tracks the outcome of a notification attempt.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt is the persisted record of one dispatch.
type DeliveryAttempt struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	TenantID  uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	AlertID   uuid.UUID      `db:"alert_id" json:"alert_id"`
	Channel   string         `db:"channel" json:"channel"`
	Recipient string         `db:"recipient" json:"recipient"`
	Status    DeliveryStatus `db:"status" json:"status"`
	Error     string         `db:"error" json:"error,omitempty"`
	At        time.Time      `db:"at" json:"at"`
}
