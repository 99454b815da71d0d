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
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/rules"
	"github.com/forgewatch/forge-engine/pkg/store"
)

type fakeSweepStore struct {
	overdue    []store.OverdueSLA
	overdueErr error
	stale      []*model.Alert

	staleCutoff *time.Time
}

func (s *fakeSweepStore) SweepOverdueSLAs(ctx context.Context, now time.Time) ([]store.OverdueSLA, error) {
	if s.overdueErr != nil {
		return nil, s.overdueErr
	}
	return s.overdue, nil
}

func (s *fakeSweepStore) StaleNewAlerts(ctx context.Context, cutoff time.Time) ([]*model.Alert, error) {
	s.staleCutoff = &cutoff
	return s.stale, nil
}

type fakeBreacher struct {
	breached []uuid.UUID
}

func (b *fakeBreacher) AlertBreached(ctx context.Context, a *model.Alert) error {
	b.breached = append(b.breached, a.ID)
	return nil
}

var sweepNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// firedAlert drives one rule fire through the core and returns the
// resulting NEW alert.
func firedAlert(t *testing.T, ctx context.Context, c *Core, st *fakeStore, rule *model.Rule) *model.Alert {
	t.Helper()
	st.rules[rule.ID] = rule
	require.NoError(t, c.RuleFired(ctx, rule, rules.Result{Outcome: rules.OutcomeFired, Message: "temperature 91 > 85"}))
	var a *model.Alert
	for _, got := range st.alerts {
		a = got
	}
	require.NotNil(t, a)
	return a
}

func TestSweepEmitsBreachEvents(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	c, n, _ := newTestCore(st, Options{})
	rule := testRule()
	a := firedAlert(t, ctx, c, st, rule)

	ss := &fakeSweepStore{overdue: []store.OverdueSLA{{
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		DeviceID:   a.DeviceID,
		Severity:   a.Severity,
		TTAOverdue: true,
	}}}
	br := &fakeBreacher{}
	s := NewSweeper(nil, nil, SweeperOptions{}, ss, c, br)
	s.now = func() time.Time { return sweepNow }

	s.sweep(ctx)

	require.Len(t, n.events, 2)
	ev := n.events[1]
	assert.Equal(t, model.EventSLABreached, ev.Type)
	assert.Equal(t, a.ID, ev.AlertID)
	assert.Contains(t, ev.Message, "acknowledge target missed")
	assert.Equal(t, true, ev.Metadata["tta_overdue"])
	assert.Equal(t, false, ev.Metadata["ttr_overdue"])
	assert.Equal(t, rule.Actions, n.actions[1], "breach fans out to the alert's actions")
	assert.Equal(t, []uuid.UUID{a.ID}, br.breached)
}

func TestSweepExpiresStaleNewAlerts(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	c, _, esc := newTestCore(st, Options{})
	rule := testRule()
	a := firedAlert(t, ctx, c, st, rule)

	ss := &fakeSweepStore{stale: []*model.Alert{a}}
	s := NewSweeper(nil, nil, SweeperOptions{MaxNewAge: 30 * time.Minute}, ss, c, nil)
	s.now = func() time.Time { return sweepNow }

	s.sweep(ctx)

	require.NotNil(t, ss.staleCutoff)
	assert.Equal(t, sweepNow.Add(-30*time.Minute), *ss.staleCutoff)
	assert.Equal(t, model.StateExpired, st.alerts[a.ID].State)
	assert.Contains(t, esc.settled, a.ID, "expiry settles the escalation")
}

func TestSweepZeroMaxNewAgeDisablesExpiry(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	c, _, _ := newTestCore(st, Options{})
	rule := testRule()
	a := firedAlert(t, ctx, c, st, rule)

	ss := &fakeSweepStore{stale: []*model.Alert{a}}
	s := NewSweeper(nil, nil, SweeperOptions{}, ss, c, nil)
	s.now = func() time.Time { return sweepNow }

	s.sweep(ctx)
	assert.Nil(t, ss.staleCutoff, "stale listing is never queried")
	assert.Equal(t, model.StateNew, st.alerts[a.ID].State)

	// A reload can turn expiry on without restarting the sweep.
	s.SetMaxNewAge(time.Hour)
	s.sweep(ctx)
	assert.Equal(t, model.StateExpired, st.alerts[a.ID].State)
}

func TestSweepSLAFailureDoesNotStopExpiry(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	c, _, _ := newTestCore(st, Options{})
	rule := testRule()
	a := firedAlert(t, ctx, c, st, rule)

	ss := &fakeSweepStore{
		overdueErr: errors.New("query timeout"),
		stale:      []*model.Alert{a},
	}
	s := NewSweeper(nil, nil, SweeperOptions{MaxNewAge: 30 * time.Minute}, ss, c, nil)
	s.now = func() time.Time { return sweepNow }

	s.sweep(ctx)
	assert.Equal(t, model.StateExpired, st.alerts[a.ID].State)
}
