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

package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
)

type fakeDeliveryStore struct {
	mu       sync.Mutex
	actions  map[uuid.UUID]*model.Action
	attempts map[uuid.UUID]*model.DeliveryAttempt
}

func newFakeDeliveryStore() *fakeDeliveryStore {
	return &fakeDeliveryStore{
		actions:  map[uuid.UUID]*model.Action{},
		attempts: map[uuid.UUID]*model.DeliveryAttempt{},
	}
}

func (s *fakeDeliveryStore) ActionsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*model.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Action
	for _, id := range ids {
		if a, ok := s.actions[id]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeDeliveryStore) RecordDelivery(ctx context.Context, d *model.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.attempts[d.ID] = &cp
	return nil
}

func (s *fakeDeliveryStore) UpdateDeliveryStatus(ctx context.Context, tenantID, id uuid.UUID, status model.DeliveryStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.attempts[id]
	a.Status = status
	a.Error = errMsg
	return nil
}

func (s *fakeDeliveryStore) attemptsByStatus(status model.DeliveryStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.Status == status {
			n++
		}
	}
	return n
}

type fakeChannel struct {
	name        string
	validateErr error
	dispatchErr error

	mu         sync.Mutex
	dispatched []Target
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Validate(target Target) error { return c.validateErr }

func (c *fakeChannel) Dispatch(ctx context.Context, ev model.Event, target Target) error {
	c.mu.Lock()
	c.dispatched = append(c.dispatched, target)
	c.mu.Unlock()
	return c.dispatchErr
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dispatched)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBroadcaster) Broadcast(ev model.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNotifyFansOutToActions(t *testing.T) {
	st := newFakeDeliveryStore()
	b := &recordingBroadcaster{}
	d := NewDispatcher(nil, nil, st, b)
	ch := &fakeChannel{name: "email"}
	d.Register(ch, 16, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	ev := testEvent()
	action := &model.Action{ID: uuid.New(), TenantID: ev.TenantID, Kind: model.ActionEmail, Address: "ops@example.com"}
	st.actions[action.ID] = action

	require.NoError(t, d.Notify(ctx, ev, []uuid.UUID{action.ID}))

	waitFor(t, func() bool { return ch.count() == 1 })
	assert.Equal(t, "ops@example.com", ch.dispatched[0].Recipient)
	waitFor(t, func() bool { return st.attemptsByStatus(model.DeliverySent) == 1 })

	// The push stream sees the event regardless of actions.
	b.mu.Lock()
	assert.Len(t, b.events, 1)
	b.mu.Unlock()
}

func TestNotifyBroadcastsWithoutActions(t *testing.T) {
	st := newFakeDeliveryStore()
	b := &recordingBroadcaster{}
	d := NewDispatcher(nil, nil, st, b)

	require.NoError(t, d.Notify(context.Background(), testEvent(), nil))
	assert.Len(t, b.events, 1)
	assert.Empty(t, st.attempts)
}

func TestEnqueueValidationFailureRecorded(t *testing.T) {
	st := newFakeDeliveryStore()
	d := NewDispatcher(nil, nil, st, nil)
	ch := &fakeChannel{
		name:        "webhook",
		validateErr: model.Errorf(model.KindValidation, "bad_webhook_url", "nope"),
	}
	d.Register(ch, 16, 1)

	err := d.Direct(context.Background(), testEvent(), "webhook", "ftp://example.com")
	require.Error(t, err)
	assert.Equal(t, "bad_webhook_url", model.CodeOf(err))

	// The rejection is persisted; the channel never ran.
	assert.Equal(t, 1, st.attemptsByStatus(model.DeliveryFailed))
	assert.Equal(t, 0, ch.count())
}

func TestEnqueueUnknownChannel(t *testing.T) {
	d := NewDispatcher(nil, nil, newFakeDeliveryStore(), nil)
	err := d.Direct(context.Background(), testEvent(), "pager", "alice")
	require.Error(t, err)
	assert.Equal(t, "unknown_channel", model.CodeOf(err))
}

func TestEnqueueBackpressure(t *testing.T) {
	st := newFakeDeliveryStore()
	d := NewDispatcher(nil, nil, st, nil)
	ch := &fakeChannel{name: "email"}
	d.Register(ch, 1, 1)
	// Workers are not running: the queue fills and rejects.

	ctx := context.Background()
	require.NoError(t, d.Direct(ctx, testEvent(), "email", "a@example.com"))
	err := d.Direct(ctx, testEvent(), "email", "b@example.com")
	require.Error(t, err)
	assert.Equal(t, "backpressure", model.CodeOf(err))
	assert.True(t, model.IsTransient(err))
	assert.Equal(t, 1, st.attemptsByStatus(model.DeliveryFailed))
}

func TestDeliveryFailureRecorded(t *testing.T) {
	st := newFakeDeliveryStore()
	d := NewDispatcher(nil, nil, st, nil)
	ch := &fakeChannel{
		name:        "webhook",
		dispatchErr: model.Errorf(model.KindPermanent, "webhook_rejected", "got 410"),
	}
	d.Register(ch, 16, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.Direct(ctx, testEvent(), "webhook", "https://hooks.example.com"))
	waitFor(t, func() bool { return st.attemptsByStatus(model.DeliveryFailed) == 1 })

	st.mu.Lock()
	for _, a := range st.attempts {
		assert.Equal(t, "webhook_rejected", a.Error)
	}
	st.mu.Unlock()
}
