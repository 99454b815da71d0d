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
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
)

func pushTestServer(t *testing.T, h *Hub, tenantID uuid.UUID, principal string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, tenantID, principal)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialPush(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(nil, nil)
	tenantID := uuid.New()
	srv := pushTestServer(t, h, tenantID, "alice")
	conn := dialPush(t, srv, "")

	// Give the server a moment to register the client.
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		ts, ok := h.tenants[tenantID]
		return ok && len(ts.clients) == 1
	})

	ev := testEvent()
	ev.TenantID = tenantID
	h.Broadcast(ev)

	f := readFrame(t, conn)
	assert.Equal(t, int64(1), f.Seq)
	assert.Equal(t, model.EventAlertCreated, f.Event)
	assert.Equal(t, ev.AlertID, f.Payload.AlertID)
}

func TestHubSequenceIsMonotonicPerTenant(t *testing.T) {
	h := NewHub(nil, nil)
	tenantID := uuid.New()
	srv := pushTestServer(t, h, tenantID, "alice")
	conn := dialPush(t, srv, "")
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		ts, ok := h.tenants[tenantID]
		return ok && len(ts.clients) == 1
	})

	for i := 0; i < 3; i++ {
		ev := testEvent()
		ev.TenantID = tenantID
		ev.Message = fmt.Sprintf("event %d", i)
		h.Broadcast(ev)
	}
	// Another tenant's events do not advance this tenant's sequence.
	h.Broadcast(testEvent())

	for want := int64(1); want <= 3; want++ {
		assert.Equal(t, want, readFrame(t, conn).Seq)
	}
}

func TestHubReplaySince(t *testing.T) {
	h := NewHub(nil, nil)
	tenantID := uuid.New()
	srv := pushTestServer(t, h, tenantID, "alice")

	// Frames broadcast with nobody connected stay replayable.
	for i := 0; i < 3; i++ {
		ev := testEvent()
		ev.TenantID = tenantID
		h.Broadcast(ev)
	}

	conn := dialPush(t, srv, "?since=1")
	assert.Equal(t, int64(2), readFrame(t, conn).Seq)
	assert.Equal(t, int64(3), readFrame(t, conn).Seq)
}

func TestHubReplayWindowExpires(t *testing.T) {
	h := NewHub(nil, nil)
	tenantID := uuid.New()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return base }
	ev := testEvent()
	ev.TenantID = tenantID
	h.Broadcast(ev)

	// The next fan-out prunes frames older than the replay window.
	h.now = func() time.Time { return base.Add(2 * pushReplayWindow) }
	h.Broadcast(ev)

	h.mu.Lock()
	ts := h.tenants[tenantID]
	require.Len(t, ts.replay, 1)
	assert.Equal(t, int64(2), ts.replay[0].frame.Seq)
	h.mu.Unlock()
}

func TestHubSendToPrincipal(t *testing.T) {
	h := NewHub(nil, nil)
	tenantID := uuid.New()
	aliceSrv := pushTestServer(t, h, tenantID, "alice")
	bobSrv := pushTestServer(t, h, tenantID, "bob")
	alice := dialPush(t, aliceSrv, "")
	bob := dialPush(t, bobSrv, "")
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		ts, ok := h.tenants[tenantID]
		return ok && len(ts.clients) == 2
	})

	ev := testEvent()
	ev.TenantID = tenantID
	ev.Message = "for alice"
	h.SendTo(tenantID, "alice", ev)

	ev.Message = "for everyone"
	h.Broadcast(ev)

	assert.Equal(t, "for alice", readFrame(t, alice).Payload.Message)
	assert.Equal(t, "for everyone", readFrame(t, alice).Payload.Message)
	// Bob sees only the broadcast, but the directed frame still consumed
	// a sequence number he can observe.
	f := readFrame(t, bob)
	assert.Equal(t, "for everyone", f.Payload.Message)
	assert.Equal(t, int64(2), f.Seq)
}

func TestPushChannel(t *testing.T) {
	h := NewHub(nil, nil)
	ch := NewPushChannel(h)
	assert.Equal(t, "push", ch.Name())

	err := ch.Validate(Target{})
	require.Error(t, err)
	assert.Equal(t, "missing_principal", model.CodeOf(err))
	assert.NoError(t, ch.Validate(Target{Recipient: "alice"}))
}
