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
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forgewatch/forge-engine/pkg/model"
)

const (
	// pushReplayWindow is how long frames stay replayable for
	// reconnecting clients.
	pushReplayWindow = 60 * time.Second

	pushWriteWait  = 10 * time.Second
	pushPingPeriod = 30 * time.Second
	pushSendBuffer = 64
)

// Frame is one push stream message. Frames are newline-delimited JSON
// on the wire; seq is monotonic per tenant so clients can detect and
// drop duplicates after a replay.
type Frame struct {
	Seq     int64           `json:"seq"`
	Event   model.EventType `json:"event"`
	Payload model.Event     `json:"payload"`
}

type pushClient struct {
	principal string
	send      chan Frame
	conn      *websocket.Conn
}

type cachedFrame struct {
	frame Frame
	at    time.Time
}

type tenantStream struct {
	seq     int64
	replay  []cachedFrame
	clients map[*pushClient]struct{}
}

// Hub is the push stream fan-out point. Events are delivered to every
// connected client of the tenant; a reconnecting client replays frames
// it missed within the replay window. Delivery is at-least-once.
type Hub struct {
	logger   log.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.Mutex
	tenants map[uuid.UUID]*tenantStream

	connected prometheus.Gauge
	frames    prometheus.Counter
	dropped   prometheus.Counter
}

// NewHub constructs the hub.
func NewHub(logger log.Logger, reg prometheus.Registerer) *Hub {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Hub{
		logger: log.With(logger, "component", "push-hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		now:     time.Now,
		tenants: map[uuid.UUID]*tenantStream{},
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_push_clients",
			Help: "Number of connected push stream clients.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_push_frames_total",
			Help: "Number of frames fanned out on the push stream.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_push_dropped_clients_total",
			Help: "Number of clients dropped because their send buffer filled.",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connected, h.frames, h.dropped)
	}
	return h
}

func (h *Hub) stream(tenantID uuid.UUID) *tenantStream {
	ts, ok := h.tenants[tenantID]
	if !ok {
		ts = &tenantStream{clients: map[*pushClient]struct{}{}}
		h.tenants[tenantID] = ts
	}
	return ts
}

// Broadcast fans an event out to every client of its tenant.
func (h *Hub) Broadcast(ev model.Event) {
	h.fanOut(ev, "")
}

// SendTo fans an event out to the clients of one principal.
func (h *Hub) SendTo(tenantID uuid.UUID, principal string, ev model.Event) {
	if principal == "" {
		return
	}
	h.fanOut(ev, principal)
}

func (h *Hub) fanOut(ev model.Event, principal string) {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.stream(ev.TenantID)
	ts.seq++
	frame := Frame{Seq: ts.seq, Event: ev.Type, Payload: ev}
	ts.replay = append(ts.replay, cachedFrame{frame: frame, at: now})
	h.pruneReplay(ts, now)
	h.frames.Inc()
	for client := range ts.clients {
		if principal != "" && client.principal != principal {
			continue
		}
		select {
		case client.send <- frame:
		default:
			// A client that cannot keep up is dropped; it reconnects
			// and replays.
			h.dropped.Inc()
			delete(ts.clients, client)
			close(client.send)
		}
	}
}

func (h *Hub) pruneReplay(ts *tenantStream, now time.Time) {
	cutoff := now.Add(-pushReplayWindow)
	i := 0
	for ; i < len(ts.replay); i++ {
		if ts.replay[i].at.After(cutoff) {
			break
		}
	}
	ts.replay = ts.replay[i:]
}

// Serve upgrades the connection and streams frames. The client passes
// its last seen sequence as ?since= to replay missed frames.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, principal string) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = level.Debug(h.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	client := &pushClient{
		principal: principal,
		send:      make(chan Frame, pushSendBuffer),
		conn:      conn,
	}

	h.mu.Lock()
	ts := h.stream(tenantID)
	ts.clients[client] = struct{}{}
	// Queue the replayable frames the client missed.
	for _, c := range ts.replay {
		if c.frame.Seq > since {
			select {
			case client.send <- c.frame:
			default:
			}
		}
	}
	h.mu.Unlock()
	h.connected.Inc()

	go h.writePump(client)
	h.readPump(tenantID, client)
}

func (h *Hub) writePump(c *pushClient) {
	ticker := time.NewTicker(pushPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages and unregisters on close.
func (h *Hub) readPump(tenantID uuid.UUID, c *pushClient) {
	defer func() {
		h.mu.Lock()
		if ts, ok := h.tenants[tenantID]; ok {
			if _, registered := ts.clients[c]; registered {
				delete(ts.clients, c)
				close(c.send)
			}
		}
		h.mu.Unlock()
		h.connected.Dec()
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// CloseAll disconnects every client. Called on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ts := range h.tenants {
		for client := range ts.clients {
			delete(ts.clients, client)
			close(client.send)
		}
	}
}

// PushChannel adapts the hub to the dispatch Channel interface for
// principal-addressed deliveries.
type PushChannel struct {
	hub *Hub
}

// NewPushChannel wraps a hub.
func NewPushChannel(hub *Hub) *PushChannel {
	return &PushChannel{hub: hub}
}

func (c *PushChannel) Name() string { return "push" }

// Validate requires a principal.
func (c *PushChannel) Validate(target Target) error {
	if target.Recipient == "" {
		return model.Errorf(model.KindValidation, "missing_principal", "push target has no principal")
	}
	return nil
}

// Dispatch queues the event for the principal's connected clients.
// Disconnected principals catch up through the replay window.
func (c *PushChannel) Dispatch(_ context.Context, ev model.Event, target Target) error {
	c.hub.SendTo(ev.TenantID, target.Recipient, ev)
	return nil
}
