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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/server"
	"github.com/gopcua/opcua/ua"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// OPCUADirectory is the slice of the store the OPC-UA address space is
// built from.
type OPCUADirectory interface {
	TenantIDs(ctx context.Context) ([]uuid.UUID, error)
	DevicesByTenant(ctx context.Context, tenantID uuid.UUID) ([]model.Device, error)
	LatestAll(ctx context.Context, tenantID, deviceID uuid.UUID) (map[string]*model.TelemetryRecord, error)
	SetDeviceStatus(ctx context.Context, tenantID, deviceID uuid.UUID, status string) error
}

// OPCUAOptions configure the embedded OPC-UA server.
type OPCUAOptions struct {
	Addr string
	// SyncInterval is the cadence at which the address space is rebuilt
	// from the device directory and latest readings are mirrored.
	SyncInterval time.Duration
	// PollInterval is the cadence at which variable nodes are checked
	// for client writes.
	PollInterval time.Duration
	InboxSize    int
}

// statusNodeSuffix is the per-device status variable. Writing it records
// the device-reported status string.
const statusNodeSuffix = "status"

// opcuaNode tracks one variable node plus the value this process last
// mirrored into it. A node value that differs from the mirror is a
// client write.
type opcuaNode struct {
	node     *server.Node
	tenantID uuid.UUID
	deviceID uuid.UUID
	metric   string
	mirrored any
}

// OPCUAAdapter exposes registered devices as an OPC-UA address space:
// one variable node per device metric, mirrored from the latest stored
// reading, plus a writable status node. Client writes to metric nodes
// trigger ingestion. A full inbox drops the write and counts it; the
// mirror keeps the node at the last accepted value.
type OPCUAAdapter struct {
	logger    log.Logger
	opts      OPCUAOptions
	pipeline  *Pipeline
	inbox     *Inbox
	directory OPCUADirectory
	now       func() time.Time

	mu    sync.Mutex
	srv   *server.Server
	ns    *server.NodeNameSpace
	nodes map[string]*opcuaNode
}

// NewOPCUAAdapter constructs the adapter.
func NewOPCUAAdapter(logger log.Logger, opts OPCUAOptions, p *Pipeline, dir OPCUADirectory, metrics *Metrics) *OPCUAAdapter {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &OPCUAAdapter{
		logger:    log.With(logger, "component", "ingest-opcua"),
		opts:      opts,
		pipeline:  p,
		inbox:     NewInbox("opcua", opts.InboxSize, metrics),
		directory: dir,
		now:       time.Now,
		nodes:     map[string]*opcuaNode{},
	}
}

// Run starts the server and loops until ctx is cancelled.
func (a *OPCUAAdapter) Run(ctx context.Context) error {
	host, portStr, err := net.SplitHostPort(a.opts.Addr)
	if err != nil {
		return fmt.Errorf("opcua addr %q: %w", a.opts.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("opcua addr %q: %w", a.opts.Addr, err)
	}

	a.srv = server.New(
		server.EndPoint(host, port),
		server.EnableSecurity("None", ua.MessageSecurityModeNone),
		server.EnableAuthMode(ua.UserTokenTypeAnonymous),
	)
	if err := a.srv.Start(ctx); err != nil {
		return fmt.Errorf("opcua start: %w", err)
	}
	defer a.srv.Close()
	a.ns = server.NewNodeNameSpace(a.srv, "Forgewatch")
	_ = level.Info(a.logger).Log("msg", "opcua adapter listening", "addr", a.opts.Addr)

	a.sync(ctx)
	go a.loop(ctx)
	return a.inbox.Drain(ctx, a.logger, a.pipeline)
}

func (a *OPCUAAdapter) loop(ctx context.Context) {
	syncTick := time.NewTicker(a.opts.SyncInterval)
	pollTick := time.NewTicker(a.opts.PollInterval)
	defer syncTick.Stop()
	defer pollTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTick.C:
			a.sync(ctx)
		case <-pollTick.C:
			a.poll(ctx)
		}
	}
}

// sync reconciles the address space with the device directory and
// mirrors the latest stored reading into each metric node.
func (a *OPCUAAdapter) sync(ctx context.Context) {
	tenants, err := a.directory.TenantIDs(ctx)
	if err != nil {
		_ = level.Warn(a.logger).Log("msg", "address space sync failed", "err", err)
		return
	}
	for _, tenantID := range tenants {
		devices, err := a.directory.DevicesByTenant(ctx, tenantID)
		if err != nil {
			_ = level.Warn(a.logger).Log("msg", "device listing failed", "tenant", tenantID, "err", err)
			continue
		}
		for _, dev := range devices {
			latest, err := a.directory.LatestAll(ctx, tenantID, dev.ID)
			if err != nil {
				_ = level.Warn(a.logger).Log("msg", "latest lookup failed", "device", dev.ID, "err", err)
				continue
			}
			for metric, rec := range latest {
				a.mirror(tenantID, dev.ID, metric, rec.Value)
			}
			a.mirror(tenantID, dev.ID, statusNodeSuffix, dev.Status)
		}
	}
}

func nodeKey(deviceID uuid.UUID, metric string) string {
	return deviceID.String() + "." + metric
}

// mirror creates the variable node on first sight and pushes the stored
// value into it. The mirrored value is the change-detection baseline.
func (a *OPCUAAdapter) mirror(tenantID, deviceID uuid.UUID, metric string, value any) {
	key := nodeKey(deviceID, metric)
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.nodes[key]
	if !ok {
		vn := a.ns.AddNewVariableNode(key, value)
		a.ns.Objects().AddRef(vn, id.HasComponent, true)
		a.nodes[key] = &opcuaNode{
			node:     vn,
			tenantID: tenantID,
			deviceID: deviceID,
			metric:   metric,
			mirrored: value,
		}
		return
	}
	if n.mirrored == value {
		return
	}
	if err := n.node.SetAttribute(ua.AttributeIDValue, server.DataValueFromValue(value)); err != nil {
		_ = level.Debug(a.logger).Log("msg", "node mirror failed", "node", key, "err", err)
		return
	}
	n.mirrored = value
}

// poll detects client writes by comparing node values to the mirror.
func (a *OPCUAAdapter) poll(ctx context.Context) {
	a.mu.Lock()
	nodes := make([]*opcuaNode, 0, len(a.nodes))
	for _, n := range a.nodes {
		nodes = append(nodes, n)
	}
	a.mu.Unlock()

	for _, n := range nodes {
		dv := n.node.Value()
		if dv == nil || dv.Value == nil {
			continue
		}
		cur := dv.Value.Value()
		a.mu.Lock()
		changed := cur != n.mirrored
		if changed {
			n.mirrored = cur
		}
		a.mu.Unlock()
		if !changed {
			continue
		}
		if n.metric == statusNodeSuffix {
			a.recordStatus(ctx, n, cur)
			continue
		}
		a.ingestWrite(n, cur)
	}
}

func (a *OPCUAAdapter) recordStatus(ctx context.Context, n *opcuaNode, v any) {
	status, ok := v.(string)
	if !ok {
		_ = level.Debug(a.logger).Log("msg", "ignoring non-string status write", "device", n.deviceID)
		return
	}
	if err := a.directory.SetDeviceStatus(ctx, n.tenantID, n.deviceID, status); err != nil {
		_ = level.Warn(a.logger).Log("msg", "status update failed", "device", n.deviceID, "err", err)
	}
}

// ingestWrite funnels a client metric write through the shared
// pipeline as a synthesized wire payload stamped with server time.
func (a *OPCUAAdapter) ingestWrite(n *opcuaNode, v any) {
	value, ok := numeric(v)
	if !ok {
		_ = level.Debug(a.logger).Log("msg", "ignoring non-numeric metric write", "node", nodeKey(n.deviceID, n.metric))
		return
	}
	payload, err := json.Marshal(wirePayload{
		TS:    a.now().UTC().Format(time.RFC3339Nano),
		Value: &value,
	})
	if err != nil {
		return
	}
	in := Inbound{
		Protocol: "opcua",
		PeerID:   n.deviceID.String(),
		Metric:   n.metric,
		Payload:  payload,
	}
	// TryPush counts the overload; OPC-UA has no redelivery, so the
	// write is dropped.
	_ = a.inbox.TryPush(in)
}

func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	default:
		return 0, false
	}
}
