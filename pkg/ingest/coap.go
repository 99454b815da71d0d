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
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// CoAP resource layout. Devices POST the shared wire JSON to
// /telemetry with device and metric as URI query parameters.
const (
	coapTelemetryPath = "/telemetry"
	coapCorePath      = "/.well-known/core"
	coapCoreLinks     = "</telemetry>;ct=50;rt=\"telemetry\""
)

// CoAPOptions configure the UDP CoAP server.
type CoAPOptions struct {
	Addr      string
	InboxSize int
}

// CoAPAdapter serves the /telemetry resource over UDP. A full inbox
// answers 5.03 Service Unavailable so constrained clients retry with
// their own backoff.
type CoAPAdapter struct {
	logger   log.Logger
	opts     CoAPOptions
	pipeline *Pipeline
	inbox    *Inbox
}

// NewCoAPAdapter constructs the adapter.
func NewCoAPAdapter(logger log.Logger, opts CoAPOptions, p *Pipeline, metrics *Metrics) *CoAPAdapter {
	return &CoAPAdapter{
		logger:   log.With(logger, "component", "ingest-coap"),
		opts:     opts,
		pipeline: p,
		inbox:    NewInbox("coap", opts.InboxSize, metrics),
	}
}

// Run serves until ctx is cancelled.
func (a *CoAPAdapter) Run(ctx context.Context) error {
	r := mux.NewRouter()
	if err := r.Handle(coapTelemetryPath, mux.HandlerFunc(a.handleTelemetry)); err != nil {
		return fmt.Errorf("coap route: %w", err)
	}
	if err := r.Handle(coapCorePath, mux.HandlerFunc(a.handleCore)); err != nil {
		return fmt.Errorf("coap route: %w", err)
	}

	conn, err := coapnet.NewListenUDP("udp", a.opts.Addr)
	if err != nil {
		return fmt.Errorf("coap listen %s: %w", a.opts.Addr, err)
	}
	defer conn.Close()

	srv := udp.NewServer(options.WithMux(r), options.WithContext(ctx))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(conn) }()
	_ = level.Info(a.logger).Log("msg", "coap adapter listening", "addr", a.opts.Addr)

	drainErr := a.inbox.Drain(ctx, a.logger, a.pipeline)
	srv.Stop()
	if err := <-errCh; err != nil && ctx.Err() == nil {
		return err
	}
	return drainErr
}

func (a *CoAPAdapter) handleTelemetry(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		a.respond(w, codes.MethodNotAllowed, "")
		return
	}
	device, metric := coapQueryPair(r)
	if device == "" || metric == "" {
		a.respond(w, codes.BadRequest, "missing device or metric query")
		return
	}
	body, err := r.ReadBody()
	if err != nil {
		a.respond(w, codes.BadRequest, "unreadable body")
		return
	}
	in := Inbound{
		Protocol: "coap",
		PeerID:   device,
		Metric:   metric,
		Payload:  body,
	}
	if !a.inbox.TryPush(in) {
		a.respond(w, codes.ServiceUnavailable, "")
		return
	}
	a.respond(w, codes.Changed, "")
}

func (a *CoAPAdapter) handleCore(w mux.ResponseWriter, r *mux.Message) {
	if err := w.SetResponse(codes.Content, message.AppLinkFormat, bytes.NewReader([]byte(coapCoreLinks))); err != nil {
		_ = level.Debug(a.logger).Log("msg", "coap response failed", "err", err)
	}
}

func (a *CoAPAdapter) respond(w mux.ResponseWriter, code codes.Code, diag string) {
	if err := w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(diag))); err != nil {
		_ = level.Debug(a.logger).Log("msg", "coap response failed", "code", code, "err", err)
	}
}

// coapQueryPair extracts the device and metric URI query parameters.
func coapQueryPair(r *mux.Message) (device, metric string) {
	queries, err := r.Queries()
	if err != nil {
		return "", ""
	}
	for _, q := range queries {
		k, v, ok := strings.Cut(q, "=")
		if !ok {
			continue
		}
		switch k {
		case "device":
			device = v
		case "metric":
			metric = v
		}
	}
	return device, metric
}
