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

// Package web is the pipeline's HTTP surface: health and reload
// endpoints, the metrics handler, the alert read/transition API and the
// push stream upgrade.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/notify"
	"github.com/forgewatch/forge-engine/pkg/tenant"
)

const (
	tenantHeader    = "X-Forge-Tenant"
	principalHeader = "X-Forge-Principal"
)

// Store is the read surface of the API.
type Store interface {
	Ping(ctx context.Context) error
	AlertsByTenant(ctx context.Context, tenantID uuid.UUID, state model.AlertState, limit int) ([]*model.Alert, error)
	AlertByID(ctx context.Context, tenantID, alertID uuid.UUID) (*model.Alert, error)
	StateHistory(ctx context.Context, tenantID, alertID uuid.UUID) ([]model.StateTransition, error)
	DeliveriesByAlert(ctx context.Context, tenantID, alertID uuid.UUID) ([]model.DeliveryAttempt, error)
	EnabledRules(ctx context.Context, tenantID uuid.UUID) ([]*model.Rule, error)
}

// Lifecycle is the alert transition surface.
type Lifecycle interface {
	Acknowledge(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error)
	Investigate(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error)
	Resolve(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error)
	Suppress(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error)
}

// Options wire the handler.
type Options struct {
	Store     Store
	Lifecycle Lifecycle
	Resolver  *tenant.Resolver
	Hub       *notify.Hub
	// Reload re-reads the overrides file; backs POST /-/reload.
	Reload func() error
	// Registry backs /metrics.
	Registry *prometheus.Registry
	// RateLimiter bounds per-tenant API traffic; nil disables limiting.
	RateLimiter tenant.RateLimiter
}

// Handler serves the pipeline's HTTP endpoints.
type Handler struct {
	logger log.Logger
	opts   Options
	mux    *http.ServeMux
}

// New builds the handler and its routes.
func New(logger log.Logger, opts Options) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Handler{
		logger: log.With(logger, "component", "web"),
		opts:   opts,
		mux:    http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Registry, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("GET /-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h.mux.HandleFunc("GET /-/ready", h.ready)
	h.mux.HandleFunc("POST /-/reload", h.reload)

	h.mux.HandleFunc("GET /api/v1/alerts", h.withTenant(false, h.listAlerts))
	h.mux.HandleFunc("GET /api/v1/alerts/{id}", h.withTenant(false, h.getAlert))
	h.mux.HandleFunc("GET /api/v1/alerts/{id}/history", h.withTenant(false, h.alertHistory))
	h.mux.HandleFunc("GET /api/v1/alerts/{id}/deliveries", h.withTenant(false, h.alertDeliveries))
	h.mux.HandleFunc("POST /api/v1/alerts/{id}/acknowledge", h.withTenant(true, h.transition(h.opts.Lifecycle.Acknowledge)))
	h.mux.HandleFunc("POST /api/v1/alerts/{id}/investigate", h.withTenant(true, h.transition(h.opts.Lifecycle.Investigate)))
	h.mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", h.withTenant(true, h.transition(h.opts.Lifecycle.Resolve)))
	h.mux.HandleFunc("POST /api/v1/alerts/{id}/suppress", h.withTenant(true, h.transition(h.opts.Lifecycle.Suppress)))
	h.mux.HandleFunc("GET /api/v1/rules", h.withTenant(false, h.listRules))
	h.mux.HandleFunc("GET /api/v1/stream", h.withTenant(false, h.stream))
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.opts.Store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) reload(w http.ResponseWriter, _ *http.Request) {
	if h.opts.Reload == nil {
		http.Error(w, "reload not configured", http.StatusNotFound)
		return
	}
	if err := h.opts.Reload(); err != nil {
		_ = level.Error(h.logger).Log("msg", "reload via web failed", "err", err)
		http.Error(w, "reload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// scoped is a request handler running inside a resolved tenant context.
type scoped func(w http.ResponseWriter, r *http.Request, tc *tenant.Context)

// headerAuth trusts the principal header set by the fronting proxy.
// Mutating calls without one are rejected.
type headerAuth struct{}

func (headerAuth) Authenticate(_ context.Context, req *tenant.Request) (string, error) {
	if req.Principal == "" {
		return "", model.Errorf(model.KindAuth, "no_principal", "missing %s header", principalHeader)
	}
	return req.Principal, nil
}

// withTenant resolves the tenant named in the request headers and runs
// the boundary chain: auth for mutating calls, the suspension check,
// and the per-tenant rate limit when one is configured.
func (h *Handler) withTenant(mutating bool, next scoped) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slug := r.Header.Get(tenantHeader)
		if slug == "" {
			h.fail(w, model.Errorf(model.KindAuth, "no_tenant", "missing %s header", tenantHeader))
			return
		}
		tc, err := h.opts.Resolver.ResolveSlug(r.Context(), slug)
		if err != nil {
			h.fail(w, err)
			return
		}
		tc.Principal = r.Header.Get(principalHeader)

		var mws []tenant.Middleware
		if mutating {
			mws = append(mws, tenant.AuthMiddleware(headerAuth{}))
		}
		mws = append(mws, tenant.SuspensionMiddleware())
		if h.opts.RateLimiter != nil {
			mws = append(mws, tenant.RateLimitMiddleware(h.opts.RateLimiter))
		}
		chain := tenant.Chain(func(_ context.Context, _ *tenant.Request) error { return nil }, mws...)

		req := &tenant.Request{Tenant: tc, Principal: tc.Principal, Mutating: mutating}
		if err := chain(r.Context(), req); err != nil {
			h.fail(w, err)
			return
		}
		next(w, r, tc)
	}
}

func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	state := model.AlertState(r.URL.Query().Get("state"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	alerts, err := h.opts.Store.AlertsByTenant(r.Context(), tc.TenantID, state, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, map[string]any{"alerts": alerts})
}

func (h *Handler) getAlert(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.fail(w, model.Errorf(model.KindValidation, "bad_alert_id", "%q is not an alert id", r.PathValue("id")))
		return
	}
	a, err := h.opts.Store.AlertByID(r.Context(), tc.TenantID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, a)
}

func (h *Handler) alertHistory(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.fail(w, model.Errorf(model.KindValidation, "bad_alert_id", "%q is not an alert id", r.PathValue("id")))
		return
	}
	history, err := h.opts.Store.StateHistory(r.Context(), tc.TenantID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, map[string]any{"history": history})
}

func (h *Handler) alertDeliveries(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.fail(w, model.Errorf(model.KindValidation, "bad_alert_id", "%q is not an alert id", r.PathValue("id")))
		return
	}
	deliveries, err := h.opts.Store.DeliveriesByAlert(r.Context(), tc.TenantID, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, map[string]any{"deliveries": deliveries})
}

type transitionBody struct {
	Note string `json:"note"`
}

func (h *Handler) transition(fn func(ctx context.Context, tenantID, alertID uuid.UUID, principal, note string) (*model.Alert, error)) scoped {
	return func(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			h.fail(w, model.Errorf(model.KindValidation, "bad_alert_id", "%q is not an alert id", r.PathValue("id")))
			return
		}
		var body transitionBody
		if r.Body != nil {
			// An empty body is a transition without a note.
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		a, err := fn(r.Context(), tc.TenantID, id, tc.Principal, body.Note)
		if err != nil {
			h.fail(w, err)
			return
		}
		h.respond(w, a)
	}
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	rules, err := h.opts.Store.EnabledRules(r.Context(), tc.TenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.respond(w, map[string]any{"rules": rules})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, tc *tenant.Context) {
	if h.opts.Hub == nil {
		http.Error(w, "push stream disabled", http.StatusNotFound)
		return
	}
	h.opts.Hub.Serve(w, r, tc.TenantID, tc.Principal)
}

func (h *Handler) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Debug(h.logger).Log("msg", "response write failed", "err", err)
	}
}

// fail maps a domain error onto its HTTP status.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch model.KindOf(err) {
	case model.KindValidation:
		status = http.StatusBadRequest
	case model.KindAuth:
		status = http.StatusUnauthorized
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindConflict:
		status = http.StatusConflict
	case model.KindQuotaExceeded:
		status = http.StatusTooManyRequests
	case model.KindTransient:
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  model.CodeOf(err),
	})
}
