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

package tenant

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// Request is a boundary call being threaded through the middleware
// chain. Middlewares augment it or fail it with a domain error.
type Request struct {
	// Tenant is filled by the tenant middleware.
	Tenant *Context
	// Principal is filled by the auth middleware.
	Principal string
	// Mutating marks writes; suspended tenants reject them.
	Mutating bool
}

// Handler terminates a middleware chain.
type Handler func(ctx context.Context, req *Request) error

// Middleware wraps a handler with one cross-cutting concern.
type Middleware func(Handler) Handler

// Chain composes middlewares in declaration order around h. The
// canonical boundary order is auth, tenant, rate-limit.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Authenticator verifies a principal's credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, req *Request) (principal string, err error)
}

// AuthMiddleware rejects unauthenticated requests. Errors already
// carrying a domain code pass through; anything else is wrapped as
// unauthenticated.
func AuthMiddleware(a Authenticator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) error {
			principal, err := a.Authenticate(ctx, req)
			if err != nil {
				if model.CodeOf(err) != "" {
					return err
				}
				return model.WrapError(model.KindAuth, "unauthenticated", err)
			}
			req.Principal = principal
			return next(ctx, req)
		}
	}
}

// SuspensionMiddleware rejects writes for suspended tenants. Requires
// the tenant context to already be resolved.
func SuspensionMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) error {
			if req.Tenant == nil {
				return model.Errorf(model.KindAuth, "no_tenant", "request without tenant context")
			}
			if req.Mutating && !req.Tenant.CanWrite() {
				return model.Errorf(model.KindAuth, "tenant_suspended",
					"tenant %s is suspended", req.Tenant.TenantID)
			}
			return next(ctx, req)
		}
	}
}

// RateLimiter is the policy layer in front of boundary calls.
type RateLimiter interface {
	Allow(tenantID string) bool
}

// TokenBucket is a RateLimiter holding one token bucket per tenant.
// Buckets are created on first use and share one rate and burst.
type TokenBucket struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewTokenBucket builds a per-tenant limiter refilling perSecond tokens
// with the given burst.
func NewTokenBucket(perSecond float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		buckets: map[string]*rate.Limiter{},
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (b *TokenBucket) Allow(tenantID string) bool {
	b.mu.Lock()
	l, ok := b.buckets[tenantID]
	if !ok {
		l = rate.NewLimiter(b.limit, b.burst)
		b.buckets[tenantID] = l
	}
	b.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware rejects requests over the tenant's rate budget.
func RateLimitMiddleware(rl RateLimiter) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) error {
			if req.Tenant != nil && !rl.Allow(req.Tenant.TenantID.String()) {
				return model.Errorf(model.KindTransient, "rate_limited",
					"tenant %s over rate budget", req.Tenant.TenantID)
			}
			return next(ctx, req)
		}
	}
}
