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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/forgewatch/forge-engine/pkg/model"
)

const (
	webhookBodyCap     = 1 << 20
	webhookDialTimeout = 5 * time.Second
	webhookTimeout     = 10 * time.Second

	// SignatureSkew is the receiver-side timestamp tolerance.
	SignatureSkew = 5 * time.Minute
)

// webhookRetryWaits is the transient-only backoff schedule.
var webhookRetryWaits = []time.Duration{time.Second, 5 * time.Second, 25 * time.Second}

var metadataIP = net.ParseIP("169.254.169.254")

// WebhookOptions tune the webhook channel.
type WebhookOptions struct {
	// RatePerSecond caps requests per destination URL.
	RatePerSecond float64
	Burst         int
	// TestHosts may be reached over plain http and bypass the SSRF
	// guard. Development only.
	TestHosts []string
}

// WebhookChannel delivers signed event payloads over HTTPS with SSRF
// protection, per-URL rate limiting and a per-host circuit breaker.
type WebhookChannel struct {
	logger   log.Logger
	opts     WebhookOptions
	resolver *net.Resolver
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewWebhookChannel constructs the channel.
func NewWebhookChannel(logger log.Logger, opts WebhookOptions) *WebhookChannel {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &WebhookChannel{
		logger:   log.With(logger, "channel", "webhook"),
		opts:     opts,
		resolver: net.DefaultResolver,
		now:      time.Now,
		limiters: map[string]*rate.Limiter{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) isTestHost(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.opts.TestHosts {
		if h == host {
			return true
		}
	}
	return false
}

// SetTestHosts replaces the plain-http allow-list. Called on config
// reload.
func (c *WebhookChannel) SetTestHosts(hosts []string) {
	c.mu.Lock()
	c.opts.TestHosts = hosts
	c.mu.Unlock()
}

// Validate enforces the scheme policy and rejects blocked IP literals
// before any socket is opened.
func (c *WebhookChannel) Validate(target Target) error {
	u, err := url.Parse(target.Recipient)
	if err != nil {
		return model.Errorf(model.KindValidation, "bad_webhook_url", "url %q: %v", target.Recipient, err)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !c.isTestHost(u.Hostname()) {
			return model.Errorf(model.KindValidation, "bad_webhook_url",
				"plain http is allowed only for listed test hosts, got %q", target.Recipient)
		}
	default:
		return model.Errorf(model.KindValidation, "bad_webhook_url", "unsupported scheme %q", u.Scheme)
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil && !c.isTestHost(u.Hostname()) && blockedIP(ip) {
		return model.Errorf(model.KindValidation, "ssrf_blocked", "destination %s is not routable", ip)
	}
	return nil
}

// blockedIP rejects loopback, link-local, private, multicast,
// unspecified and cloud-metadata destinations.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.Equal(metadataIP)
}

// Sign computes the payload signature: HMAC-SHA256 over "{ts}.{body}".
func Sign(secret []byte, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature and its timestamp against the
// skew tolerance. Receiver-side counterpart of Sign.
func VerifySignature(secret []byte, ts int64, body []byte, signature string, now time.Time) bool {
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > SignatureSkew {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

// Dispatch posts the signed event, honoring the per-URL rate cap and
// the per-host breaker, retrying transient failures only.
func (c *WebhookChannel) Dispatch(ctx context.Context, ev model.Event, target Target) error {
	if err := c.Validate(target); err != nil {
		return err
	}
	u, err := url.Parse(target.Recipient)
	if err != nil {
		return model.Errorf(model.KindValidation, "bad_webhook_url", "url %q: %v", target.Recipient, err)
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return model.WrapError(model.KindPermanent, "bad_event", err)
	}
	if len(body) > webhookBodyCap {
		return model.Errorf(model.KindValidation, "payload_too_large", "body is %d bytes, cap is %d", len(body), webhookBodyCap)
	}

	client, err := c.pinnedClient(ctx, u)
	if err != nil {
		return err
	}
	if err := c.limiterFor(target.Recipient).Wait(ctx); err != nil {
		return err
	}

	breaker := c.breakerFor(u.Hostname())
	for attempt := 0; ; attempt++ {
		_, err = breaker.Execute(func() (any, error) {
			return nil, c.post(ctx, client, u, body, target.Secret)
		})
		if err == nil {
			return nil
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = model.Errorf(model.KindTransient, "circuit_open", "destination %s is failing", u.Hostname())
		}
		if !model.IsTransient(err) || attempt >= len(webhookRetryWaits) {
			return err
		}
		_ = level.Debug(c.logger).Log("msg", "webhook attempt failed, retrying",
			"url", u.Redacted(), "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(webhookRetryWaits[attempt]):
		}
	}
}

// pinnedClient resolves the destination once and pins the connect call
// to the resolved address, closing the DNS-rebinding window. Test hosts
// dial normally.
func (c *WebhookChannel) pinnedClient(ctx context.Context, u *url.URL) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: webhookDialTimeout}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		ForceAttemptHTTP2: true,
	}
	host := u.Hostname()
	if !c.isTestHost(host) && net.ParseIP(host) == nil {
		addrs, err := c.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, model.WrapError(model.KindTransient, "dns_failed", err)
		}
		for _, addr := range addrs {
			if blockedIP(addr.IP) {
				return nil, model.Errorf(model.KindValidation, "ssrf_blocked",
					"%s resolves to non-routable %s", host, addr.IP)
			}
		}
		pinned := addrs[0].IP.String()
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned, port))
		}
	}
	return &http.Client{Transport: transport, Timeout: webhookTimeout}, nil
}

func (c *WebhookChannel) post(ctx context.Context, client *http.Client, u *url.URL, body []byte, secret string) error {
	ts := c.now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return model.WrapError(model.KindPermanent, "bad_request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign([]byte(secret), ts, body))
	req.Header.Set("X-Signature-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Delivery-Id", uuid.NewString())

	resp, err := client.Do(req)
	if err != nil {
		return model.WrapError(model.KindTransient, "webhook_unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return model.Errorf(model.KindTransient, "webhook_5xx", "destination returned %d", resp.StatusCode)
	default:
		return model.Errorf(model.KindPermanent, "webhook_rejected", "destination returned %d", resp.StatusCode)
	}
}

func (c *WebhookChannel) limiterFor(dest string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[dest]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.RatePerSecond), c.opts.Burst)
		c.limiters[dest] = l
	}
	return l
}

func (c *WebhookChannel) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[host]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		c.breakers[host] = b
	}
	return b
}
