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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
)

func TestWebhookValidate(t *testing.T) {
	c := NewWebhookChannel(nil, WebhookOptions{TestHosts: []string{"127.0.0.1"}})

	for name, tc := range map[string]struct {
		url  string
		code string
	}{
		"not a url":     {"://", "bad_webhook_url"},
		"plain http":    {"http://example.com/hook", "bad_webhook_url"},
		"ftp scheme":    {"ftp://example.com/hook", "bad_webhook_url"},
		"metadata ip":   {"https://169.254.169.254/latest/meta-data", "ssrf_blocked"},
		"loopback":      {"https://127.0.0.2/hook", "ssrf_blocked"},
		"private range": {"https://10.0.0.8/hook", "ssrf_blocked"},
		"link local":    {"https://169.254.1.1/hook", "ssrf_blocked"},
		"unspecified":   {"https://0.0.0.0/hook", "ssrf_blocked"},
		"private ipv6":  {"https://[fd00::1]/hook", "ssrf_blocked"},
	} {
		t.Run(name, func(t *testing.T) {
			err := c.Validate(Target{Recipient: tc.url})
			require.Error(t, err)
			assert.Equal(t, tc.code, model.CodeOf(err))
			assert.Equal(t, model.KindValidation, model.KindOf(err))
		})
	}

	assert.NoError(t, c.Validate(Target{Recipient: "https://hooks.example.com/ingest"}))
	// Listed test hosts may use plain http and bypass the IP guard.
	assert.NoError(t, c.Validate(Target{Recipient: "http://127.0.0.1:8080/hook"}))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"event":"alert.created"}`)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ts := now.Unix()

	sig := Sign(secret, ts, body)
	assert.Contains(t, sig, "sha256=")
	assert.True(t, VerifySignature(secret, ts, body, sig, now))
	assert.True(t, VerifySignature(secret, ts, body, sig, now.Add(SignatureSkew)))

	assert.False(t, VerifySignature(secret, ts, body, sig, now.Add(SignatureSkew+time.Second)), "stale timestamp")
	assert.False(t, VerifySignature([]byte("other"), ts, body, sig, now), "wrong secret")
	assert.False(t, VerifySignature(secret, ts, []byte("tampered"), sig, now), "tampered body")
	assert.False(t, VerifySignature(secret, ts+600, body, Sign(secret, ts+600, body), now), "future timestamp")
}

func testEvent() model.Event {
	return model.Event{
		Type:       model.EventAlertCreated,
		TenantID:   uuid.New(),
		AlertID:    uuid.New(),
		Severity:   model.SeverityHigh,
		Message:    "temperature 91 > 85",
		OccurredAt: time.Now().UTC(),
	}
}

func TestWebhookDispatchSigned(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotTS = r.Header.Get("X-Signature-Timestamp")
		assert.NotEmpty(t, r.Header.Get("X-Delivery-Id"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	host := testServerHost(t, srv)
	c := NewWebhookChannel(nil, WebhookOptions{TestHosts: []string{host}, RatePerSecond: 100, Burst: 100})

	ev := testEvent()
	require.NoError(t, c.Dispatch(context.Background(), ev, Target{Recipient: srv.URL, Secret: "whsec_test"}))

	ts, err := strconv.ParseInt(gotTS, 10, 64)
	require.NoError(t, err)
	assert.True(t, VerifySignature([]byte("whsec_test"), ts, gotBody, gotSig, time.Now()))
}

func TestWebhookDispatchRejectedIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	host := testServerHost(t, srv)
	c := NewWebhookChannel(nil, WebhookOptions{TestHosts: []string{host}, RatePerSecond: 100, Burst: 100})

	err := c.Dispatch(context.Background(), testEvent(), Target{Recipient: srv.URL})
	require.Error(t, err)
	assert.Equal(t, "webhook_rejected", model.CodeOf(err))
	assert.Equal(t, model.KindPermanent, model.KindOf(err))
	assert.Equal(t, 1, calls, "4xx responses are not retried")
}

func TestWebhookDispatchValidatesFirst(t *testing.T) {
	c := NewWebhookChannel(nil, WebhookOptions{})
	err := c.Dispatch(context.Background(), testEvent(), Target{Recipient: "https://10.1.2.3/hook"})
	require.Error(t, err)
	assert.Equal(t, "ssrf_blocked", model.CodeOf(err))
}

func testServerHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Hostname()
}
