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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
)

func TestParsePayload(t *testing.T) {
	ts, value, unit, attrs, err := ParsePayload([]byte(
		`{"ts": "2026-03-01T10:00:00Z", "value": 87.5, "unit": "celsius", "attrs": {"line": "a"}}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ts)
	assert.Equal(t, 87.5, value)
	assert.Equal(t, "celsius", unit)
	assert.Equal(t, model.Attributes{"line": "a"}, attrs)
}

func TestParsePayloadOffsetTimestamp(t *testing.T) {
	ts, _, _, _, err := ParsePayload([]byte(`{"ts": "2026-03-01T12:00:00+02:00", "value": 1}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ts)
}

func TestParsePayloadRejects(t *testing.T) {
	for name, tc := range map[string]struct {
		raw  string
		code string
	}{
		"not json":        {`{"ts": `, "malformed_payload"},
		"missing value":   {`{"ts": "2026-03-01T10:00:00Z"}`, "missing_value"},
		"bad timestamp":   {`{"ts": "yesterday", "value": 1}`, "bad_timestamp"},
		"empty timestamp": {`{"value": 1}`, "bad_timestamp"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, _, _, err := ParsePayload([]byte(tc.raw))
			require.Error(t, err)
			assert.Equal(t, model.KindValidation, model.KindOf(err))
			assert.Equal(t, tc.code, model.CodeOf(err))
		})
	}
}

func TestValidationClockSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	v := &Validation{}

	assert.NoError(t, v.Check("temp", 1, now.Add(59*time.Second), now))
	assert.NoError(t, v.Check("temp", 1, now.Add(-24*time.Hour), now), "late arrivals are accepted")

	err := v.Check("temp", 1, now.Add(61*time.Second), now)
	require.Error(t, err)
	assert.Equal(t, "timestamp_skew", model.CodeOf(err))
}

func TestValidationSkewNeverExceedsDefault(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	v := &Validation{ClockSkew: 10 * time.Minute}
	err := v.Check("temp", 1, now.Add(2*time.Minute), now)
	require.Error(t, err, "configured skew is capped at the 60s contract")
	assert.Equal(t, "timestamp_skew", model.CodeOf(err))
}

func TestValidationAllowList(t *testing.T) {
	now := time.Now()
	v := &Validation{AllowedMetrics: map[string]struct{}{"temperature": {}}}
	assert.NoError(t, v.Check("temperature", 1, now, now))

	err := v.Check("vibration", 1, now, now)
	require.Error(t, err)
	assert.Equal(t, "metric_not_allowed", model.CodeOf(err))
}

func TestValidationBounds(t *testing.T) {
	now := time.Now()
	v := &Validation{Bounds: map[string]MetricBounds{"temperature": {Min: -40, Max: 150}}}
	assert.NoError(t, v.Check("temperature", 150, now, now))
	assert.NoError(t, v.Check("pressure", 9000, now, now), "unbounded metrics pass")

	err := v.Check("temperature", 151, now, now)
	require.Error(t, err)
	assert.Equal(t, "value_out_of_bounds", model.CodeOf(err))
}
