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
	"encoding/json"
	"time"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// wirePayload is the JSON payload shape shared by MQTT, CoAP and AMQP:
// { "ts": <ISO-8601>, "value": <number>, "unit": <string?>, "attrs": <object?> }
type wirePayload struct {
	TS    string           `json:"ts"`
	Value *float64         `json:"value"`
	Unit  string           `json:"unit,omitempty"`
	Attrs model.Attributes `json:"attrs,omitempty"`
}

// ParsePayload decodes the wire JSON into timestamp, value, unit and
// attributes. Malformed payloads return a validation error and are
// dropped to the dead-letter sink by the caller.
func ParsePayload(raw []byte) (ts time.Time, value float64, unit string, attrs model.Attributes, err error) {
	var p wirePayload
	if jerr := json.Unmarshal(raw, &p); jerr != nil {
		err = model.WrapError(model.KindValidation, "malformed_payload", jerr)
		return
	}
	if p.Value == nil {
		err = model.Errorf(model.KindValidation, "missing_value", "payload has no value field")
		return
	}
	ts, terr := time.Parse(time.RFC3339Nano, p.TS)
	if terr != nil {
		err = model.WrapError(model.KindValidation, "bad_timestamp", terr)
		return
	}
	return ts.UTC(), *p.Value, p.Unit, p.Attrs, nil
}

// MetricBounds are optional per-metric value range bounds.
type MetricBounds struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Validation holds the payload validation policy of the pipeline.
type Validation struct {
	// ClockSkew is the tolerance for future timestamps. At most 60s.
	ClockSkew time.Duration
	// AllowedMetrics is the metric name allow-list. Empty allows all.
	AllowedMetrics map[string]struct{}
	// Bounds are optional per-metric value range bounds.
	Bounds map[string]MetricBounds
}

// DefaultClockSkew is the timestamp tolerance applied when none is
// configured.
const DefaultClockSkew = 60 * time.Second

// Check validates a parsed record against the policy.
func (v *Validation) Check(metric string, value float64, ts, now time.Time) error {
	skew := v.ClockSkew
	if skew <= 0 || skew > DefaultClockSkew {
		skew = DefaultClockSkew
	}
	if ts.After(now.Add(skew)) {
		return model.Errorf(model.KindValidation, "timestamp_skew",
			"timestamp %s is %s ahead of server time", ts.Format(time.RFC3339), ts.Sub(now))
	}
	if len(v.AllowedMetrics) > 0 {
		if _, ok := v.AllowedMetrics[metric]; !ok {
			return model.Errorf(model.KindValidation, "metric_not_allowed", "metric %q not in allow-list", metric)
		}
	}
	if b, ok := v.Bounds[metric]; ok {
		if value < b.Min || value > b.Max {
			return model.Errorf(model.KindValidation, "value_out_of_bounds",
				"metric %q value %v outside [%v, %v]", metric, value, b.Min, b.Max)
		}
	}
	return nil
}
