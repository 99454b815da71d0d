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

package alert

import (
	"time"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// SLATarget is the acknowledge/resolve deadline pair for one severity.
type SLATarget struct {
	TTA time.Duration
	TTR time.Duration
}

// SLATargets maps severities to their targets. A severity with no entry
// (INFO by default) carries no SLA.
type SLATargets map[model.Severity]SLATarget

// DefaultSLATargets returns the stock targets.
func DefaultSLATargets() SLATargets {
	return SLATargets{
		model.SeverityCritical: {TTA: 5 * time.Minute, TTR: time.Hour},
		model.SeverityHigh:     {TTA: 15 * time.Minute, TTR: 4 * time.Hour},
		model.SeverityMedium:   {TTA: time.Hour, TTR: 24 * time.Hour},
		model.SeverityLow:      {TTA: 4 * time.Hour, TTR: 72 * time.Hour},
	}
}
