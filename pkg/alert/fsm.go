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

// Package alert owns the alert lifecycle: creation with deduplication
// and grouping, the state machine with its append-only history, SLA
// bookkeeping and the background sweeps.
package alert

import (
	"github.com/forgewatch/forge-engine/pkg/model"
)

// edges is the alert state machine. Terminal states have no outgoing
// edges; every recorded history sequence is a path in this graph.
var edges = map[model.AlertState][]model.AlertState{
	model.StateNew: {
		model.StateAcknowledged,
		model.StateResolved,
		model.StateSuppressed,
		model.StateExpired,
	},
	model.StateAcknowledged: {
		model.StateInvestigating,
		model.StateResolved,
	},
	model.StateInvestigating: {
		model.StateResolved,
		model.StateExpired,
	},
}

// CanTransition reports whether from -> to is a valid lifecycle edge.
func CanTransition(from, to model.AlertState) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateTransition returns the invalid_state_transition domain error
// for a disallowed edge.
func validateTransition(from, to model.AlertState) error {
	if !CanTransition(from, to) {
		return model.Errorf(model.KindValidation, "invalid_state_transition",
			"transition %s -> %s is not allowed", from, to)
	}
	return nil
}
