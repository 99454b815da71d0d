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

// Package oncall resolves who is on call for a schedule at an instant:
// rotation slot arithmetic from the schedule's anchor, then override
// windows on top.
package oncall

import (
	"time"

	"github.com/forgewatch/forge-engine/pkg/model"
)

// Resolve returns the on-call principal of the schedule at the given
// instant. ok is false when the schedule resolves to unassigned: no
// principals, an unknown timezone, a non-positive custom shift, or an
// instant before the anchor.
func Resolve(sched *model.OnCallSchedule, at time.Time) (principal string, ok bool) {
	// Overrides take precedence; the first window containing the
	// instant wins, in definition order.
	for _, o := range sched.Overrides {
		if !at.Before(o.From) && at.Before(o.To) {
			return o.Principal, true
		}
	}
	if len(sched.Principals) == 0 {
		return "", false
	}
	shift := shiftLength(sched)
	if shift <= 0 {
		return "", false
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return "", false
	}
	elapsed := at.In(loc).Sub(sched.Anchor.In(loc))
	if elapsed < 0 {
		return "", false
	}
	slot := int(elapsed / shift)
	return sched.Principals[slot%len(sched.Principals)], true
}

func shiftLength(sched *model.OnCallSchedule) time.Duration {
	switch sched.Rotation {
	case model.RotateDaily:
		return 24 * time.Hour
	case model.RotateWeekly:
		return 7 * 24 * time.Hour
	case model.RotateCustom:
		return sched.ShiftLength
	}
	return 0
}
