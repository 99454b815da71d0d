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

package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindOf(t *testing.T) {
	err := Errorf(KindValidation, "invalid_state_transition", "NEW -> INVESTIGATING")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, "invalid_state_transition", CodeOf(err))

	// Wrapped errors keep their classification through the chain.
	wrapped := fmt.Errorf("handling request: %w", err)
	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, "invalid_state_transition", CodeOf(wrapped))

	// Unclassified errors fail closed as permanent.
	assert.Equal(t, KindPermanent, KindOf(errors.New("boom")))
	assert.Equal(t, "", CodeOf(errors.New("boom")))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsTransient(Errorf(KindTransient, "webhook_5xx", "got 503")))
	assert.False(t, IsTransient(Errorf(KindPermanent, "webhook_rejected", "got 410")))
	assert.True(t, IsNotFound(Errorf(KindNotFound, "alert_not_found", "")))
	assert.True(t, IsConflict(Errorf(KindConflict, "version_conflict", "")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(KindTransient, "smtp_failed", cause)
	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "smtp_failed")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCompareOpApply(t *testing.T) {
	for _, tc := range []struct {
		op   CompareOp
		a, b float64
		want bool
	}{
		{OpGT, 85.1, 85, true},
		{OpGT, 85, 85, false},
		{OpGE, 85, 85, true},
		{OpLT, 2.9, 3, true},
		{OpLE, 3, 3, true},
		{OpEQ, 1, 1, true},
		{OpNE, 1, 2, true},
		{CompareOp("~"), 1, 1, false},
	} {
		assert.Equal(t, tc.want, tc.op.Apply(tc.a, tc.b), "%v %s %v", tc.a, tc.op, tc.b)
	}
	assert.False(t, CompareOp("~").Valid())
	assert.True(t, OpGE.Valid())
}

func TestAlertStateTerminal(t *testing.T) {
	assert.False(t, StateNew.Terminal())
	assert.False(t, StateAcknowledged.Terminal())
	assert.False(t, StateInvestigating.Terminal())
	assert.True(t, StateResolved.Terminal())
	assert.True(t, StateSuppressed.Terminal())
	assert.True(t, StateExpired.Terminal())
}
