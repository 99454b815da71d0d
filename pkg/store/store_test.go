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

package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgewatch/forge-engine/pkg/model"
	"github.com/forgewatch/forge-engine/pkg/tenant"
)

func newMockStore(t *testing.T, enforcement tenant.Enforcement) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	st := NewWithDB(db, nil, enforcement)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = st.Close()
	})
	return st, mock
}

func alertRows(a *model.Alert) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "rule_id", "device_id", "metric", "family",
		"severity", "message", "metadata", "state", "state_version", "created_at",
	}).AddRow(
		a.ID, a.TenantID, a.RuleID, a.DeviceID, a.Metric, a.Family,
		a.Severity, a.Message, []byte(`{"line":"a"}`), a.State, a.StateVersion, a.CreatedAt,
	)
}

func TestGuardTenantStrict(t *testing.T) {
	st, _ := newMockStore(t, tenant.EnforcementStrict)

	// No query reaches the database; the guard fails closed.
	_, err := st.AlertByID(context.Background(), uuid.Nil, uuid.New())
	require.Error(t, err)
	assert.Equal(t, "missing_tenant_scope", model.CodeOf(err))
	assert.Equal(t, model.KindAuth, model.KindOf(err))
}

func TestGuardTenantPermissive(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementPermissive)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 AND id = $2`)).
		WillReturnError(sql.ErrNoRows)
	_, err := st.AlertByID(context.Background(), uuid.Nil, uuid.New())
	assert.True(t, model.IsNotFound(err), "permissive mode lets the query through")
}

func TestAlertByID(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	a := &model.Alert{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		RuleID:       uuid.New(),
		DeviceID:     uuid.New(),
		Metric:       "temperature",
		Family:       model.FamilyThreshold,
		Severity:     model.SeverityHigh,
		Message:      "temperature 91 > 85",
		State:        model.StateNew,
		StateVersion: 1,
		CreatedAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + alertColumns + ` FROM alerts WHERE tenant_id = $1 AND id = $2`)).
		WithArgs(a.TenantID, a.ID).
		WillReturnRows(alertRows(a))

	got, err := st.AlertByID(context.Background(), a.TenantID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, model.Attributes{"line": "a"}, got.Metadata)
}

func TestAlertsByTenantFiltersAndClamps(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	tenantID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 AND state = $2 ORDER BY created_at DESC LIMIT 10`)).
		WithArgs(tenantID, model.StateNew).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := st.AlertsByTenant(context.Background(), tenantID, model.StateNew, 10)
	require.NoError(t, err)

	// An out-of-range limit falls back to the 100-row default.
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT `+alertColumns+` FROM alerts WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT 100`)).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = st.AlertsByTenant(context.Background(), tenantID, "", 5000)
	require.NoError(t, err)
}

func TestTransitionAlert(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	tenantID, alertID := uuid.New(), uuid.New()
	tr := &model.StateTransition{
		AlertID:     alertID,
		From:        model.StateNew,
		To:          model.StateAcknowledged,
		ByPrincipal: "alice",
		At:          time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE alerts SET state = $4, state_version = state_version + 1`)).
		WithArgs(tenantID, alertID, 1, tr.To).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alert_states`)).
		WithArgs(tenantID, alertID, tr.From, tr.To, "alice", "", tr.At.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.TransitionAlert(context.Background(), tenantID, tr, 1))
}

func TestTransitionAlertStaleVersion(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	tenantID, alertID := uuid.New(), uuid.New()
	tr := &model.StateTransition{AlertID: alertID, From: model.StateNew, To: model.StateAcknowledged}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE alerts SET state = $4`)).
		WithArgs(tenantID, alertID, 1, tr.To).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := st.TransitionAlert(context.Background(), tenantID, tr, 1)
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.Equal(t, "stale_state_version", model.CodeOf(err))
}

func TestTouchGroupClosed(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	tenantID, groupID := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE alert_groups SET last_occurrence = $3`)).
		WithArgs(tenantID, groupID, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.TouchGroup(context.Background(), tenantID, groupID, at)
	require.Error(t, err)
	assert.Equal(t, "group_closed", model.CodeOf(err))
	assert.True(t, model.IsConflict(err))
}

func TestCloseGroup(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	tenantID, groupID := uuid.New(), uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(
		`UPDATE alert_groups SET status = 'closed' WHERE tenant_id = $1 AND id = $2 AND status = 'active'`)).
		WithArgs(tenantID, groupID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, st.CloseGroup(context.Background(), tenantID, groupID))

	// Closing an already closed group is a no-op, not an error.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE alert_groups SET status = 'closed'`)).
		WithArgs(tenantID, groupID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, st.CloseGroup(context.Background(), tenantID, groupID))
}

func TestCreateAlertTransaction(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	a := &model.Alert{
		ID:        uuid.New(),
		TenantID:  uuid.New(),
		RuleID:    uuid.New(),
		DeviceID:  uuid.New(),
		Metric:    "temperature",
		Family:    model.FamilyThreshold,
		Severity:  model.SeverityCritical,
		Message:   "temperature 91 > 85",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	sla := &model.SLARecord{AlertID: a.ID, TenantID: a.TenantID, TargetTTA: 300, TargetTTR: 3600}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alerts`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alert_states`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alert_slas`)).
		WithArgs(a.TenantID, a.ID, int64(300), int64(3600), a.CreatedAt.UTC()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.CreateAlert(context.Background(), a, sla))
}

func TestCreateAlertRollsBackOnFailure(t *testing.T) {
	st, mock := newMockStore(t, tenant.EnforcementStrict)
	a := &model.Alert{ID: uuid.New(), TenantID: uuid.New(), CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alerts`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := st.CreateAlert(context.Background(), a, nil)
	require.Error(t, err)
	assert.Equal(t, "db_constraint", model.CodeOf(err))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))

	assert.True(t, model.IsNotFound(classify(sql.ErrNoRows)))
	assert.Equal(t, "db_timeout", model.CodeOf(classify(context.DeadlineExceeded)))

	assert.Equal(t, "db_conflict", model.CodeOf(classify(&pgconn.PgError{Code: "40001"})))
	assert.True(t, model.IsConflict(classify(&pgconn.PgError{Code: "40P01"})))
	assert.Equal(t, "db_unavailable", model.CodeOf(classify(&pgconn.PgError{Code: "57P03"})))
	assert.True(t, model.IsTransient(classify(&pgconn.PgError{Code: "08006"})))
	assert.Equal(t, "db_constraint", model.CodeOf(classify(&pgconn.PgError{Code: "23503"})))

	assert.Equal(t, "db_error", model.CodeOf(classify(errors.New("mystery"))))
	assert.Equal(t, model.KindPermanent, model.KindOf(classify(errors.New("mystery"))))
}
