// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package postgres_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"visaworker/src/model"
	"visaworker/src/storage"
	"visaworker/src/storage/postgres"
)

var taskCols = []string{
	"id", "applicant_id", "status", "attempts", "last_run", "next_run", "locked_at", "worker_id",
	"error_message", "success", "checkpoint", "otp", "temp_password", "new_password", "data_protection_url",
	"created_at", "updated_at",
}

var applicantCols = []string{
	"id", "organisation_id", "proxy",
	"first_name", "last_name", "email", "phone", "birth_date", "birth_place", "gender", "marital_status",
	"passport_number", "passport_type", "passport_issue_date", "passport_expiry_date", "passport_issue_place",
	"travel_date", "purpose_of_journey", "member_state_destination", "member_state_first_entry",
	"member_state_second_destination", "location", "visa_type", "visa_sub_type", "category",
	"status", "appointment_date", "appointment_details",
}

func taskRow(status string) *sqlmock.Rows {
	return lockedTaskRow(status, nil)
}

func lockedTaskRow(status string, lockedAt interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(taskCols).AddRow(
		"task-1", "app-1", status, 2, nil, nil, lockedAt, nil,
		"old failure", false, "enter_otp", "111111", "temp", nil, nil,
		now, now,
	)
}

func applicantRow() *sqlmock.Rows {
	return sqlmock.NewRows(applicantCols).AddRow(
		"app-1", "org-1", "user:pass@10.0.0.1:3128",
		"Amina", "Bennani", "amina@example.com", "+212612345678", nil, "Rabat", "Female", "Single",
		"AB1234567", "ordinary", nil, nil, "Rabat",
		nil, "Tourism", "Spain", "Spain",
		"", "rabat", "sch", "", "normal",
		"pending", nil, "",
	)
}

func newStore(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.NewStore(db), mock
}

func TestClaimTask(t *testing.T) {
	tests := map[string]struct {
		mock      func(m sqlmock.Sqlmock)
		expErr    error
		expStatus model.TaskStatus
	}{
		"An abandoned waiting task should be claimed and its applicant loaded": {
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1 FOR UPDATE")).
					WithArgs("task-1").
					WillReturnRows(taskRow("waiting_otp"))
				m.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET status = $1, attempts = attempts + 1")).
					WithArgs("running", sqlmock.AnyArg(), "worker-1", "task-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET status = $1")).
					WithArgs("processing", sqlmock.AnyArg(), "app-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectQuery(regexp.QuoteMeta("FROM applicants a LEFT JOIN organisations o")).
					WithArgs("app-1").
					WillReturnRows(applicantRow())
				m.ExpectCommit()
			},
			expStatus: model.TaskRunning,
		},
		"A running task should not be claimed twice": {
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1 FOR UPDATE")).
					WithArgs("task-1").
					WillReturnRows(taskRow("running"))
				m.ExpectRollback()
			},
			expErr: model.ErrAlreadyRunning,
		},
		"A waiting task whose run still holds the lock should not be claimed": {
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1 FOR UPDATE")).
					WithArgs("task-1").
					WillReturnRows(lockedTaskRow("waiting_otp", time.Now()))
				m.ExpectRollback()
			},
			expErr: model.ErrAlreadyRunning,
		},
		"A missing task should return not found": {
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectBegin()
				m.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1 FOR UPDATE")).
					WithArgs("task-1").
					WillReturnRows(sqlmock.NewRows(taskCols))
				m.ExpectRollback()
			},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			store, mock := newStore(t)
			test.mock(mock)

			task, applicant, err := store.ClaimTask(context.Background(), "task-1", "worker-1")
			if test.expErr != nil {
				require.ErrorIs(err, test.expErr)
			} else {
				require.NoError(err)
				require.Equal(test.expStatus, task.Status)
				require.Equal(3, task.Attempts)
				require.Nil(task.ErrorMessage)
				require.Equal("111111", task.Input(model.InputOTP))
				require.Equal("temp", task.Input(model.InputTempPassword))
				require.Equal("enter_otp", task.Checkpoint)
				require.Equal("user:pass@10.0.0.1:3128", applicant.Proxy)
				require.Equal(model.ApplicantProcessing, applicant.Status)
			}
			require.NoError(mock.ExpectationsWereMet())
		})
	}
}

func TestTransitionWritesTaskAndApplicantTogether(t *testing.T) {
	require := require.New(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tasks SET status = $1, updated_at = $2, error_message = $3, success = $4, locked_at = NULL, worker_id = NULL WHERE id = $5 RETURNING applicant_id")).
		WithArgs("failed", sqlmock.AnyArg(), "timed out waiting for otp", false, "task-1").
		WillReturnRows(sqlmock.NewRows([]string{"applicant_id"}).AddRow("app-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET status = $1")).
		WithArgs("failed", sqlmock.AnyArg(), "app-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Transition(context.Background(), storage.Transition{
		TaskID:          "task-1",
		Status:          model.TaskFailed,
		ApplicantStatus: model.ApplicantFailed,
		ErrorMessage:    storage.Message("timed out waiting for otp"),
		Success:         storage.Bool(false),
		Release:         true,
	})
	require.NoError(err)
	require.NoError(mock.ExpectationsWereMet())
}

func TestTransitionStoresAppointment(t *testing.T) {
	require := require.New(t)
	store, mock := newStore(t)

	result := model.AppointmentResult{
		Reference: "RBA123",
		Date:      time.Date(2026, 3, 14, 14, 30, 0, 0, time.UTC),
		Location:  "Rabat",
		RawDate:   "14/03/2026",
		RawTime:   "02:30 PM",
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET status = $1, updated_at = $2, success = $3")).
		WithArgs("completed", sqlmock.AnyArg(), true, "task-1").
		WillReturnRows(sqlmock.NewRows([]string{"applicant_id"}).AddRow("app-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET status = $1")).
		WithArgs("appointment_booked", sqlmock.AnyArg(), "app-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET appointment_date = $1, appointment_details = $2")).
		WithArgs(result.Date, result.Details(), sqlmock.AnyArg(), "app-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Transition(context.Background(), storage.Transition{
		TaskID:          "task-1",
		Status:          model.TaskCompleted,
		ApplicantStatus: model.ApplicantAppointmentBooked,
		Success:         storage.Bool(true),
		Appointment:     &result,
	})
	require.NoError(err)
	require.NoError(mock.ExpectationsWereMet())
}

func TestTransitionStoresUnparsedAppointment(t *testing.T) {
	require := require.New(t)
	store, mock := newStore(t)

	result := model.AppointmentResult{Reference: "RBA124", RawDate: "jeudi 14 novembre", RawTime: "10h30"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET status = $1, updated_at = $2")).
		WithArgs("completed", sqlmock.AnyArg(), "task-1").
		WillReturnRows(sqlmock.NewRows([]string{"applicant_id"}).AddRow("app-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET appointment_date = $1, appointment_details = $2")).
		WithArgs(nil, "Ref: RBA124, Location: , Date: jeudi 14 novembre 10h30", sqlmock.AnyArg(), "app-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Transition(context.Background(), storage.Transition{
		TaskID:      "task-1",
		Status:      model.TaskCompleted,
		Appointment: &result,
	})
	require.NoError(err)
	require.NoError(mock.ExpectationsWereMet())
}

func TestSubmitInputNotifiesWaiters(t *testing.T) {
	require := require.New(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET updated_at = NOW(), otp = $1 WHERE id = $2")).
		WithArgs("482913", "task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(postgres.InputChannel, "task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := store.SubmitInput(context.Background(), "task-1", model.Input{OTP: "482913"})
	require.NoError(err)
	require.NoError(mock.ExpectationsWereMet())
}

func TestSubmitInputUnknownTask(t *testing.T) {
	require := require.New(t)
	store, mock := newStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.SubmitInput(context.Background(), "task-x", model.Input{NewPassword: "N3w!pass"})
	require.ErrorIs(err, model.ErrNotFound)

	err = store.SubmitInput(context.Background(), "task-x", model.Input{})
	require.ErrorIs(err, model.ErrInvalidInput)
	require.NoError(mock.ExpectationsWereMet())
}

func TestResetTask(t *testing.T) {
	tests := map[string]struct {
		status string
		mock   func(m sqlmock.Sqlmock)
		expErr bool
	}{
		"A failed task should go back to pending": {
			status: "failed",
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectExec(regexp.QuoteMeta("otp = NULL, data_protection_url = NULL")).
					WithArgs("pending", "task-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectExec(regexp.QuoteMeta("UPDATE applicants SET status = $1")).
					WithArgs("pending", "app-1").
					WillReturnResult(sqlmock.NewResult(0, 1))
				m.ExpectCommit()
			},
		},
		"A waiting task should not be reset": {
			status: "waiting_otp",
			mock: func(m sqlmock.Sqlmock) {
				m.ExpectRollback()
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)
			store, mock := newStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("SELECT applicant_id, status FROM tasks WHERE id = $1 FOR UPDATE")).
				WithArgs("task-1").
				WillReturnRows(sqlmock.NewRows([]string{"applicant_id", "status"}).AddRow("app-1", test.status))
			test.mock(mock)

			err := store.ResetTask(context.Background(), "task-1")
			if test.expErr {
				require.ErrorIs(err, model.ErrInvalidInput)
			} else {
				require.NoError(err)
			}
			require.NoError(mock.ExpectationsWereMet())
		})
	}
}

func TestRecoverStale(t *testing.T) {
	assert := assert.New(t)
	store, mock := newStore(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE status = ANY($2) AND locked_at < $3")).
		WithArgs("failed", sqlmock.AnyArg(), sqlmock.AnyArg(), "failed").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := store.RecoverStale(context.Background(), time.Hour)
	assert.NoError(err)
	assert.Equal(int64(2), n)
	assert.NoError(mock.ExpectationsWereMet())
}

func TestConsumeInputRejectsUnknownField(t *testing.T) {
	store, mock := newStore(t)

	err := store.ConsumeInput(context.Background(), "task-1", model.InputField("card_number"))
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks SET otp = NULL")).
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, store.ConsumeInput(context.Background(), "task-1", model.InputOTP))
	assert.NoError(t, mock.ExpectationsWereMet())
}
