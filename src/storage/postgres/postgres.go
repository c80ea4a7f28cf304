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

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"visaworker/src/model"
	"visaworker/src/storage"
)

// InputChannel is the NOTIFY channel operator submissions are announced on.
const InputChannel = "task_input"

const taskColumns = `id, applicant_id, status, attempts, last_run, next_run, locked_at, worker_id,
	error_message, success, checkpoint, otp, temp_password, new_password, data_protection_url,
	created_at, updated_at`

const applicantColumns = `a.id, COALESCE(a.organisation_id::text, ''), COALESCE(o.proxy, ''),
	a.first_name, a.last_name, a.email, a.phone, a.birth_date, a.birth_place, a.gender, a.marital_status,
	a.passport_number, a.passport_type, a.passport_issue_date, a.passport_expiry_date, a.passport_issue_place,
	a.travel_date, a.purpose_of_journey, a.member_state_destination, a.member_state_first_entry,
	a.member_state_second_destination, a.location, a.visa_type, a.visa_sub_type, a.category,
	a.status, a.appointment_date, a.appointment_details`

type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects with lib/pq and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not reach database: %w", err)
	}
	return db, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.ApplicantID, &t.Status, &t.Attempts, &t.LastRun, &t.NextRun, &t.LockedAt, &t.WorkerID,
		&t.ErrorMessage, &t.Success, &t.Checkpoint, &t.OTP, &t.TempPassword, &t.NewPassword, &t.DataProtectionURL,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func scanApplicant(row rowScanner) (*model.Applicant, error) {
	a := &model.Applicant{}
	err := row.Scan(
		&a.ID, &a.OrganisationID, &a.Proxy,
		&a.FirstName, &a.LastName, &a.Email, &a.Phone, &a.BirthDate, &a.BirthPlace, &a.Gender, &a.MaritalStatus,
		&a.PassportNumber, &a.PassportType, &a.PassportIssueDate, &a.PassportExpiryDate, &a.PassportIssuePlace,
		&a.TravelDate, &a.PurposeOfJourney, &a.MemberStateDestination, &a.MemberStateFirstEntry,
		&a.MemberStateSecondDestination, &a.Location, &a.VisaType, &a.VisaSubType, &a.Category,
		&a.Status, &a.AppointmentDate, &a.AppointmentDetails,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ClaimTask(ctx context.Context, taskID, workerID string) (*model.Task, *model.Applicant, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not lock task: %w", err)
	}
	if task.Held() {
		return nil, nil, model.ErrAlreadyRunning
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, attempts = attempts + 1, last_run = $2, locked_at = $2, worker_id = $3,
			error_message = NULL, updated_at = $2
		WHERE id = $4`,
		model.TaskRunning, now, workerID, taskID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not mark task running: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE applicants SET status = $1, updated_at = $2 WHERE id = $3`,
		model.ApplicantProcessing, now, task.ApplicantID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not mark applicant processing: %w", err)
	}

	applicant, err := scanApplicant(tx.QueryRowContext(ctx,
		`SELECT `+applicantColumns+` FROM applicants a LEFT JOIN organisations o ON o.id = a.organisation_id WHERE a.id = $1`,
		task.ApplicantID))
	if err != nil {
		return nil, nil, fmt.Errorf("could not load applicant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("could not commit claim: %w", err)
	}

	task.Status = model.TaskRunning
	task.Attempts++
	task.LastRun = &now
	task.LockedAt = &now
	task.WorkerID = &workerID
	task.ErrorMessage = nil
	applicant.Status = model.ApplicantProcessing
	return task, applicant, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}
	return task, nil
}

func (s *Store) GetApplicant(ctx context.Context, applicantID string) (*model.Applicant, error) {
	a, err := scanApplicant(s.db.QueryRowContext(ctx,
		`SELECT `+applicantColumns+` FROM applicants a LEFT JOIN organisations o ON o.id = a.organisation_id WHERE a.id = $1`,
		applicantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("applicant %s: %w", applicantID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get applicant: %w", err)
	}
	return a, nil
}

func (s *Store) Transition(ctx context.Context, t storage.Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{t.Status, now}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if t.ErrorMessage != nil {
		if *t.ErrorMessage == "" {
			add("error_message", nil)
		} else {
			add("error_message", *t.ErrorMessage)
		}
	}
	if t.Success != nil {
		add("success", *t.Success)
	}
	if t.Checkpoint != "" {
		add("checkpoint", t.Checkpoint)
	}
	if t.NextRun != nil {
		add("next_run", t.NextRun.UTC())
	}
	if t.Release {
		sets = append(sets, "locked_at = NULL", "worker_id = NULL")
	}
	args = append(args, t.TaskID)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d RETURNING applicant_id", strings.Join(sets, ", "), len(args))

	var applicantID string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&applicantID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", t.TaskID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}

	if t.ApplicantStatus != "" {
		_, err = tx.ExecContext(ctx, `UPDATE applicants SET status = $1, updated_at = $2 WHERE id = $3`,
			t.ApplicantStatus, now, applicantID)
		if err != nil {
			return fmt.Errorf("could not update applicant: %w", err)
		}
	}
	if t.Appointment != nil {
		_, err = tx.ExecContext(ctx, `UPDATE applicants SET appointment_date = $1, appointment_details = $2, updated_at = $3 WHERE id = $4`,
			t.Appointment.Scheduled(), t.Appointment.Details(), now, applicantID)
		if err != nil {
			return fmt.Errorf("could not store appointment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transition: %w", err)
	}
	return nil
}

var inputColumns = map[model.InputField]string{
	model.InputOTP:               "otp",
	model.InputTempPassword:      "temp_password",
	model.InputNewPassword:       "new_password",
	model.InputDataProtectionURL: "data_protection_url",
}

func (s *Store) ConsumeInput(ctx context.Context, taskID string, field model.InputField) error {
	column, ok := inputColumns[field]
	if !ok {
		return fmt.Errorf("unknown input field %q: %w", field, model.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s = NULL, updated_at = NOW() WHERE id = $1`, column), taskID)
	if err != nil {
		return fmt.Errorf("could not clear %s: %w", field, err)
	}
	return nil
}

func (s *Store) SubmitInput(ctx context.Context, taskID string, in model.Input) error {
	if in.Empty() {
		return fmt.Errorf("%w: no input given", model.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"updated_at = NOW()"}
	var args []any
	add := func(field model.InputField, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", inputColumns[field], len(args)))
	}
	add(model.InputOTP, in.OTP)
	add(model.InputTempPassword, in.TempPassword)
	add(model.InputNewPassword, in.NewPassword)
	add(model.InputDataProtectionURL, in.DataProtectionURL)
	args = append(args, taskID)

	res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("could not store input: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, InputChannel, taskID); err != nil {
		return fmt.Errorf("could not notify input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit input: %w", err)
	}
	return nil
}

// ResetTask returns a terminal task to pending and drops unread single use
// input. The checkpoint is kept, a rerun skips durable steps already done
// on the portal.
func (s *Store) ResetTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var applicantID string
	var status model.TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT applicant_id, status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&applicantID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("could not lock task: %w", err)
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: task is %s, only failed or completed tasks can be reset", model.ErrInvalidInput, status)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = $1, success = FALSE, error_message = NULL, next_run = NULL, locked_at = NULL, worker_id = NULL,
			otp = NULL, data_protection_url = NULL, updated_at = NOW()
		WHERE id = $2`, model.TaskPending, taskID)
	if err != nil {
		return fmt.Errorf("could not reset task: %w", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE applicants SET status = $1, updated_at = NOW() WHERE id = $2`, model.ApplicantPending, applicantID)
	if err != nil {
		return fmt.Errorf("could not reset applicant: %w", err)
	}
	return tx.Commit()
}

// RecoverStale fails tasks whose run died: running or waiting for input
// with a lock older than olderThan.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	held := []string{string(model.TaskRunning)}
	for _, st := range model.WaitingStatuses {
		held = append(held, string(st))
	}
	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			UPDATE tasks
			SET status = $1, success = FALSE, locked_at = NULL, worker_id = NULL,
				error_message = 'Timeout/Worker Crash', updated_at = NOW()
			WHERE status = ANY($2) AND locked_at < $3
			RETURNING applicant_id
		)
		UPDATE applicants SET status = $4, updated_at = NOW() WHERE id IN (SELECT applicant_id FROM stale)`,
		model.TaskFailed, pq.Array(held), cutoff, model.ApplicantFailed)
	if err != nil {
		return 0, fmt.Errorf("could not recover stale tasks: %w", err)
	}
	count, _ := res.RowsAffected()
	return count, nil
}

func (s *Store) TakeDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE tasks SET next_run = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = $1 AND next_run IS NOT NULL AND next_run <= $2
			ORDER BY next_run ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		model.TaskPending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("could not take due tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan due task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpsertOrganisation(ctx context.Context, org *model.Organisation) error {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO organisations (id, name, proxy) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET proxy = EXCLUDED.proxy
		RETURNING id`, org.ID, org.Name, org.Proxy).Scan(&org.ID)
	if err != nil {
		return fmt.Errorf("could not upsert organisation: %w", err)
	}
	return nil
}

func (s *Store) CreateApplicant(ctx context.Context, a *model.Applicant) (*model.Task, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.Status = model.ApplicantPending

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	var orgID any
	if a.OrganisationID != "" {
		orgID = a.OrganisationID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO applicants (id, organisation_id, first_name, last_name, email, phone, birth_date, birth_place,
			gender, marital_status, passport_number, passport_type, passport_issue_date, passport_expiry_date,
			passport_issue_place, travel_date, purpose_of_journey, member_state_destination, member_state_first_entry,
			member_state_second_destination, location, visa_type, visa_sub_type, category, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		a.ID, orgID, a.FirstName, a.LastName, a.Email, a.Phone, a.BirthDate, a.BirthPlace,
		a.Gender, a.MaritalStatus, a.PassportNumber, a.PassportType, a.PassportIssueDate, a.PassportExpiryDate,
		a.PassportIssuePlace, a.TravelDate, a.PurposeOfJourney, a.MemberStateDestination, a.MemberStateFirstEntry,
		a.MemberStateSecondDestination, a.Location, a.VisaType, a.VisaSubType, a.Category, a.Status)
	if err != nil {
		return nil, fmt.Errorf("could not insert applicant: %w", err)
	}

	task := &model.Task{
		ID:          uuid.New().String(),
		ApplicantID: a.ID,
		Status:      model.TaskPending,
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO tasks (id, applicant_id, status) VALUES ($1, $2, $3) RETURNING created_at, updated_at`,
		task.ID, task.ApplicantID, task.Status).Scan(&task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("could not insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit applicant: %w", err)
	}
	return task, nil
}

func (s *Store) Stats(ctx context.Context) (model.GlobalStats, error) {
	var gs model.GlobalStats
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'pending') as pending,
				COUNT(*) FILTER (WHERE status = 'running') as running,
				COUNT(*) FILTER (WHERE status LIKE 'waiting_%') as waiting,
				COUNT(*) FILTER (WHERE status = 'completed') as completed,
				COUNT(*) FILTER (WHERE status = 'failed') as failed,
				COALESCE(AVG(attempts), 0) as avg_attempts
			FROM tasks
		),
		performance AS (
			SELECT COALESCE(COUNT(*) FILTER (WHERE updated_at > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM tasks
			WHERE status = 'completed'
		)
		SELECT * FROM counts, performance;
	`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.RunningTasks, &gs.WaitingTasks,
		&gs.CompletedTasks, &gs.FailedTasks, &gs.AvgAttempts, &gs.ThroughputTasks,
	)
	if err != nil {
		return gs, fmt.Errorf("could not query stats: %w", err)
	}
	return gs, nil
}
