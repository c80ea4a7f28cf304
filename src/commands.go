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

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/redis/go-redis/v9"

	"visaworker/src/config"
	"visaworker/src/model"
	"visaworker/src/queue"
	"visaworker/src/scheduler"
	"visaworker/src/storage/postgres"
	"visaworker/src/storage/postgres/migrations"
)

func openDB(ctx context.Context) (*sql.DB, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, fmt.Errorf("could not load config: %w", err)
	}
	db, err := postgres.Open(ctx, cfg.DSN())
	if err != nil {
		return nil, cfg, err
	}
	return db, cfg, nil
}

func openQueue(ctx context.Context, cfg config.Config) (*queue.Queue, *redis.Client, error) {
	rdb, err := queue.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return queue.New(rdb), rdb, nil
}

type SubmitCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	flow   string
	userID string
}

func NewSubmitCommand(rootCmd *RootCommand, app *kingpin.Application) *SubmitCommand {
	c := &SubmitCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("submit", "Queue one execution of a flow for a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("flow", "Flow to run.").Default(string(model.FlowRegister)).EnumVar(&c.flow, string(model.FlowRegister), string(model.FlowBook))
	c.Cmd.Flag("user", "Acting user recorded on the job.").StringVar(&c.userID)
	return c
}

func (c SubmitCommand) Name() string { return c.Cmd.FullCommand() }

func (c SubmitCommand) Run(ctx context.Context) error {
	db, cfg, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := postgres.NewStore(db).GetTask(ctx, c.taskID); err != nil {
		return err
	}

	jobs, rdb, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	job, err := jobs.Submit(ctx, c.taskID, c.userID, model.Flow(c.flow))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.rootCmd.Stdout, "queued job %s: %s flow for task %s\n", job.ID, job.Flow, job.TaskID)
	return nil
}

type InputCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	in     model.Input
}

func NewInputCommand(rootCmd *RootCommand, app *kingpin.Application) *InputCommand {
	c := &InputCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("input", "Write operator input for a waiting task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("otp", "Emailed one time code.").StringVar(&c.in.OTP)
	c.Cmd.Flag("temp-password", "Password emailed after registration.").StringVar(&c.in.TempPassword)
	c.Cmd.Flag("new-password", "Password to set on the account.").StringVar(&c.in.NewPassword)
	c.Cmd.Flag("data-protection-url", "Confirmation link from the data protection email.").StringVar(&c.in.DataProtectionURL)
	return c
}

func (c InputCommand) Name() string { return c.Cmd.FullCommand() }

func (c InputCommand) Run(ctx context.Context) error {
	if c.in.Empty() {
		return fmt.Errorf("%w: give at least one of --otp, --temp-password, --new-password, --data-protection-url", model.ErrInvalidInput)
	}
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.NewStore(db).SubmitInput(ctx, c.taskID, c.in); err != nil {
		return err
	}
	fmt.Fprintf(c.rootCmd.Stdout, "input stored for task %s\n", c.taskID)
	return nil
}

type ResetCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
}

func NewResetCommand(rootCmd *RootCommand, app *kingpin.Application) *ResetCommand {
	c := &ResetCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("reset", "Return a failed or completed task to pending.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	return c
}

func (c ResetCommand) Name() string { return c.Cmd.FullCommand() }

func (c ResetCommand) Run(ctx context.Context) error {
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.NewStore(db).ResetTask(ctx, c.taskID); err != nil {
		return err
	}
	fmt.Fprintf(c.rootCmd.Stdout, "task %s reset to pending\n", c.taskID)
	return nil
}

type MigrateCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	down bool
}

func NewMigrateCommand(rootCmd *RootCommand, app *kingpin.Application) *MigrateCommand {
	c := &MigrateCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("migrate", "Apply the database schema.")
	c.Cmd.Flag("down", "Revert every migration instead.").BoolVar(&c.down)
	return c
}

func (c MigrateCommand) Name() string { return c.Cmd.FullCommand() }

func (c MigrateCommand) Run(ctx context.Context) error {
	db, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := migrations.NewMigrator(db)
	if err != nil {
		return err
	}
	if c.down {
		return m.Down(ctx)
	}
	return m.Up(ctx)
}

type EnrollCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	path     string
	noSubmit bool
}

func NewEnrollCommand(rootCmd *RootCommand, app *kingpin.Application) *EnrollCommand {
	c := &EnrollCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("enroll", "Create organisations and applicants from a YAML file and queue their registration.")
	c.Cmd.Arg("file", "Enrollment YAML file.").Required().StringVar(&c.path)
	c.Cmd.Flag("no-submit", "Only store the applicants.").BoolVar(&c.noSubmit)
	return c
}

func (c EnrollCommand) Name() string { return c.Cmd.FullCommand() }

func (c EnrollCommand) Run(ctx context.Context) error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("could not read %s: %w", c.path, err)
	}
	orgs, err := ParseEnrollment(data)
	if err != nil {
		return err
	}

	db, cfg, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	var submitter scheduler.Submitter
	if !c.noSubmit {
		jobs, rdb, err := openQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		submitter = jobs
	}

	out, err := Enroll(ctx, postgres.NewStore(db), submitter, orgs)
	for _, e := range out {
		fmt.Fprintf(c.rootCmd.Stdout, "%s\t%s\t%s\n", e.TaskID, e.PassportNumber, e.JobID)
	}
	return err
}
