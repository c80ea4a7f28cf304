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
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
)

// Command is one CLI entry point.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand carries the global flags and output shared by every command.
type RootCommand struct {
	PortalProfile string
	Stdout        io.Writer
	Stderr        io.Writer
}

func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}
	app.Flag("portal-profile", "Path to a portal profile YAML, the embedded profile when empty.").Envar("PORTAL_PROFILE").StringVar(&c.PortalProfile)
	return c
}

// Run parses args and executes the selected command until it returns or a
// termination signal arrives.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := kingpin.New("visaworker", "Visa appointment portal automation worker.")
	rootCmd := NewRootCommand(app)

	workerCmd := NewWorkerCommand(rootCmd, app)
	submitCmd := NewSubmitCommand(rootCmd, app)
	inputCmd := NewInputCommand(rootCmd, app)
	resetCmd := NewResetCommand(rootCmd, app)
	migrateCmd := NewMigrateCommand(rootCmd, app)
	enrollCmd := NewEnrollCommand(rootCmd, app)

	cmds := map[string]Command{
		workerCmd.Name():  workerCmd,
		submitCmd.Name():  submitCmd,
		inputCmd.Name():   inputCmd,
		resetCmd.Name():   resetCmd,
		migrateCmd.Name(): migrateCmd,
		enrollCmd.Name():  enrollCmd,
	}

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				if err := cmds[cmdName].Run(ctx); err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

func main() {
	if err := Run(context.Background(), os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
